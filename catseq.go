// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catseq wires the keyphrase-generation model into a service: engine
// selection, logging and metrics around the model's forward pass.
package catseq

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/catseq/lib/backends"
	"github.com/antflydb/catseq/lib/model"
)

// Service owns a model and the engine it runs on.
type Service struct {
	cfg   Config
	log   *zap.Logger
	model *model.Model
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	log *zap.Logger
}

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(o *serviceOptions) { o.log = log }
}

// NewService validates cfg, resolves the compute engine and builds the model.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	options := serviceOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}

	engine, err := backends.NewManager().Engine(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("resolving engine: %w", err)
	}
	options.log.Info("resolved compute engine",
		zap.String("requested", cfg.Backend),
		zap.String("engine", engine.Name()))

	m, err := model.New(engine, cfg.Model, model.WithLogger(options.log))
	if err != nil {
		return nil, fmt.Errorf("building model: %w", err)
	}
	return &Service{cfg: cfg, log: options.log, model: m}, nil
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// Forward runs one batched teacher-forced decoding pass, recording metrics.
func (s *Service) Forward(in model.ForwardInput) (*model.ForwardOutput, error) {
	start := time.Now()
	out, err := s.model.Forward(in)
	RecordForwardDuration(time.Since(start).Seconds())
	if err != nil {
		RecordForward("error")
		s.log.Error("forward pass failed", zap.Error(err))
		return nil, err
	}
	RecordForward("ok")
	if len(in.Target) > 0 {
		RecordBatchItems(len(in.Target))
		RecordDecodeSteps(len(in.Target) * len(in.Target[0]))
	}
	return out, nil
}
