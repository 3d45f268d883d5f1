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

// Package model assembles the encoder, bridge and decoder into a
// keyphrase-generation sequence-to-sequence model and drives its one-to-many
// decode loop.
package model

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"go.uber.org/zap"

	"github.com/antflydb/catseq/lib/bridge"
	"github.com/antflydb/catseq/lib/decoder"
	"github.com/antflydb/catseq/lib/encoder"
)

// Config holds the full model hyperparameters and decoding policy.
type Config struct {
	VocabSize   int `json:"vocab_size"`
	EmbedSize   int `json:"embed_size"`
	EncoderSize int `json:"encoder_size"`
	DecoderSize int `json:"decoder_size"`
	// DecoderLayers is the number of stacked decoder GRU cells.
	DecoderLayers int `json:"decoder_layers"`
	AttnSize      int `json:"attn_size"`
	Bidirectional bool `json:"bidirectional"`

	BridgeMode bridge.Mode `json:"bridge_mode"`

	CopyAttn     bool `json:"copy_attn"`
	CoverageAttn bool `json:"coverage_attn"`
	ReviewAttn   bool `json:"review_attn"`

	// OneToMany enables multi-keyphrase decoding; OneToManyMode selects the
	// reset policy (1 continue, 2 full reset, 3 token-only reset).
	OneToMany     bool          `json:"one_to_many"`
	OneToManyMode OneToManyMode `json:"one_to_many_mode"`

	BOSTokenID int `json:"bos_token_id"`
	EndTokenID int `json:"end_token_id"`
}

// DefaultConfig returns a small catSeq-style configuration.
func DefaultConfig() Config {
	return Config{
		VocabSize:     50000,
		EmbedSize:     100,
		EncoderSize:   150,
		DecoderSize:   300,
		DecoderLayers: 1,
		AttnSize:      300,
		Bidirectional: true,
		BridgeMode:    bridge.ModeCopy,
		CopyAttn:      true,
		CoverageAttn:  false,
		ReviewAttn:    false,
		OneToMany:     false,
		OneToManyMode: OneToManyContinue,
		BOSTokenID:    1,
		EndTokenID:    2,
	}
}

// Validate checks the parts of the configuration that are not delegated to
// component constructors.
func (c Config) Validate() error {
	if c.VocabSize < 1 || c.EmbedSize < 1 || c.EncoderSize < 1 || c.DecoderSize < 1 {
		return fmt.Errorf("model config must have positive sizes, got %+v", c)
	}
	if c.OneToMany {
		switch c.OneToManyMode {
		case OneToManyContinue, OneToManyResetAll, OneToManyResetToken:
		default:
			return fmt.Errorf("unknown one-to-many mode %d", c.OneToManyMode)
		}
	}
	if c.BOSTokenID < 0 || c.BOSTokenID >= c.VocabSize {
		return fmt.Errorf("bos token id %d outside vocabulary of size %d", c.BOSTokenID, c.VocabSize)
	}
	if c.EndTokenID < 0 || c.EndTokenID >= c.VocabSize {
		return fmt.Errorf("end token id %d outside vocabulary of size %d", c.EndTokenID, c.VocabSize)
	}
	return nil
}

// resetMode is the effective loop mode: OneToManyContinue unless one-to-many
// decoding is enabled.
func (c Config) resetMode() OneToManyMode {
	if !c.OneToMany {
		return OneToManyContinue
	}
	return c.OneToManyMode
}

// Model owns the components and their weight variables. Forward calls are
// serialized; concurrent callers should use independent Model instances.
type Model struct {
	cfg    Config
	log    *zap.Logger
	engine backends.Backend
	ctx    *mlctx.Context

	enc *encoder.Encoder
	brg *bridge.Bridge
	dec *decoder.Decoder

	mu sync.Mutex
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(m *Model) { m.log = log }
}

// New validates cfg, builds the components and returns a Model with randomly
// initialized weights. Configuration errors (including copy-bridge size
// mismatches and unknown bridge or one-to-many modes) surface here, never at
// forward time.
func New(engine backends.Backend, cfg Config, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating model config: %w", err)
	}
	m := &Model{
		cfg:    cfg,
		log:    zap.NewNop(),
		engine: engine,
		ctx:    mlctx.New(),
	}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	m.enc, err = encoder.New(m.ctx.In("encoder"), encoder.Config{
		VocabSize:     cfg.VocabSize,
		EmbedSize:     cfg.EmbedSize,
		HiddenSize:    cfg.EncoderSize,
		Bidirectional: cfg.Bidirectional,
	})
	if err != nil {
		return nil, fmt.Errorf("building encoder: %w", err)
	}
	m.brg, err = bridge.New(m.ctx.In("bridge"), cfg.BridgeMode,
		m.enc.OutputSize(), cfg.DecoderSize, cfg.DecoderLayers)
	if err != nil {
		return nil, fmt.Errorf("building bridge: %w", err)
	}
	m.dec, err = decoder.New(m.ctx.In("decoder"), decoder.Config{
		VocabSize:    cfg.VocabSize,
		EmbedSize:    cfg.EmbedSize,
		HiddenSize:   cfg.DecoderSize,
		NumLayers:    cfg.DecoderLayers,
		MemorySize:   m.enc.OutputSize(),
		AttnSize:     cfg.AttnSize,
		CopyAttn:     cfg.CopyAttn,
		CoverageAttn: cfg.CoverageAttn,
		ReviewAttn:   cfg.ReviewAttn,
	})
	if err != nil {
		return nil, fmt.Errorf("building decoder: %w", err)
	}

	m.log.Info("built catseq model",
		zap.Int("vocab_size", cfg.VocabSize),
		zap.String("bridge_mode", string(cfg.BridgeMode)),
		zap.Bool("one_to_many", cfg.OneToMany),
		zap.Int("one_to_many_mode", int(cfg.OneToManyMode)))
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// ForwardInput is one batched teacher-forced decoding pass.
type ForwardInput struct {
	// Source is [batchSize][srcLen] token ids; SourceLengths the per-item
	// true lengths.
	Source        [][]int32
	SourceLengths []int32
	// Target is [batchSize][trgLen] teacher-forcing supervision; trgLen is
	// the number of decode steps.
	Target [][]int32
	// SourceOOV mirrors Source with OOV words mapped past the vocabulary;
	// MaxOOV is the batch-wide OOV count. Only consulted under copy attention.
	SourceOOV [][]int32
	MaxOOV    int
	// SourceMask is [batchSize][srcLen], 1.0 real token, 0.0 padding.
	SourceMask [][]float32
	// Quotas is the per-item segment quota, required iff the one-to-many mode
	// is quota-aware (2 or 3).
	Quotas []int32
}

// ForwardOutput is the assembled result of one forward pass.
type ForwardOutput struct {
	// Distributions is [batchSize, trgLen, vocab(+maxOOV)].
	Distributions *tensors.Tensor
	// FinalState is [decoderLayers, batchSize, decoderSize].
	FinalState *tensors.Tensor
	// Attentions is [batchSize, trgLen, srcLen].
	Attentions *tensors.Tensor
	// Coverages is [batchSize, trgLen, srcLen], nil when coverage is off.
	Coverages *tensors.Tensor
	// Counters is [batchSize, trgLen] completed-segment counts per step.
	Counters *tensors.Tensor
}

// validate checks the entry preconditions. Quota violations in quota-aware
// modes are surfaced here, before any graph is built or executed.
func (in *ForwardInput) validate(cfg Config) (batchSize, srcLen, trgLen int, err error) {
	batchSize = len(in.Source)
	if batchSize == 0 {
		return 0, 0, 0, fmt.Errorf("empty source batch")
	}
	srcLen = len(in.Source[0])
	if len(in.Target) != batchSize {
		return 0, 0, 0, fmt.Errorf("target batch size %d does not match source batch size %d", len(in.Target), batchSize)
	}
	trgLen = len(in.Target[0])
	if trgLen == 0 {
		return 0, 0, 0, fmt.Errorf("empty target sequence")
	}
	if len(in.SourceLengths) != batchSize {
		return 0, 0, 0, fmt.Errorf("source lengths size %d does not match batch size %d", len(in.SourceLengths), batchSize)
	}
	if len(in.SourceMask) != batchSize {
		return 0, 0, 0, fmt.Errorf("source mask size %d does not match batch size %d", len(in.SourceMask), batchSize)
	}
	if cfg.CopyAttn && len(in.SourceOOV) != batchSize {
		return 0, 0, 0, fmt.Errorf("source OOV size %d does not match batch size %d", len(in.SourceOOV), batchSize)
	}
	if in.MaxOOV < 0 {
		return 0, 0, 0, fmt.Errorf("negative max OOV count %d", in.MaxOOV)
	}
	if cfg.OneToMany && cfg.OneToManyMode.QuotaAware() {
		if in.Quotas == nil {
			return 0, 0, 0, fmt.Errorf("one-to-many mode %d requires a segment quota vector", cfg.OneToManyMode)
		}
		if len(in.Quotas) != batchSize {
			return 0, 0, 0, fmt.Errorf("segment quota vector size %d does not match batch size %d", len(in.Quotas), batchSize)
		}
	}
	return batchSize, srcLen, trgLen, nil
}

// Forward runs one batched teacher-forced decoding pass.
func (m *Model) Forward(in ForwardInput) (*ForwardOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg
	batchSize, srcLen, trgLen, err := in.validate(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid forward input: %w", err)
	}

	srcTensor := flatten2D(in.Source, batchSize, srcLen)
	lenTensor := tensors.FromFlatDataAndDimensions(in.SourceLengths, batchSize)
	trgTensor := flatten2D(in.Target, batchSize, trgLen)
	maskFlat := make([]float32, 0, batchSize*srcLen)
	for _, row := range in.SourceMask {
		maskFlat = append(maskFlat, row...)
	}
	maskTensor := tensors.FromFlatDataAndDimensions(maskFlat, batchSize, srcLen)

	args := []any{srcTensor, lenTensor, trgTensor, maskTensor}
	oovIdx, quotaIdx := -1, -1
	if cfg.CopyAttn {
		oovIdx = len(args)
		args = append(args, flatten2D(in.SourceOOV, batchSize, srcLen))
	}
	if cfg.OneToMany && cfg.OneToManyMode.QuotaAware() {
		quotaIdx = len(args)
		args = append(args, tensors.FromFlatDataAndDimensions(in.Quotas, batchSize))
	}

	graphFn := func(ctx *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		src, lengths, trg, mask := inputs[0], inputs[1], inputs[2], inputs[3]
		var srcOOV, quotas *graph.Node
		if oovIdx >= 0 {
			srcOOV = inputs[oovIdx]
		}
		if quotaIdx >= 0 {
			quotas = inputs[quotaIdx]
		}

		memory, encFinal := m.enc.Encode(src, lengths)
		initialState := m.brg.Apply(encFinal)

		step := func(t int, token, state, coverage, reviewMemory *graph.Node) StepResult {
			res := m.dec.Step(decoder.StepInput{
				Token:        token,
				State:        state,
				Memory:       memory,
				SourceMask:   mask,
				SourceOOV:    srcOOV,
				MaxOOV:       in.MaxOOV,
				Coverage:     coverage,
				ReviewMemory: reviewMemory,
			})
			return StepResult{
				Dist:      res.Dist,
				NextState: res.NextState,
				Attention: res.Attention,
				Coverage:  res.Coverage,
			}
		}

		loop := DecodeLoop(LoopConfig{
			Steps:      trgLen,
			Mode:       cfg.resetMode(),
			BOSTokenID: cfg.BOSTokenID,
			EndTokenID: cfg.EndTokenID,
			Coverage:   cfg.CoverageAttn,
			Review:     cfg.ReviewAttn,
		}, LoopInputs{
			Targets:      trg,
			InitialState: initialState,
			Quotas:       quotas,
			SourceLen:    srcLen,
		}, step)

		outputs := []*graph.Node{loop.Dists, loop.FinalState, loop.Attentions, loop.Counters}
		if cfg.CoverageAttn {
			outputs = append(outputs, loop.Coverages)
		}
		return outputs
	}

	results, err := mlctx.ExecOnceN(m.engine, m.ctx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("executing forward graph: %w", err)
	}
	if len(results) < 4 {
		return nil, fmt.Errorf("forward graph returned %d outputs", len(results))
	}

	out := &ForwardOutput{
		Distributions: results[0],
		FinalState:    results[1],
		Attentions:    results[2],
		Counters:      results[3],
	}
	if cfg.CoverageAttn {
		out.Coverages = results[4]
	}
	m.log.Debug("forward pass complete",
		zap.Int("batch_size", batchSize),
		zap.Int("src_len", srcLen),
		zap.Int("trg_len", trgLen),
		zap.Int("max_oov", in.MaxOOV))
	return out, nil
}

// flatten2D packs a rectangular [][]int32 into a [rows, cols] tensor.
func flatten2D(rows [][]int32, numRows, numCols int) *tensors.Tensor {
	flat := make([]int32, 0, numRows*numCols)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, numRows, numCols)
}
