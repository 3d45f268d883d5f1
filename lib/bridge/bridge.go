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

// Package bridge maps the encoder final state to the decoder initial state.
package bridge

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Mode selects how the encoder final state becomes the decoder initial state.
type Mode string

const (
	// ModeNone produces a zero initial state; the decoder self-initializes.
	ModeNone Mode = "none"
	// ModeCopy passes the encoder state through unchanged. Requires the
	// encoder and decoder state sizes to match.
	ModeCopy Mode = "copy"
	// ModeDense applies a learned linear projection.
	ModeDense Mode = "dense"
	// ModeDenseNonlinear applies a learned linear projection followed by tanh.
	ModeDenseNonlinear Mode = "dense_nonlinear"
)

// Bridge transforms the encoder final state [batchSize, encoderSize] into the
// decoder initial state [numLayers, batchSize, decoderSize]: the projected
// state is replicated across the decoder layers.
type Bridge struct {
	ctx                      *context.Context
	mode                     Mode
	encoderSize, decoderSize int
	numLayers                int
}

// New validates the configuration and returns a Bridge. Size mismatches under
// ModeCopy and unknown modes are configuration errors, surfaced here and
// never at forward time.
func New(ctx *context.Context, mode Mode, encoderSize, decoderSize, numLayers int) (*Bridge, error) {
	switch mode {
	case ModeNone, ModeDense, ModeDenseNonlinear:
	case ModeCopy:
		if encoderSize != decoderSize {
			return nil, fmt.Errorf(
				"bridge mode %q requires matching state sizes, got encoder %d and decoder %d",
				mode, encoderSize, decoderSize)
		}
	default:
		return nil, fmt.Errorf("unknown bridge mode %q", mode)
	}
	if numLayers < 1 {
		return nil, fmt.Errorf("bridge requires at least one decoder layer, got %d", numLayers)
	}
	return &Bridge{
		ctx:         ctx,
		mode:        mode,
		encoderSize: encoderSize,
		decoderSize: decoderSize,
		numLayers:   numLayers,
	}, nil
}

// Mode returns the configured bridge mode.
func (b *Bridge) Mode() Mode { return b.mode }

// Apply builds the graph mapping encoderFinal [batchSize, encoderSize] to the
// decoder initial state [numLayers, batchSize, decoderSize].
func (b *Bridge) Apply(encoderFinal *Node) *Node {
	g := encoderFinal.Graph()
	dtype := encoderFinal.DType()
	batchSize := encoderFinal.Shape().Dim(0)
	encoderFinal.AssertDims(batchSize, b.encoderSize)

	var state *Node
	switch b.mode {
	case ModeNone:
		return Zeros(g, shapes.Make(dtype, b.numLayers, batchSize, b.decoderSize))
	case ModeCopy:
		state = encoderFinal
	case ModeDense:
		state = layers.Dense(b.ctx.In("bridge"), encoderFinal, true, b.decoderSize)
	case ModeDenseNonlinear:
		state = Tanh(layers.Dense(b.ctx.In("bridge"), encoderFinal, true, b.decoderSize))
	}
	return BroadcastToDims(InsertAxes(state, 0), b.numLayers, batchSize, b.decoderSize)
}
