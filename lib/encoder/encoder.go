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

// Package encoder implements the source-side GRU encoder: a padded token
// matrix plus per-item lengths in, a memory bank plus final state out.
package encoder

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/antflydb/catseq/lib/rnn"
)

// Config holds the encoder hyperparameters.
type Config struct {
	VocabSize     int  `json:"vocab_size"`
	EmbedSize     int  `json:"embed_size"`
	HiddenSize    int  `json:"hidden_size"`
	Bidirectional bool `json:"bidirectional"`
}

// Encoder embeds source tokens and runs them through a (bi)directional GRU.
type Encoder struct {
	ctx *context.Context
	cfg Config
}

// New validates cfg and returns an Encoder whose weight variables live under
// ctx.
func New(ctx *context.Context, cfg Config) (*Encoder, error) {
	if cfg.VocabSize < 1 || cfg.EmbedSize < 1 || cfg.HiddenSize < 1 {
		return nil, fmt.Errorf("encoder config must have positive sizes, got %+v", cfg)
	}
	return &Encoder{ctx: ctx, cfg: cfg}, nil
}

// OutputSize is the feature size of the memory bank and final state:
// hiddenSize per direction.
func (e *Encoder) OutputSize() int {
	if e.cfg.Bidirectional {
		return 2 * e.cfg.HiddenSize
	}
	return e.cfg.HiddenSize
}

// Encode builds the encoding graph.
//
//   - tokens: [batchSize, srcLen] int token ids
//   - lengths: [batchSize] per-item true lengths
//
// Returns:
//   - memoryBank: [batchSize, srcLen, OutputSize()]
//   - finalState: [batchSize, OutputSize()]
func (e *Encoder) Encode(tokens, lengths *Node) (memoryBank, finalState *Node) {
	g := tokens.Graph()
	batchSize := tokens.Shape().Dim(0)
	srcLen := tokens.Shape().Dim(1)

	embedTable := e.ctx.In("embedding").VariableWithShape("weights",
		shapes.Make(dtypes.Float32, e.cfg.VocabSize, e.cfg.EmbedSize)).ValueGraph(g)
	embedded := Gather(embedTable, ExpandDims(tokens, -1)) // [b, s, embed]

	direction := rnn.DirForward
	if e.cfg.Bidirectional {
		direction = rnn.DirBidirectional
	}
	allStates, lastState := rnn.New(e.ctx.In("gru"), embedded, e.cfg.HiddenSize).
		Direction(direction).
		Ragged(lengths).
		Done()

	// allStates: [s, d, b, h] -> [b, s, d*h]; lastState: [d, b, h] -> [b, d*h].
	numDirections := lastState.Shape().Dim(0)
	memoryBank = Reshape(
		TransposeAllDims(allStates, 2, 0, 1, 3),
		batchSize, srcLen, numDirections*e.cfg.HiddenSize)
	finalState = Reshape(
		TransposeAllDims(lastState, 1, 0, 2),
		batchSize, numDirections*e.cfg.HiddenSize)
	return
}
