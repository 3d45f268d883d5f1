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

// Package attention implements additive (Bahdanau-style) attention over a
// memory bank, with optional source masking and an optional coverage feature
// in the scorer.
package attention

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Additive scores each memory position against a query through a small
// feed-forward network: score = v . tanh(Wm*mem + Wq*query [+ wc*coverage]).
// Weight variables live under the context passed to NewAdditive, so repeated
// Apply calls (e.g. one per unrolled decoder step) share the same parameters.
type Additive struct {
	ctx      *context.Context
	attnSize int
}

// NewAdditive returns an additive attention scorer with the given hidden
// scoring size.
func NewAdditive(ctx *context.Context, attnSize int) *Additive {
	return &Additive{ctx: ctx, attnSize: attnSize}
}

// Apply computes the attention distribution and context vector.
//
//   - query: [batchSize, querySize]
//   - memory: [batchSize, memLen, memSize]
//   - mask: [batchSize, memLen] with 1.0 for real positions and 0.0 for
//     padding, or nil for no masking. Masked positions get zero probability.
//   - coverage: [batchSize, memLen] accumulated attention, or nil.
//
// Returns dist [batchSize, memLen] and contextVec [batchSize, memSize].
func (a *Additive) Apply(query, memory, mask, coverage *Node) (dist, contextVec *Node) {
	g := query.Graph()
	batchSize := memory.Shape().Dim(0)
	memLen := memory.Shape().Dim(1)
	query.AssertDims(batchSize, query.Shape().Dim(1))

	features := layers.Dense(a.ctx.In("memory"), memory, false, a.attnSize) // [b, s, attn]
	queryProj := layers.Dense(a.ctx.In("query"), query, true, a.attnSize)  // [b, attn]
	features = Add(features, ExpandDims(queryProj, 1))
	if coverage != nil {
		coverage.AssertDims(batchSize, memLen)
		covProj := layers.Dense(a.ctx.In("coverage"), ExpandDims(coverage, -1), false, a.attnSize)
		features = Add(features, covProj)
	}
	scores := layers.Dense(a.ctx.In("score"), Tanh(features), false, 1) // [b, s, 1]
	scores = Squeeze(scores, -1)

	if mask != nil {
		mask.AssertDims(batchSize, memLen)
		valid := GreaterOrEqual(mask, Scalar(g, mask.DType(), 0.5))
		dist = MaskedSoftmax(scores, valid, -1)
	} else {
		dist = Softmax(scores, -1)
	}

	contextVec = Einsum("bs,bsm->bm", dist, memory)
	return
}
