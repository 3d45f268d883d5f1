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

package model

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// OneToManyMode selects how the decode loop treats an item that just finished
// a keyphrase segment (previous input token == end marker).
type OneToManyMode int

const (
	// OneToManyContinue never resets; state and token always carry forward.
	OneToManyContinue OneToManyMode = 1
	// OneToManyResetAll resets both hidden state and input token back to the
	// initial condition for items that finished a segment and are still below
	// their segment quota.
	OneToManyResetAll OneToManyMode = 2
	// OneToManyResetToken resets only the input token under the same
	// condition as OneToManyResetAll; the hidden state always carries forward.
	OneToManyResetToken OneToManyMode = 3
)

// QuotaAware reports whether the mode consults the per-item segment quota.
func (m OneToManyMode) QuotaAware() bool {
	return m == OneToManyResetAll || m == OneToManyResetToken
}

// LoopConfig configures a decode loop.
type LoopConfig struct {
	// Steps is the number of decoder timesteps, equal to the padded target
	// length. The loop always runs exactly this many iterations.
	Steps int
	// Mode is the one-to-many reset policy. Use OneToManyContinue when
	// one-to-many decoding is disabled.
	Mode OneToManyMode
	// BOSTokenID is the initial input token fed at t=0 and after resets.
	BOSTokenID int
	// EndTokenID is the segment end marker.
	EndTokenID int
	// Coverage carries a coverage accumulator through the loop.
	Coverage bool
	// Review grows a memory of top-layer decoder states through the loop.
	Review bool
}

// LoopInputs are the graph nodes a decode loop consumes.
type LoopInputs struct {
	// Targets is [batchSize, Steps] int32: teacher-forcing supervision. The
	// chosen token after step t is always Targets[:, t].
	Targets *Node
	// InitialState is [numLayers, batchSize, hiddenSize], typically the
	// bridge output.
	InitialState *Node
	// Quotas is [batchSize] int32, the per-item segment quota. Required for
	// quota-aware modes, ignored otherwise.
	Quotas *Node
	// SourceLen is the source length S, used only to shape the coverage
	// accumulator and validate assembled outputs.
	SourceLen int
}

// StepResult is what one decoder transition hands back to the loop.
type StepResult struct {
	Dist      *Node // [batchSize, distSize]
	NextState *Node // [numLayers, batchSize, hiddenSize]
	Attention *Node // [batchSize, sourceLen]
	Coverage  *Node // [batchSize, sourceLen], nil when coverage is off
}

// StepFunc is a single decoder transition. coverage and reviewMemory are nil
// when the corresponding feature is off.
type StepFunc func(t int, token, state, coverage, reviewMemory *Node) StepResult

// LoopOutputs are the assembled results of a decode loop.
type LoopOutputs struct {
	Dists      *Node // [batchSize, Steps, distSize]
	FinalState *Node // [numLayers, batchSize, hiddenSize]
	Attentions *Node // [batchSize, Steps, sourceLen]
	Coverages  *Node // [batchSize, Steps, sourceLen], nil when coverage is off
	// Counters is [batchSize, Steps] int32: each item's completed-segment
	// count as of each step. Non-decreasing along time, steps of at most 1.
	Counters *Node
}

// DecodeLoop unrolls cfg.Steps decoder transitions with unconditional teacher
// forcing and the one-to-many reset policy of cfg.Mode.
//
// Per-item bookkeeping is fully vectorized: segment-end indicators, counter
// updates and state/token resets are whole-batch masked selects, never
// per-item loops. The indicator at step t reflects the token chosen after
// step t-1 (one-step lag), and counters are incremented before the quota
// comparison, so an item whose counter just reached its quota does not reset.
func DecodeLoop(cfg LoopConfig, in LoopInputs, step StepFunc) LoopOutputs {
	g := in.Targets.Graph()
	batchSize := in.Targets.Shape().Dim(0)
	numLayers := in.InitialState.Shape().Dim(0)
	hiddenSize := in.InitialState.Shape().Dim(2)
	in.Targets.AssertDims(batchSize, cfg.Steps)
	in.InitialState.AssertDims(numLayers, batchSize, hiddenSize)
	if cfg.Mode.QuotaAware() {
		if in.Quotas == nil {
			exceptions.Panicf("one-to-many mode %d requires a segment quota vector", cfg.Mode)
		}
		in.Quotas.AssertDims(batchSize)
	}

	initToken := Add(Zeros(g, shapes.Make(dtypes.Int32, batchSize)),
		Scalar(g, dtypes.Int32, cfg.BOSTokenID))
	endToken := Scalar(g, dtypes.Int32, cfg.EndTokenID)
	counters := Zeros(g, shapes.Make(dtypes.Int32, batchSize))

	var coverage *Node
	if cfg.Coverage {
		coverage = Zeros(g, shapes.Make(dtypes.Float32, batchSize, in.SourceLen))
	}
	topLayer := func(state *Node) *Node {
		return Squeeze(Slice(state, AxisElem(numLayers-1)), 0)
	}
	var reviewMemory *Node
	if cfg.Review {
		reviewMemory = ExpandDims(topLayer(in.InitialState), 1) // [b, 1, h]
	}

	dists := make([]*Node, cfg.Steps)
	attns := make([]*Node, cfg.Steps)
	counterSteps := make([]*Node, cfg.Steps)
	var coverages []*Node
	if cfg.Coverage {
		coverages = make([]*Node, cfg.Steps)
	}

	// prevToken/prevState are the chosen token and next-state from the
	// previous step; token/state are the effective values fed this step.
	var prevToken, prevState, token, state *Node
	for t := range cfg.Steps {
		if t == 0 {
			token = initToken
			state = in.InitialState
		} else {
			indicator := Equal(prevToken, endToken) // [b] bool
			counters = Add(counters, ConvertDType(indicator, dtypes.Int32))
			switch cfg.Mode {
			case OneToManyResetAll:
				eligible := LogicalAnd(indicator, LessThan(counters, in.Quotas))
				token = Where(eligible, initToken, prevToken)
				stateSelect := BroadcastToDims(InsertAxes(eligible, 0, -1),
					numLayers, batchSize, hiddenSize)
				state = Where(stateSelect, in.InitialState, prevState)
			case OneToManyResetToken:
				eligible := LogicalAnd(indicator, LessThan(counters, in.Quotas))
				token = Where(eligible, initToken, prevToken)
				state = prevState
			default:
				token = prevToken
				state = prevState
			}
			if cfg.Review {
				reviewMemory = Concatenate([]*Node{
					reviewMemory, ExpandDims(topLayer(state), 1)}, 1)
			}
		}

		res := step(t, token, state, coverage, reviewMemory)
		dists[t] = res.Dist
		attns[t] = res.Attention
		counterSteps[t] = counters
		if cfg.Coverage {
			coverage = res.Coverage
			coverages[t] = coverage
		}

		// Unconditional teacher forcing: the chosen token is the ground truth
		// at t, regardless of the distribution just produced.
		prevToken = Reshape(Slice(in.Targets, AxisRange(), AxisElem(t)), batchSize)
		prevState = res.NextState
	}

	out := LoopOutputs{
		Dists:      Stack(dists, 1),
		FinalState: prevState,
		Attentions: Stack(attns, 1),
		Counters:   Stack(counterSteps, 1),
	}
	// Assembled-shape mismatches are internal defects: halt, never truncate.
	distSize := dists[0].Shape().Dim(1)
	out.Dists.AssertDims(batchSize, cfg.Steps, distSize)
	out.Attentions.AssertDims(batchSize, cfg.Steps, in.SourceLen)
	out.Counters.AssertDims(batchSize, cfg.Steps)
	out.FinalState.AssertDims(numLayers, batchSize, hiddenSize)
	if cfg.Coverage {
		out.Coverages = Stack(coverages, 1)
		out.Coverages.AssertDims(batchSize, cfg.Steps, in.SourceLen)
	}
	return out
}
