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

// Package rnn provides GRU recurrent building blocks on GoMLX graphs.
//
// GoMLX doesn't implement graph-level loops, so the sequence GRU unrolls: the
// graph grows O(N) on the sequence length, each step instantiated as its own
// nodes. Cell exposes a single step so autoregressive decoders can drive the
// recurrence themselves.
package rnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Gate order inside the stacked weight tensors.
const (
	gateUpdate = iota
	gateReset
	gateCandidate
	numGates
)

// Cell is a single-step GRU transition sharing weights across invocations:
// calling Step repeatedly with the same Cell reuses the same context
// variables, so an unrolled loop trains one set of weights.
type Cell struct {
	ctx                      *context.Context
	featuresSize, hiddenSize int
}

// NewCell returns a GRU cell whose weight variables live under ctx's current
// scope. featuresSize is the size of the step input, hiddenSize the size of
// the hidden state.
func NewCell(ctx *context.Context, featuresSize, hiddenSize int) *Cell {
	return &Cell{ctx: ctx, featuresSize: featuresSize, hiddenSize: hiddenSize}
}

// Step applies one GRU transition.
// x must be shaped [batchSize, featuresSize], h [batchSize, hiddenSize].
// Returns the next hidden state, shaped [batchSize, hiddenSize].
func (c *Cell) Step(x, h *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	x.AssertDims(h.Shape().Dim(0), c.featuresSize)
	h.AssertDims(x.Shape().Dim(0), c.hiddenSize)

	inputsW := c.ctx.VariableWithShape("inputsW",
		shapes.Make(dtype, numGates, c.hiddenSize, c.featuresSize)).ValueGraph(g)
	recurrentW := c.ctx.VariableWithShape("recurrentW",
		shapes.Make(dtype, numGates, c.hiddenSize, c.hiddenSize)).ValueGraph(g)
	biasesW := c.ctx.VariableWithShape("biasesW",
		shapes.Make(dtype, 2*numGates, c.hiddenSize)).ValueGraph(g)

	// Linear projections for all gates at once.
	// b->batchSize, f->featuresSize, h/j->hiddenSize, n->numGates.
	projX := Einsum("bf,nhf->nbh", x, inputsW)
	projX = Add(projX, Reshape(Slice(biasesW, AxisRangeFromStart(numGates)), numGates, 1, c.hiddenSize))
	projH := Einsum("bh,njh->nbj", h, recurrentW)
	projH = Add(projH, Reshape(Slice(biasesW, AxisRangeToEnd(numGates)), numGates, 1, c.hiddenSize))

	gateX := func(elemIdx int) *Node {
		return Squeeze(Slice(projX, AxisElem(elemIdx)), 0)
	}
	gateH := func(elemIdx int) *Node {
		return Squeeze(Slice(projH, AxisElem(elemIdx)), 0)
	}

	zT := Sigmoid(Add(gateX(gateUpdate), gateH(gateUpdate)))
	rT := Sigmoid(Add(gateX(gateReset), gateH(gateReset)))
	nT := Tanh(Add(gateX(gateCandidate), Mul(rT, gateH(gateCandidate))))
	return Add(Mul(zT, h), Mul(OneMinus(zT), nT))
}

// DirectionType defines the direction(s) to run the GRU over a sequence.
type DirectionType int

const (
	DirForward DirectionType = iota
	DirReverse
	DirBidirectional
)

// GRU holds a full-sequence GRU configuration. Create it with New, configure,
// then call Done to apply it to the sequence.
type GRU struct {
	ctx          *context.Context
	x            *Node
	xLengths     *Node
	initialState *Node
	direction    DirectionType
	hiddenSize   int
}

// New creates a GRU layer to be configured and then applied to x.
// x should be shaped [batchSize, sequenceSize, featuresSize].
//
// See GRU.Ragged if the sequences are padded. Once configured, call GRU.Done.
func New(ctx *context.Context, x *Node, hiddenSize int) *GRU {
	return &GRU{
		ctx:        ctx,
		x:          x,
		direction:  DirForward,
		hiddenSize: hiddenSize,
	}
}

// Direction configures in which direction to run: DirForward, DirReverse or both.
func (l *GRU) Direction(dir DirectionType) *GRU {
	l.direction = dir
	return l
}

// Ragged indicates that x is "ragged" (the sequences are not used to the end)
// and its true lengths are given by sequenceLengths, shaped [batchSize].
// Positions past an item's length carry the previous hidden state unchanged.
func (l *GRU) Ragged(sequenceLengths *Node) *GRU {
	l.xLengths = sequenceLengths
	return l
}

// InitialState configures the initial hidden state (h_0), shaped
// [numDirections, batchSize, hiddenSize]. Defaults to 0.
func (l *GRU) InitialState(initialState *Node) *GRU {
	l.initialState = initialState
	return l
}

// NumDirections based on the configured direction.
func (l *GRU) NumDirections() int {
	if l.direction == DirBidirectional {
		return 2
	}
	return 1
}

// Done applies the GRU to the sequence in x.
//   - allHiddenStates: [sequenceSize, numDirections, batchSize, hiddenSize]
//   - lastHiddenState: [numDirections, batchSize, hiddenSize]
func (l *GRU) Done() (allHiddenStates, lastHiddenState *Node) {
	x := l.x
	g := x.Graph()
	dtype := x.DType()
	numDirections := l.NumDirections()
	batchSize := x.Shape().Dim(0)
	sequenceSize := x.Shape().Dim(1)
	featuresSize := x.Shape().Dim(2)
	xLengths := l.xLengths

	// One cell per direction: weights are scoped by direction name.
	dirNames := []string{"forward", "reverse"}
	if l.direction == DirReverse {
		dirNames = []string{"reverse"}
	}
	cells := make([]*Cell, numDirections)
	for dirIdx := range numDirections {
		cells[dirIdx] = NewCell(l.ctx.In(dirNames[dirIdx]), featuresSize, l.hiddenSize)
	}

	prevHidden := make([]*Node, numDirections)
	for dirIdx := range numDirections {
		if l.initialState == nil {
			prevHidden[dirIdx] = Zeros(g, shapes.Make(dtype, batchSize, l.hiddenSize))
		} else {
			l.initialState.AssertDims(numDirections, batchSize, l.hiddenSize)
			prevHidden[dirIdx] = Squeeze(Slice(l.initialState, AxisElem(dirIdx)), 0)
		}
	}

	seqHiddenStates := make([][]*Node, numDirections)
	for ii := range numDirections {
		seqHiddenStates[ii] = make([]*Node, sequenceSize)
	}

	for seqIdx := range sequenceSize {
		for dirIdx := range numDirections {
			seqPos := seqIdx
			if dirIdx == 1 || l.direction == DirReverse {
				seqPos = sequenceSize - 1 - seqIdx
			}

			xT := Reshape(
				Slice(x, AxisRange(), AxisElem(seqPos)),
				batchSize, featuresSize)
			hiddenState := cells[dirIdx].Step(xT, prevHidden[dirIdx])

			// Positions after the sentence end keep the previous hidden state
			// unchanged -- works in both directions.
			if xLengths != nil {
				masked := GreaterOrEqual(Scalar(g, xLengths.DType(), seqPos), xLengths)
				masked = ExpandAxes(masked, -1)
				hiddenState = Where(masked, prevHidden[dirIdx], hiddenState)
			}

			seqHiddenStates[dirIdx][seqPos] = hiddenState
			prevHidden[dirIdx] = hiddenState
		}
	}

	lastHiddenState = Stack(prevHidden, 0)
	if numDirections == 2 {
		allHiddenStates = Stack([]*Node{
			Stack(seqHiddenStates[0], 0),
			Stack(seqHiddenStates[1], 0)}, 1)
	} else {
		allHiddenStates = Stack(seqHiddenStates[0], 0)
		allHiddenStates = Reshape(allHiddenStates, sequenceSize, 1, batchSize, l.hiddenSize)
	}
	return
}
