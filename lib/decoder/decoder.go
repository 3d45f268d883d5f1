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

// Package decoder implements the single-timestep decoder transition: embed
// the input token, advance a stack of GRU cells, attend over the encoder
// memory bank (optionally with coverage and review attention), and produce
// the output distribution, extended over source OOV ids when the copy
// mechanism is enabled.
package decoder

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"

	"github.com/antflydb/catseq/lib/attention"
	"github.com/antflydb/catseq/lib/rnn"
)

// Config holds the decoder hyperparameters.
type Config struct {
	VocabSize  int `json:"vocab_size"`
	EmbedSize  int `json:"embed_size"`
	HiddenSize int `json:"hidden_size"`
	NumLayers  int `json:"num_layers"`
	// MemorySize is the feature size of the encoder memory bank.
	MemorySize int `json:"memory_size"`
	// AttnSize is the hidden size of the additive attention scorers.
	AttnSize int `json:"attn_size"`

	CopyAttn     bool `json:"copy_attn"`
	CoverageAttn bool `json:"coverage_attn"`
	ReviewAttn   bool `json:"review_attn"`
}

// Decoder holds the per-step transition. Weight variables live under the
// context given to New; repeated Step calls in an unrolled decode loop share
// them.
type Decoder struct {
	ctx    *context.Context
	cfg    Config
	attend *attention.Additive
	review *attention.Additive
}

// New validates cfg and returns a Decoder.
func New(ctx *context.Context, cfg Config) (*Decoder, error) {
	if cfg.VocabSize < 1 || cfg.EmbedSize < 1 || cfg.HiddenSize < 1 || cfg.MemorySize < 1 {
		return nil, fmt.Errorf("decoder config must have positive sizes, got %+v", cfg)
	}
	if cfg.NumLayers < 1 {
		return nil, fmt.Errorf("decoder requires at least one layer, got %d", cfg.NumLayers)
	}
	if cfg.AttnSize < 1 {
		cfg.AttnSize = cfg.HiddenSize
	}
	d := &Decoder{
		ctx:    ctx,
		cfg:    cfg,
		attend: attention.NewAdditive(ctx.In("attention"), cfg.AttnSize),
	}
	if cfg.ReviewAttn {
		d.review = attention.NewAdditive(ctx.In("review_attention"), cfg.AttnSize)
	}
	return d, nil
}

// Config returns the decoder configuration (with defaults resolved).
func (d *Decoder) Config() Config { return d.cfg }

// StepInput carries one timestep's inputs.
type StepInput struct {
	Token  *Node // [batchSize] int32 input token ids
	State  *Node // [numLayers, batchSize, hiddenSize]
	Memory *Node // [batchSize, srcLen, memorySize]
	// SourceMask is [batchSize, srcLen], 1.0 for real tokens, 0.0 for padding.
	SourceMask *Node
	// SourceOOV is [batchSize, srcLen] int32: source ids where OOV words are
	// mapped past the vocabulary. Only consulted when the copy mechanism is on.
	SourceOOV *Node
	// MaxOOV is the batch-wide OOV count; the output distribution is widened
	// to VocabSize+MaxOOV when the copy mechanism is on.
	MaxOOV int
	// Coverage is the [batchSize, srcLen] accumulator, nil when disabled.
	Coverage *Node
	// ReviewMemory is the [batchSize, t, hiddenSize] history of top-layer
	// decoder states, nil when review attention is disabled.
	ReviewMemory *Node
}

// StepOutput carries one timestep's results.
type StepOutput struct {
	// Dist is [batchSize, vocabSize] or [batchSize, vocabSize+maxOOV] under
	// the copy mechanism. Proper probabilities, not logits.
	Dist      *Node
	NextState *Node // [numLayers, batchSize, hiddenSize]
	Context   *Node // [batchSize, memorySize]
	Attention *Node // [batchSize, srcLen]
	// CopyGate is [batchSize, 1] generation probability, nil without copy.
	CopyGate *Node
	// Coverage is the updated accumulator, nil when disabled.
	Coverage *Node
}

// Step builds one decoder transition in the graph.
func (d *Decoder) Step(in StepInput) StepOutput {
	g := in.Token.Graph()
	cfg := d.cfg
	batchSize := in.Token.Shape().Dim(0)
	in.State.AssertDims(cfg.NumLayers, batchSize, cfg.HiddenSize)

	embedTable := d.ctx.In("embedding").VariableWithShape("weights",
		shapes.Make(dtypes.Float32, cfg.VocabSize, cfg.EmbedSize)).ValueGraph(g)
	embedded := Gather(embedTable, ExpandDims(in.Token, -1)) // [b, embed]

	// Advance the GRU stack one step; each layer feeds the next.
	x := embedded
	features := cfg.EmbedSize
	nextLayers := make([]*Node, cfg.NumLayers)
	for layer := range cfg.NumLayers {
		cell := rnn.NewCell(d.ctx.In(fmt.Sprintf("gru_%d", layer)), features, cfg.HiddenSize)
		h := Squeeze(Slice(in.State, AxisElem(layer)), 0)
		x = cell.Step(x, h)
		nextLayers[layer] = x
		features = cfg.HiddenSize
	}
	nextState := Stack(nextLayers, 0)
	top := x // [b, hidden]

	attnDist, contextVec := d.attend.Apply(top, in.Memory, in.SourceMask, in.Coverage)
	var newCoverage *Node
	if in.Coverage != nil {
		newCoverage = Add(in.Coverage, attnDist)
	}

	readoutIn := Concatenate([]*Node{top, contextVec}, -1)
	if in.ReviewMemory != nil {
		_, reviewCtx := d.review.Apply(top, in.ReviewMemory, nil, nil)
		readoutIn = Concatenate([]*Node{readoutIn, reviewCtx}, -1)
	}
	readout := Tanh(layers.Dense(d.ctx.In("readout"), readoutIn, true, cfg.EmbedSize))
	logits := layers.Dense(d.ctx.In("vocab"), readout, true, cfg.VocabSize)
	vocabDist := Softmax(logits, -1)

	out := StepOutput{
		NextState: nextState,
		Context:   contextVec,
		Attention: attnDist,
		Coverage:  newCoverage,
	}
	if !cfg.CopyAttn {
		out.Dist = vocabDist
		return out
	}

	// Copy mechanism: mix the generation distribution with attention mass
	// routed to the (OOV-extended) source token ids.
	pGen := Sigmoid(layers.Dense(d.ctx.In("copy_gate"),
		Concatenate([]*Node{contextVec, top, embedded}, -1), true, 1)) // [b, 1]
	genDist := Mul(vocabDist, pGen)
	extendedSize := cfg.VocabSize + in.MaxOOV
	if in.MaxOOV > 0 {
		genDist = Concatenate([]*Node{
			genDist,
			Zeros(g, shapes.Make(genDist.DType(), batchSize, in.MaxOOV)),
		}, -1)
	}

	srcLen := in.SourceOOV.Shape().Dim(1)
	vocabIota := Iota(g, shapes.Make(in.SourceOOV.DType(), batchSize, srcLen, extendedSize), 2)
	srcOneHot := ConvertDType(
		Equal(vocabIota, ExpandDims(in.SourceOOV, -1)),
		genDist.DType()) // [b, s, vext]
	copyDist := Einsum("bs,bsv->bv", Mul(attnDist, OneMinus(pGen)), srcOneHot)

	out.Dist = Add(genDist, copyDist)
	out.CopyGate = pGen
	return out
}
