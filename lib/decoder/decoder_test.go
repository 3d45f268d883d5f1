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

package decoder

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	catbackends "github.com/antflydb/catseq/lib/backends"
)

const (
	batchSize  = 2
	srcLen     = 4
	vocabSize  = 10
	embedSize  = 6
	hiddenSize = 5
	numLayers  = 2
	memorySize = 8
	maxOOV     = 3
)

func testConfig() Config {
	return Config{
		VocabSize:  vocabSize,
		EmbedSize:  embedSize,
		HiddenSize: hiddenSize,
		NumLayers:  numLayers,
		MemorySize: memorySize,
		AttnSize:   7,
	}
}

// runStep executes a single decoder transition on the pure-Go engine with a
// zero initial state and coverage, returning the raw result tensors:
// dist, nextState, attention and, when coverage is on, coverage.
func runStep(t *testing.T, cfg Config) []*tensors.Tensor {
	t.Helper()
	engine, err := catbackends.NewManager().Engine("go")
	require.NoError(t, err)
	ctx := mlctx.New()
	dec, err := New(ctx.In("decoder"), cfg)
	require.NoError(t, err)

	token := tensors.FromFlatDataAndDimensions([]int32{3, 4}, batchSize)
	memFlat := make([]float32, batchSize*srcLen*memorySize)
	for i := range memFlat {
		memFlat[i] = float32(i%11)*0.1 - 0.5
	}
	memory := tensors.FromFlatDataAndDimensions(memFlat, batchSize, srcLen, memorySize)
	mask := tensors.FromFlatDataAndDimensions([]float32{
		1, 1, 1, 1,
		1, 1, 0, 0,
	}, batchSize, srcLen)
	srcOOV := tensors.FromFlatDataAndDimensions([]int32{
		3, 4, 10, 11,
		7, 12, 0, 0,
	}, batchSize, srcLen)

	graphFn := func(_ *mlctx.Context, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		in := StepInput{
			Token:      inputs[0],
			State:      Zeros(g, shapes.Make(dtypes.Float32, numLayers, batchSize, hiddenSize)),
			Memory:     inputs[1],
			SourceMask: inputs[2],
			SourceOOV:  inputs[3],
			MaxOOV:     maxOOV,
		}
		if cfg.CoverageAttn {
			in.Coverage = Zeros(g, shapes.Make(dtypes.Float32, batchSize, srcLen))
		}
		if cfg.ReviewAttn {
			in.ReviewMemory = Zeros(g, shapes.Make(dtypes.Float32, batchSize, 3, hiddenSize))
		}
		out := dec.Step(in)
		nodes := []*Node{out.Dist, out.NextState, out.Attention}
		if cfg.CoverageAttn {
			nodes = append(nodes, out.Coverage)
		}
		return nodes
	}
	results, err := mlctx.ExecOnceN(engine, ctx, graphFn, token, memory, mask, srcOOV)
	require.NoError(t, err)
	return results
}

func TestStepShapes(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(*Config)
		wantDistSize int
	}{
		{"plain", func(c *Config) {}, vocabSize},
		{"copy", func(c *Config) { c.CopyAttn = true }, vocabSize + maxOOV},
		{"coverage", func(c *Config) { c.CoverageAttn = true }, vocabSize},
		{"review", func(c *Config) { c.ReviewAttn = true }, vocabSize},
		{"all", func(c *Config) {
			c.CopyAttn = true
			c.CoverageAttn = true
			c.ReviewAttn = true
		}, vocabSize + maxOOV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			results := runStep(t, cfg)
			assert.Equal(t, []int{batchSize, tt.wantDistSize}, results[0].Shape().Dimensions)
			assert.Equal(t, []int{numLayers, batchSize, hiddenSize}, results[1].Shape().Dimensions)
			assert.Equal(t, []int{batchSize, srcLen}, results[2].Shape().Dimensions)
			if cfg.CoverageAttn {
				assert.Equal(t, []int{batchSize, srcLen}, results[3].Shape().Dimensions)
			}
		})
	}
}

func TestStepDistributionNormalized(t *testing.T) {
	for _, copyAttn := range []bool{false, true} {
		cfg := testConfig()
		cfg.CopyAttn = copyAttn
		results := runStep(t, cfg)

		// The generation and copy shares mix to a proper distribution.
		dist := results[0].Value().([][]float32)
		for b, row := range dist {
			var sum float32
			for _, p := range row {
				assert.GreaterOrEqual(t, p, float32(0))
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-4, "copy=%v item %d", copyAttn, b)
		}
	}
}

func TestStepCopyRoutesMassToSourceIDs(t *testing.T) {
	cfg := testConfig()
	cfg.CopyAttn = true
	results := runStep(t, cfg)

	dist := results[0].Value().([][]float32)
	attn := results[2].Value().([][]float32)

	// Item 0's source contains OOV ids 10 and 11; the attention mass on those
	// positions lands on the extended slots.
	assert.Greater(t, dist[0][10], float32(0))
	assert.Greater(t, dist[0][11], float32(0))
	// Id 12 appears only in item 1's source.
	assert.Zero(t, dist[0][12])
	assert.Greater(t, dist[1][12], float32(0))
	// Masked positions contribute nothing.
	assert.Zero(t, attn[1][2])
	assert.Zero(t, attn[1][3])
}

func TestStepCoverageAccumulatesAttention(t *testing.T) {
	cfg := testConfig()
	cfg.CoverageAttn = true
	results := runStep(t, cfg)

	attn := results[2].Value().([][]float32)
	coverage := results[3].Value().([][]float32)
	// Starting from zero coverage, the update is exactly the attention.
	assert.Equal(t, attn, coverage)
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig()
	cfg.NumLayers = 0
	_, err := New(mlctx.New(), cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "at least one layer")

	cfg = testConfig()
	cfg.MemorySize = 0
	_, err = New(mlctx.New(), cfg)
	require.Error(t, err)
	assert.ErrorContains(t, err, "positive sizes")
}
