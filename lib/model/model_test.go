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
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	catbackends "github.com/antflydb/catseq/lib/backends"
	"github.com/antflydb/catseq/lib/bridge"
)

func testEngine(t *testing.T) backends.Backend {
	t.Helper()
	engine, err := catbackends.NewManager().Engine("go")
	require.NoError(t, err)
	return engine
}

// testConfig is a tiny model the pure-Go engine evaluates quickly. The
// bidirectional encoder output (2*3=6) matches the decoder size so the copy
// bridge is valid.
func testConfig() Config {
	return Config{
		VocabSize:     12,
		EmbedSize:     8,
		EncoderSize:   3,
		DecoderSize:   6,
		DecoderLayers: 2,
		AttnSize:      5,
		Bidirectional: true,
		BridgeMode:    bridge.ModeCopy,
		BOSTokenID:    1,
		EndTokenID:    2,
		OneToManyMode: OneToManyContinue,
	}
}

// testInput is a B=2, S=4, Tmax=3 batch with one padded item.
func testInput() ForwardInput {
	return ForwardInput{
		Source:        [][]int32{{3, 4, 5, 6}, {7, 8, 0, 0}},
		SourceLengths: []int32{4, 2},
		Target:        [][]int32{{3, 2, 4}, {5, 6, 7}},
		SourceOOV:     [][]int32{{3, 4, 12, 13}, {7, 14, 0, 0}},
		MaxOOV:        3,
		SourceMask: [][]float32{
			{1, 1, 1, 1},
			{1, 1, 0, 0},
		},
	}
}

func tensorDims(t *testing.T, out *ForwardOutput) (dist, attn []int) {
	t.Helper()
	return out.Distributions.Shape().Dimensions, out.Attentions.Shape().Dimensions
}

func TestForwardShapes(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(*Config)
		wantDistSize int
		wantCoverage bool
	}{
		{
			name:         "plain",
			mutate:       func(c *Config) {},
			wantDistSize: 12,
		},
		{
			name:         "copy extends distribution by max oov",
			mutate:       func(c *Config) { c.CopyAttn = true },
			wantDistSize: 15,
		},
		{
			name: "coverage stacks accumulators",
			mutate: func(c *Config) {
				c.CoverageAttn = true
			},
			wantDistSize: 12,
			wantCoverage: true,
		},
		{
			name: "copy coverage and review together",
			mutate: func(c *Config) {
				c.CopyAttn = true
				c.CoverageAttn = true
				c.ReviewAttn = true
			},
			wantDistSize: 15,
			wantCoverage: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			m, err := New(testEngine(t), cfg)
			require.NoError(t, err)

			out, err := m.Forward(testInput())
			require.NoError(t, err)

			dist, attn := tensorDims(t, out)
			assert.Equal(t, []int{2, 3, tt.wantDistSize}, dist)
			assert.Equal(t, []int{2, 3, 4}, attn)
			assert.Equal(t, []int{cfg.DecoderLayers, 2, cfg.DecoderSize},
				out.FinalState.Shape().Dimensions)
			assert.Equal(t, []int{2, 3}, out.Counters.Shape().Dimensions)
			if tt.wantCoverage {
				require.NotNil(t, out.Coverages)
				assert.Equal(t, []int{2, 3, 4}, out.Coverages.Shape().Dimensions)
			} else {
				assert.Nil(t, out.Coverages)
			}
		})
	}
}

func TestForwardDistributionsNormalized(t *testing.T) {
	cfg := testConfig()
	cfg.CopyAttn = true
	m, err := New(testEngine(t), cfg)
	require.NoError(t, err)

	out, err := m.Forward(testInput())
	require.NoError(t, err)

	dists := out.Distributions.Value().([][][]float32)
	for b, item := range dists {
		for tt, dist := range item {
			var sum float32
			for _, p := range dist {
				assert.GreaterOrEqual(t, p, float32(0))
				sum += p
			}
			assert.InDelta(t, 1.0, sum, 1e-3, "item %d step %d", b, tt)
		}
	}
}

func TestForwardAttentionRespectsMask(t *testing.T) {
	cfg := testConfig()
	m, err := New(testEngine(t), cfg)
	require.NoError(t, err)

	out, err := m.Forward(testInput())
	require.NoError(t, err)

	// Item 1 has padding at source positions 2 and 3.
	attns := out.Attentions.Value().([][][]float32)
	for tt, dist := range attns[1] {
		assert.Zero(t, dist[2], "step %d", tt)
		assert.Zero(t, dist[3], "step %d", tt)
	}
}

func TestForwardOneToManyCounters(t *testing.T) {
	cfg := testConfig()
	cfg.OneToMany = true
	cfg.OneToManyMode = OneToManyResetAll
	m, err := New(testEngine(t), cfg)
	require.NoError(t, err)

	// Item 0 is forced onto the end marker (id 2) after t=0 and, with quota
	// 2, resets; item 1 never produces a marker and always continues.
	in := testInput()
	in.Target = [][]int32{{2, 3, 4}, {5, 6, 7}}
	in.Quotas = []int32{2, 2}

	out, err := m.Forward(in)
	require.NoError(t, err)

	counters := out.Counters.Value().([][]int32)
	assert.Equal(t, [][]int32{{0, 1, 1}, {0, 0, 0}}, counters)
}

func TestForwardQuotaPreconditions(t *testing.T) {
	for _, mode := range []OneToManyMode{OneToManyResetAll, OneToManyResetToken} {
		cfg := testConfig()
		cfg.OneToMany = true
		cfg.OneToManyMode = mode
		m, err := New(testEngine(t), cfg)
		require.NoError(t, err)

		in := testInput()
		in.Quotas = nil
		_, err = m.Forward(in)
		require.Error(t, err, "mode %d", mode)
		assert.ErrorContains(t, err, "quota")

		in.Quotas = []int32{1}
		_, err = m.Forward(in)
		require.Error(t, err, "mode %d", mode)
		assert.ErrorContains(t, err, "quota")
	}
}

func TestNewConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "copy bridge size mismatch",
			mutate: func(c *Config) {
				c.DecoderSize = 5 // encoder output is 2*3=6
			},
			wantErr: "matching state sizes",
		},
		{
			name: "unknown bridge mode",
			mutate: func(c *Config) {
				c.BridgeMode = "reticulate"
			},
			wantErr: "unknown bridge mode",
		},
		{
			name: "unknown one-to-many mode",
			mutate: func(c *Config) {
				c.OneToMany = true
				c.OneToManyMode = 9
			},
			wantErr: "unknown one-to-many mode",
		},
		{
			name: "bos outside vocabulary",
			mutate: func(c *Config) {
				c.BOSTokenID = 99
			},
			wantErr: "bos token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(testEngine(t), cfg)
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestForwardStateless(t *testing.T) {
	cfg := testConfig()
	m, err := New(testEngine(t), cfg)
	require.NoError(t, err)

	first, err := m.Forward(testInput())
	require.NoError(t, err)
	second, err := m.Forward(testInput())
	require.NoError(t, err)

	// Weights are fixed between calls and no decode state persists, so the
	// same batch produces identical outputs.
	assert.Equal(t,
		first.Distributions.Value().([][][]float32),
		second.Distributions.Value().([][][]float32))
	assert.Equal(t,
		first.Counters.Value().([][]int32),
		second.Counters.Value().([][]int32))
}
