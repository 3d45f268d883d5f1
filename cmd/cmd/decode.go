// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antflydb/catseq"
	"github.com/antflydb/catseq/lib/model"
)

var inputPath string

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Run a teacher-forced decode pass over a batch",
	Long: `Read a JSON batch file, run one teacher-forced decode pass and print
the per-step argmax predictions and segment counters as JSON.`,
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	decodeCmd.Flags().StringVar(&inputPath, "input", "", "batch JSON file (required)")
	if err := decodeCmd.MarkFlagRequired("input"); err != nil {
		panic(err)
	}
}

// decodeBatch is the on-disk batch format.
type decodeBatch struct {
	Source        [][]int32   `json:"source"`
	SourceLengths []int32     `json:"source_lengths"`
	Target        [][]int32   `json:"target"`
	SourceOOV     [][]int32   `json:"source_oov"`
	MaxOOV        int         `json:"max_oov"`
	SourceMask    [][]float32 `json:"source_mask"`
	Quotas        []int32     `json:"quotas"`
}

// decodeResult is what the command prints.
type decodeResult struct {
	BatchSize   int       `json:"batch_size"`
	Steps       int       `json:"steps"`
	VocabSize   int       `json:"vocab_size"`
	Predictions [][]int32 `json:"predictions"`
	Counters    [][]int32 `json:"counters"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading batch %s: %w", inputPath, err)
	}
	var batch decodeBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("parsing batch %s: %w", inputPath, err)
	}
	if batch.SourceMask == nil {
		batch.SourceMask = maskFromLengths(batch.Source, batch.SourceLengths)
	}
	if batch.SourceOOV == nil {
		batch.SourceOOV = batch.Source
	}

	svc, err := catseq.NewService(cfg, catseq.WithLogger(logger))
	if err != nil {
		return err
	}
	logger.Info("decoding batch",
		zap.String("input", inputPath),
		zap.Int("batch_size", len(batch.Source)))

	out, err := svc.Forward(model.ForwardInput{
		Source:        batch.Source,
		SourceLengths: batch.SourceLengths,
		Target:        batch.Target,
		SourceOOV:     batch.SourceOOV,
		MaxOOV:        batch.MaxOOV,
		SourceMask:    batch.SourceMask,
		Quotas:        batch.Quotas,
	})
	if err != nil {
		return fmt.Errorf("decoding: %w", err)
	}

	dists := out.Distributions.Value().([][][]float32)
	result := decodeResult{
		BatchSize:   len(dists),
		Predictions: argmaxPerStep(dists),
		Counters:    out.Counters.Value().([][]int32),
	}
	if result.BatchSize > 0 {
		result.Steps = len(dists[0])
		if result.Steps > 0 {
			result.VocabSize = len(dists[0][0])
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// maskFromLengths derives the 1/0 source mask from the per-item lengths.
func maskFromLengths(source [][]int32, lengths []int32) [][]float32 {
	mask := make([][]float32, len(source))
	for b, row := range source {
		mask[b] = make([]float32, len(row))
		for s := range row {
			if b < len(lengths) && int32(s) < lengths[b] {
				mask[b][s] = 1
			}
		}
	}
	return mask
}

// argmaxPerStep picks the highest-probability token id at each step.
func argmaxPerStep(dists [][][]float32) [][]int32 {
	predictions := make([][]int32, len(dists))
	for b, steps := range dists {
		predictions[b] = make([]int32, len(steps))
		for t, dist := range steps {
			var best int32
			for v, p := range dist {
				if p > dist[best] {
					best = int32(v)
				}
			}
			predictions[b][t] = best
		}
	}
	return predictions
}
