/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package searchdata

import (
	"math"
	"math/rand"

	. "github.com/gomlx/exceptions"
)

// SyntheticConfig describes a randomly generated multi-task dataset, useful
// for smoke-testing a search end to end without real logs.
type SyntheticConfig struct {
	NumRows     int
	BatchSize   int
	GroupWidths []int
	// VocabSizes per feature group; all indices of group g are in
	// [0, VocabSizes[g]).
	VocabSizes []int
	NumTasks   int
	// LabelNoise in [0, 1): probability of flipping a label.
	LabelNoise float64
	Seed       int64
	Shuffle    bool
}

// NewSynthetic generates a dataset whose labels are a noisy logistic function
// of hidden per-feature scores, so there is real signal to learn.
func NewSynthetic(name string, cfg SyntheticConfig) *InMemory {
	rng := rand.New(rand.NewSource(cfg.Seed))
	if len(cfg.VocabSizes) != len(cfg.GroupWidths) {
		Panicf("synthetic dataset %q: %d vocab sizes for %d feature groups",
			name, len(cfg.VocabSizes), len(cfg.GroupWidths))
	}

	// Hidden ground-truth score per vocabulary entry, per task.
	scores := make([][][]float64, cfg.NumTasks)
	for t := range scores {
		scores[t] = make([][]float64, len(cfg.VocabSizes))
		for g, vocab := range cfg.VocabSizes {
			scores[t][g] = make([]float64, vocab)
			for i := range scores[t][g] {
				scores[t][g][i] = rng.NormFloat64()
			}
		}
	}

	groups := make([][]int32, len(cfg.GroupWidths))
	for g, width := range cfg.GroupWidths {
		groups[g] = make([]int32, 0, cfg.NumRows*width)
	}
	labels := make([][]float32, cfg.NumTasks)
	for t := range labels {
		labels[t] = make([]float32, cfg.NumRows)
	}

	for row := 0; row < cfg.NumRows; row++ {
		logits := make([]float64, cfg.NumTasks)
		for g, width := range cfg.GroupWidths {
			for j := 0; j < width; j++ {
				idx := rng.Intn(cfg.VocabSizes[g])
				groups[g] = append(groups[g], int32(idx))
				for t := range logits {
					logits[t] += scores[t][g][idx]
				}
			}
		}
		for t, logit := range logits {
			p := 1 / (1 + math.Exp(-logit))
			label := float32(0)
			if rng.Float64() < p {
				label = 1
			}
			if cfg.LabelNoise > 0 && rng.Float64() < cfg.LabelNoise {
				label = 1 - label
			}
			labels[t][row] = label
		}
	}

	var shuffleRng *rand.Rand
	if cfg.Shuffle {
		shuffleRng = rand.New(rand.NewSource(cfg.Seed + 1))
	}
	return NewInMemory(name, cfg.BatchSize, cfg.GroupWidths, groups, labels, shuffleRng)
}
