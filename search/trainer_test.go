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

package search_test

import (
	"sort"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/darts/choices"
	"github.com/gomlx/darts/search"
	"github.com/gomlx/darts/searchdata"
	"github.com/gomlx/darts/supernet"
)

func tinyModelConfig() supernet.Config {
	return supernet.Config{
		GroupWidths:        []int{2, 2},
		VocabSizes:         []int{16, 16},
		EmbeddingDim:       4,
		BottomLayers:       2,
		BottomDim:          8,
		BottomHiddenWidths: []int{8},
		NumExperts:         3,
		ChosenExperts:      2,
		ExpertDim:          4,
		ExpertLayers:       1,
		ExpertHiddenWidths: []int{8},
		NumTasks:           2,
		TowerHiddenDim:     4,
	}
}

func tinyDatasets(t *testing.T) (trainDS, validDS *searchdata.InMemory) {
	t.Helper()
	base := searchdata.SyntheticConfig{
		NumRows:     32,
		BatchSize:   8,
		GroupWidths: []int{2, 2},
		VocabSizes:  []int{16, 16},
		NumTasks:    2,
		LabelNoise:  0.05,
		Shuffle:     true,
	}
	validCfg := base
	validCfg.NumRows = 16
	validCfg.Seed = 1
	validCfg.Shuffle = false
	return searchdata.NewSynthetic("train", base), searchdata.NewSynthetic("valid", validCfg)
}

func TestSearchFitAndExport(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainDS, validDS := tinyDatasets(t)
	model := supernet.New(tinyModelConfig())
	ctx := context.New()

	trainer, err := search.NewTrainer(backend, ctx, model, trainDS, validDS, search.Config{
		Epochs:          3,
		CurriculumEpoch: 1,
		AuxSkip:         true,
		TopK:            5,
		Seed:            42,
	})
	require.NoError(t, err)
	defer trainer.Close()
	require.NoError(t, trainer.Fit())

	// The exported architecture decides every choice in the supernet.
	binding := trainer.Export()
	labels := binding.Labels()
	sort.Strings(labels)
	want := []string{
		supernet.BottomLayerLabel(0),
		supernet.BottomLayerLabel(1),
		supernet.ExpertLayerLabel(0, 0),
		supernet.ExpertLayerLabel(1, 0),
		supernet.ExpertLayerLabel(2, 0),
		supernet.TaskExpertsLabel(0),
		supernet.TaskExpertsLabel(1),
	}
	sort.Strings(want)
	assert.Equal(t, want, labels)

	topK := trainer.TopK()
	require.NotEmpty(t, topK)
	assert.LessOrEqual(t, len(topK), 5)
	for i := 1; i < len(topK); i++ {
		assert.LessOrEqual(t, topK[i-1].ValidLoss, topK[i].ValidLoss)
	}
	for _, scored := range topK {
		assert.Len(t, scored.Architecture, 7) // one entry per distinct label
	}

	// The binding rebuilds a standalone fixed model that runs end to end.
	fixedCfg := tinyModelConfig()
	fixedCfg.Binding = binding
	fixed := supernet.New(fixedCfg)
	fixedCtx := context.New()
	exec := context.MustNewExec(backend, fixedCtx, func(ctx *context.Context, inputs []*Node) []*Node {
		return fixed.Forward(ctx, inputs)
	})
	logits := exec.MustExec([][]int32{{0, 1}, {2, 3}}, [][]int32{{4, 5}, {6, 7}})
	require.Len(t, logits, 2)
	for _, l := range logits {
		assert.Equal(t, []int{2, 1}, l.Shape().Dimensions)
	}
}

func TestSearchCheckpointResume(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()
	cfg := search.Config{
		Epochs:          2,
		CurriculumEpoch: 1,
		TopK:            5,
		CheckpointDir:   dir,
		Seed:            7,
	}

	trainDS, validDS := tinyDatasets(t)
	trainer, err := search.NewTrainer(backend, context.New(), supernet.New(tinyModelConfig()), trainDS, validDS, cfg)
	require.NoError(t, err)
	require.NoError(t, trainer.Fit())
	trainer.Close()
	firstTopK := trainer.TopK()
	require.Len(t, firstTopK, 2)

	// A fresh trainer on the same directory picks up where the first left
	// off: the scored architectures are already there before Fit runs.
	cfg.Epochs = 4
	trainDS2, validDS2 := tinyDatasets(t)
	resumed, err := search.NewTrainer(backend, context.New(), supernet.New(tinyModelConfig()), trainDS2, validDS2, cfg)
	require.NoError(t, err)
	defer resumed.Close()
	restored := resumed.TopK()
	require.Len(t, restored, 2)
	assert.InDelta(t, firstTopK[0].ValidLoss, restored[0].ValidLoss, 1e-9)

	require.NoError(t, resumed.Fit())
	assert.Len(t, resumed.TopK(), 4) // two earlier epochs plus two new ones

	// ForceFresh wipes the directory and starts over.
	cfg.Epochs = 1
	cfg.ForceFresh = true
	trainDS3, validDS3 := tinyDatasets(t)
	fresh, err := search.NewTrainer(backend, context.New(), supernet.New(tinyModelConfig()), trainDS3, validDS3, cfg)
	require.NoError(t, err)
	fresh.Close()
	assert.Empty(t, fresh.TopK())
}

func TestSecondOrderSearch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainDS, validDS := tinyDatasets(t)
	model := supernet.New(tinyModelConfig())

	trainer, err := search.NewTrainer(backend, context.New(), model, trainDS, validDS, search.Config{
		Epochs:          1,
		CurriculumEpoch: 1,
		SecondOrder:     true,
		TopK:            3,
		Seed:            3,
	})
	require.NoError(t, err)
	defer trainer.Close()
	require.NoError(t, trainer.Fit())
	require.Len(t, trainer.TopK(), 1)
	assert.False(t, trainer.TopK()[0].ValidLoss != trainer.TopK()[0].ValidLoss, "validation loss must be finite")
}

func TestSearchExportedBindingRoundTripsThroughJSON(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainDS, validDS := tinyDatasets(t)
	trainer, err := search.NewTrainer(backend, context.New(), supernet.New(tinyModelConfig()), trainDS, validDS, search.Config{
		Epochs:          1,
		CurriculumEpoch: 1,
		TopK:            3,
		Seed:            11,
	})
	require.NoError(t, err)
	defer trainer.Close()
	require.NoError(t, trainer.Fit())

	path := t.TempDir() + "/architecture.json"
	require.NoError(t, trainer.WriteArchitecture(path))
	loaded, err := choices.LoadBinding(path)
	require.NoError(t, err)

	want := trainer.Export().Labels()
	got := loaded.Labels()
	sort.Strings(want)
	sort.Strings(got)
	assert.Equal(t, want, got)
}
