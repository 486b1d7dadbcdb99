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

// Package supernet builds the multi-task recommendation supernet whose
// architecture is searched: embeddings over categorical feature groups, a
// stack of searchable bottom layers, a pool of expert sub-networks shared by
// all tasks, one searchable expert selection per task, and per-task towers
// producing binary logits.
//
// The same New call serves both phases: with a nil binding it produces the
// searchable supernet (choices as placeholders, to be substituted by a
// search.Trainer); with the binding of a finished search it produces the
// final compact model, with only the chosen candidates instantiated.
package supernet

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"

	"github.com/gomlx/darts/choices"
)

// Config describes the supernet dimensions.
type Config struct {
	// Binding of a finished search, or nil to build the searchable supernet.
	Binding *choices.Binding

	// GroupWidths is the number of categorical features per feature group
	// (e.g. user, item, context, cross).
	GroupWidths []int

	// VocabSizes per feature group.
	VocabSizes []int

	// EmbeddingDim of each categorical feature.
	EmbeddingDim int

	// BottomLayers is the number of stacked searchable bottom layers.
	BottomLayers int

	// BottomDim is the output width of every bottom layer candidate.
	BottomDim int

	// BottomHiddenWidths are the hidden widths of the MLP candidates offered
	// at each bottom layer, besides the plain linear candidate.
	BottomHiddenWidths []int

	// NumExperts in the shared pool.
	NumExperts int

	// ChosenExperts is how many experts each task selects.
	ChosenExperts int

	// ExpertDim is the output width of every expert layer candidate.
	ExpertDim int

	// ExpertLayers is the number of stacked searchable layers per expert.
	ExpertLayers int

	// ExpertHiddenWidths are the hidden widths of the MLP candidates offered
	// at each expert layer, besides the plain linear candidate.
	ExpertHiddenWidths []int

	// NumTasks is the number of binary prediction tasks.
	NumTasks int

	// TowerHiddenDim of the per-task tower MLP.
	TowerHiddenDim int

	// Dropout rate applied to the bottom output, 0 disables.
	Dropout float64
}

func (cfg *Config) validate() {
	if len(cfg.GroupWidths) == 0 || len(cfg.GroupWidths) != len(cfg.VocabSizes) {
		Panicf("supernet: %d feature groups with %d vocab sizes", len(cfg.GroupWidths), len(cfg.VocabSizes))
	}
	if cfg.EmbeddingDim <= 0 || cfg.BottomDim <= 0 || cfg.ExpertDim <= 0 {
		Panicf("supernet: embedding, bottom and expert dims must be positive, got %d/%d/%d",
			cfg.EmbeddingDim, cfg.BottomDim, cfg.ExpertDim)
	}
	if cfg.BottomLayers <= 0 {
		Panicf("supernet: at least one bottom layer required")
	}
	if cfg.NumExperts <= 0 || cfg.ChosenExperts <= 0 || cfg.ChosenExperts > cfg.NumExperts {
		Panicf("supernet: choosing %d of %d experts", cfg.ChosenExperts, cfg.NumExperts)
	}
	if cfg.ExpertLayers <= 0 {
		Panicf("supernet: at least one layer per expert required")
	}
	if cfg.NumTasks <= 0 {
		Panicf("supernet: at least one task required")
	}
}

// Model is the supernet tree. Its direct children are the bottom layer
// choices, then the per-expert layer choices, then one expert choice per
// task; a search trainer swaps them for mixtures through the
// choices.ChildHolder interface.
type Model struct {
	cfg      Config
	children []choices.Module
}

// BottomLayerLabel names the i-th bottom layer choice. Nodes created under
// the same label share one architecture-weight vector.
func BottomLayerLabel(i int) string { return fmt.Sprintf("bottom_module_layer_%d", i) }

// ExpertLayerLabel names the i-th layer choice of expert e.
func ExpertLayerLabel(e, i int) string { return fmt.Sprintf("expert_%d_layer_%d", e, i) }

// TaskExpertsLabel names the expert choice of task t.
func TaskExpertsLabel(t int) string { return fmt.Sprintf("task_%d_experts", t) }

// ExpertName names expert e of the shared pool.
func ExpertName(e int) string { return fmt.Sprintf("expert_%d", e) }

// New builds the supernet (or, with cfg.Binding set, the fixed model).
func New(cfg Config) *Model {
	cfg.validate()
	m := &Model{cfg: cfg}

	for i := 0; i < cfg.BottomLayers; i++ {
		m.children = append(m.children, choices.NewOperationChoice(
			cfg.Binding, layerCandidates(cfg.BottomHiddenWidths, cfg.BottomDim), BottomLayerLabel(i), nil))
	}

	// Each expert is a stack of its own searchable layers; the expert choices
	// below route through these children, so tasks share expert weights.
	for e := 0; e < cfg.NumExperts; e++ {
		for i := 0; i < cfg.ExpertLayers; i++ {
			m.children = append(m.children, choices.NewOperationChoice(
				cfg.Binding, layerCandidates(cfg.ExpertHiddenWidths, cfg.ExpertDim), ExpertLayerLabel(e, i), nil))
		}
	}

	experts := m.expertPool()
	for t := 0; t < cfg.NumTasks; t++ {
		m.children = append(m.children, choices.NewExpertChoice(
			cfg.Binding, experts, cfg.ChosenExperts, TaskExpertsLabel(t), nil))
	}
	return m
}

// expertLayer is the child index of layer i of expert e.
func (m *Model) expertLayer(e, i int) int {
	return m.cfg.BottomLayers + e*m.cfg.ExpertLayers + i
}

// taskChoice is the child index of the expert choice of task t.
func (m *Model) taskChoice(t int) int {
	return m.cfg.BottomLayers + m.cfg.NumExperts*m.cfg.ExpertLayers + t
}

// layerCandidates are the operations offered at a searchable layer: a linear
// projection, one two-layer MLP per configured hidden width, and a gated
// linear unit. All output outDim so any candidate can feed the next layer.
func layerCandidates(hiddenWidths []int, outDim int) choices.List {
	candidates := choices.List{{
		Name: "linear",
		Build: func(ctx *context.Context, x *Node) *Node {
			return layers.DenseWithBias(ctx.In("linear"), x, outDim)
		},
	}}
	for _, hidden := range hiddenWidths {
		name := fmt.Sprintf("mlp_%d", hidden)
		hidden := hidden
		candidates = append(candidates, choices.Named{
			Name: name,
			Build: func(ctx *context.Context, x *Node) *Node {
				ctx = ctx.In(name)
				h := activations.Relu(layers.DenseWithBias(ctx.In("hidden"), x, hidden))
				return layers.DenseWithBias(ctx.In("output"), h, outDim)
			},
		})
	}
	candidates = append(candidates, choices.Named{
		Name: "gated_linear",
		Build: func(ctx *context.Context, x *Node) *Node {
			ctx = ctx.In("gated_linear")
			gate := Sigmoid(layers.DenseWithBias(ctx.In("gate"), x, outDim))
			return Mul(gate, layers.DenseWithBias(ctx.In("value"), x, outDim))
		},
	})
	return candidates
}

// expertPool builds the shared expert candidates. Each expert runs its own
// stack of layer choices under an absolute scope, so every task routes
// through the same expert variables (and the same layer mixtures during
// search).
func (m *Model) expertPool() choices.List {
	experts := make(choices.List, m.cfg.NumExperts)
	for e := 0; e < m.cfg.NumExperts; e++ {
		e := e
		experts[e] = choices.Named{
			Name: ExpertName(e),
			Build: func(ctx *context.Context, x *Node) *Node {
				ectx := ctx.InAbsPath("/model/experts").In(ExpertName(e))
				for i := 0; i < m.cfg.ExpertLayers; i++ {
					x = m.children[m.expertLayer(e, i)].Forward(ectx.In(fmt.Sprintf("layer_%d", i)), x)
				}
				return x
			},
		}
	}
	return experts
}

// NumChildren implements choices.ChildHolder.
func (m *Model) NumChildren() int { return len(m.children) }

// Child implements choices.ChildHolder.
func (m *Model) Child(i int) choices.Module { return m.children[i] }

// SetChild implements choices.ChildHolder.
func (m *Model) SetChild(i int, child choices.Module) { m.children[i] = child }

// NumTasks is the number of prediction tasks.
func (m *Model) NumTasks() int { return m.cfg.NumTasks }

// Forward builds the model graph, returning one logits node of shape
// [batch, 1] per task. inputs holds one int32 tensor [batch, groupWidth] per
// feature group.
func (m *Model) Forward(ctx *context.Context, inputs []*Node) []*Node {
	if len(inputs) != len(m.cfg.GroupWidths) {
		Panicf("supernet got %d inputs for %d feature groups", len(inputs), len(m.cfg.GroupWidths))
	}
	g := inputs[0].Graph()

	// Embed each feature group and average its features.
	embedded := make([]*Node, len(inputs))
	for i, indices := range inputs {
		ectx := ctx.InAbsPath("/model/embeddings").In(fmt.Sprintf("group_%d", i))
		e := layers.Embedding(ectx, indices, dtypes.Float32, m.cfg.VocabSizes[i], m.cfg.EmbeddingDim, false)
		embedded[i] = ReduceMean(e, 1)
	}
	x := Concatenate(embedded, -1)

	// Searchable bottom stack.
	bottomCtx := ctx.InAbsPath("/model/bottom")
	for i := 0; i < m.cfg.BottomLayers; i++ {
		x = m.children[i].Forward(bottomCtx.In(fmt.Sprintf("layer_%d", i)), x)
	}
	if m.cfg.Dropout > 0 {
		x = layers.Dropout(ctx.InAbsPath("/model/bottom_dropout"), x, ConstAsDType(g, x.DType(), m.cfg.Dropout))
	}

	// Task-specific expert routing and towers.
	logits := make([]*Node, m.cfg.NumTasks)
	for t := 0; t < m.cfg.NumTasks; t++ {
		taskCtx := ctx.InAbsPath("/model/tasks").In(fmt.Sprintf("task_%d", t))
		h := m.children[m.taskChoice(t)].Forward(taskCtx.In("experts"), x)
		logits[t] = fnn.New(taskCtx.In("tower"), h, 1).
			NumHiddenLayers(1, m.cfg.TowerHiddenDim).
			Activation(activations.TypeRelu).
			Done()
	}
	return logits
}

// TaskLosses returns the mean binary cross-entropy of each task, as scalars.
func (m *Model) TaskLosses(ctx *context.Context, inputs, labels []*Node) []*Node {
	logits := m.Forward(ctx, inputs)
	if len(labels) != len(logits) {
		Panicf("supernet got %d label tensors for %d tasks", len(labels), len(logits))
	}
	taskLosses := make([]*Node, len(logits))
	for t := range logits {
		loss := losses.BinaryCrossentropyLogits([]*Node{labels[t]}, []*Node{logits[t]})
		taskLosses[t] = ReduceAllMean(loss)
	}
	return taskLosses
}

// Loss is the scalar training objective: the mean of the per-task losses.
func (m *Model) Loss(ctx *context.Context, inputs, labels []*Node) *Node {
	taskLosses := m.TaskLosses(ctx, inputs, labels)
	total := taskLosses[0]
	for _, l := range taskLosses[1:] {
		total = Add(total, l)
	}
	return DivScalar(total, float64(len(taskLosses)))
}
