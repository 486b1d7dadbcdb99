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

package choices

import (
	"math/rand"
	"sort"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Scopes under which the search machinery keeps its variables, outside the
// model's own scope tree.
const (
	// ArchScope holds the architecture weights (alpha), one vector per
	// choice label.
	ArchScope = "/arch"

	// SearchStateScope holds scalar search bookkeeping shared between the
	// trainer and the mixtures, e.g. the auxiliary skip weight.
	SearchStateScope = "/search_state"

	// AuxSkipWeightName is the variable name of the decaying auxiliary skip
	// connection weight, under SearchStateScope.
	AuxSkipWeightName = "auxiliary_skip_weight"
)

// alphaVariable returns the architecture-weight variable for label, creating
// it with small gaussian noise if it doesn't exist yet. All choices sharing a
// label share the returned variable, and their candidate counts must agree.
//
// kind is "ops" or "experts" so an operation label can never collide with an
// expert label.
func alphaVariable(ctx *context.Context, rng *rand.Rand, kind, label string, n int) *context.Variable {
	if strings.Contains(label, context.ScopeSeparator) {
		Panicf("choice label %q must not contain %q", label, context.ScopeSeparator)
	}
	alphaCtx := ctx.InAbsPath(ArchScope).In(kind).In(label)
	if v := alphaCtx.GetVariable("alpha"); v != nil {
		if v.Shape().Dimensions[0] != n {
			Panicf("choices labeled %q disagree on candidate count: alpha has %d entries, this choice has %d candidates",
				label, v.Shape().Dimensions[0], n)
		}
		return v
	}
	return alphaCtx.VariableWithValue("alpha", alphaInitialValue(rng, n))
}

// auxSkipWeight returns the shared auxiliary skip weight variable, creating it
// at zero if the trainer hasn't yet. It is not trainable, the trainer decays
// it on an epoch schedule.
func auxSkipWeight(ctx *context.Context) *context.Variable {
	v := ctx.InAbsPath(SearchStateScope).Checked(false).VariableWithValue(AuxSkipWeightName, float32(0))
	v.Trainable = false
	return v
}

// dropPath zeroes each sample of x with probability rate during training,
// rescaling survivors by 1/(1-rate).
func dropPath(ctx *context.Context, x *Node, rate float64) *Node {
	g := x.Graph()
	if rate <= 0 || !ctx.IsTraining(g) {
		return x
	}
	maskShape := shapes.Make(x.DType(), x.Shape().Dimensions[0], 1)
	u := ctx.RandomUniform(g, maskShape)
	keep := ConvertDType(GreaterOrEqual(u, Scalar(g, x.DType(), rate)), x.DType())
	return DivScalar(Mul(x, keep), 1-rate)
}

// mixByWeights stacks the candidate outputs and reduces them with the given
// per-candidate weights (shape [len(outs)]).
func mixByWeights(weights *Node, outs []*Node) *Node {
	stacked := Stack(outs, 0)
	w := ConvertDType(weights, stacked.DType())
	for axis := 1; axis < stacked.Rank(); axis++ {
		w = InsertAxes(w, -1)
	}
	return ReduceSum(Mul(stacked, w), 0)
}

// OperationMixture is the search-mode substitute for an OperationChoice: it
// runs every candidate and combines the outputs weighted by softmax(alpha).
//
// With drop-path enabled, each candidate path is dropped per sample during
// training. With the auxiliary skip enabled, a decaying multiple of the input
// is added to the mixture, stabilizing early search.
type OperationMixture struct {
	label        string
	candidates   List
	alphaVar     *context.Variable
	dropPathRate float64
	auxSkip      bool
}

// NewOperationMixture substitutes c. rng seeds the alpha initialization.
func NewOperationMixture(ctx *context.Context, rng *rand.Rand, c *OperationChoice, dropPathRate float64, auxSkip bool) *OperationMixture {
	return &OperationMixture{
		label:        c.label,
		candidates:   c.candidates,
		alphaVar:     alphaVariable(ctx, rng, "ops", c.label, len(c.candidates)),
		dropPathRate: dropPathRate,
		auxSkip:      auxSkip,
	}
}

// Label identifies the substituted choice.
func (m *OperationMixture) Label() string { return m.label }

// AlphaVar is the shared architecture-weight variable, shape
// [len(candidates)].
func (m *OperationMixture) AlphaVar() *context.Variable { return m.alphaVar }

// Forward builds every candidate on x and mixes them by softmax(alpha).
func (m *OperationMixture) Forward(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	weights := Softmax(m.alphaVar.ValueGraph(g))
	outs := make([]*Node, len(m.candidates))
	for i, c := range m.candidates {
		out := c.Build(ctx, x)
		outs[i] = dropPath(ctx, out, m.dropPathRate)
	}
	mixed := mixByWeights(weights, outs)
	if m.auxSkip {
		w := ConvertDType(auxSkipWeight(ctx).ValueGraph(g), mixed.DType())
		mixed = Add(mixed, Mul(w, x))
	}
	return mixed
}

// Export returns the name of the candidate with the largest architecture
// weight.
func (m *OperationMixture) Export() string {
	alpha := tensors.MustCopyFlatData[float32](m.alphaVar.MustValue())
	best := 0
	for i, a := range alpha {
		if a > alpha[best] {
			best = i
		}
	}
	return m.candidates[best].Name
}

// ExpertMixture is the search-mode substitute for an ExpertChoice: all experts
// run and their outputs are combined by softmax(alpha). The selection to
// NChosen experts only happens when the exported ranking is bound again.
type ExpertMixture struct {
	label      string
	candidates List
	nChosen    int
	alphaVar   *context.Variable
}

// NewExpertMixture substitutes c.
func NewExpertMixture(ctx *context.Context, rng *rand.Rand, c *ExpertChoice) *ExpertMixture {
	return &ExpertMixture{
		label:      c.label,
		candidates: c.candidates,
		nChosen:    c.nChosen,
		alphaVar:   alphaVariable(ctx, rng, "experts", c.label, len(c.candidates)),
	}
}

// Label identifies the substituted choice.
func (m *ExpertMixture) Label() string { return m.label }

// NChosen is the number of experts the fixed architecture will keep.
func (m *ExpertMixture) NChosen() int { return m.nChosen }

// AlphaVar is the shared architecture-weight variable, shape
// [len(candidates)].
func (m *ExpertMixture) AlphaVar() *context.Variable { return m.alphaVar }

// Forward builds every expert on x and mixes them by softmax(alpha).
func (m *ExpertMixture) Forward(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	weights := Softmax(m.alphaVar.ValueGraph(g))
	outs := make([]*Node, len(m.candidates))
	for i, c := range m.candidates {
		outs[i] = c.Build(ctx, x)
	}
	return mixByWeights(weights, outs)
}

// Export returns all expert names ranked by descending architecture weight.
// The full ranking is persisted in the architecture file; NewExpertChoice
// keeps the first NChosen when the architecture is bound again.
func (m *ExpertMixture) Export() []string {
	alpha := tensors.MustCopyFlatData[float32](m.alphaVar.MustValue())
	order := make([]int, len(alpha))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return alpha[order[a]] > alpha[order[b]] })
	names := make([]string, len(order))
	for i, idx := range order {
		names[i] = m.candidates[idx].Name
	}
	return names
}

// GatedExperts is the fixed-mode form of an ExpertChoice: the bound experts
// run and a learned linear+softmax gate over the input weighs their outputs
// per sample.
type GatedExperts struct {
	label   string
	experts List
}

// Experts returns the bound expert candidates, ranked best first.
func (ge *GatedExperts) Experts() List { return ge.experts }

// Forward combines the expert outputs weighted by a per-sample gate:
// softmax(Dense(x)) of width len(experts).
func (ge *GatedExperts) Forward(ctx *context.Context, x *Node) *Node {
	gate := Softmax(layers.Dense(ctx.In("gate"), x, false, len(ge.experts)))
	outs := make([]*Node, len(ge.experts))
	for i, c := range ge.experts {
		outs[i] = c.Build(ctx, x)
	}
	stacked := Stack(outs, -1)
	gateW := InsertAxes(ConvertDType(gate, stacked.DType()), 1)
	return ReduceSum(Mul(stacked, gateW), -1)
}
