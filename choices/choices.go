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

// Package choices defines the mutable units of a searchable supernet: choices
// over candidate operations ("which block implements this layer?") and choices
// over subsets of experts ("which k of these n sub-networks does this task
// route through?").
//
// A supernet is an ordinary module tree (see Module and Container) whose
// decision points are OperationChoice and ExpertChoice nodes. These nodes are
// inert: they carry the candidate set and a label, and are substituted by a
// search trainer (package search) with trainable mixture nodes before any
// forward pass.
//
// When the same model is rebuilt from an exported architecture, the factory
// functions NewOperationChoice and NewExpertChoice consult a Binding and
// collapse the decision at construction time: they return the selected
// candidate(s) directly, so sibling candidates are never instantiated and
// allocate no variables.
//
// Candidates are graph-building closures and own their context scope: a
// candidate that must share variables with another instance (e.g. an expert
// sub-network referenced by several tasks) should capture an absolute scope;
// per-position candidates should capture the position's scope.
package choices

import (
	"math/rand"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Candidate builds the computation of one candidate sub-module.
//
// All candidates of one choice must accept the same input shape and produce
// mutually compatible output shapes; enforcing that is the supernet author's
// responsibility.
type Candidate func(ctx *context.Context, x *graph.Node) *graph.Node

// Named pairs a candidate with its name. The name is what Export returns and
// what an architecture file refers to.
type Named struct {
	Name  string
	Build Candidate
}

// List is an ordered set of named candidates. Order matters: it defines the
// index order of the architecture-weight vector alpha.
type List []Named

// Names returns the candidate names, in order.
func (l List) Names() []string {
	names := make([]string, len(l))
	for i, c := range l {
		names[i] = c.Name
	}
	return names
}

// find returns the candidate with the given name, or panics.
func (l List) find(name string) Named {
	for _, c := range l {
		if c.Name == name {
			return c
		}
	}
	Panicf("candidate %q not found, have %v", name, l.Names())
	return Named{}
}

// Module is a node of the supernet tree: it builds the graph computation for
// one input node.
type Module interface {
	Forward(ctx *context.Context, x *graph.Node) *graph.Node
}

// ChildHolder exposes a node's children for traversal and substitution by a
// search trainer. Children are visited depth-first, in index order.
type ChildHolder interface {
	NumChildren() int
	Child(i int) Module
	SetChild(i int, m Module)
}

// Container is a Module with traversable children.
type Container interface {
	Module
	ChildHolder
}

// checkPrior validates an optional prior probability vector for n candidates.
// A nil prior means uniform.
func checkPrior(prior []float64, n int, label string) {
	if prior == nil {
		return
	}
	if len(prior) != n {
		Panicf("choice %q: prior has %d entries for %d candidates", label, len(prior), n)
	}
	var sum float64
	for _, p := range prior {
		sum += p
	}
	if sum < 1-1e-5 || sum > 1+1e-5 {
		Panicf("choice %q: prior distribution sums to %g, it must sum to 1", label, sum)
	}
}

// OperationChoice is the searchable selection of one operation among
// candidates. It is a placeholder: a search trainer substitutes it with an
// OperationMixture, or NewOperationChoice collapses it under a Binding.
type OperationChoice struct {
	label      string
	candidates List
	prior      []float64
}

// NewOperationChoice creates a choice over candidate operations.
//
// If binding is non-nil the decision is already made: the module returned is
// the bound candidate itself and no other candidate is instantiated. A non-nil
// binding that lacks label is a fatal configuration error.
//
// With a nil binding it returns an *OperationChoice placeholder to be
// collected and substituted by a search trainer.
//
// prior is an optional prior probability over candidates (used for sampling
// strategies); it must sum to 1 within 1e-5 or construction panics.
func NewOperationChoice(binding *Binding, candidates List, label string, prior []float64) Module {
	if len(candidates) == 0 {
		Panicf("operation choice %q has no candidates", label)
	}
	checkPrior(prior, len(candidates), label)
	if binding != nil {
		chosen := binding.operation(label)
		return fixedOperation{name: chosen, build: candidates.find(chosen).Build}
	}
	return &OperationChoice{label: label, candidates: candidates, prior: prior}
}

// Label identifies this choice. Choices sharing a label share one
// architecture-weight tensor after trainer substitution.
func (c *OperationChoice) Label() string { return c.label }

// Candidates returns the ordered candidate list.
func (c *OperationChoice) Candidates() List { return c.candidates }

// Forward panics: an OperationChoice must be substituted by a search trainer
// (or built under a Binding) before the supernet runs.
func (c *OperationChoice) Forward(ctx *context.Context, x *graph.Node) *graph.Node {
	Panicf("operation choice %q was not substituted: run it through a search trainer "+
		"or build the model under a fixed-architecture binding", c.label)
	return nil
}

// fixedOperation is the collapsed form of an OperationChoice: just the chosen
// candidate.
type fixedOperation struct {
	name  string
	build Candidate
}

func (f fixedOperation) Forward(ctx *context.Context, x *graph.Node) *graph.Node {
	return f.build(ctx, x)
}

// ExpertChoice is the searchable selection of NChosen of the candidate
// experts. Like OperationChoice it is a placeholder outside fixed mode.
type ExpertChoice struct {
	label      string
	candidates List
	nChosen    int
	prior      []float64
}

// NewExpertChoice creates a choice of nChosen among the candidate experts.
//
// Under a non-nil binding it returns a gated combination of the bound experts
// (a learned linear+softmax gate over exactly nChosen outputs); the remaining
// experts are not instantiated by this node. Otherwise it returns an
// *ExpertChoice placeholder for the search trainer.
func NewExpertChoice(binding *Binding, candidates List, nChosen int, label string, prior []float64) Module {
	if len(candidates) == 0 {
		Panicf("expert choice %q has no candidates", label)
	}
	if nChosen <= 0 || nChosen > len(candidates) {
		Panicf("expert choice %q: nChosen=%d out of range for %d candidates", label, nChosen, len(candidates))
	}
	checkPrior(prior, len(candidates), label)
	if binding != nil {
		chosen := binding.experts(label)
		if len(chosen) < nChosen {
			Panicf("expert choice %q: fixed architecture selects %d experts, %d required",
				label, len(chosen), nChosen)
		}
		chosen = chosen[:nChosen]
		experts := make(List, 0, nChosen)
		for _, name := range chosen {
			experts = append(experts, candidates.find(name))
		}
		return &GatedExperts{label: label, experts: experts}
	}
	return &ExpertChoice{label: label, candidates: candidates, nChosen: nChosen, prior: prior}
}

// Label identifies this choice.
func (c *ExpertChoice) Label() string { return c.label }

// Candidates returns the ordered expert candidates.
func (c *ExpertChoice) Candidates() List { return c.candidates }

// NChosen is the number of experts to select.
func (c *ExpertChoice) NChosen() int { return c.nChosen }

// Forward panics, same contract as OperationChoice.Forward.
func (c *ExpertChoice) Forward(ctx *context.Context, x *graph.Node) *graph.Node {
	Panicf("expert choice %q was not substituted: run it through a search trainer "+
		"or build the model under a fixed-architecture binding", c.label)
	return nil
}

// alphaInitialValue returns the initial architecture weights, small gaussian
// noise so no candidate starts favored.
func alphaInitialValue(rng *rand.Rand, n int) *tensors.Tensor {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(rng.NormFloat64() * 1e-3)
	}
	return tensors.FromFlatDataAndDimensions(values, n)
}
