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

package search

import (
	"math/rand"

	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/darts/choices"
)

// substitution holds the mixtures installed into a model tree, in traversal
// order. Mixtures sharing a choice label share one architecture-weight
// variable, so OpAlphas/ExpertAlphas are deduplicated.
type substitution struct {
	opMixtures     []*choices.OperationMixture
	expertMixtures []*choices.ExpertMixture
}

// substitute walks the model tree depth-first and replaces every
// OperationChoice and ExpertChoice with a trainable mixture. It does not
// recurse into the mixtures themselves (a candidate may contain further
// choices only if the supernet author nests ChildHolders, which are followed).
func substitute(ctx *context.Context, rng *rand.Rand, root choices.ChildHolder, dropPathRate float64, auxSkip bool) *substitution {
	s := &substitution{}
	s.walk(ctx, rng, root, dropPathRate, auxSkip)
	return s
}

func (s *substitution) walk(ctx *context.Context, rng *rand.Rand, holder choices.ChildHolder, dropPathRate float64, auxSkip bool) {
	for i := 0; i < holder.NumChildren(); i++ {
		switch child := holder.Child(i).(type) {
		case *choices.OperationChoice:
			m := choices.NewOperationMixture(ctx, rng, child, dropPathRate, auxSkip)
			holder.SetChild(i, m)
			s.opMixtures = append(s.opMixtures, m)
		case *choices.ExpertChoice:
			m := choices.NewExpertMixture(ctx, rng, child)
			holder.SetChild(i, m)
			s.expertMixtures = append(s.expertMixtures, m)
		case choices.ChildHolder:
			s.walk(ctx, rng, child, dropPathRate, auxSkip)
		}
	}
}

// opAlphas returns the distinct operation architecture-weight variables, in
// first-traversal order.
func (s *substitution) opAlphas() []*context.Variable {
	seen := make(map[*context.Variable]bool)
	var vars []*context.Variable
	for _, m := range s.opMixtures {
		if v := m.AlphaVar(); !seen[v] {
			seen[v] = true
			vars = append(vars, v)
		}
	}
	return vars
}

// expertAlphas returns the distinct expert architecture-weight variables, in
// first-traversal order.
func (s *substitution) expertAlphas() []*context.Variable {
	seen := make(map[*context.Variable]bool)
	var vars []*context.Variable
	for _, m := range s.expertMixtures {
		if v := m.AlphaVar(); !seen[v] {
			seen[v] = true
			vars = append(vars, v)
		}
	}
	return vars
}
