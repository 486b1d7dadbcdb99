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
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// negEntropyBits computes sum(x * log2(x)) over all elements of a probability
// vector, the negative entropy in bits. Inputs come from a softmax so all
// entries are strictly positive.
func negEntropyBits(x *Node) *Node {
	log2x := DivScalar(Log(x), math.Ln2)
	return ReduceAllSum(Mul(x, log2x))
}

// similarityLoss is the negated Jensen-Shannon divergence (in bits) between n
// probability distributions of equal shape:
//
//	loss = e(mean(p_i)) - mean(e(p_i)),  e(x) = sum(x * log2(x))
//
// It is zero when all distributions are equal and decreases as they diverge,
// so minimizing it pushes the per-task expert selections apart. The trainer
// adds it to the training loss of the expert architecture weights with a
// weight that decays to zero over the search.
func similarityLoss(dists []*Node) *Node {
	n := len(dists)
	mean := dists[0]
	for _, d := range dists[1:] {
		mean = Add(mean, d)
	}
	mean = DivScalar(mean, float64(n))

	loss := negEntropyBits(mean)
	for _, d := range dists {
		loss = Sub(loss, DivScalar(negEntropyBits(d), float64(n)))
	}
	return loss
}
