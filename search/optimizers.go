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
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Bi-level search runs three optimizers over three disjoint parameter sets
// (model weights, operation architecture weights, expert architecture
// weights), each applied inside whatever graph computes the respective
// gradients. The appliers below work on explicit variable lists rather than
// enumerating the whole context, which is what keeps the sets disjoint.

// optimizersScope is the context scope holding optimizer slots (momentum
// buffers, Adam moments, step counters).
const optimizersScope = "/optimizers"

// slotVariables creates (or fetches) one non-trainable zero-initialized slot
// per variable, mirroring each variable's scope under
// /optimizers/<slotName>/. The slots are concrete host tensors so they can be
// read before any graph has run, and they ride along in checkpoints.
func slotVariables(ctx *context.Context, slotName string, vars []*context.Variable) []*context.Variable {
	slots := make([]*context.Variable, len(vars))
	slotCtx := ctx.InAbsPath(optimizersScope).In(slotName).Checked(false)
	for i, v := range vars {
		vCtx := slotCtx
		if v.Scope() != context.ScopeSeparator {
			vCtx = slotCtx.InAbsPath(slotCtx.Scope() + v.Scope())
		}
		slot := vCtx.VariableWithValue(v.Name(), tensors.FromShape(v.Shape()))
		slot.Trainable = false
		slots[i] = slot
	}
	return slots
}

// momentumSGD updates vars in-graph with classic momentum SGD:
//
//	d = grad + weightDecay*w
//	buf = momentum*buf + d
//	w = w - lr*buf
//
// bufs must come from slotVariables over the same vars.
type momentumSGD struct {
	bufs        []*context.Variable
	momentum    float64
	weightDecay float64
}

func newMomentumSGD(ctx *context.Context, vars []*context.Variable, momentum, weightDecay float64) *momentumSGD {
	return &momentumSGD{
		bufs:        slotVariables(ctx, "sgd_momentum", vars),
		momentum:    momentum,
		weightDecay: weightDecay,
	}
}

func (o *momentumSGD) applyGraph(g *Graph, vars []*context.Variable, grads []*Node, lr *Node) {
	if len(vars) != len(grads) || len(vars) != len(o.bufs) {
		Panicf("momentum SGD got %d gradients and %d slots for %d variables", len(grads), len(o.bufs), len(vars))
	}
	for i, v := range vars {
		w := v.ValueGraph(g)
		d := grads[i]
		if o.weightDecay > 0 {
			d = Add(d, MulScalar(w, o.weightDecay))
		}
		buf := Add(MulScalar(o.bufs[i].ValueGraph(g), o.momentum), d)
		o.bufs[i].SetValueGraph(buf)
		v.SetValueGraph(Sub(w, Mul(ConvertDType(lr, w.DType()), buf)))
	}
}

// adam updates vars in-graph with Adam, debiased moments and optional L2
// weight decay folded into the gradient. The architecture weights use
// beta1=0.5 which reacts faster to the alternating objective than the usual
// 0.9.
type adam struct {
	moment1, moment2 []*context.Variable
	step             *context.Variable
	beta1, beta2     float64
	epsilon          float64
	weightDecay      float64
}

func newAdam(ctx *context.Context, slotName string, vars []*context.Variable, beta1, beta2, epsilon, weightDecay float64) *adam {
	step := ctx.InAbsPath(optimizersScope).In(slotName).Checked(false).VariableWithValue("steps", float32(0))
	step.Trainable = false
	return &adam{
		moment1:     slotVariables(ctx, slotName+"_1st_moment", vars),
		moment2:     slotVariables(ctx, slotName+"_2nd_moment", vars),
		step:        step,
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
	}
}

func (o *adam) applyGraph(g *Graph, vars []*context.Variable, grads []*Node, lr *Node) {
	if len(vars) != len(grads) || len(vars) != len(o.moment1) {
		Panicf("adam got %d gradients and %d slots for %d variables", len(grads), len(o.moment1), len(vars))
	}
	step := OnePlus(o.step.ValueGraph(g))
	o.step.SetValueGraph(step)
	debias1 := Reciprocal(OneMinus(Pow(Scalar(g, step.DType(), o.beta1), step)))
	debias2 := Reciprocal(OneMinus(Pow(Scalar(g, step.DType(), o.beta2), step)))

	for i, v := range vars {
		w := v.ValueGraph(g)
		d := grads[i]
		if o.weightDecay > 0 {
			d = Add(d, MulScalar(w, o.weightDecay))
		}
		m1 := Add(MulScalar(o.moment1[i].ValueGraph(g), o.beta1), MulScalar(d, 1-o.beta1))
		m2 := Add(MulScalar(o.moment2[i].ValueGraph(g), o.beta2), MulScalar(Square(d), 1-o.beta2))
		o.moment1[i].SetValueGraph(m1)
		o.moment2[i].SetValueGraph(m2)

		m1Hat := Mul(m1, ConvertDType(debias1, m1.DType()))
		m2Hat := Mul(m2, ConvertDType(debias2, m2.DType()))
		update := Div(m1Hat, AddScalar(Sqrt(m2Hat), o.epsilon))
		v.SetValueGraph(Sub(w, Mul(ConvertDType(lr, w.DType()), update)))
	}
}

// clipGradGroupsByGlobalNorm clips grads[:split] and grads[split:]
// independently, each by its own global norm. The model gradients and the
// expert architecture gradients differ by orders of magnitude, so they must
// not share a norm.
func clipGradGroupsByGlobalNorm(g *Graph, grads []*Node, split int, maxNorm float64) []*Node {
	out := make([]*Node, 0, len(grads))
	out = append(out, clipByGlobalNorm(g, grads[:split], maxNorm)...)
	out = append(out, clipByGlobalNorm(g, grads[split:], maxNorm)...)
	return out
}

// clipByGlobalNorm scales grads so their joint L2 norm is at most maxNorm.
// With maxNorm <= 0 it is a no-op.
func clipByGlobalNorm(g *Graph, grads []*Node, maxNorm float64) []*Node {
	if maxNorm <= 0 || len(grads) == 0 {
		return grads
	}
	dtype := grads[0].DType()
	sumSquares := ScalarZero(g, dtype)
	for _, grad := range grads {
		sumSquares = Add(sumSquares, ReduceAllSum(Square(grad)))
	}
	norm := Sqrt(sumSquares)
	scale := Min(Div(Scalar(g, dtype, maxNorm), AddScalar(norm, 1e-6)), ScalarOne(g, dtype))
	clipped := make([]*Node, len(grads))
	for i, grad := range grads {
		clipped[i] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped
}
