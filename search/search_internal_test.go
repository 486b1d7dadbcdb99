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
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/darts/choices"
	"github.com/gomlx/darts/searchdata"
)

func TestDecayScheduler(t *testing.T) {
	s := NewDecayScheduler(1.0, 11, DecayLinear)
	assert.Equal(t, 1.0, s.Value())
	assert.InDelta(t, 0.9, s.Step(), 1e-9)
	for i := 0; i < 9; i++ {
		s.Step()
	}
	assert.InDelta(t, 0.0, s.Value(), 1e-9)
	// Past the end it stays at zero.
	assert.InDelta(t, 0.0, s.Step(), 1e-9)

	c := NewDecayScheduler(2.0, 11, DecayCosine)
	assert.Equal(t, 2.0, c.Value())
	c.FastForward(5)
	assert.InDelta(t, 1.0, c.Value(), 1e-9)
	c.FastForward(10)
	assert.InDelta(t, 0.0, c.Value(), 1e-9)

	require.Panics(t, func() { NewDecayScheduler(1, 10, "exponential") })
}

func TestDecaySchedulerResumeEquivalence(t *testing.T) {
	for _, decay := range []DecayType{DecayLinear, DecayCosine, DecaySlowCosine} {
		stepped := NewDecayScheduler(1.0, 20, decay)
		for i := 0; i < 7; i++ {
			stepped.Step()
		}
		resumed := NewDecayScheduler(1.0, 20, decay)
		resumed.FastForward(7)
		assert.InDelta(t, stepped.Value(), resumed.Value(), 1e-12, "decay %s", decay)
	}
}

func TestEarlyStopper(t *testing.T) {
	e := NewEarlyStopper(2, 0.01)
	improved, stop := e.Update(1.0)
	assert.True(t, improved)
	assert.False(t, stop)

	// Improvement below minDelta doesn't count.
	improved, stop = e.Update(0.995)
	assert.False(t, improved)
	assert.False(t, stop)
	improved, stop = e.Update(1.1)
	assert.False(t, improved)
	assert.True(t, stop)

	// A real improvement resets the counter.
	e = NewEarlyStopper(2, 0.01)
	e.Update(1.0)
	e.Update(1.1)
	improved, stop = e.Update(0.5)
	assert.True(t, improved)
	assert.False(t, stop)
	assert.Equal(t, 0.5, e.Best())
	assert.Zero(t, e.Counter())

	// Patience 0 never stops.
	e = NewEarlyStopper(0, 0)
	e.Update(1.0)
	for i := 0; i < 10; i++ {
		_, stop = e.Update(2.0)
		assert.False(t, stop)
	}
}

func TestSimilarityLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	run := func(dists [][]float32) float64 {
		out := context.MustExecOnceN(backend, nil, func(ctx *context.Context, inputs []*Node) *Node {
			return similarityLoss(inputs)
		}, anySlices(dists)...)
		return float64(tensors.ToScalar[float32](out[0]))
	}

	// Identical distributions: zero.
	same := run([][]float32{{0.25, 0.25, 0.25, 0.25}, {0.25, 0.25, 0.25, 0.25}})
	assert.InDelta(t, 0.0, same, 1e-6)

	// Diverging distributions give a negative value, the further apart the
	// more negative.
	mild := run([][]float32{{0.6, 0.2, 0.1, 0.1}, {0.1, 0.1, 0.2, 0.6}})
	strong := run([][]float32{{0.97, 0.01, 0.01, 0.01}, {0.01, 0.01, 0.01, 0.97}})
	assert.Less(t, mild, 0.0)
	assert.Less(t, strong, mild)
}

func anySlices(dists [][]float32) []any {
	out := make([]any, len(dists))
	for i, d := range dists {
		out[i] = d
	}
	return out
}

// quadModel has a single scalar weight w and one operation choice between
// scaling by 1 and scaling by 2, with loss 0.5*mean((w*scale*xbar)^2). The
// loss is exactly quadratic in w, so the finite-difference Hessian-vector
// product of the mixed (alpha, w) second derivative has a closed form.
type quadModel struct {
	children []choices.Module
}

func newQuadModel() *quadModel {
	return &quadModel{children: []choices.Module{
		choices.NewOperationChoice(nil, choices.List{
			{Name: "one", Build: func(ctx *context.Context, x *Node) *Node { return x }},
			{Name: "two", Build: func(ctx *context.Context, x *Node) *Node { return MulScalar(x, 2) }},
		}, "scale", nil),
	}}
}

func (m *quadModel) NumChildren() int                 { return len(m.children) }
func (m *quadModel) Child(i int) choices.Module       { return m.children[i] }
func (m *quadModel) SetChild(i int, c choices.Module) { m.children[i] = c }

func (m *quadModel) Forward(ctx *context.Context, inputs []*Node) []*Node {
	xbar := ReduceMean(ConvertDType(inputs[0], dtypes.Float32), -1)
	mix := m.children[0].Forward(ctx.In("mix"), xbar)
	w := ctx.In("quad").Checked(false).VariableWithValue("w", float32(2))
	return []*Node{InsertAxes(Mul(w.ValueGraph(xbar.Graph()), mix), -1)}
}

func (m *quadModel) TaskLosses(ctx *context.Context, inputs, labels []*Node) []*Node {
	out := m.Forward(ctx, inputs)[0]
	return []*Node{MulScalar(ReduceAllMean(Square(out)), 0.5)}
}

func (m *quadModel) Loss(ctx *context.Context, inputs, labels []*Node) *Node {
	return m.TaskLosses(ctx, inputs, labels)[0]
}

func quadDataConfig() searchdata.SyntheticConfig {
	return searchdata.SyntheticConfig{
		NumRows:     8,
		BatchSize:   4,
		GroupWidths: []int{2},
		VocabSizes:  []int{5},
		NumTasks:    1,
		Seed:        1,
	}
}

func newQuadTrainer(t *testing.T, cfg Config) *Trainer {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	dsCfg := quadDataConfig()
	trainer, err := NewTrainer(backend, context.New(), newQuadModel(),
		searchdata.NewSynthetic("train", dsCfg), searchdata.NewSynthetic("valid", dsCfg), cfg)
	require.NoError(t, err)
	return trainer
}

func TestAlphaHessianProductOnQuadraticLoss(t *testing.T) {
	dsCfg := quadDataConfig()
	trainer := newQuadTrainer(t, Config{Epochs: 1, CurriculumEpoch: 1, TopK: 1})
	defer trainer.Close()

	_, inputs, labels, err := trainer.trainQueue.Yield()
	require.NoError(t, err)
	batch := tensorsToAny(append(inputs, labels...))

	// Closed form, with p = softmax(alpha), s = p0 + 2*p1, M = mean(xbar^2):
	// dLoss/dalpha_k = w^2 * M * s * ds_k where ds_k = p_k*(c_k - s), and the
	// mixed second derivative wrt w (times direction 1) is 2*w*M*s*ds_k.
	alpha := tensors.MustCopyFlatData[float32](trainer.opAlphas[0].MustValue())
	e0, e1 := math.Exp(float64(alpha[0])), math.Exp(float64(alpha[1]))
	p0, p1 := e0/(e0+e1), e1/(e0+e1)
	s := p0 + 2*p1

	raw := tensors.MustCopyFlatData[int32](inputs[0])
	var m2 float64
	for b := 0; b < dsCfg.BatchSize; b++ {
		xbar := (float64(raw[2*b]) + float64(raw[2*b+1])) / 2
		m2 += xbar * xbar
	}
	m2 /= float64(dsCfg.BatchSize)

	require.Len(t, trainer.modelVars, 1)
	w := float64(tensors.ToScalar[float32](trainer.modelVars[0].MustValue()))
	want := []float64{
		2 * w * m2 * s * (p0 * (1 - s)),
		2 * w * m2 * s * (p1 * (2 - s)),
	}

	snapshot := []*tensors.Tensor{must.M1(trainer.modelVars[0].MustValue().LocalClone())}
	direction := []*tensors.Tensor{tensors.FromScalar(float32(1))}
	for _, eps := range []float64{0.1, 0.01} {
		hv := trainer.alphaHessianProduct(batch, snapshot, direction, eps)
		trainer.modelVars[0].MustSetValue(snapshot[0])
		require.Len(t, hv, 1)
		require.Len(t, hv[0], 2)
		assert.InDelta(t, want[0], float64(hv[0][0]), 0.05, "eps=%g", eps)
		assert.InDelta(t, want[1], float64(hv[0][1]), 0.05, "eps=%g", eps)
	}
}

func flatValues(vars []*context.Variable) [][]float32 {
	out := make([][]float32, len(vars))
	for i, v := range vars {
		out[i] = tensors.MustCopyFlatData[float32](v.MustValue())
	}
	return out
}

func TestUnrolledStepRestoresModelState(t *testing.T) {
	trainer := newQuadTrainer(t, Config{Epochs: 1, CurriculumEpoch: 1, TopK: 1, SecondOrder: true})
	defer trainer.Close()

	_, trainInputs, trainLabels, err := trainer.trainQueue.Yield()
	require.NoError(t, err)
	trainBatch := tensorsToAny(append(trainInputs, trainLabels...))
	_, valInputs, valLabels, err := trainer.validQueue.Yield()
	require.NoError(t, err)
	valBatch := tensorsToAny(append(valInputs, valLabels...))

	weightsBefore := flatValues(trainer.modelVars)
	bufsBefore := flatValues(trainer.modelOpt.bufs)
	alphaBefore := flatValues(trainer.opAlphas)

	trainer.unrolledArchStep(0, trainBatch, valBatch)

	// The virtual optimizer step and the finite-difference perturbations are
	// transient: model weights and momentum buffers come back bit-identical,
	// only the architecture weights moved.
	assert.Equal(t, weightsBefore, flatValues(trainer.modelVars))
	assert.Equal(t, bufsBefore, flatValues(trainer.modelOpt.bufs))
	assert.NotEqual(t, alphaBefore, flatValues(trainer.opAlphas))

	// Restoration also runs when the step fails midway: an empty validation
	// batch makes the joint gradients panic after the virtual step already
	// moved the weights.
	require.Panics(t, func() { trainer.unrolledArchStep(0, trainBatch, nil) })
	assert.Equal(t, weightsBefore, flatValues(trainer.modelVars))
	assert.Equal(t, bufsBefore, flatValues(trainer.modelOpt.bufs))
}

func TestArchSummaryListsChoices(t *testing.T) {
	trainer := newQuadTrainer(t, Config{Epochs: 1, CurriculumEpoch: 1, TopK: 1})
	defer trainer.Close()
	assert.Regexp(t, `^scale=(one|two)$`, trainer.archSummary())
}

func TestMomentumSGDStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	v := ctx.In("weights").VariableWithValue("w", []float32{1, -2})
	opt := newMomentumSGD(ctx, []*context.Variable{v}, 0.9, 0)

	lr := 0.1
	apply := context.MustNewExec(backend, ctx, func(ctx *context.Context, grad *Node) *Node {
		g := grad.Graph()
		opt.applyGraph(g, []*context.Variable{v}, []*Node{grad}, Scalar(g, grad.DType(), lr))
		return v.ValueGraph(g)
	})

	// First step: empty momentum buffer, w -= lr*g.
	got := tensors.MustCopyFlatData[float32](apply.MustExec([]float32{1, 1})[0])
	assert.InDelta(t, 0.9, float64(got[0]), 1e-6)
	assert.InDelta(t, -2.1, float64(got[1]), 1e-6)

	// Second step: buf = 0.9*1 + 1 = 1.9, w -= lr*1.9.
	got = tensors.MustCopyFlatData[float32](apply.MustExec([]float32{1, 1})[0])
	assert.InDelta(t, 0.9-0.19, float64(got[0]), 1e-6)
}

func TestAdamStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	v := ctx.In("arch").VariableWithValue("alpha", []float32{0})
	opt := newAdam(ctx, "test_adam", []*context.Variable{v}, 0.5, 0.999, 1e-8, 0)

	lr := 0.01
	apply := context.MustNewExec(backend, ctx, func(ctx *context.Context, grad *Node) *Node {
		g := grad.Graph()
		opt.applyGraph(g, []*context.Variable{v}, []*Node{grad}, Scalar(g, grad.DType(), lr))
		return v.ValueGraph(g)
	})

	// With debiased moments, the first Adam step is approximately
	// -lr * g/|g| regardless of gradient scale.
	got := tensors.MustCopyFlatData[float32](apply.MustExec([]float32{42})[0])
	assert.InDelta(t, -lr, float64(got[0]), 1e-4)

	steps := tensors.ToScalar[float32](opt.step.MustValue())
	assert.Equal(t, float32(1), steps)
}

func TestClipByGlobalNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	clip := func(maxNorm float64, parts ...[]float32) [][]float32 {
		outs := context.MustExecOnceN(backend, nil, func(ctx *context.Context, inputs []*Node) []*Node {
			return clipByGlobalNorm(inputs[0].Graph(), inputs, maxNorm)
		}, anySlices(parts)...)
		result := make([][]float32, len(outs))
		for i, o := range outs {
			result[i] = tensors.MustCopyFlatData[float32](o)
		}
		return result
	}

	// Norm 5 (=sqrt(9+16)) clipped to 1: everything scaled by 1/5.
	got := clip(1, []float32{3}, []float32{4})
	assert.InDelta(t, 0.6, float64(got[0][0]), 1e-4)
	assert.InDelta(t, 0.8, float64(got[1][0]), 1e-4)

	// Under the limit, gradients pass through.
	got = clip(100, []float32{3}, []float32{4})
	assert.InDelta(t, 3, float64(got[0][0]), 1e-5)
	assert.InDelta(t, 4, float64(got[1][0]), 1e-5)

	var norm float64
	for _, part := range got {
		for _, x := range part {
			norm += float64(x) * float64(x)
		}
	}
	assert.InDelta(t, 5, math.Sqrt(norm), 1e-4)
}

func TestClipGradGroupsAreIndependent(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outs := context.MustExecOnceN(backend, nil, func(ctx *context.Context, inputs []*Node) []*Node {
		return clipGradGroupsByGlobalNorm(inputs[0].Graph(), inputs, 1, 1)
	}, []float32{30, 40}, []float32{0.03, 0.04})

	// The first group (norm 50) is scaled down to norm 1; the second group
	// (norm 0.05) is under the limit and passes through untouched instead of
	// being dragged down by the first.
	first := tensors.MustCopyFlatData[float32](outs[0])
	second := tensors.MustCopyFlatData[float32](outs[1])
	assert.InDelta(t, 0.6, float64(first[0]), 1e-4)
	assert.InDelta(t, 0.8, float64(first[1]), 1e-4)
	assert.InDelta(t, 0.03, float64(second[0]), 1e-6)
	assert.InDelta(t, 0.04, float64(second[1]), 1e-6)
}
