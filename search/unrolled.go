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

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// unrolledArchStep computes the second-order architecture gradient:
//
//  1. gradient of the training loss wrt the model weights w;
//  2. a virtual momentum-SGD step w' = w - lr*(mu*buf + g + wd*w), applied
//     in place (buffers untouched);
//  3. validation loss gradients at w', jointly wrt w' (d_w) and the
//     operation architecture weights (d_alpha); then w is restored;
//  4. a symmetric finite difference around w with eps = 0.01/|d_w|:
//     the training-loss alpha-gradient at w+eps*d_w and w-eps*d_w gives
//     hessian ~= (grad_pos - grad_neg) / (2*eps);
//  5. the final gradient d_alpha - lr*hessian, applied with Adam.
//
// The weight mutations are transient: whatever happens, the weights are back
// to their entry values when this returns.
func (t *Trainer) unrolledArchStep(epoch int, trainBatch, valBatch []any) {
	lr := t.currentLR(epoch)

	outs := t.modelGradsExec.MustExec(trainBatch...)
	checkFinite("unrolled step training loss", outs[0])
	trainGrads := outs[1:]

	snapshot := make([]*tensors.Tensor, len(t.modelVars))
	for i, v := range t.modelVars {
		snapshot[i] = must.M1(v.MustValue().LocalClone())
	}
	defer func() {
		for i, v := range t.modelVars {
			v.MustSetValue(snapshot[i])
		}
	}()

	// Virtual optimizer step, in place.
	for i, v := range t.modelVars {
		w := tensors.MustCopyFlatData[float32](snapshot[i])
		g := tensors.MustCopyFlatData[float32](trainGrads[i])
		buf := tensors.MustCopyFlatData[float32](t.modelOpt.bufs[i].MustValue())
		for j := range w {
			w[j] -= float32(lr) * (float32(t.cfg.ModelMomentum)*buf[j] + g[j] + float32(t.cfg.ModelWeightDecay)*w[j])
		}
		setFlat(v, w)
	}

	joint := t.valJointGradsExec.MustExec(valBatch...)
	checkFinite("unrolled step validation loss", joint[0])
	dW := joint[1 : 1+len(t.modelVars)]
	dAlpha := joint[1+len(t.modelVars):]

	var sumSquares float64
	for _, grad := range dW {
		for _, x := range tensors.MustCopyFlatData[float32](grad) {
			sumSquares += float64(x) * float64(x)
		}
	}
	norm := math.Sqrt(sumSquares)
	if norm < 1e-8 {
		klog.Warningf("unrolled step: validation weight-gradient norm %.3g is near zero, Hessian estimate will be unreliable", norm)
		norm = 1e-8
	}
	eps := 0.01 / norm

	hessian := t.alphaHessianProduct(trainBatch, snapshot, dW, eps)

	finalGrads := make([]any, len(t.opAlphas))
	for i := range t.opAlphas {
		da := tensors.MustCopyFlatData[float32](dAlpha[i])
		for j := range da {
			da[j] -= float32(lr) * hessian[i][j]
		}
		finalGrads[i] = tensors.FromFlatDataAndDimensions(da, t.opAlphas[i].Shape().Dimensions...)
	}
	t.archApplyExec.MustExec(finalGrads...)
}

// alphaHessianProduct estimates the Hessian-vector product of the training
// loss, mixed second derivative wrt (alpha, weights), against direction, with
// a symmetric finite difference: the alpha gradients at snapshot+eps*direction
// and snapshot-eps*direction, divided by 2*eps. One flat slice per operation
// alpha variable. The model weights are left perturbed; the caller restores.
func (t *Trainer) alphaHessianProduct(trainBatch []any, snapshot, direction []*tensors.Tensor, eps float64) [][]float32 {
	t.perturbWeights(snapshot, direction, eps)
	gradPos := t.alphaGradsExec.MustExec(trainBatch...)
	t.perturbWeights(snapshot, direction, -eps)
	gradNeg := t.alphaGradsExec.MustExec(trainBatch...)

	hessian := make([][]float32, len(t.opAlphas))
	for i := range t.opAlphas {
		pos := tensors.MustCopyFlatData[float32](gradPos[i])
		neg := tensors.MustCopyFlatData[float32](gradNeg[i])
		h := make([]float32, len(pos))
		for j := range h {
			h[j] = (pos[j] - neg[j]) / float32(2*eps)
		}
		hessian[i] = h
	}
	return hessian
}

// perturbWeights sets every model weight to snapshot + scale*direction.
func (t *Trainer) perturbWeights(snapshot, direction []*tensors.Tensor, scale float64) {
	for i, v := range t.modelVars {
		w := tensors.MustCopyFlatData[float32](snapshot[i])
		d := tensors.MustCopyFlatData[float32](direction[i])
		for j := range w {
			w[j] += float32(scale) * d[j]
		}
		setFlat(v, w)
	}
}

func setFlat(v *context.Variable, data []float32) {
	v.MustSetValue(tensors.FromFlatDataAndDimensions(data, v.Shape().Dimensions...))
}
