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

// Package search implements differentiable architecture search over a
// supernet of choices (package choices): a bi-level optimization that
// alternates, per mini-batch, an architecture step minimizing validation loss
// over the softmax-relaxed choice weights and a model step minimizing
// training loss over the network weights.
//
// The architecture gradient can be first-order (plain gradient of the
// validation loss) or second-order, approximating the response of the model
// weights to the architecture via a virtual optimizer step and a
// finite-difference Hessian-vector product.
package search

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/darts/choices"
	"github.com/gomlx/darts/searchdata"
)

// Model is a supernet the trainer can search: a tree of substitutable
// choices plus the loss it is trained on. labels carries one tensor per task.
type Model interface {
	choices.ChildHolder

	// Forward returns one logits node per task.
	Forward(ctx *context.Context, inputs []*Node) []*Node

	// TaskLosses returns the scalar loss of each task.
	TaskLosses(ctx *context.Context, inputs, labels []*Node) []*Node

	// Loss is the scalar joint objective, usually the mean of TaskLosses.
	Loss(ctx *context.Context, inputs, labels []*Node) *Node
}

// Sized is implemented by datasets that know their number of batches per
// epoch; searchdata.InMemory does. Without it, Config.StepsPerEpoch is
// required.
type Sized interface {
	BatchesPerEpoch() int
}

// Config of a search. Zero values take the defaults documented per field.
type Config struct {
	// Epochs to search, default 50.
	Epochs int

	// StepsPerEpoch, default: the training dataset's batches per epoch.
	StepsPerEpoch int

	// Model weight optimizer: momentum SGD with cosine-annealed learning
	// rate from ModelLR (default 0.025) to ModelLRMin (default 0.001),
	// momentum default 0.9, weight decay default 3e-4.
	ModelLR          float64
	ModelLRMin       float64
	ModelMomentum    float64
	ModelWeightDecay float64

	// Architecture optimizer: Adam with betas (0.5, 0.999), learning rate
	// default 3e-4, weight decay default 1e-3.
	ArchLR          float64
	ArchWeightDecay float64

	// GradClipNorm clips model (and expert architecture) gradients by their
	// global norm, default 5. Zero disables (set to a negative to force).
	GradClipNorm float64

	// SecondOrder enables the unrolled architecture gradient.
	SecondOrder bool

	// CurriculumEpoch: before it, only model weights and operation
	// architecture weights train; from it on, the expert architecture
	// weights train too and the expert similarity loss applies. Default 5.
	CurriculumEpoch int

	// AuxSkip adds a decaying skip connection to every operation mixture.
	AuxSkip       bool
	AuxSkipWeight float64   // initial weight, default 1
	AuxSkipDecay  DecayType // default DecayLinear

	// Expert similarity loss: initial weight (default 1) and decay shape,
	// applied from CurriculumEpoch on.
	SimilarityWeight float64
	SimilarityDecay  DecayType

	// DropPath rate for operation candidates during training.
	DropPath float64

	// TopK architectures to track by validation loss, default 10.
	TopK int

	// CheckpointDir persists search state for resuming; empty disables.
	CheckpointDir   string
	KeepCheckpoints int
	// ForceFresh discards any previous checkpoint in CheckpointDir.
	ForceFresh bool

	// Early stopping on epoch validation loss; Patience 0 disables.
	Patience int
	MinDelta float64

	Seed int64
}

func (cfg *Config) setDefaults() {
	if cfg.Epochs == 0 {
		cfg.Epochs = 50
	}
	if cfg.ModelLR == 0 {
		cfg.ModelLR = 0.025
	}
	if cfg.ModelLRMin == 0 {
		cfg.ModelLRMin = 0.001
	}
	if cfg.ModelMomentum == 0 {
		cfg.ModelMomentum = 0.9
	}
	if cfg.ModelWeightDecay == 0 {
		cfg.ModelWeightDecay = 3e-4
	}
	if cfg.ArchLR == 0 {
		cfg.ArchLR = 3e-4
	}
	if cfg.ArchWeightDecay == 0 {
		cfg.ArchWeightDecay = 1e-3
	}
	if cfg.GradClipNorm == 0 {
		cfg.GradClipNorm = 5
	}
	if cfg.CurriculumEpoch == 0 {
		cfg.CurriculumEpoch = 5
	}
	if cfg.AuxSkipWeight == 0 {
		cfg.AuxSkipWeight = 1
	}
	if cfg.AuxSkipDecay == "" {
		cfg.AuxSkipDecay = DecayLinear
	}
	if cfg.SimilarityWeight == 0 {
		cfg.SimilarityWeight = 1
	}
	if cfg.SimilarityDecay == "" {
		cfg.SimilarityDecay = DecayLinear
	}
	if cfg.TopK == 0 {
		cfg.TopK = 10
	}
	if cfg.KeepCheckpoints == 0 {
		cfg.KeepCheckpoints = 3
	}
}

const (
	archAdamBeta1 = 0.5
	archAdamBeta2 = 0.999
	adamEpsilon   = 1e-8
)

// Trainer runs the bi-level search. Create it with NewTrainer, run it with
// Fit, read the result with Export or TopK.
//
// A Trainer is not safe for concurrent use; the backend parallelizes each
// step internally.
type Trainer struct {
	cfg     Config
	backend backends.Backend
	ctx     *context.Context
	model   Model
	rng     *rand.Rand

	// Cyclic views of the datasets (a search consumes train and validation
	// streams in lockstep, so both wrap around), fronted by background
	// prefetch queues once the model variables are primed.
	trainCyc, validCyc     *searchdata.Cyclic
	trainQueue, validQueue *searchdata.Prefetch
	validBatches           int
	stepsPerEpoch          int
	numInputs              int

	sub          *substitution
	opAlphas     []*context.Variable
	expertAlphas []*context.Variable
	modelVars    []*context.Variable

	modelOpt  *momentumSGD
	archOpt   *adam
	expertOpt *adam

	lrVar        *context.Variable // model learning rate, annealed per epoch
	simWeightVar *context.Variable
	auxWeightVar *context.Variable

	// Scalar search state riding along in checkpoints.
	epochVar, bestVar, counterVar, timeVar *context.Variable

	decayAux      *DecayScheduler
	decaySim      *DecayScheduler
	stopper       *EarlyStopper
	checkpoint    *checkpoints.Handler
	topK          []ScoredArchitecture
	startEpoch    int
	searchSeconds float64

	evalExec          *context.Exec
	archStepExec      *context.Exec
	modelGradsExec    *context.Exec
	valJointGradsExec *context.Exec
	alphaGradsExec    *context.Exec
	archApplyExec     *context.Exec
	modelStepExec     *context.Exec // before CurriculumEpoch
	modelStepSimExec  *context.Exec // from CurriculumEpoch on
}

// NewTrainer substitutes the model's choices with trainable mixtures, primes
// the model variables, restores any checkpoint in cfg.CheckpointDir and
// compiles the step executors.
//
// trainDS and validDS must yield fixed-shape batches; their inputs feed
// Model.Forward, their labels Model.TaskLosses.
func NewTrainer(backend backends.Backend, ctx *context.Context, model Model, trainDS, validDS train.Dataset, cfg Config) (t *Trainer, err error) {
	cfg.setDefaults()
	t = &Trainer{
		cfg:      cfg,
		backend:  backend,
		ctx:      ctx,
		model:    model,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		trainCyc: searchdata.NewCyclic(trainDS),
		validCyc: searchdata.NewCyclic(validDS),
		stopper:  NewEarlyStopper(cfg.Patience, cfg.MinDelta),
		decayAux: NewDecayScheduler(cfg.AuxSkipWeight, cfg.Epochs, cfg.AuxSkipDecay),
	}
	simEpochs := cfg.Epochs - cfg.CurriculumEpoch
	if simEpochs < 1 {
		simEpochs = 1
	}
	t.decaySim = NewDecayScheduler(cfg.SimilarityWeight, simEpochs, cfg.SimilarityDecay)

	if cfg.StepsPerEpoch > 0 {
		t.stepsPerEpoch = cfg.StepsPerEpoch
	} else if sized, ok := trainDS.(Sized); ok {
		t.stepsPerEpoch = sized.BatchesPerEpoch()
	} else {
		return nil, errors.Errorf("dataset %q doesn't report its batches per epoch, set Config.StepsPerEpoch", trainDS.Name())
	}
	if sized, ok := validDS.(Sized); ok {
		t.validBatches = sized.BatchesPerEpoch()
	} else {
		t.validBatches = 1
	}

	err = exceptions.TryCatch[error](func() { t.build() })
	if err != nil {
		return nil, errors.WithMessage(err, "building search trainer")
	}
	return t, nil
}

// build does all panic-based setup, wrapped by NewTrainer.
func (t *Trainer) build() {
	// Substituting creates the architecture-weight variables.
	t.sub = substitute(t.ctx, t.rng, t.model, t.cfg.DropPath, t.cfg.AuxSkip)
	t.opAlphas = t.sub.opAlphas()
	t.expertAlphas = t.sub.expertAlphas()
	if len(t.opAlphas)+len(t.expertAlphas) == 0 {
		exceptions.Panicf("model has no choices to search")
	}

	t.setupCheckpoint()

	// One forward pass creates the model weight variables, so they can be
	// enumerated and given optimizer slots before the step graphs compile.
	t.evalExec = context.MustNewExec(t.backend, t.ctx, func(ctx *context.Context, inputs []*Node) *Node {
		ctx.SetTraining(inputs[0].Graph(), false)
		ins, labs := t.splitBatch(inputs)
		return t.model.Loss(ctx, ins, labs)
	})
	spec, inputs, labels, err := t.trainCyc.Yield()
	if err != nil {
		panic(errors.WithMessage(err, "priming batch"))
	}
	_ = spec
	t.numInputs = len(inputs)
	t.evalExec.MustExec(tensorsToAny(append(inputs, labels...))...)
	t.trainCyc.Reset()

	// From here on the cyclic streams are only read through the prefetch
	// queues, overlapping batch assembly with the step execution.
	t.trainQueue = searchdata.NewPrefetch(t.trainCyc, 2)
	t.validQueue = searchdata.NewPrefetch(t.validCyc, 2)

	t.collectModelVars()

	t.lrVar = t.searchStateVar("learning_rate", float32(t.cfg.ModelLR))
	t.simWeightVar = t.searchStateVar("similarity_weight", float32(0))
	t.auxWeightVar = t.ctx.InAbsPath(choices.SearchStateScope).Checked(false).
		VariableWithValue(choices.AuxSkipWeightName, float32(0))
	t.auxWeightVar.Trainable = false

	t.modelOpt = newMomentumSGD(t.ctx, t.modelVars, t.cfg.ModelMomentum, t.cfg.ModelWeightDecay)
	t.archOpt = newAdam(t.ctx, "arch_adam", t.opAlphas, archAdamBeta1, archAdamBeta2, adamEpsilon, t.cfg.ArchWeightDecay)
	t.expertOpt = newAdam(t.ctx, "expert_adam", t.expertAlphas, archAdamBeta1, archAdamBeta2, adamEpsilon, t.cfg.ArchWeightDecay)

	t.buildExecs()
	t.restoreState()
}

// splitBatch separates the flattened exec inputs back into model inputs and
// per-task labels.
func (t *Trainer) splitBatch(all []*Node) (inputs, labels []*Node) {
	n := t.numInputs
	if n == 0 {
		// Priming call: the count isn't known yet, infer from dtypes is
		// fragile, so require the first yield to set it first.
		exceptions.Panicf("batch split before the input count was set")
	}
	return all[:n], all[n:]
}

// collectModelVars enumerates the trainable model weights, excluding the
// architecture weights, sorted by scope and name so every step graph sees
// them in the same order.
func (t *Trainer) collectModelVars() {
	t.modelVars = t.modelVars[:0]
	for v := range t.ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		if strings.HasPrefix(v.Scope(), choices.ArchScope) ||
			strings.HasPrefix(v.Scope(), optimizersScope) ||
			strings.HasPrefix(v.Scope(), choices.SearchStateScope) {
			continue
		}
		t.modelVars = append(t.modelVars, v)
	}
	sort.Slice(t.modelVars, func(i, j int) bool {
		return t.modelVars[i].ScopeAndName() < t.modelVars[j].ScopeAndName()
	})
	if len(t.modelVars) == 0 {
		exceptions.Panicf("model has no trainable weights")
	}
}

func (t *Trainer) searchStateVar(name string, initial float32) *context.Variable {
	v := t.ctx.InAbsPath(choices.SearchStateScope).Checked(false).VariableWithValue(name, initial)
	v.Trainable = false
	return v
}

func valueNodes(g *Graph, vars []*context.Variable) []*Node {
	nodes := make([]*Node, len(vars))
	for i, v := range vars {
		nodes[i] = v.ValueGraph(g)
	}
	return nodes
}

// buildExecs compiles the step graph builders. Compilation itself is lazy,
// per input shape, on first call.
func (t *Trainer) buildExecs() {
	archLRNode := func(g *Graph) *Node { return Scalar(g, dtypeOf(t.opAlphas), t.cfg.ArchLR) }

	// First-order architecture step: validation loss gradient wrt the
	// operation architecture weights, applied with Adam in the same graph.
	t.archStepExec = context.MustNewExec(t.backend, t.ctx, func(ctx *context.Context, inputs []*Node) *Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, true)
		ins, labs := t.splitBatch(inputs)
		loss := t.model.Loss(ctx, ins, labs)
		grads := Gradient(loss, valueNodes(g, t.opAlphas)...)
		t.archOpt.applyGraph(g, t.opAlphas, grads, archLRNode(g))
		return loss
	})

	// Training loss gradients wrt the model weights, used for the virtual
	// step of the unrolled gradient. No update is applied.
	t.modelGradsExec = context.MustNewExec(t.backend, t.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, true)
		ins, labs := t.splitBatch(inputs)
		loss := t.model.Loss(ctx, ins, labs)
		grads := Gradient(loss, valueNodes(g, t.modelVars)...)
		return append([]*Node{loss}, grads...)
	})

	// Validation loss and its joint gradients wrt model weights and
	// operation architecture weights, evaluated at the virtual weights.
	t.valJointGradsExec = context.MustNewExec(t.backend, t.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, true)
		ins, labs := t.splitBatch(inputs)
		loss := t.model.Loss(ctx, ins, labs)
		wrt := append(valueNodes(g, t.modelVars), valueNodes(g, t.opAlphas)...)
		grads := Gradient(loss, wrt...)
		return append([]*Node{loss}, grads...)
	})

	// Training loss gradients wrt the operation architecture weights, used
	// at the two perturbed weight points of the Hessian-vector product.
	t.alphaGradsExec = context.MustNewExec(t.backend, t.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, true)
		ins, labs := t.splitBatch(inputs)
		loss := t.model.Loss(ctx, ins, labs)
		return Gradient(loss, valueNodes(g, t.opAlphas)...)
	})

	// Applies externally computed architecture gradients with Adam.
	t.archApplyExec = context.MustNewExec(t.backend, t.ctx, func(ctx *context.Context, grads []*Node) *Node {
		g := grads[0].Graph()
		t.archOpt.applyGraph(g, t.opAlphas, grads, archLRNode(g))
		return t.archOpt.step.ValueGraph(g)
	})

	// Model step, before the curriculum epoch: clipped momentum SGD on the
	// model weights only.
	t.modelStepExec = context.MustNewExec(t.backend, t.ctx, func(ctx *context.Context, inputs []*Node) *Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, true)
		ins, labs := t.splitBatch(inputs)
		loss := t.model.Loss(ctx, ins, labs)
		grads := Gradient(loss, valueNodes(g, t.modelVars)...)
		grads = clipByGlobalNorm(g, grads, t.cfg.GradClipNorm)
		t.modelOpt.applyGraph(g, t.modelVars, grads, t.lrVar.ValueGraph(g))
		return loss
	})

	// Model step from the curriculum epoch on: the decaying similarity loss
	// over the per-task expert distributions joins the objective and the
	// expert architecture weights get their own Adam step.
	t.modelStepSimExec = context.MustNewExec(t.backend, t.ctx, func(ctx *context.Context, inputs []*Node) *Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, true)
		ins, labs := t.splitBatch(inputs)
		loss := t.model.Loss(ctx, ins, labs)
		if len(t.expertAlphas) >= 2 {
			dists := make([]*Node, len(t.expertAlphas))
			for i, v := range t.expertAlphas {
				dists[i] = Softmax(v.ValueGraph(g))
			}
			sim := similarityLoss(dists)
			loss = Add(loss, Mul(ConvertDType(t.simWeightVar.ValueGraph(g), loss.DType()), sim))
		}
		wrt := append(valueNodes(g, t.modelVars), valueNodes(g, t.expertAlphas)...)
		grads := Gradient(loss, wrt...)
		grads = clipGradGroupsByGlobalNorm(g, grads, len(t.modelVars), t.cfg.GradClipNorm)
		t.modelOpt.applyGraph(g, t.modelVars, grads[:len(t.modelVars)], t.lrVar.ValueGraph(g))
		if len(t.expertAlphas) > 0 {
			t.expertOpt.applyGraph(g, t.expertAlphas, grads[len(t.modelVars):], Scalar(g, dtypeOf(t.expertAlphas), t.cfg.ArchLR))
		}
		return loss
	})
}

// Fit runs the search from the last checkpointed epoch (or zero) to
// cfg.Epochs, alternating architecture and model steps per batch and
// evaluating, checkpointing and updating the top-k architectures per epoch.
func (t *Trainer) Fit() error {
	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		if err := t.runEpoch(epoch); err != nil {
			return err
		}

		var validLoss float64
		err := exceptions.TryCatch[error](func() { validLoss = t.evaluate() })
		if err != nil {
			return errors.WithMessagef(err, "evaluating epoch %d", epoch)
		}
		improved, stop := t.stopper.Update(validLoss)
		t.updateTopK(validLoss)
		t.searchSeconds += time.Since(start).Seconds()

		if err := t.saveState(epoch); err != nil {
			return err
		}
		klog.Infof("epoch %d: valid_loss=%.5f best=%.5f lr=%.5f improved=%v elapsed=%s",
			epoch, validLoss, t.stopper.Best(), t.currentLR(epoch), improved,
			(time.Duration(t.searchSeconds * float64(time.Second))).Round(time.Second))
		klog.Infof("epoch %d arch: %s", epoch, t.archSummary())
		if stop {
			klog.Infof("early stopping at epoch %d, no improvement for %d epochs", epoch, t.stopper.Counter())
			break
		}
	}
	return nil
}

// Close releases the background prefetch goroutines. The trainer cannot be
// used after Close.
func (t *Trainer) Close() {
	if t.trainQueue != nil {
		t.trainQueue.Cancel()
	}
	if t.validQueue != nil {
		t.validQueue.Cancel()
	}
}

// currentLR is the cosine-annealed model learning rate for an epoch.
func (t *Trainer) currentLR(epoch int) float64 {
	frac := float64(epoch) / float64(t.cfg.Epochs)
	return t.cfg.ModelLRMin + 0.5*(t.cfg.ModelLR-t.cfg.ModelLRMin)*(1+math.Cos(math.Pi*frac))
}

// setEpochSchedules writes the per-epoch scalar schedules into their context
// variables, where the step graphs read them without recompiling.
func (t *Trainer) setEpochSchedules(epoch int) {
	t.lrVar.MustSetValue(tensors.FromScalar(float32(t.currentLR(epoch))))

	t.decayAux.FastForward(epoch)
	t.auxWeightVar.MustSetValue(tensors.FromScalar(float32(t.decayAux.Value())))

	simWeight := 0.0
	if epoch >= t.cfg.CurriculumEpoch {
		t.decaySim.FastForward(epoch - t.cfg.CurriculumEpoch)
		simWeight = t.decaySim.Value()
	}
	t.simWeightVar.MustSetValue(tensors.FromScalar(float32(simWeight)))
}

func (t *Trainer) runEpoch(epoch int) error {
	t.setEpochSchedules(epoch)
	bar := progressbar.NewOptions(t.stepsPerEpoch,
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch+1, t.cfg.Epochs)),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	defer func() { _ = bar.Finish() }()

	for step := 0; step < t.stepsPerEpoch; step++ {
		err := exceptions.TryCatch[error](func() { t.runStep(epoch) })
		if err != nil {
			return errors.WithMessagef(err, "epoch %d step %d", epoch, step)
		}
		_ = bar.Add(1)
	}
	return nil
}

// runStep runs one architecture step on a validation batch followed by one
// model step on a training batch. Panics on failure, the loop wraps it.
func (t *Trainer) runStep(epoch int) {
	_, valInputs, valLabels, err := t.validQueue.Yield()
	if err != nil {
		panic(err)
	}
	_, trainInputs, trainLabels, err := t.trainQueue.Yield()
	if err != nil {
		panic(err)
	}
	valBatch := tensorsToAny(append(valInputs, valLabels...))
	trainBatch := tensorsToAny(append(trainInputs, trainLabels...))

	if t.cfg.SecondOrder {
		t.unrolledArchStep(epoch, trainBatch, valBatch)
	} else {
		loss := t.archStepExec.MustExec(valBatch...)[0]
		checkFinite("architecture step validation loss", loss)
	}

	stepExec := t.modelStepExec
	if epoch >= t.cfg.CurriculumEpoch {
		stepExec = t.modelStepSimExec
	}
	loss := stepExec.MustExec(trainBatch...)[0]
	checkFinite("model step training loss", loss)
}

// evaluate runs the validation dataset once (inference mode) and returns the
// mean loss.
func (t *Trainer) evaluate() float64 {
	var total float64
	for i := 0; i < t.validBatches; i++ {
		_, inputs, labels, err := t.validQueue.Yield()
		if err != nil {
			panic(err)
		}
		loss := t.evalExec.MustExec(tensorsToAny(append(inputs, labels...))...)[0]
		total += float64(tensors.ToScalar[float32](loss))
	}
	return total / float64(t.validBatches)
}

// checkFinite panics if a scalar loss went NaN or infinite, aborting the
// search before the corrupted state is checkpointed.
func checkFinite(what string, loss *tensors.Tensor) {
	v := float64(tensors.ToScalar[float32](loss))
	if math.IsNaN(v) || math.IsInf(v, 0) {
		exceptions.Panicf("%s is not finite (%v)", what, v)
	}
}

func dtypeOf(vars []*context.Variable) dtypes.DType {
	if len(vars) == 0 {
		return dtypes.Float32
	}
	return vars[0].DType()
}

func tensorsToAny(ts []*tensors.Tensor) []any {
	out := make([]any, len(ts))
	for i, t := range ts {
		out[i] = t
	}
	return out
}
