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
	"encoding/json"
	"math"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// topKParamName is the context parameter under which the top-k scored
// architectures are serialized (JSON), so they survive checkpointing.
const topKParamName = "search_top_k"

// setupCheckpoint creates the checkpoint handler (which immediately loads the
// latest checkpoint in the directory, if any). With ForceFresh the directory
// is wiped first.
func (t *Trainer) setupCheckpoint() {
	if t.cfg.CheckpointDir == "" {
		return
	}
	if t.cfg.ForceFresh {
		if err := os.RemoveAll(t.cfg.CheckpointDir); err != nil {
			panic(errors.Wrapf(err, "removing previous checkpoints in %q", t.cfg.CheckpointDir))
		}
	}
	t.checkpoint = must.M1(checkpoints.Build(t.ctx).
		Dir(t.cfg.CheckpointDir).
		Keep(t.cfg.KeepCheckpoints).
		Done())
}

// restoreState creates the scalar bookkeeping variables (restored from the
// checkpoint if one was loaded) and rebuilds the host-side search state from
// them: the epoch to resume at, the early stopper and the top-k list.
func (t *Trainer) restoreState() {
	t.epochVar = t.searchStateVar("next_epoch", 0)
	t.bestVar = t.searchStateVar("best_valid_loss", float32(math.Inf(1)))
	t.counterVar = t.searchStateVar("early_stop_counter", 0)
	t.timeVar = t.searchStateVar("search_time_secs", 0)

	t.startEpoch = int(tensors.ToScalar[float32](t.epochVar.MustValue()))
	if t.startEpoch > 0 {
		t.stopper.Restore(
			float64(tensors.ToScalar[float32](t.bestVar.MustValue())),
			int(tensors.ToScalar[float32](t.counterVar.MustValue())))
		t.searchSeconds = float64(tensors.ToScalar[float32](t.timeVar.MustValue()))
		klog.Infof("resuming search at epoch %d (best valid loss %.5f)", t.startEpoch, t.stopper.Best())
	}

	if raw, found := t.ctx.GetParam(topKParamName); found {
		if s, ok := raw.(string); ok && s != "" {
			if err := json.Unmarshal([]byte(s), &t.topK); err != nil {
				panic(errors.Wrapf(err, "parsing checkpointed top-k architectures"))
			}
		}
	}
}

// saveState writes the scalar state and the top-k list into the context and
// checkpoints everything, including model weights, architecture weights and
// optimizer slots.
func (t *Trainer) saveState(epoch int) error {
	t.epochVar.MustSetValue(tensors.FromScalar(float32(epoch + 1)))
	t.bestVar.MustSetValue(tensors.FromScalar(float32(t.stopper.Best())))
	t.counterVar.MustSetValue(tensors.FromScalar(float32(t.stopper.Counter())))
	t.timeVar.MustSetValue(tensors.FromScalar(float32(t.searchSeconds)))

	if t.checkpoint == nil {
		return nil
	}
	encoded, err := json.Marshal(t.topK)
	if err != nil {
		return errors.Wrap(err, "serializing top-k architectures")
	}
	t.ctx.SetParam(topKParamName, string(encoded))
	if err := t.checkpoint.Save(); err != nil {
		return errors.Wrapf(err, "saving checkpoint for epoch %d", epoch)
	}
	return nil
}
