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

import "math"

// EarlyStopper tracks the best validation loss seen and signals when it
// hasn't improved by at least minDelta for patience consecutive epochs.
// A patience of zero disables stopping.
type EarlyStopper struct {
	patience int
	minDelta float64
	best     float64
	counter  int
}

// NewEarlyStopper creates a stopper. minDelta is the minimum improvement over
// the best loss that counts as progress.
func NewEarlyStopper(patience int, minDelta float64) *EarlyStopper {
	return &EarlyStopper{patience: patience, minDelta: minDelta, best: math.Inf(1)}
}

// Update records one epoch's validation loss. improved reports whether this
// is a new best; stop reports whether patience ran out.
func (e *EarlyStopper) Update(validLoss float64) (improved, stop bool) {
	if validLoss < e.best-e.minDelta {
		e.best = validLoss
		e.counter = 0
		return true, false
	}
	if e.patience <= 0 {
		return false, false
	}
	e.counter++
	return false, e.counter >= e.patience
}

// Best is the lowest validation loss recorded.
func (e *EarlyStopper) Best() float64 { return e.best }

// Counter is the number of epochs since the last improvement.
func (e *EarlyStopper) Counter() int { return e.counter }

// Restore resets the stopper to a checkpointed state.
func (e *EarlyStopper) Restore(best float64, counter int) {
	e.best = best
	e.counter = counter
}
