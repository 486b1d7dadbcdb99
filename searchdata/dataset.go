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

// Package searchdata provides train.Dataset implementations used by the
// architecture search: an in-memory batched dataset of categorical feature
// groups with multi-task binary labels, a cyclic wrapper that never ends an
// epoch (bi-level search consumes train and validation streams in lockstep,
// so the shorter one must wrap around), and a simple background prefetcher.
package searchdata

import (
	"io"
	"math/rand"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// InMemory is a train.Dataset over rows of categorical features, organized in
// feature groups (e.g. user, item, context, cross features), each group a
// fixed number of vocabulary indices per row, plus one binary label per task.
//
// Yield returns one int32 tensor of shape [batchSize, groupWidth] per feature
// group as inputs, and one float32 tensor of shape [batchSize, 1] per task as
// labels. The trailing partial batch is dropped so all batches share a shape.
//
// It is not safe for concurrent Yield calls; wrap it in a Prefetch for
// background batching.
type InMemory struct {
	name      string
	batchSize int

	// groups[g] is row-major [numRows, groupWidths[g]].
	groups      [][]int32
	groupWidths []int
	// labels[t] has numRows entries in {0, 1}.
	labels [][]float32

	numRows int
	rng     *rand.Rand
	order   []int
	next    int
}

// NewInMemory builds an in-memory dataset. groups[g] must have
// numRows*groupWidths[g] entries and each labels[t] numRows entries. A non-nil
// rng shuffles rows on every Reset.
func NewInMemory(name string, batchSize int, groupWidths []int, groups [][]int32, labels [][]float32, rng *rand.Rand) *InMemory {
	if batchSize <= 0 {
		Panicf("dataset %q: batch size must be positive, got %d", name, batchSize)
	}
	if len(groups) != len(groupWidths) {
		Panicf("dataset %q: %d feature groups but %d group widths", name, len(groups), len(groupWidths))
	}
	if len(labels) == 0 {
		Panicf("dataset %q: at least one task's labels required", name)
	}
	numRows := len(labels[0])
	for t, l := range labels {
		if len(l) != numRows {
			Panicf("dataset %q: task %d has %d labels, task 0 has %d", name, t, len(l), numRows)
		}
	}
	for g, data := range groups {
		if len(data) != numRows*groupWidths[g] {
			Panicf("dataset %q: feature group %d has %d values, want %d rows x %d",
				name, g, len(data), numRows, groupWidths[g])
		}
	}
	if numRows < batchSize {
		Panicf("dataset %q: %d rows cannot fill a batch of %d", name, numRows, batchSize)
	}
	ds := &InMemory{
		name:        name,
		batchSize:   batchSize,
		groups:      groups,
		groupWidths: groupWidths,
		labels:      labels,
		numRows:     numRows,
		rng:         rng,
		order:       make([]int, numRows),
	}
	for i := range ds.order {
		ds.order[i] = i
	}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *InMemory) Name() string { return ds.name }

// NumTasks is the number of label columns.
func (ds *InMemory) NumTasks() int { return len(ds.labels) }

// NumRows is the total number of examples.
func (ds *InMemory) NumRows() int { return ds.numRows }

// BatchesPerEpoch is the number of full batches Yield produces per epoch.
func (ds *InMemory) BatchesPerEpoch() int { return ds.numRows / ds.batchSize }

// Reset implements train.Dataset, reshuffling rows when the dataset was
// created with an rng.
func (ds *InMemory) Reset() {
	ds.next = 0
	if ds.rng != nil {
		ds.rng.Shuffle(ds.numRows, func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// Yield implements train.Dataset.
func (ds *InMemory) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next+ds.batchSize > ds.numRows {
		return nil, nil, nil, io.EOF
	}
	rows := ds.order[ds.next : ds.next+ds.batchSize]
	ds.next += ds.batchSize

	inputs = make([]*tensors.Tensor, len(ds.groups))
	for g, data := range ds.groups {
		width := ds.groupWidths[g]
		flat := make([]int32, 0, ds.batchSize*width)
		for _, row := range rows {
			flat = append(flat, data[row*width:(row+1)*width]...)
		}
		inputs[g] = tensors.FromFlatDataAndDimensions(flat, ds.batchSize, width)
	}
	labels = make([]*tensors.Tensor, len(ds.labels))
	for t, taskLabels := range ds.labels {
		flat := make([]float32, ds.batchSize)
		for i, row := range rows {
			flat[i] = taskLabels[row]
		}
		labels[t] = tensors.FromFlatDataAndDimensions(flat, ds.batchSize, 1)
	}
	return ds, inputs, labels, nil
}

// Cyclic wraps a train.Dataset so that Yield never returns io.EOF: when the
// underlying dataset is exhausted it is silently Reset and read again.
type Cyclic struct {
	ds train.Dataset
}

// NewCyclic wraps ds. The wrapped dataset must produce at least one batch per
// epoch or Yield returns an error.
func NewCyclic(ds train.Dataset) *Cyclic { return &Cyclic{ds: ds} }

// Name implements train.Dataset.
func (c *Cyclic) Name() string { return c.ds.Name() }

// Reset implements train.Dataset.
func (c *Cyclic) Reset() { c.ds.Reset() }

// Yield implements train.Dataset, wrapping around at end of epoch.
func (c *Cyclic) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = c.ds.Yield()
	if err != io.EOF {
		return
	}
	c.ds.Reset()
	spec, inputs, labels, err = c.ds.Yield()
	if err == io.EOF {
		err = errors.Errorf("dataset %q yielded no batches after Reset", c.ds.Name())
	}
	return
}
