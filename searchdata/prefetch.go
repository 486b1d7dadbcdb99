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

package searchdata

import (
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Prefetch wraps a train.Dataset and keeps a bounded buffer of batches filled
// by a background goroutine, so tensor assembly overlaps with the training
// step. A single goroutine reads the underlying dataset, preserving batch
// order.
//
// Call Cancel when done to release the goroutine. Reset is not supported
// while a prefetch is in flight; wrap a Cyclic dataset (which never ends) or
// Cancel first.
type Prefetch struct {
	ds     train.Dataset
	buffer chan prefetched
	stop   chan struct{}
	once   sync.Once
}

type prefetched struct {
	spec   any
	inputs []*tensors.Tensor
	labels []*tensors.Tensor
	err    error
}

// NewPrefetch starts prefetching from ds with the given buffer size.
func NewPrefetch(ds train.Dataset, bufferSize int) *Prefetch {
	if bufferSize < 1 {
		bufferSize = 1
	}
	p := &Prefetch{
		ds:     ds,
		buffer: make(chan prefetched, bufferSize),
		stop:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Prefetch) run() {
	for {
		spec, inputs, labels, err := p.ds.Yield()
		select {
		case p.buffer <- prefetched{spec, inputs, labels, err}:
			if err != nil {
				// Errors (including io.EOF) are delivered once, then the
				// goroutine parks until Cancel.
				<-p.stop
				return
			}
		case <-p.stop:
			return
		}
	}
}

// Name implements train.Dataset.
func (p *Prefetch) Name() string { return p.ds.Name() }

// Reset implements train.Dataset. It only forwards to the underlying dataset,
// batches already buffered are still delivered.
func (p *Prefetch) Reset() { p.ds.Reset() }

// Yield implements train.Dataset, serving from the prefetch buffer.
func (p *Prefetch) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	select {
	case unit := <-p.buffer:
		return unit.spec, unit.inputs, unit.labels, unit.err
	case <-p.stop:
		return nil, nil, nil, errors.New("prefetch dataset was canceled")
	}
}

// Cancel stops the background goroutine. Safe to call more than once.
func (p *Prefetch) Cancel() {
	p.once.Do(func() { close(p.stop) })
}
