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

	. "github.com/gomlx/exceptions"
)

// DecayType selects the shape of a DecayScheduler curve.
type DecayType string

const (
	// DecayLinear decays linearly from the base value to zero.
	DecayLinear DecayType = "linear"
	// DecayCosine follows half a cosine period from the base value to zero.
	DecayCosine DecayType = "cosine"
	// DecaySlowCosine follows a quarter cosine period, staying high longer.
	DecaySlowCosine DecayType = "slow_cosine"
)

// DecayScheduler produces a value decaying from base to zero over a fixed
// number of steps. Used for the auxiliary skip weight and the expert
// similarity loss weight.
type DecayScheduler struct {
	base    float64
	steps   int
	decay   DecayType
	cnt     int
	current float64
}

// NewDecayScheduler creates a scheduler decaying base over steps calls to
// Step. With steps <= 1 the value drops to zero on the first Step.
func NewDecayScheduler(base float64, steps int, decay DecayType) *DecayScheduler {
	switch decay {
	case DecayLinear, DecayCosine, DecaySlowCosine:
	default:
		Panicf("unknown decay type %q", decay)
	}
	return &DecayScheduler{base: base, steps: steps, decay: decay, current: base}
}

// Step advances the schedule and returns the new value.
func (s *DecayScheduler) Step() float64 {
	s.cnt++
	s.current = s.at(s.cnt)
	return s.current
}

// Value returns the current value without advancing.
func (s *DecayScheduler) Value() float64 { return s.current }

// FastForward advances the schedule to the given step count, used when
// resuming from a checkpoint.
func (s *DecayScheduler) FastForward(cnt int) {
	if cnt < 0 {
		cnt = 0
	}
	s.cnt = cnt
	s.current = s.at(cnt)
}

func (s *DecayScheduler) at(cnt int) float64 {
	if s.steps <= 1 || cnt >= s.steps {
		if cnt == 0 {
			return s.base
		}
		return 0
	}
	frac := float64(cnt) / float64(s.steps-1)
	switch s.decay {
	case DecayLinear:
		return s.base * (1 - frac)
	case DecayCosine:
		return s.base * 0.5 * (1 + math.Cos(math.Pi*frac))
	case DecaySlowCosine:
		return s.base * math.Cos(0.5*math.Pi*frac)
	}
	return 0
}
