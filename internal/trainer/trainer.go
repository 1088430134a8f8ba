// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trainer builds the two reservoirs of training vectors and
// drives an internal/som.Grid through them in a single accumulation pass.
package trainer

import (
	"math/rand"

	"github.com/grailbio/vcfsom/internal/annottable"
	"github.com/grailbio/vcfsom/internal/filterexpr"
	"github.com/grailbio/vcfsom/internal/som"
)

// reservoir holds up to capacity training vectors, each of width k. Fill
// order is insertion order; on overflow, slot floor(U*(capacity-1)) is
// replaced. This excludes the last slot from ever being replaced; the
// reservoir is deliberately not a textbook uniform sample, preserved as
// observed behavior rather than corrected, since changing it would
// silently change every trained model built against it.
type reservoir struct {
	capacity int
	vecs     [][]float64
}

func newReservoir(capacity int) *reservoir {
	return &reservoir{capacity: capacity}
}

func (r *reservoir) add(v []float64, rng *rand.Rand) {
	if r.capacity <= 0 {
		return
	}
	if len(r.vecs) < r.capacity {
		cp := append([]float64(nil), v...)
		r.vecs = append(r.vecs, cp)
		return
	}
	i := int(float64(r.capacity-1) * rng.Float64())
	if i >= r.capacity-1 {
		i = r.capacity - 2
	}
	if i < 0 {
		return
	}
	copy(r.vecs[i], v)
}

// Result holds the trained grid and reservoir-fill diagnostics, used to
// log how many training vectors were drawn from good sites versus the
// learn-filter reservoir.
type Result struct {
	Grid          *som.Grid
	NFixedFilled  int
	NLearnFilled  int
	NTotalTrained int
}

// Train runs a single pass over rows (via next, which should return
// (nil, nil) at EOF), building the fixed and learn reservoirs, then trains
// grid on the fixed reservoir followed by the learn reservoir, in stored
// (not shuffled) order.
//
// goodMask decides goodness from each row's Mask field. learnFilter, if
// non-nil and carrying at least one predicate, is evaluated against a
// non-good row's Vals to decide whether it is eligible for the learn
// reservoir. A nil learnFilter, or one with zero predicates (as
// filterexpr.Parse returns for an empty expression string), means no
// supervised learning is configured, so no row is ever added to the
// learn reservoir.
//
// rng drives both reservoir replacement and the grid's own training
// randomness, threaded explicitly rather than held as package state.
func Train(
	next func() (*annottable.Row, error),
	goodMask annottable.GoodMask,
	learnFilter *filterexpr.Expr,
	nTotal int,
	learnFrac float64,
	grid *som.Grid,
	rng *rand.Rand,
) (*Result, error) {
	fixedCap := int(float64(nTotal) * (1 - learnFrac))
	learnCap := int(float64(nTotal) * learnFrac)
	fixed := newReservoir(fixedCap)
	learn := newReservoir(learnCap)

	for {
		row, err := next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}
		if row.NSet != len(row.Vals) {
			continue
		}
		if goodMask.IsGood(row.Mask) {
			if fixedCap == 0 {
				continue
			}
			fixed.add(row.Vals, rng)
		} else {
			if learnFilter == nil || learnFilter.NPredicates() == 0 || learnCap == 0 {
				continue
			}
			if !learnFilter.Passes(row.Vals) {
				continue
			}
			learn.add(row.Vals, rng)
		}
	}

	total := len(fixed.vecs) + len(learn.vecs)
	if total < grid.NTotal {
		grid.NTotal = total
	}
	for _, v := range fixed.vecs {
		grid.Train(v, rng)
	}
	for _, v := range learn.vecs {
		grid.Train(v, rng)
	}
	grid.Normalize()

	return &Result{
		Grid:          grid,
		NFixedFilled:  len(fixed.vecs),
		NLearnFilled:  len(learn.vecs),
		NTotalTrained: total,
	}, nil
}
