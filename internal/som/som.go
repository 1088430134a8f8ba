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

// Package som implements a bank of nsom independent self-organizing
// maps, trained and scored together.
//
// Every Grid takes an explicit *rand.Rand, threaded in by the caller,
// rather than a package-global PRNG, so that two Grids built with the
// same seed and fed the same training sequence produce bit-identical
// weights.
package som

import (
	"encoding/binary"
	"io"
	"math"
	"math/rand"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// ScoreSentinel is returned by Score when every cell, in every map, falls
// below the activation threshold: a finite-looking-but-infinite float,
// rather than NaN or an optional return, so ordinary comparisons
// (score > threshold) keep behaving sensibly on an unscored grid.
var ScoreSentinel = math.Inf(1)

// Grid is a bank of nsom square nbin x nbin maps of K-dimensional
// prototype vectors.
type Grid struct {
	NBin      int
	NSom      int
	K         int
	LearnRate float64
	Threshold float64
	NTotal    int

	w []float64 // nsom*nbin*nbin*K, row-major: [j][i][col][k]... see index
	c []float64 // nsom*nbin*nbin
	t []int     // per-map training step counter, length nsom
}

// New builds a Grid with weights drawn uniformly from [0,1) using rng.
// nTotal is the requested number of training vectors (good-site plus
// learn-filter rows); internal/trainer shrinks it to the number actually
// sampled when fewer are available. A 0 or otherwise invalid value is the
// caller's responsibility to resolve.
func New(nbin, nsom, k int, learnRate, threshold float64, nTotal int, rng *rand.Rand) *Grid {
	g := &Grid{
		NBin:      nbin,
		NSom:      nsom,
		K:         k,
		LearnRate: learnRate,
		Threshold: threshold,
		NTotal:    nTotal,
		w:         make([]float64, nsom*nbin*nbin*k),
		c:         make([]float64, nsom*nbin*nbin),
		t:         make([]int, nsom),
	}
	for i := range g.w {
		g.w[i] = rng.Float64()
	}
	return g
}

func (g *Grid) weightOffset(j, i0, i1 int) int {
	return ((j*g.NBin+i0)*g.NBin + i1) * g.K
}

func (g *Grid) countOffset(j, i0, i1 int) int {
	return (j*g.NBin+i0)*g.NBin + i1
}

// Train updates the grid with one training vector v (len(v) == K), using
// rng both to pick which of the nsom maps to train and as the sole
// source of randomness for that step.
func (g *Grid) Train(v []float64, rng *rand.Rand) {
	j := 0
	if g.NSom > 1 {
		j = int(rng.Float64() * float64(g.NSom))
		if j >= g.NSom {
			j = g.NSom - 1
		}
	}

	iStar, jStar := g.findBMU(j, v)

	tEff := float64(g.t[j]) * float64(g.NSom)
	radius := float64(g.NBin) * math.Exp(-tEff/float64(g.NTotal))
	radiusSq := radius * radius
	learnRate := g.LearnRate * math.Exp(-tEff/float64(g.NTotal))

	for i0 := 0; i0 < g.NBin; i0++ {
		for i1 := 0; i1 < g.NBin; i1++ {
			di, dj := float64(i0-iStar), float64(i1-jStar)
			distSq := di*di + dj*dj
			if distSq > radiusSq {
				continue
			}
			influence := math.Exp(-distSq*distSq*0.5/radiusSq) * learnRate
			wOff := g.weightOffset(j, i0, i1)
			for k := 0; k < g.K; k++ {
				g.w[wOff+k] += influence * (v[k] - g.w[wOff+k])
			}
			g.c[g.countOffset(j, i0, i1)] += influence
		}
	}
	g.t[j]++
}

// findBMU returns the (row, col) of the cell in map j minimizing squared
// Euclidean distance to v, ties broken by row-major scan order.
func (g *Grid) findBMU(j int, v []float64) (iStar, jStar int) {
	minDist := math.Inf(1)
	for i0 := 0; i0 < g.NBin; i0++ {
		for i1 := 0; i1 < g.NBin; i1++ {
			wOff := g.weightOffset(j, i0, i1)
			dist := 0.0
			for k := 0; k < g.K; k++ {
				d := v[k] - g.w[wOff+k]
				dist += d * d
			}
			if dist < minDist {
				minDist = dist
				iStar, jStar = i0, i1
			}
		}
	}
	return iStar, jStar
}

// Normalize divides each map's count grid by its own maximum, so every
// map's counts land in [0,1].
func (g *Grid) Normalize() {
	n2 := g.NBin * g.NBin
	for j := 0; j < g.NSom; j++ {
		base := j * n2
		max := 0.0
		for i := 0; i < n2; i++ {
			if g.c[base+i] > max {
				max = g.c[base+i]
			}
		}
		if max == 0 {
			continue
		}
		for i := 0; i < n2; i++ {
			g.c[base+i] /= max
		}
	}
}

// Score returns the minimum squared distance from v to any activated cell
// (normalized count >= Threshold) across all maps, or ScoreSentinel if no
// cell in any map meets the threshold.
func (g *Grid) Score(v []float64) float64 {
	minOverall := math.Inf(1)
	found := false
	n2 := g.NBin * g.NBin
	for j := 0; j < g.NSom; j++ {
		base := j * n2
		wBase := j * n2 * g.K
		for i := 0; i < n2; i++ {
			if g.c[base+i] < g.Threshold {
				continue
			}
			wOff := wBase + i*g.K
			dist := 0.0
			for k := 0; k < g.K; k++ {
				d := v[k] - g.w[wOff+k]
				dist += d * d
			}
			if dist < minOverall {
				minOverall = dist
				found = true
			}
		}
	}
	if !found {
		return ScoreSentinel
	}
	return minOverall
}

// MaxScore is the normalizing divisor used to turn a raw squared
// distance into a unit-scale score: score = dist/max_dist.
func (g *Grid) MaxScore() float64 { return float64(g.K) }

// Counts returns a copy of map j's normalized count grid, row-major, for
// diagnostics or golden-file tests.
func (g *Grid) Counts(j int) []float64 {
	n2 := g.NBin * g.NBin
	out := make([]float64, n2)
	copy(out, g.c[j*n2:(j+1)*n2])
	return out
}

// Weights returns a copy of map j's weight grid, row-major over (i0, i1,
// k), for golden-file tests.
func (g *Grid) Weights(j int) []float64 {
	n3 := g.NBin * g.NBin * g.K
	out := make([]float64, n3)
	copy(out, g.w[j*n3:(j+1)*n3])
	return out
}

// gridMagic tags the model file so Load can reject a file built against an
// incompatible Grid layout early, rather than misreading garbage.
const gridMagic = uint32(0x534f4d31) // "SOM1"

// Save writes the trained grid as a gzip-compressed binary blob, the same
// encoding/binary + gzip combination sortshard.go uses for its own compact
// record headers. The format is this package's own, not a generic blob
// store, since Grid's only two readers are Save and Load.
func (g *Grid) Save(w io.Writer) error {
	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		return errors.Wrap(err, "som: creating gzip writer")
	}
	for _, v := range []interface{}{
		gridMagic,
		int32(g.NBin), int32(g.NSom), int32(g.K),
		g.LearnRate, g.Threshold, int32(g.NTotal),
	} {
		if err := binary.Write(gz, binary.LittleEndian, v); err != nil {
			gz.Close()
			return errors.Wrap(err, "som: writing grid header")
		}
	}
	t32 := make([]int32, len(g.t))
	for i, v := range g.t {
		t32[i] = int32(v)
	}
	for _, arr := range []interface{}{g.w, g.c, t32} {
		if err := binary.Write(gz, binary.LittleEndian, arr); err != nil {
			gz.Close()
			return errors.Wrap(err, "som: writing grid body")
		}
	}
	return errors.Wrap(gz.Close(), "som: closing gzip writer")
}

// Load reads a Grid written by Save.
func Load(r io.Reader) (*Grid, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "som: opening gzip reader")
	}
	defer gz.Close()

	var magic uint32
	var nbin, nsom, k, nTotal int32
	var learnRate, threshold float64
	for _, v := range []interface{}{&magic, &nbin, &nsom, &k, &learnRate, &threshold, &nTotal} {
		if err := binary.Read(gz, binary.LittleEndian, v); err != nil {
			return nil, errors.Wrap(err, "som: reading grid header")
		}
	}
	if magic != gridMagic {
		return nil, errors.Errorf("som: bad model file magic %#x, want %#x", magic, gridMagic)
	}

	g := &Grid{
		NBin:      int(nbin),
		NSom:      int(nsom),
		K:         int(k),
		LearnRate: learnRate,
		Threshold: threshold,
		NTotal:    int(nTotal),
		w:         make([]float64, int(nsom)*int(nbin)*int(nbin)*int(k)),
		c:         make([]float64, int(nsom)*int(nbin)*int(nbin)),
	}
	t32 := make([]int32, int(nsom))
	if err := binary.Read(gz, binary.LittleEndian, g.w); err != nil {
		return nil, errors.Wrap(err, "som: reading weight grid")
	}
	if err := binary.Read(gz, binary.LittleEndian, g.c); err != nil {
		return nil, errors.Wrap(err, "som: reading count grid")
	}
	if err := binary.Read(gz, binary.LittleEndian, t32); err != nil {
		return nil, errors.Wrap(err, "som: reading map step counters")
	}
	g.t = make([]int, len(t32))
	for i, v := range t32 {
		g.t[i] = int(v)
	}
	return g, nil
}
