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

// Package dist computes and persists the per-annotation distribution
// summary used to scale raw annotation values into [0,1] before they
// reach a SOM. Percentiles are derived from an external, numeric,
// ascending sort of every observed value for a column
// (internal/extsort), over a scratch file per annotation.
package dist

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/tsv"
	"github.com/grailbio/vcfsom/internal/annot"
	"github.com/grailbio/vcfsom/internal/extsort"
	"github.com/pkg/errors"
)

// Dist is the distribution summary for one annotation column.
type Dist struct {
	Annotation string  `tsv:"Annotation"`
	NAll       int64   `tsv:"nAll"`
	NGood      int64   `tsv:"nGood"`
	NMissing   int64   `tsv:"nMissing"`
	MinGood    float64 `tsv:"minGood"`
	MaxGood    float64 `tsv:"maxGood"`
	MinAll     float64 `tsv:"minAll"`
	MaxAll     float64 `tsv:"maxAll"`
	ScaleMin   float64 `tsv:"loPctl value"`
	ScaleMax   float64 `tsv:"hiPctl value"`
}

// Store is a collection of Dist summaries, one per model annotation, plus
// the annot.Table fingerprint they were built against.
type Store struct {
	Dists       []Dist
	fingerprint uint64
}

// Builder accumulates (raw_value, is_good) observations for one model's
// worth of annotations and produces a Store once every column has been
// streamed through a Finish call.
type Builder struct {
	table    *annot.Table
	loPctl   float64
	hiPctl   float64
	tmpDir   string
	sorters  []*extsort.Sorter
	nAll     []int64
	nGood    []int64
	nMissing []int64
	minAll   []float64
	maxAll   []float64
	minGood  []float64
	maxGood  []float64
}

// NewBuilder returns a Builder for table's model columns. loPctl/hiPctl are
// percentiles in [0,100] (e.g. 1, 99). tmpDir selects the scratch directory
// for internal/extsort (the OS default if empty).
func NewBuilder(table *annot.Table, loPctl, hiPctl float64, tmpDir string) *Builder {
	n := table.NModel()
	b := &Builder{
		table:    table,
		loPctl:   loPctl,
		hiPctl:   hiPctl,
		tmpDir:   tmpDir,
		sorters:  make([]*extsort.Sorter, n),
		nAll:     make([]int64, n),
		nGood:    make([]int64, n),
		nMissing: make([]int64, n),
		minAll:   make([]float64, n),
		maxAll:   make([]float64, n),
		minGood:  make([]float64, n),
		maxGood:  make([]float64, n),
	}
	for i := range b.sorters {
		b.sorters[i] = extsort.NewSorter(tmpDir, 0)
		b.minAll[i] = math.Inf(1)
		b.maxAll[i] = math.Inf(-1)
		b.minGood[i] = math.Inf(1)
		b.maxGood[i] = math.Inf(-1)
	}
	return b
}

// Observe records one row's worth of values. missing[i] columns are
// skipped entirely: neither counted into nAll nor streamed to the
// sorter, so they never enter the percentile computation.
func (b *Builder) Observe(vals []float64, missing []bool, isGood bool) error {
	for i, v := range vals {
		if missing[i] {
			b.nMissing[i]++
			continue
		}
		b.nAll[i]++
		if v < b.minAll[i] {
			b.minAll[i] = v
		}
		if v > b.maxAll[i] {
			b.maxAll[i] = v
		}
		if isGood {
			b.nGood[i]++
			if v < b.minGood[i] {
				b.minGood[i] = v
			}
			if v > b.maxGood[i] {
				b.maxGood[i] = v
			}
		}
		var flag byte
		if isGood {
			flag = 1
		}
		if err := b.sorters[i].Add(v, []byte{flag}); err != nil {
			return errors.Wrapf(err, "dist: streaming column %q", b.table.ModelNames[i])
		}
	}
	return nil
}

// Finish externally sorts every column's scratch data, derives scale_min
// and scale_max by percentile crossing, and returns the completed Store.
func (b *Builder) Finish() (*Store, error) {
	n := b.table.NModel()
	dists := make([]Dist, n)
	for i := 0; i < n; i++ {
		d := Dist{
			Annotation: b.table.ModelNames[i],
			NAll:       b.nAll[i],
			NGood:      b.nGood[i],
			NMissing:   b.nMissing[i],
			MinAll:     orZero(b.minAll[i]),
			MaxAll:     orZero(b.maxAll[i]),
			MinGood:    orZero(b.minGood[i]),
			MaxGood:    orZero(b.maxGood[i]),
		}
		scaleMin, scaleMax, err := scanPercentiles(b.sorters[i], b.nAll[i], b.loPctl, b.hiPctl)
		if err != nil {
			return nil, errors.Wrapf(err, "dist: computing percentiles for %q", d.Annotation)
		}
		d.ScaleMin = scaleMin
		d.ScaleMax = scaleMax
		if d.ScaleMin == d.ScaleMax {
			return nil, errors.Errorf("dist: annotation %q is constant (scale_min == scale_max == %v)", d.Annotation, d.ScaleMin)
		}
		dists[i] = d
	}
	return &Store{Dists: dists, fingerprint: b.table.Fingerprint()}, nil
}

func orZero(f float64) float64 {
	if math.IsInf(f, 0) {
		return 0
	}
	return f
}

// scanPercentiles walks s's sorted output once, tracking the running
// counter k used to derive scale_min (first value where 100*k/nAll >=
// loPctl) and scale_max (first value where 100*k/nAll > hiPctl, or the
// last observed value if that threshold is never crossed).
func scanPercentiles(s *extsort.Sorter, nAll int64, loPctl, hiPctl float64) (scaleMin, scaleMax float64, err error) {
	next, closeFn, err := s.Finish()
	if err != nil {
		return 0, 0, err
	}
	defer closeFn()

	var k int64
	var haveMin, haveMax bool
	var last float64
	for {
		rec, ok, err := next()
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			break
		}
		k++
		last = rec.Value
		pctl := 100 * float64(k) / float64(nAll)
		if !haveMin && pctl >= loPctl {
			scaleMin = rec.Value
			haveMin = true
		}
		if !haveMax && pctl > hiPctl {
			scaleMax = rec.Value
			haveMax = true
		}
	}
	if !haveMax {
		scaleMax = last
	}
	return scaleMin, scaleMax, nil
}

// Fingerprint returns the annot.Table fingerprint this Store was built
// against (or loaded with).
func (s *Store) Fingerprint() uint64 { return s.fingerprint }

// ByIndex returns the Dist for model index i.
func (s *Store) ByIndex(i int) Dist { return s.Dists[i] }

// Scale piecewise-linearly maps raw into [0,1] using d's observed scale_min
// and scale_max, clamping to the unit interval outside that range.
func (d Dist) Scale(raw float64) float64 {
	if raw <= d.ScaleMin {
		return 0
	}
	if raw >= d.ScaleMax {
		return 1
	}
	return (raw - d.ScaleMin) / (d.ScaleMax - d.ScaleMin)
}

// fingerprintCommentPrefix tags the one line Persist writes ahead of the
// TSV header, carrying the annot.Table.Fingerprint the Store was built
// against, so Load can reject a distribution file built for a different
// column set instead of silently reusing it.
const fingerprintCommentPrefix = "# fingerprint="

// Persist writes store to w: a fingerprint comment line, then every Dist
// as a fixed 10-column TSV.
func Persist(w io.Writer, store *Store) error {
	if _, err := fmt.Fprintf(w, "%s%016x\n", fingerprintCommentPrefix, store.fingerprint); err != nil {
		return errors.Wrap(err, "dist: writing fingerprint line")
	}
	tw := tsv.NewRowWriter(w)
	for i := range store.Dists {
		if err := tw.Write(&store.Dists[i]); err != nil {
			return errors.Wrap(err, "dist: writing distribution file")
		}
	}
	return tw.Flush()
}

// Load reads a persisted distribution file and validates it against table:
// the stored fingerprint must match table.Fingerprint(), and every model
// annotation must be present with a non-zero scale range.
func Load(r io.Reader, table *annot.Table) (*Store, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, errors.Wrap(err, "dist: reading fingerprint line")
	}
	line = strings.TrimSuffix(line, "\n")
	if !strings.HasPrefix(line, fingerprintCommentPrefix) {
		return nil, errors.Errorf("dist: distribution file is missing its %q line", fingerprintCommentPrefix)
	}
	fingerprint, err := strconv.ParseUint(strings.TrimPrefix(line, fingerprintCommentPrefix), 16, 64)
	if err != nil {
		return nil, errors.Wrap(err, "dist: parsing fingerprint line")
	}
	if want := table.Fingerprint(); fingerprint != want {
		return nil, errors.Errorf("dist: distribution file fingerprint %016x does not match table fingerprint %016x (built against a different column set)", fingerprint, want)
	}

	tr := tsv.NewReader(br)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true

	byName := make(map[string]Dist)
	for {
		var d Dist
		if err := tr.Read(&d); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "dist: reading distribution file")
		}
		byName[d.Annotation] = d
	}

	dists := make([]Dist, table.NModel())
	for i, name := range table.ModelNames {
		d, ok := byName[name]
		if !ok {
			return nil, errors.Errorf("dist: distribution file has no entry for model annotation %q", name)
		}
		if d.ScaleMin == d.ScaleMax {
			return nil, errors.Errorf("dist: annotation %q has a zero-width scale range in the distribution file", name)
		}
		dists[i] = d
	}
	return &Store{Dists: dists, fingerprint: fingerprint}, nil
}
