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

// Package annottable reads the tab-delimited annotation table that is the
// root input of the whole pipeline: a single streaming pass producing
// one dense value vector per row, with optional piecewise-linear
// scaling through a dist.Store.
package annottable

import (
	"bufio"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/vcfsom/internal/annot"
	"github.com/grailbio/vcfsom/internal/dist"
	"github.com/pkg/errors"
)

// headerPrefix is the required literal prefix of the header line, before
// the per-annotation columns begin.
var headerPrefix = []string{"CHROM", "POS", "MASK", "REF", "ALT"}

// Row is one parsed data row. Vals and RawVals and Missing are all indexed
// by model index, dense over [0, table.NModel()).
type Row struct {
	Chr  string
	Pos  int64
	// Mask is the raw left-to-right binary string from the MASK column
	// (index 0 leftmost); see GoodMask.IsGood for its interpretation.
	Mask string
	Ref  string
	Alt  string

	Vals     []float64
	RawVals  []float64
	Missing  []bool
	NSet     int
	NSetMask uint64
}

// GoodMask is a configurable set of bit positions (index 0 leftmost, same
// indexing as Row.Mask) that mark a site as part of the positive training
// set: a row is good iff any position selected by GoodMask is set in its
// own Mask string.
type GoodMask string

// IsGood reports whether mask has a '1' at any position also marked '1' in
// gm, per "a row is good iff any selected bit is set".
func (gm GoodMask) IsGood(mask string) bool {
	n := len(gm)
	if len(mask) < n {
		n = len(mask)
	}
	for i := 0; i < n; i++ {
		if gm[i] == '1' && mask[i] == '1' {
			return true
		}
	}
	return false
}

// Reader streams Rows from an annotation table.
type Reader struct {
	table  *annot.Table
	dists  *dist.Store
	scale  bool
	sc     *bufio.Scanner
	lineNo int
}

// Open builds a Reader from r's header line and requested annotation
// list. dists may be nil; scale is only honored when dists is also
// non-nil.
func Open(r io.Reader, requested []string, dists *dist.Store, scale bool) (*Reader, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(nil, 1<<20)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, errors.Wrap(err, "annottable: reading header")
		}
		return nil, errors.New("annottable: empty file, no header line")
	}
	header := sc.Text()
	header = strings.TrimPrefix(header, "# ")
	fields := strings.Split(header, "\t")
	if len(fields) < annot.NFixed {
		return nil, errors.Errorf("annottable: header has only %d columns, want at least %d", len(fields), annot.NFixed)
	}
	for i, want := range headerPrefix {
		got, err := stripIndexPrefix(fields[i])
		if err != nil {
			return nil, errors.Wrap(err, "annottable: parsing header")
		}
		if got != want {
			return nil, errors.Errorf("annottable: header column %d is %q, want %q", i+1, got, want)
		}
	}
	table, err := annot.Parse(fields, requested)
	if err != nil {
		return nil, errors.Wrap(err, "annottable: building column table")
	}
	if scale && dists == nil {
		scale = false
	}
	return &Reader{table: table, dists: dists, scale: scale, sc: sc, lineNo: 1}, nil
}

func stripIndexPrefix(field string) (string, error) {
	i := strings.IndexByte(field, ']')
	if i < 0 || len(field) == 0 || field[0] != '[' {
		return "", errors.Errorf("malformed header field %q", field)
	}
	return field[i+1:], nil
}

// Table returns the column table built from the header.
func (r *Reader) Table() *annot.Table { return r.table }

// Next reads one row, or returns (nil, nil) at EOF.
func (r *Reader) Next() (*Row, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return nil, errors.Wrapf(err, "annottable: reading line %d", r.lineNo+1)
		}
		return nil, nil
	}
	r.lineNo++
	line := r.sc.Text()
	fields := strings.Split(line, "\t")
	if len(fields) != len(r.table.Columns) {
		return nil, errors.Errorf("annottable: line %d: truncated row, got %d fields, want %d", r.lineNo, len(fields), len(r.table.Columns))
	}

	pos, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "annottable: line %d: parsing POS", r.lineNo)
	}

	n := r.table.NModel()
	row := &Row{
		Chr:     fields[0],
		Pos:     pos,
		Mask:    fields[2],
		Ref:     fields[3],
		Alt:     fields[4],
		Vals:    make([]float64, n),
		RawVals: make([]float64, n),
		Missing: make([]bool, n),
	}

	for icol := annot.NFixed; icol < len(fields); icol++ {
		col := r.table.Columns[icol]
		if col.ModelIndex < 0 {
			continue
		}
		text := fields[icol]
		if text == "." {
			row.Missing[col.ModelIndex] = true
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "annottable: line %d: parsing column %q", r.lineNo, col.Name)
		}
		if math.IsInf(v, 0) || math.IsNaN(v) {
			row.Missing[col.ModelIndex] = true
			continue
		}
		row.RawVals[col.ModelIndex] = v
		if r.scale {
			row.Vals[col.ModelIndex] = r.dists.ByIndex(col.ModelIndex).Scale(v)
		} else {
			row.Vals[col.ModelIndex] = v
		}
		row.Missing[col.ModelIndex] = false
		row.NSet++
		row.NSetMask |= 1 << uint(col.ModelIndex)
	}
	return row, nil
}
