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

// Package annot holds the small column<->model-index table shared by
// every other package in this module. The table is built once by Parse,
// grows only through Extend, and is consumed by position, not name, on
// every hot-path lookup.
package annot

import (
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/pkg/errors"
)

// NFixed is the number of fixed leading columns in an annotation table:
// CHROM, POS, MASK, REF, ALT.
const NFixed = 5

// MaxPredicates bounds the number of hard-filter predicates that can be
// combined into a single 64-bit failure mask; kept one below 64 so a
// mask of all-ones is never itself a valid full house.
const MaxPredicates = 63

// Column describes one column of the annotation table header.
type Column struct {
	// Name is the normalized column name: "[3]DP" in the header becomes "DP".
	Name string
	// ModelIndex is this column's position in the dense per-row value
	// vectors (vals, raw_vals, missing), or -1 if the column is not part of
	// the model and should be skipped while parsing a row.
	ModelIndex int
}

// Table is the column table built from an annotation file's header line.
// After Parse returns, the only change it undergoes is Extend adding a
// column to the model in place, which filterexpr.Parse does for an
// annotation an expression names outside the current model.
type Table struct {
	// Columns holds one entry per header column, in file order, including
	// the NFixed fixed columns (always ModelIndex == -1).
	Columns []Column
	// ModelNames holds the name of each model column, indexed by
	// ModelIndex. len(ModelNames) == number of model columns.
	ModelNames []string
	// nameToCol maps a normalized column name to its index in Columns.
	nameToCol map[string]int
}

// normalizeName strips a leading "[i]" prefix from a header field, as used in
// `bcftools query -H` output: "[6]DP" -> "DP".
func normalizeName(field string) (string, error) {
	i := strings.IndexByte(field, ']')
	if i < 0 || field[0] != '[' {
		return "", errors.Errorf("malformed column header %q: expected a leading \"[i]\" index", field)
	}
	return field[i+1:], nil
}

// Parse builds a Table from a tab-split header line's fields (the fixed
// fields already verified and stripped of the "# " marker by the caller).
// requested, if non-empty, restricts the model to exactly that set of names,
// in the given order; an empty requested uses every non-fixed column, in
// declared order.
func Parse(headerFields []string, requested []string) (*Table, error) {
	t := &Table{
		Columns:   make([]Column, len(headerFields)),
		nameToCol: make(map[string]int, len(headerFields)),
	}
	for i, field := range headerFields {
		name, err := normalizeName(field)
		if err != nil {
			return nil, err
		}
		if _, dup := t.nameToCol[name]; dup {
			return nil, errors.Errorf("duplicate column name %q", name)
		}
		t.nameToCol[name] = i
		t.Columns[i] = Column{Name: name, ModelIndex: -1}
	}
	if len(headerFields) < NFixed {
		return nil, errors.Errorf("expected at least %d fixed columns, got %d", NFixed, len(headerFields))
	}

	if len(requested) == 0 {
		for i := NFixed; i < len(t.Columns); i++ {
			t.Columns[i].ModelIndex = len(t.ModelNames)
			t.ModelNames = append(t.ModelNames, t.Columns[i].Name)
		}
		return t, nil
	}

	seen := make(map[string]bool, len(requested))
	for _, name := range requested {
		if seen[name] {
			return nil, errors.Errorf("annotation %q requested more than once", name)
		}
		seen[name] = true
		i, ok := t.nameToCol[name]
		if !ok || i < NFixed {
			return nil, errors.Errorf("requested annotation %q is not in the table", name)
		}
		t.Columns[i].ModelIndex = len(t.ModelNames)
		t.ModelNames = append(t.ModelNames, name)
	}
	return t, nil
}

// ColumnByName returns the Column for name and whether it was found.
func (t *Table) ColumnByName(name string) (Column, bool) {
	i, ok := t.nameToCol[name]
	if !ok {
		return Column{}, false
	}
	return t.Columns[i], true
}

// Extend adds name to the model if it is not already part of it, returning
// its ModelIndex. This is how a filter expression that names an
// annotation outside the current model silently extends it.
func (t *Table) Extend(name string) (int, error) {
	i, ok := t.nameToCol[name]
	if !ok {
		return -1, errors.Errorf("no such annotation: %q", name)
	}
	if i < NFixed {
		return -1, errors.Errorf("%q is a fixed column, not an annotation", name)
	}
	if t.Columns[i].ModelIndex >= 0 {
		return t.Columns[i].ModelIndex, nil
	}
	idx := len(t.ModelNames)
	t.Columns[i].ModelIndex = idx
	t.ModelNames = append(t.ModelNames, name)
	return idx, nil
}

// NModel returns the number of model columns.
func (t *Table) NModel() int { return len(t.ModelNames) }

// Fingerprint returns a 64-bit hash of the declared model column names, in
// order. DistStore stamps a persisted distribution file with this value so a
// stale file built against a different column set is rejected instead of
// silently reused.
func (t *Table) Fingerprint() uint64 {
	h := seahash.New()
	for _, name := range t.ModelNames {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
