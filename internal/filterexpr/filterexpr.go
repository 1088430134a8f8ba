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

// Package filterexpr implements the small boolean filter-expression
// language used for hard filters and learning filters: a
// whitespace-stripped sequence of `ANNOT OP VALUE` terms joined by '&',
// compiled once into a flat list of predicates and evaluated into a
// 64-bit failure mask.
package filterexpr

import (
	"strconv"
	"strings"

	"github.com/grailbio/vcfsom/internal/annot"
	"github.com/pkg/errors"
)

// Op is a comparison operator.
type Op int

const (
	OpGE Op = iota // >=
	OpGT           // >
	OpEQ           // ==
	OpLT           // <
	OpLE           // <=
)

// predicate is one compiled `ANNOT OP VALUE` term.
type predicate struct {
	modelIndex int
	op         Op
	value      float64
}

// Expr is a compiled filter expression: an ordered list of predicates,
// each contributing one bit to the failure mask returned by Eval.
type Expr struct {
	source     string
	predicates []predicate
}

// Parse compiles expr against table, silently extending table with any
// referenced annotation not already part of the model. scaler, when
// non-nil, scales each literal value through it before storing it, so
// Eval can be called directly against a row's already-scaled Vals.
func Parse(expr string, table *annot.Table, scaler func(modelIndex int, raw float64) float64) (*Expr, error) {
	stripped := stripSpace(expr)
	if stripped == "" {
		return &Expr{source: expr}, nil
	}
	terms := strings.Split(stripped, "&")
	if len(terms) > annot.MaxPredicates {
		return nil, errors.Errorf("filterexpr: too many predicates (%d), max is %d", len(terms), annot.MaxPredicates)
	}
	e := &Expr{source: expr, predicates: make([]predicate, 0, len(terms))}
	for _, term := range terms {
		if term == "" {
			return nil, errors.Errorf("filterexpr: empty term in expression %q", expr)
		}
		p, err := parseTerm(term, table, scaler)
		if err != nil {
			return nil, errors.Wrapf(err, "filterexpr: parsing %q", expr)
		}
		e.predicates = append(e.predicates, p)
	}
	return e, nil
}

// opTable maps each of the five recognized operator tokens to its Op,
// two-character tokens first so "<=" and ">=" are not matched as "<" or ">".
var opTable = []struct {
	text string
	op   Op
}{
	{"==", OpEQ},
	{"<=", OpLE},
	{">=", OpGE},
	{"<", OpLT},
	{">", OpGT},
}

func parseTerm(term string, table *annot.Table, scaler func(int, float64) float64) (predicate, error) {
	var opText string
	var op Op
	var splitAt int
	for _, o := range opTable {
		if i := strings.Index(term, o.text); i >= 0 {
			opText, op, splitAt = o.text, o.op, i
			break
		}
	}
	if opText == "" {
		return predicate{}, errors.Errorf("no recognized operator in term %q", term)
	}
	left := term[:splitAt]
	right := term[splitAt+len(opText):]
	if left == "" || right == "" {
		return predicate{}, errors.Errorf("malformed term %q", term)
	}

	var annotName, litText string
	reversed := false
	if _, ok := table.ColumnByName(left); ok {
		annotName, litText = left, right
	} else if _, ok := table.ColumnByName(right); ok {
		annotName, litText = right, left
		reversed = true
	} else {
		return predicate{}, errors.Errorf("no such annotation is available in term %q", term)
	}
	if reversed {
		op = reverseOp(op)
	}

	modelIndex, err := table.Extend(annotName)
	if err != nil {
		return predicate{}, err
	}
	value, err := strconv.ParseFloat(litText, 64)
	if err != nil {
		return predicate{}, errors.Wrapf(err, "parsing numeric literal %q", litText)
	}
	if scaler != nil {
		value = scaler(modelIndex, value)
	}
	return predicate{modelIndex: modelIndex, op: op, value: value}, nil
}

// reverseOp flips an operator when the annotation appeared on the
// expression's right-hand side, e.g. "5 < QUAL" means QUAL > 5.
func reverseOp(op Op) Op {
	switch op {
	case OpGE:
		return OpLE
	case OpGT:
		return OpLT
	case OpLT:
		return OpGT
	case OpLE:
		return OpGE
	default:
		return op
	}
}

func stripSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Eval returns a 64-bit failure mask against v (indexed by model index):
// bit i is set iff predicate i fails.
func (e *Expr) Eval(v []float64) uint64 {
	var failed uint64
	for i, p := range e.predicates {
		val := v[p.modelIndex]
		var fail bool
		switch p.op {
		case OpGE:
			fail = val < p.value
		case OpGT:
			fail = val <= p.value
		case OpEQ:
			fail = val != p.value
		case OpLT:
			fail = val >= p.value
		case OpLE:
			fail = val > p.value
		}
		if fail {
			failed |= 1 << uint(i)
		}
	}
	return failed
}

// Passes reports whether v satisfies every predicate (Eval returns 0).
func (e *Expr) Passes(v []float64) bool {
	return e.Eval(v) == 0
}

// NPredicates returns the number of compiled predicates.
func (e *Expr) NPredicates() int { return len(e.predicates) }
