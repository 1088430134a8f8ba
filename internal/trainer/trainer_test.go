package trainer

import (
	"math/rand"
	"testing"

	"github.com/grailbio/vcfsom/internal/annot"
	"github.com/grailbio/vcfsom/internal/annottable"
	"github.com/grailbio/vcfsom/internal/filterexpr"
	"github.com/grailbio/vcfsom/internal/som"
)

func makeRows(n int, good bool) []*annottable.Row {
	rows := make([]*annottable.Row, n)
	for i := range rows {
		mask := "0"
		if good {
			mask = "1"
		}
		rows[i] = &annottable.Row{
			Mask:    mask,
			Vals:    []float64{float64(i)},
			Missing: []bool{false},
			NSet:    1,
		}
	}
	return rows
}

func rowFeeder(rows []*annottable.Row) func() (*annottable.Row, error) {
	i := 0
	return func() (*annottable.Row, error) {
		if i >= len(rows) {
			return nil, nil
		}
		r := rows[i]
		i++
		return r, nil
	}
}

func TestFixedReservoirCapacity(t *testing.T) {
	rows := makeRows(100, true)
	next := rowFeeder(rows)
	rng := rand.New(rand.NewSource(1))
	grid := som.New(2, 1, 1, 0.1, 0.2, 10, rng)

	result, err := Train(next, "1", nil, 10, 0.3, grid, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	if result.NFixedFilled != 7 {
		t.Fatalf("NFixedFilled = %d, want 7 (cap = 10*(1-0.3))", result.NFixedFilled)
	}
	if result.NLearnFilled != 0 {
		t.Fatalf("NLearnFilled = %d, want 0 (no learning filter configured)", result.NLearnFilled)
	}
}

func TestShrinksNTotalWhenUnderfilled(t *testing.T) {
	rows := makeRows(3, true)
	next := rowFeeder(rows)
	rng := rand.New(rand.NewSource(1))
	grid := som.New(2, 1, 1, 0.1, 0.2, 100, rng)

	result, err := Train(next, "1", nil, 100, 0.3, grid, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	if result.NTotalTrained != 3 {
		t.Fatalf("NTotalTrained = %d, want 3", result.NTotalTrained)
	}
	if grid.NTotal != 3 {
		t.Fatalf("grid.NTotal = %d, want shrunk to 3", grid.NTotal)
	}
}

func TestReservoirNeverReplacesLastSlot(t *testing.T) {
	capacity := 4
	r := newReservoir(capacity)
	for i := 0; i < capacity; i++ {
		r.add([]float64{float64(i)}, rand.New(rand.NewSource(1)))
	}
	last := append([]float64(nil), r.vecs[capacity-1]...)
	// floor(U*(capacity-1)) never reaches capacity-1 regardless of U, so no
	// number of further overflow replacements should ever touch the last slot.
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 1000; i++ {
		r.add([]float64{999}, rng)
	}
	if r.vecs[capacity-1][0] != last[0] {
		t.Fatalf("last slot was replaced: got %v, want untouched %v", r.vecs[capacity-1], last)
	}
}

func TestDefaultLearningFilterAdmitsNoRows(t *testing.T) {
	// cmd/bio-vcfsom train never passes a literal nil for -learning-filters;
	// an unset flag still goes through filterexpr.Parse("", table, nil),
	// which returns a non-nil *Expr with zero predicates. That expression
	// must still be treated as "no learning filter configured", not as one
	// that vacuously passes every row.
	fields := []string{"[1]CHROM", "[2]POS", "[3]MASK", "[4]REF", "[5]ALT", "[6]QUAL"}
	table, err := annot.Parse(fields, nil)
	if err != nil {
		t.Fatal(err)
	}
	learnExpr, err := filterexpr.Parse("", table, nil)
	if err != nil {
		t.Fatal(err)
	}

	rows := makeRows(5, false)
	next := rowFeeder(rows)
	rng := rand.New(rand.NewSource(1))
	grid := som.New(2, 1, 1, 0.1, 0.2, 10, rng)

	result, err := Train(next, "1", learnExpr, 10, 0.5, grid, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	if result.NLearnFilled != 0 {
		t.Fatalf("NLearnFilled = %d, want 0 (no -learning-filters configured)", result.NLearnFilled)
	}
}

func TestSkipsRowsWithMissingAnnotations(t *testing.T) {
	rows := makeRows(5, true)
	rows[0].NSet = 0 // simulate a row with a missing model annotation
	next := rowFeeder(rows)
	rng := rand.New(rand.NewSource(1))
	grid := som.New(2, 1, 1, 0.1, 0.2, 10, rng)
	result, err := Train(next, "1", nil, 10, 0, grid, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	if result.NFixedFilled != 4 {
		t.Fatalf("NFixedFilled = %d, want 4 (one row skipped for missing annotations)", result.NFixedFilled)
	}
}
