package filterexpr

import "testing"

import "github.com/grailbio/vcfsom/internal/annot"

func buildTable(t *testing.T) *annot.Table {
	t.Helper()
	fields := []string{"[1]CHROM", "[2]POS", "[3]MASK", "[4]REF", "[5]ALT", "[6]QUAL", "[7]MQ"}
	table, err := annot.Parse(fields, nil)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestParseSimpleAndEval(t *testing.T) {
	table := buildTable(t)
	e, err := Parse("QUAL>=20 & MQ>40", table, nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.NPredicates() != 2 {
		t.Fatalf("NPredicates() = %d, want 2", e.NPredicates())
	}
	// QUAL=4, MQ=40 -> both fail -> mask 0b11.
	if mask := e.Eval([]float64{4, 40}); mask != 0b11 {
		t.Fatalf("Eval([4,40]) = %b, want 11", mask)
	}
	// QUAL=30, MQ=50 -> both pass.
	if mask := e.Eval([]float64{30, 50}); mask != 0 {
		t.Fatalf("Eval([30,50]) = %b, want 0", mask)
	}
	if !e.Passes([]float64{30, 50}) {
		t.Fatal("expected Passes to be true")
	}
}

func TestReversedOperandsFlipOperator(t *testing.T) {
	table := buildTable(t)
	// "20<=QUAL" means QUAL>=20, same as "QUAL>=20".
	a, err := Parse("20<=QUAL", table, nil)
	if err != nil {
		t.Fatal(err)
	}
	table2 := buildTable(t)
	b, err := Parse("QUAL>=20", table2, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []float64{10, 20, 30} {
		if a.Eval([]float64{v, 0}) != b.Eval([]float64{v, 0}) {
			t.Fatalf("mismatch at QUAL=%v", v)
		}
	}
}

func TestUnknownAnnotationIsFatal(t *testing.T) {
	table := buildTable(t)
	if _, err := Parse("BOGUS>=1", table, nil); err == nil {
		t.Fatal("expected an error for an unknown annotation")
	}
}

func TestExtendsModelForNewAnnotation(t *testing.T) {
	fields := []string{"[1]CHROM", "[2]POS", "[3]MASK", "[4]REF", "[5]ALT", "[6]QUAL", "[7]MQ"}
	table, err := annot.Parse(fields, []string{"QUAL"})
	if err != nil {
		t.Fatal(err)
	}
	if table.NModel() != 1 {
		t.Fatalf("NModel() = %d, want 1 before extension", table.NModel())
	}
	e, err := Parse("MQ>30", table, nil)
	if err != nil {
		t.Fatal(err)
	}
	if table.NModel() != 2 {
		t.Fatalf("NModel() = %d, want 2 after filter extension", table.NModel())
	}
	if mask := e.Eval([]float64{0, 40}); mask != 0 {
		t.Fatalf("Eval = %b, want 0 (MQ=40 passes MQ>30)", mask)
	}
}

func TestEmptyExpressionAlwaysPasses(t *testing.T) {
	table := buildTable(t)
	e, err := Parse("", table, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !e.Passes(nil) {
		t.Fatal("an empty filter expression should always pass")
	}
}
