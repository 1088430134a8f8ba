package dist

import (
	"bytes"
	"testing"

	"github.com/grailbio/vcfsom/internal/annot"
)

func buildTable(t *testing.T) *annot.Table {
	t.Helper()
	fields := []string{"[1]CHROM", "[2]POS", "[3]MASK", "[4]REF", "[5]ALT", "[6]QUAL", "[7]MQ"}
	table, err := annot.Parse(fields, nil)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestBuilderComputesPercentiles(t *testing.T) {
	table := buildTable(t)
	b := NewBuilder(table, 1, 99, "")

	// QUAL: 1..100, every third value marked good. MQ: the same values and
	// goodness flags as QUAL.
	for i := 1; i <= 100; i++ {
		vals := []float64{float64(i), float64(i)}
		missing := []bool{false, false}
		if err := b.Observe(vals, missing, i%3 == 0); err != nil {
			t.Fatal(err)
		}
	}
	store, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	qual := store.ByIndex(0)
	if qual.NAll != 100 {
		t.Fatalf("NAll = %d, want 100", qual.NAll)
	}
	if qual.NGood != 33 {
		t.Fatalf("NGood = %d, want 33", qual.NGood)
	}
	if qual.MinAll != 1 || qual.MaxAll != 100 {
		t.Fatalf("MinAll/MaxAll = %v/%v, want 1/100", qual.MinAll, qual.MaxAll)
	}
	// 1st percentile crossing: k/100 >= 0.01 first at k=1 -> value 1.
	if qual.ScaleMin != 1 {
		t.Fatalf("ScaleMin = %v, want 1", qual.ScaleMin)
	}
	// 99th percentile crossing: k/100 > 0.99 first at k=100 -> value 100.
	if qual.ScaleMax != 100 {
		t.Fatalf("ScaleMax = %v, want 100", qual.ScaleMax)
	}
}

func TestBuilderRejectsConstantAnnotation(t *testing.T) {
	table := buildTable(t)
	b := NewBuilder(table, 1, 99, "")
	for i := 0; i < 10; i++ {
		if err := b.Observe([]float64{5, 5}, []bool{false, false}, true); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := b.Finish(); err == nil {
		t.Fatal("expected an error for a constant annotation")
	}
}

func TestBuilderSkipsMissing(t *testing.T) {
	table := buildTable(t)
	b := NewBuilder(table, 1, 99, "")
	if err := b.Observe([]float64{1, 0}, []bool{false, true}, true); err != nil {
		t.Fatal(err)
	}
	if err := b.Observe([]float64{2, 0}, []bool{false, true}, true); err != nil {
		t.Fatal(err)
	}
	if err := b.Observe([]float64{0, 9}, []bool{true, false}, false); err != nil {
		t.Fatal(err)
	}
	if err := b.Observe([]float64{0, 10}, []bool{true, false}, false); err != nil {
		t.Fatal(err)
	}
	store, err := b.Finish()
	if err != nil {
		t.Fatal(err)
	}
	mq := store.ByIndex(1)
	if mq.NAll != 2 || mq.NMissing != 2 {
		t.Fatalf("MQ NAll/NMissing = %d/%d, want 2/2", mq.NAll, mq.NMissing)
	}
}

func TestScaleClamps(t *testing.T) {
	d := Dist{ScaleMin: 10, ScaleMax: 20}
	if got := d.Scale(5); got != 0 {
		t.Fatalf("Scale(5) = %v, want 0", got)
	}
	if got := d.Scale(25); got != 1 {
		t.Fatalf("Scale(25) = %v, want 1", got)
	}
	if got := d.Scale(15); got != 0.5 {
		t.Fatalf("Scale(15) = %v, want 0.5", got)
	}
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	table := buildTable(t)
	store := &Store{
		Dists: []Dist{
			{Annotation: "QUAL", NAll: 10, NGood: 3, NMissing: 1, MinGood: 1, MaxGood: 9, MinAll: 0, MaxAll: 10, ScaleMin: 1, ScaleMax: 9},
			{Annotation: "MQ", NAll: 10, NGood: 3, NMissing: 1, MinGood: 1, MaxGood: 9, MinAll: 0, MaxAll: 10, ScaleMin: 2, ScaleMax: 8},
		},
		fingerprint: table.Fingerprint(),
	}
	var buf bytes.Buffer
	if err := Persist(&buf, store); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(&buf, table)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ByIndex(0) != store.Dists[0] || loaded.ByIndex(1) != store.Dists[1] {
		t.Fatalf("round trip mismatch: %+v", loaded.Dists)
	}
}

func TestLoadRejectsMissingAnnotation(t *testing.T) {
	table := buildTable(t)
	var buf bytes.Buffer
	onlyQual := &Store{
		Dists:       []Dist{{Annotation: "QUAL", ScaleMin: 1, ScaleMax: 9}},
		fingerprint: table.Fingerprint(),
	}
	if err := Persist(&buf, onlyQual); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(&buf, table); err == nil {
		t.Fatal("expected an error when the distribution file is missing a model annotation")
	}
}

func TestLoadRejectsFingerprintMismatch(t *testing.T) {
	table := buildTable(t)
	store := &Store{
		Dists: []Dist{
			{Annotation: "QUAL", ScaleMin: 1, ScaleMax: 9},
			{Annotation: "MQ", ScaleMin: 2, ScaleMax: 8},
		},
		fingerprint: table.Fingerprint() + 1,
	}
	var buf bytes.Buffer
	if err := Persist(&buf, store); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(&buf, table); err == nil {
		t.Fatal("expected an error when the stored fingerprint does not match table.Fingerprint()")
	}
}
