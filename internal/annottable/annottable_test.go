package annottable

import (
	"strings"
	"testing"

	"github.com/grailbio/vcfsom/internal/dist"
)

const sampleHeader = "# [1]CHROM\t[2]POS\t[3]MASK\t[4]REF\t[5]ALT\t[6]QUAL\t[7]MQ\n"

func TestOpenAndNext(t *testing.T) {
	data := sampleHeader +
		"chr1\t100\t10\tA\tG\t30.5\t40\n" +
		"chr1\t200\t01\tA\tT\t.\t50\n"
	r, err := Open(strings.NewReader(data), nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Table().NModel() != 2 {
		t.Fatalf("NModel() = %d, want 2", r.Table().NModel())
	}

	row, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("expected a row")
	}
	if row.Chr != "chr1" || row.Pos != 100 || row.Ref != "A" || row.Alt != "G" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.NSet != 2 || row.Vals[0] != 30.5 || row.Vals[1] != 40 {
		t.Fatalf("unexpected values: %+v", row)
	}

	row2, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if row2.NSet != 1 || !row2.Missing[0] || row2.Missing[1] {
		t.Fatalf("unexpected second row: %+v", row2)
	}

	row3, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if row3 != nil {
		t.Fatalf("expected EOF, got %+v", row3)
	}
}

func TestOpenRejectsBadHeader(t *testing.T) {
	data := "# [1]CHROM\t[2]POS\t[3]BOGUS\t[4]REF\t[5]ALT\n"
	if _, err := Open(strings.NewReader(data), nil, nil, false); err == nil {
		t.Fatal("expected an error for a malformed fixed prefix")
	}
}

func TestNextRejectsTruncatedRow(t *testing.T) {
	data := sampleHeader + "chr1\t100\t10\tA\tG\t30.5\n"
	r, err := Open(strings.NewReader(data), nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err == nil {
		t.Fatal("expected an error for a truncated row")
	}
}

func TestGoodMaskIsGood(t *testing.T) {
	gm := GoodMask("10")
	if !gm.IsGood("10") {
		t.Fatal("expected good: bit 0 selected and set")
	}
	if gm.IsGood("01") {
		t.Fatal("expected not good: bit 0 selected but clear, bit 1 set but not selected")
	}
	if gm.IsGood("00") {
		t.Fatal("expected not good: no bits set")
	}
}

func TestScalingAppliesDist(t *testing.T) {
	data := sampleHeader + "chr1\t100\t10\tA\tG\t15\t40\n"
	r, err := Open(strings.NewReader(data), nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	table := r.Table()
	store := &dist.Store{Dists: []dist.Dist{
		{Annotation: "QUAL", ScaleMin: 10, ScaleMax: 20},
		{Annotation: "MQ", ScaleMin: 0, ScaleMax: 100},
	}}
	r2, err := Open(strings.NewReader(data), nil, store, true)
	if err != nil {
		t.Fatal(err)
	}
	_ = table
	row, err := r2.Next()
	if err != nil {
		t.Fatal(err)
	}
	if row.Vals[0] != 0.5 {
		t.Fatalf("scaled QUAL = %v, want 0.5", row.Vals[0])
	}
	if row.RawVals[0] != 15 {
		t.Fatalf("raw QUAL = %v, want 15", row.RawVals[0])
	}
}
