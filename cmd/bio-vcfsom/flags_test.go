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

package main

import "testing"

func TestParseMapParamsDefaultsWhenEmpty(t *testing.T) {
	mp, err := parseMapParams("")
	if err != nil {
		t.Fatal(err)
	}
	if mp != defaultMapParams {
		t.Fatalf("got %+v, want %+v", mp, defaultMapParams)
	}
}

func TestParseMapParamsParsesAllFour(t *testing.T) {
	mp, err := parseMapParams("10,0.3,0.4,2")
	if err != nil {
		t.Fatal(err)
	}
	want := mapParams{nbin: 10, learn: 0.3, th: 0.4, nsom: 2}
	if mp != want {
		t.Fatalf("got %+v, want %+v", mp, want)
	}
}

func TestParseMapParamsRejectsWrongArity(t *testing.T) {
	if _, err := parseMapParams("10,0.3"); err == nil {
		t.Fatal("expected an error for too few fields")
	}
}

func TestParseTrainSitesInterpretsFractionAbove1AsPercent(t *testing.T) {
	ts, err := parseTrainSites("1000,10")
	if err != nil {
		t.Fatal(err)
	}
	if ts.nt != 1000 || ts.learnFrac != 0.1 {
		t.Fatalf("got %+v, want nt=1000 learnFrac=0.1", ts)
	}
}

func TestParseTrainSitesKeepsFractionAtOrBelow1(t *testing.T) {
	ts, err := parseTrainSites("1000,0.25")
	if err != nil {
		t.Fatal(err)
	}
	if ts.learnFrac != 0.25 {
		t.Fatalf("learnFrac = %v, want 0.25", ts.learnFrac)
	}
}

func TestParseAnnotsSplitsOnComma(t *testing.T) {
	got := parseAnnots("DP,QUAL,MQ")
	want := []string{"DP", "QUAL", "MQ"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestParseAnnotsEmptyMeansNil(t *testing.T) {
	if got := parseAnnots(""); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestParseVariantTypeCaseInsensitive(t *testing.T) {
	for _, s := range []string{"snp", "SNP", ""} {
		vt, err := parseVariantType(s)
		if err != nil || vt != typeSNP {
			t.Fatalf("parseVariantType(%q) = %v, %v; want typeSNP, nil", s, vt, err)
		}
	}
	vt, err := parseVariantType("indel")
	if err != nil || vt != typeIndel {
		t.Fatalf("parseVariantType(indel) = %v, %v; want typeIndel, nil", vt, err)
	}
	if _, err := parseVariantType("bogus"); err == nil {
		t.Fatal("expected an error for an unrecognized type")
	}
}

func TestParseRegionSinglePosition(t *testing.T) {
	chr, start, end, err := parseRegion("chr1:100")
	if err != nil {
		t.Fatal(err)
	}
	if chr != "chr1" || start != 99 || end != 100 {
		t.Fatalf("got (%q, %d, %d), want (chr1, 99, 100)", chr, start, end)
	}
}

func TestParseRegionRange(t *testing.T) {
	chr, start, end, err := parseRegion("chr2:100-200")
	if err != nil {
		t.Fatal(err)
	}
	if chr != "chr2" || start != 99 || end != 200 {
		t.Fatalf("got (%q, %d, %d), want (chr2, 99, 200)", chr, start, end)
	}
}
