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

// Package variant classifies a single-base substitution as a transition or
// transversion, and names the small fixed set of classes an evaluated site
// can fall into.
package variant

import (
	"github.com/grailbio/vcfsom/biosimd"
	"github.com/pkg/errors"
)

// Class is the 3-valued classification a site is bucketed into for the
// quality table. Indels additionally distinguish "not applicable"
// from the two repeat-context outcomes; SNPs never produce ClassNotApplicable.
type Class int

const (
	// ClassTransversionOrInconsistent is transversion=0 for SNPs, or
	// repeat-inconsistent=0 for indels.
	ClassTransversionOrInconsistent Class = 0
	// ClassTransitionOrConsistent is transition=1 for SNPs, or
	// repeat-consistent=1 for indels.
	ClassTransitionOrConsistent Class = 1
	// ClassNotApplicable is indel-only: no reference sequence was supplied,
	// or the indel context did not meet the repeat thresholds.
	ClassNotApplicable Class = 2
)

// acgt2int mirrors bcftools' bcf_acgt2int: A=0, C=1, G=2, T=3, anything else
// -1. Transitions pair A<->G (int distance 2) and C<->T (int distance 2);
// transversions pair the rest, hence the |delta|==2 test in ClassifySNP.
var acgt2int [256]int8

func init() {
	for i := range acgt2int {
		acgt2int[i] = -1
	}
	acgt2int['A'] = 0
	acgt2int['C'] = 1
	acgt2int['G'] = 2
	acgt2int['T'] = 3
}

// ACGT2Int returns the 0-3 code for an upper-case A/C/G/T base, or -1 for
// any other byte (N, lower-case, IUPAC ambiguity codes, etc).
func ACGT2Int(base byte) int8 {
	return acgt2int[base]
}

// IsACGT reports whether base is one of the four canonical upper-case
// nucleotide letters.
func IsACGT(base byte) bool {
	return acgt2int[base] >= 0
}

// ClassifySNP classifies a single-base ref/alt substitution. It returns
// ClassTransversionOrInconsistent if either base is not a canonical
// A/C/G/T letter.
func ClassifySNP(ref, alt byte) Class {
	if acgt2int[ref] < 0 || acgt2int[alt] < 0 {
		return ClassTransversionOrInconsistent
	}
	delta := int(acgt2int[ref]) - int(acgt2int[alt])
	if delta < 0 {
		delta = -delta
	}
	if delta == 2 {
		return ClassTransitionOrConsistent
	}
	return ClassTransversionOrInconsistent
}

// ClassifySNPChecked is ClassifySNP guarded by an explicit ACGT validity
// check, so a malformed ref/alt pair (an ambiguity code, a deletion marker,
// a lower-case base) is reported as an error rather than silently falling
// into ClassTransversionOrInconsistent alongside genuine transversions.
func ClassifySNPChecked(ref, alt byte) (Class, error) {
	if biosimd.IsNonACGTPresent([]byte{ref, alt}) {
		return ClassTransversionOrInconsistent, errors.Errorf("variant: non-ACGT allele pair %q/%q", ref, alt)
	}
	return ClassifySNP(ref, alt), nil
}
