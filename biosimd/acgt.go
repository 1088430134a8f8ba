// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package biosimd carries the one lookup this module needs from the
// teacher's SIMD sequence-processing package: a fast "is every byte a
// capital ACGT base" scan over a short allele string. The rest of the
// teacher's biosimd (revcomp, FASTQ quality decoding, k-mer counting, the
// amd64 assembly-backed variants of all of the above) has no caller in this
// module and is not carried over.
package biosimd

var isNotCapitalACGTTable = [256]bool{
	'A': false, 'C': false, 'G': false, 'T': false,
}

func init() {
	for i := range isNotCapitalACGTTable {
		switch byte(i) {
		case 'A', 'C', 'G', 'T':
		default:
			isNotCapitalACGTTable[i] = true
		}
	}
}

// IsNonACGTPresent returns true iff there is a non-capital-ACGT character in
// the slice.
func IsNonACGTPresent(ascii8 []byte) bool {
	for _, b := range ascii8 {
		if isNotCapitalACGTTable[b] {
			return true
		}
	}
	return false
}
