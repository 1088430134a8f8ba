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

// Package indelctx classifies an indel by its repeat context, using a
// small reference window pulled from a fasta.Fasta. It implements the
// standard microsatellite/homopolymer repeat-unit count used throughout
// variant callers: find the shortest period of the inserted or deleted
// bases, then count how many consecutive copies of that period appear
// once the flanking reference is included.
package indelctx

import (
	"github.com/grailbio/vcfsom/encoding/fasta"
	"github.com/grailbio/vcfsom/internal/variant"
	"github.com/pkg/errors"
)

// flankWindow is how many reference bases are pulled on each side of an
// indel to search for repeat context; generous enough for any realistic
// microsatellite while staying a small, fixed-cost read per site.
const flankWindow = 50

// Classifier wraps a reference fasta.Fasta for repeat-context lookups.
type Classifier struct {
	ref fasta.Fasta
}

// New builds a Classifier over an already-loaded reference.
func New(ref fasta.Fasta) *Classifier {
	return &Classifier{ref: ref}
}

// Classify computes (nrep, nlen, ndel) for one (chr, pos, ref, alt) indel
// and returns its repeat-consistency class. pos is the 1-based VCF
// position of the first shared base between ref and alt.
func (c *Classifier) Classify(chr string, pos int64, ref, alt string) (variant.Class, nrepNlenNdel, error) {
	ndel := len(alt) - len(ref)
	if ndel == 0 {
		return variant.ClassNotApplicable, nrepNlenNdel{}, nil
	}

	var indelSeq string
	if ndel > 0 {
		if len(alt) < len(ref) || alt[:len(ref)] != ref {
			return variant.ClassNotApplicable, nrepNlenNdel{}, nil
		}
		indelSeq = alt[len(ref):]
	} else {
		if len(ref) < len(alt) || ref[:len(alt)] != alt {
			return variant.ClassNotApplicable, nrepNlenNdel{}, nil
		}
		indelSeq = ref[len(alt):]
	}
	if indelSeq == "" {
		return variant.ClassNotApplicable, nrepNlenNdel{}, nil
	}

	nlen := repeatUnitLength(indelSeq)

	seqLen, err := c.ref.Len(chr)
	if err != nil {
		return variant.ClassNotApplicable, nrepNlenNdel{}, errors.Wrapf(err, "indelctx: looking up %q length", chr)
	}
	// pos is 1-based and points at the shared anchor base; the indel
	// sequence itself starts at the next base.
	indelStart := uint64(pos)
	start := uint64(0)
	if indelStart > flankWindow {
		start = indelStart - flankWindow
	}
	end := indelStart + uint64(len(indelSeq)) + flankWindow
	if end > seqLen {
		end = seqLen
	}
	window, err := c.ref.Get(chr, start, end)
	if err != nil {
		return variant.ClassNotApplicable, nrepNlenNdel{}, errors.Wrapf(err, "indelctx: reading reference window for %s:%d", chr, pos)
	}
	// indelStart is the 0-based offset of the first indel base, so the
	// anchor base sits one position before it.
	anchorOffset := int(indelStart-start) - 1

	nrep := countRepeatCopies(window, anchorOffset, nlen)

	out := nrepNlenNdel{NRep: nrep, NLen: nlen, NDel: ndel}
	if ndel == 0 || nlen <= 1 || nrep <= 1 {
		return variant.ClassNotApplicable, out, nil
	}
	absDel := ndel
	if absDel < 0 {
		absDel = -absDel
	}
	if absDel%nlen == 0 {
		return variant.ClassTransitionOrConsistent, out, nil
	}
	return variant.ClassTransversionOrInconsistent, out, nil
}

// nrepNlenNdel holds the repeat count, unit length, and net indel size,
// returned alongside the class for callers (e.g. a quality-table
// footnote) that want to report the raw repeat context.
type nrepNlenNdel struct {
	NRep int
	NLen int
	NDel int
}

// repeatUnitLength returns the shortest p in [1, len(s)] such that s is
// exactly p-periodic (s == s[:p] repeated), e.g. "ATAT" -> 2, "AAA" -> 1,
// "ACGT" -> 4 (no shorter period).
func repeatUnitLength(s string) int {
	for p := 1; p < len(s); p++ {
		if len(s)%p != 0 {
			continue
		}
		periodic := true
		for i := p; i < len(s); i++ {
			if s[i] != s[i-p] {
				periodic = false
				break
			}
		}
		if periodic {
			return p
		}
	}
	return len(s)
}

// countRepeatCopies counts how many consecutive copies of window's
// nlen-length unit (the unit starting at anchorOffset+1, i.e. right after
// the shared anchor base) appear when extended through the flanking
// window in both directions.
func countRepeatCopies(window string, anchorOffset, nlen int) int {
	if nlen <= 0 || anchorOffset+1+nlen > len(window) {
		return 0
	}
	unit := window[anchorOffset+1 : anchorOffset+1+nlen]

	copies := 1 // the unit itself, at its home position
	// Extend forward (toward higher coordinates).
	for i := anchorOffset + 1 + nlen; i+nlen <= len(window); i += nlen {
		if window[i:i+nlen] != unit {
			break
		}
		copies++
	}
	// Extend backward (toward lower coordinates).
	for i := anchorOffset + 1 - nlen; i >= 0; i -= nlen {
		if window[i:i+nlen] != unit {
			break
		}
		copies++
	}
	return copies
}
