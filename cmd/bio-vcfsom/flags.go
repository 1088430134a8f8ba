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

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// loPctl and hiPctl are the percentile bounds used to derive each
// annotation's scale_min/scale_max. Nothing ever needs to change these
// at runtime, so they're constants rather than flags.
const (
	loPctl = 0.1
	hiPctl = 99.9
)

// mapParams is the parsed form of -map-params/-m "nbin,learn,th,nsom".
type mapParams struct {
	nbin  int
	learn float64
	th    float64
	nsom  int
}

var defaultMapParams = mapParams{nbin: 20, learn: 0.1, th: 0.2, nsom: 1}

func parseMapParams(s string) (mapParams, error) {
	if s == "" {
		return defaultMapParams, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return mapParams{}, errors.Errorf("-map-params %q: expected nbin,learn,th,nsom", s)
	}
	nbin, err := strconv.Atoi(parts[0])
	if err != nil {
		return mapParams{}, errors.Wrapf(err, "-map-params %q: parsing nbin", s)
	}
	learn, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return mapParams{}, errors.Wrapf(err, "-map-params %q: parsing learn", s)
	}
	th, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return mapParams{}, errors.Wrapf(err, "-map-params %q: parsing th", s)
	}
	nsom, err := strconv.Atoi(parts[3])
	if err != nil {
		return mapParams{}, errors.Wrapf(err, "-map-params %q: parsing nsom", s)
	}
	return mapParams{nbin: nbin, learn: learn, th: th, nsom: nsom}, nil
}

// trainSites is the parsed form of -ntrain-sites/-n "nt,learn_frac". A
// learn_frac greater than 1 is interpreted as a percentage rather than
// a fraction.
type trainSites struct {
	nt        int
	learnFrac float64
}

func parseTrainSites(s string) (trainSites, error) {
	if s == "" {
		return trainSites{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return trainSites{}, errors.Errorf("-ntrain-sites %q: expected nt,learn_frac", s)
	}
	nt, err := strconv.Atoi(parts[0])
	if err != nil {
		return trainSites{}, errors.Wrapf(err, "-ntrain-sites %q: parsing nt", s)
	}
	learnFrac, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return trainSites{}, errors.Wrapf(err, "-ntrain-sites %q: parsing learn_frac", s)
	}
	if learnFrac > 1 {
		learnFrac *= 0.01
	}
	return trainSites{nt: nt, learnFrac: learnFrac}, nil
}

// parseAnnots splits a comma-separated -annots value; an empty string
// means "every non-fixed column", matching an empty `requested` being
// passed to annot.Parse.
func parseAnnots(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// variantType is the parsed, case-insensitive form of -type/-t.
type variantType int

const (
	typeSNP variantType = iota
	typeIndel
)

func parseVariantType(s string) (variantType, error) {
	switch strings.ToUpper(s) {
	case "", "SNP":
		return typeSNP, nil
	case "INDEL":
		return typeIndel, nil
	default:
		return 0, errors.Errorf("-type %q: must be SNP or INDEL", s)
	}
}

// parseRegion parses a "chr:start-end" region string, 1-based and
// inclusive on the input side (the tabix convention), converting it to a
// 0-based, half-open [start, end) pair.
func parseRegion(s string) (chr string, start, end int64, err error) {
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return s, 0, 1 << 62, nil
	}
	chr = s[:colon]
	span := s[colon+1:]
	dash := strings.IndexByte(span, '-')
	if dash < 0 {
		pos, err := strconv.ParseInt(span, 10, 64)
		if err != nil {
			return "", 0, 0, errors.Wrapf(err, "-region %q: parsing position", s)
		}
		return chr, pos - 1, pos, nil
	}
	startPos, err := strconv.ParseInt(span[:dash], 10, 64)
	if err != nil {
		return "", 0, 0, errors.Wrapf(err, "-region %q: parsing start", s)
	}
	endPos, err := strconv.ParseInt(span[dash+1:], 10, 64)
	if err != nil {
		return "", 0, 0, errors.Wrapf(err, "-region %q: parsing end", s)
	}
	return chr, startPos - 1, endPos, nil
}
