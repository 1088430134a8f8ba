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

// Package evaluator writes the BGZF sites file and derives the quality
// table from it: score every row against a trained grid, stream
// (score, class, goodness, chr, pos)
// tuples to a BGZF-compressed sites file, then re-read that stream in
// ascending score order and aggregate a ts/tv (SNPs) or repeat-consistency
// (indels) curve.
package evaluator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/vcfsom/internal/extsort"
	"github.com/grailbio/vcfsom/internal/variant"
	"github.com/pkg/errors"
)

// SitesHeader is the fixed header line of the BGZF sites file.
const SitesHeader = "# [1]score\t[2]variant class\t[3]filter mask, good(&1)\t[4]chromosome\t[5]position\n"

// Site is one scored record written to the sites file.
type Site struct {
	Score    float64
	Class    variant.Class
	Good     bool
	Chr      string
	Pos      int64
}

// SitesWriter streams Sites to a BGZF-compressed TSV.
type SitesWriter struct {
	dst file.File
	bw  *bgzf.Writer
	tw  *tsv.Writer
}

// NewSitesWriter creates path (via github.com/grailbio/base/file) and
// writes the sites-file header. parallelism controls the BGZF writer's
// compression concurrency.
func NewSitesWriter(ctx context.Context, path string, parallelism int) (*SitesWriter, error) {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "evaluator: creating sites file")
	}
	bw := bgzf.NewWriter(dst.Writer(ctx), parallelism)
	tw := tsv.NewWriter(bw)
	tw.WriteString(strings.TrimSuffix(SitesHeader, "\n"))
	if err := tw.EndLine(); err != nil {
		bw.Close()
		dst.Close(ctx)
		return nil, errors.Wrap(err, "evaluator: writing sites header")
	}
	return &SitesWriter{dst: dst, bw: bw, tw: tw}, nil
}

// Write appends one scored site.
func (w *SitesWriter) Write(s Site) error {
	w.tw.WriteString(strconv.FormatFloat(s.Score, 'e', -1, 64))
	w.tw.WriteString(strconv.Itoa(int(s.Class)))
	good := 0
	if s.Good {
		good = 1
	}
	w.tw.WriteString(strconv.Itoa(good))
	w.tw.WriteString(s.Chr)
	w.tw.WriteString(strconv.FormatInt(s.Pos, 10))
	return w.tw.EndLine()
}

// Close flushes and closes the underlying BGZF writer and file.
func (w *SitesWriter) Close(ctx context.Context) error {
	if err := w.bw.Close(); err != nil {
		w.dst.Close(ctx)
		return errors.Wrap(err, "evaluator: closing bgzf writer")
	}
	return errors.Wrap(w.dst.Close(ctx), "evaluator: closing sites file")
}

// Region restricts SitesIndex loading to one chromosome and a half-open
// [Start, End) interval, compared directly against Site.Pos (the
// annotation table's 1-based positions).
type Region struct {
	Chr        string
	Start, End int64
}

func (r *Region) matches(chr string, pos int64) bool {
	if r == nil {
		return true
	}
	return chr == r.Chr && pos >= r.Start && pos < r.End
}

// SitesIndex is an in-memory (chr, pos) -> Site index over a sites file,
// the apply-side lookup collaborator: "was this position scored, and if
// so what's its goodness bit". UnsetUnknowns semantics are expressed by
// the caller simply checking Lookup's ok value.
type SitesIndex struct {
	byKey map[siteKey]Site
}

type siteKey struct {
	chr string
	pos int64
}

// LoadSitesIndex reads every site from the BGZF sites file at path,
// optionally restricted to region (nil loads the whole file), and builds a
// SitesIndex over it.
func LoadSitesIndex(ctx context.Context, path string, region *Region) (*SitesIndex, error) {
	src, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "evaluator: opening sites file")
	}
	defer src.Close(ctx)

	br, err := bgzf.NewReader(src.Reader(ctx), 1)
	if err != nil {
		return nil, errors.Wrap(err, "evaluator: opening bgzf sites stream")
	}
	defer br.Close()

	idx := &SitesIndex{byKey: make(map[siteKey]Site)}
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		site, err := parseSiteLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluator: sites file %s line %d", path, lineNo)
		}
		if !region.matches(site.Chr, site.Pos) {
			continue
		}
		idx.byKey[siteKey{site.Chr, site.Pos}] = site
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "evaluator: reading sites file")
	}
	return idx, nil
}

// ReadSites streams every Site from the BGZF sites file at path, in file
// order (i.e. unsorted, as SitesWriter wrote them), for a caller that wants
// to feed them through Sort rather than build a SitesIndex.
func ReadSites(ctx context.Context, path string) (next func() (Site, bool, error), closeFn func(), err error) {
	src, err := file.Open(ctx, path)
	if err != nil {
		return nil, func() {}, errors.Wrap(err, "evaluator: opening sites file")
	}
	br, err := bgzf.NewReader(src.Reader(ctx), 1)
	if err != nil {
		src.Close(ctx)
		return nil, func() {}, errors.Wrap(err, "evaluator: opening bgzf sites stream")
	}
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	lineNo := 0
	next = func() (Site, bool, error) {
		for sc.Scan() {
			lineNo++
			line := sc.Text()
			if strings.HasPrefix(line, "#") {
				continue
			}
			site, err := parseSiteLine(line)
			if err != nil {
				return Site{}, false, errors.Wrapf(err, "evaluator: sites file %s line %d", path, lineNo)
			}
			return site, true, nil
		}
		return Site{}, false, sc.Err()
	}
	closeFn = func() {
		br.Close()
		src.Close(ctx)
	}
	return next, closeFn, nil
}

func parseSiteLine(line string) (Site, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 5 {
		return Site{}, errors.Errorf("expected 5 columns, got %d", len(fields))
	}
	score, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Site{}, errors.Wrap(err, "parsing score")
	}
	class, err := strconv.Atoi(fields[1])
	if err != nil {
		return Site{}, errors.Wrap(err, "parsing variant class")
	}
	good, err := strconv.Atoi(fields[2])
	if err != nil {
		return Site{}, errors.Wrap(err, "parsing goodness bit")
	}
	pos, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Site{}, errors.Wrap(err, "parsing position")
	}
	return Site{
		Score: score,
		Class: variant.Class(class),
		Good:  good != 0,
		Chr:   fields[3],
		Pos:   pos,
	}, nil
}

// Lookup returns the Site recorded for (chr, pos), or ok=false if the
// position was never scored (e.g. it fell outside an applied hard filter,
// or is simply absent from the queried region). A caller implementing
// "-u"/UnsetUnknowns applies its own policy on an ok=false result.
func (idx *SitesIndex) Lookup(chr string, pos int64) (Site, bool) {
	s, ok := idx.byKey[siteKey{chr, pos}]
	return s, ok
}

// Len returns the number of indexed sites.
func (idx *SitesIndex) Len() int { return len(idx.byKey) }

// VariantType selects which quality metric formula applies.
type VariantType int

const (
	TypeSNP VariantType = iota
	TypeIndel
)

// QualityRow is one emitted line of the quality table: metric_all,
// nall_read, sensitivity_pct, metric_novel, score.
type QualityRow struct {
	MetricAll    float64
	NAllRead     int64
	Sensitivity  float64
	MetricNovel  float64
	Score        float64
}

// Aggregate reads every site from src (already sorted ascending by score;
// see Sort below), accumulates the running quality metric, and returns
// the emitted quality rows. The header for typ is written separately, by
// WriteQualityTable.
func Aggregate(src func() (Site, bool, error), nall, ngood int64, typ VariantType) ([]QualityRow, error) {
	const metricThreshold = 0.005
	const emitAfterFrac = 0.1

	var nAllRead, nGoodRead int64
	var nclass, nclassNovel [3]int64
	prevMetric := -1.0
	var rows []QualityRow

	for {
		site, ok, err := src()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		nAllRead++
		nclass[site.Class]++
		if site.Good {
			nGoodRead++
		} else if ngood > 0 {
			nclassNovel[site.Class]++
		}

		if nall == 0 || float64(nAllRead)/float64(nall) < emitAfterFrac {
			continue
		}

		metric := qualityMetric(typ, nclass)
		if prevMetric == -1 || math.Abs(prevMetric-metric) > metricThreshold {
			sensitivity := 0.0
			if ngood > 0 {
				sensitivity = 100 * float64(nGoodRead) / float64(ngood)
			}
			rows = append(rows, QualityRow{
				MetricAll:   metric,
				NAllRead:    nAllRead,
				Sensitivity: sensitivity,
				MetricNovel: qualityMetricNovel(typ, nclassNovel),
				Score:       site.Score,
			})
			prevMetric = metric
		}
	}
	return rows, nil
}

func qualityMetric(typ VariantType, nclass [3]int64) float64 {
	if typ == TypeSNP {
		return float64(nclass[1]) / float64(nclass[0])
	}
	return float64(nclass[1]) / float64(nclass[0]+nclass[1])
}

func qualityMetricNovel(typ VariantType, nclassNovel [3]int64) float64 {
	if nclassNovel[0] == 0 {
		return 0
	}
	if typ == TypeSNP {
		return float64(nclassNovel[1]) / float64(nclassNovel[0])
	}
	return float64(nclassNovel[1]) / float64(nclassNovel[0]+nclassNovel[1])
}

// Sort drains every Site from next (a raw, unsorted stream as written by
// SitesWriter) through an internal/extsort.Sorter keyed on Score, and
// returns an iterator over them in ascending score order plus a close
// function the caller must invoke when done.
func Sort(next func() (Site, bool, error), tmpDir string) (sorted func() (Site, bool, error), closeFn func(), err error) {
	s := extsort.NewSorter(tmpDir, 0)
	for {
		site, ok, err := next()
		if err != nil {
			return nil, func() {}, err
		}
		if !ok {
			break
		}
		if err := s.Add(site.Score, encodeSite(site)); err != nil {
			return nil, func() {}, err
		}
	}
	rawNext, rawClose, err := s.Finish()
	if err != nil {
		return nil, func() {}, err
	}
	sorted = func() (Site, bool, error) {
		rec, ok, err := rawNext()
		if err != nil || !ok {
			return Site{}, ok, err
		}
		return decodeSite(rec.Value, rec.Payload), true, nil
	}
	return sorted, rawClose, nil
}

func encodeSite(s Site) []byte {
	good := byte(0)
	if s.Good {
		good = 1
	}
	buf := make([]byte, 0, len(s.Chr)+16)
	buf = append(buf, byte(s.Class), good)
	posBuf := strconv.AppendInt(nil, s.Pos, 10)
	buf = append(buf, byte(len(posBuf)))
	buf = append(buf, posBuf...)
	buf = append(buf, s.Chr...)
	return buf
}

func decodeSite(score float64, payload []byte) Site {
	class := variant.Class(payload[0])
	good := payload[1] != 0
	posLen := int(payload[2])
	pos, _ := strconv.ParseInt(string(payload[3:3+posLen]), 10, 64)
	chr := string(payload[3+posLen:])
	return Site{Score: score, Class: class, Good: good, Chr: chr, Pos: pos}
}

// WriteQualityTable writes the quality table to w: a type-specific
// header, two tool-provenance comment lines, then the aggregated rows.
func WriteQualityTable(w io.Writer, typ VariantType, toolVersion, commandLine string, rows []QualityRow) error {
	bw := bufio.NewWriter(w)
	if typ == TypeSNP {
		fmt.Fprint(bw, "# [1]ts/tv (all)\t[2]nAll\t[3]sensitivity\t[4]ts/tv (novel)\t[5]threshold\n")
	} else {
		fmt.Fprint(bw, "# [1]repeat consistency (all)\t[2]nAll\t[3]sensitivity\t[4]repeat consistency (novel)\t[5]threshold\n")
	}
	fmt.Fprintf(bw, "# vcfsomVersion=%s\n", toolVersion)
	fmt.Fprintf(bw, "# vcfsomCommand=%s\n", commandLine)
	for _, r := range rows {
		fmt.Fprintf(bw, "%.3f\t%d\t%.2f\t%.3f\t%e\n", r.MetricAll, r.NAllRead, r.Sensitivity, r.MetricNovel, r.Score)
	}
	return bw.Flush()
}
