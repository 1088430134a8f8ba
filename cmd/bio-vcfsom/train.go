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
	"context"
	"math/rand"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vcfsom/encoding/fasta"
	"github.com/grailbio/vcfsom/internal/annot"
	"github.com/grailbio/vcfsom/internal/annottable"
	"github.com/grailbio/vcfsom/internal/buildinfo"
	"github.com/grailbio/vcfsom/internal/dist"
	"github.com/grailbio/vcfsom/internal/evaluator"
	"github.com/grailbio/vcfsom/internal/filterexpr"
	"github.com/grailbio/vcfsom/internal/indelctx"
	"github.com/grailbio/vcfsom/internal/som"
	"github.com/grailbio/vcfsom/internal/trainer"
	"github.com/grailbio/vcfsom/internal/variant"
	"github.com/pkg/errors"
	"v.io/x/lib/cmdline"
)

type trainFlags struct {
	annots         *string
	outputPrefix   *string
	mapParams      *string
	fixedFilter    *string
	fastaRef       *string
	variantType    *string
	ntrainSites    *string
	learningFilter *string
	randomSeed     *int64
	goodMask       *string
	tmpDir         *string
}

func newCmdTrain() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "train",
		Short:    "Train a SOM over an annotation table and score every site",
		ArgsName: "path",
	}
	flags := trainFlags{
		annots:         cmd.Flags.String("annots", "", "Comma-separated list of annotations to model; empty means every non-fixed column"),
		outputPrefix:   cmd.Flags.String("output-prefix", "bio-vcfsom", "Output path prefix for the .dists, .grid, .sites.gz and .quality.tsv artifacts"),
		mapParams:      cmd.Flags.String("map-params", "", "nbin,learn,th,nsom (default 20,0.1,0.2,1)"),
		fixedFilter:    cmd.Flags.String("fixed-filter", "", "Hard filter expression (raw units) applied to every row before training or scoring"),
		fastaRef:       cmd.Flags.String("fasta-ref", "", "Reference FASTA path, required when -type=INDEL"),
		variantType:    cmd.Flags.String("type", "SNP", "SNP or INDEL"),
		ntrainSites:    cmd.Flags.String("ntrain-sites", "0,0", "nt,learn_frac: total training vectors and fraction drawn from -learning-filters sites (a value >1 is a percent)"),
		learningFilter: cmd.Flags.String("learning-filters", "", "Filter expression (scaled units) selecting non-good rows eligible for the learn reservoir"),
		randomSeed:     cmd.Flags.Int64("random-seed", 1, "PRNG seed; 0 selects a time-based seed"),
		goodMask:       cmd.Flags.String("good-mask", "010", "MASK bit positions (0-indexed, left to right) that mark a row as a good training example"),
		tmpDir:         cmd.Flags.String("temp-dir", "", "Scratch directory for external sorts (default os.TempDir())"),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return errors.Errorf("train takes one annotation table path, got %v", argv)
		}
		return runTrain(flags, argv[0])
	})
	return cmd
}

func runTrain(flags trainFlags, tablePath string) error {
	ctx := context.Background()

	mp, err := parseMapParams(*flags.mapParams)
	if err != nil {
		return err
	}
	ts, err := parseTrainSites(*flags.ntrainSites)
	if err != nil {
		return err
	}
	vt, err := parseVariantType(*flags.variantType)
	if err != nil {
		return err
	}
	if vt == typeIndel && *flags.fastaRef == "" {
		return errors.New("-type INDEL requires -fasta-ref")
	}
	gm := annottable.GoodMask(*flags.goodMask)
	annots := parseAnnots(*flags.annots)

	seed := *flags.randomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	// A filter expression may name an annotation outside the requested
	// model, silently extending it. That extension has to land
	// before the distributions are built, or the newly-added column would
	// have no Dist to scale through in the later passes. So the model's
	// final column set is discovered first, from a throwaway table built
	// only to run both filter expressions' Extend side effects, and that
	// concrete list is what every later pass requests explicitly.
	modelAnnots, err := discoverModelAnnots(ctx, tablePath, annots, *flags.fixedFilter, *flags.learningFilter)
	if err != nil {
		return err
	}

	// Pass 1: build the distribution store from the raw, unscaled table.
	log.Info.Printf("bio-vcfsom: building annotation distributions from %s", tablePath)
	store, table, err := buildDists(ctx, tablePath, modelAnnots, gm, *flags.tmpDir)
	if err != nil {
		return errors.Wrap(err, "building distributions")
	}
	if err := writeDists(ctx, *flags.outputPrefix+".dists", store); err != nil {
		return err
	}

	fixedExpr, err := filterexpr.Parse(*flags.fixedFilter, table, nil)
	if err != nil {
		return errors.Wrap(err, "parsing -fixed-filter")
	}
	scaler := func(modelIndex int, raw float64) float64 { return store.ByIndex(modelIndex).Scale(raw) }
	learnExpr, err := filterexpr.Parse(*flags.learningFilter, table, scaler)
	if err != nil {
		return errors.Wrap(err, "parsing -learning-filters")
	}

	// Pass 2: train the grid on a reservoir drawn from a second, scaled
	// pass through the table.
	log.Info.Printf("bio-vcfsom: training a %dx%d grid (nsom=%d) over %d annotations", mp.nbin, mp.nbin, mp.nsom, table.NModel())
	grid := som.New(mp.nbin, mp.nsom, table.NModel(), mp.learn, mp.th, ts.nt, rng)
	result, err := trainSOM(ctx, tablePath, modelAnnots, store, gm, fixedExpr, learnExpr, ts, grid, rng)
	if err != nil {
		return errors.Wrap(err, "training grid")
	}
	log.Info.Printf("bio-vcfsom: selected %d training vectors: %d from good sites, %d from -learning-filters sites",
		result.NTotalTrained, result.NFixedFilled, result.NLearnFilled)
	if err := saveGrid(ctx, *flags.outputPrefix+".grid", grid); err != nil {
		return err
	}

	// Pass 3: score every row and stream (score, class, goodness, chr, pos)
	// tuples to the sites file.
	var classifier *indelctx.Classifier
	if vt == typeIndel {
		ref, err := openFasta(ctx, *flags.fastaRef)
		if err != nil {
			return err
		}
		classifier = indelctx.New(ref)
	}
	sitesPath := *flags.outputPrefix + ".sites.gz"
	nAll, nGood, err := scoreSites(ctx, tablePath, modelAnnots, store, gm, fixedExpr, grid, vt, classifier, sitesPath)
	if err != nil {
		return errors.Wrap(err, "scoring sites")
	}
	log.Info.Printf("bio-vcfsom: scored %d sites (%d good)", nAll, nGood)

	// Evaluator: external-sort the sites file by score and aggregate the
	// quality table.
	rawNext, rawClose, err := evaluator.ReadSites(ctx, sitesPath)
	if err != nil {
		return err
	}
	defer rawClose()
	sortedNext, sortedClose, err := evaluator.Sort(rawNext, *flags.tmpDir)
	if err != nil {
		return errors.Wrap(err, "sorting sites by score")
	}
	defer sortedClose()

	evalType := evaluator.TypeSNP
	if vt == typeIndel {
		evalType = evaluator.TypeIndel
	}
	rows, err := evaluator.Aggregate(sortedNext, nAll, nGood, evalType)
	if err != nil {
		return errors.Wrap(err, "aggregating quality table")
	}
	return writeQualityTable(ctx, *flags.outputPrefix+".quality.tsv", evalType, rows)
}

// openTable opens tablePath and builds an annottable.Reader over it. dists
// is nil (and scale forced false) for the distribution-building pass.
func openTable(ctx context.Context, tablePath string, annots []string, dists *dist.Store, scale bool) (*annottable.Reader, func(), error) {
	src, err := file.Open(ctx, tablePath)
	if err != nil {
		return nil, func() {}, errors.Wrap(err, "opening annotation table")
	}
	r, err := annottable.Open(src.Reader(ctx), annots, dists, scale)
	if err != nil {
		src.Close(ctx)
		return nil, func() {}, errors.Wrap(err, "parsing annotation table header")
	}
	return r, func() { src.Close(ctx) }, nil
}

// discoverModelAnnots opens tablePath just far enough to read its header,
// runs both filter expressions against the resulting table purely for
// their Extend side effect, and returns the final, concrete column list
// every later pass should request so all three passes agree on the same
// ModelIndex assignment.
func discoverModelAnnots(ctx context.Context, tablePath string, annots []string, fixedFilter, learningFilter string) ([]string, error) {
	r, closeFn, err := openTable(ctx, tablePath, annots, nil, false)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	table := r.Table()
	if _, err := filterexpr.Parse(fixedFilter, table, nil); err != nil {
		return nil, errors.Wrap(err, "parsing -fixed-filter")
	}
	if _, err := filterexpr.Parse(learningFilter, table, nil); err != nil {
		return nil, errors.Wrap(err, "parsing -learning-filters")
	}
	return table.ModelNames, nil
}

func buildDists(ctx context.Context, tablePath string, annots []string, gm annottable.GoodMask, tmpDir string) (*dist.Store, *annot.Table, error) {
	r, closeFn, err := openTable(ctx, tablePath, annots, nil, false)
	if err != nil {
		return nil, nil, err
	}
	defer closeFn()

	table := r.Table()
	b := dist.NewBuilder(table, loPctl, hiPctl, tmpDir)
	for {
		row, err := r.Next()
		if err != nil {
			return nil, nil, err
		}
		if row == nil {
			break
		}
		if err := b.Observe(row.Vals, row.Missing, gm.IsGood(row.Mask)); err != nil {
			return nil, nil, err
		}
	}
	store, err := b.Finish()
	if err != nil {
		return nil, nil, err
	}
	return store, table, nil
}

func writeDists(ctx context.Context, path string, store *dist.Store) error {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrap(err, "creating distributions file")
	}
	if err := dist.Persist(dst.Writer(ctx), store); err != nil {
		dst.Close(ctx)
		return errors.Wrap(err, "writing distributions file")
	}
	return errors.Wrap(dst.Close(ctx), "closing distributions file")
}

func saveGrid(ctx context.Context, path string, grid *som.Grid) error {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrap(err, "creating grid file")
	}
	if err := grid.Save(dst.Writer(ctx)); err != nil {
		dst.Close(ctx)
		return errors.Wrap(err, "writing grid file")
	}
	return errors.Wrap(dst.Close(ctx), "closing grid file")
}

func trainSOM(
	ctx context.Context,
	tablePath string,
	annots []string,
	store *dist.Store,
	gm annottable.GoodMask,
	fixedExpr *filterexpr.Expr,
	learnExpr *filterexpr.Expr,
	ts trainSites,
	grid *som.Grid,
	rng *rand.Rand,
) (*trainer.Result, error) {
	r, closeFn, err := openTable(ctx, tablePath, annots, store, true)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	next := func() (*annottable.Row, error) {
		for {
			row, err := r.Next()
			if err != nil || row == nil {
				return row, err
			}
			if row.NSet != len(row.Vals) {
				continue
			}
			if fixedExpr != nil && fixedExpr.NPredicates() > 0 && !fixedExpr.Passes(row.RawVals) {
				continue
			}
			return row, nil
		}
	}
	return trainer.Train(next, gm, learnExpr, ts.nt, ts.learnFrac, grid, rng)
}

func scoreSites(
	ctx context.Context,
	tablePath string,
	annots []string,
	store *dist.Store,
	gm annottable.GoodMask,
	fixedExpr *filterexpr.Expr,
	grid *som.Grid,
	vt variantType,
	classifier *indelctx.Classifier,
	sitesPath string,
) (nAll, nGood int64, err error) {
	r, closeTable, err := openTable(ctx, tablePath, annots, store, true)
	if err != nil {
		return 0, 0, err
	}
	defer closeTable()

	w, err := evaluator.NewSitesWriter(ctx, sitesPath, 1)
	if err != nil {
		return 0, 0, err
	}
	defer w.Close(ctx)

	for {
		row, err := r.Next()
		if err != nil {
			return nAll, nGood, err
		}
		if row == nil {
			break
		}
		if row.NSet != len(row.Vals) {
			continue
		}
		if fixedExpr != nil && fixedExpr.NPredicates() > 0 && !fixedExpr.Passes(row.RawVals) {
			continue
		}

		class, skip, err := classify(vt, classifier, row)
		if err != nil {
			log.Error.Printf("bio-vcfsom: %s:%d: %v", row.Chr, row.Pos, err)
			continue
		}
		if skip {
			continue
		}

		score := grid.Score(row.Vals)
		good := gm.IsGood(row.Mask)
		nAll++
		if good {
			nGood++
		}
		if err := w.Write(evaluator.Site{Score: score, Class: class, Good: good, Chr: row.Chr, Pos: row.Pos}); err != nil {
			return nAll, nGood, err
		}
	}
	return nAll, nGood, nil
}

func classify(vt variantType, classifier *indelctx.Classifier, row *annottable.Row) (variant.Class, bool, error) {
	if vt == typeSNP {
		if len(row.Ref) != 1 || len(row.Alt) != 1 {
			return 0, true, nil
		}
		class, err := variant.ClassifySNPChecked(row.Ref[0], row.Alt[0])
		if err != nil {
			return 0, false, err
		}
		return class, false, nil
	}
	class, _, err := classifier.Classify(row.Chr, row.Pos, row.Ref, row.Alt)
	if err != nil {
		return 0, false, err
	}
	return class, false, nil
}

func openFasta(ctx context.Context, path string) (fasta.Fasta, error) {
	src, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "opening -fasta-ref")
	}
	defer src.Close(ctx)
	ref, err := fasta.New(src.Reader(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "parsing -fasta-ref")
	}
	return ref, nil
}

func writeQualityTable(ctx context.Context, path string, typ evaluator.VariantType, rows []evaluator.QualityRow) error {
	dst, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrap(err, "creating quality table")
	}
	if err := evaluator.WriteQualityTable(dst.Writer(ctx), typ, buildinfo.Version(), buildinfo.CommandLine(), rows); err != nil {
		dst.Close(ctx)
		return errors.Wrap(err, "writing quality table")
	}
	return errors.Wrap(dst.Close(ctx), "closing quality table")
}
