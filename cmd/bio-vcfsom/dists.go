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

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/vcfsom/internal/annottable"
	"github.com/pkg/errors"
	"v.io/x/lib/cmdline"
)

type distsFlags struct {
	annots       *string
	outputPrefix *string
	goodMask     *string
	tmpDir       *string
}

// newCmdDists builds and persists a DistStore only, for inspecting a
// table's per-annotation distribution without training a grid. It does
// not load a previously persisted distribution file.
func newCmdDists() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "dists",
		Short:    "Compute and persist per-annotation distributions for an annotation table",
		ArgsName: "path",
	}
	flags := distsFlags{
		annots:       cmd.Flags.String("annots", "", "Comma-separated list of annotations to model; empty means every non-fixed column"),
		outputPrefix: cmd.Flags.String("output-prefix", "bio-vcfsom", "Output path prefix for the .dists artifact"),
		goodMask:     cmd.Flags.String("good-mask", "010", "MASK bit positions (0-indexed, left to right) that mark a row as a good training example"),
		tmpDir:       cmd.Flags.String("temp-dir", "", "Scratch directory for the external percentile sort (default os.TempDir())"),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return errors.Errorf("dists takes one annotation table path, got %v", argv)
		}
		return runDists(flags, argv[0])
	})
	return cmd
}

func runDists(flags distsFlags, tablePath string) error {
	ctx := context.Background()
	gm := annottable.GoodMask(*flags.goodMask)
	annots := parseAnnots(*flags.annots)

	store, _, err := buildDists(ctx, tablePath, annots, gm, *flags.tmpDir)
	if err != nil {
		return errors.Wrap(err, "building distributions")
	}
	path := *flags.outputPrefix + ".dists"
	if err := writeDists(ctx, path, store); err != nil {
		return err
	}
	log.Info.Printf("bio-vcfsom: wrote %d annotation distributions to %s", len(store.Dists), path)
	return nil
}
