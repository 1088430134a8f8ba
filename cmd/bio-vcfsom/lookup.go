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
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/vcfsom/internal/evaluator"
	"github.com/pkg/errors"
	"v.io/x/lib/cmdline"
)

type lookupFlags struct {
	region        *string
	unsetUnknowns *bool
}

// newCmdLookup is the "apply" side of the pipeline: given a sites file
// produced by "train" and a list of chr:pos queries, report each query's
// recorded score/class/goodness.
func newCmdLookup() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "lookup",
		Short:    "Look up scored sites by position in a sites file produced by \"train\"",
		ArgsName: "sites.gz chr:pos [chr:pos ...]",
	}
	flags := lookupFlags{
		region:        cmd.Flags.String("region", "", "Restrict the loaded index to chr:start-end (1-based, inclusive)"),
		unsetUnknowns: cmd.Flags.Bool("unset-unknowns", false, "Report an absent position as \"unknown\" instead of an error"),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) < 2 {
			return errors.Errorf("lookup takes a sites file and at least one chr:pos query, got %v", argv)
		}
		return runLookup(flags, argv[0], argv[1:])
	})
	return cmd
}

func runLookup(flags lookupFlags, sitesPath string, queries []string) error {
	ctx := context.Background()

	var region *evaluator.Region
	if *flags.region != "" {
		chr, start, end, err := parseRegion(*flags.region)
		if err != nil {
			return err
		}
		// Site positions are 1-based; shifting parseRegion's 0-based,
		// half-open bounds by one keeps exactly the 1-based inclusive region.
		region = &evaluator.Region{Chr: chr, Start: start + 1, End: end + 1}
	}

	idx, err := evaluator.LoadSitesIndex(ctx, sitesPath, region)
	if err != nil {
		return errors.Wrap(err, "loading sites index")
	}

	for _, q := range queries {
		chr, pos, err := parsePosition(q)
		if err != nil {
			return err
		}
		site, ok := idx.Lookup(chr, pos)
		if !ok {
			if *flags.unsetUnknowns {
				fmt.Printf("%s\t%d\tunknown\n", chr, pos)
				continue
			}
			return errors.Errorf("lookup: %s:%d is not in %s", chr, pos, sitesPath)
		}
		good := 0
		if site.Good {
			good = 1
		}
		fmt.Printf("%s\t%d\t%e\t%d\t%d\n", chr, pos, site.Score, int(site.Class), good)
	}
	return nil
}

func parsePosition(s string) (chr string, pos int64, err error) {
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return "", 0, errors.Errorf("query %q: expected chr:pos", s)
	}
	chr = s[:colon]
	pos, err = strconv.ParseInt(s[colon+1:], 10, 64)
	if err != nil {
		return "", 0, errors.Wrapf(err, "query %q: parsing position", s)
	}
	return chr, pos, nil
}
