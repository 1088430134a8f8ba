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

// bio-vcfsom trains a self-organizing map over a tab-delimited variant
// annotation table and scores sites against it.
//
// Usage: bio-vcfsom {train,dists,lookup} [OPTIONS] path
package main

import (
	"github.com/grailbio/base/log"
	"v.io/x/lib/cmdline"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:  "bio-vcfsom",
		Short: "Train and apply a self-organizing-map variant filter",
		Long: `bio-vcfsom learns a model of "good" variants from a tab-delimited
annotation table using a self-organizing map, then scores sites against
that model.`,
		Children: []*cmdline.Command{
			newCmdTrain(),
			newCmdDists(),
			newCmdLookup(),
		},
	})
}
