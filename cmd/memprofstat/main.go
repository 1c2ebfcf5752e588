//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command memprofstat prints a live-byte summary of a memprof snapshot file:
// one total line, then the largest live allocations (10 by default, set with
// -n). It is build glue, not part of the profiler's core (spec §1
// lists "CLI test harnesses and build glue" as out of scope), kept thin on
// purpose.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/pprof/profile"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("memprofstat", flag.ContinueOnError)
	top := fs.IntP("top", "n", 10, "number of largest samples to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: memprofstat [-n top] <profile.pprof.pb>")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("opening profile: %w", err)
	}
	defer f.Close()

	prof, err := profile.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing profile: %w", err)
	}

	printSummary(os.Stdout, prof, *top)
	return nil
}

type block struct {
	ptr  string
	size int64
}

func printSummary(w io.Writer, prof *profile.Profile, top int) {
	var total int64
	blocks := make([]block, 0, len(prof.Sample))

	for _, s := range prof.Sample {
		var size int64
		if len(s.Value) > 0 {
			size = s.Value[0]
		}
		total += size
		ptr := ""
		if v := s.Label["block"]; len(v) > 0 {
			ptr = v[0]
		}
		blocks = append(blocks, block{ptr: ptr, size: size})
	}

	fmt.Fprintf(w, "%d live allocations, %d bytes total\n", len(prof.Sample), total)

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].size > blocks[j].size })
	if top > len(blocks) {
		top = len(blocks)
	}
	for _, b := range blocks[:top] {
		fmt.Fprintf(w, "  %-20s %d bytes\n", b.ptr, b.size)
	}
}
