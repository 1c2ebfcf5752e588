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

package memprof

import (
	"fmt"

	"github.com/google/pprof/profile"
	"golang.org/x/exp/slices"
)

// snapshot produces a pprof Profile from a consistent view of the registry
// (spec §4.4, §4.5, §5). It takes the backtrace lock first, to block any
// concurrent register() from starting a new capture, and then the
// registry's own lock, to get a stable view of records that no concurrent
// unregister() can mutate underneath it.
func (r *registry) snapshot() *profile.Profile {
	token := lockBacktrace()
	defer token.release()

	r.mu.RLock()
	ptrs := make([]uintptr, 0, len(r.records))
	recs := make([]allocationRecord, 0, len(r.records))
	for ptr, rec := range r.records {
		ptrs = append(ptrs, ptr)
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	enc := newPprofEncoder()
	for i, ptr := range ptrs {
		enc.addSample(ptr, recs[i])
	}
	return enc.build()
}

// pprofEncoder interns functions and locations by instruction address while
// it walks the registry's records, implementing spec §4.5's interning
// invariants: function ids are 1-based and monotonic, location.id ==
// function.id, and a repeated address is first-write-wins.
type pprofEncoder struct {
	locByAddr map[uintptr]*profile.Location
	functions []*profile.Function
	locations []*profile.Location
	samples   []*profile.Sample
}

func newPprofEncoder() *pprofEncoder {
	return &pprofEncoder{
		locByAddr: make(map[uintptr]*profile.Location),
	}
}

// addSample resolves rec's frames and appends one Sample, creating fresh
// Function/Location entries for any address not seen before (spec §4.5
// steps 1-3).
func (e *pprofEncoder) addSample(ptr uintptr, rec allocationRecord) {
	symbols := resolve(rec.frames)

	locs := make([]*profile.Location, 0, len(symbols))
	for _, sym := range symbols {
		// A symbol-less frame carries no information and is dropped
		// rather than synthesized as a placeholder (spec §4.5 "Tie-breaks").
		if sym.Name == "" {
			continue
		}

		loc, ok := e.locByAddr[sym.Address]
		if !ok {
			id := uint64(len(e.functions)) + 1 // 0 reserved by pprof

			fn := &profile.Function{
				ID: id,
				// Name is intentionally left unset: spec §4.5/§6 only
				// populate system_name (plus filename/start_line/id),
				// matching the reference implementation's Function
				// encoding (report.rs leaves the display-name field 0).
				SystemName: sym.Name,
				Filename:   sym.File,
				StartLine:  int64(sym.Line),
			}
			e.functions = append(e.functions, fn)

			loc = &profile.Location{
				ID:      id, // location.id == function.id, spec §4.5
				Address: uint64(sym.Address),
				Line: []profile.Line{{
					Function: fn,
					Line:     int64(sym.Line),
				}},
			}
			e.locByAddr[sym.Address] = loc
			e.locations = append(e.locations, loc)
		}

		locs = append(locs, loc)
	}

	e.samples = append(e.samples, &profile.Sample{
		Value:    []int64{int64(rec.size)},
		Location: locs,
		Label: map[string][]string{
			"block": {fmt.Sprintf("0x%x", ptr)},
		},
	})
}

// emptyProfile is written by Snapshot when the registry has permanently
// failed to initialize: a valid, empty pprof profile rather than an error,
// consistent with the best-effort contract of spec §7.
func emptyProfile() *profile.Profile {
	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "space", Unit: "bytes"}},
	}
}

func (e *pprofEncoder) build() *profile.Profile {
	// Sort samples by their "block" label for deterministic encoding, which
	// makes fixture-based tests reproducible without depending on Go map
	// iteration order (matching the teacher's use of golang.org/x/exp/slices
	// in wzprof.go).
	slices.SortFunc(e.samples, func(a, b *profile.Sample) bool {
		return a.Label["block"][0] < b.Label["block"][0]
	})

	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "space", Unit: "bytes"}},
		Sample:     e.samples,
		Function:   e.functions,
		Location:   e.locations,
	}
}
