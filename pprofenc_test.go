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
	"bytes"
	"testing"

	"github.com/google/pprof/profile"
)

// recordAt captures a real, resolvable stack so the encoder has genuine
// symbols to intern, rather than a synthetic placeholder.
func recordAt(size uintptr) allocationRecord {
	return allocationRecord{size: size, frames: capture(10)}
}

func TestEncoderInternsRepeatedAddressOnce(t *testing.T) {
	enc := newPprofEncoder()
	rec := recordAt(8)

	enc.addSample(0x1, rec)
	enc.addSample(0x2, rec) // same call site, same frames -> same address

	if len(enc.functions) != len(enc.locations) {
		t.Fatalf("expected one location per function, got %d functions and %d locations", len(enc.functions), len(enc.locations))
	}
	wantFns := len(rec.frames)
	if len(enc.functions) != wantFns {
		t.Fatalf("expected frames to be interned exactly once across both samples, got %d functions for %d frames", len(enc.functions), wantFns)
	}
}

func TestEncoderFunctionIDsAreMonotonicAndMatchLocationIDs(t *testing.T) {
	enc := newPprofEncoder()
	enc.addSample(0x1, recordAt(8))
	enc.addSample(0x2, recordAt(16))

	for i, fn := range enc.functions {
		if fn.ID != uint64(i+1) {
			t.Fatalf("function %d: expected id %d, got %d", i, i+1, fn.ID)
		}
	}
	for _, loc := range enc.locations {
		if len(loc.Line) != 1 {
			t.Fatalf("expected exactly one line per location, got %d", len(loc.Line))
		}
		if loc.ID != loc.Line[0].Function.ID {
			t.Fatalf("location.id %d does not match its function.id %d", loc.ID, loc.Line[0].Function.ID)
		}
	}
}

func TestEncoderBuildSortsSamplesByBlockLabel(t *testing.T) {
	enc := newPprofEncoder()
	enc.addSample(0x300, recordAt(1))
	enc.addSample(0x100, recordAt(1))
	enc.addSample(0x200, recordAt(1))

	prof := enc.build()
	var prev string
	for _, s := range prof.Sample {
		got := s.Label["block"][0]
		if prev != "" && got < prev {
			t.Fatalf("samples not sorted: %q came after %q", got, prev)
		}
		prev = got
	}
}

func TestSnapshotRoundTripsThroughPprofWrite(t *testing.T) {
	r := newRegistry(10)
	r.register(0x1, 64, capture)
	r.register(0x2, 128, capture)

	prof := r.snapshot()

	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		t.Fatalf("writing profile: %v", err)
	}

	parsed, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("parsing written profile: %v", err)
	}

	if len(parsed.Sample) != len(prof.Sample) {
		t.Fatalf("round-tripped sample count mismatch: got %d, want %d", len(parsed.Sample), len(prof.Sample))
	}

	var total int64
	for _, s := range parsed.Sample {
		total += s.Value[0]
	}
	if total != 192 {
		t.Fatalf("round-tripped total mismatch: got %d, want 192", total)
	}
}

func TestEmptyProfileHasNoSamples(t *testing.T) {
	prof := emptyProfile()
	if len(prof.Sample) != 0 || len(prof.Function) != 0 || len(prof.Location) != 0 {
		t.Fatalf("expected a fully empty profile, got %+v", prof)
	}
	var buf bytes.Buffer
	if err := prof.Write(&buf); err != nil {
		t.Fatalf("writing empty profile: %v", err)
	}
	if _, err := profile.Parse(&buf); err != nil {
		t.Fatalf("parsing empty profile: %v", err)
	}
}
