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

// Package memprof installs itself as the process's off-heap memory
// allocator and records every live allocation together with the call stack
// that produced it, so that a snapshot can be emitted in the Google pprof
// protobuf format for offline analysis.
//
// Go's own garbage-collected heap cannot be interposed on this way (there
// is no equivalent of Rust's #[global_allocator] for mallocgc); memprof
// instead targets the off-heap memory a cgo/FFI-heavy program manages
// itself, by becoming the process's malloc/calloc/realloc/free via the
// preload shim in cmd/memprof-preload. See SPEC_FULL.md for the full
// framing.
package memprof

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Install configures the profiler's maximum call-stack depth. It must be
// called once, before any allocation the caller wants tracked, typically at
// the very start of main. maxFrames is clamped to be non-negative; zero
// disables stack capture but still tracks allocation sizes (spec §8,
// "max_frames == 0 produces samples with empty location lists").
//
// Install does not itself construct the registry: construction stays lazy,
// on the first observed allocation, per spec §3's lifecycle rule.
func Install(maxFrames int) {
	if maxFrames < 0 {
		maxFrames = 0
	}
	maxFramesConfigured.Store(int32(maxFrames))
}

// Track registers a live allocation made from Go code, capturing its stack
// with runtime.Callers. Track is a no-op if ptr is the null pointer (spec §9
// "Open questions", OOM) or if the calling thread is already inside the
// profiler (spec C1).
//
// Track is not what cmd/memprof-preload calls: runtime.Callers cannot see
// past the cgo boundary into the host C program's own stack, so allocations
// observed there go through TrackNative instead.
func Track(ptr uintptr, size uintptr) {
	track(ptr, size, capture)
}

// TrackNative registers a live allocation observed across the cgo boundary
// (cmd/memprof-preload's malloc/calloc/realloc hooks), capturing its native
// call stack through the NativeCapturer installed with SetNativeCapturer.
// It is a no-op if no NativeCapturer has been installed.
func TrackNative(ptr uintptr, size uintptr) {
	c := nativeCapturer.Load()
	if c == nil {
		return
	}
	track(ptr, size, *c)
}

func track(ptr uintptr, size uintptr, capturer func(int) []uintptr) {
	if ptr == 0 {
		return
	}
	g := acquire()
	defer g.release()
	if !g.outermost() {
		return
	}
	r := getRegistry()
	if r == nil {
		return
	}
	r.register(ptr, size, capturer)
}

// Untrack removes a live allocation. It is the entry point the allocator
// hook calls before calling through to the real free/realloc, per spec §9's
// "unregister before dealloc" decision. Like Track, it is a no-op for the
// null pointer, under reentrancy, or once the registry has permanently
// failed to initialize.
func Untrack(ptr uintptr) {
	if ptr == 0 {
		return
	}
	g := acquire()
	defer g.release()
	if !g.outermost() {
		return
	}
	r := getRegistry()
	if r == nil {
		return
	}
	r.unregister(ptr)
}

// Snapshot captures the current live set and writes it as a pprof protobuf
// file to the current working directory, named
// "memory.<timestamp>.pprof.pb" (spec §6). It is safe to call from any
// goroutine at any point after Install, but not from within a signal
// handler (spec §6, §9).
//
// Snapshot constructs the registry if no allocation has been tracked yet,
// in which case the profile has no samples. If the registry has permanently
// failed to initialize, Snapshot writes an empty profile.
func Snapshot() error {
	r := getRegistry()
	var prof = emptyProfile()
	if r != nil {
		prof = r.snapshot()
	}

	path := snapshotPath(time.Now())
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("memprof: creating snapshot file: %w", err)
	}
	defer f.Close()

	if err := prof.Write(f); err != nil {
		return fmt.Errorf("memprof: writing snapshot: %w", err)
	}
	return nil
}

var timestampReplacer = strings.NewReplacer(
	":", "_",
	"-", "_",
	" ", "_",
	"+", "_",
)

func snapshotPath(t time.Time) string {
	ts := timestampReplacer.Replace(t.Format(time.RFC3339Nano))
	return fmt.Sprintf("memory.%s.pprof.pb", ts)
}
