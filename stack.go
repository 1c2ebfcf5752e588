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
	"runtime"
	"sync/atomic"
)

// framesToSkip hides the profiler's own frames from a capture taken on a
// Go-managed stack. Counting depth from runtime.Callers itself (depth 0):
// 1=capture, 2=registry.register, 3=track, 4=Track — so 5 lands on the real
// call site. It is a fixed depth because that path never changes shape, per
// spec §4.3.
//
// This only applies to capture/resolve below, i.e. to allocations made from
// Go code that calls Track directly. It does not apply to allocations made
// from the host C program and observed through cmd/memprof-preload:
// runtime.Callers cannot walk past the cgo boundary into the caller's native
// stack at all (it stops dead at the transition), so that path captures and
// resolves frames through the NativeCapturer/NativeResolver hooks below
// instead — see their doc comments.
const framesToSkip = 5

// Symbol is resolved metadata for one captured frame. Zero values mean
// "unavailable", matching spec §3 and the best-effort contract of spec §7.
type Symbol struct {
	Name    string
	Address uintptr
	File    string
	Line    int
	Col     int
}

// capture walks the calling goroutine's stack and returns up to maxFrames
// instruction addresses, innermost first. Must be called while holding the
// backtrace lock (spec §4.2, §4.3). It only sees Go-managed frames.
//
// capture does not resolve symbols: resolution is deferred to snapshot time
// so the hot allocation path stays to a single runtime.Callers call (spec
// §9, "symbolicate at snapshot vs at capture").
func capture(maxFrames int) []uintptr {
	if maxFrames <= 0 {
		return nil
	}
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(framesToSkip, pcs)
	return pcs[:n]
}

// NativeCapturer walks a native (non-Go) call stack and returns up to
// maxFrames instruction addresses, innermost first — the platform-specific
// stack-unwinding collaborator spec.md §0 lists as an out-of-scope external
// dependency. Go's own runtime.Callers cannot do this job: it cannot see
// past the boundary where a C caller entered a cgo-exported function, so it
// would otherwise report the same handful of internal memprof/cgo frames
// for every allocation regardless of where in the host program it happened.
// cmd/memprof-preload supplies one, backed by libc's backtrace().
type NativeCapturer func(maxFrames int) []uintptr

// NativeResolver symbolizes a single address captured by a NativeCapturer.
// cmd/memprof-preload supplies one, backed by dladdr(), which resolves the
// nearest preceding exported symbol and its containing object file but not
// a source file/line — a degraded-but-still-useful resolution spec §3/§7
// already allow for frames the profiler cannot fully resolve.
type NativeResolver func(pc uintptr) (name, file string, line int)

var nativeCapturer atomic.Pointer[NativeCapturer]
var nativeResolver atomic.Pointer[NativeResolver]

// SetNativeCapturer installs the capturer TrackNative uses in place of the
// Go-only capture; its frames are still symbolized by resolve, which falls
// back to the NativeResolver. It must be called once, before the
// first TrackNative call — cmd/memprof-preload does this from its
// ensureResolved.
func SetNativeCapturer(c NativeCapturer) {
	nativeCapturer.Store(&c)
}

// SetNativeResolver installs the resolver used for frames captured by a
// NativeCapturer. It must be called once, before the first Snapshot.
func SetNativeResolver(r NativeResolver) {
	nativeResolver.Store(&r)
}

// resolve converts captured frame addresses into Symbols. Must be called
// while holding the backtrace lock. Duplicate addresses yield duplicate
// Symbols here; interning them into a single function/location happens in
// the pprof encoder (C5), not here (spec §4.3).
//
// An address runtime.CallersFrames cannot name (an empty Function) is
// either a frame from a native stack captured by a NativeCapturer, or a Go
// address it simply has no information for; either way it is handed to the
// registered NativeResolver, if any, rather than left unresolved.
func resolve(frames []uintptr) []Symbol {
	if len(frames) == 0 {
		return nil
	}
	symbols := make([]Symbol, 0, len(frames))
	// runtime.CallersFrames can expand one pc into several inlined frames,
	// but feeding it one pc at a time below yields exactly one Symbol per
	// input address, preserving the 1:1 contract spec §4.3 wants (and that
	// C5 relies on when walking a sample's frame list in lockstep with its
	// location list).
	for _, pc := range frames {
		fs := runtime.CallersFrames([]uintptr{pc})
		frame, _ := fs.Next()
		sym := Symbol{
			Name:    frame.Function,
			Address: pc,
			File:    frame.File,
			Line:    frame.Line,
			// Column information is not exposed by the Go runtime's
			// symbolizer; left at its zero value per spec §3/§7.
		}
		if sym.Name == "" {
			if r := nativeResolver.Load(); r != nil {
				sym.Name, sym.File, sym.Line = (*r)(pc)
			}
		}
		symbols = append(symbols, sym)
	}
	return symbols
}
