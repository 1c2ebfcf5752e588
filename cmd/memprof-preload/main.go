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

// Command memprof-preload builds to a C shared library
// (-buildmode=c-shared) exporting malloc/calloc/realloc/free, suitable for
// LD_PRELOAD. It is the allocator-interposition half of memprof: the part
// of spec.md's §6 "Installation surface" that actually makes memprof the
// process-wide allocator, as opposed to the pure-Go bookkeeping in the
// memprof package above, which has no platform dependency and is usable
// (and testable) without cgo.
//
// Build and use:
//
//	go build -buildmode=c-shared -o memprof-preload.so ./cmd/memprof-preload
//	LD_PRELOAD=./memprof-preload.so MEMPROF_MAX_FRAMES=20 ./your-program
package main

/*
#cgo LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <execinfo.h>
#include <stddef.h>
#include <stdint.h>

static void *(*real_malloc)(size_t) = NULL;
static void  (*real_free)(void *)   = NULL;
static void *(*real_calloc)(size_t, size_t) = NULL;
static void *(*real_realloc)(void *, size_t) = NULL;

static void resolve_real_allocator(void) {
	// RTLD_NEXT finds the next "malloc" in the dynamic symbol search
	// order after this shim, i.e. the libc the process would otherwise
	// have used. This is the classic LD_PRELOAD allocator-interposition
	// technique; memprof does not implement its own allocator, it only
	// wraps the real one (spec §1's "external collaborator").
	real_malloc  = (void *(*)(size_t))dlsym(RTLD_NEXT, "malloc");
	real_free    = (void (*)(void *))dlsym(RTLD_NEXT, "free");
	real_calloc  = (void *(*)(size_t, size_t))dlsym(RTLD_NEXT, "calloc");
	real_realloc = (void *(*)(void *, size_t))dlsym(RTLD_NEXT, "realloc");
}

static void *call_real_malloc(size_t size) {
	return real_malloc(size);
}

static void call_real_free(void *ptr) {
	real_free(ptr);
}

static void *call_real_calloc(size_t nmemb, size_t size) {
	return real_calloc(nmemb, size);
}

static void *call_real_realloc(void *ptr, size_t size) {
	return real_realloc(ptr, size);
}

#define MEMPROF_MAX_NATIVE_FRAMES 64

// memprof_backtrace walks the calling thread's *native* stack with libc's
// backtrace(), the platform-specific unwinder spec.md §0 calls out as an
// out-of-scope external collaborator. This runs in the caller's own C stack
// frame (malloc/calloc/realloc were invoked directly by the host program),
// so it sees exactly the call site Go's runtime.Callers cannot: the latter
// only walks Go-managed frames and stops dead at the cgo transition.
static int memprof_backtrace(uintptr_t *buf, int max) {
	void *tmp[MEMPROF_MAX_NATIVE_FRAMES];
	if (max > MEMPROF_MAX_NATIVE_FRAMES) {
		max = MEMPROF_MAX_NATIVE_FRAMES;
	}
	int n = backtrace(tmp, max);
	for (int i = 0; i < n; i++) {
		buf[i] = (uintptr_t)tmp[i];
	}
	return n;
}

typedef struct {
	const char *fname;
	const char *sname;
} memprof_symbol;

// memprof_dladdr resolves one address captured by memprof_backtrace to the
// nearest preceding exported symbol and its containing object file. It
// cannot recover a source file/line (dladdr works off the dynamic symbol
// table, not debug info), which is the degraded-but-useful resolution
// spec §3/§7 allow for frames the profiler cannot fully resolve.
static int memprof_dladdr(uintptr_t pc, memprof_symbol *out) {
	Dl_info info;
	if (dladdr((void *)pc, &info) == 0) {
		return 0;
	}
	out->fname = info.dli_fname;
	out->sname = info.dli_sname;
	return 1;
}
*/
import "C"

import (
	"log"
	"os"
	"strconv"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dispatchrun/memprof"
)

var resolveOnce sync.Once

func ensureResolved() {
	resolveOnce.Do(func() {
		C.resolve_real_allocator()
		maxFrames := maxFramesFromEnv()
		memprof.Install(maxFrames)
		memprof.SetNativeCapturer(nativeCapture)
		memprof.SetNativeResolver(nativeResolve)
		// Logged once, from whichever OS thread happens to make the first
		// allocation, as a breadcrumb for "why didn't this process get
		// profiled" reports. It is logged on every install; the registry's
		// own init-failure diagnostic is separate (see registry.go).
		log.Printf("memprof-preload: installed on tid %d, max_frames=%d", unix.Gettid(), maxFrames)
	})
}

// maxNativeFrames mirrors the C side's MEMPROF_MAX_NATIVE_FRAMES: the fixed
// stack-allocated buffer memprof_backtrace unwinds into.
const maxNativeFrames = 64

// nativeCapture is the memprof.NativeCapturer backing TrackNative: it walks
// the host C program's own stack via libc's backtrace() rather than
// runtime.Callers, which cannot see past the cgo boundary (see
// memprof_backtrace's doc comment above).
func nativeCapture(maxFrames int) []uintptr {
	if maxFrames <= 0 {
		return nil
	}
	if maxFrames > maxNativeFrames {
		maxFrames = maxNativeFrames
	}
	buf := make([]C.uintptr_t, maxFrames)
	n := C.memprof_backtrace(&buf[0], C.int(maxFrames))
	pcs := make([]uintptr, n)
	for i := 0; i < int(n); i++ {
		pcs[i] = uintptr(buf[i])
	}
	return pcs
}

// nativeResolve is the memprof.NativeResolver backing frames nativeCapture
// produced, via dladdr.
func nativeResolve(pc uintptr) (name, file string, line int) {
	var sym C.memprof_symbol
	if C.memprof_dladdr(C.uintptr_t(pc), &sym) == 0 {
		return "", "", 0
	}
	if sym.sname != nil {
		name = C.GoString(sym.sname)
	}
	if sym.fname != nil {
		file = C.GoString(sym.fname)
	}
	return name, file, 0
}

const maxFramesEnvVar = "MEMPROF_MAX_FRAMES"

func maxFramesFromEnv() int {
	v := os.Getenv(maxFramesEnvVar)
	if v == "" {
		return 20
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Printf("memprof-preload: ignoring invalid %s=%q", maxFramesEnvVar, v)
		return 20
	}
	return n
}

//export malloc
func malloc(size C.size_t) unsafe.Pointer {
	ensureResolved()
	ptr := C.call_real_malloc(size)
	memprof.TrackNative(uintptr(ptr), uintptr(size))
	return ptr
}

//export calloc
func calloc(nmemb, size C.size_t) unsafe.Pointer {
	ensureResolved()
	ptr := C.call_real_calloc(nmemb, size)
	memprof.TrackNative(uintptr(ptr), uintptr(nmemb)*uintptr(size))
	return ptr
}

//export realloc
func realloc(ptr unsafe.Pointer, size C.size_t) unsafe.Pointer {
	ensureResolved()
	// The old block is logically freed no matter what realloc returns
	// (even NULL on failure leaves the original block in ptr untouched
	// in glibc's contract, but memprof only needs at-most-once semantics
	// here: untrack first, matching spec §9's "unregister before dealloc"
	// decision, then track the (possibly moved) result).
	memprof.Untrack(uintptr(ptr))
	newPtr := C.call_real_realloc(ptr, size)
	memprof.TrackNative(uintptr(newPtr), uintptr(size))
	return newPtr
}

//export free
func free(ptr unsafe.Pointer) {
	ensureResolved()
	memprof.Untrack(uintptr(ptr))
	C.call_real_free(ptr)
}

func main() {}
