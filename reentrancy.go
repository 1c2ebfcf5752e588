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
	"sync/atomic"
	_ "unsafe" // for go:linkname
)

//go:linkname runtime_procPin runtime.procPin
func runtime_procPin() int

//go:linkname runtime_procUnpin runtime.procUnpin
func runtime_procUnpin()

// reentrancyShards bounds the per-P counter array. GOMAXPROCS is rarely
// above a few hundred even on the largest machines; a collision beyond this
// only makes the guard more conservative, never incorrect (see the guard
// type's doc below).
const reentrancyShards = 256

// counter is padded to a cache line so that two P's bumping neighboring
// counters don't false-share.
type reentrancyCounter struct {
	n atomic.Int32
	_ [60]byte // pad up to a 64-byte cache line
}

var reentrancyCounters [reentrancyShards]reentrancyCounter

// guard is a scoped reentrancy token. Profiling work must proceed only when
// outermost() reports true: the outermost entry into the profiler on this P.
//
// This stands in for the per-thread counter spec'd in C1. Go has no public,
// allocation-free thread-local primitive, so the guard pins the calling
// goroutine to its current P (via the same runtime.procPin/procUnpin pair
// sync.Pool uses internally for its per-P free lists) and counts reentrancy
// per P rather than per OS thread. Because a cgo call already pins the
// calling goroutine to an OS thread for its duration, and a P can only be
// running one goroutine at a time, this is equivalent to a per-thread
// counter for every call that actually reaches the guard through the
// allocator hooks. Two unrelated cgo calls landing on the same P (vanishing
// likelihood below GOMAXPROCS threads of concurrent allocation traffic)
// would only cause an extra allocation to be conservatively skipped, which
// is within the best-effort contract of spec §7.
type guard struct {
	pid int
}

// acquire increments the current P's reentrancy counter and pins the P for
// the scope of the returned guard. Call release on every exit path.
func acquire() guard {
	pid := runtime_procPin()
	reentrancyCounters[pid%reentrancyShards].n.Add(1)
	return guard{pid: pid}
}

// outermost reports whether this guard is the only live guard on its P,
// i.e. whether profiling work should proceed for this allocation.
func (g guard) outermost() bool {
	return reentrancyCounters[g.pid%reentrancyShards].n.Load() == 1
}

// release must be called exactly once per acquire, typically via defer.
func (g guard) release() {
	reentrancyCounters[g.pid%reentrancyShards].n.Add(-1)
	runtime_procUnpin()
}
