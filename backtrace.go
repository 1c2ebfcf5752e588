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

import "sync"

// backtraceMu serializes every call into capture/resolve and every snapshot
// iteration over the registry. It must never be held across a registry
// mutation (register's map insert, unregister's map delete): unwinding is
// the only operation here that isn't safe to run concurrently with itself,
// so the critical section is kept to exactly that.
var backtraceMu sync.Mutex

// backtraceToken releases the backtrace lock when dropped.
type backtraceToken struct{}

func (backtraceToken) release() { backtraceMu.Unlock() }

// lockBacktrace serializes stack capture, symbol resolution, and snapshot
// iteration (spec C2). Because the reentrancy guard (C1) prevents a thread
// from re-entering the profiler while already inside it, no holder of this
// lock will attempt to reacquire it via a nested allocation's capture.
func lockBacktrace() backtraceToken {
	backtraceMu.Lock()
	return backtraceToken{}
}
