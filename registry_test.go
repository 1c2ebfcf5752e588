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
	"sync"
	"testing"
)

func TestRegistryRegisterUnregister(t *testing.T) {
	r := newRegistry(10)

	r.register(0x1000, 64, capture)

	r.mu.RLock()
	rec, ok := r.records[0x1000]
	r.mu.RUnlock()
	if !ok {
		t.Fatal("expected ptr to be present after register")
	}
	if rec.size != 64 {
		t.Fatalf("expected size 64, got %d", rec.size)
	}

	r.unregister(0x1000)

	r.mu.RLock()
	_, ok = r.records[0x1000]
	r.mu.RUnlock()
	if ok {
		t.Fatal("expected ptr to be absent after unregister")
	}
}

func TestRegistryUnregisterUnknownIsNoop(t *testing.T) {
	r := newRegistry(10)
	r.unregister(0xdeadbeef) // must not panic
}

func TestRegistrySnapshotSumsLiveBytes(t *testing.T) {
	r := newRegistry(10)
	r.register(0x1, 100, capture)
	r.register(0x2, 200, capture)
	r.register(0x3, 300, capture)
	r.unregister(0x2)

	prof := r.snapshot()

	var total int64
	for _, s := range prof.Sample {
		total += s.Value[0]
	}
	if total != 400 {
		t.Fatalf("expected live total 400, got %d", total)
	}
	if len(prof.Sample) != 2 {
		t.Fatalf("expected 2 live samples, got %d", len(prof.Sample))
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := newRegistry(10)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ptr := uintptr(0x10000 + i*8)
			r.register(ptr, 1024, capture)
		}(i)
	}
	wg.Wait()

	prof := r.snapshot()
	if len(prof.Sample) != 100 {
		t.Fatalf("expected 100 live samples, got %d", len(prof.Sample))
	}
	var total int64
	for _, s := range prof.Sample {
		total += s.Value[0]
	}
	if total != 100*1024 {
		t.Fatalf("expected total %d, got %d", 100*1024, total)
	}
}

func TestGetRegistrySingleton(t *testing.T) {
	// getRegistry is a process-wide singleton across the whole test binary;
	// just assert it's stable and non-nil once constructed.
	r1 := getRegistry()
	r2 := getRegistry()
	if r1 == nil || r2 == nil {
		t.Fatal("expected a non-nil registry")
	}
	if r1 != r2 {
		t.Fatal("expected the same registry instance on repeated calls")
	}
}

func TestGetRegistryConcurrentInit(t *testing.T) {
	var wg sync.WaitGroup
	results := make([]*registry, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = getRegistry()
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r == nil {
			t.Fatalf("result %d: expected non-nil registry", i)
		}
		if r != results[0] {
			t.Fatalf("result %d: expected all callers to observe the same singleton", i)
		}
	}
}
