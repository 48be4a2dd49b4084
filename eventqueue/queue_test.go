//
// Copyright 2019 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
package eventqueue

import (
	"math/rand"
	"testing"

	"github.com/google/systrace/tracedata"
)

type fakeEvent struct {
	tracedata.Base
}

func ev(fd int32, ts int64) tracedata.PerfEvent {
	return fakeEvent{tracedata.Base{TimestampNs: tracedata.Timestamp(ts), Origin: fd}}
}

func TestEventQueueOrdersAcrossSources(t *testing.T) {
	q := New()
	q.Push(ev(1, 10))
	q.Push(ev(2, 5))
	q.Push(ev(1, 20))
	q.Push(ev(2, 15))

	var got []int64
	for {
		e, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, int64(e.Ts()))
	}
	want := []int64{5, 10, 15, 20}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEventQueueRandomizedMultiSourceOrdering(t *testing.T) {
	// R2: given per-source sorted streams, repeated Pop yields global
	// non-decreasing timestamp order.
	r := rand.New(rand.NewSource(1))
	q := New()
	const sources = 5
	perSource := make([][]int64, sources)
	for s := 0; s < sources; s++ {
		ts := int64(0)
		for i := 0; i < 50; i++ {
			ts += int64(r.Intn(10))
			perSource[s] = append(perSource[s], ts)
		}
	}
	// Interleave pushes across sources in an arbitrary order; each source's
	// own stream stays sorted, which is the only invariant EventQueue relies
	// on.
	indices := make([]int, sources)
	remaining := sources * 50
	for remaining > 0 {
		s := r.Intn(sources)
		if indices[s] >= len(perSource[s]) {
			continue
		}
		q.Push(ev(int32(s), perSource[s][indices[s]]))
		indices[s]++
		remaining--
	}

	var last int64 = -1
	count := 0
	for {
		e, ok := q.Pop()
		if !ok {
			break
		}
		if int64(e.Ts()) < last {
			t.Fatalf("non-monotonic pop: %d after %d", e.Ts(), last)
		}
		last = int64(e.Ts())
		count++
	}
	if count != sources*50 {
		t.Fatalf("popped %d events, want %d", count, sources*50)
	}
}

func TestEventQueueEmptySourceRemoved(t *testing.T) {
	q := New()
	q.Push(ev(1, 1))
	q.Pop()
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
	if _, ok := q.bySource[1]; ok {
		t.Fatal("expected empty source to be removed from bySource")
	}
}
