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
// Package eventqueue merges the per-ring-buffer streams PerfSession decodes
// into a single, globally time-ordered stream, and drains that stream with
// a bounded out-of-order tolerance.
package eventqueue

import (
	"container/heap"

	log "github.com/golang/glog"

	"github.com/google/systrace/tracedata"
)

// sourceFIFO is one ring buffer's pending events. Each ring buffer is
// individually monotonic (a kernel invariant), so within a source a plain
// FIFO is already sorted; only the heads of all sources need comparing.
type sourceFIFO struct {
	originFD int32
	items    []tracedata.PerfEvent
	// head indexes the first unconsumed item in items; items before head are
	// garbage-collected in batches rather than shifted one at a time.
	head int
	last tracedata.Timestamp
}

func (f *sourceFIFO) front() tracedata.PerfEvent { return f.items[f.head] }

func (f *sourceFIFO) empty() bool { return f.head >= len(f.items) }

func (f *sourceFIFO) popFront() tracedata.PerfEvent {
	ev := f.items[f.head]
	f.items[f.head] = nil
	f.head++
	if f.head > 64 && f.head*2 > len(f.items) {
		f.items = append([]tracedata.PerfEvent{}, f.items[f.head:]...)
		f.head = 0
	}
	return ev
}

// sourceHeap is a min-heap of sourceFIFOs ordered by each FIFO's front
// timestamp, implementing container/heap.Interface directly over the
// backing array (up/down sifts only, no allocation per operation).
type sourceHeap []*sourceFIFO

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	return h[i].front().Ts() < h[j].front().Ts()
}
func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x interface{}) {
	*h = append(*h, x.(*sourceFIFO))
}
func (h *sourceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// EventQueue is a min-heap of per-source FIFOs.
type EventQueue struct {
	bySource map[int32]*sourceFIFO
	heap     sourceHeap
}

// New returns an empty EventQueue.
func New() *EventQueue {
	return &EventQueue{bySource: make(map[int32]*sourceFIFO)}
}

// Push enqueues ev under its OriginFD's FIFO, adding that source to the heap
// if it was previously empty. Out-of-order arrival within a single source
// would violate the kernel invariant this structure depends on, so it is
// logged rather than silently accepted.
func (q *EventQueue) Push(ev tracedata.PerfEvent) {
	fifo, ok := q.bySource[ev.OriginFD()]
	if !ok {
		fifo = &sourceFIFO{originFD: ev.OriginFD(), last: tracedata.UnknownTimestamp}
		q.bySource[ev.OriginFD()] = fifo
	}
	wasEmpty := fifo.empty()
	if fifo.last != tracedata.UnknownTimestamp && ev.Ts() < fifo.last {
		log.Errorf("eventqueue: source %d produced out-of-order event: %d < %d", ev.OriginFD(), ev.Ts(), fifo.last)
	}
	fifo.last = ev.Ts()
	fifo.items = append(fifo.items, ev)
	if wasEmpty {
		heap.Push(&q.heap, fifo)
	}
}

// Len returns the number of not-yet-popped events across all sources.
func (q *EventQueue) Len() int {
	n := 0
	for _, f := range q.bySource {
		n += len(f.items) - f.head
	}
	return n
}

// Top returns the globally-earliest pending event without removing it.
func (q *EventQueue) Top() (tracedata.PerfEvent, bool) {
	if q.heap.Len() == 0 {
		return nil, false
	}
	return q.heap[0].front(), true
}

// Pop removes and returns the globally-earliest pending event. If the
// source's FIFO becomes empty, it is dropped from the heap and the source
// map; otherwise the heap is re-sifted around its new (later) front.
func (q *EventQueue) Pop() (tracedata.PerfEvent, bool) {
	if q.heap.Len() == 0 {
		return nil, false
	}
	fifo := q.heap[0]
	ev := fifo.popFront()
	if fifo.empty() {
		heap.Pop(&q.heap)
		delete(q.bySource, fifo.originFD)
	} else {
		heap.Fix(&q.heap, 0)
	}
	return ev, true
}
