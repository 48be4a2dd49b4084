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
	log "github.com/golang/glog"

	"github.com/google/systrace/tracedata"
)

// ProcessingDelay is the window a record must sit in the queue before we can
// prove no earlier record can still arrive on some other source. Records
// older than now-ProcessingDelay are safe to commit.
const ProcessingDelay = 100_000_000 // 100ms in nanoseconds, since Timestamp is ns.

// Visitor consumes PerfEvents dispatched by an EventProcessor in committed
// timestamp order.
type Visitor interface {
	Visit(tracedata.PerfEvent)
}

// EventProcessor drains an EventQueue with a bounded lag, discarding records
// that arrive too late to preserve the global ordering guarantee.
type EventProcessor struct {
	queue            *EventQueue
	visitors         []Visitor
	lastProcessedTs  tracedata.Timestamp
	droppedLateCount uint64
}

// NewEventProcessor returns an EventProcessor draining queue and dispatching
// to visitors, in the order given, on every pop.
func NewEventProcessor(queue *EventQueue, visitors ...Visitor) *EventProcessor {
	return &EventProcessor{
		queue:           queue,
		visitors:        visitors,
		lastProcessedTs: tracedata.UnknownTimestamp,
	}
}

// AddEvent pushes ev onto the queue, unless it is older than the last
// timestamp already committed to visitors, in which case it is dropped and
// counted.
func (p *EventProcessor) AddEvent(ev tracedata.PerfEvent) {
	if p.lastProcessedTs != tracedata.UnknownTimestamp && ev.Ts() < p.lastProcessedTs {
		p.droppedLateCount++
		return
	}
	p.queue.Push(ev)
}

// DroppedLateCount returns the number of events dropped for being older than
// the last timestamp already committed to visitors, a single watermark
// shared by all sources.
func (p *EventProcessor) DroppedLateCount() uint64 {
	return p.droppedLateCount
}

// ProcessOldEvents drains every queued event whose timestamp is older than
// now-ProcessingDelay, dispatching each to every visitor in turn. Intended to
// be called periodically by the orchestrator.
func (p *EventProcessor) ProcessOldEvents(now tracedata.Timestamp) {
	cutoff := now - ProcessingDelay
	for {
		ev, ok := p.queue.Top()
		if !ok || ev.Ts() >= cutoff {
			return
		}
		p.dispatch(p.mustPop())
	}
}

// ProcessAllEvents drains every queued event regardless of age. Intended to
// be called once, at capture shutdown.
func (p *EventProcessor) ProcessAllEvents() {
	for {
		ev, ok := p.queue.Pop()
		if !ok {
			return
		}
		p.dispatch(ev)
	}
}

func (p *EventProcessor) mustPop() tracedata.PerfEvent {
	ev, ok := p.queue.Pop()
	if !ok {
		log.Errorf("eventqueue: mustPop called on empty queue")
		return nil
	}
	return ev
}

func (p *EventProcessor) dispatch(ev tracedata.PerfEvent) {
	if ev == nil {
		return
	}
	p.lastProcessedTs = ev.Ts()
	for _, v := range p.visitors {
		v.Visit(ev)
	}
}
