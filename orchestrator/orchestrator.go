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
// Package orchestrator wires every manager and visitor together, opens the
// kernel event sources through PerfSession, and runs the capture's two
// worker goroutines: the poller that drains ring buffers and the deferred
// worker that commits them in timestamp order.
package orchestrator

import (
	"context"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/sync/errgroup"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/google/systrace/ctxswitch"
	"github.com/google/systrace/eventqueue"
	"github.com/google/systrace/gpujob"
	"github.com/google/systrace/perfsession"
	"github.com/google/systrace/threadstate"
	"github.com/google/systrace/tidpid"
	"github.com/google/systrace/tracedata"
	"github.com/google/systrace/unwinding"
	"github.com/google/systrace/visitors"
)

// pollQuota is how many records ReadRecords drains from a single ring
// buffer before moving to the next, so one high-rate source can't starve
// the others in a round.
const pollQuota = 5

// idleBackoff is how long the poller sleeps when a round read nothing from
// any source.
const idleBackoff = 100 * time.Microsecond

// statsInterval is how often the poller logs capture statistics.
const statsInterval = 5 * time.Second

// Orchestrator owns one capture end to end: opening sources, seeding
// initial state, running the poll loop, and tearing everything down on
// Stop.
type Orchestrator struct {
	cfg        tracedata.Config
	listener   tracedata.Listener
	unwindLib  unwinding.UnwindLibrary
	procRoot   string
	sysRoot    string
	cgroupRoot string

	sessionID string

	exitRequested chan struct{}
	exitOnce      sync.Once

	deferredMu sync.Mutex
	deferred   []tracedata.PerfEvent

	stats stats
}

// New returns an Orchestrator for cfg, delivering to listener. unwindLib is
// the injected DWARF/CFI unwinding capability, supplied by the host. Pass
// "" for procRoot/sysRoot/cgroupRoot in production; tests override them to
// point at fixture trees.
func New(cfg tracedata.Config, listener tracedata.Listener, unwindLib unwinding.UnwindLibrary, procRoot, sysRoot, cgroupRoot string) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		listener:      listener,
		unwindLib:     unwindLib,
		procRoot:      procRoot,
		sysRoot:       sysRoot,
		cgroupRoot:    cgroupRoot,
		sessionID:     uuid.New().String(),
		exitRequested: make(chan struct{}),
	}
}

// Stop requests the capture to wind down: the poller finishes its current
// round and the deferred worker returns without a closing pass; Run then
// hands over the last deferred batch, runs one final ProcessAllEvents and
// OnCaptureFinished itself, and returns.
func (o *Orchestrator) Stop() {
	o.exitOnce.Do(func() { close(o.exitRequested) })
}

// Run opens every configured source, enables it, seeds initial thread
// state/names from /proc, and blocks running the capture until ctx is
// cancelled or Stop is called. It returns the first fatal
// cannot-start-capture error, if any; every error after startup is counted
// and logged instead of surfaced.
func (o *Orchestrator) Run(ctx context.Context) error {
	cores := cpusetCores(o.procRoot, o.cgroupRoot, o.cfg.Pid, allCores(o.sysRoot))
	if len(cores) == 0 {
		cores = allCores(o.sysRoot)
	}

	session, err := perfsession.New(o.cfg, cores, o.procRoot)
	if err != nil {
		return err
	}
	defer session.Close()

	ids := tidpid.New()
	if err := ids.SeedFromProc(o.procRoot); err != nil {
		log.Warningf("orchestrator[%s]: seeding tid/pid table: %v", o.sessionID, err)
	}

	inTarget := func(tid tracedata.TID) bool {
		pid, ok := ids.Lookup(tid)
		return ok && pid == o.cfg.Pid
	}

	pairer := ctxswitch.New(ids, o.listener)
	states := threadstate.New(func(tid tracedata.TID) bool {
		return o.cfg.TraceThreadState && inTarget(tid)
	}, o.listener)
	patcher := unwinding.NewReturnAddressPatcher()
	calls := unwinding.NewFunctionCallTracker()
	unwinder := unwinding.NewStackUnwinder(o.unwindLib)
	correlator := gpujob.New(o.listener)

	unwindingVisitor := visitors.NewUnwindingVisitor(patcher, calls, unwinder, o.listener)
	ctxVisitor := visitors.NewContextSwitchAndThreadStateVisitor(ids, pairer, states, o.listener, inTarget)

	queue := eventqueue.New()
	processor := eventqueue.NewEventProcessor(queue, unwindingVisitor, ctxVisitor)

	o.seedInitialState(states)

	session.EnableAll()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		o.pollLoop(egCtx, session, correlator, unwindingVisitor)
		return nil
	})
	eg.Go(func() error {
		o.deferredWorker(egCtx, processor)
		return nil
	})

	err = eg.Wait()

	session.DisableAll()

	// The poller may have deposited a final batch after the deferred worker's
	// last tick; hand it over before the closing drain so nothing is lost.
	o.deferredMu.Lock()
	batch := o.deferred
	o.deferred = nil
	o.deferredMu.Unlock()
	for _, ev := range batch {
		processor.AddEvent(ev)
	}
	processor.ProcessAllEvents()
	states.OnCaptureFinished(nowMonotonic())
	ue, du, de := unwindingVisitor.Counters()
	log.Infof("orchestrator[%s]: capture finished: %s", o.sessionID, o.stats.summary(ue, du, de))
	return err
}

// seedInitialState snapshots every thread of the target process from /proc
// and injects its name and scheduler state before the live stream starts.
func (o *Orchestrator) seedInitialState(states *threadstate.Tracker) {
	ts := nowMonotonic()
	tids, err := targetThreads(o.procRoot, o.cfg.Pid)
	if err != nil {
		log.Warningf("orchestrator[%s]: listing threads of pid %d: %v", o.sessionID, o.cfg.Pid, err)
		return
	}
	for _, tid := range tids {
		if name, err := tidpid.CommFromProc(o.procRoot, tid); err == nil {
			o.listener.OnThreadName(tracedata.ThreadName{Tid: tid, Name: name, Ts: ts})
		}
		if !o.cfg.TraceThreadState {
			continue
		}
		c, err := tidpid.StatStateChar(o.procRoot, tid)
		if err != nil {
			log.Warningf("orchestrator[%s]: reading initial state for tid %s: %v", o.sessionID, tid, err)
			continue
		}
		states.OnInitialState(ts, tid, tracedata.StateCharFromProcStat(c))
	}
}

// pollLoop owns every ring buffer: it decodes records, dispatches
// light/high-rate records inline, and defers heavy records for the deferred
// worker to commit in timestamp order.
func (o *Orchestrator) pollLoop(ctx context.Context, session *perfsession.Session, correlator *gpujob.Correlator, uv *visitors.UnwindingVisitor) {
	lastStats := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.exitRequested:
			return
		default:
		}

		events, busy := session.ReadRecords(pollQuota)
		var heavy []tracedata.PerfEvent
		for _, ev := range events {
			if isLight(ev) {
				o.dispatchLight(ev, correlator)
			} else {
				heavy = append(heavy, ev)
			}
		}
		if len(heavy) > 0 {
			o.deferredMu.Lock()
			o.deferred = append(o.deferred, heavy...)
			o.deferredMu.Unlock()
		}
		o.stats.record(events)

		if busy == 0 {
			time.Sleep(idleBackoff)
		}
		if time.Since(lastStats) >= statsInterval {
			ue, du, de := uv.Counters()
			log.Infof("orchestrator[%s]: %s", o.sessionID, o.stats.summary(ue, du, de))
			lastStats = time.Now()
		}
	}
}

// deferredWorker owns EventQueue, EventProcessor and every Visitor/Manager,
// draining whatever the poller deposited and committing records that are
// now provably safe (no earlier record can still arrive).
func (o *Orchestrator) deferredWorker(ctx context.Context, processor *eventqueue.EventProcessor) {
	const tick = 10 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.exitRequested:
			return
		case <-time.After(tick):
		}

		o.deferredMu.Lock()
		batch := o.deferred
		o.deferred = nil
		o.deferredMu.Unlock()

		for _, ev := range batch {
			processor.AddEvent(ev)
		}
		processor.ProcessOldEvents(nowMonotonic())
	}
}

// dispatchLight handles the light/high-rate record kinds: they skip
// EventQueue's ordering barrier and are acted on immediately on the poller
// goroutine.
func (o *Orchestrator) dispatchLight(ev tracedata.PerfEvent, correlator *gpujob.Correlator) {
	switch e := ev.(type) {
	case tracedata.AmdgpuCsIoctl:
		correlator.OnAmdgpuCsIoctl(e.Ts(), e.Tid, e.Context, e.Seqno, e.Timeline)
	case tracedata.AmdgpuSchedRunJob:
		correlator.OnAmdgpuSchedRunJob(e.Ts(), e.Context, e.Seqno, e.Timeline)
	case tracedata.DmaFenceSignaled:
		correlator.OnDmaFenceSignaled(e.Ts(), e.Context, e.Seqno, e.Timeline)
	case tracedata.TaskRename:
		o.listener.OnThreadName(tracedata.ThreadName{Tid: e.Tid, Name: e.NewComm, Ts: e.Ts()})
	case tracedata.UserTracepoint:
		o.listener.OnTracepointEvent(tracedata.TracepointEvent{
			Pid: e.Pid, Tid: e.Tid, CPU: e.CPU, Ts: e.Ts(),
			Category: e.Category, Name: e.Name, RawPayload: e.RawPayload,
		})
	case tracedata.Lost:
		o.stats.addLost(e.OriginFD(), e.LostSamples, e.LostNonSamples)
		log.Warningf("orchestrator[%s]: ring buffer for fd %d overran: %d samples, %d non-samples lost", o.sessionID, e.OriginFD(), e.LostSamples, e.LostNonSamples)
	}
}

// isLight reports whether ev skips the queue and goes straight to its
// handler: GPU tracepoints, user-selected tracepoints, thread renames, and
// Lost records.
// TaskRename carries no state-machine side effect, unlike TaskNewtask,
// which still needs ThreadStateTracker's ordering and so is routed through
// EventQueue like the rest of the scheduler events.
func isLight(ev tracedata.PerfEvent) bool {
	switch ev.(type) {
	case tracedata.AmdgpuCsIoctl, tracedata.AmdgpuSchedRunJob, tracedata.DmaFenceSignaled,
		tracedata.UserTracepoint, tracedata.TaskRename, tracedata.Lost:
		return true
	default:
		return false
	}
}

// nowMonotonic reads CLOCK_MONOTONIC, matching the clock every
// perf_event_open source is configured against, so ProcessOldEvents' cutoff
// and OnCaptureFinished's end timestamp are comparable to event timestamps.
func nowMonotonic() tracedata.Timestamp {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		log.Warningf("orchestrator: clock_gettime(CLOCK_MONOTONIC): %v", err)
		return tracedata.Timestamp(time.Now().UnixNano())
	}
	return tracedata.Timestamp(ts.Nano())
}
