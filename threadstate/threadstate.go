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
// Package threadstate tracks each thread's scheduler lifecycle state and
// emits ThreadStateSlices on every transition.
package threadstate

import (
	log "github.com/golang/glog"

	"github.com/google/systrace/tracedata"
)

// openState is the still-live half of a thread's current state interval.
type openState struct {
	state        tracedata.ThreadState
	beginTs      tracedata.Timestamp
	wakeupReason tracedata.WakeupReason
	wakeupTid    tracedata.TID
	wakeupPid    tracedata.PID
}

// Tracker maintains one openState per tid and emits completed
// ThreadStateSlices to a Listener.
type Tracker struct {
	filter   func(tracedata.TID) bool
	listener tracedata.Listener
	open     map[tracedata.TID]openState
}

// New returns a Tracker. filter reports whether a tid belongs to the traced
// process; events for tids the filter rejects are ignored unless a state is
// already open for them.
func New(filter func(tracedata.TID) bool, listener tracedata.Listener) *Tracker {
	return &Tracker{
		filter:   filter,
		listener: listener,
		open:     make(map[tracedata.TID]openState),
	}
}

func (t *Tracker) tracked(tid tracedata.TID) bool {
	if _, ok := t.open[tid]; ok {
		return true
	}
	return t.filter(tid)
}

// emit closes the open interval for tid (if any) at ts and opens next.
func (t *Tracker) emit(tid tracedata.TID, ts tracedata.Timestamp, next openState) {
	if prev, ok := t.open[tid]; ok {
		t.listener.OnThreadStateSlice(tracedata.ThreadStateSlice{
			Tid:          tid,
			State:        prev.state,
			BeginTs:      prev.beginTs,
			EndTs:        ts,
			WakeupReason: prev.wakeupReason,
			WakeupTid:    prev.wakeupTid,
			WakeupPid:    prev.wakeupPid,
		})
	}
	t.open[tid] = next
}

// OnInitialState seeds tid's state from a /proc snapshot taken before the
// capture's live stream started.
func (t *Tracker) OnInitialState(ts tracedata.Timestamp, tid tracedata.TID, state tracedata.ThreadState) {
	if !t.tracked(tid) {
		return
	}
	// A live event may have already opened a later interval than this stale
	// snapshot: overwrite without emitting.
	if prev, ok := t.open[tid]; ok && ts < prev.beginTs {
		t.open[tid] = openState{state: state, beginTs: ts, wakeupReason: tracedata.WakeupReasonNA, wakeupTid: tracedata.UnknownTID, wakeupPid: tracedata.UnknownPID}
		return
	}
	t.open[tid] = openState{state: state, beginTs: ts, wakeupReason: tracedata.WakeupReasonNA, wakeupTid: tracedata.UnknownTID, wakeupPid: tracedata.UnknownPID}
}

// OnNewTask handles task:task_newtask: a freshly created thread starts
// runnable.
func (t *Tracker) OnNewTask(ts tracedata.Timestamp, tid, parentTid tracedata.TID, parentPid tracedata.PID) {
	if !t.tracked(tid) {
		return
	}
	t.emit(tid, ts, openState{
		state:        tracedata.ThreadStateRunnable,
		beginTs:      ts,
		wakeupReason: tracedata.WakeupReasonCreated,
		wakeupTid:    parentTid,
		wakeupPid:    parentPid,
	})
}

// OnSchedWakeup handles sched:sched_wakeup. A thread already runnable or
// running is a no-op (duplicate wakeup); a zombie/dead thread is logged but
// still transitioned, since the kernel's own bookkeeping, not ours, is
// authoritative.
func (t *Tracker) OnSchedWakeup(ts tracedata.Timestamp, tid, wakerTid tracedata.TID, wakerPid tracedata.PID) {
	if !t.tracked(tid) {
		return
	}
	if prev, ok := t.open[tid]; ok {
		if prev.state == tracedata.ThreadStateRunnable || prev.state == tracedata.ThreadStateRunning {
			return
		}
		if prev.state == tracedata.ThreadStateZombie || prev.state == tracedata.ThreadStateDead {
			log.Warningf("threadstate: sched_wakeup for tid %s in terminal state %s", tid, prev.state)
		}
	}
	t.emit(tid, ts, openState{
		state:        tracedata.ThreadStateRunnable,
		beginTs:      ts,
		wakeupReason: tracedata.WakeupReasonUnblocked,
		wakeupTid:    wakerTid,
		wakeupPid:    wakerPid,
	})
}

// OnSchedSwitchIn handles the switch-in half of sched:sched_switch. A
// duplicate switch-in for an already-running thread is a no-op, preserving
// its original begin timestamp.
func (t *Tracker) OnSchedSwitchIn(ts tracedata.Timestamp, tid tracedata.TID) {
	if !t.tracked(tid) {
		return
	}
	if prev, ok := t.open[tid]; ok && prev.state == tracedata.ThreadStateRunning {
		return
	}
	t.emit(tid, ts, openState{
		state:        tracedata.ThreadStateRunning,
		beginTs:      ts,
		wakeupReason: tracedata.WakeupReasonNA,
		wakeupTid:    tracedata.UnknownTID,
		wakeupPid:    tracedata.UnknownPID,
	})
}

// OnSchedSwitchOut handles the switch-out half of sched:sched_switch,
// treating a prior "runnable" as the kernel's "running" view before opening
// newState.
func (t *Tracker) OnSchedSwitchOut(ts tracedata.Timestamp, tid tracedata.TID, newState tracedata.ThreadState) {
	if !t.tracked(tid) {
		return
	}
	if prev, ok := t.open[tid]; ok && prev.state == tracedata.ThreadStateRunnable {
		prev.state = tracedata.ThreadStateRunning
		t.open[tid] = prev
	}
	t.emit(tid, ts, openState{
		state:        newState,
		beginTs:      ts,
		wakeupReason: tracedata.WakeupReasonNA,
		wakeupTid:    tracedata.UnknownTID,
		wakeupPid:    tracedata.UnknownPID,
	})
}

// OnCaptureFinished flushes one final slice per still-open tid, using ts as
// the end of every interval.
func (t *Tracker) OnCaptureFinished(ts tracedata.Timestamp) {
	for tid, prev := range t.open {
		t.listener.OnThreadStateSlice(tracedata.ThreadStateSlice{
			Tid:          tid,
			State:        prev.state,
			BeginTs:      prev.beginTs,
			EndTs:        ts,
			WakeupReason: prev.wakeupReason,
			WakeupTid:    prev.wakeupTid,
			WakeupPid:    prev.wakeupPid,
		})
	}
	t.open = make(map[tracedata.TID]openState)
}
