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
package visitors

import (
	"github.com/google/systrace/ctxswitch"
	"github.com/google/systrace/threadstate"
	"github.com/google/systrace/tidpid"
	"github.com/google/systrace/tracedata"
)

// ContextSwitchAndThreadStateVisitor routes fork, task, and scheduler
// tracepoints to TidPidAssociator, ContextSwitchPairer and
// ThreadStateTracker, and emits ThreadName records.
type ContextSwitchAndThreadStateVisitor struct {
	ids      *tidpid.Associator
	pairer   *ctxswitch.Pairer
	states   *threadstate.Tracker
	listener tracedata.Listener
	inTarget func(tracedata.TID) bool
}

// NewContextSwitchAndThreadStateVisitor returns a visitor wiring the three
// managers together. inTarget reports whether a tid belongs to the traced
// process, gating thread-state seeding on fork.
func NewContextSwitchAndThreadStateVisitor(ids *tidpid.Associator, pairer *ctxswitch.Pairer, states *threadstate.Tracker, listener tracedata.Listener, inTarget func(tracedata.TID) bool) *ContextSwitchAndThreadStateVisitor {
	return &ContextSwitchAndThreadStateVisitor{ids: ids, pairer: pairer, states: states, listener: listener, inTarget: inTarget}
}

// Visit implements eventqueue.Visitor.
func (v *ContextSwitchAndThreadStateVisitor) Visit(ev tracedata.PerfEvent) {
	switch e := ev.(type) {
	case tracedata.Fork:
		v.ids.Insert(e.Tid, e.Pid)
		if v.inTarget(e.Tid) {
			v.states.OnNewTask(e.Ts(), e.Tid, e.ParentTid, e.ParentPid)
		}
	case tracedata.Exit:
		// Intentionally keeps the tid->pid association: a sched_switch
		// reporting this thread's final switch-out can still arrive (common_pid
		// == -1) and needs the mapping to attribute its slice.
	case tracedata.TaskNewtask:
		v.states.OnNewTask(e.Ts(), e.Tid, tracedata.UnknownTID, tracedata.UnknownPID)
		v.listener.OnThreadName(tracedata.ThreadName{Tid: e.Tid, Name: e.Comm, Ts: e.Ts()})
	case tracedata.TaskRename:
		v.listener.OnThreadName(tracedata.ThreadName{Tid: e.Tid, Name: e.NewComm, Ts: e.Ts()})
	case tracedata.SchedSwitch:
		v.pairer.ProcessContextSwitchOut(e.Ts(), e.PrevPid, e.PrevTid, e.CPU)
		nextPid := e.NextPid
		if nextPid == tracedata.UnknownPID {
			// The tracepoint's next_pid field is a tid; the kernel gives us no
			// tgid for the incoming thread directly, only for the outgoing one
			// (via this record's own sampling context). Fall back to whatever
			// TidPidAssociator has already learned about it.
			if pid, ok := v.ids.Lookup(e.NextTid); ok {
				nextPid = pid
			}
		}
		v.pairer.ProcessContextSwitchIn(e.Ts(), nextPid, e.NextTid, e.CPU)
		v.states.OnSchedSwitchOut(e.Ts(), e.PrevTid, tracedata.StateFromSchedSwitchBits(e.PrevStateBits))
		v.states.OnSchedSwitchIn(e.Ts(), e.NextTid)
	case tracedata.SchedWakeup:
		v.states.OnSchedWakeup(e.Ts(), e.WokenTid, e.WakerTid, e.WakerPid)
	}
}
