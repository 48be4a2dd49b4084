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
// Package ctxswitch pairs per-core switch-in/switch-out tracepoint halves
// into scheduling slices.
package ctxswitch

import (
	log "github.com/golang/glog"

	"github.com/google/systrace/tracedata"
	"github.com/google/systrace/tidpid"
)

// openSwitchIn is the still-running half of a context switch on one core.
type openSwitchIn struct {
	pid tracedata.PID
	tid tracedata.TID
	ts  tracedata.Timestamp
}

// Pairer maintains the per-core open-switch-in table.
type Pairer struct {
	ids      *tidpid.Associator
	open     map[tracedata.CPU]openSwitchIn
	listener tracedata.Listener
}

// New returns a Pairer that resolves unknown pids via ids and delivers
// completed slices to listener.
func New(ids *tidpid.Associator, listener tracedata.Listener) *Pairer {
	return &Pairer{
		ids:      ids,
		open:     make(map[tracedata.CPU]openSwitchIn),
		listener: listener,
	}
}

// ProcessContextSwitchIn records the thread now running on core, overwriting
// whatever was previously open there.
func (p *Pairer) ProcessContextSwitchIn(ts tracedata.Timestamp, pid tracedata.PID, tid tracedata.TID, core tracedata.CPU) {
	if tid == 0 {
		return // idle thread: not tracked.
	}
	p.open[core] = openSwitchIn{pid: pid, tid: tid, ts: ts}
}

// ProcessContextSwitchOut closes the open switch-in on core, substituting
// pid and tid from the open entry (or TidPidAssociator as a last resort)
// when the kernel reported them as -1 on a thread-exit switch-out.
func (p *Pairer) ProcessContextSwitchOut(ts tracedata.Timestamp, pid tracedata.PID, tid tracedata.TID, core tracedata.CPU) {
	if tid == 0 {
		return
	}
	open, ok := p.open[core]
	if !ok {
		return // no open switch-in at capture start or after lost in switches.
	}
	// The open entry is consumed whether or not a slice comes out of it.
	delete(p.open, core)

	// A switch-out caused by the thread exiting reports pid and tid as -1:
	// take both from the open switch-in instead.
	if pid == tracedata.UnknownPID || tid == tracedata.UnknownTID {
		resolvedPid := open.pid
		if resolvedPid == tracedata.UnknownPID {
			if looked, found := p.ids.Lookup(open.tid); found {
				resolvedPid = looked
			} else {
				log.Warningf("ctxswitch: exit switch-out for tid %s on core %d has no resolvable pid", open.tid, core)
			}
		}
		p.listener.OnSchedulingSlice(tracedata.SchedulingSlice{
			Pid:   resolvedPid,
			Tid:   open.tid,
			Core:  core,
			InTs:  open.ts,
			OutTs: ts,
		})
		return
	}

	// Lost in/out switches can leave the open entry describing a different
	// thread than the one now switching out; pairing them would misattribute
	// the stale entry's interval. Drop instead. The pid half of the check is
	// skipped when the switch-in's own pid never got resolved.
	if open.tid != tid || (open.pid != tracedata.UnknownPID && open.pid != pid) {
		return
	}

	p.listener.OnSchedulingSlice(tracedata.SchedulingSlice{
		Pid:   pid,
		Tid:   tid,
		Core:  core,
		InTs:  open.ts,
		OutTs: ts,
	})
}

// OpenCount reports how many cores currently have an unpaired switch-in, for
// diagnostics.
func (p *Pairer) OpenCount() int {
	return len(p.open)
}
