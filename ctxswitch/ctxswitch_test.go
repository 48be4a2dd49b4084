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
package ctxswitch

import (
	"testing"

	"github.com/google/systrace/tidpid"
	"github.com/google/systrace/tracedata"
)

type fakeListener struct {
	tracedata.Listener
	slices []tracedata.SchedulingSlice
}

func (f *fakeListener) OnSchedulingSlice(s tracedata.SchedulingSlice) {
	f.slices = append(f.slices, s)
}

func TestBasicPairing(t *testing.T) {
	fl := &fakeListener{}
	p := New(tidpid.New(), fl)

	p.ProcessContextSwitchIn(100, 10, 11, 0)
	p.ProcessContextSwitchOut(200, 10, 11, 0)

	if len(fl.slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(fl.slices))
	}
	got := fl.slices[0]
	want := tracedata.SchedulingSlice{Pid: 10, Tid: 11, Core: 0, InTs: 100, OutTs: 200}
	if got != want {
		t.Fatalf("slice = %+v, want %+v", got, want)
	}
}

func TestSwitchOutWithoutMatchingInIsDropped(t *testing.T) {
	fl := &fakeListener{}
	p := New(tidpid.New(), fl)
	p.ProcessContextSwitchOut(200, 10, 11, 0)
	if len(fl.slices) != 0 {
		t.Fatalf("got %d slices, want 0", len(fl.slices))
	}
}

func TestUnknownPidOnSwitchOutUsesOpenEntry(t *testing.T) {
	fl := &fakeListener{}
	p := New(tidpid.New(), fl)
	p.ProcessContextSwitchIn(100, 10, 11, 0)
	p.ProcessContextSwitchOut(200, tracedata.UnknownPID, 11, 0)

	if len(fl.slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(fl.slices))
	}
	if fl.slices[0].Pid != 10 {
		t.Fatalf("Pid = %d, want 10 (from open switch-in)", fl.slices[0].Pid)
	}
}

func TestUnknownPidFallsBackToTidPidAssociator(t *testing.T) {
	fl := &fakeListener{}
	ids := tidpid.New()
	ids.Insert(11, 99)
	p := New(ids, fl)

	// The open switch-in itself has an unknown pid (can happen if the
	// switch-in record itself reported -1), forcing fallback to C5.
	p.ProcessContextSwitchIn(100, tracedata.UnknownPID, 11, 0)
	p.ProcessContextSwitchOut(200, tracedata.UnknownPID, 11, 0)

	if len(fl.slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(fl.slices))
	}
	if fl.slices[0].Pid != 99 {
		t.Fatalf("Pid = %d, want 99 (from TidPidAssociator)", fl.slices[0].Pid)
	}
}

func TestThreadExitSwitchOutUsesOpenIdentifiers(t *testing.T) {
	fl := &fakeListener{}
	ids := tidpid.New()
	ids.Insert(43, 42)
	p := New(ids, fl)

	p.ProcessContextSwitchIn(100, 42, 43, 1)
	p.ProcessContextSwitchOut(200, tracedata.UnknownPID, tracedata.UnknownTID, 1)

	if len(fl.slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(fl.slices))
	}
	want := tracedata.SchedulingSlice{Pid: 42, Tid: 43, Core: 1, InTs: 100, OutTs: 200}
	if fl.slices[0] != want {
		t.Fatalf("slice = %+v, want %+v", fl.slices[0], want)
	}
}

func TestMismatchedSwitchOutAfterLostSwitchesIsDropped(t *testing.T) {
	fl := &fakeListener{}
	p := New(tidpid.New(), fl)

	// Thread A switches in, then its switch-out and thread B's switch-in are
	// both lost. B's switch-out must not be paired with A's stale entry.
	p.ProcessContextSwitchIn(100, 10, 11, 0)
	p.ProcessContextSwitchOut(200, 20, 21, 0)

	if len(fl.slices) != 0 {
		t.Fatalf("got %d slices, want 0 (stale entry must not be paired): %+v", len(fl.slices), fl.slices)
	}
	if p.OpenCount() != 0 {
		t.Fatalf("OpenCount() = %d, want 0 (stale entry must still be consumed)", p.OpenCount())
	}

	// The pairer recovers on the next complete in/out pair.
	p.ProcessContextSwitchIn(300, 20, 21, 0)
	p.ProcessContextSwitchOut(400, 20, 21, 0)
	if len(fl.slices) != 1 || fl.slices[0].InTs != 300 {
		t.Fatalf("slices = %+v, want one slice with InTs=300", fl.slices)
	}
}

func TestIdleThreadIgnored(t *testing.T) {
	fl := &fakeListener{}
	p := New(tidpid.New(), fl)
	p.ProcessContextSwitchIn(100, 0, 0, 0)
	p.ProcessContextSwitchOut(200, 0, 0, 0)
	if len(fl.slices) != 0 {
		t.Fatalf("got %d slices, want 0 (idle thread must be ignored)", len(fl.slices))
	}
	if p.OpenCount() != 0 {
		t.Fatalf("OpenCount() = %d, want 0", p.OpenCount())
	}
}

func TestSwitchInOverwritesPreviousOpenEntry(t *testing.T) {
	fl := &fakeListener{}
	p := New(tidpid.New(), fl)
	p.ProcessContextSwitchIn(100, 10, 11, 0)
	p.ProcessContextSwitchIn(150, 20, 21, 0) // a second thread ran before the first's switch-out arrived.
	p.ProcessContextSwitchOut(200, 20, 21, 0)

	if len(fl.slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(fl.slices))
	}
	if fl.slices[0].InTs != 150 {
		t.Fatalf("InTs = %d, want 150 (overwritten entry)", fl.slices[0].InTs)
	}
}

func TestMultipleCoresIndependent(t *testing.T) {
	fl := &fakeListener{}
	p := New(tidpid.New(), fl)
	p.ProcessContextSwitchIn(100, 1, 1, 0)
	p.ProcessContextSwitchIn(100, 2, 2, 1)
	p.ProcessContextSwitchOut(200, 1, 1, 0)
	p.ProcessContextSwitchOut(300, 2, 2, 1)

	if len(fl.slices) != 2 {
		t.Fatalf("got %d slices, want 2", len(fl.slices))
	}
}
