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
package threadstate

import (
	"testing"

	"github.com/google/systrace/tracedata"
)

type fakeListener struct {
	tracedata.Listener
	slices []tracedata.ThreadStateSlice
}

func (f *fakeListener) OnThreadStateSlice(s tracedata.ThreadStateSlice) {
	f.slices = append(f.slices, s)
}

func allTracked(tracedata.TID) bool { return true }

func TestOnNewTaskThenSwitchIn(t *testing.T) {
	fl := &fakeListener{}
	tr := New(allTracked, fl)
	tr.OnNewTask(100, 1, 0, 0)
	tr.OnSchedSwitchIn(150, 1)

	if len(fl.slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(fl.slices))
	}
	got := fl.slices[0]
	if got.State != tracedata.ThreadStateRunnable || got.BeginTs != 100 || got.EndTs != 150 {
		t.Fatalf("slice = %+v", got)
	}
	if got.WakeupReason != tracedata.WakeupReasonCreated {
		t.Fatalf("WakeupReason = %v, want Created", got.WakeupReason)
	}
}

func TestDuplicateWakeupOnRunnableIsNoOp(t *testing.T) {
	fl := &fakeListener{}
	tr := New(allTracked, fl)
	tr.OnNewTask(100, 1, 0, 0)
	tr.OnSchedWakeup(120, 1, 2, 0) // already runnable: no-op.
	if len(fl.slices) != 0 {
		t.Fatalf("got %d slices, want 0", len(fl.slices))
	}
}

func TestSwitchOutThenWakeupRoundTrip(t *testing.T) {
	fl := &fakeListener{}
	tr := New(allTracked, fl)
	tr.OnSchedSwitchIn(100, 1)
	tr.OnSchedSwitchOut(200, 1, tracedata.ThreadStateInterruptibleSleep)
	tr.OnSchedWakeup(300, 1, 2, 5)
	tr.OnSchedSwitchIn(350, 1)

	if len(fl.slices) != 3 {
		t.Fatalf("got %d slices, want 3: %+v", len(fl.slices), fl.slices)
	}
	if fl.slices[0].State != tracedata.ThreadStateRunning || fl.slices[0].EndTs != 200 {
		t.Fatalf("slice0 = %+v", fl.slices[0])
	}
	if fl.slices[1].State != tracedata.ThreadStateInterruptibleSleep || fl.slices[1].EndTs != 300 {
		t.Fatalf("slice1 = %+v", fl.slices[1])
	}
	if fl.slices[2].State != tracedata.ThreadStateRunnable || fl.slices[2].WakeupReason != tracedata.WakeupReasonUnblocked || fl.slices[2].WakeupTid != 2 {
		t.Fatalf("slice2 = %+v", fl.slices[2])
	}
}

func TestSwitchOutTreatsRunnableAsRunning(t *testing.T) {
	fl := &fakeListener{}
	tr := New(allTracked, fl)
	tr.OnNewTask(100, 1, 0, 0) // opens runnable.
	tr.OnSchedSwitchOut(200, 1, tracedata.ThreadStateUninterruptibleSleep)

	if len(fl.slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(fl.slices))
	}
	if fl.slices[0].State != tracedata.ThreadStateRunning {
		t.Fatalf("State = %v, want Running (runnable reinterpreted at switch-out)", fl.slices[0].State)
	}
}

func TestSwitchInOnAlreadyRunningPreservesBeginTs(t *testing.T) {
	fl := &fakeListener{}
	tr := New(allTracked, fl)
	tr.OnSchedSwitchIn(100, 1)
	tr.OnSchedSwitchIn(150, 1) // duplicate switch-in: no-op.
	tr.OnSchedSwitchOut(200, 1, tracedata.ThreadStateInterruptibleSleep)

	if len(fl.slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(fl.slices))
	}
	if fl.slices[0].BeginTs != 100 {
		t.Fatalf("BeginTs = %d, want 100 (preserved from first switch-in)", fl.slices[0].BeginTs)
	}
}

func TestLateInitialStateOverwritesWithoutEmitting(t *testing.T) {
	fl := &fakeListener{}
	tr := New(allTracked, fl)
	tr.OnSchedSwitchIn(100, 1)
	// A /proc snapshot taken before capture start but injected after the live
	// switch-in: its ts (50) predates the open interval's begin (100), so it
	// must overwrite silently rather than emit a bogus slice.
	tr.OnInitialState(50, 1, tracedata.ThreadStateRunnable)

	if len(fl.slices) != 0 {
		t.Fatalf("got %d slices, want 0 (late initial state must not emit)", len(fl.slices))
	}
	tr.OnSchedSwitchOut(300, 1, tracedata.ThreadStateInterruptibleSleep)
	if len(fl.slices) != 1 || fl.slices[0].BeginTs != 50 {
		t.Fatalf("slices = %+v, want one slice with BeginTs=50", fl.slices)
	}
}

func TestUntrackedTidWithNoPriorStateIgnored(t *testing.T) {
	fl := &fakeListener{}
	tr := New(func(tracedata.TID) bool { return false }, fl)
	tr.OnSchedWakeup(100, 42, 1, 0)
	tr.OnSchedSwitchIn(100, 42)
	if len(fl.slices) != 0 {
		t.Fatalf("got %d slices, want 0 for untracked tid", len(fl.slices))
	}
}

func TestOnCaptureFinishedFlushesOpenIntervals(t *testing.T) {
	fl := &fakeListener{}
	tr := New(allTracked, fl)
	tr.OnSchedSwitchIn(100, 1)
	tr.OnSchedSwitchIn(100, 2)
	tr.OnCaptureFinished(500)

	if len(fl.slices) != 2 {
		t.Fatalf("got %d slices, want 2", len(fl.slices))
	}
	for _, s := range fl.slices {
		if s.EndTs != 500 {
			t.Errorf("EndTs = %d, want 500", s.EndTs)
		}
	}
}
