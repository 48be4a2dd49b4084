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
package orchestrator

import (
	"strings"
	"testing"

	"github.com/google/systrace/tracedata"
)

func TestStatsRecord(t *testing.T) {
	var s stats
	s.record([]tracedata.PerfEvent{
		tracedata.SchedSwitch{Base: tracedata.Base{TimestampNs: 1}},
		tracedata.SchedSwitch{Base: tracedata.Base{TimestampNs: 2}},
		tracedata.TaskRename{Base: tracedata.Base{TimestampNs: 3}, Tid: 7, NewComm: "worker"},
	})
	if s.total != 3 {
		t.Errorf("total = %d, want 3", s.total)
	}
	if s.byType["sched_switch"] != 2 {
		t.Errorf("byType[sched_switch] = %d, want 2", s.byType["sched_switch"])
	}
	if s.byType["task_rename"] != 1 {
		t.Errorf("byType[task_rename] = %d, want 1", s.byType["task_rename"])
	}
}

func TestStatsRecordEmptyDoesNotPanic(t *testing.T) {
	var s stats
	s.record(nil)
	if s.total != 0 {
		t.Errorf("total = %d, want 0", s.total)
	}
}

func TestStatsAddLostKeysByOrigin(t *testing.T) {
	var s stats
	s.addLost(4, 3, 1)
	s.addLost(4, 2, 0)
	s.addLost(9, 0, 7)
	if s.lostSamples != 5 {
		t.Errorf("lostSamples = %d, want 5", s.lostSamples)
	}
	if s.lostNonSamples != 8 {
		t.Errorf("lostNonSamples = %d, want 8", s.lostNonSamples)
	}
	if s.lostByOrigin[4] != 6 {
		t.Errorf("lostByOrigin[4] = %d, want 6", s.lostByOrigin[4])
	}
	if s.lostByOrigin[9] != 7 {
		t.Errorf("lostByOrigin[9] = %d, want 7", s.lostByOrigin[9])
	}
}

func TestStatsSummaryReportsUnwindErrorShare(t *testing.T) {
	var s stats
	events := make([]tracedata.PerfEvent, 0, 4)
	for i := 0; i < 4; i++ {
		events = append(events, tracedata.StackSample{Base: tracedata.Base{TimestampNs: tracedata.Timestamp(i)}})
	}
	s.record(events)

	line := s.summary(1, 2, 0)
	if !strings.Contains(line, "unwind_errors=1 (25.0%)") {
		t.Errorf("summary = %q, want unwind_errors=1 (25.0%%)", line)
	}
	if !strings.Contains(line, "discarded_in_uprobes=2 (50.0%)") {
		t.Errorf("summary = %q, want discarded_in_uprobes=2 (50.0%%)", line)
	}
}

func TestStatsSummaryWithoutSamplesAvoidsDivisionByZero(t *testing.T) {
	var s stats
	line := s.summary(0, 0, 0)
	if !strings.Contains(line, "(0.0%)") {
		t.Errorf("summary = %q, want 0.0%% shares with no samples recorded", line)
	}
}

// fakeEvent is a PerfEvent variant typeName doesn't recognize, used only to
// exercise its default case.
type fakeEvent struct{ tracedata.Base }

func TestTypeNameUnknown(t *testing.T) {
	if got := typeName(fakeEvent{}); got != "unknown" {
		t.Errorf("typeName(fakeEvent{}) = %q, want %q", got, "unknown")
	}
}
