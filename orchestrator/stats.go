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
	"fmt"

	"github.com/google/systrace/tracedata"
)

// stats accumulates the counters printed in the periodic capture log line,
// broken down by record category and, for lost records, by the ring buffer
// that dropped them. Only ever touched from the poller goroutine, so it
// needs no locking of its own.
type stats struct {
	byType         map[string]uint64
	lostSamples    uint64
	lostNonSamples uint64
	lostByOrigin   map[int32]uint64
	total          uint64
}

// record tallies one poll round's decoded events by concrete Go type.
func (s *stats) record(events []tracedata.PerfEvent) {
	if s.byType == nil {
		s.byType = make(map[string]uint64)
	}
	for _, ev := range events {
		s.byType[typeName(ev)]++
		s.total++
	}
}

// addLost tallies one Lost record against the ring buffer it came from.
func (s *stats) addLost(origin int32, samples, nonSamples uint64) {
	if s.lostByOrigin == nil {
		s.lostByOrigin = make(map[int32]uint64)
	}
	s.lostSamples += samples
	s.lostNonSamples += nonSamples
	s.lostByOrigin[origin] += samples + nonSamples
}

// summary renders the periodic log line: event totals by type, lost records
// per ring buffer, and the unwind-error and discard counts as a share of all
// stack/callchain samples.
func (s *stats) summary(unwindErrors, discardedUprobesFrame, discardedEmptyStackDump uint64) string {
	samples := s.byType["stack_sample"] + s.byType["callchain_sample"]
	return fmt.Sprintf(
		"events=%d by_type=%v lost_samples=%d lost_non_samples=%d lost_by_buffer=%v unwind_errors=%d (%.1f%%) discarded_in_uprobes=%d (%.1f%%) discarded_empty=%d (%.1f%%)",
		s.total, s.byType, s.lostSamples, s.lostNonSamples, s.lostByOrigin,
		unwindErrors, percent(unwindErrors, samples),
		discardedUprobesFrame, percent(discardedUprobesFrame, samples),
		discardedEmptyStackDump, percent(discardedEmptyStackDump, samples))
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return 100 * float64(part) / float64(whole)
}

func typeName(ev tracedata.PerfEvent) string {
	switch ev.(type) {
	case tracedata.StackSample:
		return "stack_sample"
	case tracedata.CallchainSample:
		return "callchain_sample"
	case tracedata.Uprobe:
		return "uprobe"
	case tracedata.Uretprobe:
		return "uretprobe"
	case tracedata.Fork:
		return "fork"
	case tracedata.Exit:
		return "exit"
	case tracedata.Maps:
		return "maps"
	case tracedata.TaskNewtask:
		return "task_newtask"
	case tracedata.TaskRename:
		return "task_rename"
	case tracedata.SchedSwitch:
		return "sched_switch"
	case tracedata.SchedWakeup:
		return "sched_wakeup"
	case tracedata.AmdgpuCsIoctl:
		return "amdgpu_cs_ioctl"
	case tracedata.AmdgpuSchedRunJob:
		return "amdgpu_sched_run_job"
	case tracedata.DmaFenceSignaled:
		return "dma_fence_signaled"
	case tracedata.UserTracepoint:
		return "user_tracepoint"
	case tracedata.Lost:
		return "lost"
	default:
		return "unknown"
	}
}
