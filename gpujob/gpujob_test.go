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
package gpujob

import (
	"testing"

	"github.com/google/systrace/tracedata"
)

type fakeListener struct {
	tracedata.Listener
	jobs []tracedata.GpuJob
}

func (f *fakeListener) OnGpuJob(j tracedata.GpuJob) {
	f.jobs = append(f.jobs, j)
}

func TestCompletesOnAllThreeTracepoints(t *testing.T) {
	fl := &fakeListener{}
	c := New(fl)
	c.OnAmdgpuCsIoctl(100, 7, 1, 1, "gfx")
	if len(fl.jobs) != 0 {
		t.Fatalf("job emitted before all three tracepoints arrived: %v", fl.jobs)
	}
	c.OnAmdgpuSchedRunJob(110, 1, 1, "gfx")
	if len(fl.jobs) != 0 {
		t.Fatalf("job emitted before all three tracepoints arrived: %v", fl.jobs)
	}
	c.OnDmaFenceSignaled(200, 1, 1, "gfx")

	if len(fl.jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(fl.jobs))
	}
	j := fl.jobs[0]
	if j.Tid != 7 || j.Context != 1 || j.Seqno != 1 || j.Timeline != "gfx" {
		t.Fatalf("job = %+v", j)
	}
	if j.AmdgpuCsIoctlTimeNs != 100 || j.AmdgpuSchedRunJobTimeNs != 110 || j.DmaFenceSignaledTimeNs != 200 {
		t.Fatalf("job timestamps = %+v", j)
	}
}

func TestToleratesArbitraryArrivalOrder(t *testing.T) {
	fl := &fakeListener{}
	c := New(fl)
	// Dma fence arrives first, then sched, then ioctl.
	c.OnDmaFenceSignaled(200, 2, 5, "gfx")
	c.OnAmdgpuSchedRunJob(110, 2, 5, "gfx")
	c.OnAmdgpuCsIoctl(100, 9, 2, 5, "gfx")

	if len(fl.jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(fl.jobs))
	}
}

func TestFirstJobOnTimelineGetsDepthZero(t *testing.T) {
	fl := &fakeListener{}
	c := New(fl)
	c.OnAmdgpuCsIoctl(100, 1, 1, 1, "gfx")
	c.OnAmdgpuSchedRunJob(110, 1, 1, "gfx")
	c.OnDmaFenceSignaled(200, 1, 1, "gfx")
	if fl.jobs[0].Depth != 0 {
		t.Fatalf("Depth = %d, want 0", fl.jobs[0].Depth)
	}
}

func TestOverlappingJobsGetDistinctDepths(t *testing.T) {
	fl := &fakeListener{}
	c := New(fl)
	// Job A occupies [100, 500]; job B starts at 200, still inside A's busy
	// window (with slack), so it must get a different depth row.
	c.OnAmdgpuCsIoctl(100, 1, 1, 1, "gfx")
	c.OnAmdgpuSchedRunJob(110, 1, 1, "gfx")
	c.OnDmaFenceSignaled(500, 1, 1, "gfx")

	c.OnAmdgpuCsIoctl(200, 2, 1, 2, "gfx")
	c.OnAmdgpuSchedRunJob(210, 1, 2, "gfx")
	c.OnDmaFenceSignaled(600, 1, 2, "gfx")

	if len(fl.jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(fl.jobs))
	}
	if fl.jobs[0].Depth == fl.jobs[1].Depth {
		t.Fatalf("both jobs assigned depth %d, want distinct rows", fl.jobs[0].Depth)
	}
}

func TestSequentialJobsReuseDepthRow(t *testing.T) {
	fl := &fakeListener{}
	c := New(fl)
	c.OnAmdgpuCsIoctl(100, 1, 1, 1, "gfx")
	c.OnAmdgpuSchedRunJob(110, 1, 1, "gfx")
	c.OnDmaFenceSignaled(200, 1, 1, "gfx")

	// Second job starts well after the first cleared (plus slack): reuses
	// depth 0.
	c.OnAmdgpuCsIoctl(200+int64FromSlack(), 2, 1, 2, "gfx")
	c.OnAmdgpuSchedRunJob(310, 1, 2, "gfx")
	c.OnDmaFenceSignaled(400, 1, 2, "gfx")

	if fl.jobs[1].Depth != 0 {
		t.Fatalf("Depth = %d, want 0 (row reused)", fl.jobs[1].Depth)
	}
}

func int64FromSlack() tracedata.Timestamp {
	return kSlack + 1
}

func TestBusyTimelineDelaysHardwareStart(t *testing.T) {
	fl := &fakeListener{}
	c := New(fl)
	// First job runs [100..300]; the second is submitted while it still
	// occupies the queue, so its hardware start is the first job's fence
	// signal rather than its own dispatch time.
	c.OnAmdgpuCsIoctl(100, 1, 1, 10, "gfx")
	c.OnAmdgpuSchedRunJob(200, 1, 10, "gfx")
	c.OnDmaFenceSignaled(300, 1, 10, "gfx")

	c.OnAmdgpuCsIoctl(110, 1, 1, 11, "gfx")
	c.OnAmdgpuSchedRunJob(210, 1, 11, "gfx")
	c.OnDmaFenceSignaled(400, 1, 11, "gfx")

	if len(fl.jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(fl.jobs))
	}
	if fl.jobs[0].GpuHardwareStartTimeNs != 200 {
		t.Errorf("first job hw start = %d, want 200 (its own dispatch)", fl.jobs[0].GpuHardwareStartTimeNs)
	}
	if fl.jobs[1].GpuHardwareStartTimeNs != 300 {
		t.Errorf("second job hw start = %d, want 300 (previous job's fence)", fl.jobs[1].GpuHardwareStartTimeNs)
	}
	if fl.jobs[0].Depth != 0 || fl.jobs[1].Depth != 1 {
		t.Errorf("depths = %d, %d, want 0, 1", fl.jobs[0].Depth, fl.jobs[1].Depth)
	}
}

func TestOutOfOrderArrivalProducesSameTimings(t *testing.T) {
	fl := &fakeListener{}
	c := New(fl)
	c.OnDmaFenceSignaled(300, 1, 10, "gfx")
	c.OnAmdgpuSchedRunJob(200, 1, 10, "gfx")
	c.OnAmdgpuCsIoctl(100, 1, 1, 10, "gfx")

	if len(fl.jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(fl.jobs))
	}
	j := fl.jobs[0]
	if j.AmdgpuCsIoctlTimeNs != 100 || j.AmdgpuSchedRunJobTimeNs != 200 || j.GpuHardwareStartTimeNs != 200 || j.DmaFenceSignaledTimeNs != 300 {
		t.Fatalf("job timings = %+v, want ioctl=100 sched=200 hw=200 dma=300", j)
	}
}

func TestIndependentTimelinesDoNotShareDepthRows(t *testing.T) {
	fl := &fakeListener{}
	c := New(fl)
	c.OnAmdgpuCsIoctl(100, 1, 1, 1, "gfx")
	c.OnAmdgpuSchedRunJob(110, 1, 1, "gfx")
	c.OnDmaFenceSignaled(500, 1, 1, "gfx")

	c.OnAmdgpuCsIoctl(150, 2, 1, 1, "compute")
	c.OnAmdgpuSchedRunJob(160, 1, 1, "compute")
	c.OnDmaFenceSignaled(550, 1, 1, "compute")

	if fl.jobs[0].Depth != 0 || fl.jobs[1].Depth != 0 {
		t.Fatalf("expected both jobs at depth 0 on their own independent timelines, got %+v", fl.jobs)
	}
}
