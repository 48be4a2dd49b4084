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
// Package gpujob correlates the three AMDGPU driver tracepoints that
// together describe one command-buffer submission's lifetime into a single
// GpuJob record.
package gpujob

import (
	"math"

	"github.com/Workiva/go-datastructures/augmentedtree"

	"github.com/google/systrace/tracedata"
)

// kSlack is the minimum gap a depth row must have cleared before a new job
// can reuse it.
const kSlack tracedata.Timestamp = 1_000_000 // 1ms, in nanoseconds.

type jobKey struct {
	context  uint32
	seqno    uint64
	timeline string
}

type pendingJob struct {
	tid                           tracedata.TID
	ioctlTs                       tracedata.Timestamp
	schedTs                       tracedata.Timestamp
	dmaTs                         tracedata.Timestamp
	haveIoctl, haveSched, haveDma bool
}

func (j *pendingJob) complete() bool { return j.haveIoctl && j.haveSched && j.haveDma }

// depthRow is one occupied-until-timestamp slot in a timeline's interval
// tree, queried as a single-point interval at its end timestamp.
type depthRow struct {
	depth int
	end   tracedata.Timestamp
}

func (r *depthRow) LowAtDimension(uint64) int64  { return int64(r.end) }
func (r *depthRow) HighAtDimension(uint64) int64 { return int64(r.end) }
func (r *depthRow) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return r.HighAtDimension(d) >= j.LowAtDimension(d) && j.HighAtDimension(d) >= r.LowAtDimension(d)
}
func (r *depthRow) ID() uint64 { return uint64(r.depth) }

// busyQuery is a [low, +inf) range used to find every depthRow still busy at
// or after low.
type busyQuery struct{ low int64 }

func (q *busyQuery) LowAtDimension(uint64) int64  { return q.low }
func (q *busyQuery) HighAtDimension(uint64) int64 { return math.MaxInt64 }
func (q *busyQuery) OverlapsAtDimension(j augmentedtree.Interval, d uint64) bool {
	return q.HighAtDimension(d) >= j.LowAtDimension(d) && j.HighAtDimension(d) >= q.LowAtDimension(d)
}
func (q *busyQuery) ID() uint64 { return 0 }

// timelineState is the per-timeline bookkeeping depth assignment needs.
type timelineState struct {
	tree                   augmentedtree.Tree
	rows                   []*depthRow
	lastDmaFenceSignalTime tracedata.Timestamp
}

// Correlator assembles GpuJob records from the three AMDGPU tracepoints
// that describe a submission's lifetime. It tolerates any arrival order
// across the three tracepoint streams.
type Correlator struct {
	pending   map[jobKey]*pendingJob
	timelines map[string]*timelineState
	listener  tracedata.Listener
}

// New returns an empty Correlator delivering completed jobs to listener.
func New(listener tracedata.Listener) *Correlator {
	return &Correlator{
		pending:   make(map[jobKey]*pendingJob),
		timelines: make(map[string]*timelineState),
		listener:  listener,
	}
}

func (c *Correlator) entry(key jobKey) *pendingJob {
	p, ok := c.pending[key]
	if !ok {
		p = &pendingJob{}
		c.pending[key] = p
	}
	return p
}

// OnAmdgpuCsIoctl records a command-buffer submission.
func (c *Correlator) OnAmdgpuCsIoctl(ts tracedata.Timestamp, tid tracedata.TID, context uint32, seqno uint64, timeline string) {
	key := jobKey{context, seqno, timeline}
	p := c.entry(key)
	p.tid, p.ioctlTs, p.haveIoctl = tid, ts, true
	c.maybeComplete(key, p)
}

// OnAmdgpuSchedRunJob records a job being dispatched to hardware.
func (c *Correlator) OnAmdgpuSchedRunJob(ts tracedata.Timestamp, context uint32, seqno uint64, timeline string) {
	key := jobKey{context, seqno, timeline}
	p := c.entry(key)
	p.schedTs, p.haveSched = ts, true
	c.maybeComplete(key, p)
}

// OnDmaFenceSignaled records a job's completion fence firing.
func (c *Correlator) OnDmaFenceSignaled(ts tracedata.Timestamp, context uint32, seqno uint64, timeline string) {
	key := jobKey{context, seqno, timeline}
	p := c.entry(key)
	p.dmaTs, p.haveDma = ts, true
	c.maybeComplete(key, p)
}

func (c *Correlator) maybeComplete(key jobKey, p *pendingJob) {
	if !p.complete() {
		return
	}
	delete(c.pending, key)

	ts := c.timelineFor(key.timeline)

	hwStart := p.schedTs
	if ts.lastDmaFenceSignalTime > hwStart {
		hwStart = ts.lastDmaFenceSignalTime
	}
	if p.dmaTs > ts.lastDmaFenceSignalTime {
		ts.lastDmaFenceSignalTime = p.dmaTs
	}

	depth := c.assignDepth(ts, p.ioctlTs, p.dmaTs)

	c.listener.OnGpuJob(tracedata.GpuJob{
		Tid:                     p.tid,
		Context:                 key.context,
		Seqno:                   key.seqno,
		Timeline:                key.timeline,
		Depth:                   depth,
		AmdgpuCsIoctlTimeNs:     p.ioctlTs,
		AmdgpuSchedRunJobTimeNs: p.schedTs,
		GpuHardwareStartTimeNs:  hwStart,
		DmaFenceSignaledTimeNs:  p.dmaTs,
	})
}

func (c *Correlator) timelineFor(name string) *timelineState {
	t, ok := c.timelines[name]
	if !ok {
		t = &timelineState{tree: augmentedtree.New(1)}
		c.timelines[name] = t
	}
	return t
}

// assignDepth implements greedy first-fit row assignment: the lowest row
// whose last end-timestamp plus kSlack has already passed ioctlTs is
// reused; otherwise a new row is appended.
func (c *Correlator) assignDepth(t *timelineState, ioctlTs, dmaTs tracedata.Timestamp) int {
	busy := make(map[int]bool)
	if t.tree.Len() > 0 {
		for _, iv := range t.tree.Query(&busyQuery{low: int64(ioctlTs - kSlack + 1)}) {
			busy[int(iv.ID())] = true
		}
	}
	depth := len(t.rows)
	for d := 0; d < len(t.rows); d++ {
		if !busy[d] {
			depth = d
			break
		}
	}
	if depth < len(t.rows) {
		row := t.rows[depth]
		t.tree.Delete(row)
		row.end = dmaTs
		t.tree.Add(row)
		return depth
	}
	row := &depthRow{depth: depth, end: dmaTs}
	t.rows = append(t.rows, row)
	t.tree.Add(row)
	return depth
}
