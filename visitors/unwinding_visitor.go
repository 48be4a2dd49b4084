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
// Package visitors dispatches EventProcessor's committed, time-ordered
// PerfEvent stream to the per-concern managers. Both visitors implement
// eventqueue.Visitor.
package visitors

import (
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/google/systrace/tracedata"
	"github.com/google/systrace/unwinding"
)

// UnwindingVisitor drives ReturnAddressPatcher, FunctionCallTracker and
// StackUnwinder from the decoded PerfEvent stream.
type UnwindingVisitor struct {
	patcher  *unwinding.ReturnAddressPatcher
	calls    *unwinding.FunctionCallTracker
	unwinder *unwinding.StackUnwinder
	listener tracedata.Listener

	unwindErrors            uint64
	discardedUprobesFrame   uint64
	discardedEmptyStackDump uint64
}

// NewUnwindingVisitor returns a visitor wiring the three unwinding managers
// to listener.
func NewUnwindingVisitor(patcher *unwinding.ReturnAddressPatcher, calls *unwinding.FunctionCallTracker, unwinder *unwinding.StackUnwinder, listener tracedata.Listener) *UnwindingVisitor {
	return &UnwindingVisitor{patcher: patcher, calls: calls, unwinder: unwinder, listener: listener}
}

// Counters returns a snapshot of the visitor's diagnostic counters. The
// counters are updated atomically, so the poller goroutine can read them for
// its periodic stats line while the deferred worker keeps visiting.
func (v *UnwindingVisitor) Counters() (unwindErrors, discardedUprobesFrame, discardedEmptyStackDump uint64) {
	return atomic.LoadUint64(&v.unwindErrors),
		atomic.LoadUint64(&v.discardedUprobesFrame),
		atomic.LoadUint64(&v.discardedEmptyStackDump)
}

// Visit implements eventqueue.Visitor.
func (v *UnwindingVisitor) Visit(ev tracedata.PerfEvent) {
	switch e := ev.(type) {
	case tracedata.Uprobe:
		v.patcher.OnUprobe(e.Tid, cpuOf(e), e.SP, e.IP, e.ReturnAddress)
		kind := tracedata.FunctionRegular
		address := e.IP
		if e.Function != nil {
			kind = e.Function.Kind
			address = e.Function.AbsoluteAddress
		}
		v.calls.OnUprobe(e.Ts(), e.Pid, e.Tid, address, kind)
	case tracedata.Uretprobe:
		if call, ok := v.calls.OnUretprobe(e.Ts(), e.Tid, e.AX); ok {
			v.listener.OnFunctionCall(call)
		}
		v.patcher.OnUretprobe(e.Tid)
	case tracedata.Maps:
		v.unwinder.OnMaps(e.Content)
		v.listener.OnModulesUpdate(tracedata.ModulesUpdate{Pid: e.Pid, Ts: e.Ts(), Content: e.Content})
	case tracedata.StackSample:
		v.visitStackSample(e)
	case tracedata.CallchainSample:
		v.visitCallchainSample(e)
	}
}

func (v *UnwindingVisitor) visitStackSample(e tracedata.StackSample) {
	if e.DynSize == 0 {
		atomic.AddUint64(&v.discardedEmptyStackDump, 1)
		return
	}
	dump := append([]byte(nil), e.StackDump[:e.DynSize]...)
	v.patcher.PatchSample(e.Tid, e.SP, dump)

	frames, err := v.unwinder.Unwind(e.Regs, dump)
	if err != nil {
		atomic.AddUint64(&v.unwindErrors, 1)
		log.Warningf("visitors: unwind error for tid %s: %v", e.Tid, err)
		return
	}
	if len(frames) == 0 {
		atomic.AddUint64(&v.discardedEmptyStackDump, 1)
		return
	}
	if unwinding.IsUprobesFrame(frames[0]) {
		atomic.AddUint64(&v.discardedUprobesFrame, 1)
		return
	}
	v.emitCallstack(e.Pid, e.Tid, e.Ts(), frames)
}

func (v *UnwindingVisitor) visitCallchainSample(e tracedata.CallchainSample) {
	if len(e.IPs) < 2 {
		atomic.AddUint64(&v.discardedEmptyStackDump, 1)
		return
	}
	// IPs[0] is always a kernel context marker; IPs[1] is the innermost user
	// frame. If it lies in [uprobes], the whole sample is discarded before
	// any patching is attempted.
	if v.unwinder.IsInUprobesRange(e.IPs[1]) {
		atomic.AddUint64(&v.discardedUprobesFrame, 1)
		return
	}

	ips := append([]uint64(nil), e.IPs[1:]...)
	v.patcher.PatchCallchain(e.Tid, ips, v.unwinder.IsInUprobesRange)

	frames := make([]unwinding.FrameData, len(ips))
	for i, ip := range ips {
		pc := ip
		if i > 0 {
			// Subsequent frames land just past the call instruction; subtract 1
			// so the pc lands inside it, as symbolizers expect.
			pc--
		}
		frames[i] = unwinding.FrameData{PC: pc}
	}
	v.emitCallstack(e.Pid, e.Tid, e.Ts(), frames)
}

func (v *UnwindingVisitor) emitCallstack(pid tracedata.PID, tid tracedata.TID, ts tracedata.Timestamp, frames []unwinding.FrameData) {
	sample := tracedata.CallstackSample{Pid: pid, Tid: tid, Ts: ts}
	for _, f := range frames {
		sample.Frames = append(sample.Frames, tracedata.Frame{PC: f.PC})
	}
	v.listener.OnCallstackSample(sample)
	for _, info := range v.unwinder.NewAddressInfos(frames) {
		v.listener.OnAddressInfo(info)
	}
}

func cpuOf(e tracedata.Uprobe) tracedata.CPU {
	// Uprobe doesn't carry an explicit CPU field (the record is already
	// per-core by construction); OriginFD disambiguates migration duplicates
	// just as well as a CPU id would, so it's reused here.
	return tracedata.CPU(e.OriginFD())
}
