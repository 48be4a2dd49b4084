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
	"testing"

	"github.com/google/systrace/tracedata"
	"github.com/google/systrace/unwinding"
)

type unwindingFakeListener struct {
	tracedata.Listener
	calls     []tracedata.FunctionCall
	samples   []tracedata.CallstackSample
	addrInfos []tracedata.AddressInfo
	modules   []tracedata.ModulesUpdate
}

func (f *unwindingFakeListener) OnFunctionCall(c tracedata.FunctionCall)     { f.calls = append(f.calls, c) }
func (f *unwindingFakeListener) OnCallstackSample(s tracedata.CallstackSample) {
	f.samples = append(f.samples, s)
}
func (f *unwindingFakeListener) OnAddressInfo(a tracedata.AddressInfo) { f.addrInfos = append(f.addrInfos, a) }
func (f *unwindingFakeListener) OnModulesUpdate(m tracedata.ModulesUpdate) {
	f.modules = append(f.modules, m)
}

type stubUnwindLibrary struct {
	frames []unwinding.FrameData
	err    error
}

func (s *stubUnwindLibrary) Unwind([17]uint64, []byte) ([]unwinding.FrameData, error) {
	return s.frames, s.err
}

func newUnwindingVisitor(fl *unwindingFakeListener, lib unwinding.UnwindLibrary) *UnwindingVisitor {
	return NewUnwindingVisitor(unwinding.NewReturnAddressPatcher(), unwinding.NewFunctionCallTracker(), unwinding.NewStackUnwinder(lib), fl)
}

func TestUprobeThenUretprobeEmitsFunctionCall(t *testing.T) {
	fl := &unwindingFakeListener{}
	v := newUnwindingVisitor(fl, &stubUnwindLibrary{})
	v.Visit(tracedata.Uprobe{Base: base(100), Tid: 1, Pid: 5, SP: 0x1000, IP: 0xdead, ReturnAddress: 0xaaaa})
	v.Visit(tracedata.Uretprobe{Base: base(200), Tid: 1, Pid: 5, AX: 42})

	if len(fl.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(fl.calls))
	}
	if fl.calls[0].ReturnValue != 42 || fl.calls[0].AbsoluteAddress != 0xdead {
		t.Fatalf("call = %+v", fl.calls[0])
	}
}

func TestMapsEmitsModulesUpdate(t *testing.T) {
	fl := &unwindingFakeListener{}
	v := newUnwindingVisitor(fl, &stubUnwindLibrary{})
	v.Visit(tracedata.Maps{Base: base(100), Pid: 5, Content: "7f0000-7f1000 r-xp 0 00:00 0 /lib/libc.so"})
	if len(fl.modules) != 1 {
		t.Fatalf("got %d module updates, want 1", len(fl.modules))
	}
}

func TestStackSampleEmitsCallstackAndAddressInfo(t *testing.T) {
	fl := &unwindingFakeListener{}
	lib := &stubUnwindLibrary{frames: []unwinding.FrameData{{PC: 0x1000, FunctionName: "foo"}}}
	v := newUnwindingVisitor(fl, lib)
	v.Visit(tracedata.StackSample{Base: base(100), Tid: 1, Pid: 5, SP: 0x2000, StackDump: make([]byte, 64), DynSize: 64})

	if len(fl.samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(fl.samples))
	}
	if len(fl.addrInfos) != 1 || fl.addrInfos[0].FunctionName != "foo" {
		t.Fatalf("addrInfos = %v", fl.addrInfos)
	}
}

func TestStackSampleDiscardedWhenEmpty(t *testing.T) {
	fl := &unwindingFakeListener{}
	v := newUnwindingVisitor(fl, &stubUnwindLibrary{})
	v.Visit(tracedata.StackSample{Base: base(100), Tid: 1, Pid: 5, DynSize: 0})
	if len(fl.samples) != 0 {
		t.Fatalf("got %d samples, want 0 for an empty dump", len(fl.samples))
	}
	if _, _, discardedEmpty := v.Counters(); discardedEmpty != 1 {
		t.Fatalf("discardedEmptyStackDump counter not incremented")
	}
}

func TestStackSampleDiscardedWhenTopFrameIsUprobes(t *testing.T) {
	fl := &unwindingFakeListener{}
	lib := &stubUnwindLibrary{frames: []unwinding.FrameData{{PC: 1, MapName: "[uprobes]"}}}
	v := newUnwindingVisitor(fl, lib)
	v.Visit(tracedata.StackSample{Base: base(100), Tid: 1, Pid: 5, StackDump: make([]byte, 8), DynSize: 8})
	if len(fl.samples) != 0 {
		t.Fatalf("expected sample discarded when top frame is [uprobes]")
	}
}

func TestCallchainSampleSubtractsOneFromNonLeafFrames(t *testing.T) {
	fl := &unwindingFakeListener{}
	v := newUnwindingVisitor(fl, &stubUnwindLibrary{})
	v.Visit(tracedata.CallchainSample{Base: base(100), Tid: 1, Pid: 5, IPs: []uint64{0xfeed, 0x100, 0x200}})

	if len(fl.samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(fl.samples))
	}
	got := fl.samples[0].Frames
	if got[0].PC != 0x100 || got[1].PC != 0x1ff {
		t.Fatalf("frames = %+v, want [0x100, 0x1ff]", got)
	}
}
