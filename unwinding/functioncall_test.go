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
package unwinding

import (
	"testing"

	"github.com/google/systrace/tracedata"
)

func TestFunctionCallTrackerBasic(t *testing.T) {
	f := NewFunctionCallTracker()
	f.OnUprobe(100, 5, 1, 0xdeadbeef, tracedata.FunctionRegular)
	call, ok := f.OnUretprobe(200, 1, 42)
	if !ok {
		t.Fatal("OnUretprobe returned ok=false for a matched call")
	}
	want := tracedata.FunctionCall{Pid: 5, Tid: 1, AbsoluteAddress: 0xdeadbeef, BeginTs: 100, EndTs: 200, Depth: 0, ReturnValue: 42, Kind: tracedata.FunctionRegular}
	if call != want {
		t.Fatalf("call = %+v, want %+v", call, want)
	}
}

func TestFunctionCallTrackerNesting(t *testing.T) {
	f := NewFunctionCallTracker()
	f.OnUprobe(100, 5, 1, 0x1, tracedata.FunctionRegular)
	f.OnUprobe(110, 5, 1, 0x2, tracedata.FunctionRegular)

	inner, ok := f.OnUretprobe(120, 1, 0)
	if !ok || inner.Depth != 1 || inner.AbsoluteAddress != 0x2 {
		t.Fatalf("inner call = %+v, ok=%v", inner, ok)
	}
	outer, ok := f.OnUretprobe(130, 1, 0)
	if !ok || outer.Depth != 0 || outer.AbsoluteAddress != 0x1 {
		t.Fatalf("outer call = %+v, ok=%v", outer, ok)
	}
}

func TestFunctionCallTrackerUnmatchedUretprobeDropped(t *testing.T) {
	f := NewFunctionCallTracker()
	_, ok := f.OnUretprobe(100, 1, 0)
	if ok {
		t.Fatal("expected ok=false for a uretprobe with no matching uprobe")
	}
}
