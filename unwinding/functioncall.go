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

import "github.com/google/systrace/tracedata"

// openCall is an in-flight instrumented function invocation.
type openCall struct {
	pid     tracedata.PID
	address uint64
	beginTs tracedata.Timestamp
	depth   int
	kind    tracedata.FunctionKind
}

// FunctionCallTracker maintains a per-tid stack of open instrumented-function
// invocations and emits a FunctionCall on every matched return.
type FunctionCallTracker struct {
	stacks map[tracedata.TID][]openCall
}

// NewFunctionCallTracker returns an empty tracker.
func NewFunctionCallTracker() *FunctionCallTracker {
	return &FunctionCallTracker{stacks: make(map[tracedata.TID][]openCall)}
}

// OnUprobe pushes a new open call, whose depth is the stack's size before
// the push.
func (f *FunctionCallTracker) OnUprobe(ts tracedata.Timestamp, pid tracedata.PID, tid tracedata.TID, address uint64, kind tracedata.FunctionKind) {
	stack := f.stacks[tid]
	f.stacks[tid] = append(stack, openCall{pid: pid, address: address, beginTs: ts, depth: len(stack), kind: kind})
}

// OnUretprobe pops the top open call and returns the completed FunctionCall.
// If the stack is empty (a uretprobe without a matching uprobe, which can
// happen for a call already in flight when the capture started), ok is
// false and no call is returned.
func (f *FunctionCallTracker) OnUretprobe(ts tracedata.Timestamp, tid tracedata.TID, returnValue uint64) (call tracedata.FunctionCall, ok bool) {
	stack := f.stacks[tid]
	if len(stack) == 0 {
		return tracedata.FunctionCall{}, false
	}
	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		delete(f.stacks, tid)
	} else {
		f.stacks[tid] = stack
	}
	return tracedata.FunctionCall{
		Pid:             top.pid,
		Tid:             tid,
		AbsoluteAddress: top.address,
		BeginTs:         top.beginTs,
		EndTs:           ts,
		Depth:           top.depth,
		ReturnValue:     returnValue,
		Kind:            top.kind,
	}, true
}
