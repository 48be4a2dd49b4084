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
// Package unwinding reconstructs real user-space return addresses that
// uprobe/uretprobe trampolines hide from the unwinder, tracks per-call
// nesting depth, and wraps the external stack-unwinding capability.
package unwinding

import (
	"encoding/binary"

	log "github.com/golang/glog"

	"github.com/google/systrace/tracedata"
)

// shadowEntry is one pushed (sp, return_address) pair, plus the cpu it was
// observed on, used to detect migration-caused duplicate pushes.
type shadowEntry struct {
	sp            uint64
	ip            uint64
	returnAddress uint64
	cpu           tracedata.CPU
}

// ReturnAddressPatcher maintains a per-tid shadow stack of hijacked return
// addresses.
type ReturnAddressPatcher struct {
	stacks map[tracedata.TID][]shadowEntry
}

// NewReturnAddressPatcher returns an empty patcher.
func NewReturnAddressPatcher() *ReturnAddressPatcher {
	return &ReturnAddressPatcher{stacks: make(map[tracedata.TID][]shadowEntry)}
}

// OnUprobe pushes the (sp, returnAddress) pair a uprobe observed about to be
// overwritten by the kernel's kretprobe trampoline.
//
// Duplicate-uprobe guard: if the current top has the same sp
// and ip but a different cpu, a thread migration produced a duplicate probe
// firing and the new push is dropped. If the new push's sp is strictly
// greater than the top's, a uretprobe was missed (the stack unwound past the
// recorded frame); the stale top is popped before pushing.
func (p *ReturnAddressPatcher) OnUprobe(tid tracedata.TID, cpu tracedata.CPU, sp, ip, returnAddress uint64) {
	stack := p.stacks[tid]
	if n := len(stack); n > 0 {
		top := stack[n-1]
		if top.sp == sp && top.ip == ip && top.cpu != cpu {
			return // migration-caused duplicate push.
		}
		if sp > top.sp {
			log.Warningf("unwinding: tid %s missed a uretprobe (sp grew from %x to %x); dropping stale shadow entry", tid, top.sp, sp)
			stack = stack[:n-1]
		}
	}
	p.stacks[tid] = append(stack, shadowEntry{sp: sp, ip: ip, returnAddress: returnAddress, cpu: cpu})
}

// OnUretprobe pops the top shadow entry for tid, if any.
func (p *ReturnAddressPatcher) OnUretprobe(tid tracedata.TID) {
	stack := p.stacks[tid]
	if len(stack) == 0 {
		return
	}
	p.stacks[tid] = stack[:len(stack)-1]
	if len(p.stacks[tid]) == 0 {
		delete(p.stacks, tid)
	}
}

// PatchSample overwrites, in stackDump, the 8 bytes at every shadow-stack
// entry whose sp falls within [spAtSample, spAtSample+len(stackDump)), with
// that entry's hijacked return address, giving the unwinder the original
// return address in place of the trampoline's.
func (p *ReturnAddressPatcher) PatchSample(tid tracedata.TID, spAtSample uint64, stackDump []byte) {
	for _, e := range p.stacks[tid] {
		if e.sp < spAtSample {
			continue
		}
		off := e.sp - spAtSample
		if off+8 > uint64(len(stackDump)) {
			continue
		}
		binary.LittleEndian.PutUint64(stackDump[off:off+8], e.returnAddress)
	}
}

// PatchCallchain replaces, in ips, every instruction pointer that lies
// inside the [uprobes] synthetic map with the matching shadow-stack entry's
// real return address, matched by nesting depth from the innermost frame
// outward. inUprobesMap reports whether an address falls inside that map.
func (p *ReturnAddressPatcher) PatchCallchain(tid tracedata.TID, ips []uint64, inUprobesMap func(uint64) bool) {
	stack := p.stacks[tid]
	depth := len(stack) - 1
	for i, ip := range ips {
		if depth < 0 {
			return
		}
		if inUprobesMap(ip) {
			ips[i] = stack[depth].returnAddress
			depth--
		}
	}
}
