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
package tracedata

// PerfEvent is the discriminated union of every record PerfSession can
// decode from a ring buffer. Each concrete variant embeds Base, which
// supplies the common timestamp/origin fields; Visitors type-switch on the
// concrete type rather than dispatching through per-variant methods.
type PerfEvent interface {
	// Ts returns the event's CLOCK_MONOTONIC timestamp.
	Ts() Timestamp
	// OriginFD identifies the ring buffer (and therefore EventQueue source)
	// this event was read from.
	OriginFD() int32
}

// Base carries the fields common to every PerfEvent variant.
type Base struct {
	TimestampNs Timestamp
	Origin      int32
}

// Ts implements PerfEvent.
func (b Base) Ts() Timestamp { return b.TimestampNs }

// OriginFD implements PerfEvent.
func (b Base) OriginFD() int32 { return b.Origin }

// StackSample is a DWARF-sampling record: a full x86_64 GP register set and
// a user stack dump suitable for offline unwinding.
type StackSample struct {
	Base
	Tid TID
	Pid PID
	// Regs holds the 17 x86_64 general-purpose registers in ascending
	// PERF_REG_X86 bit order: AX, BX, CX, DX, SI, DI, BP, SP, IP, R8-R15.
	Regs [17]uint64
	// StackDump is the captured user stack bytes (up to ~64 KiB).
	StackDump []byte
	// DynSize is the number of valid (actually-captured) bytes at the top of
	// StackDump; the rest of the slice, if any, is padding.
	DynSize uint32
	// SP is Regs' stack-pointer slot, pulled out for convenience since it is
	// consulted constantly by ReturnAddressPatcher.
	SP uint64
}

// CallchainSample is a frame-pointer-sampling record.
type CallchainSample struct {
	Base
	Tid TID
	Pid PID
	// IPs holds the kernel+user instruction pointer chain; IPs[0] is always
	// a kernel context marker, IPs[1] is the innermost user frame.
	IPs []uint64
}

// Uprobe is emitted when an instrumented function is entered.
type Uprobe struct {
	Base
	Tid TID
	Pid PID
	SP  uint64
	IP  uint64
	// ReturnAddress is the 8 bytes at the top of the stack, captured before
	// the kernel's kretprobe trampoline overwrites them.
	ReturnAddress uint64
	// Function is resolved during decode from the event's stream-id.
	Function *InstrumentedFunction
}

// Uretprobe is emitted when an instrumented function returns.
type Uretprobe struct {
	Base
	Tid TID
	Pid PID
	// AX is the function's return value register.
	AX       uint64
	Function *InstrumentedFunction
}

// Fork is emitted by PERF_RECORD_FORK.
type Fork struct {
	Base
	Pid       PID
	Tid       TID
	ParentPid PID
	ParentTid TID
}

// Exit is emitted by PERF_RECORD_EXIT.
type Exit struct {
	Base
	Pid       PID
	Tid       TID
	ParentPid PID
	ParentTid TID
}

// Maps is emitted on observing an mmap affecting the target's address space;
// it carries a fresh /proc/<pid>/maps snapshot.
type Maps struct {
	Base
	Pid     PID
	Content string
}

// TaskNewtask is the task:task_newtask tracepoint: a new thread was created.
type TaskNewtask struct {
	Base
	Tid  TID
	Comm string
}

// TaskRename is the task:task_rename tracepoint.
type TaskRename struct {
	Base
	Tid     TID
	NewComm string
}

// SchedSwitch is the sched:sched_switch tracepoint.
type SchedSwitch struct {
	Base
	// PrevPid is the record's own PERF_SAMPLE_TID pid, taken in the outgoing
	// thread's context; it is UnknownPID on a switch-out caused by thread exit.
	PrevPid PID
	PrevTid TID
	// PrevStateBits is the raw kernel prev_state bitmask (see
	// StateFromSchedSwitchBits).
	PrevStateBits uint64
	// NextPid is the incoming thread's pid. The tracepoint carries no tgid
	// for it, so the decoder leaves it UnknownPID and
	// ContextSwitchAndThreadStateVisitor looks it up in TidPidAssociator.
	NextPid PID
	NextTid TID
	CPU     CPU
}

// SchedWakeup is the sched:sched_wakeup tracepoint.
type SchedWakeup struct {
	Base
	WokenTid TID
	WokenPid PID
	WakerTid TID
	WakerPid PID
}

// AmdgpuCsIoctl is the amdgpu:amdgpu_cs_ioctl tracepoint: a command buffer
// was submitted to the driver.
type AmdgpuCsIoctl struct {
	Base
	Tid      TID
	Pid      PID
	Context  uint32
	Seqno    uint64
	Timeline string
}

// AmdgpuSchedRunJob is the amdgpu:amdgpu_sched_run_job tracepoint: the
// scheduler dispatched a job to hardware.
type AmdgpuSchedRunJob struct {
	Base
	Context  uint32
	Seqno    uint64
	Timeline string
}

// DmaFenceSignaled is the dma_fence:dma_fence_signaled tracepoint: a job's
// completion fence signaled.
type DmaFenceSignaled struct {
	Base
	Context  uint32
	Seqno    uint64
	Timeline string
}

// UserTracepoint carries an arbitrary user-selected tracepoint's raw
// payload, uninterpreted; the payload's meaning is the consumer's business.
type UserTracepoint struct {
	Base
	Tid        TID
	Pid        PID
	CPU        CPU
	Category   string
	Name       string
	RawPayload []byte
}

// Lost is emitted when a ring buffer overran before we could read everything
// it produced.
type Lost struct {
	Base
	// LostSamples and LostNonSamples separately count lost PERF_RECORD_SAMPLE
	// records versus all other lost record kinds.
	LostSamples    uint64
	LostNonSamples uint64
}
