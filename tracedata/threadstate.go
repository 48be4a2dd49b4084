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

// ThreadState is the lifecycle state of a thread, as reported by the
// kernel's sched_switch prev_state bits.
type ThreadState int8

const (
	// ThreadStateUnknown is used only to seed state before any real
	// observation; a ThreadStateSlice is never emitted with this state once a
	// live event has been seen for the tid.
	ThreadStateUnknown ThreadState = iota
	// ThreadStateRunnable: on the run queue, not switched in.
	ThreadStateRunnable
	// ThreadStateRunning: switched in on a CPU.
	ThreadStateRunning
	// ThreadStateInterruptibleSleep: bit 0x01.
	ThreadStateInterruptibleSleep
	// ThreadStateUninterruptibleSleep: bit 0x02.
	ThreadStateUninterruptibleSleep
	// ThreadStateStopped: bit 0x04.
	ThreadStateStopped
	// ThreadStateTraced: bit 0x08.
	ThreadStateTraced
	// ThreadStateDead: bit 0x10.
	ThreadStateDead
	// ThreadStateZombie: bit 0x20.
	ThreadStateZombie
	// ThreadStateParked: bit 0x40.
	ThreadStateParked
	// ThreadStateIdle: bit 0x80.
	ThreadStateIdle
)

func (s ThreadState) String() string {
	switch s {
	case ThreadStateRunnable:
		return "runnable"
	case ThreadStateRunning:
		return "running"
	case ThreadStateInterruptibleSleep:
		return "interruptible_sleep"
	case ThreadStateUninterruptibleSleep:
		return "uninterruptible_sleep"
	case ThreadStateStopped:
		return "stopped"
	case ThreadStateTraced:
		return "traced"
	case ThreadStateDead:
		return "dead"
	case ThreadStateZombie:
		return "zombie"
	case ThreadStateParked:
		return "parked"
	case ThreadStateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// StateFromSchedSwitchBits maps a raw sched_switch prev_state bitmask to a
// ThreadState: 0 means runnable (the kernel reports TASK_RUNNING); if
// multiple bits are set, the lowest set bit wins.
func StateFromSchedSwitchBits(bits uint64) ThreadState {
	if bits == 0 {
		return ThreadStateRunnable
	}
	switch bits & -bits { // isolate the lowest set bit
	case 0x01:
		return ThreadStateInterruptibleSleep
	case 0x02:
		return ThreadStateUninterruptibleSleep
	case 0x04:
		return ThreadStateStopped
	case 0x08:
		return ThreadStateTraced
	case 0x10:
		return ThreadStateDead
	case 0x20:
		return ThreadStateZombie
	case 0x40:
		return ThreadStateParked
	case 0x80:
		return ThreadStateIdle
	default:
		return ThreadStateUnknown
	}
}

// WakeupReason records why a thread transitioned into ThreadStateRunnable.
type WakeupReason int8

const (
	// WakeupReasonNA applies to non-runnable states, or runnable states
	// produced by a switch-out rather than a wakeup.
	WakeupReasonNA WakeupReason = iota
	// WakeupReasonCreated: the thread was just created (task_newtask).
	WakeupReasonCreated
	// WakeupReasonUnblocked: a sched_wakeup unblocked the thread.
	WakeupReasonUnblocked
)

// StateCharFromProcStat maps the state letter in field 3 of /proc/<tid>/stat
// to a ThreadState. An unrecognized letter seeds ThreadStateUnknown rather
// than failing the capture.
func StateCharFromProcStat(c byte) ThreadState {
	switch c {
	case 'R':
		return ThreadStateRunnable
	case 'S':
		return ThreadStateInterruptibleSleep
	case 'D':
		return ThreadStateUninterruptibleSleep
	case 'T':
		return ThreadStateStopped
	case 't':
		return ThreadStateTraced
	case 'Z':
		return ThreadStateZombie
	case 'X':
		return ThreadStateDead
	case 'P':
		return ThreadStateParked
	case 'I':
		return ThreadStateIdle
	default:
		return ThreadStateUnknown
	}
}
