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

// SamplingMethod selects how (if at all) user-space stacks are sampled.
type SamplingMethod int8

const (
	// SamplingOff disables stack sampling entirely.
	SamplingOff SamplingMethod = iota
	// SamplingFramePointer samples kernel+user frame-pointer callchains.
	SamplingFramePointer
	// SamplingDWARF samples full register state plus a user stack dump for
	// offline DWARF/CFI unwinding.
	SamplingDWARF
)

func (m SamplingMethod) String() string {
	switch m {
	case SamplingOff:
		return "off"
	case SamplingFramePointer:
		return "frame_pointer"
	case SamplingDWARF:
		return "dwarf"
	default:
		return "unknown"
	}
}

// FunctionKind distinguishes ordinary instrumented functions from the
// manual-instrumentation markers a caller can use to bracket a named region
// that isn't itself a single function's call/return.
type FunctionKind int8

const (
	// FunctionRegular is an ordinarily instrumented function.
	FunctionRegular FunctionKind = iota
	// FunctionManualStart opens a manually-instrumented region.
	FunctionManualStart
	// FunctionManualStop closes a manually-instrumented region.
	FunctionManualStop
)

// InstrumentedFunction identifies one user-space function to instrument with
// a uprobe/uretprobe pair.
type InstrumentedFunction struct {
	// BinaryPath is the path to the ELF binary (or shared object) containing
	// the function.
	BinaryPath string
	// FileOffset is the function's entry offset within BinaryPath.
	FileOffset uint64
	// AbsoluteAddress is the function's runtime virtual address, used to
	// label emitted FunctionCall records.
	AbsoluteAddress uint64
	// Kind distinguishes regular functions from manual start/stop markers.
	Kind FunctionKind
}

// SelectedTracepoint identifies one kernel tracepoint the caller wants
// verbatim TracepointEvent records for.
type SelectedTracepoint struct {
	Category string
	Name     string
}

// Config is the immutable set of options governing one capture. It is built
// and validated by the caller's configuration/RPC layer (out of scope for
// this package) and handed to the orchestrator once per capture.
type Config struct {
	// Pid is the target process.
	Pid PID

	// TraceContextSwitches enables scheduling-slice capture (default true).
	TraceContextSwitches bool
	// TraceThreadState enables thread-state-slice capture (default false).
	TraceThreadState bool
	// TraceGPUDriver enables AMDGPU job correlation. DefaultConfig leaves it
	// false; cmd/systrace turns it on whenever
	// /sys/kernel/tracing/events/amdgpu exists.
	TraceGPUDriver bool

	// Sampling selects the stack-sampling method (default off).
	Sampling SamplingMethod
	// SamplingPeriodNs is the sampling period in nanoseconds, used when
	// Sampling != SamplingOff.
	SamplingPeriodNs uint64

	// InstrumentedFunctions lists the uprobe/uretprobe targets.
	InstrumentedFunctions []InstrumentedFunction
	// InstrumentedTracepoints lists additional user-selected tracepoints.
	InstrumentedTracepoints []SelectedTracepoint
}

// DefaultConfig returns a Config with the standard defaults applied:
// sampling off, context switches on, thread state off. TraceGPUDriver is
// left false; callers should set it from GPU tracepoint availability.
func DefaultConfig(pid PID) Config {
	return Config{
		Pid:                  pid,
		TraceContextSwitches: true,
		TraceThreadState:     false,
		TraceGPUDriver:       false,
		Sampling:             SamplingOff,
	}
}
