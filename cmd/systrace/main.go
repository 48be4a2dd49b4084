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
// Binary systrace is a minimal command-line harness around the tracing
// core, standing in for a host's configuration layer and listener sink:
// flags build a tracedata.Config, and a logging Listener prints every
// emitted record.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	log "github.com/golang/glog"

	"github.com/google/systrace/orchestrator"
	"github.com/google/systrace/tracedata"
	"github.com/google/systrace/unwinding"
)

var (
	pid                   = flag.Int("pid", 0, "Target process id to trace.")
	traceContextSwitches  = flag.Bool("trace_context_switches", true, "Emit scheduling slices.")
	traceThreadState      = flag.Bool("trace_thread_state", false, "Emit thread-state slices.")
	traceGPUDriver        = flag.Bool("trace_gpu_driver", false, "Correlate AMDGPU job tracepoints; also turned on whenever /sys/kernel/tracing/events/amdgpu exists.")
	sampling              = flag.String("sampling", "off", "Stack sampling method: off, frame_pointer, or dwarf.")
	samplingPeriodNs      = flag.Uint64("sampling_period_ns", 1_000_000, "Stack sampling period in nanoseconds.")
	instrumentedFunctions = flag.String("instrument", "", "Comma-separated binary_path:file_offset:absolute_address triples to uprobe.")
	instrumentedTracepoints = flag.String("tracepoints", "", "Comma-separated category:name pairs to capture verbatim.")
)

func main() {
	flag.Parse()
	if *pid <= 0 {
		log.Exit("systrace: -pid is required")
	}

	cfg := buildConfig()
	listener := &logListener{}
	// DWARF/ELF parsing and CFI evaluation live outside the core: this stub
	// stands in for that external unwinding capability until a real
	// implementation is wired in.
	unwindLib := &unimplementedUnwindLibrary{}

	o := orchestrator.New(cfg, listener, unwindLib, "", "", "")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := o.Run(ctx); err != nil {
		log.Exitf("systrace: capture failed: %v", err)
	}
}

func buildConfig() tracedata.Config {
	cfg := tracedata.DefaultConfig(tracedata.PID(*pid))
	cfg.TraceContextSwitches = *traceContextSwitches
	cfg.TraceThreadState = *traceThreadState
	cfg.TraceGPUDriver = *traceGPUDriver || gpuTracingAvailable()
	cfg.Sampling = parseSamplingMethod(*sampling)
	cfg.SamplingPeriodNs = *samplingPeriodNs
	cfg.InstrumentedFunctions = parseInstrumentedFunctions(*instrumentedFunctions)
	cfg.InstrumentedTracepoints = parseSelectedTracepoints(*instrumentedTracepoints)
	return cfg
}

// gpuTracingAvailable reports whether the kernel exposes the AMDGPU
// tracepoints this capture would correlate.
func gpuTracingAvailable() bool {
	_, err := os.Stat("/sys/kernel/tracing/events/amdgpu")
	return err == nil
}

func parseSamplingMethod(s string) tracedata.SamplingMethod {
	switch s {
	case "frame_pointer":
		return tracedata.SamplingFramePointer
	case "dwarf":
		return tracedata.SamplingDWARF
	default:
		return tracedata.SamplingOff
	}
}

// parseInstrumentedFunctions parses "-instrument" entries of the form
// "binary_path:file_offset:absolute_address", kind defaulting to regular;
// manual start/stop markers are configured by a host's own configuration
// layer in a real deployment, not this flag-based harness.
func parseInstrumentedFunctions(s string) []tracedata.InstrumentedFunction {
	var out []tracedata.InstrumentedFunction
	for _, entry := range splitNonEmpty(s) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			log.Warningf("systrace: ignoring malformed -instrument entry %q", entry)
			continue
		}
		offset, err := strconv.ParseUint(parts[1], 0, 64)
		if err != nil {
			log.Warningf("systrace: ignoring -instrument entry %q: %v", entry, err)
			continue
		}
		addr, err := strconv.ParseUint(parts[2], 0, 64)
		if err != nil {
			log.Warningf("systrace: ignoring -instrument entry %q: %v", entry, err)
			continue
		}
		out = append(out, tracedata.InstrumentedFunction{
			BinaryPath:      parts[0],
			FileOffset:      offset,
			AbsoluteAddress: addr,
			Kind:            tracedata.FunctionRegular,
		})
	}
	return out
}

// parseSelectedTracepoints parses "-tracepoints" entries of the form
// "category:name".
func parseSelectedTracepoints(s string) []tracedata.SelectedTracepoint {
	var out []tracedata.SelectedTracepoint
	for _, entry := range splitNonEmpty(s) {
		cat, name, ok := strings.Cut(entry, ":")
		if !ok {
			log.Warningf("systrace: ignoring malformed -tracepoints entry %q", entry)
			continue
		}
		out = append(out, tracedata.SelectedTracepoint{Category: cat, Name: name})
	}
	return out
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// unimplementedUnwindLibrary stands in for DWARF/CFI evaluation. It always
// reports an error, which StackUnwinder already handles (counted and
// dropped, unless the trailing frame is the uprobes trampoline).
type unimplementedUnwindLibrary struct {
	warned bool
}

func (u *unimplementedUnwindLibrary) Unwind([17]uint64, []byte) ([]unwinding.FrameData, error) {
	if !u.warned {
		log.Warning("systrace: no DWARF/ELF unwind library wired in; stack samples will be dropped")
		u.warned = true
	}
	return nil, errNoUnwindLibrary
}

var errNoUnwindLibrary = &unwindLibraryError{}

type unwindLibraryError struct{}

func (*unwindLibraryError) Error() string {
	return "systrace: no unwind library configured"
}

// logListener implements tracedata.Listener by logging every record, a
// stand-in for a real host's sink.
type logListener struct{}

func (l *logListener) OnSchedulingSlice(s tracedata.SchedulingSlice) {
	log.Infof("sched_slice pid=%s tid=%s core=%d in=%d out=%d", s.Pid, s.Tid, s.Core, s.InTs, s.OutTs)
}

func (l *logListener) OnThreadStateSlice(s tracedata.ThreadStateSlice) {
	log.Infof("thread_state tid=%s state=%s begin=%d end=%d", s.Tid, s.State, s.BeginTs, s.EndTs)
}

func (l *logListener) OnCallstackSample(c tracedata.CallstackSample) {
	log.Infof("callstack pid=%s tid=%s ts=%d frames=%d", c.Pid, c.Tid, c.Ts, len(c.Frames))
}

func (l *logListener) OnAddressInfo(a tracedata.AddressInfo) {
	log.Infof("address_info addr=%#x fn=%s+%#x map=%s", a.AbsoluteAddress, a.FunctionName, a.OffsetInFunction, a.MapName)
}

func (l *logListener) OnFunctionCall(f tracedata.FunctionCall) {
	log.Infof("function_call pid=%s tid=%s addr=%#x begin=%d end=%d depth=%d ret=%#x", f.Pid, f.Tid, f.AbsoluteAddress, f.BeginTs, f.EndTs, f.Depth, f.ReturnValue)
}

func (l *logListener) OnGpuJob(g tracedata.GpuJob) {
	log.Infof("gpu_job tid=%s timeline=%s ctx=%d seqno=%d depth=%d ioctl=%d sched=%d hw_start=%d signaled=%d",
		g.Tid, g.Timeline, g.Context, g.Seqno, g.Depth, g.AmdgpuCsIoctlTimeNs, g.AmdgpuSchedRunJobTimeNs, g.GpuHardwareStartTimeNs, g.DmaFenceSignaledTimeNs)
}

func (l *logListener) OnThreadName(n tracedata.ThreadName) {
	log.Infof("thread_name tid=%s name=%s ts=%d", n.Tid, n.Name, n.Ts)
}

func (l *logListener) OnTracepointEvent(e tracedata.TracepointEvent) {
	log.Infof("tracepoint %s:%s pid=%s tid=%s cpu=%d ts=%d bytes=%d", e.Category, e.Name, e.Pid, e.Tid, e.CPU, e.Ts, len(e.RawPayload))
}

func (l *logListener) OnModulesUpdate(m tracedata.ModulesUpdate) {
	log.Infof("modules_update pid=%s ts=%d bytes=%d", m.Pid, m.Ts, len(m.Content))
}
