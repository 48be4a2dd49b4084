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
package perfsession

import (
	"unsafe"

	log "github.com/golang/glog"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/google/systrace/perfbuf"
	"github.com/google/systrace/tracedata"
)

// Ring buffer sizes in data pages (4 KiB each), per source kind. Each
// mapping is page_size*(1+2^n).
const (
	uprobesDataPages    = 2048 // 8 MiB
	samplingDataPages   = 4096 // 16 MiB
	schedulingDataPages = 512  // 2 MiB
	gpuDataPages        = 64   // 256 KiB
	tracepointDataPages = 16   // 64 KiB
)

// family identifies the exact perf_event_attr shape a source was opened
// with, so decode can parse its PERF_RECORD_SAMPLE payload without having to
// re-derive the field layout from sample_type at decode time.
type family int

const (
	famTaskMmap family = iota
	famSchedSwitch
	famSchedWakeup
	famTaskNewtask
	famTaskRename
	famAmdgpuCsIoctl
	famAmdgpuSchedRunJob
	famDmaFenceSignaled
	famUserTracepoint
	famSamplingDWARF
	famSamplingCallchain
	famUprobe
	famUretprobe
)

// source is one opened kernel event source: its fd, decoded ring buffer, and
// the routing metadata needed to interpret its records. rb is nil for a
// uprobe/uretprobe fd that was redirected onto another source's ring buffer
// to save memory.
type source struct {
	fd         int
	cpu        int
	rb         *perfbuf.RingBuffer
	family     family
	tracepoint tracedata.SelectedTracepoint
}

// Session owns every opened kernel event source for one capture and decodes
// their ring buffer records.
type Session struct {
	cfg      tracedata.Config
	procRoot string

	sources []*source

	// Stream-id (tracepoints: PERF_SAMPLE_ID; samples/uprobes:
	// PERF_SAMPLE_STREAM_ID) routing sets, populated as sources are opened.
	schedSwitchIDs    map[uint64]bool
	schedWakeupIDs    map[uint64]bool
	taskNewtaskIDs    map[uint64]bool
	taskRenameIDs     map[uint64]bool
	amdgpuCsIoctlIDs  map[uint64]bool
	amdgpuSchedRunIDs map[uint64]bool
	dmaFenceIDs       map[uint64]bool
	userTracepoints   map[uint64]tracedata.SelectedTracepoint

	uprobeIDs    map[uint64]*tracedata.InstrumentedFunction
	uretprobeIDs map[uint64]*tracedata.InstrumentedFunction

	// pinnedPaths keeps the NUL-terminated binary-path buffers handed to the
	// kernel via config1 alive for the Session's lifetime.
	pinnedPaths [][]byte
}

// New opens every kernel event source cfg requests across the given cpuset
// cores, raising RLIMIT_NOFILE to its hard limit first. A GPU, task or
// user-selected tracepoint the kernel doesn't offer is skipped with a
// warning, as is an instrumented function whose uprobes fail to open. Any
// other open failure closes every fd opened so far and returns an error; the
// caller may retry with fewer sources. procRoot overrides "/proc" for tests;
// pass "" in production.
func New(cfg tracedata.Config, cpus []int, procRoot string) (*Session, error) {
	raiseFileLimit()

	s := &Session{
		cfg:               cfg,
		procRoot:          procRoot,
		schedSwitchIDs:    map[uint64]bool{},
		schedWakeupIDs:    map[uint64]bool{},
		taskNewtaskIDs:    map[uint64]bool{},
		taskRenameIDs:     map[uint64]bool{},
		amdgpuCsIoctlIDs:  map[uint64]bool{},
		amdgpuSchedRunIDs: map[uint64]bool{},
		dmaFenceIDs:       map[uint64]bool{},
		userTracepoints:   map[uint64]tracedata.SelectedTracepoint{},
		uprobeIDs:         map[uint64]*tracedata.InstrumentedFunction{},
		uretprobeIDs:      map[uint64]*tracedata.InstrumentedFunction{},
	}

	// Task/mmap/fork/exit tracking is needed unconditionally: TidPidAssociator
	// and the unwinder's maps snapshot both depend on it regardless of which
	// optional tracing the caller enabled.
	if err := s.openTaskMmapOnAllCores(cpus); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openTracepointsOnAllCores(cpus); err != nil {
		s.Close()
		return nil, err
	}
	if cfg.TraceContextSwitches || cfg.TraceThreadState {
		if err := s.openContextSwitchesOnAllCores(cpus); err != nil {
			s.Close()
			return nil, err
		}
	}
	if cfg.Sampling != tracedata.SamplingOff {
		if err := s.openSamplingOnAllCores(cpus); err != nil {
			s.Close()
			return nil, err
		}
	}
	if len(cfg.InstrumentedFunctions) > 0 {
		if err := s.openUprobesOnAllCores(cpus); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// raiseFileLimit raises RLIMIT_NOFILE's soft limit to its hard limit, since
// a capture with many cores and many instrumented functions opens a large
// number of fds.
func raiseFileLimit() {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		log.Warningf("perfsession: Getrlimit(RLIMIT_NOFILE): %v", err)
		return
	}
	rlim.Cur = rlim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		log.Warningf("perfsession: Setrlimit(RLIMIT_NOFILE) to %d: %v", rlim.Max, err)
	}
}

// newAttr builds the canonical perf_event_attr every source shares: opened
// disabled, decorated with sample_id_all, timestamped against
// CLOCK_MONOTONIC.
func newAttr(typ uint32, config uint64, sampleType uint64, extraBits uint64) *unix.PerfEventAttr {
	return &unix.PerfEventAttr{
		Type:        typ,
		Config:      config,
		Sample:      1, // sample_period: record every occurrence.
		Sample_type: sampleType,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Bits:        unix.PerfBitDisabled | unix.PerfBitSampleIDAll | unix.PerfBitUseClockID | extraBits,
		Clockid:     int32(unix.CLOCK_MONOTONIC),
	}
}

func (s *Session) openPerCPU(attr *unix.PerfEventAttr, pid int, cpus []int, dataPages int, fam family, tp tracedata.SelectedTracepoint) ([]*source, error) {
	var opened []*source
	for _, cpu := range cpus {
		fd, err := unix.PerfEventOpen(attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			for _, o := range opened {
				o.rb.Close()
				unix.Close(o.fd)
			}
			return nil, status.Errorf(codes.Unavailable, "perfsession: PerfEventOpen(type=%d, config=%d, cpu=%d): %v", attr.Type, attr.Config, cpu, err)
		}
		rb, err := perfbuf.Open(fd, dataPages)
		if err != nil {
			unix.Close(fd)
			for _, o := range opened {
				o.rb.Close()
				unix.Close(o.fd)
			}
			return nil, status.Errorf(codes.Unavailable, "perfsession: mmap ring buffer for fd %d: %v", fd, err)
		}
		opened = append(opened, &source{fd: fd, cpu: cpu, rb: rb, family: fam, tracepoint: tp})
	}
	return opened, nil
}

// openTaskMmapOnAllCores opens a dummy software event per cpuset core,
// scoped to the target pid, with task/mmap/comm tracking enabled so the
// kernel emits PERF_RECORD_FORK/EXIT/MMAP for the target.
func (s *Session) openTaskMmapOnAllCores(cpus []int) error {
	attr := newAttr(unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_DUMMY,
		unix.PERF_SAMPLE_TID|unix.PERF_SAMPLE_TIME,
		unix.PerfBitTask|unix.PerfBitMmap|unix.PerfBitComm)
	opened, err := s.openPerCPU(attr, int(s.cfg.Pid), cpus, tracepointDataPages, famTaskMmap, tracedata.SelectedTracepoint{})
	if err != nil {
		return status.Errorf(codes.Unavailable, "perfsession: opening task/mmap tracking: %v", err)
	}
	s.sources = append(s.sources, opened...)
	return nil
}

func (s *Session) openContextSwitchesOnAllCores(cpus []int) error {
	id, err := tracepointID("sched", "sched_switch")
	if err != nil {
		return err
	}
	attr := newAttr(unix.PERF_TYPE_TRACEPOINT, id,
		unix.PERF_SAMPLE_RAW|unix.PERF_SAMPLE_TID|unix.PERF_SAMPLE_TIME|unix.PERF_SAMPLE_ID, 0)
	opened, err := s.openPerCPU(attr, -1, cpus, schedulingDataPages, famSchedSwitch, tracedata.SelectedTracepoint{})
	if err != nil {
		return err
	}
	s.sources = append(s.sources, opened...)
	s.schedSwitchIDs[id] = true

	wakeupID, err := tracepointID("sched", "sched_wakeup")
	if err != nil {
		return err
	}
	attr = newAttr(unix.PERF_TYPE_TRACEPOINT, wakeupID,
		unix.PERF_SAMPLE_RAW|unix.PERF_SAMPLE_TID|unix.PERF_SAMPLE_TIME|unix.PERF_SAMPLE_ID, 0)
	opened, err = s.openPerCPU(attr, -1, cpus, schedulingDataPages, famSchedWakeup, tracedata.SelectedTracepoint{})
	if err != nil {
		return err
	}
	s.sources = append(s.sources, opened...)
	s.schedWakeupIDs[wakeupID] = true
	return nil
}

func (s *Session) openSamplingOnAllCores(cpus []int) error {
	sampleType := uint64(unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_STREAM_ID)
	fam := famSamplingDWARF
	switch s.cfg.Sampling {
	case tracedata.SamplingDWARF:
		sampleType |= unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER
	case tracedata.SamplingFramePointer:
		sampleType |= unix.PERF_SAMPLE_CALLCHAIN
		fam = famSamplingCallchain
	}
	// CPU clock counts in nanoseconds, so the configured period needs no unit
	// conversion.
	attr := newAttr(unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CPU_CLOCK, sampleType, 0)
	attr.Sample = s.cfg.SamplingPeriodNs
	if s.cfg.Sampling == tracedata.SamplingDWARF {
		attr.Sample_regs_user = allGPRegsMask
		attr.Sample_stack_user = 64 << 10
	}
	opened, err := s.openPerCPU(attr, int(s.cfg.Pid), cpus, samplingDataPages, fam, tracedata.SelectedTracepoint{})
	if err != nil {
		return err
	}
	s.sources = append(s.sources, opened...)
	return nil
}

// openUprobesOnAllCores opens a uprobe+uretprobe fd pair per instrumented
// function per cpuset core. All uprobe/uretprobe fds for a given core are
// redirected onto the first one opened there, so only one ring buffer per
// core is mapped regardless of how many functions are instrumented.
func (s *Session) openUprobesOnAllCores(cpus []int) error {
	pmuType, err := uprobePMUType()
	if err != nil {
		return status.Errorf(codes.FailedPrecondition, "perfsession: opening uprobes: %v", err)
	}
	ownerFdByCPU := make(map[int]int)
	for i := range s.cfg.InstrumentedFunctions {
		fn := &s.cfg.InstrumentedFunctions[i]
		if err := s.openOneFunction(fn, pmuType, cpus, ownerFdByCPU); err != nil {
			// Per-function failures do not abort the capture: the function's own
			// fds are closed and the rest of the capture proceeds without it.
			log.Warningf("perfsession: skipping instrumented function %s+%#x (check CAP_PERFMON or /proc/sys/kernel/perf_event_paranoid): %v", fn.BinaryPath, fn.FileOffset, err)
		}
	}
	return nil
}

// openOneFunction opens the uprobe+uretprobe fd pair for fn on every core.
// On any failure, every fd it opened for fn is closed and removed again,
// leaving other functions' fds (including ring-buffer owners already
// registered in ownerFdByCPU) untouched.
func (s *Session) openOneFunction(fn *tracedata.InstrumentedFunction, pmuType uint32, cpus []int, ownerFdByCPU map[int]int) error {
	firstNew := len(s.sources)
	undo := func() {
		for _, src := range s.sources[firstNew:] {
			id := streamIDOf(src.fd)
			delete(s.uprobeIDs, id)
			delete(s.uretprobeIDs, id)
			if src.rb != nil {
				src.rb.Close()
				delete(ownerFdByCPU, src.cpu)
			}
			unix.Close(src.fd)
		}
		s.sources = s.sources[:firstNew]
	}
	for _, retprobe := range []bool{false, true} {
		config := uint64(0)
		sampleType := uint64(unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_STREAM_ID | unix.PERF_SAMPLE_REGS_USER)
		regsMask := uint64(uprobeRegsMask)
		fam := famUprobe
		if retprobe {
			config = 1
			regsMask = uretprobeRegsMask
			fam = famUretprobe
		} else {
			sampleType |= unix.PERF_SAMPLE_STACK_USER
		}
		attr := newAttr(pmuType, config, sampleType, 0)
		attr.Ext1 = s.pinPath(fn.BinaryPath)
		attr.Ext2 = fn.FileOffset
		attr.Sample_regs_user = regsMask
		if !retprobe {
			attr.Sample_stack_user = uprobeStackUserBytes
		}
		for _, cpu := range cpus {
			fd, err := unix.PerfEventOpen(attr, int(s.cfg.Pid), cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
			if err != nil {
				undo()
				return status.Errorf(codes.PermissionDenied, "perfsession: PerfEventOpen(uprobe, cpu=%d): %v", cpu, err)
			}
			src := &source{fd: fd, cpu: cpu, family: fam}
			if owner, ok := ownerFdByCPU[cpu]; ok {
				if err := redirectOutput(fd, owner); err != nil {
					unix.Close(fd)
					undo()
					return status.Errorf(codes.Unavailable, "perfsession: redirecting uprobe fd %d onto owner fd %d: %v", fd, owner, err)
				}
			} else {
				rb, err := perfbuf.Open(fd, uprobesDataPages)
				if err != nil {
					unix.Close(fd)
					undo()
					return status.Errorf(codes.Unavailable, "perfsession: mmap uprobe ring buffer for fd %d: %v", fd, err)
				}
				src.rb = rb
				ownerFdByCPU[cpu] = fd
			}
			s.sources = append(s.sources, src)
			id := streamIDOf(fd)
			if retprobe {
				s.uretprobeIDs[id] = fn
			} else {
				s.uprobeIDs[id] = fn
			}
		}
	}
	return nil
}

func (s *Session) openTracepointsOnAllCores(cpus []int) error {
	type tp struct {
		category, name string
		fam            family
		set            map[uint64]bool
	}
	tps := []tp{
		{"task", "task_newtask", famTaskNewtask, s.taskNewtaskIDs},
		{"task", "task_rename", famTaskRename, s.taskRenameIDs},
	}
	if s.cfg.TraceGPUDriver {
		tps = append(tps,
			tp{"amdgpu", "amdgpu_cs_ioctl", famAmdgpuCsIoctl, s.amdgpuCsIoctlIDs},
			tp{"amdgpu", "amdgpu_sched_run_job", famAmdgpuSchedRunJob, s.amdgpuSchedRunIDs},
			tp{"dma_fence", "dma_fence_signaled", famDmaFenceSignaled, s.dmaFenceIDs},
		)
	}
	for _, t := range tps {
		id, err := tracepointID(t.category, t.name)
		if err != nil {
			log.Warningf("perfsession: tracepoint %s:%s unavailable, skipping: %v", t.category, t.name, err)
			continue
		}
		dataPages := tracepointDataPages
		if t.category == "amdgpu" || t.category == "dma_fence" {
			dataPages = gpuDataPages
		}
		attr := newAttr(unix.PERF_TYPE_TRACEPOINT, id,
			unix.PERF_SAMPLE_RAW|unix.PERF_SAMPLE_TID|unix.PERF_SAMPLE_TIME|unix.PERF_SAMPLE_ID, 0)
		opened, err := s.openPerCPU(attr, -1, cpus, dataPages, t.fam, tracedata.SelectedTracepoint{Category: t.category, Name: t.name})
		if err != nil {
			return err
		}
		s.sources = append(s.sources, opened...)
		t.set[id] = true
	}
	for _, want := range s.cfg.InstrumentedTracepoints {
		id, err := tracepointID(want.Category, want.Name)
		if err != nil {
			log.Warningf("perfsession: user tracepoint %s:%s unavailable, skipping: %v", want.Category, want.Name, err)
			continue
		}
		attr := newAttr(unix.PERF_TYPE_TRACEPOINT, id,
			unix.PERF_SAMPLE_RAW|unix.PERF_SAMPLE_TID|unix.PERF_SAMPLE_TIME|unix.PERF_SAMPLE_ID|unix.PERF_SAMPLE_CPU, 0)
		opened, err := s.openPerCPU(attr, -1, cpus, tracepointDataPages, famUserTracepoint, want)
		if err != nil {
			return err
		}
		s.sources = append(s.sources, opened...)
		s.userTracepoints[id] = want
	}
	return nil
}

// streamIDOf reads back the stream id the kernel assigned an already-opened
// fd via PERF_EVENT_IOC_ID, so that records sharing a redirected ring
// buffer can still be routed to the fd that produced them.
func streamIDOf(fd int) uint64 {
	var id uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.PERF_EVENT_IOC_ID, uintptr(unsafe.Pointer(&id))); errno != 0 {
		log.Warningf("perfsession: PERF_EVENT_IOC_ID on fd %d: %v", fd, errno)
	}
	return id
}

// redirectOutput makes fd's records appear on ownerFd's ring buffer instead
// of mapping a new one.
func redirectOutput(fd, ownerFd int) error {
	return unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_OUTPUT, ownerFd)
}

// pinPath packs path as perf_event_open's uprobe config1 convention expects:
// a pointer-sized integer holding the address of a NUL-terminated string. The
// backing buffer is retained on the Session so the kernel-visible address
// stays valid across every PerfEventOpen call that references it.
func (s *Session) pinPath(path string) uint64 {
	b := append([]byte(path), 0)
	s.pinnedPaths = append(s.pinnedPaths, b)
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// EnableAll enables every opened source.
func (s *Session) EnableAll() {
	for _, src := range s.sources {
		if err := unix.IoctlSetInt(src.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			log.Warningf("perfsession: enabling fd %d: %v", src.fd, err)
		}
	}
}

// DisableAll disables every opened source.
func (s *Session) DisableAll() {
	for _, src := range s.sources {
		if err := unix.IoctlSetInt(src.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			log.Warningf("perfsession: disabling fd %d: %v", src.fd, err)
		}
	}
}

// Close unmaps and closes every opened source.
func (s *Session) Close() {
	for _, src := range s.sources {
		if src.rb != nil {
			src.rb.Close()
		}
		unix.Close(src.fd)
	}
	s.sources = nil
}

// NumSources reports how many fds are open, for diagnostics.
func (s *Session) NumSources() int {
	return len(s.sources)
}
