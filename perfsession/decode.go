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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/golang/glog"

	"github.com/google/systrace/perfbuf"
	"github.com/google/systrace/tracedata"
)

// perf_event_header.type values this package decodes (linux/perf_event.h).
const (
	recordMmap       = 1
	recordLost       = 2
	recordComm       = 3
	recordExit       = 4
	recordThrottle   = 5
	recordUnthrottle = 6
	recordFork       = 7
	recordSample     = 9
)

// ReadRecords round-robins every opened source, decoding up to maxPerSource
// records from each, and returns every PerfEvent produced this round plus
// how many sources yielded at least one record, which the orchestrator uses
// to back off when every source is idle.
func (s *Session) ReadRecords(maxPerSource int) (events []tracedata.PerfEvent, busy int) {
	for _, src := range s.sources {
		if src.rb == nil {
			continue // records arrive on the owning (redirected-to) source instead.
		}
		n := 0
		for n < maxPerSource && src.rb.HasNewRecord() {
			if src.rb.Overrun() {
				log.Warningf("perfsession: ring buffer for fd %d overran", src.fd)
			}
			hdr := src.rb.ReadHeader()
			raw := make([]byte, hdr.Size)
			if err := src.rb.ConsumeRecord(hdr, raw); err != nil {
				log.Warningf("perfsession: consuming record on fd %d: %v", src.fd, err)
				break
			}
			if ev := s.decode(src, hdr, raw[8:]); ev != nil {
				events = append(events, ev)
			}
			n++
		}
		if n > 0 {
			busy++
		}
	}
	return events, busy
}

// decode interprets one record's body (raw, excluding the 8-byte
// perf_event_header already consumed by the caller) according to the family
// of source it arrived on.
func (s *Session) decode(src *source, hdr perfbuf.RecordHeader, body []byte) tracedata.PerfEvent {
	switch hdr.Type {
	case recordFork:
		return s.decodeForkExit(src, body, false)
	case recordExit:
		return s.decodeForkExit(src, body, true)
	case recordMmap:
		return s.decodeMmap(src, body)
	case recordLost:
		return s.decodeLost(src, body)
	case recordSample:
		return s.decodeSample(src, body)
	case recordComm, recordThrottle, recordUnthrottle:
		return nil // uninteresting: task/mmap tracking only needs FORK/EXIT/MMAP.
	default:
		return nil
	}
}

func base(origin int, ts int64) tracedata.Base {
	return tracedata.Base{TimestampNs: tracedata.Timestamp(ts), Origin: int32(origin)}
}

// decodeForkExit parses the common PERF_RECORD_FORK/PERF_RECORD_EXIT layout:
// pid, ppid, tid, ptid, time.
func (s *Session) decodeForkExit(src *source, body []byte, exit bool) tracedata.PerfEvent {
	if len(body) < 24 {
		log.Warningf("perfsession: truncated fork/exit record (%d bytes)", len(body))
		return nil
	}
	pid := tracedata.PID(int32(binary.LittleEndian.Uint32(body[0:4])))
	ppid := tracedata.PID(int32(binary.LittleEndian.Uint32(body[4:8])))
	tid := tracedata.TID(int32(binary.LittleEndian.Uint32(body[8:12])))
	ptid := tracedata.TID(int32(binary.LittleEndian.Uint32(body[12:16])))
	ts := int64(binary.LittleEndian.Uint64(body[16:24]))
	b := base(src.fd, ts)
	if exit {
		return tracedata.Exit{Base: b, Pid: pid, Tid: tid, ParentPid: ppid, ParentTid: ptid}
	}
	return tracedata.Fork{Base: b, Pid: pid, Tid: tid, ParentPid: ppid, ParentTid: ptid}
}

// decodeMmap only needs the affected pid; the mmap record's own
// address/filename fields are ignored in favor of re-reading
// /proc/<pid>/maps in full. PERF_RECORD_MMAP has
// no fixed time field of its own; since famTaskMmap's sample_type is
// TID|TIME and sample_id_all is set, the kernel appends a trailing
// {pid,tid,time} sample_id after the variable-length filename, so the
// timestamp is the last 8 bytes of the record regardless of name length.
func (s *Session) decodeMmap(src *source, body []byte) tracedata.PerfEvent {
	if len(body) < 20 {
		return nil
	}
	pid := tracedata.PID(int32(binary.LittleEndian.Uint32(body[0:4])))
	ts := int64(binary.LittleEndian.Uint64(body[len(body)-8:]))
	content, err := s.readMaps(pid)
	if err != nil {
		log.Warningf("perfsession: reading maps for pid %s: %v", pid, err)
		return nil
	}
	return tracedata.Maps{Base: base(src.fd, ts), Pid: pid, Content: content}
}

func (s *Session) readMaps(pid tracedata.PID) (string, error) {
	root := s.procRoot
	if root == "" {
		root = "/proc"
	}
	path := filepath.Join(root, fmt.Sprint(int32(pid)), "maps")
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// decodeLost parses the common PERF_RECORD_LOST layout (id, lost, then a
// sample_id suffix every source's attr requests). Every family this package
// opens places PERF_SAMPLE_TID before PERF_SAMPLE_TIME, so the time field
// always lands at a fixed offset. Whether the loss counts against samples
// or non-samples is attributed by the source family that produced it.
func (s *Session) decodeLost(src *source, body []byte) tracedata.PerfEvent {
	if len(body) < 32 {
		log.Warningf("perfsession: truncated lost record (%d bytes)", len(body))
		return nil
	}
	lost := binary.LittleEndian.Uint64(body[8:16])
	ts := int64(binary.LittleEndian.Uint64(body[24:32]))
	b := base(src.fd, ts)
	ev := tracedata.Lost{Base: b}
	if src.family == famSamplingDWARF || src.family == famSamplingCallchain {
		ev.LostSamples = lost
	} else {
		ev.LostNonSamples = lost
	}
	return ev
}

// decodeSample dispatches a PERF_RECORD_SAMPLE body to the decoder matching
// the source's family, since each family's sample_type fixes a distinct
// field layout.
func (s *Session) decodeSample(src *source, body []byte) tracedata.PerfEvent {
	switch src.family {
	case famSchedSwitch:
		return s.decodeSchedSwitch(src, body)
	case famSchedWakeup:
		return s.decodeSchedWakeup(src, body)
	case famTaskNewtask:
		return s.decodeTaskNewtask(src, body)
	case famTaskRename:
		return s.decodeTaskRename(src, body)
	case famAmdgpuCsIoctl:
		return s.decodeAmdgpuCsIoctl(src, body)
	case famAmdgpuSchedRunJob:
		return s.decodeAmdgpuSchedRunJob(src, body)
	case famDmaFenceSignaled:
		return s.decodeDmaFenceSignaled(src, body)
	case famUserTracepoint:
		return s.decodeUserTracepoint(src, body)
	case famSamplingDWARF:
		return s.decodeStackSample(src, body)
	case famSamplingCallchain:
		return s.decodeCallchainSample(src, body)
	case famUprobe, famUretprobe:
		// Every uprobe and uretprobe fd on a core writes into the ring buffer
		// of the first one opened there, so the owning source's family does
		// not say which kind produced the record; its stream id does.
		if len(body) >= 24 {
			if _, ok := s.uretprobeIDs[binary.LittleEndian.Uint64(body[16:24])]; ok {
				return s.decodeUretprobe(src, body)
			}
		}
		return s.decodeUprobe(src, body)
	default:
		return nil
	}
}

// rawTracepointHeader is the pid/tid/time/id/raw prefix shared by every
// RAW|TID|TIME|ID tracepoint family this package opens.
type rawTracepointHeader struct {
	pid, tid tracedata.PID
	tidVal   tracedata.TID
	ts       int64
	raw      []byte
}

func decodeRawTracepointPrefix(body []byte) (h rawTracepointHeader, ok bool) {
	if len(body) < 28 {
		return h, false
	}
	h.pid = tracedata.PID(int32(binary.LittleEndian.Uint32(body[0:4])))
	h.tidVal = tracedata.TID(int32(binary.LittleEndian.Uint32(body[4:8])))
	h.ts = int64(binary.LittleEndian.Uint64(body[8:16]))
	// body[16:24] is the PERF_SAMPLE_ID id field; the caller picked the
	// decoder from the source's family, so it is skipped here.
	rawSize := binary.LittleEndian.Uint32(body[24:28])
	if len(body) < 28+int(rawSize) {
		return h, false
	}
	h.raw = body[28 : 28+int(rawSize)]
	return h, true
}

// commonTracepointPID returns the tracepoint's own common_pid field (a tid,
// in kernel terms), found at offset 4 of every raw tracepoint payload, right
// after the 4-byte common_type/flags/preempt_count prefix.
func commonTracepointPID(raw []byte) tracedata.TID {
	if len(raw) < 8 {
		return tracedata.UnknownTID
	}
	return tracedata.TID(int32(binary.LittleEndian.Uint32(raw[4:8])))
}

func (s *Session) decodeSchedSwitch(src *source, body []byte) tracedata.PerfEvent {
	h, ok := decodeRawTracepointPrefix(body)
	if !ok || len(h.raw) < 64 {
		return nil
	}
	prevTid := tracedata.TID(int32(binary.LittleEndian.Uint32(h.raw[24:28])))
	prevState := binary.LittleEndian.Uint64(h.raw[32:40])
	nextTid := tracedata.TID(int32(binary.LittleEndian.Uint32(h.raw[56:60])))
	return tracedata.SchedSwitch{
		Base:          base(src.fd, h.ts),
		PrevPid:       h.pid,
		PrevTid:       prevTid,
		PrevStateBits: prevState,
		NextPid:       tracedata.UnknownPID,
		NextTid:       nextTid,
		CPU:           tracedata.CPU(src.cpu),
	}
}

func (s *Session) decodeSchedWakeup(src *source, body []byte) tracedata.PerfEvent {
	h, ok := decodeRawTracepointPrefix(body)
	if !ok || len(h.raw) < 36 {
		return nil
	}
	wokenTid := tracedata.TID(int32(binary.LittleEndian.Uint32(h.raw[24:28])))
	wakerTid := commonTracepointPID(h.raw)
	return tracedata.SchedWakeup{
		Base:     base(src.fd, h.ts),
		WokenTid: wokenTid,
		WokenPid: tracedata.UnknownPID,
		WakerTid: wakerTid,
		WakerPid: tracedata.UnknownPID,
	}
}

func (s *Session) decodeTaskNewtask(src *source, body []byte) tracedata.PerfEvent {
	h, ok := decodeRawTracepointPrefix(body)
	if !ok || len(h.raw) < 28 {
		return nil
	}
	tid := tracedata.TID(int32(binary.LittleEndian.Uint32(h.raw[8:12])))
	comm := cString(h.raw[12:28])
	return tracedata.TaskNewtask{Base: base(src.fd, h.ts), Tid: tid, Comm: comm}
}

func (s *Session) decodeTaskRename(src *source, body []byte) tracedata.PerfEvent {
	h, ok := decodeRawTracepointPrefix(body)
	if !ok || len(h.raw) < 44 {
		return nil
	}
	tid := tracedata.TID(int32(binary.LittleEndian.Uint32(h.raw[8:12])))
	newComm := cString(h.raw[28:44])
	return tracedata.TaskRename{Base: base(src.fd, h.ts), Tid: tid, NewComm: newComm}
}

func (s *Session) decodeAmdgpuCsIoctl(src *source, body []byte) tracedata.PerfEvent {
	h, ok := decodeRawTracepointPrefix(body)
	if !ok || len(h.raw) < 28 {
		return nil
	}
	context := binary.LittleEndian.Uint32(h.raw[8:12])
	seqno := binary.LittleEndian.Uint64(h.raw[16:24])
	timeline, err := dataLoc(h.raw, binary.LittleEndian.Uint32(h.raw[24:28]))
	if err != nil {
		log.Warningf("perfsession: amdgpu_cs_ioctl timeline: %v", err)
		return nil
	}
	return tracedata.AmdgpuCsIoctl{
		Base:     base(src.fd, h.ts),
		Tid:      h.tidVal,
		Pid:      h.pid,
		Context:  context,
		Seqno:    seqno,
		Timeline: timeline,
	}
}

func (s *Session) decodeAmdgpuSchedRunJob(src *source, body []byte) tracedata.PerfEvent {
	h, ok := decodeRawTracepointPrefix(body)
	if !ok || len(h.raw) < 28 {
		return nil
	}
	context := binary.LittleEndian.Uint32(h.raw[8:12])
	seqno := binary.LittleEndian.Uint64(h.raw[16:24])
	timeline, err := dataLoc(h.raw, binary.LittleEndian.Uint32(h.raw[24:28]))
	if err != nil {
		log.Warningf("perfsession: amdgpu_sched_run_job timeline: %v", err)
		return nil
	}
	return tracedata.AmdgpuSchedRunJob{Base: base(src.fd, h.ts), Context: context, Seqno: seqno, Timeline: timeline}
}

func (s *Session) decodeDmaFenceSignaled(src *source, body []byte) tracedata.PerfEvent {
	h, ok := decodeRawTracepointPrefix(body)
	if !ok || len(h.raw) < 28 {
		return nil
	}
	context := binary.LittleEndian.Uint32(h.raw[8:12])
	seqno := binary.LittleEndian.Uint64(h.raw[16:24])
	timeline, err := dataLoc(h.raw, binary.LittleEndian.Uint32(h.raw[24:28]))
	if err != nil {
		log.Warningf("perfsession: dma_fence_signaled timeline: %v", err)
		return nil
	}
	return tracedata.DmaFenceSignaled{Base: base(src.fd, h.ts), Context: context, Seqno: seqno, Timeline: timeline}
}

func (s *Session) decodeUserTracepoint(src *source, body []byte) tracedata.PerfEvent {
	if len(body) < 36 {
		return nil
	}
	pid := tracedata.PID(int32(binary.LittleEndian.Uint32(body[0:4])))
	tid := tracedata.TID(int32(binary.LittleEndian.Uint32(body[4:8])))
	ts := int64(binary.LittleEndian.Uint64(body[8:16]))
	// body[16:24] is the id field, unused: the source already names the
	// tracepoint.
	cpu := binary.LittleEndian.Uint32(body[24:28])
	rawSize := binary.LittleEndian.Uint32(body[32:36])
	if len(body) < 36+int(rawSize) {
		return nil
	}
	raw := append([]byte(nil), body[36:36+int(rawSize)]...)
	return tracedata.UserTracepoint{
		Base:       base(src.fd, ts),
		Tid:        tid,
		Pid:        pid,
		CPU:        tracedata.CPU(cpu),
		Category:   src.tracepoint.Category,
		Name:       src.tracepoint.Name,
		RawPayload: raw,
	}
}

func (s *Session) decodeStackSample(src *source, body []byte) tracedata.PerfEvent {
	if len(body) < 24 {
		return nil
	}
	pid := tracedata.PID(int32(binary.LittleEndian.Uint32(body[0:4])))
	tid := tracedata.TID(int32(binary.LittleEndian.Uint32(body[4:8])))
	ts := int64(binary.LittleEndian.Uint64(body[8:16]))
	// body[16:24] is stream_id, unused here: sampling records are dispatched
	// by their source's family and aren't keyed per-function the way uprobes
	// are.
	off := 24
	if len(body) < off+8 {
		return nil
	}
	values, next := decodeRegsUser(body, off, allGPRegsMask)
	// Pack the requested registers into the 17-wide array in ascending
	// kernel-bit order: AX..IP land at indices 0-8, R8..R15 at 9-16.
	var regs [17]uint64
	i := 0
	for bit := 0; bit < 64 && i < len(regs); bit++ {
		if allGPRegsMask&(uint64(1)<<uint(bit)) == 0 {
			continue
		}
		regs[i] = values[bit]
		i++
	}
	if len(body) < next+8 {
		return nil
	}
	dump, dynSize, _ := decodeStackUser(body, next)
	return tracedata.StackSample{
		Base:      base(src.fd, ts),
		Tid:       tid,
		Pid:       pid,
		Regs:      regs,
		StackDump: append([]byte(nil), dump...),
		DynSize:   dynSize,
		SP:        regs[regSP],
	}
}

func (s *Session) decodeCallchainSample(src *source, body []byte) tracedata.PerfEvent {
	if len(body) < 24 {
		return nil
	}
	pid := tracedata.PID(int32(binary.LittleEndian.Uint32(body[0:4])))
	tid := tracedata.TID(int32(binary.LittleEndian.Uint32(body[4:8])))
	ts := int64(binary.LittleEndian.Uint64(body[8:16]))
	ips, _ := decodeCallchain(body, 24)
	return tracedata.CallchainSample{Base: base(src.fd, ts), Tid: tid, Pid: pid, IPs: ips}
}

func (s *Session) decodeUprobe(src *source, body []byte) tracedata.PerfEvent {
	if len(body) < 24 {
		return nil
	}
	pid := tracedata.PID(int32(binary.LittleEndian.Uint32(body[0:4])))
	tid := tracedata.TID(int32(binary.LittleEndian.Uint32(body[4:8])))
	ts := int64(binary.LittleEndian.Uint64(body[8:16]))
	streamID := binary.LittleEndian.Uint64(body[16:24])
	values, next := decodeRegsUser(body, 24, uprobeRegsMask)
	var retAddr uint64
	if len(body) >= next+8 {
		dump, _, _ := decodeStackUser(body, next)
		if len(dump) >= 8 {
			retAddr = binary.LittleEndian.Uint64(dump[:8])
		}
	}
	return tracedata.Uprobe{
		Base:          base(src.fd, ts),
		Tid:           tid,
		Pid:           pid,
		SP:            values[regSP],
		IP:            values[regIP],
		ReturnAddress: retAddr,
		Function:      s.uprobeIDs[streamID],
	}
}

func (s *Session) decodeUretprobe(src *source, body []byte) tracedata.PerfEvent {
	if len(body) < 24 {
		return nil
	}
	pid := tracedata.PID(int32(binary.LittleEndian.Uint32(body[0:4])))
	tid := tracedata.TID(int32(binary.LittleEndian.Uint32(body[4:8])))
	ts := int64(binary.LittleEndian.Uint64(body[8:16]))
	streamID := binary.LittleEndian.Uint64(body[16:24])
	values, _ := decodeRegsUser(body, 24, uretprobeRegsMask)
	return tracedata.Uretprobe{
		Base:     base(src.fd, ts),
		Tid:      tid,
		Pid:      pid,
		AX:       values[regAX],
		Function: s.uretprobeIDs[streamID],
	}
}

// decodeRegsUser parses a PERF_SAMPLE_REGS_USER field: an 8-byte abi value
// followed by one u64 per set bit in mask, in ascending bit order. values is
// keyed by bit index so callers can pick out individual registers regardless
// of which subset mask requested.
func decodeRegsUser(body []byte, off int, mask uint64) (values map[int]uint64, next int) {
	next = off + 8 // abi
	values = make(map[int]uint64)
	for bit := 0; bit < 64 && next+8 <= len(body); bit++ {
		if mask&(uint64(1)<<uint(bit)) == 0 {
			continue
		}
		values[bit] = binary.LittleEndian.Uint64(body[next : next+8])
		next += 8
	}
	return values, next
}

// decodeStackUser parses a PERF_SAMPLE_STACK_USER field: a requested-size
// u64, that many bytes of stack data, and (only if size > 0) a trailing
// dyn_size u64 giving how much of it was actually valid.
func decodeStackUser(body []byte, off int) (data []byte, dynSize uint32, next int) {
	if off+8 > len(body) {
		return nil, 0, off
	}
	size := binary.LittleEndian.Uint64(body[off : off+8])
	next = off + 8
	if next+int(size) > len(body) {
		return nil, 0, next
	}
	data = body[next : next+int(size)]
	next += int(size)
	if size > 0 && next+8 <= len(body) {
		dynSize = uint32(binary.LittleEndian.Uint64(body[next : next+8]))
		next += 8
	}
	return data, dynSize, next
}

// decodeCallchain parses a PERF_SAMPLE_CALLCHAIN field: a u64 count followed
// by that many u64 instruction pointers.
func decodeCallchain(body []byte, off int) (ips []uint64, next int) {
	if off+8 > len(body) {
		return nil, off
	}
	nr := binary.LittleEndian.Uint64(body[off : off+8])
	next = off + 8
	for i := uint64(0); i < nr && next+8 <= len(body); i++ {
		ips = append(ips, binary.LittleEndian.Uint64(body[next:next+8]))
		next += 8
	}
	return ips, next
}

// cString trims a fixed-width NUL-padded kernel comm field to its string
// contents.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
