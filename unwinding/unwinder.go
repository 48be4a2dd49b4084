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
	"bufio"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/google/systrace/tracedata"
)

// FrameData is one frame an external unwind library resolves from a raw
// register set and stack dump.
type FrameData struct {
	PC             uint64
	FunctionName   string
	FunctionOffset uint64
	MapName        string
}

// UnwindLibrary is the external DWARF/CFI unwinding capability
// StackUnwinder wraps; the host injects an implementation (typically backed
// by libunwindstack or an equivalent).
type UnwindLibrary interface {
	Unwind(registers [17]uint64, stackDump []byte) ([]FrameData, error)
}

// addressCacheSize bounds the per-capture AddressInfo cache; a long capture
// against a large binary can resolve tens of thousands of distinct
// addresses, so the cache is an LRU of this size rather than an unbounded
// set.
const addressCacheSize = 1 << 16

// StackUnwinder holds the current /proc/<pid>/maps snapshot and turns raw
// register+stack captures into symbolized callstacks, deduplicating
// AddressInfo emission per address.
type StackUnwinder struct {
	lib          UnwindLibrary
	snapshot     atomic.Value // holds string
	uprobesRange atomic.Value // holds addrRange

	seen *simplelru.LRU // uint64 -> struct{}; guards "emit AddressInfo once".
}

// addrRange is a half-open [start, end) virtual address range.
type addrRange struct {
	start, end uint64
	ok         bool
}

// NewStackUnwinder returns a StackUnwinder delegating to lib.
func NewStackUnwinder(lib UnwindLibrary) *StackUnwinder {
	lru, err := simplelru.NewLRU(addressCacheSize, nil)
	if err != nil {
		// Only returns an error for a non-positive size, which addressCacheSize
		// never is.
		panic(err)
	}
	u := &StackUnwinder{lib: lib, seen: lru}
	u.snapshot.Store("")
	u.uprobesRange.Store(addrRange{})
	return u
}

// OnMaps atomically replaces the current maps snapshot, and re-parses the
// synthetic [uprobes] mapping's address range so raw IPs can
// be classified without waiting for a full unwind (needed by frame-pointer
// callchain samples, which never invoke UnwindLibrary).
func (u *StackUnwinder) OnMaps(content string) {
	u.snapshot.Store(content)
	u.uprobesRange.Store(parseUprobesRange(content))
}

// Snapshot returns the most recently observed /proc/<pid>/maps content.
func (u *StackUnwinder) Snapshot() string {
	return u.snapshot.Load().(string)
}

// IsInUprobesRange reports whether addr falls inside the most recently
// observed [uprobes] mapping.
func (u *StackUnwinder) IsInUprobesRange(addr uint64) bool {
	r := u.uprobesRange.Load().(addrRange)
	return r.ok && addr >= r.start && addr < r.end
}

// parseUprobesRange scans a /proc/<pid>/maps-style listing for the line
// naming the synthetic [uprobes] mapping the kernel installs for active
// uprobes, returning its address range.
func parseUprobesRange(content string) addrRange {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasSuffix(line, uprobesMapName) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(bounds[0], 16, 64)
		end, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		return addrRange{start: start, end: end, ok: true}
	}
	return addrRange{}
}

// uprobesMapName is the synthetic map name the unwind library reports for
// frames inside the uprobe/uretprobe trampoline region.
const uprobesMapName = "[uprobes]"

// Unwind resolves registers+stackDump into frames. Any library error yields
// an empty result, unless the last frame it did manage
// to resolve lies in [uprobes] — that failure is the expected shape of a
// trampoline the unwinder's CFI doesn't recognize, so the partial result is
// still useful and is returned.
func (u *StackUnwinder) Unwind(registers [17]uint64, stackDump []byte) ([]FrameData, error) {
	frames, err := u.lib.Unwind(registers, stackDump)
	if err != nil {
		if len(frames) > 0 && frames[len(frames)-1].MapName == uprobesMapName {
			return frames, nil
		}
		return nil, err
	}
	return frames, nil
}

// NewAddressInfos filters frames down to the ones whose address has not
// previously been reported, recording them as seen, and returns the
// corresponding AddressInfo records; each address is reported once per
// capture.
func (u *StackUnwinder) NewAddressInfos(frames []FrameData) []tracedata.AddressInfo {
	var out []tracedata.AddressInfo
	for _, f := range frames {
		if u.seen.Contains(f.PC) {
			continue
		}
		u.seen.Add(f.PC, struct{}{})
		out = append(out, tracedata.AddressInfo{
			AbsoluteAddress:  f.PC,
			FunctionName:     f.FunctionName,
			OffsetInFunction: f.FunctionOffset,
			MapName:          f.MapName,
		})
	}
	return out
}

// IsUprobesFrame reports whether f lies inside the synthetic [uprobes] map,
// the signal both StackUnwinder's partial-result rule and
// UnwindingVisitor's discard rule key on.
func IsUprobesFrame(f FrameData) bool {
	return f.MapName == uprobesMapName
}
