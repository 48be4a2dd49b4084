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
	"errors"
	"testing"
)

type fakeUnwindLibrary struct {
	frames []FrameData
	err    error
}

func (f *fakeUnwindLibrary) Unwind([17]uint64, []byte) ([]FrameData, error) {
	return f.frames, f.err
}

func TestUnwindSuccessPassesThrough(t *testing.T) {
	lib := &fakeUnwindLibrary{frames: []FrameData{{PC: 1}, {PC: 2}}}
	u := NewStackUnwinder(lib)
	frames, err := u.Unwind([17]uint64{}, nil)
	if err != nil || len(frames) != 2 {
		t.Fatalf("frames=%v err=%v", frames, err)
	}
}

func TestUnwindErrorWithUprobesTailKeepsPartialResult(t *testing.T) {
	lib := &fakeUnwindLibrary{
		frames: []FrameData{{PC: 1, MapName: "libfoo.so"}, {PC: 2, MapName: uprobesMapName}},
		err:    errors.New("cfi unwind failed"),
	}
	u := NewStackUnwinder(lib)
	frames, err := u.Unwind([17]uint64{}, nil)
	if err != nil {
		t.Fatalf("expected nil error when the trailing frame is in [uprobes], got %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames=%v, want the partial result preserved", frames)
	}
}

func TestUnwindErrorWithoutUprobesTailPropagates(t *testing.T) {
	lib := &fakeUnwindLibrary{
		frames: []FrameData{{PC: 1, MapName: "libfoo.so"}},
		err:    errors.New("cfi unwind failed"),
	}
	u := NewStackUnwinder(lib)
	frames, err := u.Unwind([17]uint64{}, nil)
	if err == nil {
		t.Fatal("expected error to propagate when the failure isn't a recognized uprobes trampoline")
	}
	if frames != nil {
		t.Fatalf("frames = %v, want nil on a real error", frames)
	}
}

func TestNewAddressInfosDedupesAcrossCalls(t *testing.T) {
	u := NewStackUnwinder(&fakeUnwindLibrary{})
	first := u.NewAddressInfos([]FrameData{{PC: 1, FunctionName: "foo"}, {PC: 2, FunctionName: "bar"}})
	if len(first) != 2 {
		t.Fatalf("first = %v, want 2 new addresses", first)
	}
	second := u.NewAddressInfos([]FrameData{{PC: 1, FunctionName: "foo"}, {PC: 3, FunctionName: "baz"}})
	if len(second) != 1 || second[0].AbsoluteAddress != 3 {
		t.Fatalf("second = %v, want only address 3", second)
	}
}

func TestMapsSnapshotRoundTrip(t *testing.T) {
	u := NewStackUnwinder(&fakeUnwindLibrary{})
	if u.Snapshot() != "" {
		t.Fatalf("initial snapshot = %q, want empty", u.Snapshot())
	}
	u.OnMaps("7f0000-7f1000 r-xp 0 00:00 0 /lib/libc.so")
	if u.Snapshot() == "" {
		t.Fatal("snapshot not updated by OnMaps")
	}
}

func TestIsUprobesFrame(t *testing.T) {
	if !IsUprobesFrame(FrameData{MapName: uprobesMapName}) {
		t.Fatal("expected true for [uprobes] map")
	}
	if IsUprobesFrame(FrameData{MapName: "libfoo.so"}) {
		t.Fatal("expected false for a regular map")
	}
}
