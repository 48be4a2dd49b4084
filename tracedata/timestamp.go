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
// Package tracedata holds the data model shared by every component of the
// tracing core: capture configuration, the internal PerfEvent union decoded
// from kernel ring buffers, and the output records delivered to a Listener.
package tracedata

import "fmt"

// Timestamp is a CLOCK_MONOTONIC nanosecond timestamp, as produced by
// perf_event_open sources configured with use_clockid=1, clockid=CLOCK_MONOTONIC.
type Timestamp int64

// UnknownTimestamp represents an unset or not-yet-known timestamp.
const UnknownTimestamp Timestamp = -1

// PID identifies a Linux thread group (process).
type PID int32

// TID identifies a Linux thread (task).
type TID int32

// UnknownPID and UnknownTID mark an identifier that could not be resolved.
const (
	UnknownPID PID = -1
	UnknownTID TID = -1
)

// CPU identifies a logical CPU core.
type CPU int32

// String renders a PID for logging.
func (p PID) String() string {
	if p == UnknownPID {
		return "pid:?"
	}
	return fmt.Sprintf("pid:%d", int32(p))
}

// String renders a TID for logging.
func (t TID) String() string {
	if t == UnknownTID {
		return "tid:?"
	}
	return fmt.Sprintf("tid:%d", int32(t))
}
