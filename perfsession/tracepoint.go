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
// Package perfsession opens every kernel event source a capture needs and
// decodes their ring buffer records into tracedata.PerfEvent values.
package perfsession

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const tracingEventsRoot = "/sys/kernel/tracing/events"

// tracepointID resolves category/name to the numeric id the kernel assigns
// it, by reading /sys/kernel/tracing/events/<category>/<name>/id.
func tracepointID(category, name string) (uint64, error) {
	path := filepath.Join(tracingEventsRoot, category, name, "id")
	f, err := os.Open(path)
	if err != nil {
		return 0, status.Errorf(codes.FailedPrecondition, "perfsession: resolving tracepoint %s:%s: %v", category, name, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, status.Errorf(codes.FailedPrecondition, "perfsession: %s is empty", path)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.Internal, "perfsession: parsing %s: %v", path, err)
	}
	return id, nil
}

const uprobePMUTypePath = "/sys/bus/event_source/devices/uprobe/type"

// uprobePMUType reads the dynamically-assigned PMU type for the uprobe event
// source.
func uprobePMUType() (uint32, error) {
	f, err := os.Open(uprobePMUTypePath)
	if err != nil {
		return 0, status.Errorf(codes.FailedPrecondition, "perfsession: reading uprobe PMU type (check that uprobes are supported and readable): %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, status.Errorf(codes.FailedPrecondition, "perfsession: %s is empty", uprobePMUTypePath)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 32)
	if err != nil {
		return 0, status.Errorf(codes.Internal, "perfsession: parsing %s: %v", uprobePMUTypePath, err)
	}
	return uint32(v), nil
}

// dataLoc decodes a kernel "__data_loc" variable-length field: the high 16
// bits of the raw 32-bit value are a byte length, the low 16 bits are an
// offset from the start of the tracepoint payload.
func dataLoc(payload []byte, raw uint32) (string, error) {
	length := int(raw >> 16)
	offset := int(raw & 0xffff)
	if offset < 0 || offset+length > len(payload) {
		return "", status.Errorf(codes.Internal, "perfsession: data_loc %d/%d out of bounds for %d-byte payload", offset, length, len(payload))
	}
	return string(payload[offset : offset+length]), nil
}
