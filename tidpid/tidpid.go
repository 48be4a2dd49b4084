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
// Package tidpid maintains the system-wide tid->pid association table,
// seeded from /proc and kept current by fork
// events, that lets ContextSwitchPairer attribute a sched_switch record
// whose common_pid arrived as -1 (a switch-out caused by thread exit) to its
// owning process.
package tidpid

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/golang/glog"

	"github.com/google/systrace/tracedata"
)

// Associator is the system-wide tid->pid table.
type Associator struct {
	pidByTid map[tracedata.TID]tracedata.PID
}

// New returns an empty Associator. Call SeedFromProc to populate it before a
// capture starts.
func New() *Associator {
	return &Associator{pidByTid: make(map[tracedata.TID]tracedata.PID)}
}

// Insert records that tid belongs to pid, as observed by a fork event.
func (a *Associator) Insert(tid tracedata.TID, pid tracedata.PID) {
	a.pidByTid[tid] = pid
}

// Lookup returns the pid owning tid, if known.
func (a *Associator) Lookup(tid tracedata.TID) (tracedata.PID, bool) {
	pid, ok := a.pidByTid[tid]
	return pid, ok
}

// Len reports how many tids are currently tracked.
func (a *Associator) Len() int {
	return len(a.pidByTid)
}

// SeedFromProc walks /proc/[pid]/task/[tid] to populate the table with every
// thread alive at capture start. Per-pid or per-tid read
// failures (a process exiting mid-scan) are logged and skipped rather than
// aborting the whole seed, since /proc is inherently racy.
func (a *Associator) SeedFromProc(procRoot string) error {
	if procRoot == "" {
		procRoot = "/proc"
	}
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return fmt.Errorf("tidpid: reading %s: %w", procRoot, err)
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue // not a pid directory (self, cmdline, etc.)
		}
		taskDir := filepath.Join(procRoot, entry.Name(), "task")
		tasks, err := os.ReadDir(taskDir)
		if err != nil {
			log.Warningf("tidpid: reading %s: %v", taskDir, err)
			continue
		}
		for _, task := range tasks {
			tid, err := strconv.Atoi(task.Name())
			if err != nil {
				continue
			}
			a.Insert(tracedata.TID(tid), tracedata.PID(pid))
		}
	}
	return nil
}

// CommFromProc reads /proc/<tid>/comm, trimming its trailing newline.
func CommFromProc(procRoot string, tid tracedata.TID) (string, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	path := filepath.Join(procRoot, strconv.Itoa(int(tid)), "comm")
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", fmt.Errorf("tidpid: %s is empty", path)
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// StatStateChar reads field 3 (the state letter) of /proc/<tid>/stat. The
// comm field (field 2) is parenthesized and may itself
// contain spaces or parentheses, so the scan starts after the last ')'.
func StatStateChar(procRoot string, tid tracedata.TID) (byte, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	path := filepath.Join(procRoot, strconv.Itoa(int(tid)), "stat")
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line := strings.TrimSpace(string(content))
	closeParen := strings.LastIndexByte(line, ')')
	if closeParen < 0 || closeParen+2 >= len(line) {
		return 0, fmt.Errorf("tidpid: malformed %s", path)
	}
	return line[closeParen+2], nil
}
