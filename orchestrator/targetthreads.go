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
package orchestrator

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/systrace/tracedata"
)

// targetThreads lists every tid currently alive under pid's /proc/<pid>/task
// directory, used to seed initial thread names and states before the live
// stream starts.
func targetThreads(procRoot string, pid tracedata.PID) ([]tracedata.TID, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	taskDir := filepath.Join(procRoot, strconv.Itoa(int(pid)), "task")
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil, err
	}
	var tids []tracedata.TID
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tracedata.TID(n))
	}
	return tids, nil
}
