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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	log "github.com/golang/glog"

	"github.com/google/systrace/tracedata"
)

// allCores lists every logical CPU on the system by reading
// /sys/devices/system/cpu/online, falling back to runtime.NumCPU() if the
// sysfs file is unreadable (e.g. in tests that don't mount a real sysfs).
func allCores(sysRoot string) []int {
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	path := filepath.Join(sysRoot, "devices", "system", "cpu", "online")
	content, err := os.ReadFile(path)
	if err != nil {
		log.Warningf("orchestrator: reading %s: %v; falling back to NumCPU", path, err)
		cores := make([]int, runtime.NumCPU())
		for i := range cores {
			cores[i] = i
		}
		return cores
	}
	cores, err := parseCPUList(strings.TrimSpace(string(content)))
	if err != nil {
		log.Warningf("orchestrator: parsing %s: %v; falling back to NumCPU", path, err)
		cores = make([]int, runtime.NumCPU())
		for i := range cores {
			cores[i] = i
		}
	}
	return cores
}

// cpusetCores restricts cores to the target pid's cpuset, so sampling and
// uprobes are only opened on cores the target can run on. If the target has
// no cpuset controller entry, or the cpuset files can't be read (cgroup v1
// without a
// cpuset hierarchy, permission errors, a test sandbox with no cgroupfs),
// cores is returned unchanged: the capture simply isn't narrowed.
func cpusetCores(procRoot, cgroupRoot string, pid tracedata.PID, cores []int) []int {
	cgroupPath, err := cpusetCgroupPath(procRoot, pid)
	if err != nil {
		log.Infof("orchestrator: no cpuset cgroup for pid %d, using all cores: %v", pid, err)
		return cores
	}
	if cgroupRoot == "" {
		cgroupRoot = "/sys/fs/cgroup"
	}
	for _, candidate := range []string{
		filepath.Join(cgroupRoot, "cpuset", cgroupPath, "cpuset.cpus"),  // cgroup v1
		filepath.Join(cgroupRoot, cgroupPath, "cpuset.cpus.effective"),  // cgroup v2
		filepath.Join(cgroupRoot, cgroupPath, "cpuset.cpus"),            // cgroup v2, no effective file
	} {
		content, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		trimmed := strings.TrimSpace(string(content))
		if trimmed == "" {
			continue // empty cpuset.cpus means "inherit all", not "run nowhere".
		}
		restricted, err := parseCPUList(trimmed)
		if err != nil {
			log.Warningf("orchestrator: parsing %s: %v", candidate, err)
			continue
		}
		return intersectSorted(cores, restricted)
	}
	return cores
}

// cpusetCgroupPath finds the cpuset controller's relative path for pid from
// /proc/<pid>/cgroup. A cgroup v2 line has an empty
// controller list ("0::/path"); a cgroup v1 line names "cpuset" explicitly
// among comma-separated controllers.
func cpusetCgroupPath(procRoot string, pid tracedata.PID) (string, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	path := filepath.Join(procRoot, strconv.Itoa(int(pid)), "cgroup")
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var v2Path string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), ":", 3)
		if len(fields) != 3 {
			continue
		}
		controllers, cgroupPath := fields[1], fields[2]
		if controllers == "" {
			v2Path = cgroupPath
			continue
		}
		for _, c := range strings.Split(controllers, ",") {
			if c == "cpuset" {
				return cgroupPath, nil
			}
		}
	}
	if v2Path != "" {
		return v2Path, nil
	}
	return "", fmt.Errorf("orchestrator: no cpuset controller entry in %s", path)
}

// parseCPUList parses the kernel's cpu-list format ("0-3,5,7-8").
func parseCPUList(s string) ([]int, error) {
	var cores []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, fmt.Errorf("orchestrator: invalid cpu range %q: %w", part, err)
			}
			hiN, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("orchestrator: invalid cpu range %q: %w", part, err)
			}
			for i := loN; i <= hiN; i++ {
				cores = append(cores, i)
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: invalid cpu id %q: %w", part, err)
			}
			cores = append(cores, n)
		}
	}
	return cores, nil
}

// intersectSorted returns the elements of a that also appear in b.
func intersectSorted(a, b []int) []int {
	set := make(map[int]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var out []int
	for _, v := range a {
		if set[v] {
			out = append(out, v)
		}
	}
	return out
}
