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

// Kernel PERF_REG_X86_* bit numbers for the registers this package requests
// via sample_regs_user. The kernel delivers requested registers in ascending
// bit order, so bits 9-15 (flags and segment registers, which are never
// requested here) leave a gap between IP and R8.
const (
	regAX = 0
	regBX = 1
	regCX = 2
	regDX = 3
	regSI = 4
	regDI = 5
	regBP = 6
	regSP = 7
	regIP = 8
	regR8 = 16
	// ...through PERF_REG_X86_R15 = 23.
	regR15 = 23
)

// allGPRegsMask requests the 17 x86_64 general-purpose registers
// tracedata.StackSample.Regs holds, for DWARF-unwound samples: AX through IP
// (bits 0-8) plus R8 through R15 (bits 16-23). Decode packs them into the
// 17-wide register array in that ascending-bit order.
const allGPRegsMask = uint64(0x1ff) | uint64(0xff)<<regR8

// uprobeRegsMask requests just SP and IP, all a uprobe record needs for
// shadow-stack bookkeeping.
const uprobeRegsMask = uint64(1)<<regSP | uint64(1)<<regIP

// uretprobeRegsMask requests just AX, the function's return value register.
const uretprobeRegsMask = uint64(1) << regAX

// uprobeStackUserBytes is how much of the stack perf_event_open captures on
// a uprobe: only the 8 bytes about to be hijacked by the kretprobe
// trampoline are needed.
const uprobeStackUserBytes = 8
