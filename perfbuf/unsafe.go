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
package perfbuf

import "unsafe"

// metaPointer returns a pointer to the start of an mmap'd region. Isolated in
// its own file because it's the one place this package relies on unsafe: the
// kernel guarantees the mapping is page-aligned and at least one page long,
// which is what makes viewing its first bytes as *mmapMeta sound.
func metaPointer(mmap []byte) unsafe.Pointer {
	return unsafe.Pointer(&mmap[0])
}
