// Copyright 2023 The AFTL Verify authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package descriptor

import "bytes"

var magic = []byte(Magic)

// Locate scans image for the AFTL magic marker and returns the offset of
// its first occurrence together with the number of bytes from that offset
// to the end of the buffer; the AFTL image runs to the end of the vbmeta
// blob. ok is false when the marker is absent or the buffer is shorter
// than the marker. The comparison window never extends past the buffer.
func Locate(image []byte) (offset, length int, ok bool) {
	i := bytes.Index(image, magic)
	if i < 0 {
		return 0, 0, false
	}
	return i, len(image) - i, true
}
