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

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testLogURL = "log.example.com"

// testEntry returns a structurally valid entry: leaf 2 of a 5-leaf tree,
// which requires a 3-hash audit path.
func testEntry(t *testing.T) Entry {
	t.Helper()

	info := FirmwareInfo{
		VbmetaHash:         bytes.Repeat([]byte{0xaa}, HashSize),
		VersionIncremental: "12345",
	}
	leaf, err := EncodeFirmwareInfoLeaf(info)
	if err != nil {
		t.Fatalf("EncodeFirmwareInfoLeaf: %v", err)
	}

	return Entry{
		LogURL:    testLogURL,
		LeafIndex: 2,
		LogRoot: LogRoot{
			Version:   1,
			TreeSize:  5,
			RootHash:  bytes.Repeat([]byte{0xbb}, HashSize),
			Timestamp: 1600000000000000000,
			Revision:  7,
			Metadata:  []byte("md"),
		},
		LeafBytes: leaf,
		Signature: bytes.Repeat([]byte{0x5a}, 512),
		Proof: [][]byte{
			bytes.Repeat([]byte{0x01}, HashSize),
			bytes.Repeat([]byte{0x02}, HashSize),
			bytes.Repeat([]byte{0x03}, HashSize),
		},
	}
}

func mustEncode(t *testing.T, entries ...Entry) []byte {
	t.Helper()
	d := Descriptor{Entries: entries}
	blob, err := d.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return blob
}

func TestParseRoundTrip(t *testing.T) {
	e := testEntry(t)
	blob := mustEncode(t, e, e)

	got, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	lrRaw, err := e.LogRoot.Encode()
	if err != nil {
		t.Fatalf("LogRoot.Encode: %v", err)
	}
	info, err := ParseFirmwareInfo(e.LeafBytes)
	if err != nil {
		t.Fatalf("ParseFirmwareInfo: %v", err)
	}
	wantEntry := e
	wantEntry.LogRootRaw = lrRaw
	wantEntry.FwInfo = info

	want := &Descriptor{
		Header: Header{
			VersionMajor: 1,
			VersionMinor: 2,
			ImageSize:    uint32(len(blob)),
			ICPCount:     2,
		},
		Entries: []Entry{wantEntry, wantEntry},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse diff (-want +got):\n%s", diff)
	}
}

func TestParseCopiesInput(t *testing.T) {
	blob := mustEncode(t, testEntry(t))
	d, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// The caller may reuse its buffer once Parse returns.
	rootHash := bytes.Clone(d.Entries[0].LogRoot.RootHash)
	proof0 := bytes.Clone(d.Entries[0].Proof[0])
	for i := range blob {
		blob[i] = 0xff
	}
	if !bytes.Equal(d.Entries[0].LogRoot.RootHash, rootHash) {
		t.Error("RootHash aliases the input buffer")
	}
	if !bytes.Equal(d.Entries[0].Proof[0], proof0) {
		t.Error("Proof aliases the input buffer")
	}
}

func TestParseErrors(t *testing.T) {
	// Byte offsets of the first entry's fields within the encoded image.
	const (
		entryOff = HeaderSize
		urlOff   = entryOff + entryFixedSize
		lrdOff   = urlOff + len(testLogURL)
	)

	entryWith := func(mutate func(*Entry)) []Entry {
		e := testEntry(t)
		mutate(&e)
		return []Entry{e}
	}

	for _, test := range []struct {
		name      string
		entries   []Entry // defaults to one valid entry
		mutate    func(blob []byte) []byte
		wantField string
		wantEntry int
	}{
		{
			name:      "truncated header",
			mutate:    func(b []byte) []byte { return b[:HeaderSize-1] },
			wantField: "image header",
			wantEntry: -1,
		}, {
			name: "bad magic",
			mutate: func(b []byte) []byte {
				b[0] ^= 0xff
				return b
			},
			wantField: "magic",
			wantEntry: -1,
		}, {
			name: "required version too new",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b[4:8], 99)
				return b
			},
			wantField: "required version",
			wantEntry: -1,
		}, {
			name:      "declared size exceeds buffer",
			mutate:    func(b []byte) []byte { return b[:len(b)-1] },
			wantField: "image size",
			wantEntry: -1,
		}, {
			name: "declared size below header size",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b[12:16], 10)
				return b
			},
			wantField: "image size",
			wantEntry: -1,
		}, {
			name: "slack after last entry",
			mutate: func(b []byte) []byte {
				b = append(b, 0x00)
				binary.BigEndian.PutUint32(b[12:16], uint32(len(b)))
				return b
			},
			wantField: "image size",
			wantEntry: -1,
		}, {
			name: "count exceeds encoded entries",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint16(b[16:18], 2)
				return b
			},
			wantField: "entry header",
			wantEntry: 1,
		}, {
			name: "oversized url length",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b[entryOff:], 0xffffffff)
				return b
			},
			wantField: "entry size",
			wantEntry: 0,
		}, {
			name: "inclusion proof size mismatch",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b[entryOff+23:], 3*HashSize-1)
				return b
			},
			wantField: "inclusion proof size",
			wantEntry: 0,
		}, {
			name: "audit path shorter than required",
			entries: entryWith(func(e *Entry) {
				e.Proof = e.Proof[:2]
			}),
			wantField: "proof hash count",
			wantEntry: 0,
		}, {
			name: "audit path longer than required",
			entries: entryWith(func(e *Entry) {
				e.Proof = append(e.Proof, bytes.Repeat([]byte{0x04}, HashSize))
			}),
			wantField: "proof hash count",
			wantEntry: 0,
		}, {
			name: "leaf index not below tree size",
			entries: entryWith(func(e *Entry) {
				e.LeafIndex = 5
			}),
			wantField: "leaf index",
			wantEntry: 0,
		}, {
			name: "log root version",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint16(b[lrdOff:], 2)
				return b
			},
			wantField: "log root version",
			wantEntry: 0,
		}, {
			name: "root hash size",
			mutate: func(b []byte) []byte {
				b[lrdOff+10] = HashSize - 1
				return b
			},
			wantField: "root hash size",
			wantEntry: 0,
		}, {
			name: "log root metadata size",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint16(b[lrdOff+11+HashSize+16:], 3)
				return b
			},
			wantField: "log root metadata size",
			wantEntry: 0,
		}, {
			name: "malformed FirmwareInfo leaf",
			entries: entryWith(func(e *Entry) {
				e.LeafBytes = []byte("{")
			}),
			wantField: "FirmwareInfo leaf",
			wantEntry: 0,
		}, {
			name:      "failure in second entry",
			entries:   append([]Entry{testEntry(t)}, entryWith(func(e *Entry) { e.LeafIndex = 5 })...),
			wantField: "leaf index",
			wantEntry: 1,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			entries := test.entries
			if entries == nil {
				entries = []Entry{testEntry(t)}
			}
			blob := mustEncode(t, entries...)
			if test.mutate != nil {
				blob = test.mutate(blob)
			}

			_, err := Parse(blob)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse: err=%v, want *ParseError", err)
			}
			if pe.Field != test.wantField || pe.Entry != test.wantEntry {
				t.Errorf("Parse: got (%q, entry %d), want (%q, entry %d)", pe.Field, pe.Entry, test.wantField, test.wantEntry)
			}
		})
	}
}

// Any truncation of a valid image must be rejected without reading past the
// buffer.
func TestParseTruncations(t *testing.T) {
	blob := mustEncode(t, testEntry(t))
	for k := 0; k < len(blob); k++ {
		if _, err := Parse(blob[:k:k]); err == nil {
			t.Errorf("Parse(blob[:%d]) succeeded, want error", k)
		}
	}
}

// Single-byte corruption anywhere must never cause a panic or an
// out-of-bounds read.
func TestParseCorruptionIsSafe(t *testing.T) {
	orig := mustEncode(t, testEntry(t))
	for i := range orig {
		blob := bytes.Clone(orig)
		blob[i] ^= 0xff
		Parse(blob) // outcome irrelevant, must simply not panic
	}
}
