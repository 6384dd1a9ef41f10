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
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/transparency-dev/aftl-verify/internal/icp"
)

// ParseError describes a structural fault in an AFTL image. Entry is the
// index of the faulty inclusion-proof entry, or -1 when the fault is in the
// image header. Offset is the byte offset of the faulty field within the
// AFTL image.
type ParseError struct {
	Field  string
	Entry  int
	Offset int
}

func (e *ParseError) Error() string {
	if e.Entry < 0 {
		return fmt.Sprintf("aftl image: bad %s at offset %d", e.Field, e.Offset)
	}
	return fmt.Sprintf("aftl image: bad %s in entry %d at offset %d", e.Field, e.Entry, e.Offset)
}

// Parse decodes an AFTL image from buf, which must start at the magic
// marker. Every length and count field is validated against the remaining
// bytes before being trusted, so one corrupt inner length cannot move a
// read outside buf. The returned Descriptor owns all of its memory; buf may
// be reused once Parse returns.
func Parse(buf []byte) (*Descriptor, error) {
	if len(buf) < HeaderSize {
		return nil, &ParseError{Field: "image header", Entry: -1, Offset: 0}
	}
	if string(buf[0:4]) != Magic {
		return nil, &ParseError{Field: "magic", Entry: -1, Offset: 0}
	}

	h := Header{
		VersionMajor: binary.BigEndian.Uint32(buf[4:8]),
		VersionMinor: binary.BigEndian.Uint32(buf[8:12]),
		ImageSize:    binary.BigEndian.Uint32(buf[12:16]),
		ICPCount:     binary.BigEndian.Uint16(buf[16:18]),
	}

	required := semver.Version{Major: int64(h.VersionMajor), Minor: int64(h.VersionMinor)}
	if supportedVersion.LessThan(required) {
		return nil, &ParseError{Field: "required version", Entry: -1, Offset: 4}
	}
	if h.ImageSize < HeaderSize || uint64(h.ImageSize) > uint64(len(buf)) {
		return nil, &ParseError{Field: "image size", Entry: -1, Offset: 12}
	}

	d := &Descriptor{
		Header:  h,
		Entries: make([]Entry, 0, h.ICPCount),
	}

	off := HeaderSize
	end := int(h.ImageSize)
	for i := 0; i < int(h.ICPCount); i++ {
		e, n, err := parseEntry(buf[off:end], off, i)
		if err != nil {
			return nil, err
		}
		d.Entries = append(d.Entries, e)
		off += n
	}
	if off != end {
		// Declared image size extends past the encoded entries.
		return nil, &ParseError{Field: "image size", Entry: -1, Offset: off}
	}

	return d, nil
}

// parseEntry decodes one entry from data, which holds the remaining bytes
// of the image. base is data's offset within the image, for error
// reporting. Returns the entry and the number of bytes it occupied.
func parseEntry(data []byte, base, idx int) (Entry, int, error) {
	if len(data) < entryFixedSize {
		return Entry{}, 0, &ParseError{Field: "entry header", Entry: idx, Offset: base}
	}

	urlSize := binary.BigEndian.Uint32(data[0:4])
	leafIndex := binary.BigEndian.Uint64(data[4:12])
	lrdSize := binary.BigEndian.Uint32(data[12:16])
	leafSize := binary.BigEndian.Uint32(data[16:20])
	sigSize := binary.BigEndian.Uint16(data[20:22])
	proofCount := data[22]
	incProofSize := binary.BigEndian.Uint32(data[23:27])

	// Widen before summing so a corrupt length cannot wrap the total.
	total := uint64(entryFixedSize) + uint64(urlSize) + uint64(lrdSize) +
		uint64(leafSize) + uint64(sigSize) + uint64(incProofSize)
	if total > uint64(len(data)) {
		return Entry{}, 0, &ParseError{Field: "entry size", Entry: idx, Offset: base}
	}
	if uint64(incProofSize) != uint64(proofCount)*HashSize {
		return Entry{}, 0, &ParseError{Field: "inclusion proof size", Entry: idx, Offset: base + 23}
	}

	off := entryFixedSize
	url := string(data[off : off+int(urlSize)])
	off += int(urlSize)

	lr, err := parseLogRoot(data[off:off+int(lrdSize)], base+off, idx)
	if err != nil {
		return Entry{}, 0, err
	}
	lrRaw := bytes.Clone(data[off : off+int(lrdSize)])
	off += int(lrdSize)

	leaf := bytes.Clone(data[off : off+int(leafSize)])
	leafOff := base + off
	off += int(leafSize)

	sig := bytes.Clone(data[off : off+int(sigSize)])
	off += int(sigSize)

	proof := make([][]byte, proofCount)
	for i := range proof {
		proof[i] = bytes.Clone(data[off : off+HashSize])
		off += HashSize
	}

	if leafIndex >= lr.TreeSize {
		return Entry{}, 0, &ParseError{Field: "leaf index", Entry: idx, Offset: base + 4}
	}
	if int(proofCount) != icp.ProofLength(leafIndex, lr.TreeSize) {
		return Entry{}, 0, &ParseError{Field: "proof hash count", Entry: idx, Offset: base + 22}
	}

	info, err := ParseFirmwareInfo(leaf)
	if err != nil {
		return Entry{}, 0, &ParseError{Field: "FirmwareInfo leaf", Entry: idx, Offset: leafOff}
	}

	return Entry{
		LogURL:     url,
		LeafIndex:  leafIndex,
		LogRoot:    lr,
		LogRootRaw: lrRaw,
		LeafBytes:  leaf,
		FwInfo:     info,
		Signature:  sig,
		Proof:      proof,
	}, int(total), nil
}

// parseLogRoot decodes a Trillian log_root v1 structure. data must hold the
// structure exactly, with no trailing bytes.
func parseLogRoot(data []byte, base, idx int) (LogRoot, error) {
	if len(data) < logRootFixedSize {
		return LogRoot{}, &ParseError{Field: "log root", Entry: idx, Offset: base}
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != 1 {
		return LogRoot{}, &ParseError{Field: "log root version", Entry: idx, Offset: base}
	}
	treeSize := binary.BigEndian.Uint64(data[2:10])
	rootHashSize := int(data[10])
	if rootHashSize != HashSize {
		return LogRoot{}, &ParseError{Field: "root hash size", Entry: idx, Offset: base + 10}
	}
	if len(data) < 11+rootHashSize+18 {
		return LogRoot{}, &ParseError{Field: "log root", Entry: idx, Offset: base}
	}
	rootHash := bytes.Clone(data[11 : 11+rootHashSize])

	p := 11 + rootHashSize
	timestamp := binary.BigEndian.Uint64(data[p : p+8])
	revision := binary.BigEndian.Uint64(data[p+8 : p+16])
	metadataSize := int(binary.BigEndian.Uint16(data[p+16 : p+18]))
	p += 18

	if len(data) != p+metadataSize {
		return LogRoot{}, &ParseError{Field: "log root metadata size", Entry: idx, Offset: base + p - 2}
	}
	metadata := bytes.Clone(data[p:])

	return LogRoot{
		Version:   version,
		TreeSize:  treeSize,
		RootHash:  rootHash,
		Timestamp: timestamp,
		Revision:  revision,
		Metadata:  metadata,
	}, nil
}
