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

// Package descriptor implements the AFTL image structure appended to vbmeta
// images: a fixed header followed by one or more transparency log
// inclusion-proof entries. All integers are big-endian.
package descriptor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/coreos/go-semver/semver"
)

const (
	// Magic marks the start of an AFTL image inside a vbmeta blob.
	Magic = "AFTL"

	// HeaderSize is the encoded size of Header.
	HeaderSize = 18

	// HashSize is the size of every hash in the structure: the vbmeta
	// hash, the Merkle root and the audit-path hashes are all SHA-256.
	HashSize = 32

	// entryFixedSize is the encoded size of the fixed part of an Entry,
	// before its variable-length fields.
	entryFixedSize = 27

	// logRootFixedSize is the encoded size of LogRoot without the root
	// hash and metadata.
	logRootFixedSize = 29

	maxMetadataSize = math.MaxUint16
)

// supportedVersion is the newest writer release whose images this parser
// understands. Images declaring a higher required version are rejected.
var supportedVersion = *semver.New("1.2.0")

// Header is the fixed-size header of an AFTL image.
type Header struct {
	// VersionMajor and VersionMinor are the minimum writer release
	// required to understand this image.
	VersionMajor uint32
	VersionMinor uint32
	// ImageSize is the total size of the AFTL image, header included.
	ImageSize uint32
	// ICPCount is the number of inclusion-proof entries that follow.
	ICPCount uint16
}

// LogRoot is the transparency log's signed tree head, mirroring the
// Trillian log_root v1 structure. Its canonical encoding is the exact
// message the log signs.
type LogRoot struct {
	Version   uint16
	TreeSize  uint64
	RootHash  []byte
	Timestamp uint64 // nanoseconds
	Revision  uint64
	Metadata  []byte
}

// Entry is one inclusion proof tying a vbmeta image to a log entry.
type Entry struct {
	// LogURL identifies the transparency log that issued the proof.
	LogURL string
	// LeafIndex is the 0-based position of the leaf in the log tree.
	LeafIndex uint64
	// LogRoot is the signed tree head the proof leads to.
	LogRoot LogRoot
	// LogRootRaw is the canonical encoding of LogRoot as carried in the
	// image; the log signature verifies over these exact bytes.
	LogRootRaw []byte
	// LeafBytes is the raw FirmwareInfo leaf as submitted to the log.
	// The Merkle leaf hash is computed over these exact bytes.
	LeafBytes []byte
	// FwInfo is the parsed form of LeafBytes.
	FwInfo FirmwareInfo
	// Signature is the log's signature over LogRootRaw.
	Signature []byte
	// Proof is the audit path from the leaf to the root, in order from
	// the leaf's sibling upward.
	Proof [][]byte
}

// Descriptor is a parsed AFTL image: header plus entries in encoded order.
type Descriptor struct {
	Header  Header
	Entries []Entry
}

// Encode serializes the log root in its canonical signed form.
func (r *LogRoot) Encode() ([]byte, error) {
	if r.Version != 1 {
		return nil, fmt.Errorf("unsupported log root version %d", r.Version)
	}
	if len(r.RootHash) != HashSize {
		return nil, fmt.Errorf("root hash must be %d bytes, got %d", HashSize, len(r.RootHash))
	}
	if len(r.Metadata) > maxMetadataSize {
		return nil, fmt.Errorf("metadata too large: %d bytes", len(r.Metadata))
	}

	buf := make([]byte, 0, logRootFixedSize+len(r.RootHash)+len(r.Metadata))
	buf = binary.BigEndian.AppendUint16(buf, r.Version)
	buf = binary.BigEndian.AppendUint64(buf, r.TreeSize)
	buf = append(buf, byte(len(r.RootHash)))
	buf = append(buf, r.RootHash...)
	buf = binary.BigEndian.AppendUint64(buf, r.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, r.Revision)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Metadata)))
	buf = append(buf, r.Metadata...)

	return buf, nil
}

// Encode serializes the entry. LeafBytes must already hold the raw
// FirmwareInfo leaf; see EncodeFirmwareInfoLeaf.
func (e *Entry) Encode() ([]byte, error) {
	lrd, err := e.LogRoot.Encode()
	if err != nil {
		return nil, fmt.Errorf("log root: %v", err)
	}
	if len(e.Signature) > math.MaxUint16 {
		return nil, fmt.Errorf("signature too large: %d bytes", len(e.Signature))
	}
	if len(e.Proof) > math.MaxUint8 {
		return nil, fmt.Errorf("too many audit-path hashes: %d", len(e.Proof))
	}
	for i, h := range e.Proof {
		if len(h) != HashSize {
			return nil, fmt.Errorf("audit-path hash %d has %d bytes, want %d", i, len(h), HashSize)
		}
	}

	incProofSize := len(e.Proof) * HashSize
	buf := make([]byte, 0, entryFixedSize+len(e.LogURL)+len(lrd)+len(e.LeafBytes)+len(e.Signature)+incProofSize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.LogURL)))
	buf = binary.BigEndian.AppendUint64(buf, e.LeafIndex)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(lrd)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.LeafBytes)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Signature)))
	buf = append(buf, byte(len(e.Proof)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(incProofSize))
	buf = append(buf, e.LogURL...)
	buf = append(buf, lrd...)
	buf = append(buf, e.LeafBytes...)
	buf = append(buf, e.Signature...)
	for _, h := range e.Proof {
		buf = append(buf, h...)
	}

	return buf, nil
}

// Encode serializes the descriptor. The header's ImageSize and ICPCount are
// computed; a zero required version defaults to the current release.
func (d *Descriptor) Encode() ([]byte, error) {
	if len(d.Entries) > math.MaxUint16 {
		return nil, fmt.Errorf("too many entries: %d", len(d.Entries))
	}

	var body []byte
	for i := range d.Entries {
		b, err := d.Entries[i].Encode()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %v", i, err)
		}
		body = append(body, b...)
	}
	if uint64(HeaderSize)+uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("image too large: %d bytes of entries", len(body))
	}

	major, minor := d.Header.VersionMajor, d.Header.VersionMinor
	if major == 0 && minor == 0 {
		major, minor = uint32(supportedVersion.Major), uint32(supportedVersion.Minor)
	}

	buf := make([]byte, 0, HeaderSize+len(body))
	buf = append(buf, Magic...)
	buf = binary.BigEndian.AppendUint32(buf, major)
	buf = binary.BigEndian.AppendUint32(buf, minor)
	buf = binary.BigEndian.AppendUint32(buf, uint32(HeaderSize+len(body)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(d.Entries)))
	buf = append(buf, body...)

	return buf, nil
}
