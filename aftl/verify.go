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

// Package aftl verifies the transparency log inclusion proofs embedded in
// vbmeta images, proving that every image in a boot slot is recorded in an
// append-only log before it is used to boot. The vbmeta images' own
// signatures and chain of trust are verified by the caller beforehand.
package aftl

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/aftl-verify/internal/descriptor"
	"github.com/transparency-dev/aftl-verify/internal/icp"
	"github.com/transparency-dev/aftl-verify/internal/logsig"
)

// Result is the coarse verification status reported to the boot flow.
type Result int

const (
	// Ok means every inclusion-proof entry in every image verified.
	Ok Result = iota
	// ErrorVerification means a hash bind, Merkle root or signature
	// check failed.
	ErrorVerification
	// ErrorIo means an AFTL image was structurally malformed.
	ErrorIo
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "OK"
	case ErrorVerification:
		return "ERROR_VERIFICATION"
	case ErrorIo:
		return "ERROR_IO"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// FailureKind identifies which check failed first.
type FailureKind int

const (
	// ParseFailure: the AFTL image was malformed or truncated.
	ParseFailure FailureKind = iota
	// BindMismatch: the vbmeta hash does not match the claimed leaf.
	BindMismatch
	// RootMismatch: the recomputed Merkle root disagrees with the
	// claimed root.
	RootMismatch
	// SignatureInvalid: the log signature does not verify.
	SignatureInvalid
)

func (k FailureKind) String() string {
	switch k {
	case ParseFailure:
		return "parse"
	case BindMismatch:
		return "vbmeta hash bind"
	case RootMismatch:
		return "merkle root"
	case SignatureInvalid:
		return "log signature"
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Failure records the first failing check of a slot verification.
type Failure struct {
	Kind FailureKind
	// Image is the index of the failing vbmeta image within the slot.
	Image int
	// Entry is the index of the failing inclusion-proof entry, or -1
	// when the failure is not attributable to a single entry.
	Entry int
	// Err carries the underlying cause when one exists, such as the
	// ParseError describing the malformed field.
	Err error
}

// Outcome is the result of verifying one boot slot. A slot either passes in
// full or reports its first failure; there is no partial success.
type Outcome struct {
	Result  Result
	Failure *Failure // nil when Result is Ok
}

// SlotVerifier checks every vbmeta image in a boot slot against the
// transparency log key pinned at construction. It never mutates the images
// and holds no state across calls, so independent verifications may run
// concurrently on independent buffers.
type SlotVerifier struct {
	logKey *rsa.PublicKey
}

// NewSlotVerifier pins the on-device transparency log public key. The key
// must be exactly logsig.PublicKeySize bytes in the AVB binary key format;
// any other length or content is a caller error, not a verification
// failure. The key is never taken from the descriptor itself, which would
// let an attacker substitute their own.
func NewSlotVerifier(logPubKey []byte) (*SlotVerifier, error) {
	key, err := logsig.ParsePublicKey(logPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid log public key: %v", err)
	}
	return &SlotVerifier{logKey: key}, nil
}

// VerifySlot verifies the AFTL inclusion proofs of every vbmeta image in a
// boot slot, stopping at the first failure. An image without an embedded
// AFTL image passes vacuously; whether an image must carry one is the
// caller's policy.
func (v *SlotVerifier) VerifySlot(images [][]byte) Outcome {
	for i, img := range images {
		off, _, ok := descriptor.Locate(img)
		if !ok {
			klog.V(1).Infof("aftl: image %d carries no AFTL image, skipping", i)
			continue
		}

		desc, err := descriptor.Parse(img[off:])
		if err != nil {
			klog.Errorf("aftl: image %d: %v", i, err)
			entry := -1
			var pe *descriptor.ParseError
			if errors.As(err, &pe) {
				entry = pe.Entry
			}
			return Outcome{
				Result:  ErrorIo,
				Failure: &Failure{Kind: ParseFailure, Image: i, Entry: entry, Err: err},
			}
		}

		// The logged vbmeta hash covers the image up to the AFTL magic.
		vbmeta := img[:off]
		for j := range desc.Entries {
			if f := v.verifyEntry(vbmeta, &desc.Entries[j]); f != nil {
				f.Image, f.Entry = i, j
				klog.Errorf("aftl: image %d entry %d: %s check failed", i, j, f.Kind)
				return Outcome{Result: ErrorVerification, Failure: f}
			}
		}
	}
	return Outcome{Result: Ok}
}

// verifyEntry runs the per-entry checks in their fixed order: vbmeta hash
// bind, then Merkle root recomputation, then log signature. The order
// determines which failure is reported for an entry invalid in more than
// one way, so it must not change.
func (v *SlotVerifier) verifyEntry(vbmeta []byte, e *descriptor.Entry) *Failure {
	sum := sha256.Sum256(vbmeta)
	if !bytes.Equal(sum[:], e.FwInfo.VbmetaHash) {
		return &Failure{Kind: BindMismatch}
	}

	root, err := icp.RootFromProof(icp.HashLeaf(e.LeafBytes), e.LeafIndex, e.LogRoot.TreeSize, e.Proof)
	if err != nil || !bytes.Equal(root, e.LogRoot.RootHash) {
		return &Failure{Kind: RootMismatch, Err: err}
	}

	if !logsig.Verify(v.logKey, e.LogRootRaw, e.Signature) {
		return &Failure{Kind: SignatureInvalid}
	}
	return nil
}
