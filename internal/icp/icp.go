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

// Package icp recomputes RFC 6962 Merkle tree roots from inclusion proofs.
package icp

import (
	"fmt"
	"math/bits"

	"github.com/transparency-dev/merkle/rfc6962"
)

var hasher = rfc6962.DefaultHasher

// HashLeaf returns the RFC 6962 leaf hash (0x00-prefixed SHA-256) of leaf.
func HashLeaf(leaf []byte) []byte {
	return hasher.HashLeaf(leaf)
}

// ProofLength returns the number of audit-path hashes structurally required
// to prove inclusion of the leaf at index in a tree of treeSize leaves.
// Only valid for index < treeSize.
func ProofLength(index, treeSize uint64) int {
	inner := innerProofSize(index, treeSize)
	return inner + bits.OnesCount64(index>>uint(inner))
}

// innerProofSize is the number of audit-path steps below the point where
// the paths from the leaf and from the last leaf diverge; the remaining
// steps run along the tree's right border.
func innerProofSize(index, treeSize uint64) int {
	return bits.Len64(index ^ (treeSize - 1))
}

// RootFromProof walks the audit path from the leaf hash upward and returns
// the recomputed root. Within the inner part of the path the concatenation
// order at each level follows the parity of the leaf index at that level;
// the border part always hashes the sibling on the left. The caller
// compares the returned root against the claimed one, so a mismatch is
// reported distinctly from the structural errors returned here.
func RootFromProof(leafHash []byte, index, treeSize uint64, proof [][]byte) ([]byte, error) {
	if index >= treeSize {
		return nil, fmt.Errorf("leaf index %d out of range for tree size %d", index, treeSize)
	}
	if got, want := len(proof), ProofLength(index, treeSize); got != want {
		return nil, fmt.Errorf("audit path has %d hashes, need %d", got, want)
	}

	inner := innerProofSize(index, treeSize)
	res := leafHash
	for i, h := range proof[:inner] {
		if (index>>uint(i))&1 == 0 {
			res = hasher.HashChildren(res, h)
		} else {
			res = hasher.HashChildren(h, res)
		}
	}
	for _, h := range proof[inner:] {
		res = hasher.HashChildren(h, res)
	}
	return res, nil
}
