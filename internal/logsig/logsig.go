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

// Package logsig verifies transparency log signatures over signed log
// roots. Log keys are supplied in the AVB binary key format: a fixed-size
// big-endian blob carrying the modulus and its Montgomery precomputation.
package logsig

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

const (
	keyBits     = 4096
	modulusSize = keyBits / 8

	// PublicKeySize is the exact size of a log public key blob: a header
	// of key_num_bits and n0inv, then the modulus and R^2, 512 bytes each.
	PublicKeySize = 8 + 2*modulusSize

	// publicExponent is fixed for all log keys.
	publicExponent = 65537
)

// ParsePublicKey decodes a log public key blob. The blob length must equal
// PublicKeySize exactly; any other length is a caller contract violation.
func ParsePublicKey(blob []byte) (*rsa.PublicKey, error) {
	if len(blob) != PublicKeySize {
		return nil, fmt.Errorf("log public key has %d bytes, want %d", len(blob), PublicKeySize)
	}
	if n := binary.BigEndian.Uint32(blob[0:4]); n != keyBits {
		return nil, fmt.Errorf("log public key declares %d bits, want %d", n, keyBits)
	}
	mod := new(big.Int).SetBytes(blob[8 : 8+modulusSize])
	if mod.BitLen() != keyBits {
		return nil, fmt.Errorf("log public key modulus has %d bits, want %d", mod.BitLen(), keyBits)
	}
	return &rsa.PublicKey{N: mod, E: publicExponent}, nil
}

// EncodePublicKey serializes pub into the AVB binary key format.
func EncodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub.N.BitLen() != keyBits {
		return nil, fmt.Errorf("modulus has %d bits, want %d", pub.N.BitLen(), keyBits)
	}
	if pub.E != publicExponent {
		return nil, fmt.Errorf("public exponent is %d, want %d", pub.E, publicExponent)
	}

	buf := make([]byte, PublicKeySize)
	binary.BigEndian.PutUint32(buf[0:4], keyBits)
	binary.BigEndian.PutUint32(buf[4:8], n0inv(pub.N))
	pub.N.FillBytes(buf[8 : 8+modulusSize])
	rr := new(big.Int).Lsh(big.NewInt(1), 2*keyBits)
	rr.Mod(rr, pub.N)
	rr.FillBytes(buf[8+modulusSize:])

	return buf, nil
}

// n0inv computes -1/n mod 2^32, the Montgomery constant stored alongside
// the modulus.
func n0inv(n *big.Int) uint32 {
	b := new(big.Int).Lsh(big.NewInt(1), 32)
	inv := new(big.Int).ModInverse(new(big.Int).Mod(n, b), b)
	inv.Sub(b, inv)
	return uint32(inv.Uint64())
}

// Verify reports whether sig is a valid log signature (RSASSA-PKCS1-v1_5
// with SHA-256) over msg, the canonical log root encoding.
func Verify(pub *rsa.PublicKey, msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}
