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

package logsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sync"
	"testing"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

// sharedTestKey generates one RSA-4096 key for the whole package; 4096-bit
// generation is too slow to repeat per test.
func sharedTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, keyBits)
	})
	if testKeyErr != nil {
		t.Fatalf("rsa.GenerateKey: %v", testKeyErr)
	}
	return testKey
}

func TestPublicKeyRoundTrip(t *testing.T) {
	key := sharedTestKey(t)

	blob, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	if len(blob) != PublicKeySize {
		t.Fatalf("blob has %d bytes, want %d", len(blob), PublicKeySize)
	}

	got, err := ParsePublicKey(blob)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if got.N.Cmp(key.N) != 0 || got.E != key.E {
		t.Error("parsed key differs from original")
	}
}

func TestPublicKeyMontgomeryConstants(t *testing.T) {
	key := sharedTestKey(t)
	blob, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}

	// n0inv * (N mod 2^32) must be -1 mod 2^32.
	b32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0 := new(big.Int).Mod(key.N, b32)
	inv := new(big.Int).SetUint64(uint64(binary.BigEndian.Uint32(blob[4:8])))
	prod := new(big.Int).Mod(new(big.Int).Mul(n0, inv), b32)
	if want := new(big.Int).Sub(b32, big.NewInt(1)); prod.Cmp(want) != 0 {
		t.Errorf("n0inv check: n0*n0inv mod 2^32 = %v, want %v", prod, want)
	}

	// The trailing field must be R^2 mod N with R = 2^keyBits.
	rr := new(big.Int).SetBytes(blob[8+modulusSize:])
	want := new(big.Int).Lsh(big.NewInt(1), 2*keyBits)
	want.Mod(want, key.N)
	if rr.Cmp(want) != 0 {
		t.Error("R^2 field does not match 2^(2*keyBits) mod N")
	}
}

func TestParsePublicKeyErrors(t *testing.T) {
	key := sharedTestKey(t)
	blob, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}

	if _, err := ParsePublicKey(blob[:len(blob)-1]); err == nil {
		t.Error("ParsePublicKey accepted short blob")
	}
	if _, err := ParsePublicKey(append(blob, 0)); err == nil {
		t.Error("ParsePublicKey accepted long blob")
	}

	bad := append([]byte{}, blob...)
	binary.BigEndian.PutUint32(bad[0:4], 2048)
	if _, err := ParsePublicKey(bad); err == nil {
		t.Error("ParsePublicKey accepted wrong declared key size")
	}

	bad = append([]byte{}, blob...)
	bad[8] = 0 // clear the modulus high byte, dropping below keyBits
	if _, err := ParsePublicKey(bad); err == nil {
		t.Error("ParsePublicKey accepted short modulus")
	}
}

func TestVerify(t *testing.T) {
	key := sharedTestKey(t)
	msg := []byte("canonical log root bytes")

	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}

	if !Verify(&key.PublicKey, msg, sig) {
		t.Error("Verify rejected a valid signature")
	}

	badSig := append([]byte{}, sig...)
	badSig[0] ^= 0x01
	if Verify(&key.PublicKey, msg, badSig) {
		t.Error("Verify accepted a corrupted signature")
	}

	badMsg := append([]byte{}, msg...)
	badMsg[0] ^= 0x01
	if Verify(&key.PublicKey, badMsg, sig) {
		t.Error("Verify accepted a signature over different bytes")
	}

	if Verify(&key.PublicKey, msg, nil) {
		t.Error("Verify accepted an empty signature")
	}
}
