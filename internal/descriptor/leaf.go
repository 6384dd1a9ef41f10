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
	"encoding/json"
	"fmt"
)

// FirmwareInfo is the annotation recorded in the transparency log for a
// vbmeta image. The log leaf is the JSON serialization of this structure
// nested per the AFTL schema; the raw leaf bytes must be preserved as-is to
// keep hash equivalence with what the log recorded.
type FirmwareInfo struct {
	// VbmetaHash is the SHA-256 digest of the vbmeta image, computed over
	// the bytes preceding the AFTL image.
	VbmetaHash []byte `json:"vbmeta_hash"`
	// VersionIncremental is the build fingerprint subcomponent of the
	// image the vbmeta covers.
	VersionIncremental string `json:"version_incremental,omitempty"`
	// PlatformKey is the public key the vbmeta itself is signed with.
	PlatformKey []byte `json:"platform_key,omitempty"`
	// ManufacturerKeyHash is the SHA-256 of the manufacturer public key
	// known to the log.
	ManufacturerKeyHash []byte `json:"manufacturer_key_hash,omitempty"`
	// Description is a free-form annotation.
	Description string `json:"description,omitempty"`
}

type fwInfoEnvelope struct {
	Value struct {
		FwInfo struct {
			Info struct {
				Info FirmwareInfo `json:"info"`
			} `json:"info"`
		} `json:"FwInfo"`
	} `json:"Value"`
}

// ParseFirmwareInfo extracts the FirmwareInfo from raw leaf bytes.
func ParseFirmwareInfo(leaf []byte) (FirmwareInfo, error) {
	var env fwInfoEnvelope
	if err := json.Unmarshal(leaf, &env); err != nil {
		return FirmwareInfo{}, fmt.Errorf("invalid FirmwareInfo leaf: %v", err)
	}
	info := env.Value.FwInfo.Info.Info
	if len(info.VbmetaHash) != HashSize {
		return FirmwareInfo{}, fmt.Errorf("FirmwareInfo vbmeta_hash has %d bytes, want %d", len(info.VbmetaHash), HashSize)
	}
	return info, nil
}

// EncodeFirmwareInfoLeaf serializes info into the leaf form submitted to
// the log. The returned bytes are the exact Merkle leaf.
func EncodeFirmwareInfoLeaf(info FirmwareInfo) ([]byte, error) {
	if len(info.VbmetaHash) != HashSize {
		return nil, fmt.Errorf("FirmwareInfo vbmeta_hash has %d bytes, want %d", len(info.VbmetaHash), HashSize)
	}
	var env fwInfoEnvelope
	env.Value.FwInfo.Info.Info = info
	return json.Marshal(&env)
}
