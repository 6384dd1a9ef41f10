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

// The aftlverify tool checks the transparency log inclusion proofs
// embedded in vbmeta images against an on-device log public key, the same
// checks the boot flow performs.
//
// Usage:
//
//	aftlverify -log_pubkey_file log.bin vbmeta_a.img [vbmeta_system_a.img ...]
package main

import (
	"flag"
	"os"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/aftl-verify/aftl"
)

var logPubKeyFile = flag.String("log_pubkey_file", "", "File containing the transparency log public key in AVB binary key format.")

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *logPubKeyFile == "" {
		klog.Exit("must specify -log_pubkey_file")
	}
	if flag.NArg() == 0 {
		klog.Exit("no vbmeta images given")
	}

	keyBlob, err := os.ReadFile(*logPubKeyFile)
	if err != nil {
		klog.Exitf("Failed to read log public key %q: %v", *logPubKeyFile, err)
	}
	v, err := aftl.NewSlotVerifier(keyBlob)
	if err != nil {
		klog.Exitf("Invalid log public key %q: %v", *logPubKeyFile, err)
	}

	images := make([][]byte, 0, flag.NArg())
	for _, p := range flag.Args() {
		b, err := os.ReadFile(p)
		if err != nil {
			klog.Exitf("Failed to read vbmeta image %q: %v", p, err)
		}
		images = append(images, b)
	}

	outcome := v.VerifySlot(images)
	if outcome.Result != aftl.Ok {
		f := outcome.Failure
		klog.Exitf("FAILURE (%s): image %q entry %d failed the %s check", outcome.Result, flag.Arg(f.Image), f.Entry, f.Kind)
	}
	klog.Infof("OK: inclusion proofs verified for %d image(s)", len(images))
}
