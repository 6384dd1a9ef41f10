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
//
// The aftlbundle tool builds an AFTL image for a vbmeta image from a
// serverless transparency log and appends it, only useful for development
// work: the log root signature comes from a local RSA key rather than the
// log operator.
package main

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/transparency-dev/merkle/rfc6962"
	"github.com/transparency-dev/serverless-log/client"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/aftl-verify/aftl"
	"github.com/transparency-dev/aftl-verify/internal/descriptor"
	"github.com/transparency-dev/aftl-verify/internal/logsig"
)

var (
	vbmetaFile     = flag.String("vbmeta_file", "", "vbmeta image to build an AFTL image for.")
	outputFile     = flag.String("output_file", "", "File to write the image with the appended AFTL image to.")
	logBaseURL     = flag.String("log_url", "", "Base URL for the transparency log to use.")
	logOrigin      = flag.String("log_origin", "", "Log origin string.")
	logPubKeyFile  = flag.String("log_pubkey_file", "", "File containing the log's public key in Note verifier format.")
	signingKeyFile = flag.String("signing_key_file", "", "PEM file with the dev RSA-4096 key used to sign the log root.")
	pubKeyOutFile  = flag.String("pubkey_out_file", "", "Optional file to write the signing key's public half in AVB binary key format.")
	logName        = flag.String("log_name", "", "Log identity recorded in the entry; defaults to the log URL host.")
	versionInc     = flag.String("version_incremental", "", "Build fingerprint subcomponent recorded in the leaf.")
	description    = flag.String("description", "", "Free-form leaf annotation.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx := context.Background()

	vbmeta, err := os.ReadFile(*vbmetaFile)
	if err != nil {
		klog.Exitf("Failed to read vbmeta %q: %v", *vbmetaFile, err)
	}
	if _, _, ok := descriptor.Locate(vbmeta); ok {
		klog.Exitf("%q already contains an AFTL image", *vbmetaFile)
	}

	sum := sha256.Sum256(vbmeta)
	leaf, err := descriptor.EncodeFirmwareInfoLeaf(descriptor.FirmwareInfo{
		VbmetaHash:         sum[:],
		VersionIncremental: *versionInc,
		Description:        *description,
	})
	if err != nil {
		klog.Exitf("Failed to encode FirmwareInfo leaf: %v", err)
	}

	logFetcher := newFetcherOrDie(*logBaseURL)
	logHasher := rfc6962.DefaultHasher
	logVerifier := verifierOrDie(*logPubKeyFile)
	lst, err := client.NewLogStateTracker(
		ctx,
		logFetcher,
		logHasher,
		nil,
		logVerifier,
		*logOrigin,
		client.UnilateralConsensus(logFetcher),
	)
	if err != nil {
		klog.Exitf("NewLogStateTracker: %v", err)
	}
	if _, _, _, err := lst.Update(ctx); err != nil {
		klog.Exitf("Update: %v", err)
	}

	idx, err := client.LookupIndex(ctx, logFetcher, logHasher.HashLeaf(leaf))
	if err != nil {
		klog.Exitf("LookupIndex: %v", err)
	}
	klog.Infof("Found leaf at index %d", idx)

	incP, err := lst.ProofBuilder.InclusionProof(ctx, idx)
	if err != nil {
		klog.Exitf("InclusionProof: %v", err)
	}

	signingKey := signingKeyOrDie(*signingKeyFile)
	cp := lst.LatestConsistent
	logRoot := descriptor.LogRoot{
		Version:   1,
		TreeSize:  cp.Size,
		RootHash:  cp.Hash,
		Timestamp: uint64(time.Now().UnixNano()),
	}
	raw, err := logRoot.Encode()
	if err != nil {
		klog.Exitf("Failed to encode log root: %v", err)
	}
	digest := sha256.Sum256(raw)
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey, crypto.SHA256, digest[:])
	if err != nil {
		klog.Exitf("Failed to sign log root: %v", err)
	}

	name := *logName
	if name == "" {
		u, err := url.Parse(*logBaseURL)
		if err != nil {
			klog.Exitf("Couldn't parse log_url: %v", err)
		}
		name = u.Host
	}

	d := descriptor.Descriptor{
		Entries: []descriptor.Entry{{
			LogURL:    name,
			LeafIndex: idx,
			LogRoot:   logRoot,
			LeafBytes: leaf,
			Signature: sig,
			Proof:     incP,
		}},
	}
	blob, err := d.Encode()
	if err != nil {
		klog.Exitf("Failed to encode AFTL image: %v", err)
	}
	out := append(vbmeta, blob...)

	// Verify the appended image the way the boot flow will before
	// writing anything.
	pubBlob, err := logsig.EncodePublicKey(&signingKey.PublicKey)
	if err != nil {
		klog.Exitf("Failed to encode public key: %v", err)
	}
	v, err := aftl.NewSlotVerifier(pubBlob)
	if err != nil {
		klog.Exitf("NewSlotVerifier: %v", err)
	}
	if outcome := v.VerifySlot([][]byte{out}); outcome.Result != aftl.Ok {
		klog.Exitf("Built AFTL image failed self-verification: %+v", outcome)
	}

	if err := os.WriteFile(*outputFile, out, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}
	klog.Infof("Wrote %d bytes (%d of AFTL image) to %q", len(out), len(blob), *outputFile)

	if *pubKeyOutFile != "" {
		if err := os.WriteFile(*pubKeyOutFile, pubBlob, 0o644); err != nil {
			klog.Exitf("WriteFile: %v", err)
		}
		klog.Infof("Wrote log public key blob to %q", *pubKeyOutFile)
	}
}

// newFetcherOrDie creates a Fetcher for the log at the given root location.
func newFetcherOrDie(logURL string) client.Fetcher {
	root, err := url.Parse(logURL)
	if err != nil {
		klog.Exitf("Couldn't parse log_url: %v", err)
	}

	get := getByScheme[root.Scheme]
	if get == nil {
		klog.Exitf("Unsupported URL scheme %s", root.Scheme)
	}

	return func(ctx context.Context, p string) ([]byte, error) {
		u, err := root.Parse(p)
		if err != nil {
			return nil, err
		}
		return get(ctx, u)
	}
}

var getByScheme = map[string]func(context.Context, *url.URL) ([]byte, error){
	"http":  readHTTP,
	"https": readHTTP,
	"file": func(_ context.Context, u *url.URL) ([]byte, error) {
		return os.ReadFile(u.Path)
	},
}

func readHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		klog.Infof("Not found: %q", u.String())
		return nil, os.ErrNotExist
	case http.StatusOK:
		break
	default:
		return nil, fmt.Errorf("unexpected http status %q", resp.Status)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			klog.Errorf("resp.Body.Close(): %v", err)
		}
	}()
	return io.ReadAll(resp.Body)
}

func verifierOrDie(p string) note.Verifier {
	vs, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read log pub key file %q: %v", p, err)
	}
	v, err := note.NewVerifier(string(vs))
	if err != nil {
		klog.Exitf("Invalid note verifier string %q: %v", vs, err)
	}
	return v
}

func signingKeyOrDie(p string) *rsa.PrivateKey {
	b, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read signing key %q: %v", p, err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		klog.Exitf("No PEM block in %q", p)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		klog.Exitf("Failed to parse signing key %q: %v", p, err)
	}
	key, ok := k.(*rsa.PrivateKey)
	if !ok {
		klog.Exitf("Signing key %q is not an RSA key", p)
	}
	return key
}
