// Copyright 2026 The Shelfscan Authors
// SPDX-License-Identifier: Apache-2.0

package scanjob

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// imageFingerprintKey is a 32-byte key for BLAKE3 keyed hashing.
// Domain separation keeps upload fingerprints from colliding with
// any other hash of the same bytes. The byte values are the ASCII
// encoding of the domain name, zero-padded to 32 bytes, so the key
// is inspectable in hex dumps.
var imageFingerprintKey = [32]byte{
	's', 'h', 'e', 'l', 'f', 's', 'c', 'a', 'n', '.', 'u', 'p', 'l', 'o', 'a', 'd',
	'.', 'i', 'm', 'a', 'g', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// ImageFingerprint computes the hex-encoded keyed BLAKE3 digest of an
// image. The fingerprint accompanies every upload so the server can
// recognize a resubmitted photo (client retry after an ambiguous
// failure) without reprocessing it.
func ImageFingerprint(image []byte) string {
	hasher, err := blake3.NewKeyed(imageFingerprintKey[:])
	if err != nil {
		// NewKeyed fails only on a key that is not 32 bytes.
		panic("scanjob: bad fingerprint key: " + err.Error())
	}
	hasher.Write(image)
	var digest [32]byte
	hasher.Sum(digest[:0])
	return hex.EncodeToString(digest[:])
}
