// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// contentDomainKey is the BLAKE3 keyed-hash key for workspace content
// digests. A fixed constant — changing it invalidates every digest a
// collaborator has cached. The bytes are the ASCII domain name,
// zero-padded to the 32 bytes keyed mode requires, so the key is
// readable in hex dumps.
var contentDomainKey = [32]byte{
	'a', 'n', 'n', 'e', 'x', ' ', 'w', 'o', 'r', 'k', 's', 'p', 'a', 'c', 'e', ' ',
	'c', 'o', 'n', 't', 'e', 'n', 't', ' ', 'v', '1', 0, 0, 0, 0, 0, 0,
}

// ContentDigest returns the hex digest of file content. Collaborators
// compare digests against their last-seen values to skip unchanged
// transfers. Domain keying keeps these digests from colliding with
// hashes of the same bytes computed in other contexts.
func ContentDigest(data []byte) string {
	hasher, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		panic("workspace: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
