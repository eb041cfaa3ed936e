// Package sync replicates encrypted secret bundles between machines
// through a content-addressed store: a local cache and metadata index
// backed by an IPFS daemon, with public gateway fallbacks for
// downloads.
package sync

import (
	"crypto/sha256"
	"encoding/hex"
)

// localCIDPrefix marks CIDs computed locally, before (or without) the
// IPFS daemon assigning an authoritative one.
const localCIDPrefix = "bafkrei"

// localCIDHexLen is how much of the hex digest the local CID keeps.
const localCIDHexLen = 52

// LocalCID computes a content identifier for a ciphertext without any
// network call: "bafkrei" + the first 52 hex chars of its SHA-256.
// When the IPFS daemon is reachable its returned CID replaces this one
// in metadata.
func LocalCID(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return localCIDPrefix + hex.EncodeToString(sum[:])[:localCIDHexLen]
}
