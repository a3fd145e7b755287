// Package hashchain computes the chain hashes that bind each provenance
// record to its entire ancestry. Altering any ancestor's content invalidates
// every descendant's chain hash, so a subtree can be audited offline without
// re-hashing raw artifacts.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
)

// Compute derives a record's chain hash from its own content hash and its
// parent's chain hash. Root records (no hashed parent) hash only their own
// content hash. Non-root records hash the literal string
// "contentHash:parentChainHash", the colon-joined hex strings rather than
// raw digest bytes. The encoding is fixed: previously issued hashes were
// computed this way and must remain verifiable.
func Compute(contentHash string, parentChainHash *string) string {
	var sum [32]byte
	if parentChainHash == nil {
		sum = sha256.Sum256([]byte(contentHash))
	} else {
		sum = sha256.Sum256([]byte(contentHash + ":" + *parentChainHash))
	}
	return hex.EncodeToString(sum[:])
}
