// Package idgen provides identifier generation.
//
// Session identifiers are random. Everything the simulator itself produces
// (transaction ids, event ids, simulated tx hashes) is derived from content
// so that replaying the same intents yields the same identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// battleNamespace scopes name-based UUIDs produced by the simulator.
var battleNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("agentbattle/timeline"))

// WithPrefix generates a random ID with a prefix (e.g. "bs_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hash returns the 0x-prefixed keccak-256 of the parts joined by "|".
func Hash(parts ...string) string {
	return crypto.Keccak256Hash([]byte(strings.Join(parts, "|"))).Hex()
}

// TxHash derives a simulated on-chain transaction hash for the seq-th
// effect of a transaction.
func TxHash(txID string, seq uint64, kind string) string {
	return Hash("tx", txID, strconv.FormatUint(seq, 10), kind)
}

// Name returns a stable UUID for a name within the simulator namespace.
func Name(parts ...string) string {
	return uuid.NewSHA1(battleNamespace, []byte(strings.Join(parts, "|"))).String()
}
