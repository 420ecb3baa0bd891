// Package credential mints the opaque values embedded in QR payloads:
// session identifiers and the rotating token. Both come from
// cryptographically strong randomness; guessing either within a
// session's lifetime is infeasible.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/google/uuid"
)

// tokenBytes gives 128 bits of entropy per token.
const tokenBytes = 16

// NewSessionID returns a new opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NewToken returns a compact URL-safe rotating token. Panics if the
// system random source fails, which would make every credential in the
// process untrustworthy anyway.
func NewToken() string {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic("credential: system random source unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewRecordID returns an identifier for a ledger record.
func NewRecordID() string {
	return uuid.NewString()
}
