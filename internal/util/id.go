package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 24-character random hex id. Used for session and token
// primary keys, credential jtis, and queue message ids; share ids use UUIDs
// instead since they are the one id respondents pass around.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
