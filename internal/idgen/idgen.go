// Package idgen generates run identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// RunID returns an identifier that sorts by start time:
// "run_" + UTC timestamp + "_" + 8 random hex chars.
func RunID(started time.Time) string {
	return "run_" + started.UTC().Format("20060102T150405Z") + "_" + Hex(4)
}

// WithPrefix returns prefix + 24 random hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
