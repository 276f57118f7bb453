// Package id generates identifiers for recording sessions.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strconv"
	"time"
)

// SessionPrefix prefixes recording session ids.
const SessionPrefix = "rec"

// Generate creates an identifier of the form <prefix>_<12 hex chars>, for
// example "rec_0a1b2c3d4e5f".
func Generate(prefix string) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return prefix + "_" + strconv.FormatInt(time.Now().UnixNano()&0xffffffffffff, 16)
	}
	return prefix + "_" + hex.EncodeToString(b)
}

var idPattern = regexp.MustCompile(`^[a-z]+_[0-9a-f]{12}$`)

// Valid reports whether s looks like an identifier made by Generate.
func Valid(s string) bool {
	return idPattern.MatchString(s)
}
