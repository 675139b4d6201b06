// Package xid issues prefixed identifiers for sales, invoices, and other
// records. Uniqueness comes from the nanosecond timestamp plus random
// bytes; no cross-process coordination.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns an id of the form "<prefix>-<unixnano>-<16 hex chars>".
// If the random source fails the suffix is dropped; the timestamp alone
// is unique enough within one process.
func New(prefix string) string {
	now := time.Now().UnixNano()
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, now)
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now, hex.EncodeToString(buf))
}
