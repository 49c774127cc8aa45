// Package id provides unique identifier generation for jobs.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Prefix starts every generated ID.
const Prefix = "edit-"

// Generate creates a new unique job ID.
// Format: edit-<unix millis>-<random hex>
// Example: edit-1701432000123-a1b2c3d4e5f6
func Generate() string {
	ts := time.Now().UnixMilli()
	random := make([]byte, 6)
	if _, err := rand.Read(random); err != nil {
		return fmt.Sprintf("%s%d", Prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s%d-%s", Prefix, ts, hex.EncodeToString(random))
}
