// Package idgen provides ID generation for ledger rows, payout batches and
// provider references.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// New generates a random UUID (v4) string for ledger rows.
func New() string {
	return uuid.NewString()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

var lastBatch atomic.Int64

// BatchID returns BATCH-<n> where n is the current Unix time in
// milliseconds, bumped so that successive calls in one process are
// strictly increasing.
func BatchID(now time.Time) string {
	n := now.UnixMilli()
	for {
		prev := lastBatch.Load()
		if n <= prev {
			n = prev + 1
		}
		if lastBatch.CompareAndSwap(prev, n) {
			return "BATCH-" + strconv.FormatInt(n, 10)
		}
	}
}
