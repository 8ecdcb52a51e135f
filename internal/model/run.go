package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRunID returns a compact, time-sortable run identifier with a random
// suffix, e.g. "20260830T142501Z-9f2c41ab".
func NewRunID() string {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return stamp + "-" + suffix
}

// KillmailIDHash returns the hex SHA-256 of the decimal killmail id, used as
// a stable join key in downstream exports.
func KillmailIDHash(killmailID int64) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(killmailID, 10)))
	return hex.EncodeToString(sum[:])
}

// RunSummary is printed at the end of a successful tick.
type RunSummary struct {
	RunID          string `json:"run_id"`
	RawCount       int    `json:"raw_count"`
	PendingCount   int    `json:"pending_count"`
	EnrichedCount  int    `json:"enriched_count"`
	DiscardedCount int    `json:"discarded_count"`
}
