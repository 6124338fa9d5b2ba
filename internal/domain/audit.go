package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// AuditLogEntry is an immutable, hash-chained audit fact. Hash covers the
// entry payload plus PrevHash, so any rewrite of history breaks the chain.
type AuditLogEntry struct {
	ID        string            `json:"id"`
	Timestamp int64             `json:"timestamp"` // Unix timestamp in milliseconds
	EventType string            `json:"event_type"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// ComputeHash returns the chain hash for the entry: sha256 over PrevHash and
// a canonical rendering of the payload fields. The Hash field itself is not
// part of the input.
func (e *AuditLogEntry) ComputeHash() string {
	var b strings.Builder
	b.WriteString(e.PrevHash)
	b.WriteByte('|')
	b.WriteString(e.ID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	b.WriteByte('|')
	b.WriteString(e.EventType)
	b.WriteByte('|')
	b.WriteString(e.Actor)
	b.WriteByte('|')
	b.WriteString(e.Action)
	b.WriteByte('|')
	b.WriteString(canonicalDetails(e.Details))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that entries form an unbroken hash chain in order.
// Verification failure is an expected outcome, so it is reported as a result
// value rather than an error.
func VerifyChain(entries []*AuditLogEntry) (bool, string) {
	prev := ""
	for i, e := range entries {
		if i > 0 && e.PrevHash != prev {
			return false, "prev hash mismatch at entry " + e.ID
		}
		if e.ComputeHash() != e.Hash {
			return false, "hash mismatch at entry " + e.ID
		}
		prev = e.Hash
	}
	return true, ""
}

// canonicalDetails renders the details map with sorted keys so the hash is
// independent of map iteration order.
func canonicalDetails(details map[string]string) string {
	if len(details) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([][2]string, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]string{k, details[k]})
	}
	data, _ := json.Marshal(ordered)
	return string(data)
}
