package store

import (
	"encoding/json"
	"strconv"
)

// Hash-field encoding helpers. Primary records are stored as flat hashes of
// strings; numbers round-trip through strconv and structured metadata through
// JSON. Zero values are stored explicitly so a hydrated record equals the
// inserted one.

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatMillis(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseMillis(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseMillisPtr(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func encodeMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeMeta(s string) map[string]string {
	if s == "" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(s), &meta); err != nil {
		return nil
	}
	return meta
}
