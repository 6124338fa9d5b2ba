package domain

// ConfigEntry is a versioned configuration value. Every mutation creates a
// new version; prior values are snapshotted into a capped history.
type ConfigEntry struct {
	Key         string
	Value       string
	Version     int64 // monotonically increasing, starts at 1
	Description string
	UpdatedAt   int64 // Unix timestamp in milliseconds
}

// ConfigVersion is one snapshot in a config entry's version history.
type ConfigVersion struct {
	Version   int64  `json:"version"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updated_at"` // Unix timestamp in milliseconds
}
