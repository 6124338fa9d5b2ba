package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"tradestore/internal/domain"
	"tradestore/internal/kv"
	"tradestore/internal/observability"
)

// DefaultConfigHistoryDepth caps a config entry's version history when no
// depth is configured.
const DefaultConfigHistoryDepth = 10

// ConfigStore holds versioned configuration values. Set always creates a new
// version and snapshots the prior value into a capped history zset scored by
// version number.
type ConfigStore struct {
	kv           *kv.Provider
	now          func() time.Time
	historyDepth int64
	logger       *log.Logger
}

// ConfigStoreOptions configures a ConfigStore.
type ConfigStoreOptions struct {
	KV           *kv.Provider
	Now          func() time.Time // defaults to time.Now
	HistoryDepth int64            // defaults to DefaultConfigHistoryDepth
	Logger       *log.Logger
}

// NewConfigStore creates a config store over the provider.
func NewConfigStore(opts ConfigStoreOptions) *ConfigStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	depth := opts.HistoryDepth
	if depth <= 0 {
		depth = DefaultConfigHistoryDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &ConfigStore{kv: opts.KV, now: now, historyDepth: depth, logger: logger}
}

func (s *ConfigStore) primaryKey(key string) string { return s.kv.Key("config", key) }
func (s *ConfigStore) historyKey(key string) string { return s.kv.Key("config", key, "history") }
func (s *ConfigStore) timeKey() string              { return s.kv.Key("configs", "by_time") }

// Set writes a config value. A new key starts at version 1; an existing key
// has its current value snapshotted into the history before the version is
// bumped. Returns the version written.
func (s *ConfigStore) Set(ctx context.Context, key, value, description string) (_ int64, err error) {
	defer func() { observability.RecordStoreOperation("config", "set", err) }()
	if key == "" {
		return 0, fmt.Errorf("set config: %w", ErrInvalidInput)
	}

	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(key))
	if err != nil {
		return 0, fmt.Errorf("read config %s: %w", key, err)
	}

	ts := s.now().UnixMilli()
	version := int64(1)

	tx := s.kv.Client().Tx()

	if len(fields) > 0 {
		prev := decodeConfig(fields)
		version = prev.Version + 1
		snapshot, err := json.Marshal(domain.ConfigVersion{
			Version:   prev.Version,
			Value:     prev.Value,
			UpdatedAt: prev.UpdatedAt,
		})
		if err != nil {
			return 0, fmt.Errorf("encode config snapshot %s: %w", key, err)
		}
		tx.ZAdd(s.historyKey(key), float64(prev.Version), string(snapshot))
	}
	if description == "" && len(fields) > 0 {
		description = fields["description"]
	}

	tx.HSet(s.primaryKey(key), map[string]string{
		"key":         key,
		"value":       value,
		"version":     strconv.FormatInt(version, 10),
		"description": description,
		"updated_at":  formatMillis(ts),
	})
	tx.ZAdd(s.timeKey(), float64(ts), key)

	if _, err := tx.Exec(ctx); err != nil {
		return 0, fmt.Errorf("set config %s: %w", key, err)
	}

	// The new version is stored; a failed history trim is housekeeping
	// debt, not a failed set.
	if err := s.trimHistory(ctx, key); err != nil {
		s.logger.Printf("trim config history for %s: %v", key, err)
	}
	return version, nil
}

// Get retrieves the current value of a config key. Returns ErrNotFound if it
// does not exist.
func (s *ConfigStore) Get(ctx context.Context, key string) (*domain.ConfigEntry, error) {
	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(key))
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeConfig(fields), nil
}

// GetVersionHistory retrieves retained prior versions of a key, newest
// first. The current version is not included. A key with no history returns
// an empty slice.
func (s *ConfigStore) GetVersionHistory(ctx context.Context, key string) ([]domain.ConfigVersion, error) {
	members, err := s.kv.Client().ZRange(ctx, s.historyKey(key), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read config history %s: %w", key, err)
	}
	versions := make([]domain.ConfigVersion, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		var v domain.ConfigVersion
		if err := json.Unmarshal([]byte(members[i]), &v); err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// List retrieves every config entry in order of last update.
func (s *ConfigStore) List(ctx context.Context) ([]*domain.ConfigEntry, error) {
	keys, err := s.kv.Client().ZRange(ctx, s.timeKey(), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read config index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	primary := make([]string, len(keys))
	for i, k := range keys {
		primary[i] = s.primaryKey(k)
	}
	hashes, err := s.kv.Client().HGetAllMulti(ctx, primary)
	if err != nil {
		return nil, fmt.Errorf("hydrate configs: %w", err)
	}
	entries := make([]*domain.ConfigEntry, 0, len(hashes))
	for _, fields := range hashes {
		if len(fields) == 0 {
			continue
		}
		entries = append(entries, decodeConfig(fields))
	}
	return entries, nil
}

// Delete removes a config key, its version history, and its index
// membership. A missing key is a no-op returning zero changes.
func (s *ConfigStore) Delete(ctx context.Context, key string) (_ int, err error) {
	defer func() { observability.RecordStoreOperation("config", "delete", err) }()
	if key == "" {
		return 0, fmt.Errorf("delete config: %w", ErrInvalidInput)
	}

	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(key))
	if err != nil {
		return 0, fmt.Errorf("read config %s: %w", key, err)
	}
	if len(fields) == 0 {
		return 0, nil
	}

	tx := s.kv.Client().Tx()
	tx.Del(s.primaryKey(key), s.historyKey(key))
	tx.ZRem(s.timeKey(), key)

	n, err := tx.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete config %s: %w", key, err)
	}
	return n, nil
}

// trimHistory drops the oldest snapshots beyond the configured depth.
func (s *ConfigStore) trimHistory(ctx context.Context, key string) error {
	total, err := s.kv.Client().ZCard(ctx, s.historyKey(key))
	if err != nil {
		return fmt.Errorf("count config history %s: %w", key, err)
	}
	excess := total - s.historyDepth
	if excess <= 0 {
		return nil
	}
	oldest, err := s.kv.Client().ZRange(ctx, s.historyKey(key), 0, excess-1)
	if err != nil {
		return fmt.Errorf("read oldest config versions %s: %w", key, err)
	}
	if len(oldest) == 0 {
		return nil
	}
	if _, err := s.kv.Client().ZRem(ctx, s.historyKey(key), oldest...); err != nil {
		return fmt.Errorf("trim config history %s: %w", key, err)
	}
	return nil
}

func decodeConfig(fields map[string]string) *domain.ConfigEntry {
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	return &domain.ConfigEntry{
		Key:         fields["key"],
		Value:       fields["value"],
		Version:     version,
		Description: fields["description"],
		UpdatedAt:   parseMillis(fields["updated_at"]),
	}
}
