package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"tradestore/internal/domain"
	"tradestore/internal/kv"
	"tradestore/internal/observability"
)

// DefaultSignalHistoryDepth caps a strategy's signal history when no depth
// is configured.
const DefaultSignalHistoryDepth = 100

// StrategyStore holds strategy runtime state. Strategies are operational,
// not historical: they are never archived, and the run state gates only the
// running fast-path set.
type StrategyStore struct {
	kv           *kv.Provider
	now          func() time.Time
	historyDepth int64
	logger       *log.Logger
}

// StrategyStoreOptions configures a StrategyStore.
type StrategyStoreOptions struct {
	KV                 *kv.Provider
	Now                func() time.Time // defaults to time.Now
	SignalHistoryDepth int64            // defaults to DefaultSignalHistoryDepth
	Logger             *log.Logger
}

// NewStrategyStore creates a strategy store over the provider.
func NewStrategyStore(opts StrategyStoreOptions) *StrategyStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	depth := opts.SignalHistoryDepth
	if depth <= 0 {
		depth = DefaultSignalHistoryDepth
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &StrategyStore{kv: opts.KV, now: now, historyDepth: depth, logger: logger}
}

func (s *StrategyStore) primaryKey(id string) string { return s.kv.Key("strategy", id) }
func (s *StrategyStore) timeKey() string             { return s.kv.Key("strategies", "by_time") }
func (s *StrategyStore) runningKey() string          { return s.kv.Key("strategies", "running") }
func (s *StrategyStore) signalsKey(id string) string { return s.kv.Key("strategy", id, "signals") }

// Insert adds a new strategy state. The running fast-path set is populated
// when the initial run state is running.
func (s *StrategyStore) Insert(ctx context.Context, st *domain.StrategyState) (_ string, _ int, err error) {
	defer func() { observability.RecordStoreOperation("strategy", "insert", err) }()
	if st == nil || st.ID == "" {
		return "", 0, fmt.Errorf("insert strategy: %w", ErrInvalidInput)
	}

	existing, err := s.kv.Client().HGetAll(ctx, s.primaryKey(st.ID))
	if err != nil {
		return "", 0, fmt.Errorf("check strategy %s: %w", st.ID, err)
	}
	if len(existing) > 0 {
		return "", 0, fmt.Errorf("insert strategy %s: %w", st.ID, ErrDuplicateKey)
	}

	if st.RunState == "" {
		st.RunState = domain.RunStateStopped
	}
	if st.CreatedAt == 0 {
		st.CreatedAt = s.now().UnixMilli()
	}
	if st.UpdatedAt == 0 {
		st.UpdatedAt = st.CreatedAt
	}

	tx := s.kv.Client().Tx()
	tx.HSet(s.primaryKey(st.ID), encodeStrategy(st))
	tx.ZAdd(s.timeKey(), float64(st.CreatedAt), st.ID)
	if st.RunState == domain.RunStateRunning {
		tx.SAdd(s.runningKey(), st.ID)
	}

	n, err := tx.Exec(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("insert strategy %s: %w", st.ID, err)
	}
	return st.ID, n, nil
}

// Update patches the supplied fields and maintains the running fast-path set
// when the run state changes.
func (s *StrategyStore) Update(ctx context.Context, id string, upd domain.StrategyUpdate) (_ int, err error) {
	defer func() { observability.RecordStoreOperation("strategy", "update", err) }()
	if id == "" {
		return 0, fmt.Errorf("update strategy: %w", ErrInvalidInput)
	}

	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return 0, fmt.Errorf("read strategy %s: %w", id, err)
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("update strategy %s: %w", id, ErrNotFound)
	}
	prevRunState := domain.RunState(fields["run_state"])

	patch := map[string]string{"updated_at": formatMillis(s.now().UnixMilli())}

	runStateChanged := false
	if upd.RunState != nil && *upd.RunState != prevRunState {
		patch["run_state"] = string(*upd.RunState)
		runStateChanged = true
	}
	if upd.Config != nil {
		patch["config"] = encodeMeta(upd.Config)
	}
	if upd.Parameters != nil {
		patch["parameters"] = encodeMeta(upd.Parameters)
	}
	if upd.LastSignal != nil {
		patch["last_signal"] = *upd.LastSignal
	}
	if upd.LastSignalTime != nil {
		patch["last_signal_time"] = formatMillis(*upd.LastSignalTime)
	}
	if upd.StateData != nil {
		patch["state_data"] = encodeMeta(upd.StateData)
	}
	if upd.Stats != nil {
		patch["stats"] = encodeStats(*upd.Stats)
	}

	tx := s.kv.Client().Tx()
	tx.HSet(s.primaryKey(id), patch)
	if runStateChanged {
		if *upd.RunState == domain.RunStateRunning {
			tx.SAdd(s.runningKey(), id)
		} else {
			tx.SRem(s.runningKey(), id)
		}
	}

	n, err := tx.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("update strategy %s: %w", id, err)
	}
	return n, nil
}

// Delete removes the strategy state, its signal history, and every index
// membership. A missing id is a no-op returning zero changes.
func (s *StrategyStore) Delete(ctx context.Context, id string) (_ int, err error) {
	defer func() { observability.RecordStoreOperation("strategy", "delete", err) }()
	if id == "" {
		return 0, fmt.Errorf("delete strategy: %w", ErrInvalidInput)
	}

	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return 0, fmt.Errorf("read strategy %s: %w", id, err)
	}
	if len(fields) == 0 {
		return 0, nil
	}

	tx := s.kv.Client().Tx()
	tx.Del(s.primaryKey(id), s.signalsKey(id))
	tx.ZRem(s.timeKey(), id)
	tx.SRem(s.runningKey(), id)

	n, err := tx.Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete strategy %s: %w", id, err)
	}
	return n, nil
}

// GetByID retrieves a strategy state by id. Returns ErrNotFound if it does
// not exist.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (*domain.StrategyState, error) {
	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return nil, fmt.Errorf("read strategy %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeStrategy(fields), nil
}

// GetRunning retrieves all strategies in the running fast-path set, sorted
// by creation time descending.
func (s *StrategyStore) GetRunning(ctx context.Context) ([]*domain.StrategyState, error) {
	ids, err := s.kv.Client().SMembers(ctx, s.runningKey())
	if err != nil {
		return nil, fmt.Errorf("read running set: %w", err)
	}
	states, err := s.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt > states[j].CreatedAt
	})
	return states, nil
}

// GetByTimeRange retrieves strategies created within [start, end]
// milliseconds (inclusive), in insertion order. limit <= 0 means no limit.
func (s *StrategyStore) GetByTimeRange(ctx context.Context, start, end int64, limit int64) ([]*domain.StrategyState, error) {
	if limit <= 0 {
		limit = -1
	}
	ids, err := s.kv.Client().ZRangeByScore(ctx, s.timeKey(), float64(start), float64(end), 0, limit)
	if err != nil {
		return nil, fmt.Errorf("read time index: %w", err)
	}
	return s.getMany(ctx, ids)
}

// RecordSignal appends a signal to the strategy's history, updates the
// last-signal fields and signal counter, and trims the history to the
// configured depth. The strategy must exist.
func (s *StrategyStore) RecordSignal(ctx context.Context, id string, sig domain.SignalRecord) (err error) {
	defer func() { observability.RecordStoreOperation("strategy", "record_signal", err) }()
	if id == "" {
		return fmt.Errorf("record signal: %w", ErrInvalidInput)
	}

	fields, err := s.kv.Client().HGetAll(ctx, s.primaryKey(id))
	if err != nil {
		return fmt.Errorf("read strategy %s: %w", id, err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("record signal for %s: %w", id, ErrNotFound)
	}

	if sig.Timestamp == 0 {
		sig.Timestamp = s.now().UnixMilli()
	}
	member, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}

	stats := decodeStats(fields["stats"])
	stats.TotalSignals++

	tx := s.kv.Client().Tx()
	tx.ZAdd(s.signalsKey(id), float64(sig.Timestamp), string(member))
	tx.HSet(s.primaryKey(id), map[string]string{
		"last_signal":      sig.Signal,
		"last_signal_time": formatMillis(sig.Timestamp),
		"updated_at":       formatMillis(s.now().UnixMilli()),
		"stats":            encodeStats(stats),
	})
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("record signal for %s: %w", id, err)
	}

	// The signal is stored; a failed history trim is housekeeping debt, not
	// a failed record.
	if err := s.trimSignals(ctx, id); err != nil {
		s.logger.Printf("trim signal history for %s: %v", id, err)
	}
	return nil
}

// GetSignalHistory retrieves the most recent signals, newest first.
// limit <= 0 returns the full retained history.
func (s *StrategyStore) GetSignalHistory(ctx context.Context, id string, limit int) ([]domain.SignalRecord, error) {
	members, err := s.kv.Client().ZRange(ctx, s.signalsKey(id), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("read signal history %s: %w", id, err)
	}

	signals := make([]domain.SignalRecord, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		var sig domain.SignalRecord
		if err := json.Unmarshal([]byte(members[i]), &sig); err != nil {
			continue
		}
		signals = append(signals, sig)
		if limit > 0 && len(signals) == limit {
			break
		}
	}
	return signals, nil
}

// trimSignals drops the oldest history entries beyond the configured depth.
func (s *StrategyStore) trimSignals(ctx context.Context, id string) error {
	total, err := s.kv.Client().ZCard(ctx, s.signalsKey(id))
	if err != nil {
		return fmt.Errorf("count signal history %s: %w", id, err)
	}
	excess := total - s.historyDepth
	if excess <= 0 {
		return nil
	}
	oldest, err := s.kv.Client().ZRange(ctx, s.signalsKey(id), 0, excess-1)
	if err != nil {
		return fmt.Errorf("read oldest signals %s: %w", id, err)
	}
	if len(oldest) == 0 {
		return nil
	}
	if _, err := s.kv.Client().ZRem(ctx, s.signalsKey(id), oldest...); err != nil {
		return fmt.Errorf("trim signal history %s: %w", id, err)
	}
	return nil
}

func (s *StrategyStore) getMany(ctx context.Context, ids []string) ([]*domain.StrategyState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.primaryKey(id)
	}
	hashes, err := s.kv.Client().HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("hydrate strategies: %w", err)
	}
	states := make([]*domain.StrategyState, 0, len(hashes))
	for _, fields := range hashes {
		if len(fields) == 0 {
			continue
		}
		states = append(states, decodeStrategy(fields))
	}
	return states, nil
}

func encodeStrategy(st *domain.StrategyState) map[string]string {
	return map[string]string{
		"id":               st.ID,
		"name":             st.Name,
		"run_state":        string(st.RunState),
		"config":           encodeMeta(st.Config),
		"parameters":       encodeMeta(st.Parameters),
		"last_signal":      st.LastSignal,
		"last_signal_time": formatMillis(st.LastSignalTime),
		"state_data":       encodeMeta(st.StateData),
		"stats":            encodeStats(st.Stats),
		"created_at":       formatMillis(st.CreatedAt),
		"updated_at":       formatMillis(st.UpdatedAt),
	}
}

func decodeStrategy(fields map[string]string) *domain.StrategyState {
	return &domain.StrategyState{
		ID:             fields["id"],
		Name:           fields["name"],
		RunState:       domain.RunState(fields["run_state"]),
		Config:         decodeMeta(fields["config"]),
		Parameters:     decodeMeta(fields["parameters"]),
		LastSignal:     fields["last_signal"],
		LastSignalTime: parseMillis(fields["last_signal_time"]),
		StateData:      decodeMeta(fields["state_data"]),
		Stats:          decodeStats(fields["stats"]),
		CreatedAt:      parseMillis(fields["created_at"]),
		UpdatedAt:      parseMillis(fields["updated_at"]),
	}
}

func encodeStats(stats domain.StrategyStats) string {
	data, _ := json.Marshal(stats)
	return string(data)
}

func decodeStats(s string) domain.StrategyStats {
	var stats domain.StrategyStats
	if s != "" {
		_ = json.Unmarshal([]byte(s), &stats)
	}
	return stats
}
