package featurestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fraudshield/pkg/events"
	"fraudshield/pkg/metrics"
)

// Metadata hash fields; everything else in the hash is a feature scalar.
const (
	metaVersion    = "__version"
	metaComputedAt = "__computed_at"
	metaStale      = "__stale"
)

// RedisStore persists snapshots as hashes and raw event history as a
// per-entity sorted set scored by event timestamp, both with TTLs owned by
// the store. Hash-field merges give last-writer-wins per field without
// whole-snapshot overwrites.
type RedisStore struct {
	rdb         *redis.Client
	snapshotTTL time.Duration
	historyTTL  time.Duration
}

// RedisConfig wires a RedisStore.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	SnapshotTTL time.Duration // default 30 days
	HistoryTTL  time.Duration // default 24 hours; should cover the largest window
}

// NewRedisStore connects and pings the backing Redis.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.SnapshotTTL == 0 {
		cfg.SnapshotTTL = 30 * 24 * time.Hour
	}
	if cfg.HistoryTTL == 0 {
		cfg.HistoryTTL = 24 * time.Hour
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("featurestore: connect redis %s: %w", cfg.Addr, err)
	}
	return &RedisStore{rdb: rdb, snapshotTTL: cfg.SnapshotTTL, historyTTL: cfg.HistoryTTL}, nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error { return r.rdb.Close() }

func snapshotKey(entityID string) string { return "features:entity:" + entityID }
func historyKey(entityID string) string  { return "entity:" + entityID + ":history" }

// Get fetches the snapshot hash. A missing entity yields the documented
// default snapshot; a Redis failure yields a distinguishable error.
func (r *RedisStore) Get(ctx context.Context, entityID string) (*Snapshot, error) {
	raw, err := r.rdb.HGetAll(ctx, snapshotKey(entityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: hgetall %s: %v", ErrUnavailable, entityID, err)
	}
	if len(raw) == 0 {
		return DefaultSnapshot(entityID), nil
	}
	snap := &Snapshot{EntityID: entityID, Fields: make(map[string]float64, len(raw))}
	for k, v := range raw {
		switch k {
		case metaVersion:
			snap.Version, _ = strconv.ParseInt(v, 10, 64)
		case metaComputedAt:
			if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
				snap.ComputedAt = time.Unix(sec, 0).UTC()
			}
		case metaStale:
			snap.Stale = v == "1"
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				snap.Fields[k] = f
			}
		}
	}
	return snap, nil
}

// Merge writes the given fields plus metadata in one pipeline and refreshes
// the snapshot TTL.
func (r *RedisStore) Merge(ctx context.Context, entityID string, fields map[string]float64) error {
	start := time.Now()
	defer func() {
		metrics.MergeDuration.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	key := snapshotKey(entityID)
	kv := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		kv[k] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	kv[metaComputedAt] = strconv.FormatInt(time.Now().Unix(), 10)
	kv[metaStale] = "0"

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, kv)
	pipe.HIncrBy(ctx, key, metaVersion, 1)
	pipe.Expire(ctx, key, r.snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: merge %s: %v", ErrUnavailable, entityID, err)
	}
	return nil
}

// MarkStale flags the snapshot without touching feature fields.
func (r *RedisStore) MarkStale(ctx context.Context, entityID string) error {
	if err := r.rdb.HSet(ctx, snapshotKey(entityID), metaStale, "1").Err(); err != nil {
		return fmt.Errorf("%w: mark stale %s: %v", ErrUnavailable, entityID, err)
	}
	return nil
}

// AppendHistory adds the event to the entity's time-ordered history and
// trims entries that fell out of the retention horizon.
func (r *RedisStore) AppendHistory(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("featurestore: marshal history event: %w", err)
	}
	key := historyKey(ev.EntityID)
	cutoff := ev.Timestamp.Add(-r.historyTTL).Unix()

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.Timestamp.Unix()), Member: string(payload)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, r.historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: append history %s: %v", ErrUnavailable, ev.EntityID, err)
	}
	return nil
}

// History returns events with timestamps in [from, to], oldest first.
func (r *RedisStore) History(ctx context.Context, entityID string, from, to time.Time) ([]events.Event, error) {
	members, err := r.rdb.ZRangeByScore(ctx, historyKey(entityID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: history %s: %v", ErrUnavailable, entityID, err)
	}
	out := make([]events.Event, 0, len(members))
	for _, m := range members {
		var ev events.Event
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
