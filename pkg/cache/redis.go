package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all cache keys (e.g., "riskflow:")
	Prefix string

	// Timeout for Redis operations
	Timeout time.Duration

	// HistoryLimit caps the per-search-key payload history list length.
	HistoryLimit int

	// HistoryTTL expires idle history lists (0 = no expiration).
	HistoryTTL time.Duration

	// PoolSize is the maximum number of connections
	PoolSize int

	// MinIdleConns is the minimum number of idle connections
	MinIdleConns int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:      address,
		Prefix:       "riskflow:",
		Timeout:      5 * time.Second,
		HistoryLimit: 100,
		HistoryTTL:   30 * 24 * time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisStore is the low-latency cache backend.
type RedisStore struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{cfg: cfg, client: client}, nil
}

func (s *RedisStore) key(suffix string) string {
	return s.cfg.Prefix + suffix
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *RedisStore) UpsertReferenceDate(ctx context.Context, tenantID, modelID int, ref time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, s.key(scopeKey(tenantID, modelID)+":refdate"), ref.Format(time.RFC3339Nano), 0).Err()
}

func (s *RedisStore) InsertPayload(ctx context.Context, tenantID, modelID int, entryID string, fields map[string]any, searchKeys map[string]string, ref time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(scopeKey(tenantID, modelID)+":payload:"+entryID), data, 0)
	for key, value := range searchKeys {
		hk := s.key(historyKey(tenantID, modelID, key, value))
		pipe.LPush(ctx, hk, data)
		if s.cfg.HistoryLimit > 0 {
			pipe.LTrim(ctx, hk, 0, int64(s.cfg.HistoryLimit-1))
		}
		if s.cfg.HistoryTTL > 0 {
			pipe.Expire(ctx, hk, s.cfg.HistoryTTL)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) UpsertPayloadLatest(ctx context.Context, tenantID, modelID int, entryValue string, fields map[string]any) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Field-wise HSET merges new values over the previous snapshot without
	// a read-modify-write race.
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		values[k] = string(data)
	}
	if len(values) == 0 {
		return nil
	}
	return s.client.HSet(ctx, s.key(scopeKey(tenantID, modelID)+":latest:"+sanitize(entryValue)), values).Err()
}

func (s *RedisStore) GetPayloadHistory(ctx context.Context, tenantID, modelID int, searchKey, searchValue string, limit int) ([]map[string]any, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := s.client.LRange(ctx, s.key(historyKey(tenantID, modelID, searchKey, searchValue)), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read payload history: %w", err)
	}

	out := make([]map[string]any, 0, len(raws))
	for _, raw := range raws {
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			continue // skip corrupt entries
		}
		out = append(out, fields)
	}
	return out, nil
}

func (s *RedisStore) GetTTLCounter(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := s.client.Get(ctx, s.key(counterKey(tenantID, modelID, counterID, dataName, dataValue))).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *RedisStore) IncrementTTLCounter(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string, by int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.IncrBy(ctx, s.key(counterKey(tenantID, modelID, counterID, dataName, dataValue)), int64(by)).Err()
}

func (s *RedisStore) UpsertTTLCounterEntry(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string, at time.Time, by int) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	field := strconv.FormatInt(Bucket(at).Unix(), 10)
	return s.client.HIncrBy(ctx, s.key(counterKey(tenantID, modelID, counterID, dataName, dataValue)+":entries"), field, int64(by)).Err()
}

func (s *RedisStore) CountTTLCounterEntries(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string, from, to time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	buckets, err := s.client.HGetAll(ctx, s.key(counterKey(tenantID, modelID, counterID, dataName, dataValue)+":entries")).Result()
	if err != nil {
		return 0, err
	}

	fromBucket := Bucket(from).Unix()
	toBucket := Bucket(to).Unix()
	total := 0
	for field, raw := range buckets {
		bucket, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		if bucket < fromBucket || bucket > toBucket {
			continue
		}
		count, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		total += count
	}
	return total, nil
}

func (s *RedisStore) GetSanction(ctx context.Context, tenantID, modelID int, value string, distance int) (*SanctionRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(sanctionKey(tenantID, modelID, value, distance))).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec SanctionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sanction record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) InsertSanction(ctx context.Context, tenantID, modelID int, value string, distance int, avg *float64) error {
	return s.putSanction(ctx, tenantID, modelID, value, distance, avg)
}

func (s *RedisStore) UpdateSanction(ctx context.Context, tenantID, modelID int, value string, distance int, avg *float64) error {
	return s.putSanction(ctx, tenantID, modelID, value, distance, avg)
}

func (s *RedisStore) putSanction(ctx context.Context, tenantID, modelID int, value string, distance int, avg *float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(SanctionRecord{Value: avg, CreatedAt: time.Now()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(sanctionKey(tenantID, modelID, value, distance)), data, 0).Err()
}

func (s *RedisStore) GetAbstractionValues(ctx context.Context, tenantID, modelID int, queries []AbstractionQuery) (map[string]float64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(queries))
	for i, q := range queries {
		cmds[i] = pipe.Get(ctx, s.key(abstractionKey(tenantID, modelID, q.RuleName, q.SearchKey, q.SearchValue)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	out := make(map[string]float64, len(queries))
	for i, q := range queries {
		v, err := cmds[i].Float64()
		if err != nil {
			// Missing aggregates read as zero.
			out[q.RuleName] = 0
			continue
		}
		out[q.RuleName] = v
	}
	return out, nil
}

func (s *RedisStore) UpsertAbstractionValue(ctx context.Context, tenantID, modelID int, ruleName, searchKey, searchValue string, value float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, s.key(abstractionKey(tenantID, modelID, ruleName, searchKey, searchValue)), value, 0).Err()
}

func (s *RedisStore) InsertCallback(ctx context.Context, tenantID int, entryID string, body []byte, expireAt time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ttl := time.Until(expireAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.Set(ctx, s.key(callbackKey(tenantID, entryID)), body, ttl).Err()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Stats returns Redis connection pool statistics.
func (s *RedisStore) Stats() *redis.PoolStats {
	return s.client.PoolStats()
}

// Verify interface compliance.
var _ Store = (*RedisStore)(nil)
