package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDBStore is the durable relational backend. It trades the latency of
// the Redis backend for embedded, file-backed persistence.
type DuckDBStore struct {
	db *sql.DB
}

var duckdbSchema = []string{
	`CREATE TABLE IF NOT EXISTS reference_date (
		tenant_id INTEGER NOT NULL,
		model_id INTEGER NOT NULL,
		ref TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, model_id)
	)`,
	`CREATE TABLE IF NOT EXISTS payload (
		tenant_id INTEGER NOT NULL,
		model_id INTEGER NOT NULL,
		entry_id VARCHAR NOT NULL,
		fields VARCHAR NOT NULL,
		created TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, model_id, entry_id)
	)`,
	`CREATE TABLE IF NOT EXISTS payload_history (
		tenant_id INTEGER NOT NULL,
		model_id INTEGER NOT NULL,
		search_key VARCHAR NOT NULL,
		search_value VARCHAR NOT NULL,
		fields VARCHAR NOT NULL,
		ref TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payload_latest (
		tenant_id INTEGER NOT NULL,
		model_id INTEGER NOT NULL,
		entry_value VARCHAR NOT NULL,
		fields VARCHAR NOT NULL,
		PRIMARY KEY (tenant_id, model_id, entry_value)
	)`,
	`CREATE TABLE IF NOT EXISTS ttl_counter (
		tenant_id INTEGER NOT NULL,
		model_id INTEGER NOT NULL,
		counter_id INTEGER NOT NULL,
		data_name VARCHAR NOT NULL,
		data_value VARCHAR NOT NULL,
		value BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, model_id, counter_id, data_name, data_value)
	)`,
	`CREATE TABLE IF NOT EXISTS ttl_counter_entry (
		tenant_id INTEGER NOT NULL,
		model_id INTEGER NOT NULL,
		counter_id INTEGER NOT NULL,
		data_name VARCHAR NOT NULL,
		data_value VARCHAR NOT NULL,
		bucket BIGINT NOT NULL,
		value BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, model_id, counter_id, data_name, data_value, bucket)
	)`,
	`CREATE TABLE IF NOT EXISTS sanction (
		tenant_id INTEGER NOT NULL,
		model_id INTEGER NOT NULL,
		value VARCHAR NOT NULL,
		distance INTEGER NOT NULL,
		avg DOUBLE,
		created TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, model_id, value, distance)
	)`,
	`CREATE TABLE IF NOT EXISTS abstraction (
		tenant_id INTEGER NOT NULL,
		model_id INTEGER NOT NULL,
		rule_name VARCHAR NOT NULL,
		search_key VARCHAR NOT NULL,
		search_value VARCHAR NOT NULL,
		value DOUBLE NOT NULL,
		PRIMARY KEY (tenant_id, model_id, rule_name, search_key, search_value)
	)`,
	`CREATE TABLE IF NOT EXISTS callback (
		tenant_id INTEGER NOT NULL,
		entry_id VARCHAR NOT NULL,
		body BLOB NOT NULL,
		expire TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, entry_id)
	)`,
}

// NewDuckDBStore opens (or creates) the store at path. An empty path opens
// an in-memory database.
func NewDuckDBStore(path string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	for _, stmt := range duckdbSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &DuckDBStore{db: db}, nil
}

func (s *DuckDBStore) UpsertReferenceDate(ctx context.Context, tenantID, modelID int, ref time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_date (tenant_id, model_id, ref) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, model_id) DO UPDATE SET ref = excluded.ref`,
		tenantID, modelID, ref.UTC())
	return err
}

func (s *DuckDBStore) InsertPayload(ctx context.Context, tenantID, modelID int, entryID string, fields map[string]any, searchKeys map[string]string, ref time.Time) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payload (tenant_id, model_id, entry_id, fields, created) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, model_id, entry_id) DO UPDATE SET fields = excluded.fields, created = excluded.created`,
		tenantID, modelID, entryID, string(data), ref.UTC()); err != nil {
		return err
	}
	for key, value := range searchKeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payload_history (tenant_id, model_id, search_key, search_value, fields, ref)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tenantID, modelID, key, value, string(data), ref.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *DuckDBStore) UpsertPayloadLatest(ctx context.Context, tenantID, modelID int, entryValue string, fields map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	merged := make(map[string]any)
	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT fields FROM payload_latest WHERE tenant_id = ? AND model_id = ? AND entry_value = ?`,
		tenantID, modelID, entryValue).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			merged = make(map[string]any)
		}
	}
	for k, v := range fields {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payload_latest (tenant_id, model_id, entry_value, fields) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, model_id, entry_value) DO UPDATE SET fields = excluded.fields`,
		tenantID, modelID, entryValue, string(data)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *DuckDBStore) GetPayloadHistory(ctx context.Context, tenantID, modelID int, searchKey, searchValue string, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fields FROM payload_history
		WHERE tenant_id = ? AND model_id = ? AND search_key = ? AND search_value = ?
		ORDER BY ref DESC LIMIT ?`,
		tenantID, modelID, searchKey, searchValue, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			continue
		}
		out = append(out, fields)
	}
	return out, rows.Err()
}

func (s *DuckDBStore) GetTTLCounter(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string) (int, error) {
	var value int
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM ttl_counter
		WHERE tenant_id = ? AND model_id = ? AND counter_id = ? AND data_name = ? AND data_value = ?`,
		tenantID, modelID, counterID, dataName, dataValue).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *DuckDBStore) IncrementTTLCounter(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string, by int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ttl_counter (tenant_id, model_id, counter_id, data_name, data_value, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, model_id, counter_id, data_name, data_value)
		DO UPDATE SET value = ttl_counter.value + excluded.value`,
		tenantID, modelID, counterID, dataName, dataValue, by)
	return err
}

func (s *DuckDBStore) UpsertTTLCounterEntry(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string, at time.Time, by int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ttl_counter_entry (tenant_id, model_id, counter_id, data_name, data_value, bucket, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, model_id, counter_id, data_name, data_value, bucket)
		DO UPDATE SET value = ttl_counter_entry.value + excluded.value`,
		tenantID, modelID, counterID, dataName, dataValue, Bucket(at).Unix(), by)
	return err
}

func (s *DuckDBStore) CountTTLCounterEntries(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string, from, to time.Time) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(value) FROM ttl_counter_entry
		WHERE tenant_id = ? AND model_id = ? AND counter_id = ? AND data_name = ? AND data_value = ?
		AND bucket BETWEEN ? AND ?`,
		tenantID, modelID, counterID, dataName, dataValue, Bucket(from).Unix(), Bucket(to).Unix()).Scan(&total)
	if err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return int(total.Int64), nil
}

func (s *DuckDBStore) GetSanction(ctx context.Context, tenantID, modelID int, value string, distance int) (*SanctionRecord, error) {
	var avg sql.NullFloat64
	var created time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT avg, created FROM sanction
		WHERE tenant_id = ? AND model_id = ? AND value = ? AND distance = ?`,
		tenantID, modelID, value, distance).Scan(&avg, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &SanctionRecord{CreatedAt: created}
	if avg.Valid {
		v := avg.Float64
		rec.Value = &v
	}
	return rec, nil
}

func (s *DuckDBStore) InsertSanction(ctx context.Context, tenantID, modelID int, value string, distance int, avg *float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sanction (tenant_id, model_id, value, distance, avg, created) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, model_id, value, distance) DO UPDATE SET avg = excluded.avg, created = excluded.created`,
		tenantID, modelID, value, distance, nullableFloat(avg), time.Now().UTC())
	return err
}

func (s *DuckDBStore) UpdateSanction(ctx context.Context, tenantID, modelID int, value string, distance int, avg *float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sanction SET avg = ?, created = ?
		WHERE tenant_id = ? AND model_id = ? AND value = ? AND distance = ?`,
		nullableFloat(avg), time.Now().UTC(), tenantID, modelID, value, distance)
	return err
}

func (s *DuckDBStore) GetAbstractionValues(ctx context.Context, tenantID, modelID int, queries []AbstractionQuery) (map[string]float64, error) {
	out := make(map[string]float64, len(queries))
	for _, q := range queries {
		var value float64
		err := s.db.QueryRowContext(ctx, `
			SELECT value FROM abstraction
			WHERE tenant_id = ? AND model_id = ? AND rule_name = ? AND search_key = ? AND search_value = ?`,
			tenantID, modelID, q.RuleName, q.SearchKey, q.SearchValue).Scan(&value)
		switch {
		case err == sql.ErrNoRows:
			out[q.RuleName] = 0
		case err != nil:
			return nil, err
		default:
			out[q.RuleName] = value
		}
	}
	return out, nil
}

func (s *DuckDBStore) UpsertAbstractionValue(ctx context.Context, tenantID, modelID int, ruleName, searchKey, searchValue string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO abstraction (tenant_id, model_id, rule_name, search_key, search_value, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, model_id, rule_name, search_key, search_value) DO UPDATE SET value = excluded.value`,
		tenantID, modelID, ruleName, searchKey, searchValue, value)
	return err
}

func (s *DuckDBStore) InsertCallback(ctx context.Context, tenantID int, entryID string, body []byte, expireAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callback (tenant_id, entry_id, body, expire) VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, entry_id) DO UPDATE SET body = excluded.body, expire = excluded.expire`,
		tenantID, entryID, body, expireAt.UTC())
	return err
}

// Ping checks the database connection.
func (s *DuckDBStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Verify interface compliance.
var _ Store = (*DuckDBStore)(nil)
