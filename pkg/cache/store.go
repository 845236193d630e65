// Package cache abstracts the cache/store capability consumed by the
// invocation pipeline: reference-date tracking, payload snapshot storage and
// history, TTL counters (online and batched), the sanctions fuzzy-match
// cache, the abstraction-rule aggregate cache, and asynchronous-callback
// storage.
//
// Two interchangeable production backends exist, a low-latency Redis cache
// and a durable relational DuckDB store, plus an in-memory store for tests.
// The orchestrator is backend-agnostic: the implementation is injected once
// at construction, never selected per call.
package cache

import (
	"context"
	"time"
)

// SanctionRecord is one cached fuzzy-match result keyed by
// (value, distance threshold).
type SanctionRecord struct {
	Value     *float64  `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

// AbstractionQuery addresses one cached abstraction aggregate.
type AbstractionQuery struct {
	RuleName    string
	SearchKey   string
	SearchValue string
}

// BucketResolution is the time-bucket width for TTL counter entries.
const BucketResolution = time.Minute

// Bucket truncates an instant to the counter-entry bucket it falls into.
func Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(BucketResolution)
}

// Store is the full cache/store capability set. Upserts are idempotent
// under concurrent writers for the same key; counts use server-side atomic
// increments.
type Store interface {
	// UpsertReferenceDate records the most recent business reference date
	// observed for a model. Best-effort side effect.
	UpsertReferenceDate(ctx context.Context, tenantID, modelID int, ref time.Time) error

	// InsertPayload stores the invocation's field-map snapshot, indexed by
	// each supplied search key value for later history aggregation.
	InsertPayload(ctx context.Context, tenantID, modelID int, entryID string, fields map[string]any, searchKeys map[string]string, ref time.Time) error

	// UpsertPayloadLatest replaces the latest-known field map for an entry
	// value, merging new fields over any previous snapshot.
	UpsertPayloadLatest(ctx context.Context, tenantID, modelID int, entryValue string, fields map[string]any) error

	// GetPayloadHistory returns up to limit recent field maps whose indexed
	// search key matched the given value, most recent first.
	GetPayloadHistory(ctx context.Context, tenantID, modelID int, searchKey, searchValue string, limit int) ([]map[string]any, error)

	// GetTTLCounter reads the last known batched aggregate for a counter key.
	// Missing keys return zero, not an error.
	GetTTLCounter(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string) (int, error)

	// IncrementTTLCounter atomically adds to the batched aggregate.
	IncrementTTLCounter(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string, by int) error

	// UpsertTTLCounterEntry atomically adds to the bucketed entry holding
	// the given instant.
	UpsertTTLCounterEntry(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string, at time.Time, by int) error

	// CountTTLCounterEntries sums bucketed entries within [from, to].
	// Missing windows return zero.
	CountTTLCounterEntries(ctx context.Context, tenantID, modelID, counterID int, dataName, dataValue string, from, to time.Time) (int, error)

	// GetSanction returns the cached record for (value, distance), or nil
	// when absent.
	GetSanction(ctx context.Context, tenantID, modelID int, value string, distance int) (*SanctionRecord, error)

	// InsertSanction creates a record for (value, distance).
	InsertSanction(ctx context.Context, tenantID, modelID int, value string, distance int, avg *float64) error

	// UpdateSanction refreshes an existing record, resetting its created
	// timestamp.
	UpdateSanction(ctx context.Context, tenantID, modelID int, value string, distance int, avg *float64) error

	// GetAbstractionValues bulk-reads cached aggregates; missing keys are
	// returned as zero entries so callers always see every requested name.
	GetAbstractionValues(ctx context.Context, tenantID, modelID int, queries []AbstractionQuery) (map[string]float64, error)

	// UpsertAbstractionValue writes one cached aggregate.
	UpsertAbstractionValue(ctx context.Context, tenantID, modelID int, ruleName, searchKey, searchValue string, value float64) error

	// InsertCallback persists a serialized response keyed by entry id for
	// asynchronous retrieval.
	InsertCallback(ctx context.Context, tenantID int, entryID string, body []byte, expireAt time.Time) error

	// Ping checks backend liveness.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
