package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node
// development runs. All operations are safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	// Now stamps created timestamps; tests override it.
	Now func() time.Time

	referenceDates map[string]time.Time
	payloads       map[string]map[string]any
	latest         map[string]map[string]any
	history        map[string][]historyEntry
	counters       map[string]int
	counterEntries map[string]map[int64]int
	sanctions      map[string]*SanctionRecord
	abstractions   map[string]float64
	callbacks      map[string][]byte
}

type historyEntry struct {
	at     time.Time
	fields map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Now:            time.Now,
		referenceDates: make(map[string]time.Time),
		payloads:       make(map[string]map[string]any),
		latest:         make(map[string]map[string]any),
		history:        make(map[string][]historyEntry),
		counters:       make(map[string]int),
		counterEntries: make(map[string]map[int64]int),
		sanctions:      make(map[string]*SanctionRecord),
		abstractions:   make(map[string]float64),
		callbacks:      make(map[string][]byte),
	}
}

func (s *MemoryStore) UpsertReferenceDate(_ context.Context, tenantID, modelID int, ref time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referenceDates[scopeKey(tenantID, modelID)] = ref
	return nil
}

// ReferenceDate returns the stored reference date for a model scope.
func (s *MemoryStore) ReferenceDate(tenantID, modelID int) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.referenceDates[scopeKey(tenantID, modelID)]
	return t, ok
}

func (s *MemoryStore) InsertPayload(_ context.Context, tenantID, modelID int, entryID string, fields map[string]any, searchKeys map[string]string, ref time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := cloneFields(fields)
	s.payloads[scopeKey(tenantID, modelID)+":"+entryID] = snapshot
	for key, value := range searchKeys {
		hk := historyKey(tenantID, modelID, key, value)
		s.history[hk] = append(s.history[hk], historyEntry{at: ref, fields: snapshot})
	}
	return nil
}

func (s *MemoryStore) UpsertPayloadLatest(_ context.Context, tenantID, modelID int, entryValue string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scopeKey(tenantID, modelID) + ":latest:" + entryValue
	merged, ok := s.latest[key]
	if !ok {
		merged = make(map[string]any)
		s.latest[key] = merged
	}
	for k, v := range fields {
		merged[k] = v
	}
	return nil
}

func (s *MemoryStore) GetPayloadHistory(_ context.Context, tenantID, modelID int, searchKey, searchValue string, limit int) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[historyKey(tenantID, modelID, searchKey, searchValue)]
	out := make([]map[string]any, 0, len(entries))
	sorted := make([]historyEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].at.After(sorted[j].at) })
	for _, e := range sorted {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e.fields)
	}
	return out, nil
}

func (s *MemoryStore) GetTTLCounter(_ context.Context, tenantID, modelID, counterID int, dataName, dataValue string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[counterKey(tenantID, modelID, counterID, dataName, dataValue)], nil
}

func (s *MemoryStore) IncrementTTLCounter(_ context.Context, tenantID, modelID, counterID int, dataName, dataValue string, by int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey(tenantID, modelID, counterID, dataName, dataValue)] += by
	return nil
}

func (s *MemoryStore) UpsertTTLCounterEntry(_ context.Context, tenantID, modelID, counterID int, dataName, dataValue string, at time.Time, by int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(tenantID, modelID, counterID, dataName, dataValue)
	buckets, ok := s.counterEntries[key]
	if !ok {
		buckets = make(map[int64]int)
		s.counterEntries[key] = buckets
	}
	buckets[Bucket(at).Unix()] += by
	return nil
}

func (s *MemoryStore) CountTTLCounterEntries(_ context.Context, tenantID, modelID, counterID int, dataName, dataValue string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buckets := s.counterEntries[counterKey(tenantID, modelID, counterID, dataName, dataValue)]
	total := 0
	fromBucket := Bucket(from).Unix()
	toBucket := Bucket(to).Unix()
	for bucket, count := range buckets {
		if bucket >= fromBucket && bucket <= toBucket {
			total += count
		}
	}
	return total, nil
}

func (s *MemoryStore) GetSanction(_ context.Context, tenantID, modelID int, value string, distance int) (*SanctionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sanctions[sanctionKey(tenantID, modelID, value, distance)]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) InsertSanction(_ context.Context, tenantID, modelID int, value string, distance int, avg *float64) error {
	return s.putSanction(tenantID, modelID, value, distance, avg)
}

func (s *MemoryStore) UpdateSanction(_ context.Context, tenantID, modelID int, value string, distance int, avg *float64) error {
	return s.putSanction(tenantID, modelID, value, distance, avg)
}

func (s *MemoryStore) putSanction(tenantID, modelID int, value string, distance int, avg *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sanctions[sanctionKey(tenantID, modelID, value, distance)] = &SanctionRecord{
		Value:     avg,
		CreatedAt: s.Now(),
	}
	return nil
}

func (s *MemoryStore) GetAbstractionValues(_ context.Context, tenantID, modelID int, queries []AbstractionQuery) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(queries))
	for _, q := range queries {
		out[q.RuleName] = s.abstractions[abstractionKey(tenantID, modelID, q.RuleName, q.SearchKey, q.SearchValue)]
	}
	return out, nil
}

func (s *MemoryStore) UpsertAbstractionValue(_ context.Context, tenantID, modelID int, ruleName, searchKey, searchValue string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abstractions[abstractionKey(tenantID, modelID, ruleName, searchKey, searchValue)] = value
	return nil
}

func (s *MemoryStore) InsertCallback(_ context.Context, tenantID int, entryID string, body []byte, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[callbackKey(tenantID, entryID)] = append([]byte(nil), body...)
	return nil
}

// Callback returns a stored callback body for assertions in tests.
func (s *MemoryStore) Callback(tenantID int, entryID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.callbacks[callbackKey(tenantID, entryID)]
	return b, ok
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
