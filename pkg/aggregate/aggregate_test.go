package aggregate

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/cache"
	"github.com/riskflow/riskflow/pkg/rules"
)

// fetchCountingStore observes history fetches issued by the search path.
type fetchCountingStore struct {
	*cache.MemoryStore
	fetches atomic.Int64
}

func (s *fetchCountingStore) GetPayloadHistory(ctx context.Context, tenantID, modelID int, searchKey, searchValue string, limit int) ([]map[string]any, error) {
	s.fetches.Add(1)
	return s.MemoryStore.GetPayloadHistory(ctx, tenantID, modelID, searchKey, searchValue, limit)
}

func newAggregator(store cache.Store) *Aggregator {
	return &Aggregator{
		Store: store,
		Eval:  rules.NewClosureEvaluator(),
		Log:   log.New(os.Stderr, "", 0),
	}
}

func seedHistory(t *testing.T, store cache.Store, amounts ...float64) {
	t.Helper()
	ref := time.Now()
	for i, amount := range amounts {
		err := store.InsertPayload(context.Background(), 1, 1, "e"+string(rune('0'+i)),
			map[string]any{"amount": amount, "currency": "EUR"},
			map[string]string{"account": "A1"},
			ref.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("InsertPayload: %v", err)
		}
	}
}

func TestExecuteSearchHistoryAggregation(t *testing.T) {
	store := cache.NewMemoryStore()
	seedHistory(t, store, 10, 60, 70)

	mod := &model.Model{
		ID:           1,
		TenantID:     1,
		CacheEnabled: true,
		SearchKeys: map[string]*model.SearchKey{
			"account": {Name: "account", FetchLimit: 100},
		},
		AbstractionRules: []*model.AbstractionRule{
			{
				Name: "count_over_50", Predicate: rules.FieldGreaterThan("amount", 50),
				Search: true, SearchKey: "account",
				SearchFunction: model.SearchFunctionCount, ResponsePayload: true,
			},
			{
				Name: "sum_over_50", Predicate: rules.FieldGreaterThan("amount", 50),
				Search: true, SearchKey: "account",
				SearchFunction: model.SearchFunctionSum, SearchValueName: "amount",
			},
			{
				Name: "distinct_currencies", Predicate: rules.Always(),
				Search: true, SearchKey: "account",
				SearchFunction: model.SearchFunctionDistinctCount, SearchValueName: "currency",
			},
		},
	}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["account"] = "A1"
	response := make(map[string]float64)
	var rows []model.ArchiveKey
	var mu sync.Mutex

	if err := newAggregator(store).ExecuteSearch(context.Background(), mod, entry, response, &rows, &mu); err != nil {
		t.Fatalf("ExecuteSearch: %v", err)
	}

	if entry.Abstraction["count_over_50"] != 2 {
		t.Fatalf("count = %v, want 2", entry.Abstraction["count_over_50"])
	}
	if entry.Abstraction["sum_over_50"] != 130 {
		t.Fatalf("sum = %v, want 130", entry.Abstraction["sum_over_50"])
	}
	if entry.Abstraction["distinct_currencies"] != 1 {
		t.Fatalf("distinct = %v, want 1", entry.Abstraction["distinct_currencies"])
	}
	if response["count_over_50"] != 2 {
		t.Fatalf("response = %v, want flagged rule in payload", response)
	}
	if _, ok := response["sum_over_50"]; ok {
		t.Fatal("unflagged rule leaked into response payload")
	}
}

func TestExecuteSearchOneFetchPerKey(t *testing.T) {
	store := &fetchCountingStore{MemoryStore: cache.NewMemoryStore()}
	seedHistory(t, store.MemoryStore, 10, 20)

	mod := &model.Model{
		ID:           1,
		TenantID:     1,
		CacheEnabled: true,
		SearchKeys: map[string]*model.SearchKey{
			"account": {Name: "account", FetchLimit: 100},
		},
		AbstractionRules: []*model.AbstractionRule{
			{Name: "a", Predicate: rules.Always(), Search: true, SearchKey: "account"},
			{Name: "b", Predicate: rules.Never(), Search: true, SearchKey: "account"},
			{Name: "c", Predicate: rules.Always(), Search: true, SearchKey: "account", SearchFunction: model.SearchFunctionSum, SearchValueName: "amount"},
		},
	}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["account"] = "A1"
	var rows []model.ArchiveKey
	var mu sync.Mutex

	if err := newAggregator(store).ExecuteSearch(context.Background(), mod, entry, map[string]float64{}, &rows, &mu); err != nil {
		t.Fatalf("ExecuteSearch: %v", err)
	}

	if got := store.fetches.Load(); got != 1 {
		t.Fatalf("history fetches = %d, want 1 shared across rules on the same key", got)
	}
	if entry.Abstraction["a"] != 2 || entry.Abstraction["b"] != 0 || entry.Abstraction["c"] != 30 {
		t.Fatalf("abstraction = %v, want a=2 b=0 c=30", entry.Abstraction)
	}
}

func TestExecuteSearchCacheResidentBulkLookup(t *testing.T) {
	store := &fetchCountingStore{MemoryStore: cache.NewMemoryStore()}
	ctx := context.Background()
	store.UpsertAbstractionValue(ctx, 1, 1, "velocity", "account", "A1", 42)

	mod := &model.Model{
		ID:           1,
		TenantID:     1,
		CacheEnabled: true,
		SearchKeys: map[string]*model.SearchKey{
			"account": {Name: "account", CacheResident: true},
		},
		AbstractionRules: []*model.AbstractionRule{
			{Name: "velocity", Predicate: rules.Always(), Search: true, SearchKey: "account", ResponsePayload: true},
			{Name: "volume", Predicate: rules.Always(), Search: true, SearchKey: "account"},
		},
	}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["account"] = "A1"
	response := make(map[string]float64)
	var rows []model.ArchiveKey
	var mu sync.Mutex

	if err := newAggregator(store).ExecuteSearch(ctx, mod, entry, response, &rows, &mu); err != nil {
		t.Fatalf("ExecuteSearch: %v", err)
	}

	if store.fetches.Load() != 0 {
		t.Fatalf("history fetches = %d, want 0 on the cache-resident path", store.fetches.Load())
	}
	if entry.Abstraction["velocity"] != 42 {
		t.Fatalf("velocity = %v, want cached 42", entry.Abstraction["velocity"])
	}
	if v, ok := entry.Abstraction["volume"]; !ok || v != 0 {
		t.Fatalf("volume = (%v, %v), want zero-filled entry", v, ok)
	}
	if response["velocity"] != 42 {
		t.Fatalf("response = %v, want velocity in payload", response)
	}
}

func TestExecuteSearchDisabledCache(t *testing.T) {
	store := &fetchCountingStore{MemoryStore: cache.NewMemoryStore()}
	mod := &model.Model{
		ID: 1, TenantID: 1,
		SearchKeys: map[string]*model.SearchKey{"account": {Name: "account"}},
		AbstractionRules: []*model.AbstractionRule{
			{Name: "a", Predicate: rules.Always(), Search: true, SearchKey: "account"},
		},
	}
	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["account"] = "A1"
	var rows []model.ArchiveKey

	if err := newAggregator(store).ExecuteSearch(context.Background(), mod, entry, map[string]float64{}, &rows, &sync.Mutex{}); err != nil {
		t.Fatalf("ExecuteSearch: %v", err)
	}
	if store.fetches.Load() != 0 || len(entry.Abstraction) != 0 {
		t.Fatal("disabled cache must skip the search path entirely")
	}
}

func TestExecuteNonSearch(t *testing.T) {
	mod := &model.Model{
		ID: 1, TenantID: 1,
		AbstractionRules: []*model.AbstractionRule{
			{Name: "high_amount", Predicate: rules.FieldGreaterThan("amount", 50), ResponsePayload: true},
			{Name: "low_amount", Predicate: rules.FieldLessThan("amount", 50)},
			{Name: "search_rule", Predicate: rules.Always(), Search: true, SearchKey: "account"},
		},
	}

	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["amount"] = 100.0
	response := make(map[string]float64)
	var rows []model.ArchiveKey
	var mu sync.Mutex

	newAggregator(cache.NewMemoryStore()).ExecuteNonSearch(mod, entry, response, &rows, &mu)

	if entry.Abstraction["high_amount"] != 1 {
		t.Fatalf("high_amount = %v, want 1", entry.Abstraction["high_amount"])
	}
	if entry.Abstraction["low_amount"] != 0 {
		t.Fatalf("low_amount = %v, want 0", entry.Abstraction["low_amount"])
	}
	if _, evaluated := entry.Abstraction["search_rule"]; evaluated {
		t.Fatal("search-flagged rule must not run on the synchronous path")
	}
	if response["high_amount"] != 1 {
		t.Fatalf("response = %v, want high_amount in payload", response)
	}
}
