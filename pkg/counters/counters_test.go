package counters

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/cache"
	"github.com/riskflow/riskflow/pkg/flow"
)

func counterModel(defs ...*model.TTLCounterDef) *model.Model {
	return &model.Model{
		ID:                1,
		TenantID:          1,
		TTLCounterEnabled: true,
		TTLCounters:       defs,
	}
}

func TestExecuteOnlineCounterSumsWindow(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	def := &model.TTLCounterDef{
		ID: 1, Name: "txn_last_hour", DataName: "account",
		Interval: 'h', IntervalValue: 1, OnlineAggregation: true,
		ResponsePayload: true, ReportTable: true,
	}

	// Two inside the window, one outside.
	store.UpsertTTLCounterEntry(ctx, 1, 1, 1, "account", "A1", ref.Add(-10*time.Minute), 1)
	store.UpsertTTLCounterEntry(ctx, 1, 1, 1, "account", "A1", ref.Add(-50*time.Minute), 1)
	store.UpsertTTLCounterEntry(ctx, 1, 1, 1, "account", "A1", ref.Add(-3*time.Hour), 1)

	e := &Engine{Store: store, Log: log.New(os.Stderr, "", 0)}
	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["account"] = "A1"
	entry.ReferenceDate = ref
	response := make(map[string]int)
	var rows []model.ArchiveKey

	e.Execute(ctx, counterModel(def), entry, response, &rows)

	if entry.TTLCounter["txn_last_hour"] != 2 {
		t.Fatalf("counter = %d, want 2 (window excludes the 3h-old entry)", entry.TTLCounter["txn_last_hour"])
	}
	if response["txn_last_hour"] != 2 {
		t.Fatalf("response = %d, want counter in payload", response["txn_last_hour"])
	}
	if len(rows) != 1 || rows[0].ProcessingType != model.ProcessingTypeAggregate || rows[0].ValueInteger != 2 {
		t.Fatalf("report rows = %+v, want one aggregate row with value 2", rows)
	}
}

func TestExecuteBatchedCounterReadsAggregate(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()

	def := &model.TTLCounterDef{
		ID: 2, Name: "txn_total", DataName: "account", LiveForever: true,
	}
	store.IncrementTTLCounter(ctx, 1, 1, 2, "account", "A1", 9)

	e := &Engine{Store: store, Log: log.New(os.Stderr, "", 0)}
	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["account"] = "A1"
	var rows []model.ArchiveKey

	e.Execute(ctx, counterModel(def), entry, map[string]int{}, &rows)

	if entry.TTLCounter["txn_total"] != 9 {
		t.Fatalf("counter = %d, want batched aggregate 9", entry.TTLCounter["txn_total"])
	}
	if len(rows) != 0 {
		t.Fatalf("report rows = %d, want none when ReportTable is off", len(rows))
	}
}

func TestExecuteFirstWriterWinsPerName(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	store.IncrementTTLCounter(ctx, 1, 1, 1, "account", "A1", 3)
	store.IncrementTTLCounter(ctx, 1, 1, 2, "account", "A1", 7)

	defs := []*model.TTLCounterDef{
		{ID: 1, Name: "dup", DataName: "account"},
		{ID: 2, Name: "dup", DataName: "account"},
	}

	e := &Engine{Store: store, Log: log.New(os.Stderr, "", 0)}
	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["account"] = "A1"
	var rows []model.ArchiveKey

	e.Execute(ctx, counterModel(defs...), entry, map[string]int{}, &rows)

	if entry.TTLCounter["dup"] != 3 {
		t.Fatalf("counter = %d, want first definition's value 3", entry.TTLCounter["dup"])
	}
}

func TestExecuteDisabledOrAbsentField(t *testing.T) {
	store := cache.NewMemoryStore()
	def := &model.TTLCounterDef{ID: 1, Name: "c", DataName: "account"}
	e := &Engine{Store: store, Log: log.New(os.Stderr, "", 0)}

	mod := counterModel(def)
	mod.TTLCounterEnabled = false
	entry := model.NewInstanceEntry(1, 1)
	entry.Fields["account"] = "A1"
	var rows []model.ArchiveKey
	e.Execute(context.Background(), mod, entry, map[string]int{}, &rows)
	if len(entry.TTLCounter) != 0 {
		t.Fatal("disabled model must resolve no counters")
	}

	mod.TTLCounterEnabled = true
	entry = model.NewInstanceEntry(1, 1)
	e.Execute(context.Background(), mod, entry, map[string]int{}, &rows)
	if len(entry.TTLCounter) != 0 {
		t.Fatal("absent data field must resolve no counters")
	}
}

func TestIncrementWritesAggregateAndBucket(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	def := &model.TTLCounterDef{ID: 1, Name: "c", DataName: "account", Interval: 'h', IntervalValue: 1}
	e := &Engine{Store: store, Log: log.New(os.Stderr, "", 0)}
	mod := counterModel(def)

	writes := flow.NewPendingWrites(nil)
	e.Increment(mod, def, "A1", ref, writes)
	writes.Join()

	agg, _ := store.GetTTLCounter(ctx, 1, 1, 1, "account", "A1")
	if agg != 1 {
		t.Fatalf("aggregate = %d, want 1", agg)
	}
	window, _ := store.CountTTLCounterEntries(ctx, 1, 1, 1, "account", "A1", ref.Add(-time.Minute), ref)
	if window != 1 {
		t.Fatalf("bucketed count = %d, want 1", window)
	}
}

func TestIncrementLiveForeverSkipsBucket(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	ref := time.Now()

	def := &model.TTLCounterDef{ID: 1, Name: "c", DataName: "account", LiveForever: true}
	e := &Engine{Store: store, Log: log.New(os.Stderr, "", 0)}

	writes := flow.NewPendingWrites(nil)
	e.Increment(counterModel(def), def, "A1", ref, writes)
	writes.Join()

	agg, _ := store.GetTTLCounter(ctx, 1, 1, 1, "account", "A1")
	if agg != 1 {
		t.Fatalf("aggregate = %d, want 1", agg)
	}
	window, _ := store.CountTTLCounterEntries(ctx, 1, 1, 1, "account", "A1", ref.Add(-time.Hour), ref.Add(time.Hour))
	if window != 0 {
		t.Fatalf("bucketed count = %d, want 0 for live-forever counters", window)
	}
}

func TestFindDef(t *testing.T) {
	mod := counterModel(
		&model.TTLCounterDef{ID: 1, Name: "a"},
		&model.TTLCounterDef{ID: 7, Name: "b"},
	)
	if def := FindDef(mod, 7); def == nil || def.Name != "b" {
		t.Fatalf("FindDef(7) = %+v, want b", def)
	}
	if def := FindDef(mod, 99); def != nil {
		t.Fatalf("FindDef(99) = %+v, want nil", def)
	}
}
