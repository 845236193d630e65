// Package counters maintains rolling, resolution-bucketed occurrence
// counters per (model, counter definition, key value).
package counters

import (
	"context"
	"log"
	"time"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/cache"
	"github.com/riskflow/riskflow/pkg/extract"
	"github.com/riskflow/riskflow/pkg/flow"
)

// Engine resolves counter values during the read phase and enqueues counter
// increments during activation.
type Engine struct {
	Store cache.Store
	Log   *log.Logger
}

// Execute resolves every counter definition for one invocation. Online
// counters sum bucketed entries over [ref - interval, ref]; batched
// counters read the last known aggregate directly. Missing lookups yield
// zero, never an abort; counter results are first-writer-wins per name.
func (e *Engine) Execute(ctx context.Context, mod *model.Model, entry *model.InstanceEntry, response map[string]int, rows *[]model.ArchiveKey) {
	if !mod.TTLCounterEnabled {
		return
	}

	for _, def := range mod.TTLCounters {
		raw, ok := entry.Fields[def.DataName]
		if !ok || raw == nil {
			continue
		}
		dataValue := extract.AsString(raw)

		var value int
		var err error
		if def.OnlineAggregation {
			value, err = e.Store.CountTTLCounterEntries(ctx, mod.TenantID, mod.ID, def.ID,
				def.DataName, dataValue, def.WindowStart(entry.ReferenceDate), entry.ReferenceDate)
		} else {
			value, err = e.Store.GetTTLCounter(ctx, mod.TenantID, mod.ID, def.ID, def.DataName, dataValue)
		}
		if err != nil {
			e.Log.Printf("ttl counter %q lookup failed, defaulting to zero: %v", def.Name, err)
			value = 0
		}

		if _, exists := entry.TTLCounter[def.Name]; exists {
			continue
		}
		entry.TTLCounter[def.Name] = value
		if def.ResponsePayload {
			response[def.Name] = value
		}
		if def.ReportTable && !entry.Reprocess {
			*rows = append(*rows, model.ArchiveKey{
				EntryID:        entry.EntryID,
				ProcessingType: model.ProcessingTypeAggregate,
				Key:            def.Name,
				ValueInteger:   int64(value),
			})
		}
	}
}

// Increment enqueues the asynchronous increment for one counter: the
// batched aggregate always, plus the 1-minute bucketed entry unless the
// counter is live-forever (no decay bucket maintained).
func (e *Engine) Increment(mod *model.Model, def *model.TTLCounterDef, dataValue string, ref time.Time, writes *flow.PendingWrites) {
	writes.Go("ttl-counter-increment", func() error {
		return e.Store.IncrementTTLCounter(context.Background(), mod.TenantID, mod.ID, def.ID, def.DataName, dataValue, 1)
	})
	if def.LiveForever {
		return
	}
	writes.Go("ttl-counter-entry", func() error {
		return e.Store.UpsertTTLCounterEntry(context.Background(), mod.TenantID, mod.ID, def.ID, def.DataName, dataValue, ref, 1)
	})
}

// FindDef returns a counter definition by id.
func FindDef(mod *model.Model, id int) *model.TTLCounterDef {
	for _, def := range mod.TTLCounters {
		if def.ID == id {
			return def
		}
	}
	return nil
}
