// Package aggregate computes abstraction-rule values: historical
// aggregations over grouping keys (cache-resident or computed in-process)
// and synchronous non-search rule evaluation.
package aggregate

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/cache"
	"github.com/riskflow/riskflow/pkg/extract"
	"github.com/riskflow/riskflow/pkg/rules"
)

// Aggregator resolves abstraction rules for one invocation. The search path
// runs concurrently with the non-search path, so every write to the entry's
// abstraction map, the response map, and the report rows goes through the
// caller-supplied mutex.
type Aggregator struct {
	Store cache.Store
	Eval  rules.Evaluator
	Log   *log.Logger
}

// ExecuteSearch resolves every search-flagged abstraction rule. Grouping
// keys whose values are cache-resident are answered by one bulk cache
// lookup; the remaining keys each get at most one in-process aggregation
// pass over recent matching documents, fanned out one goroutine per key and
// shared by every rule referencing that key. Rule failures are isolated:
// a failed rule contributes no map entry.
func (a *Aggregator) ExecuteSearch(ctx context.Context, mod *model.Model, entry *model.InstanceEntry, response map[string]float64, rows *[]model.ArchiveKey, mu *sync.Mutex) error {
	if !mod.CacheEnabled {
		return nil
	}

	// One history fetch per distinct key, fanned out.
	histories := make(map[string][]map[string]any)
	var histMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, key := range mod.SearchKeys {
		if key.CacheResident {
			continue
		}
		raw, ok := entry.Fields[name]
		if !ok || raw == nil {
			continue
		}
		name, key, value := name, key, extract.AsString(raw)
		g.Go(func() error {
			docs, err := a.Store.GetPayloadHistory(gctx, mod.TenantID, mod.ID, name, value, key.FetchLimit)
			if err != nil {
				a.Log.Printf("grouping key %q history fetch failed: %v", name, err)
				return nil // isolated, other keys proceed
			}
			histMu.Lock()
			histories[name] = docs
			histMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var queries []cache.AbstractionQuery
	queried := make(map[string]*model.AbstractionRule)
	for _, rule := range mod.AbstractionRules {
		if !rule.Search {
			continue
		}
		key, ok := mod.SearchKeys[rule.SearchKey]
		if !ok {
			continue
		}
		raw, present := entry.Fields[rule.SearchKey]
		if !present || raw == nil {
			continue
		}

		if key.CacheResident {
			queries = append(queries, cache.AbstractionQuery{
				RuleName:    rule.Name,
				SearchKey:   rule.SearchKey,
				SearchValue: extract.AsString(raw),
			})
			queried[rule.Name] = rule
			continue
		}

		docs, ok := histories[rule.SearchKey]
		if !ok {
			continue
		}
		value, err := a.aggregate(rule, docs)
		if err != nil {
			a.Log.Printf("abstraction rule %q aggregation failed: %v", rule.Name, err)
			continue
		}
		record(entry, response, rows, mu, rule, value)
	}

	if len(queries) > 0 {
		values, err := a.Store.GetAbstractionValues(ctx, mod.TenantID, mod.ID, queries)
		if err != nil {
			a.Log.Printf("bulk abstraction lookup failed: %v", err)
			return nil
		}
		for name, value := range values {
			rule, ok := queried[name]
			if !ok {
				continue
			}
			record(entry, response, rows, mu, rule, value)
		}
	}
	return nil
}

// aggregate runs one rule over the shared history for its grouping key.
func (a *Aggregator) aggregate(rule *model.AbstractionRule, docs []map[string]any) (float64, error) {
	matched := 0
	sum := 0.0
	distinct := make(map[string]struct{})

	for _, doc := range docs {
		ok, err := a.Eval.EvaluateBool(rule.Name, rule.Predicate, doc, &model.RuleState{})
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		matched++
		if rule.SearchFunction == model.SearchFunctionSum {
			if f, has := extract.AsFloat(doc[rule.SearchValueName]); has {
				sum += f
			}
		}
		if rule.SearchFunction == model.SearchFunctionDistinctCount {
			distinct[extract.AsString(doc[rule.SearchValueName])] = struct{}{}
		}
	}

	switch rule.SearchFunction {
	case model.SearchFunctionSum:
		return sum, nil
	case model.SearchFunctionDistinctCount:
		return float64(len(distinct)), nil
	default:
		return float64(matched), nil
	}
}

// ExecuteNonSearch evaluates rules not flagged for search synchronously
// against the current payload, each producing a 0/1 value.
func (a *Aggregator) ExecuteNonSearch(mod *model.Model, entry *model.InstanceEntry, response map[string]float64, rows *[]model.ArchiveKey, mu *sync.Mutex) {
	for _, rule := range mod.AbstractionRules {
		if rule.Search {
			continue
		}
		ok, err := a.Eval.EvaluateBool(rule.Name, rule.Predicate, entry.Fields, rules.State(entry))
		if err != nil {
			a.Log.Printf("abstraction rule %q evaluation failed: %v", rule.Name, err)
			continue
		}
		value := 0.0
		if ok {
			value = 1.0
		}
		record(entry, response, rows, mu, rule, value)
	}
}

func record(entry *model.InstanceEntry, response map[string]float64, rows *[]model.ArchiveKey, mu *sync.Mutex, rule *model.AbstractionRule, value float64) {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if _, exists := entry.Abstraction[rule.Name]; exists {
		return
	}
	entry.Abstraction[rule.Name] = value
	if rule.ResponsePayload {
		response[rule.Name] = value
	}
	if rule.ReportTable && !entry.Reprocess {
		*rows = append(*rows, model.ArchiveKey{
			EntryID:        entry.EntryID,
			ProcessingType: model.ProcessingTypeAggregate,
			Key:            rule.Name,
			ValueFloat:     value,
		})
	}
}
