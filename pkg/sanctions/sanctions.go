// Package sanctions provides fuzzy matching of multi-part string values
// against a static sanctions list, with a write-through cache keyed by
// (value, distance threshold).
package sanctions

import (
	"context"
	"log"
	"math"
	"strings"
	"time"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/cache"
	"github.com/riskflow/riskflow/pkg/extract"
	"github.com/riskflow/riskflow/pkg/flow"
)

// Match is one sanctions entry within the distance threshold.
type Match struct {
	Entry    model.SanctionEntry
	Distance float64
}

// Distance computes the Levenshtein edit distance between two strings.
func Distance(a, b string) int {
	ra, rb := []rune(strings.ToUpper(a)), []rune(strings.ToUpper(b))
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// CheckMultipartString matches a whitespace-separated multi-part value
// against each sanctions entry. An entry's distance is the average of the
// minimal per-part distances; entries whose distance is within the
// threshold are returned.
func CheckMultipartString(value string, threshold int, entries []model.SanctionEntry) []Match {
	parts := strings.Fields(value)
	if len(parts) == 0 {
		return nil
	}

	var matches []Match
	for _, entry := range entries {
		if len(entry.Parts) == 0 {
			continue
		}
		sum := 0
		for _, part := range parts {
			best := math.MaxInt
			for _, entryPart := range entry.Parts {
				if d := Distance(part, entryPart); d < best {
					best = d
				}
			}
			sum += best
		}
		distance := float64(sum) / float64(len(parts))
		if distance <= float64(threshold) {
			matches = append(matches, Match{Entry: entry, Distance: distance})
		}
	}
	return matches
}

// Matcher runs the model's sanction definitions against one invocation.
type Matcher struct {
	Store cache.Store
	Log   *log.Logger
	Now   func() time.Time
}

// Execute evaluates each sanction definition independently: a cached,
// unexpired record is reused; otherwise full fuzzy matching runs and the
// cache record is inserted (absent) or updated (expired). Errors are
// isolated per definition.
func (m *Matcher) Execute(ctx context.Context, mod *model.Model, entry *model.InstanceEntry, response map[string]float64, writes *flow.PendingWrites) {
	now := m.now()

	for _, def := range mod.Sanctions {
		raw, ok := entry.Fields[def.DataName]
		if !ok || raw == nil {
			continue
		}
		value := extract.AsString(raw)

		rec, err := m.Store.GetSanction(ctx, mod.TenantID, mod.ID, value, def.Distance)
		if err != nil {
			m.Log.Printf("sanction %q cache lookup failed: %v", def.Name, err)
			rec = nil
		}

		cached := rec != nil && def.CacheExpiry(rec.CreatedAt).After(now)
		if cached {
			if rec.Value != nil {
				m.record(entry, response, def, *rec.Value)
			}
			continue
		}

		// The distance accumulator is scoped to this definition. The
		// original engine carried it across definitions; that produced
		// cross-definition averages and is not reproduced here.
		matches := CheckMultipartString(value, def.Distance, mod.SanctionEntries)

		var avg *float64
		if len(matches) > 0 {
			sum := 0.0
			for _, match := range matches {
				sum += match.Distance
			}
			v := sum / float64(len(matches))
			if sum == 0 || math.IsNaN(v) {
				v = 0
			}
			avg = &v
		}

		if avg != nil {
			m.record(entry, response, def, *avg)
		}

		def, value, avg, existing := def, value, avg, rec != nil
		writes.Go("sanction-cache", func() error {
			if existing {
				return m.Store.UpdateSanction(context.Background(), mod.TenantID, mod.ID, value, def.Distance, avg)
			}
			return m.Store.InsertSanction(context.Background(), mod.TenantID, mod.ID, value, def.Distance, avg)
		})
	}
}

// record writes a definition's average distance into the entry, first
// writer wins per definition name.
func (m *Matcher) record(entry *model.InstanceEntry, response map[string]float64, def *model.SanctionDef, value float64) {
	if _, exists := entry.Sanction[def.Name]; exists {
		return
	}
	entry.Sanction[def.Name] = value
	if def.ResponsePayload {
		response[def.Name] = value
	}
}

func (m *Matcher) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
