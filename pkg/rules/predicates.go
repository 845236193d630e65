package rules

import (
	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/extract"
)

// Combinators for building compiled rule bodies. Deployments register the
// results in the engine's library under the names their model definitions
// reference.

// Always matches every payload.
func Always() model.Predicate {
	return func(map[string]any, *model.RuleState) bool { return true }
}

// Never matches no payload.
func Never() model.Predicate {
	return func(map[string]any, *model.RuleState) bool { return false }
}

// FieldGreaterThan matches when the named field casts to a float greater
// than the threshold. Missing or non-numeric fields never match.
func FieldGreaterThan(name string, threshold float64) model.Predicate {
	return func(fields map[string]any, _ *model.RuleState) bool {
		v, ok := extract.AsFloat(fields[name])
		return ok && v > threshold
	}
}

// FieldLessThan matches when the named field casts to a float less than the
// threshold.
func FieldLessThan(name string, threshold float64) model.Predicate {
	return func(fields map[string]any, _ *model.RuleState) bool {
		v, ok := extract.AsFloat(fields[name])
		return ok && v < threshold
	}
}

// FieldEquals matches on string equality of the named field.
func FieldEquals(name, value string) model.Predicate {
	return func(fields map[string]any, _ *model.RuleState) bool {
		raw, ok := fields[name]
		return ok && raw != nil && extract.AsString(raw) == value
	}
}

// AbstractionGreaterThan matches when a derived abstraction value exceeds
// the threshold. Absent values never match.
func AbstractionGreaterThan(name string, threshold float64) model.Predicate {
	return func(_ map[string]any, state *model.RuleState) bool {
		if state == nil || state.Abstraction == nil {
			return false
		}
		v, ok := state.Abstraction[name]
		return ok && v > threshold
	}
}

// TTLCounterGreaterThan matches when a counter value exceeds the threshold.
func TTLCounterGreaterThan(name string, threshold int) model.Predicate {
	return func(_ map[string]any, state *model.RuleState) bool {
		if state == nil || state.TTLCounter == nil {
			return false
		}
		v, ok := state.TTLCounter[name]
		return ok && v > threshold
	}
}

// SanctionAtMost matches when a sanction average distance is present and at
// most the threshold.
func SanctionAtMost(name string, threshold float64) model.Predicate {
	return func(_ map[string]any, state *model.RuleState) bool {
		if state == nil || state.Sanction == nil {
			return false
		}
		v, ok := state.Sanction[name]
		return ok && v <= threshold
	}
}

// And matches when every predicate matches.
func And(ps ...model.Predicate) model.Predicate {
	return func(fields map[string]any, state *model.RuleState) bool {
		for _, p := range ps {
			if !p(fields, state) {
				return false
			}
		}
		return true
	}
}

// Or matches when any predicate matches.
func Or(ps ...model.Predicate) model.Predicate {
	return func(fields map[string]any, state *model.RuleState) bool {
		for _, p := range ps {
			if p(fields, state) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(p model.Predicate) model.Predicate {
	return func(fields map[string]any, state *model.RuleState) bool {
		return !p(fields, state)
	}
}

// FieldValue is a numeric expression reading one field, zero when absent.
func FieldValue(name string) model.NumericExpr {
	return func(fields map[string]any, _ *model.RuleState) float64 {
		v, _ := extract.AsFloat(fields[name])
		return v
	}
}
