package main

import (
	"strings"

	"github.com/riskflow/riskflow/pkg/engine"
	"github.com/riskflow/riskflow/pkg/rules"
)

// newLibrary registers the built-in rule bodies. Deployments extend this
// with their own compiled closures; model definitions reference bodies by
// these names.
func newLibrary() *engine.Library {
	lib := engine.NewLibrary()

	lib.RegisterPredicate("always", rules.Always())
	lib.RegisterPredicate("never", rules.Never())

	lib.RegisterPredicate("amount_over_50", rules.FieldGreaterThan("amount", 50))
	lib.RegisterPredicate("amount_over_500", rules.FieldGreaterThan("amount", 500))
	lib.RegisterPredicate("amount_over_5000", rules.FieldGreaterThan("amount", 5000))
	lib.RegisterPredicate("cross_border", rules.Not(rules.FieldEquals("currency", "EUR")))

	lib.RegisterNumeric("amount", rules.FieldValue("amount"))

	lib.RegisterFunction("uppercase_name", func(fields map[string]any) (any, error) {
		raw, ok := fields["name"]
		if !ok || raw == nil {
			return "", nil
		}
		s, _ := raw.(string)
		return strings.ToUpper(s), nil
	})

	lib.RegisterScript("trim_strings", func(fields map[string]any) error {
		for k, v := range fields {
			if s, ok := v.(string); ok {
				fields[k] = strings.TrimSpace(s)
			}
		}
		return nil
	})

	return lib
}
