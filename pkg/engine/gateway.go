package engine

import (
	"log"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/rules"
)

// runGateway applies the coarse pre-filter. One sample is drawn per
// invocation and shared across every gateway rule; the first rule in
// configured order whose predicate matches and whose sample probability
// exceeds the drawn sample wins and no further rules are evaluated.
// A predicate failure is logged and the loop continues.
func runGateway(eval rules.Evaluator, mod *model.Model, entry *model.InstanceEntry,
	sample float64, logger *log.Logger) (*model.GatewayRule, bool) {

	for _, rule := range mod.GatewayRules {
		matched, err := eval.EvaluateBool(rule.Name, rule.Predicate, entry.Fields, rules.State(entry))
		if err != nil {
			logger.Printf("gateway rule %q failed: %v", rule.Name, err)
			continue
		}
		if matched && sample < rule.Sample {
			rule.Counter.Add(1)
			mod.InvokeGatewayCounter.Add(1)
			return rule, true
		}
	}
	return nil, false
}
