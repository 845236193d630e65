// Package rules provides the rule-evaluation capability: panic-isolated
// execution of ahead-of-time compiled rule closures, plus the synchronous
// CPU-only stages built on them (dictionary lookups, inline functions and
// scripts, abstraction calculations).
package rules

import (
	"fmt"
	"log"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/errors"
	"github.com/riskflow/riskflow/pkg/extract"
)

// Evaluator executes compiled rule bodies. Implementations must be
// deterministic for identical inputs.
type Evaluator interface {
	EvaluateBool(name string, p model.Predicate, fields map[string]any, state *model.RuleState) (bool, error)
	EvaluateNumber(name string, expr model.NumericExpr, fields map[string]any, state *model.RuleState) (float64, error)
}

// ClosureEvaluator runs compiled closures directly, converting panics into
// errors so a single bad rule never aborts the stage that ran it.
type ClosureEvaluator struct{}

// NewClosureEvaluator creates an evaluator over compiled closures.
func NewClosureEvaluator() *ClosureEvaluator {
	return &ClosureEvaluator{}
}

// EvaluateBool runs a boolean predicate.
func (e *ClosureEvaluator) EvaluateBool(name string, p model.Predicate, fields map[string]any, state *model.RuleState) (matched bool, err error) {
	if p == nil {
		return false, errors.RuleError(name, fmt.Errorf("nil predicate"))
	}
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = errors.RuleError(name, fmt.Errorf("panic: %v", r))
		}
	}()
	return p(fields, state), nil
}

// EvaluateNumber runs a numeric expression.
func (e *ClosureEvaluator) EvaluateNumber(name string, expr model.NumericExpr, fields map[string]any, state *model.RuleState) (value float64, err error) {
	if expr == nil {
		return 0, errors.RuleError(name, fmt.Errorf("nil expression"))
	}
	defer func() {
		if r := recover(); r != nil {
			value = 0
			err = errors.RuleError(name, fmt.Errorf("panic: %v", r))
		}
	}()
	return expr(fields, state), nil
}

// State assembles the rule state view over an entry's derived maps.
func State(entry *model.InstanceEntry) *model.RuleState {
	return &model.RuleState{
		Abstraction: entry.Abstraction,
		Calculation: entry.AbstractionCalculation,
		TTLCounter:  entry.TTLCounter,
		Sanction:    entry.Sanction,
		Dictionary:  entry.Dictionary,
	}
}

// ExecuteDictionary resolves the model's key-value lookup tables against the
// entry's field values. A field absent from the payload or from its table
// contributes no entry.
func ExecuteDictionary(m *model.Model, entry *model.InstanceEntry, response map[string]float64, logger *log.Logger) {
	for dataName, table := range m.Dictionary {
		raw, ok := entry.Fields[dataName]
		if !ok || raw == nil {
			continue
		}
		value, ok := table[extract.AsString(raw)]
		if !ok {
			continue
		}
		if _, exists := entry.Dictionary[dataName]; exists {
			continue
		}
		entry.Dictionary[dataName] = value
		response[dataName] = value
	}
}

// ExecuteInlineFunctions runs each inline function in order, writing its
// return value into the field map under the function's return name. A
// failing function is logged and contributes nothing.
func ExecuteInlineFunctions(m *model.Model, entry *model.InstanceEntry, responseFields map[string]any, rows *[]model.ArchiveKey, logger *log.Logger) {
	for _, fn := range m.InlineFunctions {
		value, err := runInlineFunction(fn, entry.Fields)
		if err != nil {
			logger.Printf("inline function %q failed: %v", fn.Name, err)
			continue
		}
		if _, exists := entry.Fields[fn.ReturnName]; exists {
			continue
		}
		entry.Fields[fn.ReturnName] = value
		if fn.ResponsePayload {
			responseFields[fn.ReturnName] = value
		}
		if fn.ReportTable && !entry.Reprocess {
			row := model.ArchiveKey{
				EntryID:        entry.EntryID,
				ProcessingType: model.ProcessingTypePayload,
				Key:            fn.ReturnName,
			}
			if f, ok := extract.AsFloat(value); ok {
				row.ValueFloat = f
			} else {
				row.ValueString = extract.AsString(value)
			}
			*rows = append(*rows, row)
		}
	}
}

func runInlineFunction(fn *model.InlineFunction, fields map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(fmt.Errorf("panic: %v", r), errors.CodeInlineFunction, "inline function %q", fn.Name)
		}
	}()
	return fn.Fn(fields)
}

// ExecuteInlineScripts runs each inline script in order against the field
// map. Script failures are isolated.
func ExecuteInlineScripts(m *model.Model, entry *model.InstanceEntry, logger *log.Logger) {
	for _, script := range m.InlineScripts {
		if err := runInlineScript(script, entry.Fields); err != nil {
			logger.Printf("inline script %q failed: %v", script.Name, err)
		}
	}
}

func runInlineScript(script *model.InlineScript, fields map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(fmt.Errorf("panic: %v", r), errors.CodeInlineScript, "inline script %q", script.Name)
		}
	}()
	return script.Fn(fields)
}

// ExecuteCalculations derives each calculation from the abstraction values
// already on the entry. Division by zero yields zero rather than an error.
func ExecuteCalculations(m *model.Model, eval Evaluator, entry *model.InstanceEntry, response map[string]float64, rows *[]model.ArchiveKey, logger *log.Logger) {
	for _, calc := range m.Calculations {
		var value float64
		if calc.Expr != nil {
			v, err := eval.EvaluateNumber(calc.Name, calc.Expr, entry.Fields, State(entry))
			if err != nil {
				logger.Printf("calculation %q failed: %v", calc.Name, err)
				continue
			}
			value = v
		} else {
			left := entry.Abstraction[calc.LeftName]
			right := entry.Abstraction[calc.RightName]
			switch calc.Operator {
			case model.CalculationAdd:
				value = left + right
			case model.CalculationSubtract:
				value = left - right
			case model.CalculationMultiply:
				value = left * right
			case model.CalculationDivide:
				if right == 0 {
					value = 0
				} else {
					value = left / right
				}
			}
		}

		if _, exists := entry.AbstractionCalculation[calc.Name]; exists {
			continue
		}
		entry.AbstractionCalculation[calc.Name] = value
		if calc.ResponsePayload {
			response[calc.Name] = value
		}
		if calc.ReportTable && !entry.Reprocess {
			*rows = append(*rows, model.ArchiveKey{
				EntryID:        entry.EntryID,
				ProcessingType: model.ProcessingTypeCalculation,
				Key:            calc.Name,
				ValueFloat:     value,
			})
		}
	}
}
