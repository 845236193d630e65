// Package activation implements the decision engine: ordered activation
// rule evaluation, suppression policy, response-elevation clamping, and the
// side effects (case creation, notification, watcher events, counter
// increments) each matched rule may trigger.
package activation

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/counters"
	"github.com/riskflow/riskflow/pkg/extract"
	"github.com/riskflow/riskflow/pkg/flow"
	"github.com/riskflow/riskflow/pkg/messaging"
	"github.com/riskflow/riskflow/pkg/rules"
)

// Engine drives the activation state machine once per invocation.
type Engine struct {
	Eval      rules.Evaluator
	Counters  *counters.Engine
	Publisher messaging.Publisher
	Log       *log.Logger

	// EnableNotifications gates notification dispatch globally.
	EnableNotifications bool

	// Sample draws one fresh uniform sample; called once per rule.
	Sample func() float64

	Now func() time.Time
}

// Input carries the invocation state the engine reads and mutates.
type Input struct {
	Model *model.Model
	Entry *model.InstanceEntry

	// GatewayCeiling is the winning gateway rule's maximum response
	// elevation.
	GatewayCeiling float64

	// Response collects the activation rules flagged for response payload
	// inclusion, keyed by rule id.
	Response map[int]*model.ActivationRule

	ReportRows *[]model.ArchiveKey
	Writes     *flow.PendingWrites
}

// Run evaluates every activation rule in configured index order and returns
// the finished archive record. Suppression affects side effects, never
// evaluation; a failing rule is isolated and the loop continues.
func (e *Engine) Run(ctx context.Context, in *Input) *model.Archive {
	m, entry := in.Model, in.Entry
	now := e.now()

	suppressedRules := make(map[string]struct{})
	suppressedModel := e.modelSuppressed(m, entry, suppressedRules)
	suppressedElevation := e.elevationLimitSuppressed(m, now)

	var createCase *model.CreateCase
	var prevailingRuleID int
	var prevailingRuleName string
	activationRuleCount := 0

	for _, rule := range m.ActivationRules {
		if err := e.evaluateRule(ctx, in, rule, suppressedModel, suppressedElevation, suppressedRules,
			&createCase, &prevailingRuleID, &prevailingRuleName, &activationRuleCount, now); err != nil {
			e.Log.Printf("activation rule %q failed: %v", rule.Name, err)
		}
	}

	entry.ActivationRuleCount = activationRuleCount
	entry.PrevailingRuleID = prevailingRuleID
	entry.PrevailingRuleName = prevailingRuleName
	entry.CreatedCase = createCase

	if entry.ResponseElevation.Value > 0 {
		m.ResponseElevationCounter.Add(1)
		m.ResponseElevationSum.Add(entry.ResponseElevation.Value)
	}
	m.ActivationCounter.Add(int64(activationRuleCount))

	return &model.Archive{
		Entry:               entry,
		ActivationRuleCount: activationRuleCount,
		PrevailingRuleID:    prevailingRuleID,
		CreatedCase:         createCase,
		ReportRows:          *in.ReportRows,
	}
}

// evaluateRule processes one rule with isolated error handling.
func (e *Engine) evaluateRule(ctx context.Context, in *Input, rule *model.ActivationRule,
	suppressedModel, suppressedElevation bool, suppressedRules map[string]struct{},
	createCase **model.CreateCase,
	prevailingRuleID *int, prevailingRuleName *string, activationRuleCount *int, now time.Time) (err error) {

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	m, entry := in.Model, in.Entry

	suppressed := suppressedModel || suppressedElevation
	if !suppressed {
		if !rule.EnableReprocessing && entry.Reprocess {
			suppressed = true
		} else if _, named := suppressedRules[rule.Name]; named {
			suppressed = true
		}
	}

	// The sample is drawn fresh per rule, regardless of suppression.
	sampled := rule.ActivationSample >= e.Sample()

	// Evaluation runs even when suppressed: suppression gates side
	// effects, not the match itself.
	matched, err := e.Eval.EvaluateBool(rule.Name, rule.Predicate, entry.Fields, rules.State(entry))
	if err != nil {
		return err
	}
	if !matched {
		return nil
	}

	// Match recording is unconditional.
	if _, exists := entry.Activation[rule.Name]; !exists {
		entry.Activation[rule.Name] = &model.ActivationMatch{Visible: rule.Visible}
	}

	if rule.ResponsePayload {
		in.Response[rule.ID] = rule
	}
	if rule.ReportTable && !entry.Reprocess {
		*in.ReportRows = append(*in.ReportRows, model.ArchiveKey{
			EntryID:        entry.EntryID,
			ProcessingType: model.ProcessingTypeActivation,
			Key:            rule.Name,
			ValueBool:      true,
		})
	}

	e.applyElevation(m, entry, rule, suppressed, sampled, in.GatewayCeiling, now)

	if e.EnableNotifications && !suppressed && sampled && rule.EnableNotification && !entry.Reprocess {
		e.dispatchNotification(ctx, rule, in.Writes)
	}

	if !suppressed && sampled {
		if rule.Visible {
			*activationRuleCount++
			if *prevailingRuleID == 0 && *prevailingRuleName == "" {
				*prevailingRuleID = rule.ID
				*prevailingRuleName = rule.Name
			}
		}
		rule.Counter.Add(1)
	}

	if rule.SendToWatcher && !suppressed && sampled && !entry.Reprocess {
		e.dispatchWatcher(ctx, m, entry, rule, in.Writes, now)
	}

	if *createCase == nil && rule.EnableCaseWorkflow && !suppressed && sampled {
		*createCase = &model.CreateCase{
			CaseWorkflowID:       rule.CaseWorkflowID,
			CaseWorkflowStatusID: rule.CaseWorkflowStatusID,
			EntryID:              entry.EntryID,
			ActivationRuleName:   rule.Name,
			CreatedAt:            now,
		}
	}

	if rule.EnableTTLCounter && !suppressed && sampled && !entry.Reprocess {
		e.incrementCounter(m, entry, rule, in.Writes)
	}

	return nil
}

// applyElevation raises the invocation's response elevation to the rule's
// own elevation when it exceeds the value applied so far, clamping with
// strict precedence: the model ceiling first, then the gateway ceiling,
// else the raw value. Suppressed, unsampled or elevation-disabled rules
// never contribute.
func (e *Engine) applyElevation(m *model.Model, entry *model.InstanceEntry, rule *model.ActivationRule,
	suppressed, sampled bool, gatewayCeiling float64, now time.Time) {

	if suppressed || !sampled || !rule.EnableResponseElevation {
		return
	}
	if rule.ResponseElevation <= entry.ResponseElevation.Value {
		return
	}

	switch {
	case rule.ResponseElevation > m.MaxResponseElevation:
		entry.ResponseElevation.Value = m.MaxResponseElevation
		m.ResponseElevationValueLimitCounter.Add(1)
	case rule.ResponseElevation > gatewayCeiling:
		entry.ResponseElevation.Value = gatewayCeiling
		m.ResponseElevationGatewayLimitCounter.Add(1)
	default:
		entry.ResponseElevation.Value = rule.ResponseElevation
	}

	entry.ResponseElevation.Content = rule.ResponseElevationContent
	entry.ResponseElevation.Redirect = rule.ResponseElevationRedirect
	entry.ResponseElevation.ForeColor = rule.ResponseElevationForeColor
	entry.ResponseElevation.BackColor = rule.ResponseElevationBackColor

	if m.EnableResponseElevationLimit && m.BillingWindow != nil {
		m.BillingWindow.Add(now, entry.ResponseElevation.Value)
	}
}

func (e *Engine) dispatchNotification(ctx context.Context, rule *model.ActivationRule, writes *flow.PendingWrites) {
	n := model.Notification{
		TypeID:      rule.NotificationTypeID,
		Destination: rule.NotificationDestination,
		Subject:     rule.NotificationSubject,
		Body:        rule.NotificationBody,
	}
	writes.Go("notification", func() error {
		return e.Publisher.PublishNotification(context.WithoutCancel(ctx), n)
	})
}

func (e *Engine) dispatchWatcher(ctx context.Context, m *model.Model, entry *model.InstanceEntry, rule *model.ActivationRule, writes *flow.PendingWrites, now time.Time) {
	event := model.ActivationWatcherEvent{
		TenantID:           m.TenantID,
		ModelID:            m.ID,
		EntryID:            entry.EntryID,
		Key:                m.EntryPath,
		KeyValue:           entry.EntryValue,
		ActivationRuleName: rule.Name,
		ResponseElevation:  rule.ResponseElevation,
		BackColor:          rule.ResponseElevationBackColor,
		ForeColor:          rule.ResponseElevationForeColor,
		Longitude:          entry.Longitude,
		Latitude:           entry.Latitude,
		CreatedAt:          now,
	}
	writes.Go("activation-watcher", func() error {
		return e.Publisher.PublishActivation(context.WithoutCancel(ctx), event)
	})
}

func (e *Engine) incrementCounter(m *model.Model, entry *model.InstanceEntry, rule *model.ActivationRule, writes *flow.PendingWrites) {
	def := counters.FindDef(m, rule.TTLCounterID)
	if def == nil {
		e.Log.Printf("activation rule %q references unknown ttl counter %d", rule.Name, rule.TTLCounterID)
		return
	}
	dataName := rule.TTLCounterDataName
	if dataName == "" {
		dataName = def.DataName
	}
	raw, ok := entry.Fields[dataName]
	if !ok || raw == nil {
		return
	}
	e.Counters.Increment(m, def, extract.AsString(raw), entry.ReferenceDate, writes)
}

// modelSuppressed computes model-level suppression from the payload's
// suppression-enabled field values and collects the value-specific rule
// name suppressions into suppressedRules.
func (e *Engine) modelSuppressed(m *model.Model, entry *model.InstanceEntry, suppressedRules map[string]struct{}) bool {
	suppressed := false
	for i := range m.Fields {
		d := &m.Fields[i]
		if !d.SuppressionEnabled {
			continue
		}
		raw, ok := entry.Fields[d.Name]
		if !ok || raw == nil {
			continue
		}
		value := extract.AsString(raw)

		if values, ok := m.Suppression[d.Name]; ok {
			if _, hit := values[value]; hit {
				suppressed = true
			}
		}
		if byValue, ok := m.RuleSuppression[d.Name]; ok {
			for _, name := range byValue[value] {
				suppressedRules[name] = struct{}{}
			}
		}
	}
	return suppressed
}

// elevationLimitSuppressed reports whether the rolling billing window has
// exceeded the model's frequency limit, globally suppressing elevation for
// this invocation.
func (e *Engine) elevationLimitSuppressed(m *model.Model, now time.Time) bool {
	if !m.EnableResponseElevationLimit || m.BillingWindow == nil {
		return false
	}
	return m.BillingWindow.Len(now) > m.ResponseElevationFrequencyLimit
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
