// Package model defines the core data structures for riskflow.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingType discriminates archive key rows by the stage that produced them.
type ProcessingType int

const (
	ProcessingTypePayload     ProcessingType = 2
	ProcessingTypeCalculation ProcessingType = 4
	ProcessingTypeAggregate   ProcessingType = 5
	ProcessingTypeActivation  ProcessingType = 11
)

// ArchiveKey is one durable report row for an extracted or derived field.
// Exactly one of the typed value slots is populated, selected by the
// descriptor's declared type.
type ArchiveKey struct {
	EntryID        uuid.UUID      `json:"entryId"`
	ProcessingType ProcessingType `json:"processingType"`
	Key            string         `json:"key"`
	ValueString    string         `json:"valueString,omitempty"`
	ValueInteger   int64          `json:"valueInteger,omitempty"`
	ValueFloat     float64        `json:"valueFloat,omitempty"`
	ValueDate      time.Time      `json:"valueDate,omitempty"`
	ValueBool      bool           `json:"valueBool,omitempty"`
}

// ResponseElevation is the transaction's risk score plus its display metadata.
type ResponseElevation struct {
	Value     float64 `json:"value"`
	Content   string  `json:"content,omitempty"`
	Redirect  string  `json:"redirect,omitempty"`
	ForeColor string  `json:"foreColor,omitempty"`
	BackColor string  `json:"backColor,omitempty"`
}

// ActivationMatch records one matched activation rule. Created on match,
// never mutated afterwards, lives for the invocation only.
type ActivationMatch struct {
	Visible bool `json:"visible"`
}

// CreateCase describes the case to be opened for the first eligible
// matching activation rule.
type CreateCase struct {
	CaseWorkflowID       int       `json:"caseWorkflowId"`
	CaseWorkflowStatusID int       `json:"caseWorkflowStatusId"`
	EntryID              uuid.UUID `json:"entryId"`
	ActivationRuleName   string    `json:"activationRuleName"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Notification is dispatched best-effort when a matched activation rule
// enables it.
type Notification struct {
	TypeID      int    `json:"typeId"`
	Destination string `json:"destination"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// ActivationWatcherEvent is published to the activations channel for
// real-time monitoring of matched rules.
type ActivationWatcherEvent struct {
	TenantID           int       `json:"tenantId"`
	ModelID            int       `json:"modelId"`
	EntryID            uuid.UUID `json:"entryId"`
	Key                string    `json:"key"`
	KeyValue           string    `json:"keyValue"`
	ActivationRuleName string    `json:"activationRuleName"`
	ResponseElevation  float64   `json:"responseElevation"`
	BackColor          string    `json:"backColor"`
	ForeColor          string    `json:"foreColor"`
	Longitude          float64   `json:"longitude"`
	Latitude           float64   `json:"latitude"`
	CreatedAt          time.Time `json:"createdAt"`
}

// InstanceEntry is the per-transaction payload. One invocation owns it
// exclusively; the orchestrator and its direct callees mutate it during the
// invocation's lifetime and it becomes immutable once queued for archive.
type InstanceEntry struct {
	EntryID       uuid.UUID
	ModelID       int
	TenantID      int
	EntryValue    string
	ReferenceDate time.Time

	// Fields is the raw extracted field map, name to typed value.
	Fields map[string]any

	// Derived value maps, populated by the read phase and activations.
	Abstraction            map[string]float64
	AbstractionCalculation map[string]float64
	TTLCounter             map[string]int
	Sanction               map[string]float64
	Dictionary             map[string]float64
	ExhaustiveScores       map[string]float64
	AdaptationResponses    map[string]map[string]float64
	Activation             map[string]*ActivationMatch

	ResponseElevation ResponseElevation

	// ResponseTimes holds elapsed milliseconds at the end of each stage.
	ResponseTimes map[string]int64

	Latitude  float64
	Longitude float64

	ActivationRuleCount    int
	PrevailingRuleID       int
	PrevailingRuleName     string
	CreatedCase            *CreateCase
	Reprocess              bool
	InError                bool
	ErrorMessage           string
}

// NewInstanceEntry allocates an entry with a fresh id and all derived maps
// initialised.
func NewInstanceEntry(tenantID, modelID int) *InstanceEntry {
	return &InstanceEntry{
		EntryID:                uuid.New(),
		ModelID:                modelID,
		TenantID:               tenantID,
		Fields:                 make(map[string]any),
		Abstraction:            make(map[string]float64),
		AbstractionCalculation: make(map[string]float64),
		TTLCounter:             make(map[string]int),
		Sanction:               make(map[string]float64),
		Dictionary:             make(map[string]float64),
		ExhaustiveScores:       make(map[string]float64),
		AdaptationResponses:    make(map[string]map[string]float64),
		Activation:             make(map[string]*ActivationMatch),
		ResponseTimes:          make(map[string]int64),
	}
}

// MarkStage records elapsed milliseconds since start for a named stage.
func (e *InstanceEntry) MarkStage(name string, start time.Time) {
	e.ResponseTimes[name] = time.Since(start).Milliseconds()
}

// Archive is the finished durable record for one invocation: the entry
// payload plus its report rows.
type Archive struct {
	Entry               *InstanceEntry `json:"entry"`
	ActivationRuleCount int            `json:"activationRuleCount"`
	PrevailingRuleID    int            `json:"prevailingRuleId,omitempty"`
	CreatedCase         *CreateCase    `json:"createdCase,omitempty"`
	ReportRows          []ArchiveKey   `json:"reportRows,omitempty"`
}
