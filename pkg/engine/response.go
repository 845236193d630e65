package engine

import (
	"encoding/json"
	"time"

	"github.com/riskflow/riskflow/internal/model"
)

// Response is the structured document returned to the caller and published
// to the outbound channel. Field inclusion is governed by each rule's and
// descriptor's response flag; the typed sections are omitted when empty.
type Response struct {
	EntryID       string    `json:"entryId"`
	ModelID       int       `json:"modelId"`
	TenantID      int       `json:"tenantId"`
	ReferenceDate time.Time `json:"referenceDate"`

	ResponseElevation model.ResponseElevation `json:"responseElevation"`

	// Activation lists the response-flagged matched rules by name, with
	// their visibility.
	Activation map[string]bool `json:"activation,omitempty"`

	Payload                map[string]any     `json:"payload,omitempty"`
	Abstraction            map[string]float64 `json:"abstraction,omitempty"`
	AbstractionCalculation map[string]float64 `json:"abstractionCalculation,omitempty"`
	TTLCounter             map[string]int     `json:"ttlCounter,omitempty"`
	Sanction               map[string]float64 `json:"sanction,omitempty"`
	Dictionary             map[string]float64 `json:"dictionary,omitempty"`
	ExhaustiveScores       map[string]float64 `json:"exhaustiveScores,omitempty"`
	AdaptationResponses    map[string]float64 `json:"adaptationResponses,omitempty"`

	PrevailingRuleName  string `json:"prevailingRuleName,omitempty"`
	ActivationRuleCount int    `json:"activationRuleCount"`
	CreatedCase         bool   `json:"createdCase"`

	GatewayMatched bool `json:"gatewayMatched"`

	ResponseTimes map[string]int64 `json:"responseTimes,omitempty"`

	InError      bool   `json:"inError,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// OutputTransform rewrites a response before serialization. The default is
// identity.
type OutputTransform func(*Response) *Response

// responseBuilder accumulates the response-flagged values each stage emits.
type responseBuilder struct {
	payload     map[string]any
	abstraction map[string]float64
	calculation map[string]float64
	ttlCounter  map[string]int
	sanction    map[string]float64
	dictionary  map[string]float64
	exhaustive  map[string]float64
	adaptation  map[string]float64
	activation  map[int]*model.ActivationRule
}

func newResponseBuilder() *responseBuilder {
	return &responseBuilder{
		payload:     make(map[string]any),
		abstraction: make(map[string]float64),
		calculation: make(map[string]float64),
		ttlCounter:  make(map[string]int),
		sanction:    make(map[string]float64),
		dictionary:  make(map[string]float64),
		exhaustive:  make(map[string]float64),
		adaptation:  make(map[string]float64),
		activation:  make(map[int]*model.ActivationRule),
	}
}

// build assembles the final response document for the invocation.
func (b *responseBuilder) build(entry *model.InstanceEntry, gatewayMatched bool) *Response {
	r := &Response{
		EntryID:             entry.EntryID.String(),
		ModelID:             entry.ModelID,
		TenantID:            entry.TenantID,
		ReferenceDate:       entry.ReferenceDate,
		ResponseElevation:   entry.ResponseElevation,
		PrevailingRuleName:  entry.PrevailingRuleName,
		ActivationRuleCount: entry.ActivationRuleCount,
		CreatedCase:         entry.CreatedCase != nil,
		GatewayMatched:      gatewayMatched,
		ResponseTimes:       entry.ResponseTimes,
		InError:             entry.InError,
		ErrorMessage:        entry.ErrorMessage,
	}
	if len(b.payload) > 0 {
		r.Payload = b.payload
	}
	if len(b.abstraction) > 0 {
		r.Abstraction = b.abstraction
	}
	if len(b.calculation) > 0 {
		r.AbstractionCalculation = b.calculation
	}
	if len(b.ttlCounter) > 0 {
		r.TTLCounter = b.ttlCounter
	}
	if len(b.sanction) > 0 {
		r.Sanction = b.sanction
	}
	if len(b.dictionary) > 0 {
		r.Dictionary = b.dictionary
	}
	if len(b.exhaustive) > 0 {
		r.ExhaustiveScores = b.exhaustive
	}
	if len(b.adaptation) > 0 {
		r.AdaptationResponses = b.adaptation
	}
	if len(b.activation) > 0 {
		r.Activation = make(map[string]bool, len(b.activation))
		for _, rule := range b.activation {
			r.Activation[rule.Name] = rule.Visible
		}
	}
	return r
}

// Serialize renders the response as JSON, applying the transform when set.
func Serialize(r *Response, transform OutputTransform) ([]byte, error) {
	if transform != nil {
		r = transform(r)
	}
	return json.Marshal(r)
}
