package model

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// FieldType declares how an extraction descriptor's raw value is cast.
type FieldType int

const (
	FieldTypeString FieldType = iota
	FieldTypeInteger
	FieldTypeFloat
	FieldTypeDate
	FieldTypeBool
	FieldTypeLatitude
	FieldTypeLongitude
)

// FieldDescriptor declares one payload extraction: a dotted path into the
// inbound document, a declared type, and a default used when the path is
// absent.
type FieldDescriptor struct {
	Name               string    `yaml:"name"`
	Path               string    `yaml:"path"`
	Type               FieldType `yaml:"type"`
	Default            any       `yaml:"default"`
	ResponsePayload    bool      `yaml:"responsePayload"`
	ReportTable        bool      `yaml:"reportTable"`
	SuppressionEnabled bool      `yaml:"suppressionEnabled"`
	DistinctSearch     bool      `yaml:"distinctSearch"`
}

// RuleState carries the derived value maps a compiled rule may reference in
// addition to the field map. Historical documents are evaluated with a zero
// RuleState.
type RuleState struct {
	Abstraction map[string]float64
	Calculation map[string]float64
	TTLCounter  map[string]int
	Sanction    map[string]float64
	Dictionary  map[string]float64
}

// Predicate is an ahead-of-time compiled boolean rule body.
type Predicate func(fields map[string]any, state *RuleState) bool

// NumericExpr is an ahead-of-time compiled numeric rule body.
type NumericExpr func(fields map[string]any, state *RuleState) float64

// GatewayRule is a coarse pre-filter rule. The first rule in configured
// order whose predicate matches and whose sample probability exceeds the
// invocation's drawn sample admits the transaction to the full pipeline.
type GatewayRule struct {
	ID                   int
	Name                 string
	Predicate            Predicate
	Sample               float64
	MaxResponseElevation float64

	Counter atomic.Int64
}

// SearchFunction selects the aggregation applied over matching historical
// documents for a search-flagged abstraction rule.
type SearchFunction int

const (
	SearchFunctionCount SearchFunction = iota
	SearchFunctionSum
	SearchFunctionDistinctCount
)

// AbstractionRule is a derived feature: either a synchronous 0/1 predicate
// over the current payload, or (when Search is set) an aggregation over
// historical documents partitioned by SearchKey.
type AbstractionRule struct {
	ID              int
	Name            string
	Predicate       Predicate
	Search          bool
	SearchKey       string
	SearchFunction  SearchFunction
	SearchValueName string
	SearchInterval  byte
	SearchValue     int
	ResponsePayload bool
	ReportTable     bool
}

// CalculationOperator selects the binary arithmetic applied by a calculation.
type CalculationOperator int

const (
	CalculationAdd CalculationOperator = iota
	CalculationSubtract
	CalculationMultiply
	CalculationDivide
)

// Calculation derives a named value from two abstraction values, or from a
// compiled numeric expression when Expr is set.
type Calculation struct {
	ID              int
	Name            string
	LeftName        string
	RightName       string
	Operator        CalculationOperator
	Expr            NumericExpr
	ResponsePayload bool
	ReportTable     bool
}

// ActivationRule is one ordered decision rule.
type ActivationRule struct {
	ID        int
	Name      string
	Visible   bool
	Predicate Predicate

	ActivationSample float64

	EnableResponseElevation    bool
	ResponseElevation          float64
	ResponseElevationContent   string
	ResponseElevationRedirect  string
	ResponseElevationForeColor string
	ResponseElevationBackColor string

	EnableNotification      bool
	NotificationTypeID      int
	NotificationDestination string
	NotificationSubject     string
	NotificationBody        string

	EnableCaseWorkflow   bool
	CaseWorkflowID       int
	CaseWorkflowStatusID int

	EnableTTLCounter   bool
	TTLCounterID       int
	TTLCounterDataName string

	EnableReprocessing bool
	ResponsePayload    bool
	ReportTable        bool
	SendToWatcher      bool

	Counter atomic.Int64
}

// TTLCounterDef declares one time-windowed occurrence counter.
type TTLCounterDef struct {
	ID                int
	Name              string
	DataName          string
	Interval          byte
	IntervalValue     int
	OnlineAggregation bool
	LiveForever       bool
	ResponsePayload   bool
	ReportTable       bool
}

// WindowStart returns the inclusive start of the counter's window relative
// to the reference date. Interval units: s, n (minute), h, d, m (month), y.
func (t *TTLCounterDef) WindowStart(ref time.Time) time.Time {
	switch t.Interval {
	case 's':
		return ref.Add(-time.Duration(t.IntervalValue) * time.Second)
	case 'n':
		return ref.Add(-time.Duration(t.IntervalValue) * time.Minute)
	case 'h':
		return ref.Add(-time.Duration(t.IntervalValue) * time.Hour)
	case 'd':
		return ref.AddDate(0, 0, -t.IntervalValue)
	case 'm':
		return ref.AddDate(0, -t.IntervalValue, 0)
	case 'y':
		return ref.AddDate(-t.IntervalValue, 0, 0)
	default:
		return ref.AddDate(0, 0, -t.IntervalValue)
	}
}

// SanctionEntry is one static sanctions list entry.
type SanctionEntry struct {
	ID    int
	Name  string
	Parts []string
}

// SanctionDef declares one fuzzy-match check against the static sanctions
// list.
type SanctionDef struct {
	ID              int
	Name            string
	DataName        string
	Distance        int
	CacheInterval   byte
	CacheValue      int
	ResponsePayload bool
	ReportTable     bool
}

// CacheExpiry returns the expiry instant for a cached sanction record
// created at the given time. Interval units: s, n (minute), h, d.
func (s *SanctionDef) CacheExpiry(created time.Time) time.Time {
	switch s.CacheInterval {
	case 's':
		return created.Add(time.Duration(s.CacheValue) * time.Second)
	case 'n':
		return created.Add(time.Duration(s.CacheValue) * time.Minute)
	case 'h':
		return created.Add(time.Duration(s.CacheValue) * time.Hour)
	case 'd':
		return created.AddDate(0, 0, s.CacheValue)
	default:
		return created.AddDate(0, 0, s.CacheValue)
	}
}

// InlineFunction is a synchronous transform producing one derived field.
type InlineFunction struct {
	ID              int
	Name            string
	ReturnName      string
	Fn              func(fields map[string]any) (any, error)
	ResponsePayload bool
	ReportTable     bool
}

// InlineScript is a synchronous transform mutating the field map in place.
type InlineScript struct {
	ID   int
	Name string
	Fn   func(fields map[string]any) error
}

// Adaptation is an HTTP callout to an external scoring endpoint. The
// endpoint receives the field map and returns a map of named doubles.
type Adaptation struct {
	ID              int
	Name            string
	Endpoint        string
	Timeout         time.Duration
	ResponsePayload bool
	ReportTable     bool
}

// Feature selects one exhaustive-model input and its normalisation.
type Feature struct {
	Name        string
	Abstraction bool
	Mean        float64
	Sd          float64
}

// ExhaustiveModel is a trained feed-forward scoring network. Weights is one
// matrix per layer, laid out [output][input]; Biases is one vector per layer.
type ExhaustiveModel struct {
	ID              int
	Name            string
	Features        []Feature
	Weights         [][][]float64
	Biases          [][]float64
	ResponsePayload bool
	ReportTable     bool
}

// SearchKey maps a grouping field to how its historical values are served:
// from the abstraction cache, or computed in-process from recent documents.
type SearchKey struct {
	Name          string
	CacheResident bool
	FetchLimit    int
}

// ElevationWindow is the rolling billing window of recent response
// elevations used for elevation-limit suppression. Entries older than the
// window duration are evicted on insert and on Len.
type ElevationWindow struct {
	mu      sync.Mutex
	window  time.Duration
	entries []elevationEntry
}

type elevationEntry struct {
	at    time.Time
	value float64
}

// NewElevationWindow creates a window of the given duration.
func NewElevationWindow(window time.Duration) *ElevationWindow {
	return &ElevationWindow{window: window}
}

// Add records an elevation at the given instant.
func (w *ElevationWindow) Add(at time.Time, value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(at)
	w.entries = append(w.entries, elevationEntry{at: at, value: value})
}

// Len returns the number of entries still inside the window as of now.
func (w *ElevationWindow) Len(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return len(w.entries)
}

func (w *ElevationWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}

// Model is one externally supplied model definition. It is shared by many
// concurrent invocations: the rule collections are read-only after load and
// the running counters use atomic increments.
type Model struct {
	ID       int
	TenantID int
	Name     string

	EntryPath         string
	ReferenceDatePath string
	UseWallClock      bool

	CacheEnabled      bool
	TTLCounterEnabled bool

	MaxResponseElevation            float64
	EnableResponseElevationLimit    bool
	ResponseElevationFrequencyLimit int

	Fields           []FieldDescriptor
	GatewayRules     []*GatewayRule
	AbstractionRules []*AbstractionRule
	Calculations     []*Calculation
	ActivationRules  []*ActivationRule
	TTLCounters      []*TTLCounterDef
	Sanctions        []*SanctionDef
	SanctionEntries  []SanctionEntry
	InlineFunctions  []*InlineFunction
	InlineScripts    []*InlineScript
	Adaptations      []*Adaptation
	ExhaustiveModels []*ExhaustiveModel

	// Dictionary maps a payload field name to a value-keyed lookup table.
	Dictionary map[string]map[string]float64

	// SearchKeys holds the distinct grouping keys across all search-flagged
	// abstraction rules.
	SearchKeys map[string]*SearchKey

	// Suppression maps a suppression-enabled field name to the set of values
	// that suppress the whole model. RuleSuppression maps field name then
	// value to the activation rule names suppressed for that value.
	Suppression     map[string]map[string]struct{}
	RuleSuppression map[string]map[string][]string

	// Shared running counters, incremented concurrently by invocations.
	InvokeCounter                        atomic.Int64
	InvokeGatewayCounter                 atomic.Int64
	ActivationCounter                    atomic.Int64
	ResponseElevationCounter             atomic.Int64
	ResponseElevationSum                 AtomicFloat64
	ResponseElevationValueLimitCounter   atomic.Int64
	ResponseElevationGatewayLimitCounter atomic.Int64

	BillingWindow *ElevationWindow
}

// AtomicFloat64 is a float64 with atomic add, stored as bits.
type AtomicFloat64 struct {
	bits atomic.Uint64
}

// Add atomically adds delta to the value.
func (f *AtomicFloat64) Add(delta float64) {
	for {
		old := f.bits.Load()
		cur := math.Float64frombits(old)
		if f.bits.CompareAndSwap(old, math.Float64bits(cur+delta)) {
			return
		}
	}
}

// Load returns the current value.
func (f *AtomicFloat64) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}
