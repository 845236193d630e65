package engine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/riskflow/riskflow/internal/model"
)

// Library holds the ahead-of-time compiled rule bodies, keyed by the names
// definition files reference. Predicates are registered at startup; a
// definition naming an unknown body fails to load.
type Library struct {
	predicates map[string]model.Predicate
	numerics   map[string]model.NumericExpr
	functions  map[string]func(fields map[string]any) (any, error)
	scripts    map[string]func(fields map[string]any) error
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{
		predicates: make(map[string]model.Predicate),
		numerics:   make(map[string]model.NumericExpr),
		functions:  make(map[string]func(fields map[string]any) (any, error)),
		scripts:    make(map[string]func(fields map[string]any) error),
	}
}

// RegisterPredicate binds a boolean rule body to a name.
func (l *Library) RegisterPredicate(name string, p model.Predicate) {
	l.predicates[name] = p
}

// RegisterNumeric binds a numeric expression body to a name.
func (l *Library) RegisterNumeric(name string, n model.NumericExpr) {
	l.numerics[name] = n
}

// RegisterFunction binds an inline function body to a name.
func (l *Library) RegisterFunction(name string, fn func(fields map[string]any) (any, error)) {
	l.functions[name] = fn
}

// RegisterScript binds an inline script body to a name.
func (l *Library) RegisterScript(name string, fn func(fields map[string]any) error) {
	l.scripts[name] = fn
}

func (l *Library) predicate(name string) (model.Predicate, error) {
	p, ok := l.predicates[name]
	if !ok {
		return nil, fmt.Errorf("unknown predicate %q", name)
	}
	return p, nil
}

// Registry serves the current model snapshot. Invocations read without
// locking; reloads build a whole new snapshot and swap it atomically.
type Registry struct {
	dir string
	lib *Library
	log *log.Logger

	snapshot atomic.Pointer[map[int]*model.Model]

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry creates a registry over a model-definition directory.
func NewRegistry(dir string, lib *Library, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{dir: dir, lib: lib, log: logger}
	empty := make(map[int]*model.Model)
	r.snapshot.Store(&empty)
	return r
}

// NewStaticRegistry wraps pre-built models, for tests and embedding.
func NewStaticRegistry(models ...*model.Model) *Registry {
	r := &Registry{log: log.Default()}
	snap := make(map[int]*model.Model, len(models))
	for _, m := range models {
		snap[m.ID] = m
	}
	r.snapshot.Store(&snap)
	return r
}

// Get returns the model for an id, or nil.
func (r *Registry) Get(id int) *model.Model {
	return (*r.snapshot.Load())[id]
}

// Models returns the current snapshot's models.
func (r *Registry) Models() []*model.Model {
	snap := *r.snapshot.Load()
	out := make([]*model.Model, 0, len(snap))
	for _, m := range snap {
		out = append(out, m)
	}
	return out
}

// Load reads every yaml definition in the directory, compiles it against the
// library and swaps the snapshot. A single bad file fails the whole load so
// a partial snapshot never goes live.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read model directory: %w", err)
	}

	snap := make(map[int]*model.Model)
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(r.dir, name)
		m, err := r.loadFile(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		if _, dup := snap[m.ID]; dup {
			return fmt.Errorf("load %s: duplicate model id %d", name, m.ID)
		}
		snap[m.ID] = m
	}

	r.snapshot.Store(&snap)
	r.log.Printf("model registry loaded %d models from %s", len(snap), r.dir)
	return nil
}

// Watch reloads the snapshot when the definition directory changes. Reload
// failures keep the previous snapshot live.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	r.done = make(chan struct{})

	go func() {
		// Debounce bursts of events from editors and atomic renames.
		var pending <-chan time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					pending = time.After(250 * time.Millisecond)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Printf("model watcher: %v", err)
			case <-pending:
				pending = nil
				if err := r.Load(); err != nil {
					r.log.Printf("model reload failed, keeping previous snapshot: %v", err)
				}
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() error {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Registry) loadFile(path string) (*model.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def modelDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return def.compile(r.lib)
}

// modelDefinition is the yaml shape of one model file. Rule bodies are
// referenced by library name.
type modelDefinition struct {
	ID       int    `yaml:"id"`
	TenantID int    `yaml:"tenantId"`
	Name     string `yaml:"name"`

	EntryPath         string `yaml:"entryPath"`
	ReferenceDatePath string `yaml:"referenceDatePath"`
	UseWallClock      bool   `yaml:"useWallClock"`

	CacheEnabled      bool `yaml:"cacheEnabled"`
	TTLCounterEnabled bool `yaml:"ttlCounterEnabled"`

	MaxResponseElevation            float64 `yaml:"maxResponseElevation"`
	EnableResponseElevationLimit    bool    `yaml:"enableResponseElevationLimit"`
	ResponseElevationFrequencyLimit int     `yaml:"responseElevationFrequencyLimit"`
	BillingWindow                   string  `yaml:"billingWindow"`

	Fields []model.FieldDescriptor `yaml:"fields"`

	GatewayRules []struct {
		ID                   int     `yaml:"id"`
		Name                 string  `yaml:"name"`
		Predicate            string  `yaml:"predicate"`
		Sample               float64 `yaml:"sample"`
		MaxResponseElevation float64 `yaml:"maxResponseElevation"`
	} `yaml:"gatewayRules"`

	AbstractionRules []struct {
		ID              int    `yaml:"id"`
		Name            string `yaml:"name"`
		Predicate       string `yaml:"predicate"`
		Search          bool   `yaml:"search"`
		SearchKey       string `yaml:"searchKey"`
		SearchFunction  string `yaml:"searchFunction"`
		SearchValueName string `yaml:"searchValueName"`
		SearchInterval  string `yaml:"searchInterval"`
		SearchValue     int    `yaml:"searchValue"`
		ResponsePayload bool   `yaml:"responsePayload"`
		ReportTable     bool   `yaml:"reportTable"`
	} `yaml:"abstractionRules"`

	Calculations []struct {
		ID              int    `yaml:"id"`
		Name            string `yaml:"name"`
		LeftName        string `yaml:"leftName"`
		RightName       string `yaml:"rightName"`
		Operator        string `yaml:"operator"`
		Expr            string `yaml:"expr"`
		ResponsePayload bool   `yaml:"responsePayload"`
		ReportTable     bool   `yaml:"reportTable"`
	} `yaml:"calculations"`

	ActivationRules []struct {
		ID               int     `yaml:"id"`
		Name             string  `yaml:"name"`
		Visible          bool    `yaml:"visible"`
		Predicate        string  `yaml:"predicate"`
		ActivationSample float64 `yaml:"activationSample"`

		EnableResponseElevation    bool    `yaml:"enableResponseElevation"`
		ResponseElevation          float64 `yaml:"responseElevation"`
		ResponseElevationContent   string  `yaml:"responseElevationContent"`
		ResponseElevationRedirect  string  `yaml:"responseElevationRedirect"`
		ResponseElevationForeColor string  `yaml:"responseElevationForeColor"`
		ResponseElevationBackColor string  `yaml:"responseElevationBackColor"`

		EnableNotification      bool   `yaml:"enableNotification"`
		NotificationTypeID      int    `yaml:"notificationTypeId"`
		NotificationDestination string `yaml:"notificationDestination"`
		NotificationSubject     string `yaml:"notificationSubject"`
		NotificationBody        string `yaml:"notificationBody"`

		EnableCaseWorkflow   bool `yaml:"enableCaseWorkflow"`
		CaseWorkflowID       int  `yaml:"caseWorkflowId"`
		CaseWorkflowStatusID int  `yaml:"caseWorkflowStatusId"`

		EnableTTLCounter   bool   `yaml:"enableTtlCounter"`
		TTLCounterID       int    `yaml:"ttlCounterId"`
		TTLCounterDataName string `yaml:"ttlCounterDataName"`

		EnableReprocessing bool `yaml:"enableReprocessing"`
		ResponsePayload    bool `yaml:"responsePayload"`
		ReportTable        bool `yaml:"reportTable"`
		SendToWatcher      bool `yaml:"sendToWatcher"`
	} `yaml:"activationRules"`

	TTLCounters []struct {
		ID                int    `yaml:"id"`
		Name              string `yaml:"name"`
		DataName          string `yaml:"dataName"`
		Interval          string `yaml:"interval"`
		IntervalValue     int    `yaml:"intervalValue"`
		OnlineAggregation bool   `yaml:"onlineAggregation"`
		LiveForever       bool   `yaml:"liveForever"`
		ResponsePayload   bool   `yaml:"responsePayload"`
		ReportTable       bool   `yaml:"reportTable"`
	} `yaml:"ttlCounters"`

	Sanctions []struct {
		ID              int    `yaml:"id"`
		Name            string `yaml:"name"`
		DataName        string `yaml:"dataName"`
		Distance        int    `yaml:"distance"`
		CacheInterval   string `yaml:"cacheInterval"`
		CacheValue      int    `yaml:"cacheValue"`
		ResponsePayload bool   `yaml:"responsePayload"`
		ReportTable     bool   `yaml:"reportTable"`
	} `yaml:"sanctions"`

	SanctionEntries []struct {
		ID   int    `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"sanctionEntries"`

	InlineFunctions []struct {
		ID              int    `yaml:"id"`
		Name            string `yaml:"name"`
		ReturnName      string `yaml:"returnName"`
		Function        string `yaml:"function"`
		ResponsePayload bool   `yaml:"responsePayload"`
		ReportTable     bool   `yaml:"reportTable"`
	} `yaml:"inlineFunctions"`

	InlineScripts []struct {
		ID     int    `yaml:"id"`
		Name   string `yaml:"name"`
		Script string `yaml:"script"`
	} `yaml:"inlineScripts"`

	Adaptations []struct {
		ID              int    `yaml:"id"`
		Name            string `yaml:"name"`
		Endpoint        string `yaml:"endpoint"`
		TimeoutMillis   int    `yaml:"timeoutMillis"`
		ResponsePayload bool   `yaml:"responsePayload"`
		ReportTable     bool   `yaml:"reportTable"`
	} `yaml:"adaptations"`

	ExhaustiveModels []struct {
		ID              int             `yaml:"id"`
		Name            string          `yaml:"name"`
		Features        []model.Feature `yaml:"features"`
		Weights         [][][]float64   `yaml:"weights"`
		Biases          [][]float64     `yaml:"biases"`
		ResponsePayload bool            `yaml:"responsePayload"`
		ReportTable     bool            `yaml:"reportTable"`
	} `yaml:"exhaustiveModels"`

	SearchKeys []struct {
		Name          string `yaml:"name"`
		CacheResident bool   `yaml:"cacheResident"`
		FetchLimit    int    `yaml:"fetchLimit"`
	} `yaml:"searchKeys"`

	Dictionary      map[string]map[string]float64  `yaml:"dictionary"`
	Suppression     map[string][]string            `yaml:"suppression"`
	RuleSuppression map[string]map[string][]string `yaml:"ruleSuppression"`
}

func (d *modelDefinition) compile(lib *Library) (*model.Model, error) {
	if d.ID == 0 {
		return nil, fmt.Errorf("model id missing")
	}
	if d.EntryPath == "" {
		return nil, fmt.Errorf("entryPath missing")
	}

	m := &model.Model{
		ID:                d.ID,
		TenantID:          d.TenantID,
		Name:              d.Name,
		EntryPath:         d.EntryPath,
		ReferenceDatePath: d.ReferenceDatePath,
		UseWallClock:      d.UseWallClock,
		CacheEnabled:      d.CacheEnabled,
		TTLCounterEnabled: d.TTLCounterEnabled,

		MaxResponseElevation:            d.MaxResponseElevation,
		EnableResponseElevationLimit:    d.EnableResponseElevationLimit,
		ResponseElevationFrequencyLimit: d.ResponseElevationFrequencyLimit,

		Fields:          d.Fields,
		Dictionary:      d.Dictionary,
		SearchKeys:      make(map[string]*model.SearchKey),
		Suppression:     make(map[string]map[string]struct{}),
		RuleSuppression: d.RuleSuppression,
	}

	if d.EnableResponseElevationLimit {
		window := 24 * time.Hour
		if d.BillingWindow != "" {
			parsed, err := time.ParseDuration(d.BillingWindow)
			if err != nil {
				return nil, fmt.Errorf("billingWindow: %w", err)
			}
			window = parsed
		}
		m.BillingWindow = model.NewElevationWindow(window)
	}

	for field, values := range d.Suppression {
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[v] = struct{}{}
		}
		m.Suppression[field] = set
	}

	for _, g := range d.GatewayRules {
		p, err := lib.predicate(g.Predicate)
		if err != nil {
			return nil, fmt.Errorf("gateway rule %q: %w", g.Name, err)
		}
		m.GatewayRules = append(m.GatewayRules, &model.GatewayRule{
			ID:                   g.ID,
			Name:                 g.Name,
			Predicate:            p,
			Sample:               g.Sample,
			MaxResponseElevation: g.MaxResponseElevation,
		})
	}

	for _, a := range d.AbstractionRules {
		p, err := lib.predicate(a.Predicate)
		if err != nil {
			return nil, fmt.Errorf("abstraction rule %q: %w", a.Name, err)
		}
		fn, err := parseSearchFunction(a.SearchFunction)
		if err != nil {
			return nil, fmt.Errorf("abstraction rule %q: %w", a.Name, err)
		}
		m.AbstractionRules = append(m.AbstractionRules, &model.AbstractionRule{
			ID:              a.ID,
			Name:            a.Name,
			Predicate:       p,
			Search:          a.Search,
			SearchKey:       a.SearchKey,
			SearchFunction:  fn,
			SearchValueName: a.SearchValueName,
			SearchInterval:  intervalByte(a.SearchInterval, 'd'),
			SearchValue:     a.SearchValue,
			ResponsePayload: a.ResponsePayload,
			ReportTable:     a.ReportTable,
		})
	}

	for _, c := range d.Calculations {
		op, err := parseOperator(c.Operator)
		if err != nil {
			return nil, fmt.Errorf("calculation %q: %w", c.Name, err)
		}
		calc := &model.Calculation{
			ID:              c.ID,
			Name:            c.Name,
			LeftName:        c.LeftName,
			RightName:       c.RightName,
			Operator:        op,
			ResponsePayload: c.ResponsePayload,
			ReportTable:     c.ReportTable,
		}
		if c.Expr != "" {
			expr, ok := lib.numerics[c.Expr]
			if !ok {
				return nil, fmt.Errorf("calculation %q: unknown expression %q", c.Name, c.Expr)
			}
			calc.Expr = expr
		}
		m.Calculations = append(m.Calculations, calc)
	}

	for _, a := range d.ActivationRules {
		p, err := lib.predicate(a.Predicate)
		if err != nil {
			return nil, fmt.Errorf("activation rule %q: %w", a.Name, err)
		}
		// A zero model ceiling silently clamps every elevation to zero.
		if a.EnableResponseElevation && m.MaxResponseElevation <= 0 {
			return nil, fmt.Errorf("activation rule %q: enableResponseElevation requires a positive maxResponseElevation", a.Name)
		}
		m.ActivationRules = append(m.ActivationRules, &model.ActivationRule{
			ID:               a.ID,
			Name:             a.Name,
			Visible:          a.Visible,
			Predicate:        p,
			ActivationSample: a.ActivationSample,

			EnableResponseElevation:    a.EnableResponseElevation,
			ResponseElevation:          a.ResponseElevation,
			ResponseElevationContent:   a.ResponseElevationContent,
			ResponseElevationRedirect:  a.ResponseElevationRedirect,
			ResponseElevationForeColor: a.ResponseElevationForeColor,
			ResponseElevationBackColor: a.ResponseElevationBackColor,

			EnableNotification:      a.EnableNotification,
			NotificationTypeID:      a.NotificationTypeID,
			NotificationDestination: a.NotificationDestination,
			NotificationSubject:     a.NotificationSubject,
			NotificationBody:        a.NotificationBody,

			EnableCaseWorkflow:   a.EnableCaseWorkflow,
			CaseWorkflowID:       a.CaseWorkflowID,
			CaseWorkflowStatusID: a.CaseWorkflowStatusID,

			EnableTTLCounter:   a.EnableTTLCounter,
			TTLCounterID:       a.TTLCounterID,
			TTLCounterDataName: a.TTLCounterDataName,

			EnableReprocessing: a.EnableReprocessing,
			ResponsePayload:    a.ResponsePayload,
			ReportTable:        a.ReportTable,
			SendToWatcher:      a.SendToWatcher,
		})
	}

	for _, t := range d.TTLCounters {
		m.TTLCounters = append(m.TTLCounters, &model.TTLCounterDef{
			ID:                t.ID,
			Name:              t.Name,
			DataName:          t.DataName,
			Interval:          intervalByte(t.Interval, 'd'),
			IntervalValue:     t.IntervalValue,
			OnlineAggregation: t.OnlineAggregation,
			LiveForever:       t.LiveForever,
			ResponsePayload:   t.ResponsePayload,
			ReportTable:       t.ReportTable,
		})
	}

	for _, s := range d.Sanctions {
		m.Sanctions = append(m.Sanctions, &model.SanctionDef{
			ID:              s.ID,
			Name:            s.Name,
			DataName:        s.DataName,
			Distance:        s.Distance,
			CacheInterval:   intervalByte(s.CacheInterval, 'd'),
			CacheValue:      s.CacheValue,
			ResponsePayload: s.ResponsePayload,
			ReportTable:     s.ReportTable,
		})
	}

	for _, se := range d.SanctionEntries {
		m.SanctionEntries = append(m.SanctionEntries, model.SanctionEntry{
			ID:    se.ID,
			Name:  se.Name,
			Parts: strings.Fields(se.Name),
		})
	}

	for _, f := range d.InlineFunctions {
		fn, ok := lib.functions[f.Function]
		if !ok {
			return nil, fmt.Errorf("inline function %q: unknown body %q", f.Name, f.Function)
		}
		m.InlineFunctions = append(m.InlineFunctions, &model.InlineFunction{
			ID:              f.ID,
			Name:            f.Name,
			ReturnName:      f.ReturnName,
			Fn:              fn,
			ResponsePayload: f.ResponsePayload,
			ReportTable:     f.ReportTable,
		})
	}

	for _, s := range d.InlineScripts {
		fn, ok := lib.scripts[s.Script]
		if !ok {
			return nil, fmt.Errorf("inline script %q: unknown body %q", s.Name, s.Script)
		}
		m.InlineScripts = append(m.InlineScripts, &model.InlineScript{ID: s.ID, Name: s.Name, Fn: fn})
	}

	for _, a := range d.Adaptations {
		m.Adaptations = append(m.Adaptations, &model.Adaptation{
			ID:              a.ID,
			Name:            a.Name,
			Endpoint:        a.Endpoint,
			Timeout:         time.Duration(a.TimeoutMillis) * time.Millisecond,
			ResponsePayload: a.ResponsePayload,
			ReportTable:     a.ReportTable,
		})
	}

	for _, x := range d.ExhaustiveModels {
		m.ExhaustiveModels = append(m.ExhaustiveModels, &model.ExhaustiveModel{
			ID:              x.ID,
			Name:            x.Name,
			Features:        x.Features,
			Weights:         x.Weights,
			Biases:          x.Biases,
			ResponsePayload: x.ResponsePayload,
			ReportTable:     x.ReportTable,
		})
	}

	for _, sk := range d.SearchKeys {
		m.SearchKeys[sk.Name] = &model.SearchKey{
			Name:          sk.Name,
			CacheResident: sk.CacheResident,
			FetchLimit:    sk.FetchLimit,
		}
	}
	// Search-flagged abstraction rules imply their grouping keys.
	for _, a := range m.AbstractionRules {
		if a.Search && a.SearchKey != "" {
			if _, ok := m.SearchKeys[a.SearchKey]; !ok {
				m.SearchKeys[a.SearchKey] = &model.SearchKey{Name: a.SearchKey}
			}
		}
	}

	return m, nil
}

func parseSearchFunction(s string) (model.SearchFunction, error) {
	switch strings.ToLower(s) {
	case "", "count":
		return model.SearchFunctionCount, nil
	case "sum":
		return model.SearchFunctionSum, nil
	case "distinctcount", "distinct_count":
		return model.SearchFunctionDistinctCount, nil
	default:
		return 0, fmt.Errorf("unknown search function %q", s)
	}
}

func parseOperator(s string) (model.CalculationOperator, error) {
	switch strings.ToLower(s) {
	case "", "add", "+":
		return model.CalculationAdd, nil
	case "subtract", "-":
		return model.CalculationSubtract, nil
	case "multiply", "*":
		return model.CalculationMultiply, nil
	case "divide", "/":
		return model.CalculationDivide, nil
	default:
		return 0, fmt.Errorf("unknown operator %q", s)
	}
}

func intervalByte(s string, fallback byte) byte {
	if s == "" {
		return fallback
	}
	return s[0]
}
