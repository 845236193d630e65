// Package engine orchestrates the per-transaction invocation pipeline:
// extraction, gateway filtering, the concurrent read phase, activation, the
// write barrier and response serialization.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/riskflow/riskflow/internal/model"
	"github.com/riskflow/riskflow/pkg/activation"
	"github.com/riskflow/riskflow/pkg/adaptation"
	"github.com/riskflow/riskflow/pkg/aggregate"
	"github.com/riskflow/riskflow/pkg/cache"
	"github.com/riskflow/riskflow/pkg/counters"
	"github.com/riskflow/riskflow/pkg/errors"
	"github.com/riskflow/riskflow/pkg/exhaustive"
	"github.com/riskflow/riskflow/pkg/extract"
	"github.com/riskflow/riskflow/pkg/flow"
	"github.com/riskflow/riskflow/pkg/interfaces"
	"github.com/riskflow/riskflow/pkg/messaging"
	"github.com/riskflow/riskflow/pkg/rules"
	"github.com/riskflow/riskflow/pkg/sanctions"
	"github.com/riskflow/riskflow/pkg/telemetry"
)

// Archiver persists finished invocation records. Durable archive storage is
// a collaborator concern; the default discards.
type Archiver interface {
	Archive(ctx context.Context, a *model.Archive) error
}

// NoopArchiver discards archive records.
type NoopArchiver struct{}

func (NoopArchiver) Archive(context.Context, *model.Archive) error { return nil }

// Options are the engine's runtime knobs.
type Options struct {
	// MaxPending is the invocation queue depth; exceeding it is a hard
	// rejection, never a block.
	MaxPending int64

	// EnableOutbound publishes serialized responses to the outbound channel
	// for non-reprocessing runs.
	EnableOutbound bool

	// EnableNotifications gates activation-rule notification dispatch.
	EnableNotifications bool

	// EnableCallback persists each serialized response keyed by entry id.
	EnableCallback bool
	CallbackTTL    time.Duration

	// SampleSeed seeds the gateway/activation sampler; zero means
	// time-based.
	SampleSeed int64
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxPending:  1024,
		CallbackTTL: time.Hour,
	}
}

// Engine executes invocations against the registry's current model
// snapshot. All collaborators are injected once at construction.
type Engine struct {
	store     cache.Store
	eval      rules.Evaluator
	publisher messaging.Publisher
	archiver  Archiver
	registry  *Registry
	metrics   interfaces.MetricsExporter
	tracer    trace.Tracer
	log       *log.Logger

	gate    *flow.QueueGate
	sampler *flow.Sampler

	activation *activation.Engine
	counters   *counters.Engine
	sanctions  *sanctions.Matcher
	aggregator *aggregate.Aggregator
	exhaustive *exhaustive.Scorer
	adaptation *adaptation.Caller

	transform OutputTransform
	opts      Options
	now       func() time.Time
}

// New wires an engine. Nil optional collaborators fall back to noops.
func New(store cache.Store, registry *Registry, publisher messaging.Publisher,
	metrics interfaces.MetricsExporter, tracer trace.Tracer, logger *log.Logger, opts Options) *Engine {

	if logger == nil {
		logger = log.Default()
	}
	if publisher == nil {
		publisher = messaging.NewNoopPublisher()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("riskflow")
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultOptions().MaxPending
	}
	if opts.CallbackTTL <= 0 {
		opts.CallbackTTL = DefaultOptions().CallbackTTL
	}
	seed := opts.SampleSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	eval := rules.NewClosureEvaluator()
	sampler := flow.NewSampler(seed)
	ctrs := &counters.Engine{Store: store, Log: logger}

	e := &Engine{
		store:     store,
		eval:      eval,
		publisher: publisher,
		archiver:  NoopArchiver{},
		registry:  registry,
		metrics:   metrics,
		tracer:    tracer,
		log:       logger,
		gate:      flow.NewQueueGate(opts.MaxPending),
		sampler:   sampler,
		counters:  ctrs,
		sanctions: &sanctions.Matcher{Store: store, Log: logger},
		aggregator: &aggregate.Aggregator{
			Store: store,
			Eval:  eval,
			Log:   logger,
		},
		exhaustive: &exhaustive.Scorer{Log: logger},
		adaptation: adaptation.NewCaller(logger),
		opts:       opts,
		now:        time.Now,
	}
	e.activation = &activation.Engine{
		Eval:                eval,
		Counters:            ctrs,
		Publisher:           publisher,
		Log:                 logger,
		EnableNotifications: opts.EnableNotifications,
		Sample:              sampler.Float64,
	}
	return e
}

// SetArchiver installs a durable archive collaborator.
func (e *Engine) SetArchiver(a Archiver) {
	if a != nil {
		e.archiver = a
	}
}

// SetOutputTransform installs a response transform applied before
// serialization.
func (e *Engine) SetOutputTransform(t OutputTransform) { e.transform = t }

// Invoke runs one transaction through the pipeline. It returns an error only
// for pre-invocation rejections (queue full, unknown model); pipeline
// failures are reflected in the response's in-error flag instead.
func (e *Engine) Invoke(ctx context.Context, modelID int, doc map[string]any, reprocess bool) (*Response, []byte, error) {
	ok, depth := e.gate.TryAcquire()
	if !ok {
		e.count(interfaces.MetricInvokeRejected, nil)
		return nil, nil, errors.QueueFull(depth, e.gate.Limit())
	}
	defer e.gate.Release()

	mod := e.registry.Get(modelID)
	if mod == nil {
		return nil, nil, errors.ModelNotFound(modelID)
	}

	start := e.now()
	ctx, span := telemetry.StartStage(ctx, e.tracer, "invoke", mod.ID)
	defer span.End()

	mod.InvokeCounter.Add(1)
	e.count(interfaces.MetricInvokeTotal, map[string]string{interfaces.TagModel: mod.Name})

	entry := model.NewInstanceEntry(mod.TenantID, mod.ID)
	entry.Reprocess = reprocess
	rb := newResponseBuilder()
	writes := flow.NewPendingWrites(e.log)

	resp, body := e.run(ctx, mod, entry, doc, rb, writes, start)

	if e.metrics != nil {
		e.metrics.Timer(interfaces.MetricInvokeDuration, e.now().Sub(start), map[string]string{interfaces.TagModel: mod.Name})
		e.metrics.Gauge(interfaces.MetricInvokeQueueDepth, float64(e.gate.Depth()), nil)
	}
	return resp, body, nil
}

// run drives the staged sequence. Stage failures never propagate; the two
// resolution failures in the first stage abort with in-error set and the
// response is still serialized.
func (e *Engine) run(ctx context.Context, mod *model.Model, entry *model.InstanceEntry,
	doc map[string]any, rb *responseBuilder, writes *flow.PendingWrites, start time.Time) (*Response, []byte) {

	var rows []model.ArchiveKey

	// Stage 1: extraction plus entry id / reference date resolution.
	result := extract.Extract(doc, mod.Fields, entry.EntryID, e.log)
	entry.Fields = result.Fields
	if result.HasGeo {
		entry.Latitude, entry.Longitude = result.Latitude, result.Longitude
	}
	rb.payload = result.Response
	if !entry.Reprocess {
		rows = append(rows, result.ReportRows...)
	}

	entryValue, ok := extract.ResolveString(doc, mod.EntryPath)
	if !ok {
		return e.abort(ctx, mod, entry, rb, writes, errors.EntryUnresolvable(mod.EntryPath), start)
	}
	entry.EntryValue = entryValue

	ref, refErr := e.resolveReferenceDate(mod, doc)
	if refErr != nil {
		return e.abort(ctx, mod, entry, rb, writes, refErr, start)
	}
	entry.ReferenceDate = ref
	entry.MarkStage("extract", start)

	// Stage 2: best-effort durable reference-date update.
	writes.Go("reference-date", func() error {
		return e.store.UpsertReferenceDate(context.WithoutCancel(ctx), mod.TenantID, mod.ID, ref)
	})

	// Stage 3: synchronous field-map transforms.
	rules.ExecuteInlineFunctions(mod, entry, rb.payload, &rows, e.log)
	rules.ExecuteInlineScripts(mod, entry, e.log)
	entry.MarkStage("inline", start)

	// Stage 4: gateway pre-filter.
	sample := e.sampler.Float64()
	gateway, matched := runGateway(e.eval, mod, entry, sample, e.log)
	entry.MarkStage("gateway", start)

	if matched {
		e.count(interfaces.MetricGatewayMatched, map[string]string{interfaces.TagModel: mod.Name})
		e.readPhase(ctx, mod, entry, rb, writes, &rows)
		entry.MarkStage("read", start)

		// Stage 7: activations.
		archive := e.activation.Run(ctx, &activation.Input{
			Model:          mod,
			Entry:          entry,
			GatewayCeiling: gateway.MaxResponseElevation,
			Response:       rb.activation,
			ReportRows:     &rows,
			Writes:         writes,
		})
		archive.ReportRows = rows
		entry.MarkStage("activation", start)

		if entry.Reprocess {
			if err := e.archiver.Archive(ctx, archive); err != nil {
				e.log.Printf("archive entry %s: %v", entry.EntryID, err)
			}
		} else {
			writes.Go("archive", func() error {
				return e.archiver.Archive(context.WithoutCancel(ctx), archive)
			})
		}
	} else {
		e.count(interfaces.MetricGatewayUnmatched, map[string]string{interfaces.TagModel: mod.Name})
	}

	// Stage 8: write barrier.
	writes.Join()
	entry.MarkStage("write", start)
	e.count(interfaces.MetricWritesFailed, nil, writes.Failed())

	// Stage 9: serialization, outbound publish, callback persistence.
	return e.finish(ctx, mod, entry, rb, matched, start)
}

// readPhase fans out the asynchronous reads and runs the CPU stages. The
// barrier at the end is mandatory: activation rules may reference sanction,
// counter and abstraction values.
func (e *Engine) readPhase(ctx context.Context, mod *model.Model, entry *model.InstanceEntry,
	rb *responseBuilder, writes *flow.PendingWrites, rows *[]model.ArchiveKey) {

	var mu sync.Mutex
	var aggRows, counterRows []model.ArchiveKey

	// This invocation's own payload joins the cache asynchronously.
	if mod.CacheEnabled {
		searchKeys := make(map[string]string, len(mod.SearchKeys))
		for name := range mod.SearchKeys {
			if raw, ok := entry.Fields[name]; ok && raw != nil {
				searchKeys[name] = extract.AsString(raw)
			}
		}
		fields := entry.Fields
		writes.Go("payload-insert", func() error {
			wctx := context.WithoutCancel(ctx)
			if err := e.store.InsertPayload(wctx, mod.TenantID, mod.ID, entry.EntryID.String(), fields, searchKeys, entry.ReferenceDate); err != nil {
				return err
			}
			return e.store.UpsertPayloadLatest(wctx, mod.TenantID, mod.ID, entry.EntryValue, fields)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.sanctions.Execute(gctx, mod, entry, rb.sanction, writes)
		return nil
	})
	g.Go(func() error {
		e.counters.Execute(gctx, mod, entry, rb.ttlCounter, &counterRows)
		return nil
	})
	g.Go(func() error {
		return e.aggregator.ExecuteSearch(gctx, mod, entry, rb.abstraction, &aggRows, &mu)
	})

	// Synchronous CPU work overlaps the reads.
	rules.ExecuteDictionary(mod, entry, rb.dictionary, e.log)
	e.aggregator.ExecuteNonSearch(mod, entry, rb.abstraction, &aggRows, &mu)
	e.adaptation.Execute(ctx, mod, entry, rb.adaptation, rows)

	if err := g.Wait(); err != nil {
		e.log.Printf("read phase: %v", err)
	}

	// Calculations and exhaustive scoring consume aggregated abstraction
	// values, so they run once the reads have joined.
	rules.ExecuteCalculations(mod, e.eval, entry, rb.calculation, rows, e.log)
	e.exhaustive.Execute(mod, entry, rb.exhaustive, rows)

	*rows = append(*rows, aggRows...)
	*rows = append(*rows, counterRows...)
}

// abort flags the invocation in-error and short-circuits to serialization.
// No cache or activation side effects have been launched at this point.
func (e *Engine) abort(ctx context.Context, mod *model.Model, entry *model.InstanceEntry,
	rb *responseBuilder, writes *flow.PendingWrites, cause error, start time.Time) (*Response, []byte) {

	entry.InError = true
	entry.ErrorMessage = cause.Error()
	e.log.Printf("invocation %s aborted: %v", entry.EntryID, cause)
	e.count(interfaces.MetricInvokeErrors, map[string]string{interfaces.TagModel: mod.Name})

	writes.Join()
	return e.finish(ctx, mod, entry, rb, false, start)
}

func (e *Engine) finish(ctx context.Context, mod *model.Model, entry *model.InstanceEntry,
	rb *responseBuilder, gatewayMatched bool, start time.Time) (*Response, []byte) {

	entry.MarkStage("serialize", start)
	resp := rb.build(entry, gatewayMatched)
	body, err := Serialize(resp, e.transform)
	if err != nil {
		e.log.Printf("serialize response %s: %v", entry.EntryID, err)
		return resp, nil
	}

	if e.opts.EnableOutbound && !entry.Reprocess {
		if err := e.publisher.PublishResponse(ctx, body); err != nil {
			e.log.Printf("publish response %s: %v", entry.EntryID, err)
		}
	}
	if e.opts.EnableCallback {
		expireAt := e.now().Add(e.opts.CallbackTTL)
		if err := e.store.InsertCallback(context.WithoutCancel(ctx), mod.TenantID, entry.EntryID.String(), body, expireAt); err != nil {
			e.log.Printf("persist callback %s: %v", entry.EntryID, err)
		}
	}
	return resp, body
}

// resolveReferenceDate applies the model's business-time policy: the
// configured path, wall clock when the model says so, wall-clock fallback on
// an unparsable value, and a fatal error only when the path is absent.
func (e *Engine) resolveReferenceDate(mod *model.Model, doc map[string]any) (time.Time, error) {
	if mod.UseWallClock || mod.ReferenceDatePath == "" {
		return e.now(), nil
	}
	ref, found, parsed := extract.ResolveTime(doc, mod.ReferenceDatePath)
	if !found {
		return time.Time{}, errors.ReferenceDateUnresolvable(mod.ReferenceDatePath)
	}
	if !parsed {
		e.log.Printf("reference date at %q unparsable, falling back to wall clock", mod.ReferenceDatePath)
		return e.now(), nil
	}
	return ref, nil
}

func (e *Engine) count(name string, tags map[string]string, value ...int64) {
	if e.metrics == nil {
		return
	}
	v := int64(1)
	if len(value) > 0 {
		v = value[0]
	}
	e.metrics.Counter(name, v, tags)
}
