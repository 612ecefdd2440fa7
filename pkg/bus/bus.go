// Package bus implements the in-process publish/subscribe dispatch
// engine: reflective handler discovery, a concurrent subscription
// table with single-writer/lock-free-read discipline, type-hierarchy
// and variadic matching, weak listener lists, and a bounded async
// dispatch queue drained by a fixed worker pool.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/odvcencio/signalbus/internal/buserr"
	"github.com/odvcencio/signalbus/internal/handler"
	"github.com/odvcencio/signalbus/internal/obslog"
	"github.com/odvcencio/signalbus/internal/queue"
	"github.com/odvcencio/signalbus/internal/typeset"
)

// Config configures a Bus (spec.md §6).
type Config struct {
	// PublishMode selects exact, exact+supertype, or
	// exact+supertype+vararg resolution.
	PublishMode PublishMode

	// WorkerThreads is the fixed async worker pool size. Rounded up to
	// a power of two, minimum 2.
	WorkerThreads int

	// QueueCapacity is the async dispatch queue's bound. Rounded up to
	// a power of two.
	QueueCapacity int

	// HandlerPrefix is the exported-method name prefix recognized as a
	// handler marker. Defaults to "On".
	HandlerPrefix string

	// Name identifies this bus instance in log events (teacher
	// pattern: pkg/bus.Config.Name).
	Name string
}

// DefaultConfig returns a Config with sensible defaults, following the
// teacher's Config/DefaultConfig() convention (pkg/bus/bus.go).
func DefaultConfig() Config {
	return Config{
		PublishMode:   ModeExactWithSuperTypesAndVarArgs,
		WorkerThreads: 4,
		QueueCapacity: 256,
		HandlerPrefix: "On",
		Name:          "signalbus",
	}
}

// HandlerOptions is re-exported for callers implementing
// HandlerOptionsProvider without importing the internal handler
// package directly.
type HandlerOptions = handler.Options

// HandlerOptionsProvider lets a listener override per-method handler
// options (spec.md §6). See internal/handler.OptionsProvider.
type HandlerOptionsProvider = handler.OptionsProvider

// Bus is the publish/subscribe façade described in spec.md §6.
type Bus struct {
	id     uuid.UUID
	config Config
	logger *obslog.Logger
	tracer trace.Tracer

	reader *handler.MetadataReader
	types  *typeset.Registry
	cache  *typeset.Cache
	table  *table
	sinks  *sinkRegistry

	queue *queue.Queue
	pool  *dispatcherPool

	metrics *metrics

	// gaugeLimiter throttles how often HasPendingMessages refreshes the
	// queueDepth gauge, so a caller polling it in a tight loop doesn't
	// turn an advisory length check into a hot path on the metric.
	gaugeLimiter *rate.Limiter

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	poolWG  sync.WaitGroup
}

// New creates a Bus with the given config, normalizing WorkerThreads
// and QueueCapacity to powers of two.
func New(cfg Config) *Bus {
	if cfg.HandlerPrefix == "" {
		cfg.HandlerPrefix = "On"
	}
	if cfg.WorkerThreads < 2 {
		cfg.WorkerThreads = 2
	}
	cfg.WorkerThreads = roundUpPow2(cfg.WorkerThreads)
	if cfg.QueueCapacity < 2 {
		cfg.QueueCapacity = 2
	}

	b := &Bus{
		id:      uuid.New(),
		config:  cfg,
		logger:  obslog.New(nil, cfg.Name),
		tracer:  otel.Tracer("github.com/odvcencio/signalbus"),
		types:   typeset.NewRegistry(),
		sinks:   newSinkRegistry(),
		queue:        queue.New(cfg.QueueCapacity),
		metrics:      newMetrics(),
		gaugeLimiter: rate.NewLimiter(rate.Limit(20), 1),
	}
	b.cache = typeset.NewCache(b.types)
	b.reader = handler.NewMetadataReader(cfg.HandlerPrefix, configErrorAdapter{b})
	b.table = newTable(b.reader, b.cache)
	b.pool = newDispatcherPool(b.queue, cfg.WorkerThreads, b)
	return b
}

// RegisterSuperType adds an interface type eligible for super-type
// matching. Handlers declared against this interface are delivered any
// concrete message type that implements it, when the handler's
// AcceptSubtypes option is set (the default).
//
// Example: bus.RegisterSuperType(reflect.TypeOf((*fmt.Stringer)(nil)).Elem())
func (b *Bus) RegisterSuperType(ifaceType reflect.Type) {
	b.types.Register(ifaceType)
}

// configErrorAdapter forwards handler-discovery configuration errors to
// the bus's error sink registry (spec.md §4.1, §7).
type configErrorAdapter struct{ b *Bus }

func (a configErrorAdapter) HandleConfigurationError(listenerType reflect.Type, err *buserr.Error) {
	a.b.sinks.HandlePublicationError(PublicationError{
		Message:         fmt.Sprintf("configuration error on %s", listenerType),
		Cause:           err,
		PublishedObject: nil,
	})
	a.b.logger.Warn(obslog.CategoryHandlerScan, "configuration_error", err.Error(), map[string]any{
		"listener_type": listenerType.String(),
	})
}

// Subscribe registers listener's handler methods with the bus
// (spec.md §4.3, §6). Idempotent for repeat subscription of the same
// instance.
func (b *Bus) Subscribe(listener any) error {
	if listener == nil {
		return buserr.New(buserr.ErrCodeConfiguration, "listener must not be nil")
	}
	b.table.subscribe(listener)
	return nil
}

// Unsubscribe removes listener from every subscription it belongs to.
// Tolerates unknown listeners.
func (b *Bus) Unsubscribe(listener any) error {
	if listener == nil {
		return nil
	}
	b.table.unsubscribe(listener)
	return nil
}

// AddErrorHandler registers an additional ErrorSink (spec.md §6).
func (b *Bus) AddErrorHandler(sink ErrorSink) {
	b.sinks.add(sink)
}

// Start installs the default stderr error sink if none was registered,
// and starts the async dispatch worker pool (spec.md §4.7, §6).
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	if b.sinks.empty() {
		b.sinks.add(&stderrSink{logger: b.logger})
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.poolWG.Add(1)
	go func() {
		defer b.poolWG.Done()
		_ = b.pool.run(runCtx)
	}()
	return nil
}

// Shutdown stops the worker pool. In-flight envelopes left in the queue
// are not guaranteed to be drained (spec.md §4.6, §9).
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.poolWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasPendingMessages reports, advisorily, whether the async queue is
// non-empty (spec.md §4.5, §6).
func (b *Bus) HasPendingMessages() bool {
	if b.gaugeLimiter.Allow() {
		b.metrics.queueDepth.Set(float64(b.queue.Len()))
	}
	return b.queue.HasPendingMessages()
}

// Publish delivers messages synchronously, returning after every
// matching handler has completed or errored (spec.md §6). Handler
// panics never escape Publish; they are captured and forwarded to the
// registered ErrorSinks.
func (b *Bus) Publish(messages ...any) error {
	if len(messages) == 0 {
		return buserr.New(buserr.ErrCodeConfiguration, "publish requires at least one message")
	}

	_, span := b.tracer.Start(context.Background(), "signalbus.publish")
	defer span.End()
	span.SetAttributes(attribute.Int("signalbus.arity", len(messages)))

	types := make([]reflect.Type, len(messages))
	args := make([]reflect.Value, len(messages))
	for i, m := range messages {
		types[i] = reflect.TypeOf(m)
		args[i] = reflect.ValueOf(m)
	}

	matched := b.resolve(types)
	span.SetAttributes(attribute.Int("signalbus.matched", len(matched)))
	b.metrics.observeMatch(len(matched))

	if len(matched) == 0 {
		return b.publishDeadMessage(messages)
	}

	reporter := b.errorReporter()
	for _, sub := range matched {
		sub.invoke(reporter, args, messages)
	}
	return nil
}

// errorReporter returns an ErrorSink that counts dispatch errors before
// fanning them out to the registered sinks.
func (b *Bus) errorReporter() ErrorSink {
	return ErrorSinkFunc(func(e PublicationError) {
		b.metrics.dispatchErrs.Inc()
		b.sinks.HandlePublicationError(e)
	})
}

// publishDeadMessage republishes messages wrapped as a DeadMessage,
// matching only handlers declared for DeadMessage (spec.md §4.4 rule
// 2). If that also matches nothing, the publication completes silently.
func (b *Bus) publishDeadMessage(original []any) error {
	dead := DeadMessage{Original: original}
	deadType := reflect.TypeOf(dead)
	matched := b.table.getExact([]reflect.Type{deadType})
	if len(matched) == 0 {
		return nil
	}
	args := []reflect.Value{reflect.ValueOf(dead)}
	reporter := b.errorReporter()
	for _, sub := range matched {
		sub.invoke(reporter, args, original)
	}
	return nil
}

// PublishAsync enqueues messages for delivery by the worker pool,
// blocking if the queue is saturated (spec.md §6, §9: async publish
// never drops). Every argument must be non-nil; this precondition
// propagates directly to the caller rather than through the error sink
// (spec.md §9's resolved Open Question about the async nil-argument
// check). An enqueue that fails because ctx ends first is reported to
// the error sinks as a queue error, and PublishAsync returns nil.
func (b *Bus) PublishAsync(ctx context.Context, messages ...any) error {
	if len(messages) == 0 {
		return buserr.New(buserr.ErrCodeQueue, "publishAsync requires at least one message")
	}
	for _, m := range messages {
		if m == nil {
			return buserr.New(buserr.ErrCodeQueue, "publishAsync requires every argument to be non-nil")
		}
	}

	env := queue.Envelope{ID: ulid.Make()}
	switch len(messages) {
	case 1:
		env.Kind = queue.Arity1
		env.I1 = messages[0]
	case 2:
		env.Kind = queue.Arity2
		env.I1, env.I2 = messages[0], messages[1]
	case 3:
		env.Kind = queue.Arity3
		env.I1, env.I2, env.I3 = messages[0], messages[1], messages[2]
	default:
		env.Kind = queue.ArityN
		env.Items = append([]any{}, messages...)
	}

	if err := b.queue.Transfer(ctx, env); err != nil {
		b.errorReporter().HandlePublicationError(PublicationError{
			Message:         "async enqueue failed",
			Cause:           buserr.Wrap(err, buserr.ErrCodeQueue, "publishAsync enqueue failed"),
			PublishedObject: messages,
		})
	}
	return nil
}

// publishEnvelope republishes a dequeued envelope synchronously; called
// from dispatcherPool workers.
func (b *Bus) publishEnvelope(env queue.Envelope) error {
	return b.Publish(env.Messages()...)
}

func roundUpPow2(n int) int {
	if n < 2 {
		return 2
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
