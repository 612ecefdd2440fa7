package bus

import (
	"sync"
	"sync/atomic"

	"github.com/odvcencio/signalbus/internal/obslog"
)

// PublicationError is delivered to an ErrorSink when a handler panics
// during dispatch, when an async enqueue fails, or when a worker's
// publish of a dequeued envelope fails (spec.md §4.7, §7). It is not a
// Go error itself; handlers never see it directly.
type PublicationError struct {
	Message         string
	Cause           error
	PublishedObject []any
}

// ErrorSink collects publication errors surfaced from handlers or from
// the async dispatch queue (spec.md §4.7).
type ErrorSink interface {
	HandlePublicationError(PublicationError)
}

// ErrorSinkFunc adapts a function to ErrorSink.
type ErrorSinkFunc func(PublicationError)

// HandlePublicationError implements ErrorSink.
func (f ErrorSinkFunc) HandlePublicationError(e PublicationError) { f(e) }

// stderrSink is the default sink installed at Start() if the caller
// never registered one (spec.md §4.7): it logs publication errors to
// stderr via the bus's structured logger.
type stderrSink struct {
	logger *obslog.Logger
}

func (s *stderrSink) HandlePublicationError(e PublicationError) {
	s.logger.Error(obslog.CategoryDispatch, "publication_error", e.Message, map[string]any{
		"cause": errString(e.Cause),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sinkRegistry holds the dynamically registered set of error sinks,
// copy-on-write so publish never blocks on a lock to fan an error out
// (spec.md §4.7: "Registration is dynamic and thread-safe").
type sinkRegistry struct {
	mu    sync.Mutex
	sinks atomic.Pointer[[]ErrorSink]
}

func newSinkRegistry() *sinkRegistry {
	r := &sinkRegistry{}
	empty := []ErrorSink{}
	r.sinks.Store(&empty)
	return r
}

func (r *sinkRegistry) add(sink ErrorSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.sinks.Load()
	next := append(append([]ErrorSink{}, old...), sink)
	r.sinks.Store(&next)
}

func (r *sinkRegistry) HandlePublicationError(e PublicationError) {
	for _, sink := range *r.sinks.Load() {
		sink.HandlePublicationError(e)
	}
}

func (r *sinkRegistry) empty() bool {
	return len(*r.sinks.Load()) == 0
}
