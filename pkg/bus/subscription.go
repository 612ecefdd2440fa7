package bus

import (
	"reflect"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/signalbus/internal/buserr"
	"github.com/odvcencio/signalbus/internal/handler"
	"github.com/odvcencio/signalbus/internal/weaklist"
)

// cancelDispatch is the distinguished panic value a handler raises to
// abort delivery to the remaining listeners of its own subscription
// only (spec.md §4.2, §7's CancelDispatch — not an error).
type cancelDispatch struct{}

// CancelDispatch aborts delivery of the current message to the
// remaining listeners of the calling handler's subscription. It must
// only be called from within a handler method invoked by the bus.
func CancelDispatch() {
	panic(cancelDispatch{})
}

// subscription is one {listener type, *handler.Descriptor} binding. It
// is created once per pair and retained for the bus's lifetime once any
// instance of its listener type has subscribed (spec.md §4.2).
type subscription struct {
	id       ulid.ULID
	desc     *handler.Descriptor
	listeners *weaklist.List

	syncMu *perListenerMutexes
}

func newSubscription(desc *handler.Descriptor) *subscription {
	return &subscription{
		id:        ulid.Make(),
		desc:      desc,
		listeners: weaklist.New(),
		syncMu:    newPerListenerMutexes(),
	}
}

func (s *subscription) addListener(listener any) {
	s.listeners.Add(listener)
}

func (s *subscription) removeListener(listener any) {
	s.listeners.Remove(listener)
	s.syncMu.forget(listener)
}

// invoke calls the handler on every live listener with the given
// message arguments. It returns true iff at least one live listener
// existed at traversal start (spec.md §4.2).
func (s *subscription) invoke(sink ErrorSink, args []reflect.Value, originalMessages []any) bool {
	sawLive := false
	cancelled := false

	s.listeners.Walk(func(listenerPtr reflect.Value) {
		sawLive = true
		if cancelled {
			return
		}
		cancelled = s.callOne(sink, listenerPtr, args, originalMessages)
	})

	return sawLive
}

// callOne invokes the handler on one listener and reports whether the
// handler raised CancelDispatch.
func (s *subscription) callOne(sink ErrorSink, listenerPtr reflect.Value, args []reflect.Value, originalMessages []any) (cancelled bool) {
	if s.desc.Synchronized {
		mu := s.syncMu.lockFor(listenerPtr.Interface())
		mu.Lock()
		defer mu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(cancelDispatch); ok {
				cancelled = true
				return
			}
			sink.HandlePublicationError(PublicationError{
				Message:         "handler panicked during dispatch",
				Cause:           recoveredToError(r),
				PublishedObject: originalMessages,
			})
		}
	}()

	// reflect.Value.Call already packs trailing arguments into the
	// variadic slice for a variadic method, mirroring normal call syntax.
	listenerPtr.Method(s.desc.Method.Index).Call(args)
	return false
}

func recoveredToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return buserr.New(buserr.ErrCodeInvocation, "handler panic").WithContext("value", r)
}
