// Package handler discovers handler methods on listener values via
// reflection and normalizes them into immutable descriptors. It is the
// Go analogue of a reflective annotation scanner: instead of reading a
// method annotation (Go has none), it recognizes exported methods by a
// configurable name prefix and lets a listener opt into per-method
// overrides through HandlerOptionsProvider.
package handler

import (
	"reflect"
	"strings"
	"sync"

	"github.com/odvcencio/signalbus/internal/buserr"
)

// Options configures how a single handler method is treated. Defaults()
// applies to every handler method unless a HandlerOptionsProvider
// returns an entry for that method name, in which case that entry
// replaces the defaults as a whole; fields are not merged.
type Options struct {
	Enabled        bool
	AcceptSubtypes bool
	Synchronous    bool
}

// Defaults returns the baseline options applied before any
// HandlerOptionsProvider override: enabled, accepts subtypes, not
// synchronized.
func Defaults() Options {
	return Options{Enabled: true, AcceptSubtypes: true, Synchronous: false}
}

// OptionsProvider lets a listener override the default Options for any
// of its handler methods, keyed by method name. This is the Go stand-in
// for annotation parameters such as `enabled`, `acceptSubtypes`, and
// `synchronous` in spec.md §6.
type OptionsProvider interface {
	SignalBusHandlerOptions() map[string]Options
}

// Descriptor is the normalized, immutable metadata for one handler
// method on one listener type.
type Descriptor struct {
	ListenerType    reflect.Type
	Method          reflect.Method
	ParamTypes      []reflect.Type
	AcceptsSubtypes bool
	Variadic        bool
	VariadicElem    reflect.Type
	Enabled         bool
	Synchronized    bool
}

// Arity is the number of message parameters the handler declares
// (excluding the receiver).
func (d *Descriptor) Arity() int { return len(d.ParamTypes) }

// MetadataReader scans a listener type's exported methods and produces
// its handler descriptors, caching results per reflect.Type so a
// listener type is only ever scanned once (spec.md §4.1, "Results
// cached by listenerClass").
type MetadataReader struct {
	prefix string
	cache  sync.Map // reflect.Type -> []*Descriptor
	sink   ConfigErrorSink
}

// ConfigErrorSink receives configuration errors discovered during
// discovery (e.g. a zero-arity handler method).
type ConfigErrorSink interface {
	HandleConfigurationError(listenerType reflect.Type, err *buserr.Error)
}

// NoopConfigErrorSink discards configuration errors. Useful in tests
// that don't care about the error-sink side channel.
type NoopConfigErrorSink struct{}

// HandleConfigurationError implements ConfigErrorSink.
func (NoopConfigErrorSink) HandleConfigurationError(reflect.Type, *buserr.Error) {}

// NewMetadataReader creates a reader using prefix (default "On" if
// empty) to recognize handler methods, reporting configuration errors
// to sink.
func NewMetadataReader(prefix string, sink ConfigErrorSink) *MetadataReader {
	if prefix == "" {
		prefix = "On"
	}
	if sink == nil {
		sink = NoopConfigErrorSink{}
	}
	return &MetadataReader{prefix: prefix, sink: sink}
}

// Describe returns the handler descriptors for listenerType, scanning
// on first use and serving the cached result afterward. An empty,
// non-nil slice means the type was scanned and found to have no
// enabled handlers (spec.md: "added to nonListeners").
func (r *MetadataReader) Describe(listenerType reflect.Type) []*Descriptor {
	if cached, ok := r.cache.Load(listenerType); ok {
		return cached.([]*Descriptor)
	}

	descriptors := r.scan(listenerType)
	actual, _ := r.cache.LoadOrStore(listenerType, descriptors)
	return actual.([]*Descriptor)
}

func (r *MetadataReader) scan(listenerType reflect.Type) []*Descriptor {
	var overrides map[string]Options
	if listenerType.Implements(optionsProviderType) {
		// The zero value is enough here: SignalBusHandlerOptions is
		// expected to return a static map, not depend on instance state.
		overrides = reflect.Zero(listenerType).Interface().(OptionsProvider).SignalBusHandlerOptions()
	}

	descriptors := make([]*Descriptor, 0, listenerType.NumMethod())
	for i := 0; i < listenerType.NumMethod(); i++ {
		method := listenerType.Method(i)
		if !strings.HasPrefix(method.Name, r.prefix) {
			continue
		}

		opts := Defaults()
		if overrides != nil {
			if o, ok := overrides[method.Name]; ok {
				opts = o
			}
		}

		desc, err := buildDescriptor(listenerType, method, opts)
		if err != nil {
			r.sink.HandleConfigurationError(listenerType, err)
			continue
		}
		if desc.Enabled {
			descriptors = append(descriptors, desc)
		}
	}

	return descriptors
}

var optionsProviderType = reflect.TypeOf((*OptionsProvider)(nil)).Elem()

func buildDescriptor(listenerType reflect.Type, method reflect.Method, opts Options) (*Descriptor, *buserr.Error) {
	mt := method.Func.Type()
	// mt.In(0) is the receiver; message parameters follow.
	arity := mt.NumIn() - 1
	if arity == 0 {
		return nil, buserr.New(buserr.ErrCodeConfiguration, "handler method declares zero message parameters").
			WithContext("listener_type", listenerType.String()).
			WithContext("method", method.Name)
	}

	params := make([]reflect.Type, arity)
	for i := 0; i < arity; i++ {
		params[i] = mt.In(i + 1)
	}

	desc := &Descriptor{
		ListenerType:    listenerType,
		Method:          method,
		ParamTypes:      params,
		AcceptsSubtypes: opts.AcceptSubtypes,
		Enabled:         opts.Enabled,
		Synchronized:    opts.Synchronous,
	}

	if mt.IsVariadic() {
		desc.Variadic = true
		desc.VariadicElem = params[arity-1].Elem()
	}

	return desc, nil
}
