package bus

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type greeting struct {
	Name string
}

type farewell struct {
	Name string
}

// greeter counts how many times OnGreeting fires.
type greeter struct {
	count atomic.Int32
	last  atomic.Value
}

func (g *greeter) OnGreeting(ev greeting) {
	g.count.Add(1)
	g.last.Store(ev.Name)
}

func newBusForTest(t *testing.T) *Bus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WorkerThreads = 2
	cfg.QueueCapacity = 8
	b := New(cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func TestBus_PublishExactMatch(t *testing.T) {
	b := newBusForTest(t)

	g := &greeter{}
	if err := b.Subscribe(g); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(greeting{Name: "Ada"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := g.count.Load(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if got := g.last.Load(); got != "Ada" {
		t.Fatalf("last = %v, want Ada", got)
	}
}

func TestBus_PublishNoMatchIsDeadMessage(t *testing.T) {
	b := newBusForTest(t)

	var deadCount atomic.Int32
	dl := &deadListener{onDead: func(dm DeadMessage) { deadCount.Add(1) }}
	if err := b.Subscribe(dl); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(farewell{Name: "Grace"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := deadCount.Load(); got != 1 {
		t.Fatalf("deadCount = %d, want 1", got)
	}
}

type deadListener struct {
	onDead func(DeadMessage)
}

func (d *deadListener) OnDeadMessage(dm DeadMessage) {
	d.onDead(dm)
}

type named interface {
	Name() string
}

type person struct{ name string }

func (p person) Name() string { return p.name }

type superListener struct {
	count atomic.Int32
}

func (s *superListener) OnNamed(n named) {
	s.count.Add(1)
}

func TestBus_SuperTypeMatch(t *testing.T) {
	b := newBusForTest(t)
	b.RegisterSuperType(reflect.TypeOf((*named)(nil)).Elem())

	sl := &superListener{}
	if err := b.Subscribe(sl); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(person{name: "Alan"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := sl.count.Load(); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

type variadicListener struct {
	sum atomic.Int64
}

func (v *variadicListener) OnInts(vals ...int) {
	var total int64
	for _, n := range vals {
		total += int64(n)
	}
	v.sum.Add(total)
}

func TestBus_VariadicMatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublishMode = ModeExactWithSuperTypesAndVarArgs
	b := New(cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown(context.Background())

	vl := &variadicListener{}
	if err := b.Subscribe(vl); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(1, 2, 3); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := vl.sum.Load(); got != 6 {
		t.Fatalf("sum = %d, want 6", got)
	}
}

func TestBus_VariadicHandlerDoesNotMatchUnderLowerModes(t *testing.T) {
	for _, mode := range []PublishMode{ModeExact, ModeExactWithSuperTypes} {
		cfg := DefaultConfig()
		cfg.PublishMode = mode
		b := New(cfg)
		if err := b.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}

		vl := &variadicListener{}
		if err := b.Subscribe(vl); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		var deadCount atomic.Int32
		b.AddErrorHandler(ErrorSinkFunc(func(e PublicationError) {}))
		dl := &deadListener{onDead: func(dm DeadMessage) { deadCount.Add(1) }}
		if err := b.Subscribe(dl); err != nil {
			t.Fatalf("Subscribe dead listener: %v", err)
		}

		if err := b.Publish(1, 2, 3); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		if got := vl.sum.Load(); got != 0 {
			t.Fatalf("mode %v: variadic handler fired (sum=%d), want untouched", mode, got)
		}
		if got := deadCount.Load(); got != 1 {
			t.Fatalf("mode %v: deadCount = %d, want 1 (no variadic match means dead message)", mode, got)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = b.Shutdown(ctx)
		cancel()
	}
}

func TestBus_RepeatedSubscribeOfSameInstanceDeliversOnce(t *testing.T) {
	b := newBusForTest(t)

	g := &greeter{}
	if err := b.Subscribe(g); err != nil {
		t.Fatalf("first Subscribe: %v", err)
	}
	if err := b.Subscribe(g); err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}

	if err := b.Publish(greeting{Name: "Idempotent"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := g.count.Load(); got != 1 {
		t.Fatalf("count = %d, want exactly 1 delivery despite two Subscribe calls", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newBusForTest(t)

	g := &greeter{}
	if err := b.Subscribe(g); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Unsubscribe(g); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	if err := b.Publish(greeting{Name: "Ada"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := g.count.Load(); got != 0 {
		t.Fatalf("count = %d, want 0 after unsubscribe", got)
	}
}

type panicker struct{}

func (p *panicker) OnGreeting(ev greeting) {
	panic(fmt.Sprintf("boom: %s", ev.Name))
}

func TestBus_HandlerPanicGoesToErrorSink(t *testing.T) {
	b := newBusForTest(t)

	var caught atomic.Int32
	b.AddErrorHandler(ErrorSinkFunc(func(e PublicationError) {
		caught.Add(1)
	}))

	if err := b.Subscribe(&panicker{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(greeting{Name: "Linus"}); err != nil {
		t.Fatalf("Publish returned error instead of forwarding to sink: %v", err)
	}

	if got := caught.Load(); got != 1 {
		t.Fatalf("caught = %d, want 1", got)
	}
}

type cancelingListener struct {
	calls atomic.Int32
}

func (c *cancelingListener) OnGreetingFirst(ev greeting) {
	c.calls.Add(1)
	CancelDispatch()
}

func TestBus_CancelDispatchStopsRemainingListenersOfSameSubscription(t *testing.T) {
	b := newBusForTest(t)

	// skipped shares first's subscription. Listeners are inserted at the
	// head, so subscribing it before first puts it after first in the
	// traversal, and first's CancelDispatch must keep it from being called.
	skipped := &cancelingListener{}
	first := &cancelingListener{}
	second := &greeter{}
	if err := b.Subscribe(skipped); err != nil {
		t.Fatalf("Subscribe skipped: %v", err)
	}
	if err := b.Subscribe(first); err != nil {
		t.Fatalf("Subscribe first: %v", err)
	}
	// second listens on a distinct subscription (different listener
	// type/handler), so CancelDispatch raised inside first's handler
	// must not suppress it.
	if err := b.Subscribe(second); err != nil {
		t.Fatalf("Subscribe second: %v", err)
	}

	if err := b.Publish(greeting{Name: "Barbara"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := first.calls.Load(); got != 1 {
		t.Fatalf("first.calls = %d, want 1", got)
	}
	if got := skipped.calls.Load(); got != 0 {
		t.Fatalf("skipped.calls = %d, want 0 (CancelDispatch must stop the rest of its own subscription)", got)
	}
	if got := second.count.Load(); got != 1 {
		t.Fatalf("second.count = %d, want 1 (CancelDispatch must not affect other subscriptions)", got)
	}
}

func TestBus_PublishAsyncDeliversViaWorkerPool(t *testing.T) {
	b := newBusForTest(t)

	g := &greeter{}
	if err := b.Subscribe(g); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.PublishAsync(context.Background(), greeting{Name: "Grace"}); err != nil {
		t.Fatalf("PublishAsync: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for g.count.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for async dispatch")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBus_PublishAsyncRejectsNilArgument(t *testing.T) {
	b := newBusForTest(t)

	err := b.PublishAsync(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil argument, got nil")
	}
}

type notAListener struct{}

func (n *notAListener) DoSomethingUnrelated() {}

func TestBus_NonListenerSubscribeIsHarmlessAndRepeatable(t *testing.T) {
	b := newBusForTest(t)

	nl := &notAListener{}
	if err := b.Subscribe(nl); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Subscribing again must hit the cached nonListeners fast path, not
	// rescan or error.
	if err := b.Subscribe(nl); err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}
}

func TestBus_ConcurrentAsyncPublishersAllDeliver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerThreads = 4
	cfg.QueueCapacity = 64
	b := New(cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var tally atomic.Int64
	tallier := &tallyListener{tally: &tally}
	if err := b.Subscribe(tallier); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const publishers = 8
	const perPublisher = 100
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < perPublisher; k++ {
				if err := b.PublishAsync(context.Background(), tick(k%perPublisher)); err != nil {
					t.Errorf("PublishAsync: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	deadline := time.After(5 * time.Second)
	want := int64(publishers * perPublisher)
	for tally.Load() < want {
		select {
		case <-deadline:
			t.Fatalf("timed out draining async publishes: tally=%d, want %d", tally.Load(), want)
		case <-time.After(10 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := tally.Load(); got != want {
		t.Fatalf("tally = %d, want exactly %d", got, want)
	}
}

type tick int

type tallyListener struct {
	tally *atomic.Int64
}

func (tl *tallyListener) OnTick(t tick) {
	tl.tally.Add(1)
}

func TestBus_ConcurrentSubscribePublish(t *testing.T) {
	b := newBusForTest(t)

	const listeners = 50
	const publishes = 50

	gs := make([]*greeter, listeners)
	var wg sync.WaitGroup
	for i := range gs {
		gs[i] = &greeter{}
		wg.Add(1)
		go func(g *greeter) {
			defer wg.Done()
			_ = b.Subscribe(g)
		}(gs[i])
	}
	wg.Wait()

	for i := 0; i < publishes; i++ {
		if err := b.Publish(greeting{Name: "concurrent"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for _, g := range gs {
		if got := g.count.Load(); got != publishes {
			t.Fatalf("listener count = %d, want %d", got, publishes)
		}
	}
}

// weaklyHeldListener is dropped (made unreachable) mid-test to exercise
// the weak-reference listener list's lazy orphan reclamation.
type weaklyHeldListener struct {
	count *atomic.Int32
}

func (w *weaklyHeldListener) OnGreeting(ev greeting) {
	w.count.Add(1)
}

func TestBus_GCedListenerStopsReceivingMessages(t *testing.T) {
	b := newBusForTest(t)

	counter := &atomic.Int32{}
	listener := &weaklyHeldListener{count: counter}
	if err := b.Subscribe(listener); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Publish(greeting{Name: "before-gc"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := counter.Load(); got != 1 {
		t.Fatalf("count before GC = %d, want 1", got)
	}

	listener = nil
	runtime.GC()
	runtime.GC()
	// Give the cleanup goroutine a moment to run; runtime.AddCleanup
	// callbacks are not guaranteed synchronous with runtime.GC().
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(greeting{Name: "after-gc"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := counter.Load(); got != 1 {
		t.Fatalf("count after GC = %d, want still 1 (listener should have been collected)", got)
	}
}
