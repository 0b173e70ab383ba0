package genid

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Consumer receives generation changes. Notify runs on a goroutine owned by
// the consumer's registration; a slow consumer delays only itself.
type Consumer interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

type funcConsumer struct {
	name string
	fn   func(ctx context.Context, ev Event) error
}

func (f funcConsumer) Name() string { return f.name }

func (f funcConsumer) Notify(ctx context.Context, ev Event) error { return f.fn(ctx, ev) }

// ConsumerFunc adapts a function to Consumer.
func ConsumerFunc(name string, fn func(ctx context.Context, ev Event) error) Consumer {
	return funcConsumer{name: name, fn: fn}
}

// RegistrationID identifies a registered consumer. IDs are not reused.
type RegistrationID uint64

// Notifier delivers events to registered consumers in generation order.
type Notifier struct {
	log     *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	nextID    RegistrationID
	subs      map[RegistrationID]*subscription
	last      uint64
	published bool
	closed    bool

	// beforeDeliver, when set, runs after an event is claimed and before
	// the claim is checked.
	beforeDeliver func(id RegistrationID)
}

type subscription struct {
	id       RegistrationID
	name     string
	consumer Consumer

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	stopped bool
	// claimed is set between taking an event off the queue and deciding
	// whether to deliver it.
	claimed bool
}

// NewNotifier returns an empty Notifier. logger and metrics may be nil.
func NewNotifier(logger *slog.Logger, metrics *Metrics) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		log:     logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[RegistrationID]*subscription),
	}
}

// Register adds a consumer. It receives every NotifyAll that begins after
// Register returns. Registering on a closed Notifier returns 0.
func (n *Notifier) Register(c Consumer) RegistrationID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0
	}

	n.nextID++
	sub := &subscription{id: n.nextID, name: c.Name(), consumer: c}
	sub.cond = sync.NewCond(&sub.mu)
	n.subs[sub.id] = sub

	n.wg.Add(1)
	go n.run(sub)

	n.log.Debug("genid consumer registered", "consumer", sub.name, "id", uint64(sub.id))
	return sub.id
}

// RegisterFunc registers fn under name.
func (n *Notifier) RegisterFunc(name string, fn func(ctx context.Context, ev Event) error) RegistrationID {
	return n.Register(ConsumerFunc(name, fn))
}

// Unregister removes a consumer and discards its pending events. No
// delivery to it starts after Unregister returns; one already running is
// not interrupted or waited for, so a consumer may unregister itself from
// Notify.
func (n *Notifier) Unregister(id RegistrationID) bool {
	n.mu.Lock()
	sub, ok := n.subs[id]
	delete(n.subs, id)
	n.mu.Unlock()
	if !ok {
		return false
	}
	sub.stop()
	n.log.Debug("genid consumer unregistered", "consumer", sub.name, "id", uint64(id))
	return true
}

// NotifyAll queues an event for every registered consumer. Generations
// that do not advance past the last published one are dropped.
func (n *Notifier) NotifyAll(guid GUID, generation uint64) {
	ev := Event{GUID: guid, Generation: generation}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if n.published && generation <= n.last {
		n.log.Warn("genid dropping stale generation", "generation", generation, "last", n.last)
		return
	}
	n.published = true
	n.last = generation

	// Enqueue under n.mu so concurrent NotifyAll calls cannot interleave
	// their events differently across consumers.
	for _, sub := range n.subs {
		sub.push(ev)
	}
}

// Len returns the number of registered consumers.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close unregisters every consumer, cancels in-flight deliveries and waits
// for them to return.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[RegistrationID]*subscription)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	n.cancel()
	n.wg.Wait()
}

func (n *Notifier) run(sub *subscription) {
	defer n.wg.Done()
	for {
		ev, ok := sub.next()
		if !ok {
			return
		}
		if n.beforeDeliver != nil {
			n.beforeDeliver(sub.id)
		}
		if !sub.begin() {
			return
		}
		n.deliver(sub, ev)
	}
}

func (n *Notifier) deliver(sub *subscription, ev Event) {
	name := sub.name
	defer func() {
		if r := recover(); r != nil {
			n.metrics.deliveryFailed(name)
			n.log.Error("genid consumer panicked", "consumer", name, "generation", ev.Generation, "panic", fmt.Sprint(r))
		}
	}()

	if err := sub.consumer.Notify(n.ctx, ev); err != nil {
		n.metrics.deliveryFailed(name)
		n.log.Warn("genid consumer failed", "consumer", name, "generation", ev.Generation, "error", err)
	}
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

// next blocks for the next event. It reports false once stopped.
func (s *subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	s.claimed = true
	return ev, true
}

// begin releases the claim taken by next and reports whether the claimed
// event may still be delivered.
func (s *subscription) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = false
	s.cond.Broadcast()
	return !s.stopped
}

// stop discards pending events and waits out a claim in progress. A claim
// never spans consumer code, so stop cannot wait on a running Notify.
func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.queue = nil
	s.cond.Broadcast()
	for s.claimed {
		s.cond.Wait()
	}
}
