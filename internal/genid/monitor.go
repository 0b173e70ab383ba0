package genid

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/vmgenid/internal/physmem"
)

// InterruptController binds a handler to an interrupt line. The handler may
// be called from any goroutine and must not block.
type InterruptController interface {
	Bind(irq uint32, handler func()) (io.Closer, error)
}

const (
	DefaultReadAttempts  = 5
	DefaultFallbackDelay = 50 * time.Millisecond
)

// MonitorOptions configure Start.
type MonitorOptions struct {
	Mapper physmem.Mapper
	// Interrupts may be nil when PollInterval is set.
	Interrupts InterruptController
	Notifier   *Notifier
	Logger     *slog.Logger
	Metrics    *Metrics

	// ReadAttempts bounds the read pairs of one stable read.
	ReadAttempts int
	// RetryDelay pauses between disagreeing read pairs.
	RetryDelay time.Duration
	// FallbackDelay schedules one extra check after an unstable read.
	// Negative disables it.
	FallbackDelay time.Duration
	// PollInterval, when positive, checks periodically as well.
	PollInterval time.Duration
}

func (o *MonitorOptions) normalize() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ReadAttempts <= 0 {
		o.ReadAttempts = DefaultReadAttempts
	}
	if o.FallbackDelay == 0 {
		o.FallbackDelay = DefaultFallbackDelay
	}
}

// Monitor watches a mapped generation ID region. A single worker goroutine
// performs every read-compare-notify cycle; the interrupt handler only
// queues a request for it.
type Monitor struct {
	desc Descriptor
	opts MonitorOptions
	log  *slog.Logger

	region  physmem.Region
	binding io.Closer

	pending chan struct{}
	done    chan struct{}
	exited  chan struct{}

	mu         sync.RWMutex
	guid       GUID
	generation uint64

	stopOnce sync.Once
	stopErr  error
}

// Start maps the region, binds the interrupt, takes the baseline reading
// and launches the worker. Interrupts arriving before the baseline is taken
// are held and checked by the worker's first cycle.
func Start(desc Descriptor, opts MonitorOptions) (*Monitor, error) {
	opts.normalize()
	if desc.Length < GUIDSize {
		return nil, fmt.Errorf("%w: region is %d bytes", ErrInvalidDescriptor, desc.Length)
	}
	if opts.Mapper == nil {
		return nil, fmt.Errorf("%w: no mapper", ErrMapFailed)
	}
	if opts.Interrupts == nil && opts.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: no interrupt controller and polling disabled", ErrInterruptBindFailed)
	}

	m := &Monitor{
		desc:    desc,
		opts:    opts,
		log:     opts.Logger.With("addr", fmt.Sprintf("%#x", desc.Address), "irq", desc.Interrupt),
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	region, err := opts.Mapper.Map(desc.Address, desc.Length)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMapFailed, err)
	}
	if region.Len() < GUIDSize {
		region.Close()
		return nil, fmt.Errorf("%w: mapping is %d bytes", ErrMapFailed, region.Len())
	}
	m.region = region

	if opts.Interrupts != nil {
		binding, err := opts.Interrupts.Bind(desc.Interrupt, m.interrupt)
		if err != nil {
			region.Close()
			return nil, fmt.Errorf("%w: line %d: %w", ErrInterruptBindFailed, desc.Interrupt, err)
		}
		m.binding = binding
	}

	baseline, err := m.stableRead()
	if err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		if m.binding != nil {
			if cerr := m.binding.Close(); cerr != nil {
				result = multierror.Append(result, cerr)
			}
		}
		if cerr := region.Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		return nil, result.ErrorOrNil()
	}
	m.guid = baseline
	opts.Metrics.reset()

	go m.run()

	m.log.Info("genid monitor started", "guid", baseline.String())
	return m, nil
}

// interrupt is the bound handler.
func (m *Monitor) interrupt() {
	m.opts.Metrics.interrupt()
	select {
	case m.pending <- struct{}{}:
	default:
	}
}

// Check requests a read-compare cycle. Requests made while one is already
// pending coalesce.
func (m *Monitor) Check() {
	m.interrupt()
}

// Descriptor returns the descriptor being monitored.
func (m *Monitor) Descriptor() Descriptor {
	return m.desc
}

// CurrentGUID returns the last validated GUID.
func (m *Monitor) CurrentGUID() GUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.guid
}

// CurrentGeneration returns the number of confirmed changes since Start.
func (m *Monitor) CurrentGeneration() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Current returns the GUID and generation as one consistent pair.
func (m *Monitor) Current() Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Event{GUID: m.guid, Generation: m.generation}
}

// Stop unbinds the interrupt, waits for the worker to finish any cycle in
// progress and unmaps the region. It is safe to call more than once.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() {
		var result *multierror.Error
		if m.binding != nil {
			if err := m.binding.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("genid: unbind interrupt %d: %w", m.desc.Interrupt, err))
			}
		}
		close(m.done)
		<-m.exited
		if err := m.region.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("genid: unmap region: %w", err))
		}
		m.stopErr = result.ErrorOrNil()
		m.log.Info("genid monitor stopped", "generation", m.CurrentGeneration())
	})
	return m.stopErr
}

func (m *Monitor) run() {
	defer close(m.exited)

	var poll <-chan time.Time
	if m.opts.PollInterval > 0 {
		ticker := time.NewTicker(m.opts.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	var fallback *time.Timer
	var fallbackC <-chan time.Time
	defer func() {
		if fallback != nil {
			fallback.Stop()
		}
	}()

	for {
		select {
		case <-m.done:
			return
		case <-m.pending:
		case <-poll:
		case <-fallbackC:
			fallbackC = nil
		}

		if m.check() || m.opts.FallbackDelay < 0 || fallbackC != nil {
			continue
		}
		if fallback == nil {
			fallback = time.NewTimer(m.opts.FallbackDelay)
		} else {
			fallback.Reset(m.opts.FallbackDelay)
		}
		fallbackC = fallback.C
	}
}

// check runs one read-compare-notify cycle. It reports false when the read
// did not stabilise.
func (m *Monitor) check() bool {
	m.opts.Metrics.check()

	guid, err := m.stableRead()
	if err != nil {
		m.opts.Metrics.unstable()
		m.log.Warn("genid check skipped", "error", err)
		return false
	}

	m.mu.Lock()
	if guid == m.guid {
		m.mu.Unlock()
		m.opts.Metrics.spurious()
		m.log.Debug("genid unchanged", "guid", guid.String())
		return true
	}
	m.guid = guid
	m.generation++
	generation := m.generation
	m.mu.Unlock()

	m.opts.Metrics.changed(generation)
	m.log.Info("genid changed", "guid", guid.String(), "generation", generation)

	if m.opts.Notifier != nil {
		m.opts.Notifier.NotifyAll(guid, generation)
	}
	return true
}

// stableRead reads the GUID twice until both reads agree.
func (m *Monitor) stableRead() (GUID, error) {
	var first, second GUID
	for attempt := 0; attempt < m.opts.ReadAttempts; attempt++ {
		if attempt > 0 && m.opts.RetryDelay > 0 {
			select {
			case <-m.done:
				return GUID{}, fmt.Errorf("%w: stopped", ErrUnstableRead)
			case <-time.After(m.opts.RetryDelay):
			}
		}
		if err := m.read(&first); err != nil {
			return GUID{}, err
		}
		if err := m.read(&second); err != nil {
			return GUID{}, err
		}
		if first == second {
			return first, nil
		}
		m.log.Debug("genid torn read", "attempt", attempt+1)
	}
	return GUID{}, fmt.Errorf("%w: %d read pairs disagreed", ErrUnstableRead, m.opts.ReadAttempts)
}

func (m *Monitor) read(dst *GUID) error {
	if _, err := m.region.ReadAt(dst[:], 0); err != nil {
		return fmt.Errorf("%w: %w", ErrUnstableRead, err)
	}
	return nil
}
