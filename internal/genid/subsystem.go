package genid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
)

// SubsystemConfig wires a Subsystem together.
type SubsystemConfig struct {
	Description Description
	Resolve     ResolveOptions
	Monitor     MonitorOptions
}

// Subsystem owns one resolved descriptor, its monitor and notifier.
type Subsystem struct {
	desc     Descriptor
	monitor  *Monitor
	notifier *Notifier
	log      *slog.Logger
}

// Open resolves the descriptor and starts monitoring it. Every failure
// wraps ErrUnavailable together with its cause; the caller is expected to
// continue without the subsystem.
func Open(cfg SubsystemConfig) (*Subsystem, error) {
	log := cfg.Monitor.Logger
	if log == nil {
		log = slog.Default()
	}

	desc, err := Resolve(cfg.Description, cfg.Resolve)
	if err != nil {
		if errors.Is(err, ErrMissingDescriptor) {
			log.Info("genid device not present")
		} else {
			log.Warn("genid descriptor rejected", "error", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	log.Debug("genid descriptor resolved", "addr", fmt.Sprintf("%#x", desc.Address), "length", desc.Length, "irq", desc.Interrupt)

	notifier := cfg.Monitor.Notifier
	if notifier == nil {
		notifier = NewNotifier(log, cfg.Monitor.Metrics)
	}
	opts := cfg.Monitor
	opts.Notifier = notifier
	opts.Logger = log

	monitor, err := Start(desc, opts)
	if err != nil {
		log.Warn("genid monitor failed to start", "error", err)
		if cfg.Monitor.Notifier == nil {
			notifier.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &Subsystem{desc: desc, monitor: monitor, notifier: notifier, log: log}, nil
}

func (s *Subsystem) Register(c Consumer) RegistrationID { return s.notifier.Register(c) }

func (s *Subsystem) RegisterFunc(name string, fn func(ctx context.Context, ev Event) error) RegistrationID {
	return s.notifier.RegisterFunc(name, fn)
}

func (s *Subsystem) Unregister(id RegistrationID) bool { return s.notifier.Unregister(id) }

func (s *Subsystem) Descriptor() Descriptor { return s.desc }

func (s *Subsystem) Current() Event { return s.monitor.Current() }

func (s *Subsystem) CurrentGUID() GUID { return s.monitor.CurrentGUID() }

func (s *Subsystem) CurrentGeneration() uint64 { return s.monitor.CurrentGeneration() }

// Check requests an immediate read-compare cycle.
func (s *Subsystem) Check() { s.monitor.Check() }

// Close stops the monitor, then closes the notifier. Undelivered events
// are discarded.
func (s *Subsystem) Close() error {
	var result *multierror.Error
	if err := s.monitor.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	s.notifier.Close()
	return result.ErrorOrNil()
}
