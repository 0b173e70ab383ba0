package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vmgenid/internal/config"
	"github.com/tinyrange/vmgenid/internal/genid"
	"github.com/tinyrange/vmgenid/internal/journal"
	"github.com/tinyrange/vmgenid/internal/reseed"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmgenid: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	simulate := flag.Bool("simulate", false, "Run against an in-process simulated VMM")
	simInterval := flag.Duration("sim-interval", 2*time.Second, "Interval between simulated generation changes")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address (overrides metrics.listen)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Watch the VM generation ID and reseed random number generators when it changes.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -config /etc/vmgenid.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -simulate -sim-interval 1s -debug\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, serveOptions{simulate: *simulate, simInterval: *simInterval})
}

type serveOptions struct {
	simulate    bool
	simInterval time.Duration
}

// serve runs the daemon until ctx is done. Background goroutines are
// stopped and waited for on every return path.
func serve(ctx context.Context, cfg config.Config, opts serveOptions) (err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := genid.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	defer func() {
		cancel()
		if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) && err == nil {
			err = werr
		}
	}()

	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Listen, reg) })
	}

	var platform guestPlatform
	if opts.simulate {
		sim, err := newSimulation(cfg)
		if err != nil {
			return fmt.Errorf("create simulation: %w", err)
		}
		platform = sim.platform()
		g.Go(func() error { return sim.run(ctx, opts.simInterval) })
	} else {
		platform = openPlatform(cfg)
	}

	resolveOpts := cfg.ResolveOptions()
	resolveOpts.InterruptAvailable = platform.interruptAvailable
	sub, err := genid.Open(genid.SubsystemConfig{
		Description: platform.description,
		Resolve:     resolveOpts,
		Monitor: genid.MonitorOptions{
			Mapper:        platform.mapper,
			Interrupts:    platform.interrupts,
			Logger:        slog.Default(),
			Metrics:       metrics,
			ReadAttempts:  cfg.Monitor.ReadAttempts,
			RetryDelay:    cfg.Monitor.RetryDelay,
			FallbackDelay: cfg.Monitor.FallbackDelay,
			PollInterval:  cfg.Monitor.PollInterval,
		},
	})
	if err != nil {
		// The subsystem is optional; keep serving metrics without it.
		slog.Warn("vmgenid unavailable, running degraded", "error", err)
		if cfg.Metrics.Listen == "" && !opts.simulate {
			return nil
		}
	} else {
		closers, err := registerConsumers(sub, cfg.Consumers)
		// Stop delivery before the consumers' files go away.
		defer func() {
			if err := sub.Close(); err != nil {
				slog.Warn("vmgenid shutdown", "error", err)
			}
			closeAll(closers)
		}()
		if err != nil {
			return err
		}

		current := sub.Current()
		slog.Info("vmgenid watching",
			"addr", fmt.Sprintf("%#x", sub.Descriptor().Address),
			"irq", sub.Descriptor().Interrupt,
			"guid", current.GUID.String(),
		)
	}

	<-ctx.Done()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("vmgenid exiting")
	return nil
}

func registerConsumers(sub *genid.Subsystem, cfg config.ConsumersConfig) ([]io.Closer, error) {
	var closers []io.Closer

	sub.RegisterFunc("log", func(_ context.Context, ev genid.Event) error {
		slog.Info("vm generation changed", "guid", ev.GUID.String(), "generation", ev.Generation)
		return nil
	})

	if cfg.Urandom != "" {
		k, closer, err := reseed.OpenKernel(cfg.Urandom)
		if err != nil {
			return closers, err
		}
		closers = append(closers, closer)
		sub.Register(k)
	}

	if cfg.Journal != "" {
		j, err := journal.OpenFile(cfg.Journal)
		if err != nil {
			return closers, err
		}
		closers = append(closers, j)
		sub.Register(journal.Consumer{J: j})
	}
	return closers, nil
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			slog.Warn("close consumer", "error", err)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("serving metrics", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
