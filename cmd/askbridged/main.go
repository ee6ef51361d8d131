package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"askbridge/internal/config"
	"askbridge/internal/dispatch"
	"askbridge/internal/event"
	"askbridge/internal/logging"
	"askbridge/internal/metrics"
	"askbridge/internal/poller"
	"askbridge/internal/protocol"
	"askbridge/internal/server"
	"askbridge/internal/terminal"
	"askbridge/internal/tracker"
	"askbridge/internal/transcript"
	"askbridge/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	cli, err := parseArgs(args, errOut)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if cli.ShowVersion {
		fmt.Fprintf(out, "askbridged %s\n", version.Version)
		return 0
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 1
	}
	if cli.Listen != "" {
		cfg.Listen = cli.Listen
	}
	if cli.Token != "" {
		cfg.Token = cli.Token
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if len(cfg.Backends) == 0 {
		fmt.Fprintf(errOut, "config: no backends registered in %s\n", cli.ConfigPath)
		return 1
	}

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		fmt.Fprintf(errOut, "config: unknown log level %q\n", cfg.LogLevel)
		return 1
	}
	logger := logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), level, errOut)

	token := cfg.Token
	if token == "" {
		token = uuid.NewString()
		logger.Info("generated auth token", map[string]string{"token": token})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.Default
	bus := event.NewBus[tracker.Notification](ctx, event.BusOptions{
		Name:     "notifications",
		Registry: registry,
	})
	dispatcher := dispatch.New(dispatch.Options{
		QueueSize:       cfg.Dispatch.QueueSize,
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout.Std(),
		Bus:             bus,
		Logger:          logger,
		Metrics:         registry,
	})
	defer dispatcher.Close()

	trk := tracker.New(tracker.Options{
		Retention: cfg.Retention.Std(),
		Notifier:  dispatcher,
		Logger:    logger,
		Metrics:   registry,
	})
	baselines := tracker.NewBaselineStore(cfg.StateDir)

	backends := make([]*server.Backend, 0, len(cfg.Backends))
	for _, backendConfig := range cfg.Backends {
		backend, err := buildBackend(ctx, backendConfig, trk, baselines, logger, registry)
		if err != nil {
			logger.Error("backend setup failed", map[string]string{
				"backend": backendConfig.Name,
				"error":   err.Error(),
			})
			return 1
		}
		backends = append(backends, backend)
	}

	apiServer := server.New(server.Options{
		Token:     token,
		Tracker:   trk,
		Generator: protocol.NewGenerator(),
		Bus:       bus,
		Logger:    logger,
		Metrics:   registry,
		Backends:  backends,
	})
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("askbridged listening", map[string]string{
			"addr":     cfg.Listen,
			"backends": strconv.Itoa(len(backends)),
			"version":  version.Version,
		})
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", nil)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", map[string]string{"error": err.Error()})
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	for _, backend := range backends {
		if closer, ok := backend.Sender.(io.Closer); ok && closer != nil {
			_ = closer.Close()
		}
	}
	return 0
}

// buildBackend wires one configured backend: transcript reader, optional
// change-hint watcher, optional pty-hosted sender, and the poll loop.
func buildBackend(ctx context.Context, backendConfig config.Backend, trk *tracker.Tracker, baselines *tracker.BaselineStore, logger *logging.Logger, registry *metrics.Registry) (*server.Backend, error) {
	reader := transcript.NewJSONLReader(backendConfig.TranscriptRoot)
	detector := protocol.Detector{
		Marker:        protocol.Marker{DoneTag: backendConfig.MarkerTag},
		SoftPrefixLen: backendConfig.SoftMatchPrefixLen,
	}

	var hints <-chan struct{}
	if backendConfig.WatchTranscripts {
		hintWatcher, err := transcript.WatchHints(backendConfig.TranscriptRoot, transcript.HintOptions{Logger: logger})
		if err != nil {
			logger.Warn("transcript watch unavailable, interval polling only", map[string]string{
				"backend": backendConfig.Name,
				"error":   err.Error(),
			})
		} else {
			hints = hintWatcher.Hints()
			go func() {
				<-ctx.Done()
				_ = hintWatcher.Close()
			}()
		}
	}

	loop := poller.NewLoop(poller.Options{
		Backend:         backendConfig.Name,
		Reader:          reader,
		Tracker:         trk,
		Detector:        detector,
		Interval:        backendConfig.PollInterval.Std(),
		SoftMatchGrace:  backendConfig.SoftMatchGrace.Std(),
		ReadRetryBudget: backendConfig.ReadRetryBudget,
		Baselines:       baselines,
		Hints:           hints,
		Logger:          logger,
		Metrics:         registry,
	})
	go loop.Run(ctx)

	var sender terminal.Sender
	if backendConfig.Command != "" {
		ptySender, err := terminal.StartPtySender(terminal.PtySenderOptions{
			Command: backendConfig.Command,
			Args:    backendConfig.Args,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("start agent command: %w", err)
		}
		sender = ptySender
	}

	return &server.Backend{
		Name:           backendConfig.Name,
		Marker:         detector.Marker,
		DefaultTimeout: backendConfig.DefaultTimeout.Std(),
		Loop:           loop,
		Sender:         sender,
	}, nil
}
