package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/i5heu/ouroboros-seal/internal/config"
	"github.com/i5heu/ouroboros-seal/pkg/contentstore"
	"github.com/i5heu/ouroboros-seal/pkg/metrics"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyStore      = "store"

	maxGoroutines = 10000
)

type serveFlags struct {
	commonFlags
	listen string
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error { // A
	var f serveFlags
	fs := pflag.NewFlagSet("sealgate serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	f.register(fs)
	fs.StringVar(&f.listen, "listen", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conf, log, err := f.load(stderr)
	if err != nil {
		return err
	}
	if f.listen != "" {
		conf.Server.Listen = f.listen
	}
	if conf.Store.Backend != config.BackendBadger {
		return fmt.Errorf("serve needs the badger store backend, have %q", conf.Store.Backend)
	}

	_, badger, storeCleanup, err := buildStore(conf, nil, stderr)
	if err != nil {
		return err
	}
	defer storeCleanup.close(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	handler := newServeMux(badger, badger.Ready, reg, m, log)
	server := &http.Server{
		Addr:              conf.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", logKeyListenAddr, conf.Server.Listen, logKeyStore, conf.Store.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// newServeMux mounts the content store under /store/ next to the metrics
// and health endpoints. ready backs /ready.
func newServeMux(
	store contentstore.Store,
	ready healthcheck.Check,
	reg *prometheus.Registry,
	m *metrics.Metrics,
	log *slog.Logger,
) *http.ServeMux { // A
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddReadinessCheck("store", ready)

	var pricer contentstore.Pricer
	if pr, ok := store.(contentstore.Pricer); ok {
		pricer = pr
	}
	storeHandler := contentstore.NewHandler(
		contentstore.Instrument(store, m, log),
		contentstore.WithLogger(log.With("component", "contentstore")),
		contentstore.WithPricer(pricer),
	)

	mux := http.NewServeMux()
	mux.Handle("/store/", http.StripPrefix("/store", storeHandler))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	return mux
}
