package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_dispatch_total",
			Help: "Folder processing runs started, by trigger.",
		},
		[]string{
			"account",
			"trigger", // watch, manual, initial
		},
	)
	DebouncedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_debounced_events_total",
			Help: "New-mail events dropped, by reason.",
		},
		[]string{
			"account",
			"reason", // paused, debounce
		},
	)
	ProcessingErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_processing_errors_total",
			Help: "Folder processing runs that returned an error.",
		},
		[]string{"account"},
	)
	DeadLettersRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_dead_letters_recorded_total",
			Help: "Processing failures written to the dead-letter store.",
		},
		[]string{"account"},
	)
	RetryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_retry_outcomes_total",
			Help: "Dead-letter retry results.",
		},
		[]string{
			"outcome", // success, rescheduled, exhausted, error
		},
	)
	WatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailwatch_watch_errors_total",
			Help: "Transient errors absorbed by watch loops.",
		},
		[]string{"account", "folder"},
	)
	AccountsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailwatch_accounts_connected",
			Help: "Accounts currently connected.",
		},
	)
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailwatch_inflight_operations",
			Help: "Tracked long-running operations.",
		},
	)
)

// Serve exposes /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
