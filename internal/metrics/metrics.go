// Package metrics defines the Prometheus collectors of the wagering engine
// and the HTTP server exposing them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics groups every collector the services update.
type Metrics struct {
	StakesAccepted     prometheus.Counter
	StakesRejected     *prometheus.CounterVec
	StakedUnits        prometheus.Counter
	LedgerMutations    *prometheus.CounterVec
	PayoutUnits        prometheus.Counter
	SettlementFailures prometheus.Counter
	SettlementDuration prometheus.Histogram
	OrphansRefunded    prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StakesAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "wager_stakes_accepted_total",
			Help: "Stakes recorded.",
		}),
		StakesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_stakes_rejected_total",
			Help: "Stake attempts rejected, by error kind.",
		}, []string{"kind"}),
		StakedUnits: f.NewCounter(prometheus.CounterOpts{
			Name: "wager_staked_units_total",
			Help: "Currency units placed on stakes.",
		}),
		LedgerMutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wager_ledger_mutations_total",
			Help: "Balance mutations applied, by direction and category.",
		}, []string{"direction", "category"}),
		PayoutUnits: f.NewCounter(prometheus.CounterOpts{
			Name: "wager_payout_units_total",
			Help: "Currency units credited to winning stakes.",
		}),
		SettlementFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "wager_settlement_stake_failures_total",
			Help: "Stakes left open by a settlement run.",
		}),
		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wager_settlement_duration_seconds",
			Help:    "Wall time of settlement runs.",
			Buckets: prometheus.DefBuckets,
		}),
		OrphansRefunded: f.NewCounter(prometheus.CounterOpts{
			Name: "wager_orphan_debits_refunded_total",
			Help: "Stake debits refunded because no stake row was ever written.",
		}),
	}
}

// NewNoop returns collectors registered on a throwaway registry.
func NewNoop() *Metrics {
	return New(prometheus.NewRegistry())
}

// HealthFunc reports whether a dependency is reachable.
type HealthFunc func(ctx context.Context) error

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, health HealthFunc) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
