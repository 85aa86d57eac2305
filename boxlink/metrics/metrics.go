// Package metrics exposes session statistics to Prometheus and as JSON.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheusHen/boxlink/boxlink/session"
)

const (
	MetricsEndpoint = `/metrics`
	StatsEndpoint   = `/stats`
)

// Register adds one boxlink_*_total counter per statistic. The counters read
// stats on every scrape.
func Register(reg prometheus.Registerer, stats *session.Stats) error {
	counters := []struct {
		name, help string
		value      func() uint64
	}{
		{"boxlink_auth_failures_total", "Envelopes that failed authentication.", stats.AuthFailures},
		{"boxlink_nonce_failures_total", "Sends refused for counter exhaustion and replayed envelopes dropped.", stats.NonceFailures},
		{"boxlink_malformed_total", "Envelopes rejected before any cryptographic work.", stats.Malformed},
		{"boxlink_unknown_peer_total", "Calls naming an unknown or unusable peer slot.", stats.UnknownPeer},
		{"boxlink_untrusted_total", "Authenticated envelopes from peers below the required privilege.", stats.Untrusted},
		{"boxlink_sealed_total", "Envelopes sealed.", stats.Sealed},
		{"boxlink_delivered_total", "Payloads accepted by the handler.", stats.Delivered},
		{"boxlink_rejected_total", "Authenticated payloads the handler refused.", stats.Rejected},
	}
	for _, c := range counters {
		value := c.value
		cf := prometheus.NewCounterFunc(prometheus.CounterOpts{Name: c.name, Help: c.help}, func() float64 {
			return float64(value())
		})
		if err := reg.Register(cf); err != nil {
			return err
		}
	}
	return nil
}

// NewRouter serves g on MetricsEndpoint and a JSON snapshot of stats on
// StatsEndpoint.
func NewRouter(g prometheus.Gatherer, stats *session.Stats) *mux.Router {
	r := mux.NewRouter()
	r.Handle(MetricsEndpoint, promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc(StatsEndpoint, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(`Content-Type`, `application/json`)
		_ = json.NewEncoder(w).Encode(stats.Snapshot())
	}).Methods(http.MethodGet)
	return r
}
