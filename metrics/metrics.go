// Package metrics counts what crawls do, on a registry of its own so tests can read it back.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"blogarchive/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	HttpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blogarchive_http_requests_total",
			Help: "HTTP requests made by crawls, by response code.",
		},
		[]string{"code"},
	)

	BrowserFetchesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "blogarchive_browser_fetches_total",
			Help: "Pages rendered through the headless browser.",
		},
	)

	CrawlsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blogarchive_crawls_total",
			Help: "Finished crawls, by outcome.",
		},
		[]string{"outcome"},
	)

	CrawlDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blogarchive_crawl_duration_seconds",
			Help:    "Wall time of a whole crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
)

func RecordCrawl(outcome string, started time.Time) {
	CrawlsTotal.WithLabelValues(outcome).Inc()
	CrawlDuration.Observe(time.Since(started).Seconds())
}

// Serve exposes the registry until the server fails. An empty addr disables it
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}
