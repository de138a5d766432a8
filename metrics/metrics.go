// Package metrics exposes the server's upload and credit gauges.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveUploads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dropsync_active_uploads",
		Help: "Number of uploads currently in flight.",
	})
	CreditOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dropsync_credit_outstanding",
		Help: "Outstanding credit across all uploads in chunks.",
	})
	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dropsync_bytes_written_total",
		Help: "Bytes persisted to staging files.",
	})
	UploadsFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dropsync_uploads_finished_total",
		Help: "Uploads promoted to their destination.",
	})
	UploadsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dropsync_uploads_aborted_total",
		Help: "Uploads that ended without promotion.",
	})
)

// Serve exposes /metrics on addr. Runs until the listener fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
