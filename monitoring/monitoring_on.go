// +build monitoring

package monitoring

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Enabled signifies whether the monitoring tag was specified when building
// and whether to automatically export Prometheus metrics.
const Enabled = true

var (
	blocksConnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocksync_blocks_connected_total",
		Help: "Total number of blocks connected to the best chain.",
	})

	blocksDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocksync_blocks_disconnected_total",
		Help: "Total number of blocks disconnected from the best chain.",
	})

	polls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blocksync_polls_total",
		Help: "Total number of successful chain tip polls.",
	})
)

func init() {
	prometheus.MustRegister(blocksConnected)
	prometheus.MustRegister(blocksDisconnected)
	prometheus.MustRegister(polls)
}

// Start launches the Prometheus exporter on the configured address.
func Start(cfg *PrometheusConfig) {
	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = "localhost:8989"
	}
	http.Handle("/metrics", promhttp.Handler())
	fmt.Println(http.ListenAndServe(listenAddr, nil))
}

// BlockConnected increments the connected block counter.
func BlockConnected() {
	blocksConnected.Inc()
}

// BlockDisconnected increments the disconnected block counter.
func BlockDisconnected() {
	blocksDisconnected.Inc()
}

// PollCompleted increments the successful poll counter.
func PollCompleted() {
	polls.Inc()
}
