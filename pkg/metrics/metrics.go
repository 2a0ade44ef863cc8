// Package metrics exposes the node's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// PeersDiscovered counts peer observations per discovery channel
	// ("multicast" or "scan"). Re-observations count too.
	PeersDiscovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdrop_peers_discovered_total",
		Help: "Peer observations by discovery channel.",
	}, []string{"channel"})

	// SessionsCreated counts accepted prepare-upload negotiations.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerdrop_sessions_created_total",
		Help: "Inbound transfer sessions created.",
	})

	// SessionsCancelled counts sessions torn down before completion.
	SessionsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerdrop_sessions_cancelled_total",
		Help: "Inbound transfer sessions cancelled or expired.",
	})

	// UploadBytes counts payload bytes written to disk.
	UploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerdrop_upload_bytes_total",
		Help: "File payload bytes received and written.",
	})

	// FilesReceived counts fully received files.
	FilesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerdrop_files_received_total",
		Help: "Files received to completion.",
	})
)

func init() {
	registry.MustRegister(PeersDiscovered, SessionsCreated, SessionsCancelled, UploadBytes, FilesReceived)
}

// Handler returns the /metrics HTTP handler for this node's registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
