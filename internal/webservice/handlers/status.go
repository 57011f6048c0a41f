package handlers

import (
	"net/http"

	"github.com/dadlab/nodedb/internal/common/constants"
)

// SelfMetrics answers the metrics of the local host.
type SelfMetrics struct {
	reporter Reporter
}

// NewSelfMetrics creates a new SelfMetrics handler.
func NewSelfMetrics(reporter Reporter) *SelfMetrics {
	return &SelfMetrics{reporter: reporter}
}

// ServeHTTP answers the current reading of this node.
func (h *SelfMetrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reporter.Report(r.Context()))
}

// HealthHandler answers that the service is up.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionHandler handles requests to the /version endpoint.
func VersionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": constants.Version})
}
