package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dadlab/nodedb/internal/models"
)

// ListSamples answers the most recent samples across all nodes.
type ListSamples struct {
	store SampleStore
	limit int
}

// NewListSamples creates a new ListSamples handler returning at most limit samples.
func NewListSamples(store SampleStore, limit int) *ListSamples {
	return &ListSamples{store: store, limit: limit}
}

// ServeHTTP answers the samples, newest first.
func (h *ListSamples) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	samples, err := h.store.Latest(r.Context(), h.limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list samples: %v", err))
		slog.Error("Failed to list samples", "err", err)
		return
	}
	if samples == nil {
		samples = []models.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// IngestSample records a sample pushed by a client.
type IngestSample struct {
	store   SampleStore
	maxSize int64
}

type okResponse struct {
	OK bool `json:"ok"`
}

// NewIngestSample creates a new IngestSample handler accepting bodies up to maxSize bytes.
func NewIngestSample(store SampleStore, maxSize int64) *IngestSample {
	return &IngestSample{store: store, maxSize: maxSize}
}

// ServeHTTP validates, coerces and records the reading sent as JSON.
func (h *IngestSample) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if mbe := new(http.MaxBytesError); errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("payload exceeds %d bytes", mbe.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	reading, err := models.ParseReading(body)
	if errors.Is(err, models.ErrMissingNode) {
		writeError(w, http.StatusBadRequest, "node is required")
		slog.Warn("Rejected sample without node")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		slog.Warn("Rejected invalid sample", "err", err)
		return
	}

	if _, err := h.store.Record(r.Context(), reading); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to store sample: %v", err))
		slog.Error("Failed to store sample", "node", reading.Node, "err", err)
		return
	}

	slog.Debug("Sample ingested", "node", reading.Node)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
