// Package handlers provides HTTP handlers for the server.
package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dadlab/nodedb/internal/blobstore"
	"github.com/dadlab/nodedb/internal/models"
	"github.com/google/uuid"
)

const (
	// maxIDLength is the size of the id and request id columns.
	maxIDLength = 64

	defaultZoomPercent = 100
)

var (
	errEmptyPayload       = errors.New("empty payload")
	errUnsupportedContent = errors.New("unsupported content type")
)

// StoreBMP stores the picture sent in the request body.
type StoreBMP struct {
	store         PictureStore
	publicURL     string
	maxUploadSize int64
}

type storeBMPResponse struct {
	ID          string `json:"id"`
	RequestID   string `json:"requestId"`
	DownloadURL string `json:"downloadUrl"`
}

// NewStoreBMP creates a new StoreBMP handler.
// Stored pictures are advertised under publicURL.
func NewStoreBMP(store PictureStore, publicURL string, maxUploadSize int64) *StoreBMP {
	return &StoreBMP{
		store:         store,
		publicURL:     strings.TrimSuffix(publicURL, "/"),
		maxUploadSize: maxUploadSize,
	}
}

// ServeHTTP handles picture uploads, either as raw bytes or base64 text.
func (h *StoreBMP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if reqID == "" {
		reqID = uuid.NewString()
	}
	id := strings.TrimSpace(r.Header.Get("X-Picture-Id"))
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > maxIDLength || len(reqID) > maxIDLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("identifiers are limited to %d characters", maxIDLength))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if mbe := new(http.MaxBytesError); errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("payload exceeds %d bytes", mbe.Limit))
			slog.Warn("Picture too large", "req_id", reqID, "id", id, "limit", mbe.Limit)
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		slog.Warn("Error reading picture", "req_id", reqID, "id", id, "err", err)
		return
	}

	data, err := decodePayload(r.Header, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		slog.Warn("Invalid picture payload", "req_id", reqID, "id", id, "err", err)
		return
	}

	pic := models.Picture{
		ID:          id,
		RequestID:   reqID,
		ZoomPercent: zoomPercent(r.Header.Get("X-Zoom-Percent")),
		Data:        data,
	}
	if err := h.store.Put(r.Context(), pic); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to store picture: %v", err))
		slog.Error("Failed to store picture", "req_id", reqID, "id", id, "err", err)
		return
	}

	resp := storeBMPResponse{
		ID:          id,
		RequestID:   reqID,
		DownloadURL: fmt.Sprintf("%s/api/bmp/%s", h.publicURL, url.PathEscape(id)),
	}
	slog.Info("POST /api/bmp stored", "req_id", reqID, "id", id, "size", len(data), "downloadUrl", resp.DownloadURL)
	writeJSON(w, http.StatusOK, resp)
}

// GetBMP serves a stored picture.
type GetBMP struct {
	store PictureStore
}

// NewGetBMP creates a new GetBMP handler.
func NewGetBMP(store PictureStore) *GetBMP {
	return &GetBMP{store: store}
}

// ServeHTTP answers the raw bytes of the picture named in the path.
func (h *GetBMP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	pic, err := h.store.Get(r.Context(), id)
	if errors.Is(err, blobstore.ErrNotFound) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "Not found")
		slog.Debug("Picture not found", "id", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read picture: %v", err))
		slog.Error("Failed to read picture", "id", id, "err", err)
		return
	}

	w.Header().Set("Content-Type", "image/bmp")
	w.Header().Set("Content-Length", strconv.Itoa(len(pic.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pic.Data); err != nil {
		slog.Warn("Failed to send picture", "id", id, "err", err)
	}
}

// decodePayload returns the picture bytes carried by body according to its headers.
func decodePayload(h http.Header, body []byte) ([]byte, error) {
	encoded := strings.EqualFold(strings.TrimSpace(h.Get("Content-Transfer-Encoding")), "base64")

	if ct := h.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, fmt.Errorf("%w %q", errUnsupportedContent, ct)
		}
		switch {
		case mt == "text/plain", mt == "application/base64":
			encoded = true
		case mt == "application/octet-stream", strings.HasPrefix(mt, "image/"):
		default:
			return nil, fmt.Errorf("%w %q", errUnsupportedContent, mt)
		}
	}

	data := body
	if encoded {
		var err error
		if data, err = decodeBase64(body); err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, errEmptyPayload
	}
	return data, nil
}

// decodeBase64 decodes standard base64, padded or not, ignoring whitespace and any data URL prefix.
func decodeBase64(body []byte) ([]byte, error) {
	s := string(bytes.TrimSpace(body))
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 || !strings.HasSuffix(s[:i], ";base64") {
			return nil, errors.New("invalid base64 data URL")
		}
		s = s[i+1:]
	}
	s = strings.Join(strings.Fields(s), "")

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, errors.New("invalid base64 payload")
	}
	return data, nil
}

func zoomPercent(v string) int {
	z, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultZoomPercent
	}
	return z
}
