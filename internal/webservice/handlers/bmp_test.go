package handlers_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dadlab/nodedb/internal/webservice/handlers"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const publicURL = "http://localhost:3000"

type storeResponse struct {
	ID          string `json:"id"`
	RequestID   string `json:"requestId"`
	DownloadURL string `json:"downloadUrl"`
	Error       string `json:"error"`
}

func TestStoreBMP(t *testing.T) {
	t.Parallel()

	payload := []byte{'B', 'M', 0, 1, 2, 3, 4, 5, 6, 7}
	b64 := base64.StdEncoding.EncodeToString(payload)

	tests := map[string]struct {
		body    string
		headers map[string]string
		putErr  error

		wantCode      int
		wantData      []byte
		wantID        string
		wantRequestID string
		wantZoom      int
	}{
		"Raw bytes with zoom": {
			body:     string(payload),
			headers:  map[string]string{"Content-Type": "application/octet-stream", "X-Zoom-Percent": "150"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 150,
		},
		"Raw bytes without content type": {
			body:     string(payload),
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100,
		},
		"Raw bytes with binary charset": {
			body:     string(payload),
			headers:  map[string]string{"Content-Type": "application/octet-stream; charset=binary"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100,
		},
		"Image content type": {
			body:     string(payload),
			headers:  map[string]string{"Content-Type": "image/bmp"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100,
		},
		"Client identifiers are kept": {
			body:     string(payload),
			headers:  map[string]string{"X-Picture-Id": "pic-1", "X-Request-Id": "req-1"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100, wantID: "pic-1", wantRequestID: "req-1",
		},
		"Empty picture id is generated": {
			body:     string(payload),
			headers:  map[string]string{"X-Picture-Id": "", "X-Request-Id": "req-1"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100, wantRequestID: "req-1",
		},
		"Invalid zoom defaults to 100": {
			body:     string(payload),
			headers:  map[string]string{"X-Zoom-Percent": "big"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100,
		},
		"Base64 text": {
			body:     b64,
			headers:  map[string]string{"Content-Type": "text/plain"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100,
		},
		"Base64 with whitespace and without padding": {
			body:     " " + strings.TrimRight(b64[:8]+"\n"+b64[8:], "=") + "\n",
			headers:  map[string]string{"Content-Type": "application/base64"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100,
		},
		"Base64 data URL": {
			body:     "data:image/bmp;base64," + b64,
			headers:  map[string]string{"Content-Type": "text/plain; charset=utf-8"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100,
		},
		"Base64 transfer encoding": {
			body:     b64,
			headers:  map[string]string{"Content-Type": "image/bmp", "Content-Transfer-Encoding": "base64"},
			wantCode: http.StatusOK, wantData: payload, wantZoom: 100,
		},

		// Rejected uploads
		"Error on empty body":            {wantCode: http.StatusBadRequest},
		"Error on empty base64 body":     {body: "  ", headers: map[string]string{"Content-Type": "text/plain"}, wantCode: http.StatusBadRequest},
		"Error on invalid base64":        {body: "not base64!", headers: map[string]string{"Content-Type": "text/plain"}, wantCode: http.StatusBadRequest},
		"Error on invalid data URL":      {body: "data:image/bmp," + b64, headers: map[string]string{"Content-Type": "text/plain"}, wantCode: http.StatusBadRequest},
		"Error on unsupported type":      {body: `{"a":1}`, headers: map[string]string{"Content-Type": "application/json"}, wantCode: http.StatusBadRequest},
		"Error on malformed type":        {body: string(payload), headers: map[string]string{"Content-Type": "/;;"}, wantCode: http.StatusBadRequest},
		"Error on payload over ceiling":  {body: strings.Repeat("x", 65), wantCode: http.StatusRequestEntityTooLarge},
		"Error on picture id too long":   {body: string(payload), headers: map[string]string{"X-Picture-Id": strings.Repeat("a", 65)}, wantCode: http.StatusBadRequest},
		"Error on request id too long":   {body: string(payload), headers: map[string]string{"X-Request-Id": strings.Repeat("a", 65)}, wantCode: http.StatusBadRequest},
		"Error when store fails to save": {body: string(payload), putErr: errors.New("store error requested by test"), wantCode: http.StatusInternalServerError},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := newMockPictureStore()
			store.putErr = tc.putErr
			h := handlers.NewStoreBMP(store, publicURL+"/", 64)

			req := httptest.NewRequest(http.MethodPost, "/api/bmp", strings.NewReader(tc.body))
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.wantCode, rec.Code, "Unexpected status code, body: %s", rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var got storeResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got), "Response should be JSON")

			if tc.wantCode != http.StatusOK {
				assert.NotEmpty(t, got.Error, "Error responses should carry a message")
				assert.Zero(t, store.count(), "Nothing should be persisted on error")
				return
			}

			if tc.wantID == "" {
				_, err := uuid.Parse(got.ID)
				require.NoError(t, err, "Generated id should be a UUID")
			} else {
				assert.Equal(t, tc.wantID, got.ID)
			}
			if tc.wantRequestID == "" {
				_, err := uuid.Parse(got.RequestID)
				require.NoError(t, err, "Generated request id should be a UUID")
			} else {
				assert.Equal(t, tc.wantRequestID, got.RequestID)
			}
			assert.Equal(t, publicURL+"/api/bmp/"+got.ID, got.DownloadURL)

			pic, err := store.Get(t.Context(), got.ID)
			require.NoError(t, err, "Picture should have been stored")
			assert.Equal(t, tc.wantData, pic.Data)
			assert.Equal(t, tc.wantZoom, pic.ZoomPercent)
			assert.Equal(t, got.RequestID, pic.RequestID)
		})
	}
}

func TestGetBMP(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		id     string
		getErr error

		wantCode        int
		wantContentType string
		wantBody        string
	}{
		"Known picture": {id: "known", wantCode: http.StatusOK, wantContentType: "image/bmp", wantBody: "BM\x00\x01"},

		"Unknown picture is not found": {id: "unknown", wantCode: http.StatusNotFound, wantContentType: "text/plain; charset=utf-8", wantBody: "Not found"},
		"Store failure is not a miss": {
			id: "known", getErr: errors.New("store error requested by test"),
			wantCode: http.StatusInternalServerError, wantContentType: "application/json",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := newMockPictureStore()
			require.NoError(t, store.Put(t.Context(), pictureWith("known", []byte("BM\x00\x01"))), "Setup: failed to seed store")
			store.getErr = tc.getErr

			mux := http.NewServeMux()
			mux.Handle("GET /api/bmp/{id}", handlers.NewGetBMP(store))

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bmp/"+tc.id, nil))

			require.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantContentType, rec.Header().Get("Content-Type"))
			if tc.wantBody != "" {
				assert.Equal(t, tc.wantBody, rec.Body.String())
			}
		})
	}
}

func TestStoreThenRetrieve(t *testing.T) {
	t.Parallel()

	store := newMockPictureStore()
	mux := http.NewServeMux()
	mux.Handle("POST /api/bmp", handlers.NewStoreBMP(store, publicURL, 1<<20))
	mux.Handle("GET /api/bmp/{id}", handlers.NewGetBMP(store))

	payload := []byte{0x42, 0x4d, 0xff, 0x00, 0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	req := httptest.NewRequest(http.MethodPost, "/api/bmp", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Zoom-Percent", "150")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "Upload should succeed: %s", rec.Body.String())

	var got storeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotEmpty(t, got.ID, "An id should be generated")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, strings.TrimPrefix(got.DownloadURL, publicURL), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/bmp", rec.Header().Get("Content-Type"))
	assert.Equal(t, payload, rec.Body.Bytes(), "Retrieved bytes should be identical")
}
