package handlers_test

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dadlab/nodedb/internal/blobstore"
	"github.com/dadlab/nodedb/internal/models"
)

type mockPictureStore struct {
	mu       sync.Mutex
	pictures map[string]models.Picture

	putErr error
	getErr error
}

func newMockPictureStore() *mockPictureStore {
	return &mockPictureStore{pictures: make(map[string]models.Picture)}
}

func (m *mockPictureStore) Put(_ context.Context, p models.Picture) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putErr != nil {
		return m.putErr
	}
	p.CreatedAt = time.Now()
	m.pictures[p.ID] = p
	return nil
}

func (m *mockPictureStore) Get(_ context.Context, id string) (models.Picture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return models.Picture{}, m.getErr
	}
	p, ok := m.pictures[id]
	if !ok {
		return models.Picture{}, blobstore.ErrNotFound
	}
	return p, nil
}

func (m *mockPictureStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pictures)
}

type mockSampleStore struct {
	mu      sync.Mutex
	samples []models.Sample

	recordErr error
	latestErr error
}

func (m *mockSampleStore) Record(_ context.Context, r models.Reading) (models.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recordErr != nil {
		return models.Sample{}, m.recordErr
	}
	s := r.Sample(time.Date(2025, 1, 1, 0, 0, len(m.samples), 0, time.UTC))
	m.samples = append(m.samples, s)
	return s, nil
}

func (m *mockSampleStore) Latest(_ context.Context, limit int) ([]models.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latestErr != nil {
		return nil, m.latestErr
	}
	if len(m.samples) == 0 {
		return nil, nil
	}
	res := slices.Clone(m.samples)
	slices.Reverse(res)
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *mockSampleStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

type fixedReporter models.Reading

func (r fixedReporter) Report(context.Context) models.Reading {
	return models.Reading(r)
}

func pictureWith(id string, data []byte) models.Picture {
	return models.Picture{ID: id, RequestID: "req", ZoomPercent: 100, Data: data}
}
