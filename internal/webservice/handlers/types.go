package handlers

import (
	"context"

	"github.com/dadlab/nodedb/internal/models"
)

// PictureStore persists and retrieves binary blobs.
type PictureStore interface {
	Put(ctx context.Context, p models.Picture) error
	Get(ctx context.Context, id string) (models.Picture, error)
}

// SampleStore records and lists node metric samples.
type SampleStore interface {
	Record(ctx context.Context, r models.Reading) (models.Sample, error)
	Latest(ctx context.Context, limit int) ([]models.Sample, error)
}

// Reporter reports the metrics of the local host.
type Reporter interface {
	Report(ctx context.Context) models.Reading
}
