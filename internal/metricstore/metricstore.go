// Package metricstore provides the document datastore holding node metric samples.
package metricstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dadlab/nodedb/internal/common/constants"
	"github.com/dadlab/nodedb/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	mopts "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config holds the configuration for connecting to the document database.
type Config struct {
	URI      string
	Database string
}

type client interface {
	Ping(ctx context.Context) error
	Collection(database, name string) collection
	Disconnect(ctx context.Context) error
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*mopts.InsertOneOptions) (*mongo.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*mopts.FindOptions) (*mongo.Cursor, error)
	CreateIndex(ctx context.Context, model mongo.IndexModel) (string, error)
}

// sample is the stored form of models.Sample.
type sample struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Node      string             `bson:"node"`
	OSName    string             `bson:"osName"`
	CPUUsage  float64            `bson:"cpuUsage"`
	RAMUsage  float64            `bson:"ramUsage"`
	Timestamp time.Time          `bson:"timestamp"`
}

// Store manages the connection to the samples collection.
type Store struct {
	client  client
	samples collection
	now     func() time.Time
}

type options struct {
	newClient func(ctx context.Context, uri string) (client, error)
	now       func() time.Time
}

// Options represents an optional function to override Store default values.
type Options func(*options)

// Connect creates a Store connected to the configured document database.
// Note: The connection is validated with a ping, but it is not maintained.
func Connect(ctx context.Context, cfg Config, args ...Options) (*Store, error) {
	opts := options{
		newClient: newMongoClient,
		now:       time.Now,
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.URI == "" {
		cfg.URI = constants.DefaultMongoURI
	}
	if cfg.Database == "" {
		cfg.Database = constants.DefaultMetricsDatabase
	}

	c, err := opts.newClient(ctx, cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("unable to create document store client: %w", err)
	}

	slog.Debug("Testing metrics store connection", "database", cfg.Database)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to ping document store: %v", err)
	}

	slog.Info("Successfully pinged metrics store", "database", cfg.Database)
	return &Store{
		client:  c,
		samples: c.Collection(cfg.Database, constants.SamplesCollection),
		now:     opts.now,
	}, nil
}

// EnsureIndex creates the node and time ordered index used by the read queries.
func (s *Store) EnsureIndex(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("metrics store not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	name, err := s.samples.CreateIndex(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "node", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create %s index: %v", constants.SamplesCollection, err)
	}
	slog.Info("Metrics store index ready", "index", name)
	return nil
}

// Record stamps the reading with the current time and appends it as a new sample.
func (s *Store) Record(ctx context.Context, r models.Reading) (models.Sample, error) {
	smp := r.Sample(s.now())
	if err := s.Insert(ctx, smp); err != nil {
		return models.Sample{}, err
	}
	return smp, nil
}

// Insert appends a sample to the collection.
func (s *Store) Insert(ctx context.Context, smp models.Sample) error {
	if s.client == nil {
		return fmt.Errorf("metrics store not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.samples.InsertOne(ctx, sample{
		Node:      smp.Node,
		OSName:    smp.OSName,
		CPUUsage:  smp.CPUUsage,
		RAMUsage:  smp.RAMUsage,
		Timestamp: smp.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert sample: %v", err)
	}
	return nil
}

// Latest returns at most limit samples across all nodes, newest first.
func (s *Store) Latest(ctx context.Context, limit int) ([]models.Sample, error) {
	if s.client == nil {
		return nil, fmt.Errorf("metrics store not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cur, err := s.samples.Find(ctx, bson.D{},
		mopts.Find().
			SetSort(bson.D{{Key: "timestamp", Value: -1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %v", err)
	}

	var docs []sample
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode samples: %v", err)
	}

	res := make([]models.Sample, 0, len(docs))
	for _, d := range docs {
		smp := models.Sample{
			Node:      d.Node,
			OSName:    d.OSName,
			CPUUsage:  d.CPUUsage,
			RAMUsage:  d.RAMUsage,
			Timestamp: d.Timestamp.UTC(),
		}
		if !d.ID.IsZero() {
			smp.ID = d.ID.Hex()
		}
		res = append(res, smp)
	}
	return res, nil
}

// Close disconnects from the document database.
//
// If the connection is already closed, it does nothing.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from document store: %v", err)
	}
	s.client = nil
	return nil
}

// mongoClient adapts *mongo.Client to the client interface.
type mongoClient struct {
	*mongo.Client
}

func newMongoClient(ctx context.Context, uri string) (client, error) {
	opts := mopts.Client().
		ApplyURI(uri).
		SetConnectTimeout(5 * time.Second).
		SetServerSelectionTimeout(5 * time.Second)

	c, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return mongoClient{c}, nil
}

func (c mongoClient) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx, readpref.Primary())
}

func (c mongoClient) Collection(database, name string) collection {
	return mongoCollection{c.Database(database).Collection(name)}
}

type mongoCollection struct {
	*mongo.Collection
}

func (c mongoCollection) CreateIndex(ctx context.Context, model mongo.IndexModel) (string, error) {
	return c.Indexes().CreateOne(ctx, model)
}
