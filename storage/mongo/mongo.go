// Package mongo implements storage.AtomicStore on a MongoDB collection.
//
// Each one-time key is one document keyed by the key hash. A TTL index on
// the deadline field lets the server evict entries on its own schedule;
// because the TTL monitor only runs periodically, reads also compare the
// deadline against the clock. Consume is a single FindOneAndDelete.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jmcleod/examgate/storage"
)

const (
	DefaultDatabase   = "examgate"
	DefaultCollection = "one_time_keys"
)

type document struct {
	ID       string     `bson:"_id"`
	Value    value      `bson:"value"`
	Deadline *time.Time `bson:"deadline,omitempty"`
}

type value struct {
	CreatedAt int64  `bson:"createdAt"`
	ExpiresAt *int64 `bson:"expiresAt,omitempty"`
}

// Store implements storage.AtomicStore backed by a MongoDB collection.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

var _ storage.AtomicStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Connect dials uri, verifies the deployment is reachable and returns a
// Store on database/collection. Connection failures are reported as
// storage.ErrUnavailable.
func Connect(ctx context.Context, uri, database, collection string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to mongo: %w", storage.ErrUnavailable, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: pinging mongo: %w", storage.ErrUnavailable, err)
	}
	if database == "" {
		database = DefaultDatabase
	}
	if collection == "" {
		collection = DefaultCollection
	}
	s, err := NewStore(ctx, client.Database(database).Collection(collection), opts...)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewStore returns a Store on coll and ensures the TTL index exists.
func NewStore(ctx context.Context, coll *mongo.Collection, opts ...Option) (*Store, error) {
	s := &Store{coll: coll, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "deadline", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetName("deadline_ttl"),
	})
	if err != nil {
		return nil, mapErr(fmt.Errorf("creating ttl index: %w", err))
	}
	return s, nil
}

// Close disconnects the client when the Store owns it.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	var doc document
	if err := s.coll.FindOne(ctx, byID(key)).Decode(&doc); err != nil {
		return nil, mapErr(err)
	}
	if s.lapsed(&doc) {
		_ = s.Delete(ctx, key)
		return nil, storage.ErrNotFound
	}
	return doc.record(), nil
}

func (s *Store) Set(ctx context.Context, key string, rec *storage.Record, ttl time.Duration) error {
	doc := document{
		ID:    key,
		Value: value{CreatedAt: rec.CreatedAt, ExpiresAt: storage.CloneRecord(rec).ExpiresAt},
	}
	if ttl > 0 {
		deadline := s.now().Add(ttl).UTC()
		doc.Deadline = &deadline
	}
	_, err := s.coll.ReplaceOne(ctx, byID(key), doc, options.Replace().SetUpsert(true))
	return mapErr(err)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.coll.DeleteOne(ctx, byID(key))
	return mapErr(err)
}

func (s *Store) Consume(ctx context.Context, key string) (*storage.Record, error) {
	var doc document
	if err := s.coll.FindOneAndDelete(ctx, byID(key)).Decode(&doc); err != nil {
		return nil, mapErr(err)
	}
	if s.lapsed(&doc) {
		return nil, storage.ErrNotFound
	}
	return doc.record(), nil
}

func (s *Store) lapsed(doc *document) bool {
	return doc.Deadline != nil && !s.now().Before(*doc.Deadline)
}

func (d *document) record() *storage.Record {
	return &storage.Record{CreatedAt: d.Value.CreatedAt, ExpiresAt: d.Value.ExpiresAt}
}

func byID(key string) bson.D {
	return bson.D{{Key: "_id", Value: key}}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return storage.ErrNotFound
	case mongo.IsNetworkError(err), mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	default:
		return fmt.Errorf("mongo: %w", err)
	}
}
