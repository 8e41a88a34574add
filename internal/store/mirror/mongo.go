// Package mirror implements a best-effort secondary fan-out sink for
// records, mirroring the Record Store into MongoDB for downstream analytics.
// A mirror failure never affects the primary store's durability guarantees.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// Sink mirrors records to a MongoDB collection. All methods are safe for
// concurrent use.
type Sink struct {
	client     *mongo.Client
	collection *mongo.Collection
	mu         sync.Mutex
	mirrored   int
	logger     *slog.Logger
}

// New connects to MongoDB and returns a Sink backed by database/collection.
func New(uri, database, collection string, logger *slog.Logger) (*Sink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mirror: mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mirror: mongodb ping: %w", err)
	}

	return &Sink{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "mirror"),
	}, nil
}

// Mirror writes records to the secondary sink. Unlike the primary store,
// a failure here is logged and swallowed — the caller should never treat a
// mirror error as a reason to fail a job or retry a record.
func (s *Sink) Mirror(ctx context.Context, jobID string, records []types.Record) {
	if len(records) == 0 {
		return
	}

	docs := make([]any, len(records))
	for i, r := range records {
		docs[i] = map[string]any{
			"_job_id":        jobID,
			"_fingerprint":   r.Fingerprint,
			"author":         r.Author,
			"content":        r.Content,
			"published_at":   r.PublishedAt,
			"likes":          r.Likes,
			"replies":        r.Replies,
			"reposts":        r.Reposts,
			"canonical_link": r.CanonicalLink,
			"hashtags":       r.Hashtags,
			"media":          r.MediaURLs,
			"category_hint":  r.CategoryHint,
		}
	}

	mirrorCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.collection.InsertMany(mirrorCtx, docs); err != nil {
		s.logger.Warn("mirror insert failed, continuing without mirroring", "job_id", jobID, "count", len(records), "error", err)
		return
	}

	s.mu.Lock()
	s.mirrored += len(records)
	s.mu.Unlock()
	s.logger.Debug("records mirrored", "job_id", jobID, "count", len(records))
}

// Close disconnects the MongoDB client.
func (s *Sink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
