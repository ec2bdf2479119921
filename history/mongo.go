// Package history stores task lifecycle events in MongoDB.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/lovelumine/rnaqueue"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Connect establishes a connection and verifies it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// Store is a Recorder backed by one collection.
type Store struct {
	col *mongo.Collection
}

func NewStore(col *mongo.Collection) *Store {
	return &Store{col: col}
}

// EnsureIndexes creates the (userId, at) index used by List.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create history index: %w", err)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, event rnaqueue.TaskEvent) error {
	if _, err := s.col.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("insert %s event: %w", event.Event, err)
	}
	return nil
}

// List returns the user's most recent events, newest first. A non-empty
// taskID narrows the result to one task.
func (s *Store) List(ctx context.Context, userID int64, taskID string, limit int) ([]rnaqueue.TaskEvent, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	filter := bson.M{"userId": userID}
	if taskID != "" {
		filter["taskId"] = taskID
	}
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.M{"at": -1})
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer cursor.Close(ctx)

	events := []rnaqueue.TaskEvent{}
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return events, nil
}
