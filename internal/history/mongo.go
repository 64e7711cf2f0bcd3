package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kdotropez/loto-news/pkg/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSource reads draws from a MongoDB collection of {date, numbers}
// documents.
type MongoSource struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// ConnectMongo connects to MongoDB and verifies the connection.
func ConnectMongo(ctx context.Context, uri, database, collection string, timeout time.Duration) (*MongoSource, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if collection == "" {
		collection = "draws"
	}

	slog.Info("Connecting to MongoDB", "database", database, "collection", collection)

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(20).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout).
		SetRetryReads(true)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	slog.Info("Successfully connected to MongoDB")

	return &MongoSource{
		client:     client,
		collection: client.Database(database).Collection(collection),
		timeout:    timeout,
	}, nil
}

// Draws returns all draws sorted by date ascending.
func (s *MongoSource) Draws(ctx context.Context) ([]types.Draw, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: 1}}).
		SetProjection(bson.M{"_id": 0, "date": 1, "numbers": 1})

	cursor, err := s.collection.Find(ctxTimeout, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query draws: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var draws []types.Draw
	if err := cursor.All(ctxTimeout, &draws); err != nil {
		return nil, fmt.Errorf("failed to decode draws: %w", err)
	}
	return draws, nil
}

// Disconnect closes the MongoDB connection.
func (s *MongoSource) Disconnect(ctx context.Context) error {
	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.client.Disconnect(disconnectCtx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}
