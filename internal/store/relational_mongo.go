package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultTurnsCollection = "activity_turns"

// MongoStore implements SessionStore against MongoDB (spec §6: selected
// when mongoUri is configured), grounded on the teacher's sessionmongo
// client.go facade pattern.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects to uri and opens database/activity_turns.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("store: mongo ping: %w", err)
	}
	coll := client.Database(database).Collection(defaultTurnsCollection)
	return &MongoStore{client: client, collection: coll}, nil
}

// EnsureIndexes creates the indexes RecentTurns relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "completedAt", Value: -1}},
	})
	return err
}

func (s *MongoStore) SaveTurn(ctx context.Context, turn TurnRecord) error {
	_, err := s.collection.InsertOne(ctx, turn)
	if err != nil {
		return fmt.Errorf("store: mongo save turn: %w", err)
	}
	return nil
}

func (s *MongoStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "completedAt", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.collection.Find(ctx, bson.M{"sessionId": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("store: mongo find turns: %w", err)
	}
	defer cursor.Close(ctx)

	var out []TurnRecord
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("store: mongo decode turns: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
