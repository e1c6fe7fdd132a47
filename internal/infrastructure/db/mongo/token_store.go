package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/agrimarket/web-client/internal/core/ports"
)

const storageCollection = "client_storage"

// TokenStore keeps the bearer token as a single document keyed by name,
// mirroring a browser's key/value storage.
type TokenStore struct {
	coll *mongo.Collection
	key  string
}

var (
	_ ports.TokenStore = (*TokenStore)(nil)
	_ ports.Pinger     = (*TokenStore)(nil)
)

func NewTokenStore(db *mongo.Database, key string) *TokenStore {
	return &TokenStore{coll: db.Collection(storageCollection), key: key}
}

type storageEntry struct {
	Key       string `bson:"_id"`
	Value     string `bson:"value"`
	UpdatedAt int64  `bson:"updated_at"`
}

func (s *TokenStore) Load(ctx context.Context) (string, error) {
	var entry storageEntry
	if err := s.coll.FindOne(ctx, bson.M{"_id": s.key}).Decode(&entry); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", fmt.Errorf("find token: %w", err)
	}
	return entry.Value, nil
}

func (s *TokenStore) Save(ctx context.Context, token string) error {
	update := bson.M{"$set": bson.M{
		"value":      token,
		"updated_at": time.Now().UTC().Unix(),
	}}
	opts := options.Update().SetUpsert(true)
	if _, err := s.coll.UpdateOne(ctx, bson.M{"_id": s.key}, update, opts); err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (s *TokenStore) Clear(ctx context.Context) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": s.key}); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

func (s *TokenStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}
