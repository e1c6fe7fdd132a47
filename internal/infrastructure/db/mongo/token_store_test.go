package mongo

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestTokenStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("load returns stored value", func(mt *mtest.T) {
		store := NewTokenStore(mt.DB, "token")
		ns := mt.DB.Name() + "." + storageCollection
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "token"},
			{Key: "value", Value: "abc123"},
		}))

		token, err := store.Load(context.Background())
		if err != nil {
			mt.Fatalf("Load returned error: %v", err)
		}
		if token != "abc123" {
			mt.Fatalf("expected abc123, got %q", token)
		}
	})

	mt.Run("load with no document is empty", func(mt *mtest.T) {
		store := NewTokenStore(mt.DB, "token")
		ns := mt.DB.Name() + "." + storageCollection
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		token, err := store.Load(context.Background())
		if err != nil {
			mt.Fatalf("Load returned error: %v", err)
		}
		if token != "" {
			mt.Fatalf("expected empty token, got %q", token)
		}
	})

	mt.Run("save upserts", func(mt *mtest.T) {
		store := NewTokenStore(mt.DB, "token")
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		if err := store.Save(context.Background(), "abc123"); err != nil {
			mt.Fatalf("Save returned error: %v", err)
		}
	})

	mt.Run("clear deletes", func(mt *mtest.T) {
		store := NewTokenStore(mt.DB, "token")
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		if err := store.Clear(context.Background()); err != nil {
			mt.Fatalf("Clear returned error: %v", err)
		}
	})

	mt.Run("server error is wrapped", func(mt *mtest.T) {
		store := NewTokenStore(mt.DB, "token")
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Message: "bad value",
			Name:    "BadValue",
		}))

		if _, err := store.Load(context.Background()); err == nil {
			mt.Fatalf("expected error from Load")
		}
	})
}
