package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
)

func TestMongoStorageSuite(t *testing.T) {
	uri := os.Getenv("EVENTMESH_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("EVENTMESH_TEST_MONGODB_URI not set")
	}

	suite := &storage.BackendTestSuite{
		NewBackend: func(t *testing.T) storage.Backend {
			s, err := Open(context.Background(), Config{
				ConnectionString: uri,
				Database:         "eventmesh_test",
				Collection:       fmt.Sprintf("saga_logs_%d", time.Now().UnixNano()),
				Timeout:          5 * time.Second,
				Logger:           logger.Nop(),
			})
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			t.Cleanup(func() {
				_ = s.collection.Drop(context.Background())
			})
			return s
		},
	}

	suite.RunAllTests(t)
}

func TestOpen_RequiresSettings(t *testing.T) {
	if _, err := Open(context.Background(), Config{Database: "x"}); err == nil {
		t.Error("expected error without connection string")
	}
	if _, err := Open(context.Background(), Config{ConnectionString: "mongodb://localhost"}); err == nil {
		t.Error("expected error without database")
	}
}

func TestDocumentToRecord(t *testing.T) {
	now := time.Now().UTC()
	doc := &document{
		SagaInstanceID: "saga-1",
		EventName:      "order.created",
		Status:         storage.StatusPending,
		Payload: bson.M{
			"order_id": 123.0,
			"items":    primitive.A{bson.M{"sku": "A"}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	rec, err := doc.toRecord()
	if err != nil {
		t.Fatalf("toRecord failed: %v", err)
	}
	items, ok := rec.Payload["items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("expected plain slice, got %T", rec.Payload["items"])
	}
	if _, ok := items[0].(map[string]any); !ok {
		t.Errorf("expected plain map, got %T", items[0])
	}
	if rec.Headers == nil {
		t.Error("expected empty headers map")
	}
}
