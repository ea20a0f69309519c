// Package mongostore provides a MongoDB implementation of the storage backend.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/goclaw/eventmesh/pkg/logger"
	"github.com/goclaw/eventmesh/pkg/storage"
)

// Config holds configuration for MongoStorage.
type Config struct {
	ConnectionString string
	Database         string
	Collection       string
	Timeout          time.Duration
	Logger           logger.Logger
}

// document is the BSON shape of a step record.
type document struct {
	ID                  primitive.ObjectID `bson:"_id,omitempty"`
	SagaInstanceID      string             `bson:"saga_instance_id"`
	EventName           string             `bson:"event_name"`
	Status              string             `bson:"status"`
	Payload             bson.M             `bson:"payload"`
	Headers             map[string]string  `bson:"headers"`
	RetryCount          int                `bson:"retry_count"`
	ErrorMessage        string             `bson:"error_message,omitempty"`
	CompensationHandler string             `bson:"compensation_handler,omitempty"`
	ProcessedAt         *time.Time         `bson:"processed_at,omitempty"`
	CreatedAt           time.Time          `bson:"created_at"`
	UpdatedAt           time.Time          `bson:"updated_at"`
}

// MongoStorage implements storage.Backend on a MongoDB collection.
type MongoStorage struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	log        logger.Logger
	ownsClient bool
}

// Open connects to MongoDB and ensures the indexes exist.
func Open(ctx context.Context, cfg Config) (*MongoStorage, error) {
	if cfg.ConnectionString == "" || cfg.Database == "" {
		return nil, errors.New("mongodb connection string and database are required")
	}

	connectCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.ConnectionString))
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	s, err := New(ctx, client, cfg)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// New wraps an existing client and ensures the indexes exist.
func New(ctx context.Context, client *mongo.Client, cfg Config) (*MongoStorage, error) {
	collection := cfg.Collection
	if collection == "" {
		collection = "saga_logs"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global()
	}

	s := &MongoStorage{
		client:     client,
		collection: client.Database(cfg.Database).Collection(collection),
		timeout:    cfg.Timeout,
		log:        log.With("component", "storage.mongodb"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStorage) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "saga_instance_id", Value: 1}, {Key: "event_name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "saga_instance_id", Value: 1}, {Key: "created_at", Value: 1}},
		},
	})
	if err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

func (s *MongoStorage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func stepFilter(sagaInstanceID, eventName string) bson.M {
	return bson.M{"saga_instance_id": sagaInstanceID, "event_name": eventName}
}

// Store inserts or replaces a step record.
func (s *MongoStorage) Store(ctx context.Context, rec *storage.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	copied, err := rec.Clone()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := copied.CreatedAt.UTC()
	if copied.CreatedAt.IsZero() {
		createdAt = now
	}

	set := bson.M{
		"status":               statusOrDefault(copied.Status),
		"payload":              bson.M(copied.Payload),
		"headers":              copied.Headers,
		"retry_count":          copied.RetryCount,
		"error_message":        copied.ErrorMessage,
		"compensation_handler": copied.CompensationHandler,
		"processed_at":         copied.ProcessedAt,
		"updated_at":           now,
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": createdAt},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.collection.UpdateOne(ctx, stepFilter(rec.SagaInstanceID, rec.EventName), update,
		options.Update().SetUpsert(true))
	if err != nil {
		s.log.Error("failed to store saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// Insert stores a step record unless one exists. All fields go through
// $setOnInsert, so an upsert that matches leaves the document untouched.
func (s *MongoStorage) Insert(ctx context.Context, rec *storage.Record) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, err
	}
	copied, err := rec.Clone()
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	createdAt := copied.CreatedAt.UTC()
	if copied.CreatedAt.IsZero() {
		createdAt = now
	}
	update := bson.M{"$setOnInsert": bson.M{
		"status":               statusOrDefault(copied.Status),
		"payload":              bson.M(copied.Payload),
		"headers":              copied.Headers,
		"retry_count":          copied.RetryCount,
		"error_message":        copied.ErrorMessage,
		"compensation_handler": copied.CompensationHandler,
		"processed_at":         copied.ProcessedAt,
		"created_at":           createdAt,
		"updated_at":           now,
	}}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.collection.UpdateOne(ctx, stepFilter(rec.SagaInstanceID, rec.EventName), update,
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// Lost the upsert race against the unique step index.
		return false, nil
	}
	if err != nil {
		s.log.Error("failed to insert saga step", "saga_instance_id", rec.SagaInstanceID, "event_name", rec.EventName, "error", err)
		return false, &storage.StorageUnavailableError{Cause: err}
	}
	return res.UpsertedCount > 0, nil
}

// RecordFailure increments retry_count with $inc on a step that has not
// succeeded and returns the updated document.
func (s *MongoStorage) RecordFailure(ctx context.Context, sagaInstanceID, eventName, errorMessage string) (*storage.Record, error) {
	filter := stepFilter(sagaInstanceID, eventName)
	filter["status"] = bson.M{"$ne": storage.StatusSuccess}
	update := bson.M{
		"$set": bson.M{
			"status":        storage.StatusFailed,
			"error_message": errorMessage,
			"updated_at":    time.Now().UTC(),
		},
		"$inc": bson.M{"retry_count": 1},
	}

	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc document
	err := s.collection.FindOneAndUpdate(opCtx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either missing or already successful.
		return s.GetLog(ctx, sagaInstanceID, eventName)
	}
	if err != nil {
		s.log.Error("failed to record saga step failure", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return doc.toRecord()
}

// Update merges changes into an existing record.
func (s *MongoStorage) Update(ctx context.Context, sagaInstanceID, eventName string, changes storage.Changes) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	if changes.Status != nil {
		set["status"] = *changes.Status
	}
	if changes.Payload != nil {
		normalized, err := (&storage.Record{Payload: changes.Payload}).Clone()
		if err != nil {
			return err
		}
		set["payload"] = bson.M(normalized.Payload)
	}
	if changes.Headers != nil {
		set["headers"] = changes.Headers
	}
	if changes.RetryCount != nil {
		set["retry_count"] = *changes.RetryCount
	}
	if changes.ErrorMessage != nil {
		set["error_message"] = *changes.ErrorMessage
	}
	if changes.CompensationHandler != nil {
		set["compensation_handler"] = *changes.CompensationHandler
	}
	if changes.ProcessedAt != nil {
		set["processed_at"] = changes.ProcessedAt.UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.collection.UpdateOne(ctx, stepFilter(sagaInstanceID, eventName), bson.M{"$set": set})
	if err != nil {
		s.log.Error("failed to update saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return &storage.StorageUnavailableError{Cause: err}
	}
	if res.MatchedCount == 0 {
		return storage.StepNotFound(sagaInstanceID, eventName)
	}
	return nil
}

// GetLog retrieves a single step record.
func (s *MongoStorage) GetLog(ctx context.Context, sagaInstanceID, eventName string) (*storage.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc document
	err := s.collection.FindOne(ctx, stepFilter(sagaInstanceID, eventName)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, storage.StepNotFound(sagaInstanceID, eventName)
	}
	if err != nil {
		s.log.Error("failed to load saga step", "saga_instance_id", sagaInstanceID, "event_name", eventName, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return doc.toRecord()
}

// GetLogs returns all records of a saga in creation order.
func (s *MongoStorage) GetLogs(ctx context.Context, sagaInstanceID string) ([]*storage.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.collection.Find(ctx, bson.M{"saga_instance_id": sagaInstanceID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		s.log.Error("failed to list saga steps", "saga_instance_id", sagaInstanceID, "error", err)
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	defer cursor.Close(ctx)

	records := []*storage.Record{}
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return nil, &storage.SerializationError{Operation: "decode", Cause: err}
		}
		rec, err := doc.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return records, nil
}

// Close disconnects the client when it was created by Open.
func (s *MongoStorage) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// toRecord converts the document, normalizing BSON containers to plain maps
// and slices.
func (d *document) toRecord() (*storage.Record, error) {
	rec := &storage.Record{
		SagaInstanceID:      d.SagaInstanceID,
		EventName:           d.EventName,
		Status:              d.Status,
		Payload:             map[string]any(d.Payload),
		Headers:             d.Headers,
		RetryCount:          d.RetryCount,
		ErrorMessage:        d.ErrorMessage,
		CompensationHandler: d.CompensationHandler,
		ProcessedAt:         d.ProcessedAt,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
	return rec.Clone()
}

func statusOrDefault(status string) string {
	if status == "" {
		return storage.StatusPending
	}
	return status
}
