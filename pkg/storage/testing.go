package storage

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// BackendTestSuite defines a test suite that can be run against any Backend implementation.
type BackendTestSuite struct {
	NewBackend func(t *testing.T) Backend
}

// RunAllTests runs all storage tests against the provided backend implementation.
func (s *BackendTestSuite) RunAllTests(t *testing.T) {
	t.Run("StoreAndGetLog", s.TestStoreAndGetLog)
	t.Run("StoreIsUpsert", s.TestStoreIsUpsert)
	t.Run("NestedPayload", s.TestNestedPayload)
	t.Run("LargeIntegerPayload", s.TestLargeIntegerPayload)
	t.Run("InsertIsCreateOnly", s.TestInsertIsCreateOnly)
	t.Run("ConcurrentInserts", s.TestConcurrentInserts)
	t.Run("RecordFailure", s.TestRecordFailure)
	t.Run("ConcurrentRecordFailure", s.TestConcurrentRecordFailure)
	t.Run("Update", s.TestUpdate)
	t.Run("UpdateNotFound", s.TestUpdateNotFound)
	t.Run("GetLogNotFound", s.TestGetLogNotFound)
	t.Run("GetLogsOrder", s.TestGetLogsOrder)
	t.Run("GetLogsEmpty", s.TestGetLogsEmpty)
	t.Run("ConcurrentStores", s.TestConcurrentStores)
	t.Run("InvalidRecord", s.TestInvalidRecord)
}

func suiteSagaID(t *testing.T) string {
	return fmt.Sprintf("saga-%s-%d", t.Name(), time.Now().UnixNano())
}

// TestStoreAndGetLog checks that payload and headers survive a round trip.
func (s *BackendTestSuite) TestStoreAndGetLog(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)

	rec := &Record{
		SagaInstanceID: sagaID,
		EventName:      "order.created",
		Status:         StatusPending,
		Payload:        map[string]any{"order_id": 123, "amount": 99.99},
		Headers:        map[string]string{"X-Saga-Instance-Id": sagaID, "Content-Type": "application/json"},
	}
	if err := store.Store(ctx, rec); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := store.GetLog(ctx, sagaID, "order.created")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}

	if got.SagaInstanceID != sagaID || got.EventName != "order.created" {
		t.Errorf("unexpected key %s/%s", got.SagaInstanceID, got.EventName)
	}
	if got.Status != StatusPending {
		t.Errorf("expected status pending, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("expected retry count 0, got %d", got.RetryCount)
	}
	if got.Payload["order_id"] != float64(123) {
		t.Errorf("expected order_id 123, got %v (%T)", got.Payload["order_id"], got.Payload["order_id"])
	}
	if got.Payload["amount"] != 99.99 {
		t.Errorf("expected amount 99.99, got %v", got.Payload["amount"])
	}
	if len(got.Headers) != 2 || got.Headers["X-Saga-Instance-Id"] != sagaID {
		t.Errorf("unexpected headers %v", got.Headers)
	}
	if got.ProcessedAt != nil {
		t.Errorf("expected nil processed_at, got %v", got.ProcessedAt)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

// TestStoreIsUpsert checks that storing the same pair twice keeps one record.
func (s *BackendTestSuite) TestStoreIsUpsert(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	first := &Record{
		SagaInstanceID: sagaID,
		EventName:      "payment.requested",
		Status:         StatusPending,
		Payload:        map[string]any{"attempt": 1},
		CreatedAt:      created,
	}
	if err := store.Store(ctx, first); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	second := &Record{
		SagaInstanceID: sagaID,
		EventName:      "payment.requested",
		Status:         StatusFailed,
		Payload:        map[string]any{"attempt": 2},
		RetryCount:     1,
		CreatedAt:      created.Add(30 * time.Minute),
	}
	if err := store.Store(ctx, second); err != nil {
		t.Fatalf("second Store failed: %v", err)
	}

	logs, err := store.GetLogs(ctx, sagaID)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(logs))
	}
	got := logs[0]
	if got.Status != StatusFailed || got.RetryCount != 1 {
		t.Errorf("expected replaced record, got status=%s retries=%d", got.Status, got.RetryCount)
	}
	if got.Payload["attempt"] != float64(2) {
		t.Errorf("expected attempt 2, got %v", got.Payload["attempt"])
	}
	if d := got.CreatedAt.Sub(created); d > time.Second || d < -time.Second {
		t.Errorf("expected created_at %v to be preserved, got %v", created, got.CreatedAt)
	}
}

// TestNestedPayload checks that object and array shapes are preserved.
func (s *BackendTestSuite) TestNestedPayload(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)

	rec := &Record{
		SagaInstanceID: sagaID,
		EventName:      "inventory.reserved",
		Status:         StatusPending,
		Payload: map[string]any{
			"items": []any{
				map[string]any{"sku": "A-1", "qty": 2},
				map[string]any{"sku": "B-7", "qty": 1},
			},
			"customer": map[string]any{"id": "c-9", "vip": true},
			"note":     nil,
		},
	}
	if err := store.Store(ctx, rec); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := store.GetLog(ctx, sagaID, "inventory.reserved")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}

	items, ok := got.Payload["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 items, got %#v", got.Payload["items"])
	}
	first, ok := items[0].(map[string]any)
	if !ok || first["sku"] != "A-1" || first["qty"] != float64(2) {
		t.Errorf("unexpected first item %#v", items[0])
	}
	customer, ok := got.Payload["customer"].(map[string]any)
	if !ok || customer["vip"] != true {
		t.Errorf("unexpected customer %#v", got.Payload["customer"])
	}
	if v, exists := got.Payload["note"]; !exists || v != nil {
		t.Errorf("expected null note to be kept, got %#v (exists=%v)", v, exists)
	}
	if got.Headers == nil {
		t.Error("expected empty headers map, got nil")
	}
}

// TestLargeIntegerPayload checks that integers beyond 2^53 are not rounded.
func (s *BackendTestSuite) TestLargeIntegerPayload(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)

	payload := map[string]any{
		"big":      int64(9007199254740993),
		"negative": int64(-9007199254740995),
		"nested":   map[string]any{"ledger_id": int64(1234567890123456789)},
	}
	rec := &Record{SagaInstanceID: sagaID, EventName: "ledger.posted", Status: StatusPending, Payload: payload}
	if err := store.Store(ctx, rec); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := store.GetLog(ctx, sagaID, "ledger.posted")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if !reflect.DeepEqual(got.Payload, payload) {
		t.Errorf("payload changed in storage:\n got  %#v\n want %#v", got.Payload, payload)
	}

	logs, err := store.GetLogs(ctx, sagaID)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if len(logs) != 1 || !reflect.DeepEqual(logs[0].Payload, payload) {
		t.Errorf("GetLogs payload changed: %#v", logs)
	}
}

// TestInsertIsCreateOnly checks that Insert never overwrites.
func (s *BackendTestSuite) TestInsertIsCreateOnly(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)

	created, err := store.Insert(ctx, &Record{
		SagaInstanceID: sagaID,
		EventName:      "payment.requested",
		Status:         StatusPending,
		Payload:        map[string]any{"attempt": 1},
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if !created {
		t.Fatal("expected first Insert to create the record")
	}

	created, err = store.Insert(ctx, &Record{
		SagaInstanceID: sagaID,
		EventName:      "payment.requested",
		Status:         StatusFailed,
		Payload:        map[string]any{"attempt": 2},
		RetryCount:     5,
	})
	if err != nil {
		t.Fatalf("second Insert failed: %v", err)
	}
	if created {
		t.Error("expected second Insert to report an existing record")
	}

	got, err := store.GetLog(ctx, sagaID, "payment.requested")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if got.Status != StatusPending || got.RetryCount != 0 || got.Payload["attempt"] != float64(1) {
		t.Errorf("existing record was overwritten: %+v", got)
	}

	if _, err := store.Insert(ctx, &Record{EventName: "order.created"}); err == nil {
		t.Error("expected error for missing saga instance id")
	}
}

// TestConcurrentInserts checks that exactly one of many racing inserts wins.
func (s *BackendTestSuite) TestConcurrentInserts(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)
	const n = 10

	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := store.Insert(ctx, &Record{SagaInstanceID: sagaID, EventName: "order.created", Status: StatusPending})
			if created {
				wins.Add(1)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Insert failed: %v", err)
		}
	}
	if got := wins.Load(); got != 1 {
		t.Errorf("expected exactly one Insert to create the record, got %d", got)
	}
}

// TestRecordFailure checks the failure counter and its terminal cases.
func (s *BackendTestSuite) TestRecordFailure(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)

	if _, err := store.RecordFailure(ctx, sagaID, "missing", "boom"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}

	if err := store.Store(ctx, &Record{
		SagaInstanceID: sagaID,
		EventName:      "payment.charge",
		Status:         StatusPending,
		Payload:        map[string]any{"order_id": "o-1"},
	}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	for i, msg := range []string{"card declined", "gateway timeout"} {
		rec, err := store.RecordFailure(ctx, sagaID, "payment.charge", msg)
		if err != nil {
			t.Fatalf("RecordFailure failed: %v", err)
		}
		if rec.Status != StatusFailed || rec.RetryCount != i+1 || rec.ErrorMessage != msg {
			t.Errorf("attempt %d: unexpected record status=%s retries=%d error=%q", i+1, rec.Status, rec.RetryCount, rec.ErrorMessage)
		}
		if rec.Payload["order_id"] != "o-1" {
			t.Errorf("payload should be untouched, got %v", rec.Payload)
		}
	}

	got, err := store.GetLog(ctx, sagaID, "payment.charge")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if got.RetryCount != 2 || got.ErrorMessage != "gateway timeout" {
		t.Errorf("stored record not updated: retries=%d error=%q", got.RetryCount, got.ErrorMessage)
	}

	success := StatusSuccess
	empty := ""
	if err := store.Update(ctx, sagaID, "payment.charge", Changes{Status: &success, ErrorMessage: &empty}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	rec, err := store.RecordFailure(ctx, sagaID, "payment.charge", "late failure")
	if err != nil {
		t.Fatalf("RecordFailure on completed step failed: %v", err)
	}
	if rec.Status != StatusSuccess || rec.RetryCount != 2 || rec.ErrorMessage != "" {
		t.Errorf("completed step changed: status=%s retries=%d error=%q", rec.Status, rec.RetryCount, rec.ErrorMessage)
	}
}

// TestConcurrentRecordFailure checks that racing failures are all counted
// and each caller sees a distinct count.
func (s *BackendTestSuite) TestConcurrentRecordFailure(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)
	const n = 20

	if err := store.Store(ctx, &Record{SagaInstanceID: sagaID, EventName: "payment.charge", Status: StatusPending}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	var wg sync.WaitGroup
	counts := make(chan int, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := store.RecordFailure(ctx, sagaID, "payment.charge", fmt.Sprintf("failure %d", i))
			if err != nil {
				errs <- err
				return
			}
			counts <- rec.RetryCount
		}(i)
	}
	wg.Wait()
	close(counts)
	close(errs)

	for err := range errs {
		t.Errorf("concurrent RecordFailure failed: %v", err)
	}
	seen := make(map[int]bool, n)
	for c := range counts {
		if seen[c] {
			t.Errorf("retry count %d handed to two callers", c)
		}
		seen[c] = true
	}

	got, err := store.GetLog(ctx, sagaID, "payment.charge")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if got.RetryCount != n {
		t.Errorf("expected retry count %d, got %d", n, got.RetryCount)
	}
}

// TestUpdate checks partial updates.
func (s *BackendTestSuite) TestUpdate(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)

	rec := &Record{
		SagaInstanceID: sagaID,
		EventName:      "payment.failed",
		Status:         StatusPending,
		Payload:        map[string]any{"order_id": "o-1"},
		Headers:        map[string]string{"trace": "abc"},
	}
	if err := store.Store(ctx, rec); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	before, err := store.GetLog(ctx, sagaID, "payment.failed")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}

	status := StatusFailed
	retries := 1
	msg := "card declined"
	processed := time.Now().UTC().Truncate(time.Millisecond)
	err = store.Update(ctx, sagaID, "payment.failed", Changes{
		Status:       &status,
		RetryCount:   &retries,
		ErrorMessage: &msg,
		ProcessedAt:  &processed,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.GetLog(ctx, sagaID, "payment.failed")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected status failed, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
	if got.ErrorMessage != "card declined" {
		t.Errorf("expected error message, got %q", got.ErrorMessage)
	}
	if got.ProcessedAt == nil {
		t.Fatal("expected processed_at to be set")
	}
	if d := got.ProcessedAt.Sub(processed); d > time.Second || d < -time.Second {
		t.Errorf("expected processed_at %v, got %v", processed, got.ProcessedAt)
	}
	if got.Payload["order_id"] != "o-1" {
		t.Errorf("payload should be untouched, got %v", got.Payload)
	}
	if got.Headers["trace"] != "abc" {
		t.Errorf("headers should be untouched, got %v", got.Headers)
	}
	if got.UpdatedAt.Before(before.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v < %v", got.UpdatedAt, before.UpdatedAt)
	}

	empty := ""
	if err := store.Update(ctx, sagaID, "payment.failed", Changes{ErrorMessage: &empty}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err = store.GetLog(ctx, sagaID, "payment.failed")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if got.ErrorMessage != "" {
		t.Errorf("expected cleared error message, got %q", got.ErrorMessage)
	}
}

// TestUpdateNotFound checks that updating a missing record fails.
func (s *BackendTestSuite) TestUpdateNotFound(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	status := StatusSuccess
	err := store.Update(context.Background(), suiteSagaID(t), "missing", Changes{Status: &status})
	if !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

// TestGetLogNotFound checks the absent case.
func (s *BackendTestSuite) TestGetLogNotFound(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	_, err := store.GetLog(context.Background(), suiteSagaID(t), "missing")
	if !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

// TestGetLogsOrder checks creation ordering and saga isolation.
func (s *BackendTestSuite) TestGetLogsOrder(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)
	otherID := sagaID + "-other"
	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)

	events := []string{"order.created", "payment.requested", "inventory.reserved", "order.shipped"}
	for i, event := range events {
		rec := &Record{
			SagaInstanceID: sagaID,
			EventName:      event,
			Status:         StatusPending,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Store(ctx, rec); err != nil {
			t.Fatalf("Store %s failed: %v", event, err)
		}
	}
	if err := store.Store(ctx, &Record{SagaInstanceID: otherID, EventName: "order.created", Status: StatusPending}); err != nil {
		t.Fatalf("Store other failed: %v", err)
	}

	logs, err := store.GetLogs(ctx, sagaID)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if len(logs) != len(events) {
		t.Fatalf("expected %d records, got %d", len(events), len(logs))
	}
	for i, rec := range logs {
		if rec.EventName != events[i] {
			t.Errorf("position %d: expected %s, got %s", i, events[i], rec.EventName)
		}
		if rec.SagaInstanceID != sagaID {
			t.Errorf("record from another saga leaked: %s", rec.SagaInstanceID)
		}
	}

	again, err := store.GetLogs(ctx, sagaID)
	if err != nil {
		t.Fatalf("second GetLogs failed: %v", err)
	}
	if len(again) != len(logs) {
		t.Errorf("GetLogs is not repeatable: %d vs %d", len(again), len(logs))
	}
}

// TestGetLogsEmpty checks that an unknown saga yields no records and no error.
func (s *BackendTestSuite) TestGetLogsEmpty(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	logs, err := store.GetLogs(context.Background(), suiteSagaID(t))
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected no records, got %d", len(logs))
	}
}

// TestConcurrentStores tests concurrent writes to distinct steps.
func (s *BackendTestSuite) TestConcurrentStores(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	sagaID := suiteSagaID(t)
	const n = 10

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.Store(ctx, &Record{
				SagaInstanceID: sagaID,
				EventName:      fmt.Sprintf("step.%d", i),
				Status:         StatusPending,
				Payload:        map[string]any{"i": i},
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Store failed: %v", err)
		}
	}

	logs, err := store.GetLogs(ctx, sagaID)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if len(logs) != n {
		t.Errorf("expected %d records, got %d", n, len(logs))
	}
}

// TestInvalidRecord checks that records without a key are rejected.
func (s *BackendTestSuite) TestInvalidRecord(t *testing.T) {
	store := s.NewBackend(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.Store(ctx, &Record{EventName: "order.created"}); err == nil {
		t.Error("expected error for missing saga instance id")
	}
	if err := store.Store(ctx, &Record{SagaInstanceID: "saga-1"}); err == nil {
		t.Error("expected error for missing event name")
	}
}
