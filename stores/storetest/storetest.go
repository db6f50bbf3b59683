// Package storetest holds the behaviour every core.DocumentStore backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"docrelay/core"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// Run exercises store against the DocumentStore contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) core.DocumentStore) {
	t.Run("CreateAndFind", func(t *testing.T) { testCreateAndFind(t, newStore(t)) })
	t.Run("FindNotFound", func(t *testing.T) { testFindNotFound(t, newStore(t)) })
	t.Run("DataIntegrity", func(t *testing.T) { testDataIntegrity(t, newStore(t)) })
	t.Run("ListByOwner", func(t *testing.T) { testListByOwner(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("UpdateNotFound", func(t *testing.T) { testUpdateNotFound(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, newStore(t)) })
}

func testCreateAndFind(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()

	created, err := store.Create(ctx, "Notes", "Hello", "user-1")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// ULIDs are 26 characters
	if len(created.ID) != 26 {
		t.Errorf("Create() returned invalid ID length: got %d, want 26", len(created.ID))
	}
	if created.Title != "Notes" || created.Content != "Hello" || created.OwnerID != "user-1" {
		t.Errorf("Create() fields mismatch: %+v", created)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Errorf("Create() did not set timestamps: %+v", created)
	}

	found, err := store.FindID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}
	if found.ID != created.ID || found.Title != "Notes" || found.Content != "Hello" || found.OwnerID != "user-1" {
		t.Errorf("FindID() mismatch: got %+v, want %+v", found, created)
	}
	if found.CreatedAt.UnixMilli() != created.CreatedAt.UnixMilli() {
		t.Errorf("CreatedAt mismatch: got %v, want %v", found.CreatedAt, created.CreatedAt)
	}
}

func testFindNotFound(t *testing.T, store core.DocumentStore) {
	_, err := store.FindID(context.Background(), "nonexistent-id")
	if !errors.Is(err, core.ErrDocumentNotFound) {
		t.Fatalf("FindID() error mismatch: got %v, want ErrDocumentNotFound", err)
	}

	expectedError := "document with id nonexistent-id not found"
	if err.Error() != expectedError {
		t.Errorf("FindID() error message mismatch: got %q, want %q", err.Error(), expectedError)
	}
}

func testDataIntegrity(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()

	testCases := []struct {
		name    string
		content string
	}{
		{"Empty", ""},
		{"ASCII", "Hello World"},
		{"UTF-8", "Hello 世界 🌍"},
		{"JSON", `{"ops":[{"insert":"x"}]}`},
		{"Special chars", "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
		{"Newlines", "line1\nline2\r\nline3"},
		{"Large", strings.Repeat("x", 1024*1024)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			created, err := store.Create(ctx, tc.name, tc.content, "user-1")
			if err != nil {
				t.Fatalf("Create() failed: %v", err)
			}

			found, err := store.FindID(ctx, created.ID)
			if err != nil {
				t.Fatalf("FindID() failed: %v", err)
			}
			if found.Content != tc.content {
				t.Errorf("Data integrity failed: got %d bytes, want %d bytes", len(found.Content), len(tc.content))
			}
		})
	}
}

func testListByOwner(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()

	empty, err := store.List(ctx, "nobody")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("List() for unknown owner: got %d documents, want 0", len(empty))
	}

	for i := 0; i < 3; i++ {
		if _, err := store.Create(ctx, fmt.Sprintf("a-%d", i), "", "alice"); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}
	if _, err := store.Create(ctx, "b-0", "", "bob"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	docs, err := store.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("List() count mismatch: got %d, want 3", len(docs))
	}
	for _, doc := range docs {
		if doc.OwnerID != "alice" {
			t.Errorf("List() returned document owned by %q", doc.OwnerID)
		}
	}
}

func testUpdate(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()

	created, err := store.Create(ctx, "Draft", "v1", "user-1")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	updated, err := store.Update(ctx, created.ID, "Final", "v2")
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Title != "Final" || updated.Content != "v2" {
		t.Errorf("Update() result mismatch: %+v", updated)
	}
	if updated.OwnerID != "user-1" {
		t.Errorf("Update() changed owner: got %q", updated.OwnerID)
	}
	if updated.CreatedAt.UnixMilli() != created.CreatedAt.UnixMilli() {
		t.Errorf("Update() changed CreatedAt: got %v, want %v", updated.CreatedAt, created.CreatedAt)
	}
	if updated.UpdatedAt.Before(created.UpdatedAt.Truncate(time.Millisecond)) {
		t.Errorf("UpdatedAt went backwards: %v < %v", updated.UpdatedAt, created.UpdatedAt)
	}

	found, err := store.FindID(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindID() failed: %v", err)
	}
	if found.Title != "Final" || found.Content != "v2" {
		t.Errorf("Update() not persisted: %+v", found)
	}
}

func testUpdateNotFound(t *testing.T, store core.DocumentStore) {
	_, err := store.Update(context.Background(), "nonexistent-id", "t", "c")
	if !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("Update() error mismatch: got %v, want ErrDocumentNotFound", err)
	}
}

func testDelete(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()

	created, err := store.Create(ctx, "Temp", "bye", "user-1")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.FindID(ctx, created.ID); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("FindID() after Delete(): got %v, want ErrDocumentNotFound", err)
	}
	if err := store.Delete(ctx, created.ID); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("second Delete() error mismatch: got %v, want ErrDocumentNotFound", err)
	}
}

func testConcurrentCreate(t *testing.T, store core.DocumentStore) {
	ctx := context.Background()
	numGoroutines := 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := make(map[string]bool)
	var testErrors []error

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			doc, err := store.Create(ctx, fmt.Sprintf("concurrent-%d", index), "x", "user-1")

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				testErrors = append(testErrors, err)
				return
			}
			ids[doc.ID] = true
		}(i)
	}
	wg.Wait()

	for _, err := range testErrors {
		t.Errorf("Concurrent Create() failed: %v", err)
	}
	if len(ids) != numGoroutines {
		t.Errorf("Expected %d unique IDs, got %d", numGoroutines, len(ids))
	}
}
