package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", FileName))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndRecent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{At: base, Title: "One", Artist: "A", Status: StatusPosted, NoteID: "n1"},
		{At: base.Add(time.Minute), Title: "Two", Artist: "B", Status: StatusFailed, Error: "503"},
		{At: base.Add(2 * time.Minute), Title: "Three", Artist: "C", Status: StatusPosted, NoteID: "n3", FileID: "f3"},
	}
	for _, e := range entries {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Title != "Three" || got[1].Title != "Two" {
		t.Errorf("unexpected order: %q, %q", got[0].Title, got[1].Title)
	}
	if got[0].FileID != "f3" || got[0].Status != StatusPosted {
		t.Errorf("unexpected entry: %+v", got[0])
	}
	if got[1].Error != "503" || got[1].Status != StatusFailed {
		t.Errorf("unexpected entry: %+v", got[1])
	}
	if !got[0].At.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("timestamp mismatch: %v", got[0].At)
	}
}

func TestRecordStampsTime(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	before := time.Now().Add(-time.Second)
	if err := store.Record(ctx, Entry{Title: "Now", Status: StatusSkipped}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := store.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].At.Before(before) {
		t.Errorf("expected a fresh timestamp, got %+v", got)
	}
}

func TestCountAndClear(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, st := range []Status{StatusPosted, StatusPosted, StatusFailed} {
		if err := store.Record(ctx, Entry{Status: st}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if n, _ := store.Count(ctx, ""); n != 3 {
		t.Errorf("expected 3 total, got %d", n)
	}
	if n, _ := store.Count(ctx, StatusPosted); n != 2 {
		t.Errorf("expected 2 posted, got %d", n)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty history, got %d", len(got))
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), FileName)

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Record(ctx, Entry{Title: "Kept", Status: StatusPosted}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	got, err := store.Recent(ctx, 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Kept" {
		t.Errorf("unexpected entries after reopen: %+v", got)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Error("expected error for empty path")
	}
}
