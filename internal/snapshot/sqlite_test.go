package snapshot

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_InsertAndCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Insert(ctx, "Patient", "p1", []byte(`{"resourceType":"Patient","id":"p1"}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, "Patient", "p2", []byte(`{"resourceType":"Patient","id":"p2"}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, "Observation", "", []byte(`{"resourceType":"Observation"}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	counts, err := s.CountByType(ctx)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if counts["Patient"] != 2 || counts["Observation"] != 1 {
		t.Fatalf("counts = %#v, want Patient:2 Observation:1", counts)
	}
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snap.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Insert(ctx, "Patient", "p1", []byte(`{}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s.Close()

	// Schema creation is idempotent and existing rows survive.
	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	counts, err := s2.CountByType(ctx)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if counts["Patient"] != 1 {
		t.Fatalf("counts after reopen = %#v, want Patient:1", counts)
	}
}

type recordingSink struct {
	got []map[string]any
}

func (r *recordingSink) Accept(resource map[string]any) {
	r.got = append(r.got, resource)
}

func TestSink_PersistsAndForwards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)
	inner := &recordingSink{}
	sink := NewSink(ctx, store, "Patient", inner)

	sink.Accept(map[string]any{"resourceType": "Patient", "id": "p1"})
	sink.Accept(map[string]any{"resourceType": "Patient"})

	if err := sink.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if len(inner.got) != 2 {
		t.Fatalf("inner sink received %d records, want 2", len(inner.got))
	}

	counts, err := store.CountByType(ctx)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if counts["Patient"] != 2 {
		t.Fatalf("counts = %#v, want Patient:2", counts)
	}
}
