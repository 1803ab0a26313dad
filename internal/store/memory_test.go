package store

import (
	"context"
	"testing"
	"time"

	"tablebridge/engine/internal/models"
)

func TestMemoryStateStoreRoundTrip(t *testing.T) {
	s := NewMemoryStateStore()
	ctx := context.Background()

	state, err := s.Get(ctx, "cfg1")
	if err != nil || state != nil {
		t.Fatalf("unknown config = (%v, %v), want (nil, nil)", state, err)
	}

	in := models.NewSyncState("cfg1")
	in.Remember("rec1", "hash1", time.Now().UTC())
	if err := s.Put(ctx, "cfg1", in); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	out, err := s.Get(ctx, "cfg1")
	if err != nil || out == nil || out.Hash("rec1") != "hash1" {
		t.Fatalf("get = (%+v, %v)", out, err)
	}

	// Mutating the returned copy must not touch the stored snapshot.
	out.Remember("rec1", "tampered", time.Now().UTC())
	again, _ := s.Get(ctx, "cfg1")
	if again.Hash("rec1") != "hash1" {
		t.Errorf("stored state was mutated through a returned copy")
	}

	if err := s.Clear(ctx, "cfg1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if state, _ := s.Get(ctx, "cfg1"); state != nil {
		t.Errorf("state survived a clear")
	}
}

func TestMemoryLogSinkRecentNewestFirst(t *testing.T) {
	s := NewMemoryLogSink(2)
	ctx := context.Background()

	for _, id := range []string{"run1", "run2", "run3"} {
		_ = s.Write(ctx, &models.SyncResult{RunID: id, SyncConfigID: "cfg1"})
	}
	_ = s.Write(ctx, &models.SyncResult{RunID: "other", SyncConfigID: "cfg2"})

	results, err := s.Recent(ctx, "cfg1", 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	// Capacity 2: run1 and run2 were evicted by later writes.
	if len(results) != 1 || results[0].RunID != "run3" {
		t.Errorf("results = %+v, want only run3", results)
	}

	all, _ := s.Recent(ctx, "", 10)
	if len(all) != 2 || all[0].RunID != "other" {
		t.Errorf("all = %+v, want newest first", all)
	}
}

func TestMemoryConfigStore(t *testing.T) {
	s := NewMemoryConfigStore(models.SyncConfig{ID: "cfg1", SheetName: "Sheet1"})

	cfg, err := s.Get(context.Background(), "cfg1")
	if err != nil || cfg.SheetName != "Sheet1" {
		t.Fatalf("get = (%+v, %v)", cfg, err)
	}
	if _, err := s.Get(context.Background(), "nope"); err == nil {
		t.Errorf("unknown config accepted")
	}

	list, err := s.List(context.Background())
	if err != nil || len(list) != 1 {
		t.Errorf("list = (%v, %v)", list, err)
	}
}
