package storage

import (
	"context"
	"testing"

	"autoforce/internal/model"
)

func TestMemoryStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	older := model.RunRecord{VersionedRecord: CurrentVersion(), ID: "run-a", CreatedAtUTC: "2026-01-01T00:00:00Z", Algorithm: "fast"}
	newer := model.RunRecord{VersionedRecord: CurrentVersion(), ID: "run-b", CreatedAtUTC: "2026-02-01T00:00:00Z", Algorithm: "ultrafast"}
	for _, run := range []model.RunRecord{older, newer} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	got, ok, err := store.GetRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if !ok || got.Algorithm != "fast" {
		t.Fatalf("unexpected run: %+v ok=%t", got, ok)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-b" {
		t.Fatalf("expected newest run first, got %+v", runs)
	}
}

func TestMemoryStoreFPRecordsAppendInOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	for step := 0; step < 3; step++ {
		record := model.FPRecord{VersionedRecord: CurrentVersion(), RunID: "run-1", Step: step, Energy: float64(-step)}
		if err := store.AppendFPRecord(ctx, record); err != nil {
			t.Fatalf("append fp: %v", err)
		}
	}

	records, ok, err := store.GetFPRecords(ctx, "run-1")
	if err != nil {
		t.Fatalf("get fp: %v", err)
	}
	if !ok || len(records) != 3 {
		t.Fatalf("unexpected fp records: %+v", records)
	}
	if records[2].Step != 2 || records[2].Energy != -2 {
		t.Fatalf("unexpected last record: %+v", records[2])
	}

	if _, ok, _ := store.GetFPRecords(ctx, "missing"); ok {
		t.Fatal("expected no records for unknown run")
	}
}

func TestMemoryStoreUpdateEventsAndSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	event := model.UpdateEvent{VersionedRecord: CurrentVersion(), RunID: "run-1", Step: 4, Changed: true, DataAdded: 1, InducingAdded: 2}
	if err := store.AppendUpdateEvent(ctx, event); err != nil {
		t.Fatalf("append update: %v", err)
	}
	events, ok, err := store.GetUpdateEvents(ctx, "run-1")
	if err != nil || !ok || len(events) != 1 || events[0].InducingAdded != 2 {
		t.Fatalf("unexpected update events: %+v ok=%t err=%v", events, ok, err)
	}

	weights := []float64{0.5, -0.25}
	snapshot := model.ModelSnapshot{VersionedRecord: CurrentVersion(), RunID: "run-1", DataCount: 2, InducingCount: 2, Weights: weights}
	if err := store.SaveModelSnapshot(ctx, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	weights[0] = 99

	got, ok, err := store.GetModelSnapshot(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get snapshot: ok=%t err=%v", ok, err)
	}
	if got.Weights[0] != 0.5 {
		t.Fatalf("snapshot aliases caller slice: %+v", got.Weights)
	}
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SaveRun(context.Background(), model.RunRecord{ID: "run-1"}); err == nil {
		t.Fatal("expected error before init")
	}
}
