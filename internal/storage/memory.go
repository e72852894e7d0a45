package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"autoforce/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	fp          map[string][]model.FPRecord
	updates     map[string][]model.UpdateEvent
	snapshots   map[string]model.ModelSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.fp = make(map[string][]model.FPRecord)
	s.updates = make(map[string][]model.UpdateEvent)
	s.snapshots = make(map[string]model.ModelSnapshot)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	run.Species = append([]int(nil), run.Species...)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

// ListRuns returns runs newest first.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC == runs[j].CreatedAtUTC {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
	})
	return runs, nil
}

func (s *MemoryStore) AppendFPRecord(_ context.Context, record model.FPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	record.Forces = append([][3]float64(nil), record.Forces...)
	record.Positions = append([][3]float64(nil), record.Positions...)
	record.Numbers = append([]int(nil), record.Numbers...)
	s.fp[record.RunID] = append(s.fp[record.RunID], record)
	return nil
}

func (s *MemoryStore) GetFPRecords(_ context.Context, runID string) ([]model.FPRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, ok := s.fp[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.FPRecord, len(records))
	copy(copied, records)
	return copied, true, nil
}

func (s *MemoryStore) AppendUpdateEvent(_ context.Context, event model.UpdateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.updates[event.RunID] = append(s.updates[event.RunID], event)
	return nil
}

func (s *MemoryStore) GetUpdateEvents(_ context.Context, runID string) ([]model.UpdateEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events, ok := s.updates[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.UpdateEvent, len(events))
	copy(copied, events)
	return copied, true, nil
}

func (s *MemoryStore) SaveModelSnapshot(_ context.Context, snapshot model.ModelSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	snapshot.Weights = append([]float64(nil), snapshot.Weights...)
	s.snapshots[snapshot.RunID] = snapshot
	return nil
}

func (s *MemoryStore) GetModelSnapshot(_ context.Context, runID string) (model.ModelSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[runID]
	return snapshot, ok, nil
}

var errNotInitialized = errors.New("store is not initialized")
