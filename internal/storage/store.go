package storage

import (
	"context"

	"autoforce/internal/model"
)

// Store defines transaction-like persistence operations for on-the-fly learning runs.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	AppendFPRecord(ctx context.Context, record model.FPRecord) error
	GetFPRecords(ctx context.Context, runID string) ([]model.FPRecord, bool, error)
	AppendUpdateEvent(ctx context.Context, event model.UpdateEvent) error
	GetUpdateEvents(ctx context.Context, runID string) ([]model.UpdateEvent, bool, error)
	SaveModelSnapshot(ctx context.Context, snapshot model.ModelSnapshot) error
	GetModelSnapshot(ctx context.Context, runID string) (model.ModelSnapshot, bool, error)
}
