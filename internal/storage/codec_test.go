package storage

import (
	"errors"
	"testing"

	"autoforce/internal/model"
)

func TestDecodeRunRejectsVersionMismatch(t *testing.T) {
	run := model.RunRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: 99, CodecVersion: CurrentCodecVersion},
		ID:              "run-1",
	}
	data, err := EncodeRun(run)
	if err != nil {
		t.Fatalf("encode run: %v", err)
	}
	if _, err := DecodeRun(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestDecodeFPRecordKeepsGeometry(t *testing.T) {
	record := model.FPRecord{
		VersionedRecord: CurrentVersion(),
		RunID:           "run-1",
		Step:            7,
		Energy:          -3.25,
		Forces:          [][3]float64{{0.1, 0, 0}, {-0.1, 0, 0}},
		Positions:       [][3]float64{{0, 0, 0}, {1.1, 0, 0}},
		Numbers:         []int{18, 18},
		Cell:            [3][3]float64{{10, 0, 0}, {0, 10, 0}, {0, 0, 10}},
	}
	data, err := EncodeFPRecord(record)
	if err != nil {
		t.Fatalf("encode fp record: %v", err)
	}
	decoded, err := DecodeFPRecord(data)
	if err != nil {
		t.Fatalf("decode fp record: %v", err)
	}
	if decoded.Step != 7 || decoded.Energy != -3.25 {
		t.Fatalf("unexpected record: %+v", decoded)
	}
	if decoded.Positions[1][0] != 1.1 || decoded.Cell[2][2] != 10 {
		t.Fatalf("geometry not preserved: %+v", decoded)
	}
}

func TestDecodeUpdateEventRejectsGarbage(t *testing.T) {
	if _, err := DecodeUpdateEvent([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}
