package storage

import (
	"encoding/json"
	"errors"

	"autoforce/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion is the version stamp new records are written with.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeFPRecord(r model.FPRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeFPRecord(data []byte) (model.FPRecord, error) {
	var record model.FPRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.FPRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.FPRecord{}, err
	}
	return record, nil
}

func EncodeUpdateEvent(e model.UpdateEvent) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeUpdateEvent(data []byte) (model.UpdateEvent, error) {
	var event model.UpdateEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return model.UpdateEvent{}, err
	}
	if err := checkVersion(event.VersionedRecord); err != nil {
		return model.UpdateEvent{}, err
	}
	return event, nil
}

func EncodeModelSnapshot(s model.ModelSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeModelSnapshot(data []byte) (model.ModelSnapshot, error) {
	var snapshot model.ModelSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return model.ModelSnapshot{}, err
	}
	if err := checkVersion(snapshot.VersionedRecord); err != nil {
		return model.ModelSnapshot{}, err
	}
	return snapshot, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
