package leapfrog

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"autoforce/internal/model"
	"autoforce/internal/storage"
)

// Trajectory is an append-only file of reference evaluations, one encoded
// model.FPRecord per line.
type Trajectory struct {
	path string
	mu   sync.Mutex
}

// OpenTrajectory returns a trajectory appending to path. Existing records
// are kept. An empty path discards records.
func OpenTrajectory(path string) *Trajectory {
	return &Trajectory{path: path}
}

func (t *Trajectory) Path() string { return t.path }

func (t *Trajectory) Append(record model.FPRecord) error {
	if t == nil || t.path == "" {
		return nil
	}
	data, err := storage.EncodeFPRecord(record)
	if err != nil {
		return fmt.Errorf("encode fp record: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trajectory: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadTrajectory decodes every record of a trajectory file.
func ReadTrajectory(path string) ([]model.FPRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.FPRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		record, err := storage.DecodeFPRecord(scanner.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
