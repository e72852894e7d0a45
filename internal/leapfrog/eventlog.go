package leapfrog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ncruces/go-strftime"
)

// TimestampLayout is the strftime layout of event-log timestamps.
const TimestampLayout = "%m/%d/%Y %H:%M:%S"

// EventLog appends "<timestamp> <step> <message>" lines to a file. The first
// write after OpenEventLog truncates the file.
type EventLog struct {
	path string
	now  func() time.Time

	mu        sync.Mutex
	truncated bool
}

// OpenEventLog returns a log writing to path. An empty path discards lines.
func OpenEventLog(path string) *EventLog {
	return &EventLog{path: path, now: time.Now}
}

func (l *EventLog) Path() string { return l.path }

func (l *EventLog) Write(step int, message string) error {
	if l == nil || l.path == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if !l.truncated {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(l.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	l.truncated = true
	if err := formatLine(f, l.now(), step, message); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func formatLine(w io.Writer, t time.Time, step int, message string) error {
	_, err := fmt.Fprintf(w, "%s %d %s\n", strftime.Format(TimestampLayout, t), step, message)
	return err
}
