package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
)

// FileSink appends events as NDJSON. Each write takes an exclusive file lock
// so several processes can share one audit file.
type FileSink struct {
	path string
}

// NewFileSink creates the parent directory of path and returns a sink
// appending to it.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create audit directory")
	}
	return &FileSink{path: path}, nil
}

// Path returns the audit file location.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Log(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit event")
	}
	data = append(data, '\n')

	f, err := lockedfile.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open audit file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "failed to append audit event")
	}
	return nil
}

// ReadFile loads every event from an NDJSON audit file. Lines that do not
// decode are skipped.
func ReadFile(path string) ([]Event, error) {
	f, err := lockedfile.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open audit file")
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan audit file")
	}
	return events, nil
}
