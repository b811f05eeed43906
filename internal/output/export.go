package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
)

const exportLockRetry = 50 * time.Millisecond

// AppendSummary appends s as one JSON line to path. Concurrent runs sharing
// the file serialise on a sibling .lock file. History is left out.
func AppendSummary(ctx context.Context, path string, s Summary) error {
	s.History = nil
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	line = append(line, '\n')

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, exportLockRetry)
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", path)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open summary export: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write summary export: %w", err)
	}
	return f.Close()
}
