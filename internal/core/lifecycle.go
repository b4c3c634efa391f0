package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TeroTong/Revisit/pkg/domain"
)

// BatchArchiver persists the raw bytes of a finished batch file to
// long-term storage. Archiving is best-effort; failures are logged and
// never affect the batch verdict.
type BatchArchiver interface {
	Archive(ctx context.Context, key string, data []byte) error
}

// Lifecycle drives batch records through their state machine and mirrors
// terminal states onto the filesystem: incremental batch files move from
// pending/ to processed/ or failed/, with a structured error report written
// alongside when anything was rejected.
type Lifecycle struct {
	checkpoints domain.CheckpointStore
	archiver    BatchArchiver
	log         logrus.FieldLogger
	now         func() time.Time
}

// NewLifecycle wires a lifecycle manager. archiver may be nil.
func NewLifecycle(checkpoints domain.CheckpointStore, archiver BatchArchiver, log logrus.FieldLogger) *Lifecycle {
	return &Lifecycle{checkpoints: checkpoints, archiver: archiver, log: log, now: time.Now}
}

// Register creates the pending record for a discovered batch file.
func (l *Lifecycle) Register(ctx context.Context, batch *Batch) (*domain.BatchRecord, error) {
	now := l.now()
	record := &domain.BatchRecord{
		ID:        batch.ID,
		Path:      batch.Path,
		Mode:      batch.Mode,
		State:     domain.BatchPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.checkpoints.SaveBatch(ctx, *record); err != nil {
		return nil, fmt.Errorf("save batch record: %w", err)
	}
	return record, nil
}

// Begin moves the record into applying, bumping the attempt counter.
func (l *Lifecycle) Begin(ctx context.Context, record *domain.BatchRecord) error {
	if err := record.Transition(domain.BatchApplying, l.now()); err != nil {
		return err
	}
	return l.checkpoints.SaveBatch(ctx, *record)
}

// Retry returns an in-flight record to pending for another attempt.
func (l *Lifecycle) Retry(ctx context.Context, record *domain.BatchRecord) error {
	if err := record.Transition(domain.BatchPending, l.now()); err != nil {
		return err
	}
	return l.checkpoints.SaveBatch(ctx, *record)
}

// Finalize moves the record into a terminal state and, for incremental
// batches, relocates the file out of the pending tree.
func (l *Lifecycle) Finalize(ctx context.Context, record *domain.BatchRecord, state domain.BatchState) error {
	if err := record.Transition(state, l.now()); err != nil {
		return err
	}
	if err := l.checkpoints.SaveBatch(ctx, *record); err != nil {
		return fmt.Errorf("save batch record: %w", err)
	}
	if record.Mode == domain.ModeIncremental {
		if err := l.relocate(ctx, record, state); err != nil {
			return err
		}
	}
	return nil
}

// relocate moves the batch file from pending/ into the directory named for
// its terminal state, archives the raw bytes, and writes the error report
// when the record accumulated any.
func (l *Lifecycle) relocate(ctx context.Context, record *domain.BatchRecord, state domain.BatchState) error {
	destDir := replacePathElement(filepath.Dir(record.Path), "pending", string(state))
	if destDir == filepath.Dir(record.Path) {
		// File does not live under a pending tree; leave it in place.
		return nil
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create %s directory: %w", state, err)
	}

	if l.archiver != nil {
		if data, err := os.ReadFile(record.Path); err == nil {
			key := filepath.ToSlash(filepath.Join(string(state), filepath.Base(filepath.Dir(record.Path)), filepath.Base(record.Path)))
			if err := l.archiver.Archive(ctx, key, data); err != nil {
				l.log.WithError(err).WithField("key", key).Warn("batch archive failed")
			}
		}
	}

	dest := filepath.Join(destDir, filepath.Base(record.Path))
	if _, err := os.Stat(dest); err == nil {
		// A same-named file already landed here; disambiguate.
		ext := filepath.Ext(dest)
		dest = strings.TrimSuffix(dest, ext) + "." + l.now().UTC().Format("20060102T150405") + ext
	}
	if err := os.Rename(record.Path, dest); err != nil {
		return fmt.Errorf("move batch file: %w", err)
	}

	if len(record.Errors) > 0 {
		report := strings.TrimSuffix(dest, filepath.Ext(dest)) + ".errors.json"
		data, err := json.MarshalIndent(record.Errors, "", "  ")
		if err == nil {
			err = os.WriteFile(report, data, 0o644)
		}
		if err != nil {
			l.log.WithError(err).WithField("path", report).Warn("write error report failed")
		}
	}
	l.log.WithFields(logrus.Fields{"batch": record.ID, "state": state, "path": dest}).Info("batch finalized")
	return nil
}

// replacePathElement swaps the first path element equal to old for new.
func replacePathElement(path, old, new string) string {
	elems := strings.Split(path, string(filepath.Separator))
	for i, e := range elems {
		if e == old {
			elems[i] = new
			return strings.Join(elems, string(filepath.Separator))
		}
	}
	return path
}
