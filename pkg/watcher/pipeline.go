package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pmarks/driverelay/pkg/ingest"
	"github.com/pmarks/driverelay/pkg/ledger"
)

// ProcessEvent runs one file event through claim, download, upload, and
// completion. The claim is the at-most-once enforcement point: losing it
// means another worker owns the pair (or it already succeeded) and we walk
// away without side effects.
func (w *Watcher) ProcessEvent(ctx context.Context, ev FileEvent) error {
	ctx, span := tracer.Start(ctx, "ProcessEvent")
	defer span.End()

	res, err := w.ledger.TryClaim(ctx, ev.FileID, ev.Revision, ev.Name, ev.FolderID)
	if err != nil {
		return fmt.Errorf("failed to claim file: %w", err)
	}
	switch res {
	case ledger.ClaimHeld:
		w.logger.Debug("file claimed by another worker", "file_id", ev.FileID, "revision", ev.Revision)
		filesProcessed.WithLabelValues("skipped_held").Inc()
		return nil
	case ledger.ClaimDone:
		w.logger.Debug("file already delivered", "file_id", ev.FileID, "revision", ev.Revision)
		filesProcessed.WithLabelValues("skipped_done").Inc()
		return nil
	}

	tmpPath := filepath.Join(w.tempDir, uuid.NewString())
	f, err := os.Create(tmpPath)
	if err != nil {
		w.fail(ctx, ev, fmt.Sprintf("create temp file: %v", err))
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		f.Close()
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("failed to clean up temp file", "path", tmpPath, "err", err)
		}
	}()

	if err := w.drive.Download(ctx, ev.FileID, f); err != nil {
		w.fail(ctx, ev, fmt.Sprintf("download: %v", err))
		return fmt.Errorf("failed to download file: %w", err)
	}

	docID, err := w.ingest.Upload(ctx, f, ingest.FileMeta{
		Name:     ev.Name,
		MimeType: ev.MimeType,
		FileID:   ev.FileID,
	})
	if err != nil {
		w.fail(ctx, ev, fmt.Sprintf("upload: %v", err))
		return fmt.Errorf("failed to upload file: %w", err)
	}

	if err := w.ledger.Complete(ctx, ev.FileID, ev.Revision, ledger.FileSucceeded, ""); err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}

	filesProcessed.WithLabelValues("succeeded").Inc()
	w.logger.Info("delivered file",
		"file_id", ev.FileID, "name", ev.Name, "revision", ev.Revision, "document_id", docID)
	return nil
}

func (w *Watcher) fail(ctx context.Context, ev FileEvent, msg string) {
	filesProcessed.WithLabelValues("failed").Inc()
	if err := w.ledger.Complete(ctx, ev.FileID, ev.Revision, ledger.FileFailed, msg); err != nil {
		w.logger.Error("failed to record failure",
			"file_id", ev.FileID, "revision", ev.Revision, "err", err)
	}
}
