package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	slogGorm "github.com/orandin/slog-gorm"
)

// Ledger is the durable source of truth for channel lifecycle and file
// delivery dedup. All coordination between handlers, workers, and the
// renewal scheduler goes through its atomic operations; there is no
// process-level locking anywhere above it.
type Ledger struct {
	db           *gorm.DB
	logger       *slog.Logger
	claimTimeout time.Duration
}

var tracer = otel.Tracer("ledger")

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrCursorConflict  = errors.New("cursor was concurrently advanced")
	ErrNotClaimed      = errors.New("no claimed record for file")
)

type ClaimResult int

const (
	// ClaimAcquired means the caller now owns processing for the pair.
	ClaimAcquired ClaimResult = iota
	// ClaimHeld means another worker holds a live claim; skip.
	ClaimHeld
	// ClaimDone means the pair already succeeded; skip forever.
	ClaimDone
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimAcquired:
		return "acquired"
	case ClaimHeld:
		return "held"
	case ClaimDone:
		return "done"
	}
	return "unknown"
}

func New(sqlitePath string, logger *slog.Logger, claimTimeout time.Duration) (*Ledger, error) {
	logger = logger.With("module", "ledger")

	gormLogger := slogGorm.New()

	// busy_timeout and synchronous are per-connection pragmas, so they ride
	// the DSN and reach every pooled connection, not just the first.
	dsn := sqlitePath + "?_busy_timeout=5000&_synchronous=NORMAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// WAL is persistent per database file; once is enough.
	db.Exec("PRAGMA journal_mode=WAL;")

	err = db.AutoMigrate(&Channel{}, &ProcessedFile{})
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if claimTimeout <= 0 {
		claimTimeout = 15 * time.Minute
	}

	return &Ledger{
		db:           db,
		logger:       logger,
		claimTimeout: claimTimeout,
	}, nil
}

// TryClaim attempts to take exclusive ownership of processing for a
// (fileID, revision) pair. Exactly one concurrent caller gets ClaimAcquired;
// the rest observe ClaimHeld or ClaimDone. A claimed row older than the
// claim timeout belongs to a crashed worker and is re-acquirable, as is a
// failed row (failure is not terminal).
func (l *Ledger) TryClaim(ctx context.Context, fileID, revision, fileName, folderID string) (ClaimResult, error) {
	ctx, span := tracer.Start(ctx, "TryClaim")
	defer span.End()

	now := time.Now().UTC()

	rec := ProcessedFile{
		FileID:       fileID,
		FileRevision: revision,
		FileName:     fileName,
		FolderID:     folderID,
		Status:       FileClaimed,
		ClaimedAt:    now,
	}
	err := l.db.WithContext(ctx).Create(&rec).Error
	if err == nil {
		claimResults.WithLabelValues("acquired").Inc()
		return ClaimAcquired, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return ClaimHeld, fmt.Errorf("failed to insert claim: %w", err)
	}

	var existing ProcessedFile
	err = l.db.WithContext(ctx).
		Where("file_id = ? AND file_revision = ?", fileID, revision).
		First(&existing).Error
	if err != nil {
		return ClaimHeld, fmt.Errorf("failed to load existing claim: %w", err)
	}

	switch existing.Status {
	case FileSucceeded:
		claimResults.WithLabelValues("done").Inc()
		return ClaimDone, nil
	case FileClaimed:
		if now.Sub(existing.ClaimedAt) < l.claimTimeout {
			claimResults.WithLabelValues("held").Inc()
			return ClaimHeld, nil
		}
		l.logger.Warn("taking over stale claim",
			"file_id", fileID, "revision", revision, "claimed_at", existing.ClaimedAt)
	case FileFailed:
		// re-claimable
	}

	// Guarded status flip: the WHERE clause loses the race if another
	// worker re-claimed or completed the row since we read it.
	res := l.db.WithContext(ctx).Model(&ProcessedFile{}).
		Where("id = ? AND status = ? AND claimed_at = ?", existing.ID, existing.Status, existing.ClaimedAt).
		Updates(map[string]interface{}{
			"status":     FileClaimed,
			"claimed_at": now,
			"file_name":  fileName,
			"last_error": "",
		})
	if res.Error != nil {
		return ClaimHeld, fmt.Errorf("failed to re-claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		claimResults.WithLabelValues("held").Inc()
		return ClaimHeld, nil
	}

	claimResults.WithLabelValues("acquired").Inc()
	return ClaimAcquired, nil
}

// Complete transitions a claimed row to succeeded or failed. The attempt
// counter increments on every completion so the failure history survives
// re-claims.
func (l *Ledger) Complete(ctx context.Context, fileID, revision string, outcome FileStatus, errMsg string) error {
	ctx, span := tracer.Start(ctx, "Complete")
	defer span.End()

	if outcome != FileSucceeded && outcome != FileFailed {
		return fmt.Errorf("invalid completion outcome: %q", outcome)
	}

	now := time.Now().UTC()
	res := l.db.WithContext(ctx).Model(&ProcessedFile{}).
		Where("file_id = ? AND file_revision = ? AND status = ?", fileID, revision, FileClaimed).
		Updates(map[string]interface{}{
			"status":        outcome,
			"completed_at":  &now,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    errMsg,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete file: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimed
	}

	completions.WithLabelValues(string(outcome)).Inc()
	return nil
}

// GetFile returns the processed-file row for a pair, if any.
func (l *Ledger) GetFile(ctx context.Context, fileID, revision string) (*ProcessedFile, error) {
	var f ProcessedFile
	err := l.db.WithContext(ctx).
		Where("file_id = ? AND file_revision = ?", fileID, revision).
		First(&f).Error
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// RecentFiles lists processed-file rows, newest first, optionally filtered
// by status.
func (l *Ledger) RecentFiles(ctx context.Context, status FileStatus, limit int) ([]ProcessedFile, error) {
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	q := l.db.WithContext(ctx)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var files []ProcessedFile
	err := q.Order("id DESC").Limit(limit).Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

// UpsertChannel persists a channel row.
func (l *Ledger) UpsertChannel(ctx context.Context, ch *Channel) error {
	err := l.db.WithContext(ctx).Save(ch).Error
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// ReplaceChannel durably persists the replacement channel and only then
// marks the old one replaced, in one transaction, so the folder is never
// left without a valid channel.
func (l *Ledger) ReplaceChannel(ctx context.Context, oldChannelID string, replacement *Channel) error {
	ctx, span := tracer.Start(ctx, "ReplaceChannel")
	defer span.End()

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(replacement).Error; err != nil {
			return fmt.Errorf("failed to persist replacement channel: %w", err)
		}
		res := tx.Model(&Channel{}).
			Where("channel_id = ? AND status <> ?", oldChannelID, ChannelReplaced).
			Update("status", ChannelReplaced)
		if res.Error != nil {
			return fmt.Errorf("failed to retire old channel: %w", res.Error)
		}
		return nil
	})
}

// AdvanceCursor moves a channel's change cursor forward, guarded by an
// optimistic version check. A stale expected version returns
// ErrCursorConflict and leaves the stored cursor untouched.
func (l *Ledger) AdvanceCursor(ctx context.Context, channelID, cursor string, expectVersion int64) error {
	ctx, span := tracer.Start(ctx, "AdvanceCursor")
	defer span.End()

	res := l.db.WithContext(ctx).Model(&Channel{}).
		Where("channel_id = ? AND cursor_version = ?", channelID, expectVersion).
		Updates(map[string]interface{}{
			"change_cursor":  cursor,
			"cursor_version": expectVersion + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to advance cursor: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := l.db.WithContext(ctx).Model(&Channel{}).
			Where("channel_id = ?", channelID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check channel: %w", err)
		}
		if count == 0 {
			return ErrChannelNotFound
		}
		return ErrCursorConflict
	}
	return nil
}

// GetChannel looks up a channel by its remote channel identifier.
func (l *Ledger) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	err := l.db.WithContext(ctx).Where("channel_id = ?", channelID).First(&ch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &ch, nil
}

// ActiveChannelForFolder returns the newest non-replaced channel watching a
// folder, or ErrChannelNotFound.
func (l *Ledger) ActiveChannelForFolder(ctx context.Context, folderID string) (*Channel, error) {
	var ch Channel
	err := l.db.WithContext(ctx).
		Where("folder_id = ? AND status <> ?", folderID, ChannelReplaced).
		Order("id DESC").
		First(&ch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to get channel for folder: %w", err)
	}
	return &ch, nil
}

// ListChannelsNear returns non-replaced channels expiring within the window.
func (l *Ledger) ListChannelsNear(ctx context.Context, window time.Duration) ([]Channel, error) {
	var channels []Channel
	err := l.db.WithContext(ctx).
		Where("status <> ? AND expires_at <= ?", ChannelReplaced, time.Now().UTC().Add(window)).
		Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring channels: %w", err)
	}
	return channels, nil
}

// ListChannels returns every channel row, newest first.
func (l *Ledger) ListChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	err := l.db.WithContext(ctx).Order("id DESC").Find(&channels).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return channels, nil
}

// MarkExpiring flips an active channel to expiring. Already-expiring or
// replaced channels are left alone.
func (l *Ledger) MarkExpiring(ctx context.Context, channelID string) error {
	res := l.db.WithContext(ctx).Model(&Channel{}).
		Where("channel_id = ? AND status = ?", channelID, ChannelActive).
		Update("status", ChannelExpiring)
	if res.Error != nil {
		return fmt.Errorf("failed to mark channel expiring: %w", res.Error)
	}
	return nil
}
