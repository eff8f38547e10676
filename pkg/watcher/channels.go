package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmarks/driverelay/pkg/ledger"
)

// ErrRegistration wraps subscription-creation failures so the entry point
// can surface them to the operator; no channel row is written when it fires.
var ErrRegistration = errors.New("channel registration failed")

// Register creates a notification channel for a folder and persists it with
// a cursor seeded from the feed's current position, so only future changes
// are delivered and the existing folder contents stay untouched.
func (w *Watcher) Register(ctx context.Context, folderID string) (*ledger.Channel, error) {
	ctx, span := tracer.Start(ctx, "Register")
	defer span.End()

	if err := w.drive.Verify(ctx, folderID); err != nil {
		return nil, fmt.Errorf("%w: cannot access folder %s: %v", ErrRegistration, folderID, err)
	}

	cursor, err := w.drive.StartPageToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to seed change cursor: %v", ErrRegistration, err)
	}

	sub, err := w.drive.Watch(ctx, folderID, w.webhookURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	ch := &ledger.Channel{
		ChannelID:     sub.ChannelID,
		ResourceID:    sub.ResourceID,
		FolderID:      folderID,
		ExpiresAt:     sub.ExpiresAt,
		ChangeCursor:  cursor,
		CursorVersion: 1,
		Status:        ledger.ChannelActive,
	}
	if err := w.ledger.UpsertChannel(ctx, ch); err != nil {
		return nil, fmt.Errorf("%w: failed to persist channel: %v", ErrRegistration, err)
	}

	channelRegistrations.Inc()
	w.logger.Info("registered channel",
		"folder_id", folderID, "channel_id", ch.ChannelID, "expires_at", ch.ExpiresAt)
	return ch, nil
}

// Renew replaces a channel nearing expiry with a fresh subscription for the
// same folder. The old channel stays valid until the replacement is durably
// persisted, so the folder is never unwatched during the swap. Idempotent:
// a channel already replaced by a concurrent renewal is a no-op.
func (w *Watcher) Renew(ctx context.Context, channelID string) error {
	ctx, span := tracer.Start(ctx, "Renew")
	defer span.End()

	old, err := w.ledger.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if old.Status == ledger.ChannelReplaced {
		w.logger.Debug("channel already replaced, skipping renewal", "channel_id", channelID)
		return nil
	}

	sub, err := w.drive.Watch(ctx, old.FolderID, w.webhookURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}

	// The replacement inherits the cursor: changes seen while both channels
	// exist are redelivered at worst, never dropped.
	replacement := &ledger.Channel{
		ChannelID:     sub.ChannelID,
		ResourceID:    sub.ResourceID,
		FolderID:      old.FolderID,
		ExpiresAt:     sub.ExpiresAt,
		ChangeCursor:  old.ChangeCursor,
		CursorVersion: 1,
		Status:        ledger.ChannelActive,
	}
	if err := w.ledger.ReplaceChannel(ctx, old.ChannelID, replacement); err != nil {
		return fmt.Errorf("failed to swap channels: %w", err)
	}

	channelRenewals.Inc()
	w.logger.Info("renewed channel",
		"folder_id", old.FolderID, "old_channel_id", old.ChannelID,
		"new_channel_id", replacement.ChannelID, "expires_at", replacement.ExpiresAt)

	w.Deregister(ctx, old.ChannelID, old.ResourceID)
	return nil
}

// Deregister stops a channel with the remote system. Best-effort: a network
// failure here is logged, not retried, and never blocks the replacement.
func (w *Watcher) Deregister(ctx context.Context, channelID, resourceID string) {
	if err := w.drive.Stop(ctx, channelID, resourceID); err != nil {
		w.logger.Warn("failed to stop old channel", "channel_id", channelID, "err", err)
	}
}
