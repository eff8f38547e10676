package watcher

import (
	"context"
	"time"

	"github.com/pmarks/driverelay/pkg/ledger"
)

// Run drives channel renewal: every tick it scans the ledger for channels
// nearing expiry and renews them. It reads only ledger state, never
// in-process channel objects, so it picks up correctly after a restart.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("renewal scheduler running", "interval", w.tickInterval, "window", w.renewalWindow)

	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	// One scan up front so a long interval cannot strand a channel that is
	// already inside the window at startup.
	w.renewExpiring(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case errCh := <-w.shutdown:
			w.logger.Info("shutting down renewal scheduler")
			errCh <- nil
			return nil
		case <-ticker.C:
			w.renewExpiring(ctx)
		}
	}
}

func (w *Watcher) Shutdown(ctx context.Context) error {
	w.logger.Info("attempting to shutdown watcher")
	errCh := make(chan error)
	select {
	case w.shutdown <- errCh:
		return <-errCh
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) renewExpiring(ctx context.Context) {
	channels, err := w.ledger.ListChannelsNear(ctx, w.renewalWindow)
	if err != nil {
		w.logger.Error("failed to list expiring channels", "err", err)
		return
	}

	for _, ch := range channels {
		if ch.Status == ledger.ChannelActive {
			if err := w.ledger.MarkExpiring(ctx, ch.ChannelID); err != nil {
				w.logger.Error("failed to mark channel expiring", "channel_id", ch.ChannelID, "err", err)
			}
		}
		if err := w.Renew(ctx, ch.ChannelID); err != nil {
			w.logger.Error("failed to renew channel",
				"channel_id", ch.ChannelID, "folder_id", ch.FolderID, "err", err)
		}
	}
}
