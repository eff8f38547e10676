package watcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmarks/driverelay/pkg/drive"
	"github.com/pmarks/driverelay/pkg/ledger"
)

// FileEvent is one new-file discovery handed to the dispatch pipeline.
type FileEvent struct {
	FileID   string
	Revision string
	Name     string
	MimeType string
	FolderID string
}

// ResolveChanges drains the change feed from the channel's cursor and
// returns the new-file events plus the cursor to advance to once the events
// have been handed off. Draining all pages before returning matters: a
// partial read would advance past unseen events when several files change
// between polls.
func (w *Watcher) ResolveChanges(ctx context.Context, ch *ledger.Channel) ([]FileEvent, string, error) {
	ctx, span := tracer.Start(ctx, "ResolveChanges")
	defer span.End()

	// Folder metadata memo for the ancestor walk, shared across the whole
	// resolution so a folder is looked up at most once.
	ancestry := map[string]bool{ch.FolderID: true}

	var events []FileEvent
	cursor := ch.ChangeCursor
	nextCursor := cursor

	for {
		page, err := w.drive.ListChanges(ctx, cursor)
		if err != nil {
			return nil, "", fmt.Errorf("failed to list changes: %w", err)
		}
		changePages.Inc()

		for _, change := range page.Changes {
			ev, ok, err := w.filterChange(ctx, ch, change, ancestry)
			if err != nil {
				return nil, "", err
			}
			if ok {
				events = append(events, ev)
			}
		}

		if page.NewStartCursor != "" {
			nextCursor = page.NewStartCursor
		}
		if page.NextPageToken == "" {
			break
		}
		cursor = page.NextPageToken
	}

	return events, nextCursor, nil
}

// filterChange keeps only created files still reachable under the watched
// folder: not removed, not trashed, not a folder, and with an ancestor path
// leading back to the watched root. The feed is account-wide so the
// ancestor check is load-bearing, not defensive.
func (w *Watcher) filterChange(ctx context.Context, ch *ledger.Channel, change drive.Change, ancestry map[string]bool) (FileEvent, bool, error) {
	if change.Removed || change.File == nil {
		return FileEvent{}, false, nil
	}
	f := change.File
	if f.Trashed || f.MimeType == drive.FolderMimeType {
		return FileEvent{}, false, nil
	}

	inTree, err := w.underWatchedFolder(ctx, f.Parents, ancestry)
	if err != nil {
		return FileEvent{}, false, err
	}
	if !inTree {
		return FileEvent{}, false, nil
	}

	revision := f.HeadRevision
	if revision == "" {
		// Some file types never expose a revision token; the creation
		// timestamp distinguishes a re-created file id well enough.
		revision = f.CreatedTime
	}

	return FileEvent{
		FileID:   change.FileID,
		Revision: revision,
		Name:     f.Name,
		MimeType: f.MimeType,
		FolderID: ch.FolderID,
	}, true, nil
}

// underWatchedFolder walks parent chains until it hits the watched root or
// runs out. Results are memoized in ancestry per folder id.
func (w *Watcher) underWatchedFolder(ctx context.Context, parents []string, ancestry map[string]bool) (bool, error) {
	for _, parent := range parents {
		ok, err := w.folderInTree(ctx, parent, ancestry, 0)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

const maxAncestorDepth = 32

func (w *Watcher) folderInTree(ctx context.Context, folderID string, ancestry map[string]bool, depth int) (bool, error) {
	if in, ok := ancestry[folderID]; ok {
		return in, nil
	}
	if depth >= maxAncestorDepth {
		return false, nil
	}

	meta, err := w.drive.File(ctx, folderID)
	if err != nil {
		if errors.Is(err, drive.ErrNotFound) {
			ancestry[folderID] = false
			return false, nil
		}
		return false, fmt.Errorf("failed to resolve ancestor %s: %w", folderID, err)
	}

	in := false
	for _, parent := range meta.Parents {
		ok, err := w.folderInTree(ctx, parent, ancestry, depth+1)
		if err != nil {
			return false, err
		}
		if ok {
			in = true
			break
		}
	}
	ancestry[folderID] = in
	return in, nil
}

// ResolveAndDispatch runs the full webhook-triggered path: resolve events,
// push each through the pipeline, then advance the cursor. The cursor moves
// only after dispatch was attempted for every event, so a crash in between
// redelivers rather than loses; the ledger's claims absorb the redelivery.
func (w *Watcher) ResolveAndDispatch(ctx context.Context, channelID string) error {
	ctx, span := tracer.Start(ctx, "ResolveAndDispatch")
	defer span.End()

	ch, err := w.ledger.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.Status == ledger.ChannelReplaced {
		return nil
	}

	events, nextCursor, err := w.ResolveChanges(ctx, ch)
	if err != nil {
		return err
	}

	w.logger.Info("resolved changes",
		"folder_id", ch.FolderID, "channel_id", ch.ChannelID, "events", len(events))

	for _, ev := range events {
		if err := w.ProcessEvent(ctx, ev); err != nil {
			w.logger.Error("failed to process file event",
				"file_id", ev.FileID, "name", ev.Name, "err", err)
		}
	}

	if nextCursor == ch.ChangeCursor {
		return nil
	}

	err = w.ledger.AdvanceCursor(ctx, ch.ChannelID, nextCursor, ch.CursorVersion)
	if errors.Is(err, ledger.ErrCursorConflict) {
		// A concurrent notification advanced the cursor first. Its
		// resolution covered at least our range, so losing the race is
		// not losing events.
		w.logger.Debug("cursor advanced concurrently", "channel_id", ch.ChannelID)
		return nil
	}
	return err
}
