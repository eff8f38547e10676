package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestLedger(t *testing.T, claimTimeout time.Duration) *Ledger {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := New(filepath.Join(t.TempDir(), "ledger.db"), logger, claimTimeout)
	if err != nil {
		t.Fatalf("failed to open test ledger: %v", err)
	}
	return l
}

func TestTryClaimLifecycle(t *testing.T) {
	l := newTestLedger(t, time.Minute)
	ctx := context.Background()

	res, err := l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "folder-1")
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if res != ClaimAcquired {
		t.Fatalf("first claim: got %v, want acquired", res)
	}

	res, err = l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "folder-1")
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if res != ClaimHeld {
		t.Fatalf("second claim: got %v, want held", res)
	}

	if err := l.Complete(ctx, "file-a", "rev-1", FileSucceeded, ""); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	res, err = l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "folder-1")
	if err != nil {
		t.Fatalf("claim after success failed: %v", err)
	}
	if res != ClaimDone {
		t.Fatalf("claim after success: got %v, want done", res)
	}

	f, err := l.GetFile(ctx, "file-a", "rev-1")
	if err != nil {
		t.Fatalf("get file failed: %v", err)
	}
	if f.Status != FileSucceeded {
		t.Errorf("status: got %v, want succeeded", f.Status)
	}
	if f.AttemptCount != 1 {
		t.Errorf("attempt count: got %d, want 1", f.AttemptCount)
	}
	if f.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestTryClaimDistinctRevisions(t *testing.T) {
	l := newTestLedger(t, time.Minute)
	ctx := context.Background()

	if res, _ := l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "f"); res != ClaimAcquired {
		t.Fatalf("rev-1 claim: got %v, want acquired", res)
	}
	// A new revision of the same file id is a fresh pair.
	if res, _ := l.TryClaim(ctx, "file-a", "rev-2", "a.pdf", "f"); res != ClaimAcquired {
		t.Fatalf("rev-2 claim: got %v, want acquired", res)
	}
}

func TestTryClaimConcurrent(t *testing.T) {
	l := newTestLedger(t, time.Minute)
	ctx := context.Background()

	const workers = 8
	results := make([]ClaimResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.TryClaim(ctx, "file-race", "rev-1", "race.pdf", "f")
		}(i)
	}
	wg.Wait()

	acquired := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d error: %v", i, errs[i])
		}
		if results[i] == ClaimAcquired {
			acquired++
		}
	}
	if acquired != 1 {
		t.Fatalf("got %d acquired claims, want exactly 1", acquired)
	}
}

func TestStaleClaimReclaim(t *testing.T) {
	l := newTestLedger(t, 50*time.Millisecond)
	ctx := context.Background()

	if res, _ := l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "f"); res != ClaimAcquired {
		t.Fatalf("initial claim: got %v, want acquired", res)
	}

	// Younger than the timeout: still held.
	if res, _ := l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "f"); res != ClaimHeld {
		t.Fatalf("fresh claim: got %v, want held", res)
	}

	time.Sleep(60 * time.Millisecond)

	// Older than the timeout: the crashed worker's claim is re-acquirable.
	if res, _ := l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "f"); res != ClaimAcquired {
		t.Fatalf("stale re-claim: got %v, want acquired", res)
	}

	if err := l.Complete(ctx, "file-a", "rev-1", FileSucceeded, ""); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if res, _ := l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "f"); res != ClaimDone {
		t.Fatal("succeeded pair should never be re-claimable")
	}
}

func TestFailedIsReclaimable(t *testing.T) {
	l := newTestLedger(t, time.Minute)
	ctx := context.Background()

	l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "f")
	if err := l.Complete(ctx, "file-a", "rev-1", FileFailed, "upload: boom"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	res, err := l.TryClaim(ctx, "file-a", "rev-1", "a.pdf", "f")
	if err != nil {
		t.Fatalf("re-claim failed: %v", err)
	}
	if res != ClaimAcquired {
		t.Fatalf("re-claim after failure: got %v, want acquired", res)
	}

	if err := l.Complete(ctx, "file-a", "rev-1", FileSucceeded, ""); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	f, _ := l.GetFile(ctx, "file-a", "rev-1")
	if f.AttemptCount != 2 {
		t.Errorf("attempt count: got %d, want 2", f.AttemptCount)
	}
	if f.LastError != "" {
		t.Errorf("last error not cleared on success: %q", f.LastError)
	}
}

func TestCompleteWithoutClaim(t *testing.T) {
	l := newTestLedger(t, time.Minute)

	err := l.Complete(context.Background(), "nope", "rev-1", FileSucceeded, "")
	if !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("got %v, want ErrNotClaimed", err)
	}
}

func TestAdvanceCursor(t *testing.T) {
	l := newTestLedger(t, time.Minute)
	ctx := context.Background()

	ch := &Channel{
		ChannelID:     "chan-1",
		ResourceID:    "res-1",
		FolderID:      "folder-1",
		ExpiresAt:     time.Now().Add(24 * time.Hour),
		ChangeCursor:  "K0",
		CursorVersion: 1,
		Status:        ChannelActive,
	}
	if err := l.UpsertChannel(ctx, ch); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := l.AdvanceCursor(ctx, "chan-1", "K1", 1); err != nil {
		t.Fatalf("advance failed: %v", err)
	}

	got, err := l.GetChannel(ctx, "chan-1")
	if err != nil {
		t.Fatalf("get channel failed: %v", err)
	}
	if got.ChangeCursor != "K1" || got.CursorVersion != 2 {
		t.Fatalf("cursor = %q v%d, want K1 v2", got.ChangeCursor, got.CursorVersion)
	}

	// Stale expected version: conflict, stored cursor untouched.
	err = l.AdvanceCursor(ctx, "chan-1", "K2", 1)
	if !errors.Is(err, ErrCursorConflict) {
		t.Fatalf("got %v, want ErrCursorConflict", err)
	}
	got, _ = l.GetChannel(ctx, "chan-1")
	if got.ChangeCursor != "K1" {
		t.Fatalf("cursor moved on conflict: %q", got.ChangeCursor)
	}

	err = l.AdvanceCursor(ctx, "no-such-channel", "K1", 1)
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("got %v, want ErrChannelNotFound", err)
	}
}

func TestReplaceChannel(t *testing.T) {
	l := newTestLedger(t, time.Minute)
	ctx := context.Background()

	old := &Channel{
		ChannelID:    "chan-old",
		ResourceID:   "res-old",
		FolderID:     "folder-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		ChangeCursor: "K5",
		Status:       ChannelExpiring,
	}
	if err := l.UpsertChannel(ctx, old); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	replacement := &Channel{
		ChannelID:    "chan-new",
		ResourceID:   "res-new",
		FolderID:     "folder-1",
		ExpiresAt:    time.Now().Add(7 * 24 * time.Hour),
		ChangeCursor: "K5",
		Status:       ChannelActive,
	}
	if err := l.ReplaceChannel(ctx, "chan-old", replacement); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	gotOld, err := l.GetChannel(ctx, "chan-old")
	if err != nil {
		t.Fatalf("get old channel failed: %v", err)
	}
	if gotOld.Status != ChannelReplaced {
		t.Errorf("old status: got %v, want replaced", gotOld.Status)
	}

	active, err := l.ActiveChannelForFolder(ctx, "folder-1")
	if err != nil {
		t.Fatalf("active channel lookup failed: %v", err)
	}
	if active.ChannelID != "chan-new" {
		t.Errorf("active channel: got %s, want chan-new", active.ChannelID)
	}
}

func TestListChannelsNear(t *testing.T) {
	l := newTestLedger(t, time.Minute)
	ctx := context.Background()

	soon := &Channel{ChannelID: "chan-soon", FolderID: "f1",
		ExpiresAt: time.Now().Add(time.Hour), Status: ChannelActive}
	far := &Channel{ChannelID: "chan-far", FolderID: "f2",
		ExpiresAt: time.Now().Add(48 * time.Hour), Status: ChannelActive}
	gone := &Channel{ChannelID: "chan-gone", FolderID: "f3",
		ExpiresAt: time.Now().Add(time.Hour), Status: ChannelReplaced}
	for _, ch := range []*Channel{soon, far, gone} {
		if err := l.UpsertChannel(ctx, ch); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}

	near, err := l.ListChannelsNear(ctx, 6*time.Hour)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(near) != 1 || near[0].ChannelID != "chan-soon" {
		t.Fatalf("got %d channels, want just chan-soon", len(near))
	}
}
