package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/pmarks/driverelay/pkg/drive"
	"github.com/pmarks/driverelay/pkg/ingest"
	"github.com/pmarks/driverelay/pkg/ledger"
)

// DriveClient is the remote-storage collaborator: watch registration,
// change listing, metadata lookups, and media download.
type DriveClient interface {
	Verify(ctx context.Context, folderID string) error
	Watch(ctx context.Context, folderID, address string) (*drive.Subscription, error)
	StartPageToken(ctx context.Context) (string, error)
	ListChanges(ctx context.Context, pageToken string) (*drive.ChangePage, error)
	File(ctx context.Context, fileID string) (*drive.File, error)
	Download(ctx context.Context, fileID string, w io.Writer) error
	Stop(ctx context.Context, channelID, resourceID string) error
}

// IngestClient is the downstream ingestion collaborator.
type IngestClient interface {
	Upload(ctx context.Context, r io.ReadSeeker, meta ingest.FileMeta) (string, error)
}

// Watcher ties the channel lifecycle, change resolution, and dispatch
// pipeline together. It keeps no durable state of its own; everything that
// matters for correctness lives in the ledger, so any number of instances
// can serve webhooks concurrently.
type Watcher struct {
	logger *slog.Logger
	ledger *ledger.Ledger
	drive  DriveClient
	ingest IngestClient

	webhookURL    string
	tempDir       string
	renewalWindow time.Duration
	tickInterval  time.Duration
	claimTimeout  time.Duration

	// Webhook debounce per folder. In-memory on purpose: losing it on
	// restart only costs one extra no-op resolution.
	debounce    time.Duration
	debounceMu  sync.Mutex
	lastResolve map[string]time.Time

	shutdown chan chan error
}

var tracer = otel.Tracer("watcher")

type Config struct {
	WebhookURL    string
	TempDir       string
	RenewalWindow time.Duration
	TickInterval  time.Duration
	ClaimTimeout  time.Duration
	Debounce      time.Duration
}

func NewWatcher(logger *slog.Logger, lg *ledger.Ledger, dc DriveClient, ic IngestClient, cfg Config) (*Watcher, error) {
	logger = logger.With("module", "watcher")

	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "driverelay")
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, err
	}
	if cfg.RenewalWindow <= 0 {
		cfg.RenewalWindow = 6 * time.Hour
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Hour
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 15 * time.Minute
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}

	return &Watcher{
		logger:        logger,
		ledger:        lg,
		drive:         dc,
		ingest:        ic,
		webhookURL:    cfg.WebhookURL,
		tempDir:       cfg.TempDir,
		renewalWindow: cfg.RenewalWindow,
		tickInterval:  cfg.TickInterval,
		claimTimeout:  cfg.ClaimTimeout,
		debounce:      cfg.Debounce,
		lastResolve:   make(map[string]time.Time),
		shutdown:      make(chan chan error),
	}, nil
}

// SweepTemp removes downloads orphaned by a crash mid-pipeline. Anything in
// the temp dir older than the claim timeout belongs to a claim that has
// already gone stale, so it is safe to remove.
func (w *Watcher) SweepTemp() {
	entries, err := os.ReadDir(w.tempDir)
	if err != nil {
		w.logger.Error("failed to read temp dir", "dir", w.tempDir, "err", err)
		return
	}

	cutoff := time.Now().Add(-w.claimTimeout)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(w.tempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			w.logger.Warn("failed to remove orphaned temp file", "path", path, "err", err)
			continue
		}
		w.logger.Info("removed orphaned temp file", "path", path)
	}
}

func (w *Watcher) debounced(folderID string) bool {
	if w.debounce <= 0 {
		return false
	}
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	now := time.Now()
	if last, ok := w.lastResolve[folderID]; ok && now.Sub(last) < w.debounce {
		return true
	}
	w.lastResolve[folderID] = now
	return false
}
