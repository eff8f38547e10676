package watcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pmarks/driverelay/pkg/drive"
	"github.com/pmarks/driverelay/pkg/ledger"
)

func webhookRequest(t *testing.T, w *Watcher, headers map[string]string) (*httptest.ResponseRecorder, WebhookResponse) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := w.HandleWebhook(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	var resp WebhookResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec, resp
}

func TestWebhookMissingHeaders(t *testing.T) {
	w, _ := newTestWatcher(t, newFakeDrive(), &fakeIngest{}, time.Minute)

	rec, _ := webhookRequest(t, w, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestWebhookSyncShortCircuits(t *testing.T) {
	w, _ := newTestWatcher(t, newFakeDrive(), &fakeIngest{}, time.Minute)

	rec, resp := webhookRequest(t, w, map[string]string{
		"X-Goog-Channel-ID":     "C1",
		"X-Goog-Resource-State": "sync",
	})
	if rec.Code != http.StatusOK || resp.Status != "sync acknowledged" {
		t.Fatalf("got %d %q", rec.Code, resp.Status)
	}
}

func TestWebhookTrashIgnored(t *testing.T) {
	w, _ := newTestWatcher(t, newFakeDrive(), &fakeIngest{}, time.Minute)

	rec, resp := webhookRequest(t, w, map[string]string{
		"X-Goog-Channel-ID":     "C1",
		"X-Goog-Resource-State": "trash",
	})
	if rec.Code != http.StatusOK || resp.Status != "trash ignored" {
		t.Fatalf("got %d %q", rec.Code, resp.Status)
	}
}

func TestWebhookUnknownChannelIgnored(t *testing.T) {
	w, _ := newTestWatcher(t, newFakeDrive(), &fakeIngest{}, time.Minute)

	rec, resp := webhookRequest(t, w, map[string]string{
		"X-Goog-Channel-ID":     "never-registered",
		"X-Goog-Resource-State": "change",
	})
	if rec.Code != http.StatusOK || resp.Status != "ignored" {
		t.Fatalf("got %d %q", rec.Code, resp.Status)
	}
}

func TestWebhookReplacedChannelStale(t *testing.T) {
	w, lg := newTestWatcher(t, newFakeDrive(), &fakeIngest{}, time.Minute)

	ch := seedChannel(t, lg, "C1", "folder-1", "K0")
	ch.Status = ledger.ChannelReplaced
	if err := lg.UpsertChannel(context.Background(), ch); err != nil {
		t.Fatal(err)
	}

	rec, resp := webhookRequest(t, w, map[string]string{
		"X-Goog-Channel-ID":     "C1",
		"X-Goog-Resource-State": "change",
	})
	if rec.Code != http.StatusOK || resp.Status != "stale" {
		t.Fatalf("got %d %q", rec.Code, resp.Status)
	}
}

func TestWebhookResourceMismatchStale(t *testing.T) {
	w, lg := newTestWatcher(t, newFakeDrive(), &fakeIngest{}, time.Minute)
	seedChannel(t, lg, "C1", "folder-1", "K0")

	_, resp := webhookRequest(t, w, map[string]string{
		"X-Goog-Channel-ID":     "C1",
		"X-Goog-Resource-ID":    "some-other-resource",
		"X-Goog-Resource-State": "change",
	})
	if resp.Status != "stale" {
		t.Fatalf("got %q, want stale", resp.Status)
	}
}

func TestWebhookActiveChannelProcesses(t *testing.T) {
	fd := newFakeDrive()
	fi := &fakeIngest{}
	w, lg := newTestWatcher(t, fd, fi, time.Minute)

	ch := seedChannel(t, lg, "C1", "folder-1", "K0")
	fd.pages["K0"] = &drive.ChangePage{
		Changes:        []drive.Change{createEvent("X", "x.pdf", "1", "folder-1")},
		NewStartCursor: "K1",
	}
	fd.content["X"] = []byte("x")

	_, resp := webhookRequest(t, w, map[string]string{
		"X-Goog-Channel-ID":     "C1",
		"X-Goog-Resource-ID":    ch.ResourceID,
		"X-Goog-Resource-State": "change",
	})
	if resp.Status != "processing" {
		t.Fatalf("got %q, want processing", resp.Status)
	}

	// Dispatch runs off the request path; wait for the upload to land.
	deadline := time.Now().Add(2 * time.Second)
	for fi.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("upload never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebhookImminentExpiryTriggersRenewal(t *testing.T) {
	fd := newFakeDrive()
	fi := &fakeIngest{}
	w, lg := newTestWatcher(t, fd, fi, time.Minute)

	ch := seedChannel(t, lg, "C1", "folder-1", "K0")

	expiry := time.Now().Add(30 * time.Minute).UTC().Format(http.TimeFormat)
	_, resp := webhookRequest(t, w, map[string]string{
		"X-Goog-Channel-ID":         "C1",
		"X-Goog-Resource-ID":        ch.ResourceID,
		"X-Goog-Resource-State":     "change",
		"X-Goog-Channel-Expiration": expiry,
	})
	if resp.Status != "processing" {
		t.Fatalf("got %q, want processing", resp.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := lg.GetChannel(context.Background(), "C1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == ledger.ChannelReplaced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("imminent expiry did not trigger renewal")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebhookDebounce(t *testing.T) {
	fd := newFakeDrive()
	fi := &fakeIngest{}
	logger := testLogger()
	lg, err := ledger.New(t.TempDir()+"/ledger.db", logger, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(logger, lg, fd, fi, Config{
		WebhookURL:   "https://example.com/webhook",
		TempDir:      t.TempDir(),
		ClaimTimeout: time.Minute,
		Debounce:     time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	ch := seedChannel(t, lg, "C1", "folder-1", "K0")
	headers := map[string]string{
		"X-Goog-Channel-ID":     "C1",
		"X-Goog-Resource-ID":    ch.ResourceID,
		"X-Goog-Resource-State": "change",
	}

	if _, resp := webhookRequest(t, w, headers); resp.Status != "processing" {
		t.Fatalf("first delivery: got %q", resp.Status)
	}
	if _, resp := webhookRequest(t, w, headers); resp.Status != "debounced" {
		t.Fatalf("second delivery: got %q, want debounced", resp.Status)
	}
}

func TestHandleSetup(t *testing.T) {
	fd := newFakeDrive()
	fd.startToken = "K7"
	w, _ := newTestWatcher(t, fd, &fakeIngest{}, time.Minute)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/setup",
		strings.NewReader(`{"folder_id":"folder-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := w.HandleSetup(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}

	var resp SetupResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "monitoring" || resp.Channel == nil || resp.Channel.FolderID != "folder-1" {
		t.Fatalf("response: %+v", resp)
	}

	// Second setup for the same folder reports the existing channel.
	req = httptest.NewRequest(http.MethodPost, "/setup",
		strings.NewReader(`{"folder_id":"folder-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	if err := w.HandleSetup(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "already monitored" {
		t.Fatalf("second setup: got %q", resp.Status)
	}
	if fd.watches() != 1 {
		t.Fatalf("got %d watch registrations, want 1", fd.watches())
	}
}

func TestHandleSetupMissingFolder(t *testing.T) {
	w, _ := newTestWatcher(t, newFakeDrive(), &fakeIngest{}, time.Minute)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/setup", nil)
	rec := httptest.NewRecorder()
	if err := w.HandleSetup(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	w, _ := newTestWatcher(t, newFakeDrive(), &fakeIngest{}, time.Minute)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	if err := w.HandleHealth(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestHandleGetFiles(t *testing.T) {
	fd := newFakeDrive()
	fi := &fakeIngest{}
	w, lg := newTestWatcher(t, fd, fi, time.Minute)
	ctx := context.Background()

	lg.TryClaim(ctx, "X", "1", "x.pdf", "folder-1")
	lg.Complete(ctx, "X", "1", ledger.FileSucceeded, "")
	lg.TryClaim(ctx, "Y", "1", "y.pdf", "folder-1")
	lg.Complete(ctx, "Y", "1", ledger.FileFailed, "upload: boom")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/files?status=failed", nil)
	rec := httptest.NewRecorder()
	if err := w.HandleGetFiles(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}

	var resp FilesResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Files) != 1 || resp.Files[0].FileID != "Y" {
		t.Fatalf("files: %+v", resp.Files)
	}
	if resp.Files[0].Error != "upload: boom" {
		t.Errorf("error message: got %q", resp.Files[0].Error)
	}

	req = httptest.NewRequest(http.MethodGet, "/files?status=bogus", nil)
	rec = httptest.NewRecorder()
	if err := w.HandleGetFiles(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter: got %d, want 400", rec.Code)
	}
}
