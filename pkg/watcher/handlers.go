package watcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"

	"github.com/pmarks/driverelay/pkg/ledger"
)

type WebhookResponse struct {
	Status string `json:"status"`
}

// HandleWebhook receives drive push notifications. It always answers 200
// once the trigger is determined relevant or irrelevant; anything else
// invites the remote system's retry storm. Real processing outcomes are
// visible only through ledger state and metrics.
func (w *Watcher) HandleWebhook(c echo.Context) error {
	channelID := c.Request().Header.Get("X-Goog-Channel-ID")
	resourceID := c.Request().Header.Get("X-Goog-Resource-ID")
	state := c.Request().Header.Get("X-Goog-Resource-State")

	if channelID == "" || state == "" {
		webhookDeliveries.WithLabelValues("bad_request").Inc()
		return c.JSON(http.StatusBadRequest, WebhookResponse{Status: "missing required headers"})
	}

	logger := w.logger.With("channel_id", channelID, "state", state)

	// A sync check announces the channel exists; it carries no change data.
	if state == "sync" {
		webhookDeliveries.WithLabelValues("sync").Inc()
		return c.JSON(http.StatusOK, WebhookResponse{Status: "sync acknowledged"})
	}
	if state == "trash" {
		webhookDeliveries.WithLabelValues("trash").Inc()
		return c.JSON(http.StatusOK, WebhookResponse{Status: "trash ignored"})
	}

	ctx := c.Request().Context()
	ch, err := w.ledger.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, ledger.ErrChannelNotFound) {
			// Unknown channel ids are stale or spoofed deliveries.
			logger.Debug("notification for unknown channel")
			webhookDeliveries.WithLabelValues("unknown").Inc()
			return c.JSON(http.StatusOK, WebhookResponse{Status: "ignored"})
		}
		logger.Error("failed to look up channel", "err", err)
		webhookDeliveries.WithLabelValues("error").Inc()
		return c.JSON(http.StatusOK, WebhookResponse{Status: "error"})
	}

	if ch.Status == ledger.ChannelReplaced || (resourceID != "" && resourceID != ch.ResourceID) {
		logger.Debug("notification for replaced channel")
		webhookDeliveries.WithLabelValues("stale").Inc()
		return c.JSON(http.StatusOK, WebhookResponse{Status: "stale"})
	}

	// The notification system reports the channel's own expiry alongside
	// each delivery; an imminent one triggers renewal without waiting for
	// the scheduler's next tick.
	if raw := c.Request().Header.Get("X-Goog-Channel-Expiration"); raw != "" {
		if expiresAt, err := dateparse.ParseAny(raw); err == nil {
			if time.Until(expiresAt) < w.renewalWindow {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					defer cancel()
					if err := w.Renew(ctx, ch.ChannelID); err != nil {
						w.logger.Error("webhook-triggered renewal failed",
							"channel_id", ch.ChannelID, "err", err)
					}
				}()
			}
		}
	}

	if w.debounced(ch.FolderID) {
		webhookDeliveries.WithLabelValues("debounced").Inc()
		return c.JSON(http.StatusOK, WebhookResponse{Status: "debounced"})
	}

	webhookDeliveries.WithLabelValues("accepted").Inc()

	// Processing happens off the request path. Nothing durable is lost if
	// this goroutine dies: the cursor has not advanced, and the remote
	// system redelivers.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := w.ResolveAndDispatch(ctx, ch.ChannelID); err != nil {
			w.logger.Error("failed to resolve and dispatch",
				"channel_id", ch.ChannelID, "folder_id", ch.FolderID, "err", err)
		}
	}()

	return c.JSON(http.StatusOK, WebhookResponse{Status: "processing"})
}

type SetupRequest struct {
	FolderID string `json:"folder_id" query:"folder_id"`
}

type SetupResponse struct {
	Status  string          `json:"status"`
	Channel *ChannelSummary `json:"channel,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type ChannelSummary struct {
	ChannelID string    `json:"channel_id"`
	FolderID  string    `json:"folder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

// HandleSetup registers monitoring for a folder.
func (w *Watcher) HandleSetup(c echo.Context) error {
	var req SetupRequest
	err := c.Bind(&req)
	if req.FolderID == "" {
		// echo only binds query params on GET/DELETE
		req.FolderID = c.QueryParam("folder_id")
	}
	if err != nil || req.FolderID == "" {
		return c.JSON(http.StatusBadRequest, SetupResponse{Status: "error", Error: "folder_id is required"})
	}

	ctx := c.Request().Context()

	if existing, err := w.ledger.ActiveChannelForFolder(ctx, req.FolderID); err == nil {
		return c.JSON(http.StatusOK, SetupResponse{
			Status:  "already monitored",
			Channel: summarize(existing),
		})
	}

	ch, err := w.Register(ctx, req.FolderID)
	if err != nil {
		w.logger.Error("failed to register folder", "folder_id", req.FolderID, "err", err)
		return c.JSON(http.StatusInternalServerError, SetupResponse{Status: "error", Error: err.Error()})
	}

	return c.JSON(http.StatusOK, SetupResponse{
		Status:  "monitoring",
		Channel: summarize(ch),
	})
}

func summarize(ch *ledger.Channel) *ChannelSummary {
	return &ChannelSummary{
		ChannelID: ch.ChannelID,
		FolderID:  ch.FolderID,
		ExpiresAt: ch.ExpiresAt,
		Status:    string(ch.Status),
	}
}

// HandleHealth reports liveness. It deliberately touches neither the ledger
// nor any collaborator.
func (w *Watcher) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

type JSONFile struct {
	FileID       string     `json:"file_id"`
	FileRevision string     `json:"file_revision"`
	FileName     string     `json:"file_name"`
	FolderID     string     `json:"folder_id"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	ClaimedAt    time.Time  `json:"claimed_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type FilesResponse struct {
	Files []JSONFile `json:"files"`
	Error string     `json:"error,omitempty"`
}

// HandleGetFiles handles the GET /files endpoint
func (w *Watcher) HandleGetFiles(c echo.Context) error {
	resp := FilesResponse{}

	status := ledger.FileStatus(c.QueryParam("status"))
	switch status {
	case "", ledger.FileClaimed, ledger.FileSucceeded, ledger.FileFailed:
	default:
		resp.Error = "invalid status filter"
		return c.JSON(http.StatusBadRequest, resp)
	}

	limit := 100
	if limitParam := c.QueryParam("limit"); limitParam != "" {
		if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
			resp.Error = "invalid limit"
			return c.JSON(http.StatusBadRequest, resp)
		}
	}

	files, err := w.ledger.RecentFiles(c.Request().Context(), status, limit)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Files = make([]JSONFile, len(files))
	for i, f := range files {
		resp.Files[i] = JSONFile{
			FileID:       f.FileID,
			FileRevision: f.FileRevision,
			FileName:     f.FileName,
			FolderID:     f.FolderID,
			Status:       string(f.Status),
			AttemptCount: f.AttemptCount,
			ClaimedAt:    f.ClaimedAt,
			CompletedAt:  f.CompletedAt,
			Error:        f.LastError,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type ChannelsResponse struct {
	Channels []ChannelSummary `json:"channels"`
	Error    string           `json:"error,omitempty"`
}

// HandleGetChannels handles the GET /channels endpoint
func (w *Watcher) HandleGetChannels(c echo.Context) error {
	resp := ChannelsResponse{}

	channels, err := w.ledger.ListChannels(c.Request().Context())
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.Channels = make([]ChannelSummary, len(channels))
	for i, ch := range channels {
		resp.Channels[i] = *summarize(&ch)
	}
	return c.JSON(http.StatusOK, resp)
}
