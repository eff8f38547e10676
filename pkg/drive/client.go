package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

// TokenProvider supplies a bearer token for the drive API. Credential
// loading and refresh live with the caller.
type TokenProvider func(ctx context.Context) (string, error)

// Client talks to the drive v3 API: watch registration, change listing,
// metadata lookups, and media download.
type Client struct {
	Host     string
	Logger   *slog.Logger
	Client   *http.Client
	Limiter  *rate.Limiter
	PageSize int

	tokenProvider TokenProvider
}

var tracer = otel.Tracer("drive")

var (
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
)

func NewClient(host string, tokenProvider TokenProvider, logger *slog.Logger, rateLimit float64) *Client {
	if host == "" {
		host = "https://www.googleapis.com/drive/v3"
	}
	if rateLimit <= 0 {
		rateLimit = 10
	}

	client := &http.Client{
		Timeout:   60 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &Client{
		Host:          host,
		Logger:        logger.With("module", "drive"),
		Client:        client,
		Limiter:       rate.NewLimiter(rate.Limit(rateLimit), 1),
		PageSize:      100,
		tokenProvider: tokenProvider,
	}
}

func (c *Client) do(ctx context.Context, method, rawURL string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	token, err := c.tokenProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Rate limit requests
	err = c.Limiter.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		c.Logger.Warn("rate limited by drive API")
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	return resp, nil
}

// Verify probes folder metadata so registration fails fast when the folder
// is missing or not shared with our credentials.
func (c *Client) Verify(ctx context.Context, folderID string) error {
	ctx, span := tracer.Start(ctx, "Verify")
	defer span.End()

	u := fmt.Sprintf("%s/files/%s?fields=id,mimeType&supportsAllDrives=true", c.Host, url.PathEscape(folderID))
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var f File
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return fmt.Errorf("failed to decode file metadata: %w", err)
	}
	if f.MimeType != FolderMimeType {
		return fmt.Errorf("%s is not a folder (mime type %q)", folderID, f.MimeType)
	}
	return nil
}

type watchRequest struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Address string `json:"address"`
}

type watchResponse struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	Expiration string `json:"expiration"`
}

// Watch registers a webhook notification channel on a folder. The channel
// identifier is minted locally; the remote system echoes it back along with
// a resource id and a millisecond-epoch expiration.
func (c *Client) Watch(ctx context.Context, folderID, address string) (*Subscription, error) {
	ctx, span := tracer.Start(ctx, "Watch")
	defer span.End()

	channelID := uuid.NewString()
	u := fmt.Sprintf("%s/files/%s/watch?supportsAllDrives=true", c.Host, url.PathEscape(folderID))

	c.Logger.Info("registering watch channel", "folder_id", folderID, "channel_id", channelID)

	resp, err := c.do(ctx, http.MethodPost, u, watchRequest{
		ID:      channelID,
		Type:    "web_hook",
		Address: address,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr watchResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("failed to decode watch response: %w", err)
	}

	expMillis, err := strconv.ParseInt(wr.Expiration, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse channel expiration %q: %w", wr.Expiration, err)
	}

	return &Subscription{
		ChannelID:  wr.ID,
		ResourceID: wr.ResourceID,
		ExpiresAt:  time.UnixMilli(expMillis).UTC(),
	}, nil
}

type startPageTokenResponse struct {
	StartPageToken string `json:"startPageToken"`
}

// StartPageToken returns the cursor for the feed's current position. Seeding
// a new channel from it means only future changes surface, never the
// existing backlog.
func (c *Client) StartPageToken(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "StartPageToken")
	defer span.End()

	u := fmt.Sprintf("%s/changes/startPageToken?supportsAllDrives=true", c.Host)
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var spt startPageTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&spt); err != nil {
		return "", fmt.Errorf("failed to decode start page token: %w", err)
	}
	return spt.StartPageToken, nil
}

// ListChanges fetches one page of the change feed from a cursor.
func (c *Client) ListChanges(ctx context.Context, pageToken string) (*ChangePage, error) {
	ctx, span := tracer.Start(ctx, "ListChanges")
	defer span.End()

	q := url.Values{}
	q.Set("pageToken", pageToken)
	q.Set("pageSize", strconv.Itoa(c.PageSize))
	q.Set("fields", "changes(fileId,removed,file(id,name,mimeType,trashed,parents,headRevisionId,createdTime)),nextPageToken,newStartPageToken")
	q.Set("includeItemsFromAllDrives", "true")
	q.Set("supportsAllDrives", "true")
	u := fmt.Sprintf("%s/changes?%s", c.Host, q.Encode())

	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page ChangePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode change page: %w", err)
	}
	return &page, nil
}

// File fetches metadata for one file; used for ancestor walks.
func (c *Client) File(ctx context.Context, fileID string) (*File, error) {
	ctx, span := tracer.Start(ctx, "File")
	defer span.End()

	u := fmt.Sprintf("%s/files/%s?fields=id,name,mimeType,trashed,parents&supportsAllDrives=true", c.Host, url.PathEscape(fileID))
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var f File
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode file metadata: %w", err)
	}
	return &f, nil
}

// Download streams file bytes into w.
func (c *Client) Download(ctx context.Context, fileID string, w io.Writer) error {
	ctx, span := tracer.Start(ctx, "Download")
	defer span.End()

	u := fmt.Sprintf("%s/files/%s?alt=media&supportsAllDrives=true", c.Host, url.PathEscape(fileID))
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to stream file bytes: %w", err)
	}
	return nil
}

type stopRequest struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

// Stop deregisters a notification channel. Best-effort: callers log and
// move on when this fails.
func (c *Client) Stop(ctx context.Context, channelID, resourceID string) error {
	ctx, span := tracer.Start(ctx, "Stop")
	defer span.End()

	u := fmt.Sprintf("%s/channels/stop", c.Host)
	resp, err := c.do(ctx, http.MethodPost, u, stopRequest{
		ID:         channelID,
		ResourceID: resourceID,
	})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
