package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// Client uploads files into an ingestion dataset. Transient failures are
// retried with exponential backoff up to a ceiling; permanent failures
// (auth, quota, oversized files) surface immediately.
type Client struct {
	BaseURL   string
	DatasetID string
	Logger    *slog.Logger
	Client    *http.Client

	apiKey     string
	maxElapsed time.Duration
}

var tracer = otel.Tracer("ingest")

// ErrPermanent wraps collaborator failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent ingestion error")

// FileMeta travels with the uploaded bytes.
type FileMeta struct {
	Name     string
	MimeType string
	FileID   string
}

func NewClient(baseURL, apiKey, datasetID string, logger *slog.Logger, maxElapsed time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.dify.ai/v1"
	}
	if maxElapsed <= 0 {
		maxElapsed = 2 * time.Minute
	}

	return &Client{
		BaseURL:   baseURL,
		DatasetID: datasetID,
		Logger:    logger.With("module", "ingest"),
		Client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiKey:     apiKey,
		maxElapsed: maxElapsed,
	}
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload sends the file to the dataset's create-by-file endpoint and returns
// the created document id. The reader must be seekable since each retry
// re-reads the bytes from the start.
func (c *Client) Upload(ctx context.Context, r io.ReadSeeker, meta FileMeta) (string, error) {
	ctx, span := tracer.Start(ctx, "Upload")
	defer span.End()

	u := fmt.Sprintf("%s/datasets/%s/document/create-by-file", c.BaseURL, c.DatasetID)

	var documentID string
	attempt := 0

	operation := func() error {
		attempt++
		if attempt > 1 {
			c.Logger.Info("retrying upload", "file", meta.Name, "attempt", attempt)
			uploadRetries.Inc()
		}

		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to rewind file: %w", err))
		}

		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", meta.Name)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create multipart part: %w", err))
		}
		if _, err := io.Copy(part, r); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to buffer file bytes: %w", err))
		}
		if err := mw.Close(); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to finalize multipart body: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		resp, err := c.Client.Do(req)
		if err != nil {
			// network-level failure, retryable
			return fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}

		var ur uploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode upload response: %w", err))
		}
		documentID = ur.ID
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = c.maxElapsed

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		return "", err
	}
	return documentID, nil
}

// classifyStatus maps HTTP responses onto the retry taxonomy: 5xx and 429
// are transient, every other non-2xx is permanent.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("transient ingestion error: %s", resp.Status)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrPermanent, resp.Status, msg))
	}
}
