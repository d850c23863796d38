// Package outbound delivers replies to platform messaging APIs and fetches
// inbound media, with retry, backoff, circuit breaking, and per-tenant
// concurrency caps.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
)

// Send failure classification per the error taxonomy: retryable failures
// are retried inside the engine; permanent failures surface immediately.
var (
	ErrRetryable    = errors.New("outbound: transient upstream failure")
	ErrPermanent    = errors.New("outbound: permanent upstream failure")
	ErrUnauthorized = errors.New("outbound: unauthorized")
)

// retryAfterError carries a server-requested delay alongside ErrRetryable.
type retryAfterError struct {
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("outbound: throttled by platform, retry after %s", e.after)
}
func (e *retryAfterError) Unwrap() error { return ErrRetryable }

// PlatformClient is one platform's HTTP surface. The engine drives it; it
// performs exactly one attempt per call.
type PlatformClient interface {
	// SendText POSTs one text message using the tenant's credentials.
	SendText(ctx context.Context, creds *database.CredentialBundle, recipient, body string) error
	// DownloadMedia opens a stream for an inbound media handle. The caller
	// must close the reader.
	DownloadMedia(ctx context.Context, creds *database.CredentialBundle, mediaID string) (io.ReadCloser, string, int64, error)
}

// httpClient is the shared implementation behind both platforms: the send
// endpoints differ only in base URL, and both are bearer-authenticated JSON.
type httpClient struct {
	baseURL  string
	platform event.Platform
	hc       *http.Client
}

// NewWhatsAppClient builds the WhatsApp-class send client.
func NewWhatsAppClient(baseURL string, attemptTimeout time.Duration) PlatformClient {
	return &httpClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		platform: event.PlatformWhatsApp,
		hc:       &http.Client{Timeout: attemptTimeout},
	}
}

// NewInstagramClient builds the Instagram-class send client.
func NewInstagramClient(baseURL string, attemptTimeout time.Duration) PlatformClient {
	return &httpClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		platform: event.PlatformInstagram,
		hc:       &http.Client{Timeout: attemptTimeout},
	}
}

type sendPayload struct {
	Recipient string          `json:"recipient"`
	Message   json.RawMessage `json:"message"`
}

func (c *httpClient) SendText(ctx context.Context, creds *database.CredentialBundle, recipient, body string) error {
	msg, err := json.Marshal(map[string]string{"text": body})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	payload, err := json.Marshal(sendPayload{Recipient: recipient, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, creds.ChannelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	return classifyStatus(resp)
}

// DownloadMedia resolves a media handle into a byte stream. WhatsApp media
// ids resolve through a metadata lookup that yields a short-lived URL;
// Instagram attachments arrive as direct URLs.
func (c *httpClient) DownloadMedia(ctx context.Context, creds *database.CredentialBundle, mediaID string) (io.ReadCloser, string, int64, error) {
	url := mediaID
	if !strings.HasPrefix(mediaID, "http://") && !strings.HasPrefix(mediaID, "https://") {
		resolved, err := c.resolveMediaURL(ctx, creds, mediaID)
		if err != nil {
			return nil, "", 0, err
		}
		url = resolved
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("build media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := classifyStatus(resp)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, "", 0, err
	}
	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

func (c *httpClient) resolveMediaURL(ctx context.Context, creds *database.CredentialBundle, mediaID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+mediaID, nil)
	if err != nil {
		return "", fmt.Errorf("build media lookup: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp)
	}

	var meta struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil || meta.URL == "" {
		return "", fmt.Errorf("%w: media lookup returned no url", ErrPermanent)
	}
	return meta.URL, nil
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			return &retryAfterError{after: d}
		}
		return fmt.Errorf("%w: status 429", ErrRetryable)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrRetryable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrPermanent, resp.StatusCode)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
