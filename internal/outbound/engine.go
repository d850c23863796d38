package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/monitoring"
)

// CredentialSource is the slice of the registry the engine needs.
type CredentialSource interface {
	GetCredentials(ctx context.Context, tenantID string, platform event.Platform) (*database.CredentialBundle, error)
	RefreshCredentials(tenantID string, platform event.Platform)
}

// Config tunes retry and concurrency behavior.
type Config struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	PerTenantInFlight int64
	// Metrics is optional; nil disables instrumentation.
	Metrics *monitoring.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 8 * time.Second
	}
	if c.PerTenantInFlight == 0 {
		c.PerTenantInFlight = 16
	}
	return c
}

// Engine is the outbound delivery engine. One per process; safe for
// concurrent use.
type Engine struct {
	creds   CredentialSource
	clients map[event.Platform]PlatformClient
	journal audit.Journal
	cfg     Config

	// Per-platform breakers: a platform-wide outage trips fast instead of
	// burning every handler's budget on doomed retries.
	breakers map[event.Platform]*gobreaker.CircuitBreaker

	mu    sync.Mutex
	gates map[string]*semaphore.Weighted // tenantID → in-flight cap
}

// NewEngine wires the delivery engine.
func NewEngine(creds CredentialSource, clients map[event.Platform]PlatformClient, journal audit.Journal, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	breakers := make(map[event.Platform]*gobreaker.CircuitBreaker, len(clients))
	for platform := range clients {
		p := platform
		breakers[p] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "outbound-" + string(p),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("outbound breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return &Engine{
		creds:    creds,
		clients:  clients,
		journal:  journal,
		cfg:      cfg,
		breakers: breakers,
		gates:    make(map[string]*semaphore.Weighted),
	}
}

func (e *Engine) gate(tenantID string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gates[tenantID]
	if !ok {
		g = semaphore.NewWeighted(e.cfg.PerTenantInFlight)
		e.gates[tenantID] = g
	}
	return g
}

// SendText delivers one text message to a sender. Blocks (rather than
// drops) when the tenant's in-flight cap is reached. Retries transient
// failures with exponential backoff; forces one credential refresh on
// UNAUTHORIZED. A permanent failure is audited as SEND_FAIL and returned.
func (e *Engine) SendText(ctx context.Context, tenantID string, platform event.Platform, senderID, body string) error {
	start := time.Now()
	err := e.sendText(ctx, tenantID, platform, senderID, body)
	if m := e.cfg.Metrics; m != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		m.OutboundSends.WithLabelValues(string(platform), result).Inc()
		m.OutboundDuration.WithLabelValues(string(platform)).Observe(time.Since(start).Seconds())
	}
	return err
}

func (e *Engine) sendText(ctx context.Context, tenantID string, platform event.Platform, senderID, body string) error {
	client, ok := e.clients[platform]
	if !ok {
		return fmt.Errorf("%w: no client for platform %s", ErrPermanent, platform)
	}

	g := e.gate(tenantID)
	if err := g.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire send slot: %w", err)
	}
	defer g.Release(1)

	recipient := platformRecipient(platform, senderID)
	refreshed := false

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		creds, err := e.creds.GetCredentials(ctx, tenantID, platform)
		if err != nil {
			return fmt.Errorf("credentials for send: %w", err)
		}

		_, err = e.breakers[platform].Execute(func() (interface{}, error) {
			return nil, client.SendText(ctx, creds, recipient, body)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrUnauthorized):
			// Rotated token window: refresh once, then one more attempt.
			if refreshed {
				e.auditSendFail(ctx, tenantID, senderID, platform, err)
				return fmt.Errorf("%w: unauthorized after refresh", ErrPermanent)
			}
			e.creds.RefreshCredentials(tenantID, platform)
			refreshed = true
		case errors.Is(err, ErrRetryable):
			// fall through to backoff
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			lastErr = fmt.Errorf("%w: breaker open", ErrRetryable)
		default:
			e.auditSendFail(ctx, tenantID, senderID, platform, err)
			return err
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, attempt, lastErr); err != nil {
			return err
		}
	}

	e.auditSendFail(ctx, tenantID, senderID, platform, lastErr)
	return fmt.Errorf("send text after %d attempts: %w", e.cfg.MaxAttempts, lastErr)
}

// DownloadMedia opens a credentialed stream for inbound media.
func (e *Engine) DownloadMedia(ctx context.Context, tenantID string, platform event.Platform, mediaID string) (rc io.ReadCloser, contentType string, length int64, err error) {
	client, ok := e.clients[platform]
	if !ok {
		return nil, "", 0, fmt.Errorf("%w: no client for platform %s", ErrPermanent, platform)
	}
	creds, err := e.creds.GetCredentials(ctx, tenantID, platform)
	if err != nil {
		return nil, "", 0, fmt.Errorf("credentials for media: %w", err)
	}
	return client.DownloadMedia(ctx, creds, mediaID)
}

// sleep waits out the backoff for the attempt, honoring a platform
// Retry-After over the computed delay, and aborts early on ctx cancel.
func (e *Engine) sleep(ctx context.Context, attempt int, cause error) error {
	delay := e.cfg.BackoffBase << (attempt - 1)
	if delay > e.cfg.BackoffCap {
		delay = e.cfg.BackoffCap
	}
	var ra *retryAfterError
	if errors.As(cause, &ra) && ra.after > delay {
		delay = ra.after
		if delay > e.cfg.BackoffCap {
			delay = e.cfg.BackoffCap
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) auditSendFail(ctx context.Context, tenantID, senderID string, platform event.Platform, cause error) {
	err := e.journal.Append(ctx, audit.Record{
		Action:    audit.ActionSendFail,
		TenantID:  tenantID,
		SubjectID: senderID,
		Details: map[string]string{
			"platform": string(platform),
			"error":    cause.Error(),
		},
	})
	if err != nil {
		audit.LogFailure(err, audit.ActionSendFail)
	}
}

// platformRecipient strips the platform prefix off a composite sender id.
func platformRecipient(platform event.Platform, senderID string) string {
	return strings.TrimPrefix(senderID, string(platform)+":")
}
