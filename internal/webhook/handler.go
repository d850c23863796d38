package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/config"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/idempotency"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/keylock"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/monitoring"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/registry"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/signature"
)

// maxBodyBytes caps webhook request bodies. Platform envelopes are small;
// anything past this is hostile.
const maxBodyBytes = 1 << 20

// Dispatcher consumes one canonical event for a resolved tenant.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID string, ev event.Inbound) error
}

// Replier delivers the best-effort notice to a sender when their event
// failed on our side; *outbound.Engine satisfies it.
type Replier interface {
	SendText(ctx context.Context, tenantID string, platform event.Platform, senderID, body string) error
}

// Handler terminates the platform webhook endpoints: GET challenge
// verification and POST intake.
type Handler struct {
	cfg        config.WebhookConfig
	budget     time.Duration
	idem       *idempotency.Cache
	registry   *registry.Registry
	locks      *keylock.Table
	dispatcher Dispatcher
	replier    Replier
	journal    audit.Journal
	metrics    *monitoring.Metrics
	logger     *log.Logger
}

// NewHandler wires the webhook handler.
func NewHandler(cfg config.WebhookConfig, budget time.Duration, idem *idempotency.Cache, reg *registry.Registry, locks *keylock.Table, d Dispatcher, replier Replier, journal audit.Journal, m *monitoring.Metrics) *Handler {
	return &Handler{
		cfg:        cfg,
		budget:     budget,
		idem:       idem,
		registry:   reg,
		locks:      locks,
		dispatcher: d,
		replier:    replier,
		journal:    journal,
		metrics:    m,
		logger:     log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
	}
}

// Register mounts the webhook routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhook/whatsapp", h.challenge).Methods(http.MethodGet)
	r.HandleFunc("/webhook/whatsapp", h.intake(event.PlatformWhatsApp)).Methods(http.MethodPost)
	r.HandleFunc("/webhook/instagram", h.challenge).Methods(http.MethodGet)
	r.HandleFunc("/webhook/instagram", h.intake(event.PlatformInstagram)).Methods(http.MethodPost)
}

// challenge answers the platform's subscription handshake: echo the
// challenge when the verify token matches, 403 otherwise.
func (h *Handler) challenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == h.cfg.VerifyToken && h.cfg.VerifyToken != "" {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, q.Get("hub.challenge"))
		return
	}
	http.Error(w, "verification failed", http.StatusForbidden)
}

func (h *Handler) secret(platform event.Platform) []byte {
	if platform == event.PlatformInstagram {
		return []byte(h.cfg.InstagramAppSecret)
	}
	return []byte(h.cfg.WhatsAppAppSecret)
}

// intake builds the POST handler for one platform. The pipeline is
// signature → parse → per-event (stale, dedupe, tenant, serialize,
// dispatch). Events are processed synchronously so in-conversation order
// holds; the platform gets 200 for anything past the signature gate, since
// redelivery would only replay duplicates. The exception is an unexpected
// dispatch failure: that event's mark is released and the request answers
// 500 so the platform redelivers.
func (h *Handler) intake(platform event.Platform) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}

		ok, digest := signature.Verify(body, r.Header.Get("X-Hub-Signature-256"), h.secret(platform))
		if !ok {
			h.metrics.SignatureFailures.WithLabelValues(string(platform)).Inc()
			h.metrics.WebhookRequests.WithLabelValues(string(platform), "bad_signature").Inc()
			if err := h.journal.Append(r.Context(), audit.Record{
				Action:  audit.ActionAuthSignatureFail,
				ActorID: r.RemoteAddr,
				Details: map[string]string{
					"platform": string(platform),
					"digest":   digest,
				},
			}); err != nil {
				audit.LogFailure(err, audit.ActionAuthSignatureFail)
			}
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}

		// Parsers skip malformed structure rather than erroring, so a signed
		// but unusable payload yields zero events and a 200: the platform
		// would only redeliver the same bytes.
		var events []event.Inbound
		if platform == event.PlatformWhatsApp {
			events = ParseWhatsApp(body)
		} else {
			events = ParseInstagram(body)
		}

		h.metrics.WebhookRequests.WithLabelValues(string(platform), "accepted").Inc()

		failed := false
		for _, ev := range events {
			if h.processEvent(r.Context(), ev) {
				failed = true
			}
		}
		if failed {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// processEvent runs one event through the pipeline. It reports whether the
// event hit an unexpected dispatch failure, the one outcome the caller
// surfaces as a non-200.
func (h *Handler) processEvent(ctx context.Context, ev event.Inbound) (failed bool) {
	platform := string(ev.Platform)

	if ev.Stale(time.Now()) {
		h.metrics.EventsProcessed.WithLabelValues(platform, "stale").Inc()
		if err := h.journal.Append(ctx, audit.Record{
			Action:  audit.ActionInboundStale,
			ActorID: ev.SenderID,
			Details: map[string]string{
				"event_id":     ev.EventID,
				"timestamp_ms": fmt.Sprint(ev.TimestampMS),
			},
		}); err != nil {
			audit.LogFailure(err, audit.ActionInboundStale)
		}
		return
	}

	seen, err := h.idem.Seen(ctx, ev.EventID)
	if err != nil {
		h.logger.Printf("idempotency check for %s: %v", ev.EventID, err)
		// Fail open: a broken cache must not drop live traffic.
	} else if seen {
		h.metrics.EventsProcessed.WithLabelValues(platform, "duplicate").Inc()
		return
	}

	tenantID, err := h.registry.ResolveTenant(ctx, ev.Platform, ev.ChannelID)
	if err != nil {
		h.metrics.EventsProcessed.WithLabelValues(platform, "unresolved").Inc()
		if err := h.journal.Append(ctx, audit.Record{
			Action:  audit.ActionTenantUnresolved,
			ActorID: ev.SenderID,
			Details: map[string]string{
				"platform":   platform,
				"channel_id": ev.ChannelID,
			},
		}); err != nil {
			audit.LogFailure(err, audit.ActionTenantUnresolved)
		}
		return
	}

	if err := h.journal.Append(ctx, audit.Record{
		Action:   audit.ActionInboundAccepted,
		TenantID: tenantID,
		ActorID:  ev.SenderID,
		Details: map[string]string{
			"event_id": ev.EventID,
			"platform": platform,
			"kind":     ev.Body.Kind.String(),
		},
	}); err != nil {
		audit.LogFailure(err, audit.ActionInboundAccepted)
	}

	// Serialize per conversation; cross-conversation events run freely.
	unlock := h.locks.Lock(tenantID + "/" + ev.SenderID)
	defer unlock()

	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, h.budget)
	defer cancel()

	err = h.dispatcher.Dispatch(cctx, tenantID, ev)
	h.metrics.EventDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		h.metrics.EventsProcessed.WithLabelValues(platform, "ok").Inc()
	case errors.Is(err, context.DeadlineExceeded) || cctx.Err() != nil:
		h.metrics.EventsProcessed.WithLabelValues(platform, "timeout").Inc()
		h.logger.Printf("event %s exceeded budget: %v", ev.EventID, err)
		if err := h.journal.Append(context.WithoutCancel(ctx), audit.Record{
			Action:   audit.ActionEventTimeout,
			TenantID: tenantID,
			ActorID:  ev.SenderID,
			Details:  map[string]string{"event_id": ev.EventID},
		}); err != nil {
			audit.LogFailure(err, audit.ActionEventTimeout)
		}
		// Unmark so the platform's redelivery gets a fresh attempt.
		if err := h.idem.Forget(context.WithoutCancel(ctx), ev.EventID); err != nil {
			h.logger.Printf("idempotency forget for %s: %v", ev.EventID, err)
		}
	default:
		corrID := uuid.NewString()
		h.metrics.EventsProcessed.WithLabelValues(platform, "error").Inc()
		h.logger.Printf("dispatch %s failed (correlation %s): %v", ev.EventID, corrID, err)
		if err := h.journal.Append(context.WithoutCancel(ctx), audit.Record{
			Action:   audit.ActionInternalError,
			TenantID: tenantID,
			ActorID:  ev.SenderID,
			Details: map[string]string{
				"event_id":       ev.EventID,
				"correlation_id": corrID,
			},
		}); err != nil {
			audit.LogFailure(err, audit.ActionInternalError)
		}
		// The sender gets a generic notice; the cause stays in the log,
		// findable by correlation id.
		if serr := h.replier.SendText(context.WithoutCancel(ctx), tenantID, ev.Platform, ev.SenderID,
			"We hit a temporary issue. Please try again in a moment."); serr != nil {
			h.logger.Printf("failure notice for %s: %v", ev.EventID, serr)
		}
		// Release the mark so the platform's redelivery retries the event.
		if ferr := h.idem.Forget(context.WithoutCancel(ctx), ev.EventID); ferr != nil {
			h.logger.Printf("idempotency forget for %s: %v", ev.EventID, ferr)
		}
		return true
	}
	return false
}
