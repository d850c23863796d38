// Package dispatcher drives the per-sender conversation state machine: it
// consumes canonical inbound events, resumes or starts flows, and issues
// exactly one outbound reply per terminal transition.
//
// The caller (the webhook handler) serializes events per (tenant, sender),
// so the dispatcher never sees two events for the same conversation at once.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/intent"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/monitoring"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/otp"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/session"
)

// Store is the persistence slice the dispatcher needs;
// *database.SupabaseClient satisfies it.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*database.Tenant, error)
	GetUser(ctx context.Context, tenantID, senderID string) (*database.User, error)
	UpsertUser(ctx context.Context, u *database.User) error
	GetOrder(ctx context.Context, tenantID, orderID string) (*database.Order, error)
	GetActiveOrderForBuyer(ctx context.Context, tenantID, buyerID string) (*database.Order, error)
	TransitionOrder(ctx context.Context, tenantID, orderID, fromStatus, toStatus string) error
	UpdateOrderFields(ctx context.Context, tenantID, orderID string, fields map[string]interface{}) error
}

// Replier sends a text back to a sender; *outbound.Engine satisfies it.
type Replier interface {
	SendText(ctx context.Context, tenantID string, platform event.Platform, senderID, body string) error
}

// Ingestor runs the receipt upload pipeline; *media.Ingestor satisfies it.
type Ingestor interface {
	Ingest(ctx context.Context, tenantID, orderID, senderID string, platform event.Platform, mediaID, declaredMIME string) (*database.Receipt, error)
}

// Escalator is the upload-time escalation edge; *escalation.Service
// satisfies it. When Escalate fires it owns the buyer notification, so the
// receipt path must not reply again.
type Escalator interface {
	DetectAtUpload(ctx context.Context, o *database.Order) string
	Escalate(ctx context.Context, o *database.Order, reason string) error
}

// MerchantNotifier alerts the merchant principal out of band.
type MerchantNotifier interface {
	NotifyPrincipal(ctx context.Context, tenantID, message string) error
}

// Session payload keys.
const (
	keyName         = "name"
	keyAddress      = "address"
	keyNewAddress   = "new_address"
	keyOrderID      = "order_id"
	keyOTPRequestID = "otp_request_id"
	keyOTPPurpose   = "otp_purpose"
)

const defaultFallback = "Sorry, I didn't understand that. Send 'help' for the list of commands."

const helpText = "You can send:\n" +
	"- register — create your buyer profile\n" +
	"- confirm <order id> — confirm an order\n" +
	"- negotiate <order id> <amount> — propose a price\n" +
	"- order <order id> — check an order's status\n" +
	"- address — view your delivery address\n" +
	"- update address to <new address>\n" +
	"- cancel — stop the current step\n" +
	"Attach a photo or PDF of your payment receipt to submit it."

// Dispatcher is the conversation state machine.
type Dispatcher struct {
	store     Store
	sessions  *session.Store
	otp       *otp.Service
	replier   Replier
	ingestor  Ingestor
	escalator Escalator
	notifier  MerchantNotifier
	journal   audit.Journal
	metrics   *monitoring.Metrics
	logger    *log.Logger
}

// New wires a dispatcher. metrics may be nil.
func New(store Store, sessions *session.Store, otpSvc *otp.Service, replier Replier, ingestor Ingestor, escalator Escalator, notifier MerchantNotifier, journal audit.Journal, metrics *monitoring.Metrics) *Dispatcher {
	return &Dispatcher{
		store:     store,
		sessions:  sessions,
		otp:       otpSvc,
		replier:   replier,
		ingestor:  ingestor,
		escalator: escalator,
		notifier:  notifier,
		journal:   journal,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
}

// Dispatch handles one inbound event for a resolved tenant. The event has
// already passed signature, staleness, and idempotency checks.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, ev event.Inbound) error {
	st, err := d.sessions.Load(ctx, tenantID, ev.SenderID)
	switch {
	case errors.Is(err, session.ErrExpired):
		// The conversation timed out between messages. Tell the sender and
		// start over from idle; their current message is not replayed.
		return d.reply(ctx, tenantID, ev, "Your session expired. Please start again.")
	case errors.Is(err, session.ErrNone):
		st = nil
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	}

	if ev.Body.Kind == event.BodyMedia {
		return d.handleReceipt(ctx, tenantID, ev)
	}

	text := ev.Body.Text
	if ev.Body.Kind == event.BodyPostback {
		text = ev.Body.Postback
	}
	in := intent.Classify(text, st != nil && st.Step == session.StepAwaitOTP)
	return d.route(ctx, tenantID, ev, st, in, text)
}

func (d *Dispatcher) route(ctx context.Context, tenantID string, ev event.Inbound, st *session.State, in intent.Intent, raw string) error {
	// Cancel and help cut across every step. Cancel destroys pending state;
	// help leaves it untouched.
	switch in.Kind {
	case intent.CancelFlow:
		if st != nil {
			if err := d.sessions.Clear(ctx, tenantID, ev.SenderID); err != nil {
				return err
			}
			d.auditTransition(ctx, tenantID, ev.SenderID, string(st.Step), "IDLE", "CANCEL_FLOW")
		}
		return d.reply(ctx, tenantID, ev, "Cancelled. Send 'help' whenever you need the list of commands.")
	case intent.Help:
		return d.reply(ctx, tenantID, ev, helpText)
	}

	if st != nil {
		return d.resume(ctx, tenantID, ev, st, in, raw)
	}
	return d.topLevel(ctx, tenantID, ev, in)
}

func (d *Dispatcher) topLevel(ctx context.Context, tenantID string, ev event.Inbound, in intent.Intent) error {
	switch in.Kind {
	case intent.Register:
		return d.startRegistration(ctx, tenantID, ev)
	case intent.VerifyOTP:
		return d.reply(ctx, tenantID, ev, "There's no pending verification. Send 'register' to get started.")
	case intent.ConfirmOrder:
		return d.startConfirm(ctx, tenantID, ev, in.OrderID)
	case intent.Negotiate:
		return d.startNegotiate(ctx, tenantID, ev, in.OrderID, in.Amount)
	case intent.CounterResponse:
		return d.reply(ctx, tenantID, ev, "There's no counter-offer waiting for your decision.")
	case intent.OrderStatus:
		return d.orderStatus(ctx, tenantID, ev, in.OrderID)
	case intent.AddressView:
		return d.addressView(ctx, tenantID, ev)
	case intent.AddressSet:
		return d.startAddressChange(ctx, tenantID, ev, in.Address)
	case intent.UploadHelp:
		return d.reply(ctx, tenantID, ev, "Attach a photo or PDF of your payment receipt to this chat and we'll take it from there.")
	default:
		return d.fallback(ctx, tenantID, ev)
	}
}

// resume continues a suspended flow. Text that doesn't fit the awaited step
// gets a step-specific nudge and leaves the state unchanged.
func (d *Dispatcher) resume(ctx context.Context, tenantID string, ev event.Inbound, st *session.State, in intent.Intent, raw string) error {
	switch st.Step {
	case session.StepAwaitName:
		return d.captureName(ctx, tenantID, ev, st, raw)
	case session.StepAwaitAddress:
		return d.captureAddress(ctx, tenantID, ev, st, raw)
	case session.StepAwaitOTP:
		if in.Kind != intent.VerifyOTP {
			return d.reply(ctx, tenantID, ev, "Please reply with your verification code, or send 'cancel' to stop.")
		}
		return d.verifyChallenge(ctx, tenantID, ev, st, in.Code)
	case session.StepAwaitAddrConfirm:
		return d.confirmAddress(ctx, tenantID, ev, st, in, raw)
	case session.StepAwaitVendorCounter:
		if in.Kind == intent.OrderStatus {
			return d.orderStatus(ctx, tenantID, ev, in.OrderID)
		}
		return d.reply(ctx, tenantID, ev, "Your offer is with the seller. We'll message you here as soon as they respond.")
	case session.StepAwaitCounterDecision:
		if in.Kind != intent.CounterResponse {
			return d.reply(ctx, tenantID, ev, "Reply 'accept counter' or 'reject counter' to answer the seller's offer.")
		}
		return d.counterDecision(ctx, tenantID, ev, st, in.Accept)
	default:
		// Unknown step tag, e.g. after a rollback. Drop the state.
		d.logger.Printf("clearing unknown session step %q for tenant %s", st.Step, tenantID)
		_ = d.sessions.Clear(ctx, tenantID, ev.SenderID)
		return d.fallback(ctx, tenantID, ev)
	}
}

// fallback sends the tenant-configured catch-all reply.
func (d *Dispatcher) fallback(ctx context.Context, tenantID string, ev event.Inbound) error {
	msg := defaultFallback
	if t, err := d.store.GetTenant(ctx, tenantID); err == nil && t.FallbackMessage != "" {
		msg = t.FallbackMessage
	}
	return d.reply(ctx, tenantID, ev, msg)
}

func (d *Dispatcher) reply(ctx context.Context, tenantID string, ev event.Inbound, body string) error {
	return d.replier.SendText(ctx, tenantID, ev.Platform, ev.SenderID, body)
}

// verifiedUser loads the sender's profile and nudges unregistered senders
// toward registration. The bool reports whether the caller may proceed.
func (d *Dispatcher) verifiedUser(ctx context.Context, tenantID string, ev event.Inbound) (*database.User, bool, error) {
	u, err := d.store.GetUser(ctx, tenantID, ev.SenderID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, false, d.reply(ctx, tenantID, ev, "Please register first — just send 'register'.")
		}
		return nil, false, fmt.Errorf("load user: %w", err)
	}
	if !u.Verified {
		return nil, false, d.reply(ctx, tenantID, ev, "Please finish registration first — just send 'register'.")
	}
	return u, true, nil
}

func (d *Dispatcher) auditTransition(ctx context.Context, tenantID, senderID, from, to, trigger string) {
	if err := d.journal.Append(ctx, audit.Record{
		Action:    audit.ActionStateTransition,
		TenantID:  tenantID,
		ActorID:   senderID,
		Details:   map[string]string{"from": from, "to": to, "trigger": trigger},
	}); err != nil {
		audit.LogFailure(err, audit.ActionStateTransition)
	}
	if d.metrics != nil {
		d.metrics.StateTransitions.WithLabelValues(to).Inc()
	}
}

func (d *Dispatcher) auditOrder(ctx context.Context, tenantID, senderID, orderID, from, to string) {
	if err := d.journal.Append(ctx, audit.Record{
		Action:    audit.ActionOrderStatus,
		TenantID:  tenantID,
		ActorID:   senderID,
		SubjectID: orderID,
		Details:   map[string]string{"from": from, "to": to},
	}); err != nil {
		audit.LogFailure(err, audit.ActionOrderStatus)
	}
}

// formatAmount renders minor currency units for replies.
func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

func trimText(raw string) string {
	return strings.TrimSpace(raw)
}

// platformOf extracts the platform tag from a "<platform>:<id>" sender key.
func platformOf(senderID string) event.Platform {
	i := strings.Index(senderID, ":")
	if i < 0 {
		return ""
	}
	return event.Platform(senderID[:i])
}
