// Package escalation pauses risky orders behind a time-boxed merchant
// approval: threshold detection, the pending approval queue, OTP-gated
// resolution, and the expiry sweep.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/monitoring"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/otp"
)

var (
	// ErrAlreadyResolved means another resolver won the status CAS.
	ErrAlreadyResolved = errors.New("escalation: already resolved")
	// ErrOTPRequired means the supplied OTP did not authenticate the decision.
	ErrOTPRequired = errors.New("escalation: otp verification failed")
)

// Decision is a principal's resolution choice.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Store is the persistence slice this package needs; *database.SupabaseClient
// satisfies it.
type Store interface {
	GetOrder(ctx context.Context, tenantID, orderID string) (*database.Order, error)
	TransitionOrder(ctx context.Context, tenantID, orderID, fromStatus, toStatus string) error
	GetLatestReceiptForOrder(ctx context.Context, tenantID, orderID string) (*database.Receipt, error)
	CreateEscalation(ctx context.Context, e *database.Escalation) error
	GetEscalation(ctx context.Context, tenantID, escalationID string) (*database.Escalation, error)
	ResolveEscalation(ctx context.Context, tenantID, escalationID, toStatus, resolvedBy string) error
	ListExpiredPendingEscalations(ctx context.Context, cutoff time.Time, limit int) ([]database.Escalation, error)
	GetTenant(ctx context.Context, tenantID string) (*database.Tenant, error)
}

// Replier sends a text back to a buyer; *outbound.Engine satisfies it.
type Replier interface {
	SendText(ctx context.Context, tenantID string, platform event.Platform, senderID, body string) error
}

// MerchantNotifier alerts the merchant principal through its notification
// channel (the merchant UI / SMS bridge, an external collaborator).
type MerchantNotifier interface {
	NotifyPrincipal(ctx context.Context, tenantID, message string) error
}

// LogNotifier is the default MerchantNotifier for deployments without a
// merchant channel wired: it only logs.
type LogNotifier struct{}

// NotifyPrincipal implements MerchantNotifier.
func (LogNotifier) NotifyPrincipal(_ context.Context, tenantID, message string) error {
	slog.Info("merchant notification", "tenant_id", tenantID, "message", message)
	return nil
}

// Config tunes detection and expiry.
type Config struct {
	HighValueThreshold int64
	PendingTTL         time.Duration
	OCRMinConfidence   float64
	// Metrics is optional; nil disables instrumentation.
	Metrics *monitoring.Metrics
}

func (c Config) withDefaults() Config {
	if c.HighValueThreshold == 0 {
		c.HighValueThreshold = 1_000_000
	}
	if c.PendingTTL == 0 {
		c.PendingTTL = 24 * time.Hour
	}
	if c.OCRMinConfidence == 0 {
		c.OCRMinConfidence = 0.60
	}
	return c
}

// Service is the escalation detector and approval queue.
type Service struct {
	store    Store
	replier  Replier
	notifier MerchantNotifier
	otp      *otp.Service
	journal  audit.Journal
	cfg      Config
}

// NewService wires the escalation service.
func NewService(store Store, replier Replier, notifier MerchantNotifier, otpSvc *otp.Service, journal audit.Journal, cfg Config) *Service {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Service{
		store:    store,
		replier:  replier,
		notifier: notifier,
		otp:      otpSvc,
		journal:  journal,
		cfg:      cfg.withDefaults(),
	}
}

// detect returns the escalation reason for an order, or "" when the order
// may proceed to VERIFIED. OCR-based detection runs only when a result is
// present; a missing OCR result never blocks.
func (s *Service) detect(ctx context.Context, o *database.Order) string {
	threshold := s.cfg.HighValueThreshold
	if t, err := s.store.GetTenant(ctx, o.TenantID); err == nil && t.HighValueThreshold > 0 {
		threshold = t.HighValueThreshold
	}

	if o.TotalAmount >= threshold {
		return database.ReasonHighValue
	}
	if o.VendorFlagged {
		return database.ReasonVendorFlagged
	}
	if r, err := s.store.GetLatestReceiptForOrder(ctx, o.TenantID, o.OrderID); err == nil {
		if r.OCR != nil && r.OCR.Confidence < s.cfg.OCRMinConfidence {
			return database.ReasonOCRLowConfidence
		}
	}
	return ""
}

// DetectAtUpload evaluates the synchronous rules applied the moment a
// receipt lands: high value and vendor flag. OCR-based detection only runs
// later, at vendor verification, when a result may exist.
func (s *Service) DetectAtUpload(ctx context.Context, o *database.Order) string {
	threshold := s.cfg.HighValueThreshold
	if t, err := s.store.GetTenant(ctx, o.TenantID); err == nil && t.HighValueThreshold > 0 {
		threshold = t.HighValueThreshold
	}
	if o.TotalAmount >= threshold {
		return database.ReasonHighValue
	}
	if o.VendorFlagged {
		return database.ReasonVendorFlagged
	}
	return ""
}

// OnReceiptVerified is the trigger edge: the vendor has marked the order's
// receipt verified. The order either transitions to VERIFIED, or — when a
// risk rule matches — to ESCALATED with exactly one PENDING escalation, a
// buyer notice, and a principal alert.
func (s *Service) OnReceiptVerified(ctx context.Context, tenantID, orderID string) error {
	o, err := s.store.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	reason := s.detect(ctx, o)
	if reason == "" {
		if err := s.store.TransitionOrder(ctx, tenantID, orderID, o.Status, database.OrderVerified); err != nil {
			return fmt.Errorf("verify order: %w", err)
		}
		s.auditOrder(ctx, tenantID, orderID, o.Status, database.OrderVerified)
		return nil
	}
	return s.Escalate(ctx, o, reason)
}

// Escalate pauses an order behind a pending approval: one PENDING
// escalation (racing creators collapse into one), order to ESCALATED, buyer
// notified, principal alerted. Safe to call from the dispatcher's receipt
// path and from vendor verification alike.
func (s *Service) Escalate(ctx context.Context, o *database.Order, reason string) error {
	esc := &database.Escalation{
		EscalationID: "esc_" + uuid.NewString(),
		OrderID:      o.OrderID,
		TenantID:     o.TenantID,
		Reason:       reason,
		ExpiresAt:    database.FormatTimestamp(time.Now().Add(s.cfg.PendingTTL)),
	}
	if err := s.store.CreateEscalation(ctx, esc); err != nil {
		if errors.Is(err, database.ErrConflict) {
			// An escalation is already pending for this order; nothing to do.
			return nil
		}
		return fmt.Errorf("create escalation: %w", err)
	}

	if err := s.store.TransitionOrder(ctx, o.TenantID, o.OrderID, o.Status, database.OrderEscalated); err != nil {
		return fmt.Errorf("escalate order: %w", err)
	}
	s.auditOrder(ctx, o.TenantID, o.OrderID, o.Status, database.OrderEscalated)

	if err := s.journal.Append(ctx, audit.Record{
		Action:    audit.ActionEscalationCreated,
		TenantID:  o.TenantID,
		SubjectID: o.OrderID,
		Details: map[string]string{
			"escalation_id": esc.EscalationID,
			"reason":        reason,
			"total_amount":  strconv.FormatInt(o.TotalAmount, 10),
		},
	}); err != nil {
		audit.LogFailure(err, audit.ActionEscalationCreated)
	}
	if m := s.cfg.Metrics; m != nil {
		m.EscalationsCreated.WithLabelValues(reason).Inc()
	}

	s.notifyBuyer(ctx, o.TenantID, o.BuyerID,
		"Your order is under review. You will hear from us within 24 hours.")
	if err := s.notifier.NotifyPrincipal(ctx, o.TenantID, fmt.Sprintf(
		"Order %s needs your approval (%s). Reply within 24 hours.", o.OrderID, reason)); err != nil {
		slog.Warn("principal notification failed", "tenant_id", o.TenantID, "error", err)
	}
	return nil
}

// Resolve applies a principal decision to a pending escalation. The
// decision is authenticated with a fresh OTP; the PENDING→terminal move is
// a compare-and-swap, so a concurrent resolver gets ErrAlreadyResolved.
func (s *Service) Resolve(ctx context.Context, tenantID, escalationID string, decision Decision, principalID, otpRequestID, otpCode string) error {
	outcome, purpose, err := s.otp.Verify(ctx, principalID, otpRequestID, otpCode)
	if err != nil || outcome != otp.VerifyOK || purpose != otp.PurposeApprove {
		return ErrOTPRequired
	}

	esc, err := s.store.GetEscalation(ctx, tenantID, escalationID)
	if err != nil {
		return fmt.Errorf("load escalation: %w", err)
	}

	toStatus := database.EscalationApproved
	orderStatus := database.OrderApproved
	if decision == DecisionReject {
		toStatus = database.EscalationRejected
		orderStatus = database.OrderRejected
	}

	if err := s.store.ResolveEscalation(ctx, tenantID, escalationID, toStatus, principalID); err != nil {
		if errors.Is(err, database.ErrPreconditionFail) {
			return ErrAlreadyResolved
		}
		return fmt.Errorf("resolve escalation: %w", err)
	}

	if err := s.store.TransitionOrder(ctx, tenantID, esc.OrderID, database.OrderEscalated, orderStatus); err != nil {
		slog.Error("order transition after resolution failed",
			"order_id", esc.OrderID, "to", orderStatus, "error", err)
	} else {
		s.auditOrder(ctx, tenantID, esc.OrderID, database.OrderEscalated, orderStatus)
	}

	if err := s.journal.Append(ctx, audit.Record{
		Action:    audit.ActionEscalationResolved,
		TenantID:  tenantID,
		ActorID:   principalID,
		SubjectID: esc.OrderID,
		Details: map[string]string{
			"escalation_id": escalationID,
			"decision":      string(decision),
		},
	}); err != nil {
		audit.LogFailure(err, audit.ActionEscalationResolved)
	}
	if m := s.cfg.Metrics; m != nil {
		m.EscalationsResolved.WithLabelValues(strings.ToLower(toStatus)).Inc()
	}

	if o, err := s.store.GetOrder(ctx, tenantID, esc.OrderID); err == nil {
		verdict := "approved"
		if decision == DecisionReject {
			verdict = "rejected"
		}
		s.notifyBuyer(ctx, tenantID, o.BuyerID,
			fmt.Sprintf("Update on order %s: your payment was %s.", esc.OrderID, verdict))
	}
	return nil
}

func (s *Service) auditOrder(ctx context.Context, tenantID, orderID, from, to string) {
	if err := s.journal.Append(ctx, audit.Record{
		Action:    audit.ActionOrderStatus,
		TenantID:  tenantID,
		SubjectID: orderID,
		Details:   map[string]string{"from": from, "to": to},
	}); err != nil {
		audit.LogFailure(err, audit.ActionOrderStatus)
	}
}

func (s *Service) notifyBuyer(ctx context.Context, tenantID, buyerID, body string) {
	platform := platformOf(buyerID)
	if !platform.Valid() {
		return
	}
	if err := s.replier.SendText(ctx, tenantID, platform, buyerID, body); err != nil {
		slog.Warn("buyer notification failed", "tenant_id", tenantID, "error", err)
	}
}

func platformOf(senderID string) event.Platform {
	i := strings.Index(senderID, ":")
	if i < 0 {
		return ""
	}
	return event.Platform(senderID[:i])
}
