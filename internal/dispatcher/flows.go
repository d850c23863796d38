package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/intent"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/media"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/otp"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/session"
)

// ============================================================================
// REGISTRATION
// ============================================================================

func (d *Dispatcher) startRegistration(ctx context.Context, tenantID string, ev event.Inbound) error {
	if u, err := d.store.GetUser(ctx, tenantID, ev.SenderID); err == nil && u.Verified {
		return d.reply(ctx, tenantID, ev, fmt.Sprintf(
			"You're already registered, %s. Send 'order <order id>' to check an order, or attach a receipt.", u.Name))
	}

	st := &session.State{Step: session.StepAwaitName}
	if err := d.sessions.Save(ctx, tenantID, ev.SenderID, st); err != nil {
		return err
	}
	d.auditTransition(ctx, tenantID, ev.SenderID, "IDLE", string(session.StepAwaitName), "REGISTER")
	return d.reply(ctx, tenantID, ev, "Welcome! What's your name?")
}

func (d *Dispatcher) captureName(ctx context.Context, tenantID string, ev event.Inbound, st *session.State, raw string) error {
	name := trimText(raw)
	if name == "" {
		return d.reply(ctx, tenantID, ev, "Please tell me your name.")
	}

	st.Set(keyName, name)
	st.Step = session.StepAwaitAddress
	if err := d.sessions.Save(ctx, tenantID, ev.SenderID, st); err != nil {
		return err
	}
	d.auditTransition(ctx, tenantID, ev.SenderID, string(session.StepAwaitName), string(session.StepAwaitAddress), "TEXT")
	return d.reply(ctx, tenantID, ev, fmt.Sprintf("Thanks, %s. What's your delivery address?", name))
}

func (d *Dispatcher) captureAddress(ctx context.Context, tenantID string, ev event.Inbound, st *session.State, raw string) error {
	addr := trimText(raw)
	if addr == "" {
		return d.reply(ctx, tenantID, ev, "Please send your delivery address.")
	}

	st.Set(keyAddress, addr)
	return d.issueChallenge(ctx, tenantID, ev, st, otp.PurposeRegister, string(session.StepAwaitAddress))
}

// ============================================================================
// OTP CHALLENGES
// ============================================================================

// issueChallenge generates a sender OTP, delivers it in the reply DM, and
// suspends the flow at AWAIT_OTP. The plaintext code lives only in the reply
// call; it is never stored or journaled.
func (d *Dispatcher) issueChallenge(ctx context.Context, tenantID string, ev event.Inbound, st *session.State, purpose otp.Purpose, fromStep string) error {
	issued, err := d.otp.Generate(ctx, ev.SenderID, otp.ProfileSender, purpose)
	if err != nil {
		if errors.Is(err, otp.ErrThrottled) {
			d.auditOTP(ctx, audit.ActionOTPThrottled, tenantID, ev.SenderID, "", purpose)
			return d.reply(ctx, tenantID, ev, "Too many requests. Please wait a while and try again.")
		}
		return fmt.Errorf("generate otp: %w", err)
	}

	st.Set(keyOTPRequestID, issued.RequestID)
	st.Set(keyOTPPurpose, string(purpose))
	st.Step = session.StepAwaitOTP
	if err := d.sessions.Save(ctx, tenantID, ev.SenderID, st); err != nil {
		return err
	}

	d.auditOTP(ctx, audit.ActionOTPIssued, tenantID, ev.SenderID, issued.RequestID, purpose)
	d.auditTransition(ctx, tenantID, ev.SenderID, fromStep, string(session.StepAwaitOTP), "OTP_ISSUED")
	return d.reply(ctx, tenantID, ev, fmt.Sprintf(
		"Your verification code is %s. Reply with it within 5 minutes to continue.", issued.Code))
}

func (d *Dispatcher) verifyChallenge(ctx context.Context, tenantID string, ev event.Inbound, st *session.State, code string) error {
	requestID := st.Get(keyOTPRequestID)
	purpose := otp.Purpose(st.Get(keyOTPPurpose))
	if requestID == "" {
		// The challenge already burned its attempts; there is nothing left
		// to check a code against.
		return d.reply(ctx, tenantID, ev, "That code is invalid or expired. Send 'cancel' to start over.")
	}

	outcome, gotPurpose, err := d.otp.Verify(ctx, ev.SenderID, requestID, code)
	if err != nil && errors.Is(err, otp.ErrThrottled) {
		d.auditOTP(ctx, audit.ActionOTPThrottled, tenantID, ev.SenderID, requestID, purpose)
		return d.reply(ctx, tenantID, ev, "Too many requests. Please wait a few minutes and try again.")
	}

	switch {
	case outcome == otp.VerifyOK && gotPurpose == purpose:
		d.auditOTP(ctx, audit.ActionOTPVerified, tenantID, ev.SenderID, requestID, purpose)
		return d.applyVerified(ctx, tenantID, ev, st, purpose)
	case outcome == otp.VerifyFailedTerminal:
		// The record is gone. The capping attempt is still a failed attempt,
		// then the challenge is closed for good; the sender stays parked at
		// this step so later codes get the same answer, not the fallback.
		d.auditOTP(ctx, audit.ActionOTPFail, tenantID, ev.SenderID, requestID, purpose)
		d.auditOTP(ctx, audit.ActionOTPFailTerminal, tenantID, ev.SenderID, requestID, purpose)
		st.Set(keyOTPRequestID, "")
		if err := d.sessions.Save(ctx, tenantID, ev.SenderID, st); err != nil {
			return err
		}
		return d.reply(ctx, tenantID, ev, "That code is invalid or expired. Send 'cancel' to start over.")
	default:
		d.auditOTP(ctx, audit.ActionOTPFail, tenantID, ev.SenderID, requestID, purpose)
		return d.reply(ctx, tenantID, ev, "That code is invalid or expired. Please try again.")
	}
}

// applyVerified commits whatever action the challenge was gating.
func (d *Dispatcher) applyVerified(ctx context.Context, tenantID string, ev event.Inbound, st *session.State, purpose otp.Purpose) error {
	switch purpose {
	case otp.PurposeRegister:
		u := &database.User{
			SenderID: ev.SenderID,
			TenantID: tenantID,
			Name:     st.Get(keyName),
			Address:  st.Get(keyAddress),
			Verified: true,
		}
		if err := d.store.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		if err := d.sessions.Clear(ctx, tenantID, ev.SenderID); err != nil {
			return err
		}
		d.auditTransition(ctx, tenantID, ev.SenderID, string(session.StepAwaitOTP), "IDLE", "OTP_VERIFIED")
		return d.reply(ctx, tenantID, ev, fmt.Sprintf("Verification successful. You're all set, %s.", u.Name))

	case otp.PurposeMutateProfile:
		u, err := d.store.GetUser(ctx, tenantID, ev.SenderID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		u.Address = st.Get(keyNewAddress)
		if err := d.store.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		if err := d.sessions.Clear(ctx, tenantID, ev.SenderID); err != nil {
			return err
		}
		d.auditTransition(ctx, tenantID, ev.SenderID, string(session.StepAwaitOTP), "IDLE", "OTP_VERIFIED")
		return d.reply(ctx, tenantID, ev, "Verification successful. Your delivery address has been updated.")

	case otp.PurposeCounterAccept:
		return d.applyCounterAccept(ctx, tenantID, ev, st)

	default:
		d.logger.Printf("verified challenge with unknown purpose %q for tenant %s", purpose, tenantID)
		_ = d.sessions.Clear(ctx, tenantID, ev.SenderID)
		return d.fallback(ctx, tenantID, ev)
	}
}

func (d *Dispatcher) auditOTP(ctx context.Context, action audit.Action, tenantID, senderID, requestID string, purpose otp.Purpose) {
	if err := d.journal.Append(ctx, audit.Record{
		Action:   action,
		TenantID: tenantID,
		ActorID:  senderID,
		Details: map[string]string{
			"request_id": requestID,
			"purpose":    string(purpose),
		},
	}); err != nil {
		audit.LogFailure(err, action)
	}
	if d.metrics == nil {
		return
	}
	switch action {
	case audit.ActionOTPVerified:
		d.metrics.OTPOutcomes.WithLabelValues("ok").Inc()
	case audit.ActionOTPFail:
		d.metrics.OTPOutcomes.WithLabelValues("fail").Inc()
	case audit.ActionOTPFailTerminal:
		d.metrics.OTPOutcomes.WithLabelValues("fail_terminal").Inc()
	case audit.ActionOTPThrottled:
		d.metrics.OTPOutcomes.WithLabelValues("throttled").Inc()
	}
}

// ============================================================================
// ORDER CONFIRMATION
// ============================================================================

func (d *Dispatcher) startConfirm(ctx context.Context, tenantID string, ev event.Inbound, orderID string) error {
	u, ok, err := d.verifiedUser(ctx, tenantID, ev)
	if !ok {
		return err
	}

	o, err := d.buyerOrder(ctx, tenantID, ev, orderID)
	if o == nil {
		return err
	}
	if o.Status != database.OrderPending {
		return d.reply(ctx, tenantID, ev, fmt.Sprintf(
			"Order %s is %s and can't be confirmed.", o.OrderID, o.Status))
	}

	st := &session.State{Step: session.StepAwaitAddrConfirm}
	st.Set(keyOrderID, o.OrderID)
	if err := d.sessions.Save(ctx, tenantID, ev.SenderID, st); err != nil {
		return err
	}
	d.auditTransition(ctx, tenantID, ev.SenderID, "IDLE", string(session.StepAwaitAddrConfirm), "CONFIRM_ORDER")
	return d.reply(ctx, tenantID, ev, fmt.Sprintf(
		"Confirm delivery to: %s? Reply 'yes', or 'update address to <new address>'.", u.Address))
}

func (d *Dispatcher) confirmAddress(ctx context.Context, tenantID string, ev event.Inbound, st *session.State, in intent.Intent, raw string) error {
	orderID := st.Get(keyOrderID)

	var address string
	switch {
	case in.Kind == intent.AddressSet:
		address = in.Address
	case strings.EqualFold(trimText(raw), "yes") || in.Kind == intent.ConfirmOrder:
		u, err := d.store.GetUser(ctx, tenantID, ev.SenderID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		address = u.Address
	default:
		return d.reply(ctx, tenantID, ev,
			"Reply 'yes' to confirm your delivery address, or 'update address to <new address>'.")
	}

	o, err := d.store.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if err := d.store.TransitionOrder(ctx, tenantID, orderID, database.OrderPending, database.OrderAwaitingPayment); err != nil {
		if errors.Is(err, database.ErrPreconditionFail) {
			_ = d.sessions.Clear(ctx, tenantID, ev.SenderID)
			return d.reply(ctx, tenantID, ev, fmt.Sprintf("Order %s has moved on and can't be confirmed anymore.", orderID))
		}
		return fmt.Errorf("confirm order: %w", err)
	}
	if err := d.store.UpdateOrderFields(ctx, tenantID, orderID, map[string]interface{}{
		"delivery_address": address,
	}); err != nil {
		d.logger.Printf("delivery address update for %s: %v", orderID, err)
	}

	if err := d.sessions.Clear(ctx, tenantID, ev.SenderID); err != nil {
		return err
	}
	d.auditOrder(ctx, tenantID, ev.SenderID, orderID, database.OrderPending, database.OrderAwaitingPayment)
	d.auditTransition(ctx, tenantID, ev.SenderID, string(session.StepAwaitAddrConfirm), "IDLE", "ADDR_CONFIRMED")
	return d.reply(ctx, tenantID, ev, fmt.Sprintf(
		"Order %s confirmed. Please transfer %s and attach your payment receipt here.",
		orderID, formatAmount(o.TotalAmount)))
}

// ============================================================================
// NEGOTIATION
// ============================================================================

func (d *Dispatcher) startNegotiate(ctx context.Context, tenantID string, ev event.Inbound, orderID string, amount int64) error {
	if _, ok, err := d.verifiedUser(ctx, tenantID, ev); !ok {
		return err
	}
	if amount <= 0 {
		return d.reply(ctx, tenantID, ev, "Please propose an amount greater than zero.")
	}

	o, err := d.buyerOrder(ctx, tenantID, ev, orderID)
	if o == nil {
		return err
	}
	if o.Status != database.OrderPending {
		return d.reply(ctx, tenantID, ev, fmt.Sprintf(
			"Order %s is %s and can't be negotiated.", o.OrderID, o.Status))
	}

	st := &session.State{Step: session.StepAwaitVendorCounter}
	st.Set(keyOrderID, o.OrderID)
	if err := d.sessions.Save(ctx, tenantID, ev.SenderID, st); err != nil {
		return err
	}
	d.auditTransition(ctx, tenantID, ev.SenderID, "IDLE", string(session.StepAwaitVendorCounter), "NEGOTIATE")

	if err := d.notifier.NotifyPrincipal(ctx, tenantID, fmt.Sprintf(
		"Buyer proposes %s for order %s (listed %s).",
		formatAmount(amount), o.OrderID, formatAmount(o.TotalAmount))); err != nil {
		d.logger.Printf("principal notification for %s: %v", o.OrderID, err)
	}
	return d.reply(ctx, tenantID, ev, fmt.Sprintf(
		"We've sent your offer of %s for order %s to the seller. You'll hear back here.",
		formatAmount(amount), o.OrderID))
}

// VendorCounter records a vendor counter-offer and moves the buyer to the
// accept/reject decision. Called from the internal vendor API, outside the
// webhook path.
func (d *Dispatcher) VendorCounter(ctx context.Context, tenantID, orderID string, amount int64) error {
	o, err := d.store.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if o.Status != database.OrderPending {
		return fmt.Errorf("order %s is %s, not open for negotiation", orderID, o.Status)
	}
	if amount <= 0 {
		return fmt.Errorf("counter amount must be positive")
	}

	if err := d.store.UpdateOrderFields(ctx, tenantID, orderID, map[string]interface{}{
		"counter_amount": amount,
	}); err != nil {
		return fmt.Errorf("record counter: %w", err)
	}

	st := &session.State{Step: session.StepAwaitCounterDecision}
	st.Set(keyOrderID, orderID)
	if err := d.sessions.Save(ctx, tenantID, o.BuyerID, st); err != nil {
		return err
	}
	d.auditTransition(ctx, tenantID, o.BuyerID,
		string(session.StepAwaitVendorCounter), string(session.StepAwaitCounterDecision), "VENDOR_COUNTER")

	return d.replier.SendText(ctx, tenantID, platformOf(o.BuyerID), o.BuyerID, fmt.Sprintf(
		"The seller countered with %s for order %s. Reply 'accept counter' or 'reject counter'.",
		formatAmount(amount), orderID))
}

func (d *Dispatcher) counterDecision(ctx context.Context, tenantID string, ev event.Inbound, st *session.State, accept bool) error {
	orderID := st.Get(keyOrderID)

	if !accept {
		if err := d.store.UpdateOrderFields(ctx, tenantID, orderID, map[string]interface{}{
			"counter_amount": int64(0),
		}); err != nil {
			d.logger.Printf("clear counter for %s: %v", orderID, err)
		}
		if err := d.sessions.Clear(ctx, tenantID, ev.SenderID); err != nil {
			return err
		}
		d.auditTransition(ctx, tenantID, ev.SenderID, string(session.StepAwaitCounterDecision), "IDLE", "COUNTER_REJECTED")
		return d.reply(ctx, tenantID, ev, fmt.Sprintf(
			"Okay, the counter-offer for order %s was declined. The original price stands.", orderID))
	}

	// Acceptance changes the price, so it is OTP-gated.
	return d.issueChallenge(ctx, tenantID, ev, st, otp.PurposeCounterAccept, string(session.StepAwaitCounterDecision))
}

func (d *Dispatcher) applyCounterAccept(ctx context.Context, tenantID string, ev event.Inbound, st *session.State) error {
	orderID := st.Get(keyOrderID)
	o, err := d.store.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if o.CounterAmount <= 0 {
		_ = d.sessions.Clear(ctx, tenantID, ev.SenderID)
		return d.reply(ctx, tenantID, ev, fmt.Sprintf("The counter-offer for order %s is no longer available.", orderID))
	}

	if err := d.store.UpdateOrderFields(ctx, tenantID, orderID, map[string]interface{}{
		"total_amount":   o.CounterAmount,
		"counter_amount": int64(0),
	}); err != nil {
		return fmt.Errorf("apply counter: %w", err)
	}
	if err := d.store.TransitionOrder(ctx, tenantID, orderID, database.OrderPending, database.OrderAwaitingPayment); err != nil {
		if !errors.Is(err, database.ErrPreconditionFail) {
			return fmt.Errorf("advance order: %w", err)
		}
	} else {
		d.auditOrder(ctx, tenantID, ev.SenderID, orderID, database.OrderPending, database.OrderAwaitingPayment)
	}

	if err := d.sessions.Clear(ctx, tenantID, ev.SenderID); err != nil {
		return err
	}
	d.auditTransition(ctx, tenantID, ev.SenderID, string(session.StepAwaitOTP), "IDLE", "COUNTER_ACCEPTED")
	return d.reply(ctx, tenantID, ev, fmt.Sprintf(
		"Verification successful. Order %s is now %s. Please transfer that amount and attach your receipt here.",
		orderID, formatAmount(o.CounterAmount)))
}

// ============================================================================
// READS AND PROFILE
// ============================================================================

func (d *Dispatcher) orderStatus(ctx context.Context, tenantID string, ev event.Inbound, orderID string) error {
	o, err := d.store.GetOrder(ctx, tenantID, orderID)
	if err != nil || o.BuyerID != ev.SenderID {
		// Cross-buyer probes get the same answer as misses.
		return d.reply(ctx, tenantID, ev, fmt.Sprintf("Order %s was not found.", orderID))
	}
	return d.reply(ctx, tenantID, ev, fmt.Sprintf(
		"Order %s: %s. Total: %s.", o.OrderID, o.Status, formatAmount(o.TotalAmount)))
}

func (d *Dispatcher) addressView(ctx context.Context, tenantID string, ev event.Inbound) error {
	u, ok, err := d.verifiedUser(ctx, tenantID, ev)
	if !ok {
		return err
	}
	return d.reply(ctx, tenantID, ev, fmt.Sprintf("Your delivery address is: %s", u.Address))
}

func (d *Dispatcher) startAddressChange(ctx context.Context, tenantID string, ev event.Inbound, newAddress string) error {
	if _, ok, err := d.verifiedUser(ctx, tenantID, ev); !ok {
		return err
	}
	newAddress = trimText(newAddress)
	if newAddress == "" {
		return d.reply(ctx, tenantID, ev, "Please include the new address: 'update address to <new address>'.")
	}

	st := &session.State{}
	st.Set(keyNewAddress, newAddress)
	return d.issueChallenge(ctx, tenantID, ev, st, otp.PurposeMutateProfile, "IDLE")
}

// ============================================================================
// RECEIPTS
// ============================================================================

func (d *Dispatcher) handleReceipt(ctx context.Context, tenantID string, ev event.Inbound) error {
	if _, ok, err := d.verifiedUser(ctx, tenantID, ev); !ok {
		return err
	}

	o, err := d.store.GetActiveOrderForBuyer(ctx, tenantID, ev.SenderID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return d.reply(ctx, tenantID, ev,
				"We couldn't find an order waiting for payment. Send 'order <order id>' to check a specific order.")
		}
		return fmt.Errorf("find active order: %w", err)
	}

	if _, err := d.ingestor.Ingest(ctx, tenantID, o.OrderID, ev.SenderID, ev.Platform, ev.Body.MediaID, ev.Body.MediaMIME); err != nil {
		switch {
		case errors.Is(err, media.ErrUnsupportedType):
			return d.reply(ctx, tenantID, ev,
				"That file type isn't supported. Please send your receipt as a JPEG, PNG, HEIC or PDF.")
		case errors.Is(err, media.ErrTooLarge):
			return d.reply(ctx, tenantID, ev,
				"That file is too large. Receipts must be 10 MB or smaller.")
		default:
			return d.reply(ctx, tenantID, ev,
				"We couldn't process your receipt. Please try sending it again.")
		}
	}

	if o.Status != database.OrderReceiptUploaded {
		if err := d.store.TransitionOrder(ctx, tenantID, o.OrderID, o.Status, database.OrderReceiptUploaded); err != nil {
			if !errors.Is(err, database.ErrPreconditionFail) {
				return fmt.Errorf("mark receipt uploaded: %w", err)
			}
		} else {
			d.auditOrder(ctx, tenantID, ev.SenderID, o.OrderID, o.Status, database.OrderReceiptUploaded)
		}
		o.Status = database.OrderReceiptUploaded
	}

	// High-value and flagged orders escalate right away rather than waiting
	// for vendor verification. Escalate owns the buyer notice in that case.
	if reason := d.escalator.DetectAtUpload(ctx, o); reason != "" {
		return d.escalator.Escalate(ctx, o, reason)
	}

	return d.reply(ctx, tenantID, ev, "Receipt received — it's being reviewed. We'll update you here.")
}

func (d *Dispatcher) buyerOrder(ctx context.Context, tenantID string, ev event.Inbound, orderID string) (*database.Order, error) {
	if orderID == "" {
		o, err := d.store.GetActiveOrderForBuyer(ctx, tenantID, ev.SenderID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, d.reply(ctx, tenantID, ev, "You have no open orders right now.")
			}
			return nil, fmt.Errorf("find active order: %w", err)
		}
		return o, nil
	}

	o, err := d.store.GetOrder(ctx, tenantID, orderID)
	if err != nil || o.BuyerID != ev.SenderID {
		return nil, d.reply(ctx, tenantID, ev, fmt.Sprintf("Order %s was not found.", orderID))
	}
	return o, nil
}
