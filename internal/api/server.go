// Package api serves the internal vendor/merchant endpoints: receipt
// verification, counter-offers, and escalation resolution. These sit behind
// a bearer token and are never exposed to platform traffic.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/escalation"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/otp"
)

// OrderStore is the persistence slice the internal API needs.
type OrderStore interface {
	GetOrder(ctx context.Context, tenantID, orderID string) (*database.Order, error)
	UpdateOrderFields(ctx context.Context, tenantID, orderID string, fields map[string]interface{}) error
}

// CounterSender pushes a vendor counter-offer into the buyer's
// conversation; *dispatcher.Dispatcher satisfies it.
type CounterSender interface {
	VendorCounter(ctx context.Context, tenantID, orderID string, amount int64) error
}

// MerchantNotifier delivers principal OTPs out of band.
type MerchantNotifier interface {
	NotifyPrincipal(ctx context.Context, tenantID, message string) error
}

// Server is the internal API handler set.
type Server struct {
	token          string
	store          OrderStore
	escalations    *escalation.Service
	counters       CounterSender
	otp            *otp.Service
	notifier       MerchantNotifier
	debugExposeOTP bool
	logger         *log.Logger
}

// NewServer wires the internal API. An empty token disables every route.
func NewServer(token string, store OrderStore, escalations *escalation.Service, counters CounterSender, otpSvc *otp.Service, notifier MerchantNotifier, debugExposeOTP bool) *Server {
	return &Server{
		token:          token,
		store:          store,
		escalations:    escalations,
		counters:       counters,
		otp:            otpSvc,
		notifier:       notifier,
		debugExposeOTP: debugExposeOTP,
		logger:         log.New(log.Writer(), "[INTERNAL-API] ", log.LstdFlags),
	}
}

// Register mounts the internal routes.
func (s *Server) Register(r *mux.Router) {
	sub := r.PathPrefix("/internal").Subrouter()
	sub.Use(s.authMiddleware)
	sub.HandleFunc("/orders/{id}/verify", s.verifyReceipt).Methods(http.MethodPost)
	sub.HandleFunc("/orders/{id}/counter", s.counterOffer).Methods(http.MethodPost)
	sub.HandleFunc("/escalations/{id}/otp", s.issueApprovalOTP).Methods(http.MethodPost)
	sub.HandleFunc("/escalations/{id}/resolve", s.resolveEscalation).Methods(http.MethodPost)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			http.Error(w, "internal API disabled", http.StatusForbidden)
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type verifyRequest struct {
	TenantID string `json:"tenant_id"`
	Verified bool   `json:"verified"`
	Flagged  bool   `json:"flagged"`
}

// verifyReceipt records the vendor's verdict on an uploaded receipt. A flag
// marks the order suspicious before the escalation check runs, so flagged
// orders always escalate.
func (s *Server) verifyReceipt(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if !req.Verified && !req.Flagged {
		writeError(w, http.StatusBadRequest, "one of verified or flagged must be set")
		return
	}

	if req.Flagged {
		if err := s.store.UpdateOrderFields(r.Context(), req.TenantID, orderID, map[string]interface{}{
			"vendor_flagged": true,
		}); err != nil {
			s.logger.Printf("flag order %s: %v", orderID, err)
			writeError(w, http.StatusInternalServerError, "flag failed")
			return
		}
	}

	if err := s.escalations.OnReceiptVerified(r.Context(), req.TenantID, orderID); err != nil {
		s.logger.Printf("verify order %s: %v", orderID, err)
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": "processed"})
}

type counterRequest struct {
	TenantID string `json:"tenant_id"`
	Amount   int64  `json:"amount"`
}

func (s *Server) counterOffer(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req counterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	if err := s.counters.VendorCounter(r.Context(), req.TenantID, orderID, req.Amount); err != nil {
		s.logger.Printf("counter for order %s: %v", orderID, err)
		writeError(w, http.StatusConflict, "counter rejected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": "sent"})
}

type otpRequest struct {
	TenantID    string `json:"tenant_id"`
	PrincipalID string `json:"principal_id"`
}

// issueApprovalOTP generates the principal code gating an escalation
// decision. The plaintext travels over the merchant notification channel;
// the HTTP response carries only the request id unless debug exposure is on
// (development only, rejected in production config).
func (s *Server) issueApprovalOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" || req.PrincipalID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and principal_id are required")
		return
	}

	issued, err := s.otp.Generate(r.Context(), req.PrincipalID, otp.ProfilePrincipal, otp.PurposeApprove)
	if err != nil {
		if err == otp.ErrThrottled {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		s.logger.Printf("principal otp for %s: %v", req.TenantID, err)
		writeError(w, http.StatusInternalServerError, "generation failed")
		return
	}

	if err := s.notifier.NotifyPrincipal(r.Context(), req.TenantID,
		"Your approval code is "+issued.Code+". It expires in 5 minutes."); err != nil {
		s.logger.Printf("principal otp delivery for %s: %v", req.TenantID, err)
	}

	resp := map[string]string{
		"request_id": issued.RequestID,
		"expires_at": issued.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if s.debugExposeOTP {
		resp["code"] = issued.Code
	}
	writeJSON(w, http.StatusOK, resp)
}

type resolveRequest struct {
	TenantID     string `json:"tenant_id"`
	PrincipalID  string `json:"principal_id"`
	Decision     string `json:"decision"` // APPROVE | REJECT
	OTPRequestID string `json:"otp_request_id"`
	OTPCode      string `json:"otp_code"`
}

func (s *Server) resolveEscalation(w http.ResponseWriter, r *http.Request) {
	escalationID := mux.Vars(r)["id"]

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == "" || req.PrincipalID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and principal_id are required")
		return
	}

	decision := escalation.Decision(strings.ToUpper(req.Decision))
	if decision != escalation.DecisionApprove && decision != escalation.DecisionReject {
		writeError(w, http.StatusBadRequest, "decision must be APPROVE or REJECT")
		return
	}

	finalStatus := database.EscalationApproved
	if decision == escalation.DecisionReject {
		finalStatus = database.EscalationRejected
	}

	err := s.escalations.Resolve(r.Context(), req.TenantID, escalationID, decision,
		req.PrincipalID, req.OTPRequestID, req.OTPCode)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"escalation_id": escalationID, "status": finalStatus})
	case err == escalation.ErrOTPRequired:
		writeError(w, http.StatusUnauthorized, "otp verification failed")
	case err == escalation.ErrAlreadyResolved:
		writeError(w, http.StatusConflict, "already resolved")
	default:
		s.logger.Printf("resolve escalation %s: %v", escalationID, err)
		writeError(w, http.StatusInternalServerError, "resolution failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
