package database

import "time"

// ============================================================================
// DATA MODELS — gateway tables
// ============================================================================

// Tenant represents a merchant principal. Tenants are created by the
// out-of-band onboarding flow and never deleted, only soft-disabled.
type Tenant struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"` // ACTIVE | DISABLED | TRIAL
	// HighValueThreshold overrides the global escalation cutoff when > 0.
	HighValueThreshold int64  `json:"high_value_threshold,omitempty"`
	FallbackMessage    string `json:"fallback_message,omitempty"`
	CreatedAt          string `json:"created_at,omitempty"`
}

// ChannelBinding maps a platform-assigned channel id to its owning tenant.
// (platform, channel_id) is the primary key, so a channel can belong to at
// most one tenant at any instant; rebinding is an upsert on that key.
type ChannelBinding struct {
	Platform  string `json:"platform"` // WA | IG
	ChannelID string `json:"channel_id"`
	TenantID  string `json:"tenant_id"`
	BoundAt   string `json:"bound_at,omitempty"`
}

// CredentialBundle carries the per-tenant, per-platform API credentials.
// Rows live in a service-key-only table; the bundle is never logged.
type CredentialBundle struct {
	TenantID    string `json:"tenant_id"`
	Platform    string `json:"platform"`
	AccessToken string `json:"access_token"`
	AppSecret   string `json:"app_secret"`
	// Platform-specific sender identity (phone_number_id / page id).
	ChannelID string `json:"channel_id"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// User is an end user (sender) reaching the gateway through a platform.
// SenderID is "<platform>:<platform_sender_id>".
type User struct {
	SenderID  string `json:"sender_id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name,omitempty"`
	Address   string `json:"address,omitempty"`
	Verified  bool   `json:"verified"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Order statuses. Transitions are enforced with conditional updates.
const (
	OrderPending         = "PENDING"
	OrderAwaitingPayment = "AWAITING_PAYMENT"
	OrderReceiptUploaded = "RECEIPT_UPLOADED"
	OrderVerified        = "VERIFIED"
	OrderEscalated       = "ESCALATED"
	OrderApproved        = "APPROVED"
	OrderRejected        = "REJECTED"
	OrderCancelled       = "CANCELLED"
	OrderCompleted       = "COMPLETED"
)

// OrderItem is one line of an order.
type OrderItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	// Amount is in minor currency units.
	Amount int64 `json:"amount"`
}

// Order is a purchase in flight between a buyer and a vendor sub-principal.
type Order struct {
	OrderID  string      `json:"order_id"`
	TenantID string      `json:"tenant_id"`
	VendorID string      `json:"vendor_id"`
	BuyerID  string      `json:"buyer_id"` // sender_id of the buyer
	Items    []OrderItem `json:"items,omitempty"`
	// TotalAmount is in minor currency units.
	TotalAmount     int64  `json:"total_amount"`
	Status          string `json:"status"`
	DeliveryAddress string `json:"delivery_address,omitempty"`
	// CounterAmount holds a pending vendor counter-offer, minor units.
	CounterAmount int64  `json:"counter_amount,omitempty"`
	VendorFlagged bool   `json:"vendor_flagged"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// Escalation statuses.
const (
	EscalationPending  = "PENDING"
	EscalationApproved = "APPROVED"
	EscalationRejected = "REJECTED"
	EscalationExpired  = "EXPIRED"
)

// Escalation reasons.
const (
	ReasonHighValue        = "HIGH_VALUE"
	ReasonVendorFlagged    = "VENDOR_FLAGGED"
	ReasonOCRLowConfidence = "OCR_LOW_CONFIDENCE"
)

// Escalation is a time-boxed approval task for a merchant principal.
// A partial unique index on (order_id) WHERE status = 'PENDING' guarantees
// at most one active escalation per order; inserts racing for the slot
// surface as a unique violation.
type Escalation struct {
	EscalationID string `json:"escalation_id"`
	OrderID      string `json:"order_id"`
	TenantID     string `json:"tenant_id"`
	Reason       string `json:"reason"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at,omitempty"`
	ExpiresAt    string `json:"expires_at"`
	ResolvedAt   string `json:"resolved_at,omitempty"`
	ResolvedBy   string `json:"resolved_by,omitempty"`
}

// OCRResult is the async receipt-OCR output attached to a receipt record.
type OCRResult struct {
	Amount       int64   `json:"amount"`
	Counterparty string  `json:"counterparty"`
	Confidence   float64 `json:"confidence"`
}

// Receipt is the metadata record for one uploaded receipt object. The
// object itself lives in storage under the content-addressed path
// receipts/<tenant_id>/<order_id>/<sha256>.<ext>.
type Receipt struct {
	Path        string     `json:"path"`
	TenantID    string     `json:"tenant_id"`
	OrderID     string     `json:"order_id"`
	Digest      string     `json:"digest"` // hex SHA-256 of the bytes
	ByteLength  int64      `json:"byte_length"`
	ContentType string     `json:"content_type"`
	UploadedBy  string     `json:"uploaded_by"` // sender_id
	UploadedAt  string     `json:"uploaded_at,omitempty"`
	OCR         *OCRResult `json:"ocr,omitempty"`
}

// ParseTimestamp parses the Supabase timestamptz string format. Zero time on
// failure; callers treat unparseable timestamps as "long ago".
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FormatTimestamp renders a time in the format Supabase accepts.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
