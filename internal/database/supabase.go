// Package database wraps the Supabase client with every table operation the
// gateway performs. All reads and writes are tenant-scoped: each method takes
// the tenant id explicitly and filters on it, so a handler holding one
// tenant's context cannot observe another tenant's rows.
package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	postgrest "github.com/supabase-community/postgrest-go"
	storage_go "github.com/supabase-community/storage-go"
	supabase "github.com/supabase-community/supabase-go"
)

// Sentinel errors surfaced to callers. PostgREST errors are normalized here
// so upper layers never string-match driver messages.
var (
	ErrNotFound         = fmt.Errorf("database: not found")
	ErrConflict         = fmt.Errorf("database: conflict")
	ErrPreconditionFail = fmt.Errorf("database: precondition failed")
)

// SupabaseClient wraps the Supabase Go client with all gateway operations.
type SupabaseClient struct {
	client *supabase.Client
	bucket string
}

// NewSupabaseClient creates a client from SUPABASE_URL / SUPABASE_SERVICE_KEY.
func NewSupabaseClient(receiptBucket string) (*SupabaseClient, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	if receiptBucket == "" {
		receiptBucket = "receipts"
	}
	return &SupabaseClient{client: client, bucket: receiptBucket}, nil
}

func isUniqueViolation(err error) bool {
	// PostgREST surfaces Postgres 23505 in the error body.
	return err != nil && strings.Contains(err.Error(), "23505")
}

// ============================================================================
// TENANTS
// ============================================================================

// GetTenant retrieves a tenant by ID. Returns ErrNotFound if absent.
func (sc *SupabaseClient) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var tenants []Tenant
	_, err := sc.client.From("tenants").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&tenants)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if len(tenants) == 0 {
		return nil, ErrNotFound
	}
	return &tenants[0], nil
}

// ============================================================================
// CHANNEL BINDINGS
// ============================================================================

// ResolveChannel returns the tenant id owning (platform, channelID).
func (sc *SupabaseClient) ResolveChannel(ctx context.Context, platform, channelID string) (string, error) {
	var bindings []ChannelBinding
	_, err := sc.client.From("channel_bindings").
		Select("*", "", false).
		Eq("platform", platform).
		Eq("channel_id", channelID).
		ExecuteTo(&bindings)
	if err != nil {
		return "", fmt.Errorf("resolve channel: %w", err)
	}
	if len(bindings) == 0 {
		return "", ErrNotFound
	}
	return bindings[0].TenantID, nil
}

// BindChannel binds (platform, channelID) to tenantID. The upsert on the
// composite primary key makes rebinding an atomic swap.
func (sc *SupabaseClient) BindChannel(ctx context.Context, b *ChannelBinding) error {
	if b.BoundAt == "" {
		b.BoundAt = FormatTimestamp(time.Now())
	}
	var result []ChannelBinding
	_, err := sc.client.From("channel_bindings").
		Insert(b, true, "platform,channel_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("bind channel: %w", err)
	}
	return nil
}

// UnbindChannel removes the binding for (platform, channelID).
func (sc *SupabaseClient) UnbindChannel(ctx context.Context, platform, channelID string) error {
	var result []ChannelBinding
	_, err := sc.client.From("channel_bindings").
		Delete("", "").
		Eq("platform", platform).
		Eq("channel_id", channelID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("unbind channel: %w", err)
	}
	return nil
}

// ============================================================================
// CREDENTIALS
// ============================================================================

// GetCredentialBundle fetches the credentials for (tenantID, platform).
// The table is readable with the service key only. Returns ErrNotFound if
// the tenant has not connected the platform.
func (sc *SupabaseClient) GetCredentialBundle(ctx context.Context, tenantID, platform string) (*CredentialBundle, error) {
	var bundles []CredentialBundle
	_, err := sc.client.From("tenant_credentials").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("platform", platform).
		ExecuteTo(&bundles)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	if len(bundles) == 0 {
		return nil, ErrNotFound
	}
	return &bundles[0], nil
}

// ============================================================================
// USERS (SENDERS)
// ============================================================================

// GetUser retrieves a sender by composite id, scoped to a tenant.
func (sc *SupabaseClient) GetUser(ctx context.Context, tenantID, senderID string) (*User, error) {
	var users []User
	_, err := sc.client.From("users").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("sender_id", senderID).
		ExecuteTo(&users)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return &users[0], nil
}

// UpsertUser creates or updates a sender record.
func (sc *SupabaseClient) UpsertUser(ctx context.Context, u *User) error {
	u.UpdatedAt = FormatTimestamp(time.Now())
	var result []User
	_, err := sc.client.From("users").
		Insert(u, true, "tenant_id,sender_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// ============================================================================
// ORDERS
// ============================================================================

// GetOrder retrieves an order scoped to a tenant.
func (sc *SupabaseClient) GetOrder(ctx context.Context, tenantID, orderID string) (*Order, error) {
	var orders []Order
	_, err := sc.client.From("orders").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("order_id", orderID).
		ExecuteTo(&orders)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return &orders[0], nil
}

// CreateOrder inserts a new order.
func (sc *SupabaseClient) CreateOrder(ctx context.Context, o *Order) error {
	if o.CreatedAt == "" {
		o.CreatedAt = FormatTimestamp(time.Now())
	}
	var result []Order
	_, err := sc.client.From("orders").
		Insert(o, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetActiveOrderForBuyer returns the buyer's most recent order still in
// flight (pending, awaiting payment, or receipt uploaded). Used to attach
// an unadorned receipt upload to the right order.
func (sc *SupabaseClient) GetActiveOrderForBuyer(ctx context.Context, tenantID, buyerID string) (*Order, error) {
	var orders []Order
	_, err := sc.client.From("orders").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("buyer_id", buyerID).
		In("status", []string{OrderPending, OrderAwaitingPayment, OrderReceiptUploaded}).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(1, "").
		ExecuteTo(&orders)
	if err != nil {
		return nil, fmt.Errorf("get active order: %w", err)
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return &orders[0], nil
}

// TransitionOrder moves an order from one status to another with a
// compare-and-swap on the current status. Returns ErrPreconditionFail when
// the order is no longer in fromStatus (another writer won).
func (sc *SupabaseClient) TransitionOrder(ctx context.Context, tenantID, orderID, fromStatus, toStatus string) error {
	patch := map[string]interface{}{
		"status":     toStatus,
		"updated_at": FormatTimestamp(time.Now()),
	}
	var result []Order
	_, err := sc.client.From("orders").
		Update(patch, "", "").
		Eq("tenant_id", tenantID).
		Eq("order_id", orderID).
		Eq("status", fromStatus).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}
	if len(result) == 0 {
		return ErrPreconditionFail
	}
	return nil
}

// UpdateOrderFields patches arbitrary order columns (address, counter offer,
// vendor flag). Status changes must go through TransitionOrder.
func (sc *SupabaseClient) UpdateOrderFields(ctx context.Context, tenantID, orderID string, fields map[string]interface{}) error {
	fields["updated_at"] = FormatTimestamp(time.Now())
	var result []Order
	_, err := sc.client.From("orders").
		Update(fields, "", "").
		Eq("tenant_id", tenantID).
		Eq("order_id", orderID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if len(result) == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// ESCALATIONS
// ============================================================================

// CreateEscalation inserts a PENDING escalation. The partial unique index
// on (order_id) WHERE status = 'PENDING' makes this the atomic
// "no other PENDING for this order" condition; a racing insert returns
// ErrConflict.
func (sc *SupabaseClient) CreateEscalation(ctx context.Context, e *Escalation) error {
	if e.CreatedAt == "" {
		e.CreatedAt = FormatTimestamp(time.Now())
	}
	e.Status = EscalationPending
	var result []Escalation
	_, err := sc.client.From("escalations").
		Insert(e, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

// GetEscalation retrieves an escalation scoped to a tenant.
func (sc *SupabaseClient) GetEscalation(ctx context.Context, tenantID, escalationID string) (*Escalation, error) {
	var escs []Escalation
	_, err := sc.client.From("escalations").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("escalation_id", escalationID).
		ExecuteTo(&escs)
	if err != nil {
		return nil, fmt.Errorf("get escalation: %w", err)
	}
	if len(escs) == 0 {
		return nil, ErrNotFound
	}
	return &escs[0], nil
}

// ResolveEscalation CASes an escalation from PENDING to the given terminal
// status. Returns ErrPreconditionFail when another resolver won the race.
func (sc *SupabaseClient) ResolveEscalation(ctx context.Context, tenantID, escalationID, toStatus, resolvedBy string) error {
	patch := map[string]interface{}{
		"status":      toStatus,
		"resolved_at": FormatTimestamp(time.Now()),
		"resolved_by": resolvedBy,
	}
	var result []Escalation
	_, err := sc.client.From("escalations").
		Update(patch, "", "").
		Eq("tenant_id", tenantID).
		Eq("escalation_id", escalationID).
		Eq("status", EscalationPending).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	if len(result) == 0 {
		return ErrPreconditionFail
	}
	return nil
}

// ListExpiredPendingEscalations returns PENDING escalations whose expiry
// instant is at or before cutoff. Used by the expiry sweep.
func (sc *SupabaseClient) ListExpiredPendingEscalations(ctx context.Context, cutoff time.Time, limit int) ([]Escalation, error) {
	var escs []Escalation
	_, err := sc.client.From("escalations").
		Select("*", "", false).
		Eq("status", EscalationPending).
		Lte("expires_at", FormatTimestamp(cutoff)).
		Limit(limit, "").
		ExecuteTo(&escs)
	if err != nil {
		return nil, fmt.Errorf("list expired escalations: %w", err)
	}
	return escs, nil
}

// ============================================================================
// RECEIPTS
// ============================================================================

// GetReceipt retrieves a receipt record by its content-addressed path.
func (sc *SupabaseClient) GetReceipt(ctx context.Context, tenantID, path string) (*Receipt, error) {
	var receipts []Receipt
	_, err := sc.client.From("receipts").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("path", path).
		ExecuteTo(&receipts)
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	if len(receipts) == 0 {
		return nil, ErrNotFound
	}
	return &receipts[0], nil
}

// CreateReceipt inserts a receipt record. Re-uploads of identical content
// hit the same path and return ErrConflict, which callers treat as success.
func (sc *SupabaseClient) CreateReceipt(ctx context.Context, r *Receipt) error {
	if r.UploadedAt == "" {
		r.UploadedAt = FormatTimestamp(time.Now())
	}
	var result []Receipt
	_, err := sc.client.From("receipts").
		Insert(r, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("create receipt: %w", err)
	}
	return nil
}

// GetLatestReceiptForOrder returns the newest receipt record for an order,
// or ErrNotFound when none was uploaded.
func (sc *SupabaseClient) GetLatestReceiptForOrder(ctx context.Context, tenantID, orderID string) (*Receipt, error) {
	var receipts []Receipt
	_, err := sc.client.From("receipts").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("order_id", orderID).
		Order("uploaded_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(1, "").
		ExecuteTo(&receipts)
	if err != nil {
		return nil, fmt.Errorf("get latest receipt: %w", err)
	}
	if len(receipts) == 0 {
		return nil, ErrNotFound
	}
	return &receipts[0], nil
}

// UpdateReceiptOCR attaches an async OCR result to a receipt record.
func (sc *SupabaseClient) UpdateReceiptOCR(ctx context.Context, tenantID, path string, ocr *OCRResult) error {
	patch := map[string]interface{}{"ocr": ocr}
	var result []Receipt
	_, err := sc.client.From("receipts").
		Update(patch, "", "").
		Eq("tenant_id", tenantID).
		Eq("path", path).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("update receipt ocr: %w", err)
	}
	if len(result) == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// OBJECT STORAGE
// ============================================================================

// UploadReceiptObject streams receipt bytes to the object store under the
// content-addressed path. The bucket is configured with server-side
// encryption and a lifecycle rule that garbage-collects aborted uploads.
func (sc *SupabaseClient) UploadReceiptObject(ctx context.Context, path, contentType string, body io.Reader) error {
	_, err := sc.client.Storage.UploadFile(sc.bucket, path, body, storage_go.FileOptions{
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("upload receipt object: %w", err)
	}
	return nil
}

// Ping performs a cheap connectivity check for the health endpoint.
func (sc *SupabaseClient) Ping(ctx context.Context) error {
	var tenants []Tenant
	_, err := sc.client.From("tenants").
		Select("tenant_id", "", false).
		Limit(1, "").
		ExecuteTo(&tenants)
	return err
}
