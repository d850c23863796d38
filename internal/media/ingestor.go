// Package media ingests inbound receipt attachments: validate, download,
// digest, store under a content-addressed key, record, and hand off to OCR.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
)

// Rejection errors, mapped to user-visible replies by the dispatcher.
var (
	ErrUnsupportedType = errors.New("media: unsupported receipt format")
	ErrTooLarge        = errors.New("media: receipt too large")
)

// DefaultMaxBytes caps receipt size at 10 MB. Exactly 10 MB is accepted.
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// allowedTypes whitelists receipt content types and fixes the object key
// extension per type.
var allowedTypes = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/heic":      "heic",
	"application/pdf": "pdf",
}

// Downloader opens a credentialed stream for a platform media handle.
// *outbound.Engine satisfies it.
type Downloader interface {
	DownloadMedia(ctx context.Context, tenantID string, platform event.Platform, mediaID string) (io.ReadCloser, string, int64, error)
}

// Store is the persistence slice the ingestor needs.
type Store interface {
	GetReceipt(ctx context.Context, tenantID, path string) (*database.Receipt, error)
	CreateReceipt(ctx context.Context, r *database.Receipt) error
	UploadReceiptObject(ctx context.Context, path, contentType string, body io.Reader) error
}

// OCREnqueuer hands a stored receipt to the async OCR pipeline.
// Fire-and-forget: enqueue failures are logged, never block ingestion.
type OCREnqueuer interface {
	Enqueue(ctx context.Context, tenantID, orderID, path string)
}

// Ingestor performs the receipt upload pipeline.
type Ingestor struct {
	downloader Downloader
	store      Store
	ocr        OCREnqueuer
	journal    audit.Journal
	maxBytes   int64
}

// NewIngestor wires an ingestor. A zero maxBytes uses the 10 MB default.
func NewIngestor(dl Downloader, store Store, ocr OCREnqueuer, journal audit.Journal, maxBytes int64) *Ingestor {
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Ingestor{downloader: dl, store: store, ocr: ocr, journal: journal, maxBytes: maxBytes}
}

// Ingest downloads one attachment, verifies type and size, computes its
// SHA-256 while spooling, uploads under the content-addressed key, records
// the receipt, and enqueues OCR. Identical content re-uploaded lands on the
// same key and is not uploaded twice.
func (i *Ingestor) Ingest(ctx context.Context, tenantID, orderID, senderID string, platform event.Platform, mediaID, declaredMIME string) (*database.Receipt, error) {
	body, contentType, length, err := i.downloader.DownloadMedia(ctx, tenantID, platform, mediaID)
	if err != nil {
		i.auditFail(ctx, tenantID, senderID, orderID, err)
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer body.Close()

	if contentType == "" {
		contentType = declaredMIME
	}
	ext, ok := allowedTypes[contentType]
	if !ok {
		return nil, ErrUnsupportedType
	}
	if length > i.maxBytes {
		return nil, ErrTooLarge
	}

	// Spool to a temp file while hashing; the digest decides the object key,
	// so the bytes are needed twice but are never held in memory whole.
	spool, err := os.CreateTemp("", "receipt-*")
	if err != nil {
		i.auditFail(ctx, tenantID, senderID, orderID, err)
		return nil, fmt.Errorf("spool receipt: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(spool, hasher), io.LimitReader(body, i.maxBytes+1))
	if err != nil {
		i.auditFail(ctx, tenantID, senderID, orderID, err)
		return nil, fmt.Errorf("stream receipt: %w", err)
	}
	if n > i.maxBytes {
		return nil, ErrTooLarge
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	path := fmt.Sprintf("receipts/%s/%s/%s.%s", tenantID, orderID, digest, ext)

	// Same content, same key: skip the upload when the record exists.
	if existing, err := i.store.GetReceipt(ctx, tenantID, path); err == nil {
		return existing, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		i.auditFail(ctx, tenantID, senderID, orderID, err)
		return nil, fmt.Errorf("check receipt: %w", err)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		i.auditFail(ctx, tenantID, senderID, orderID, err)
		return nil, fmt.Errorf("rewind spool: %w", err)
	}
	if err := i.store.UploadReceiptObject(ctx, path, contentType, spool); err != nil {
		i.auditFail(ctx, tenantID, senderID, orderID, err)
		return nil, err
	}

	receipt := &database.Receipt{
		Path:        path,
		TenantID:    tenantID,
		OrderID:     orderID,
		Digest:      digest,
		ByteLength:  n,
		ContentType: contentType,
		UploadedBy:  senderID,
	}
	if err := i.store.CreateReceipt(ctx, receipt); err != nil && !errors.Is(err, database.ErrConflict) {
		i.auditFail(ctx, tenantID, senderID, orderID, err)
		return nil, err
	}

	if i.ocr != nil {
		i.ocr.Enqueue(ctx, tenantID, orderID, path)
	}

	if err := i.journal.Append(ctx, audit.Record{
		Action:    audit.ActionReceiptUploaded,
		TenantID:  tenantID,
		ActorID:   senderID,
		SubjectID: orderID,
		Details: map[string]string{
			"path":   path,
			"digest": digest[:16],
		},
	}); err != nil {
		audit.LogFailure(err, audit.ActionReceiptUploaded)
	}

	return receipt, nil
}

func (i *Ingestor) auditFail(ctx context.Context, tenantID, senderID, orderID string, cause error) {
	slog.Warn("receipt ingest failed", "tenant_id", tenantID, "order_id", orderID, "error", cause)
	if err := i.journal.Append(ctx, audit.Record{
		Action:    audit.ActionReceiptUploadFail,
		TenantID:  tenantID,
		ActorID:   senderID,
		SubjectID: orderID,
		Details:   map[string]string{"error": cause.Error()},
	}); err != nil {
		audit.LogFailure(err, audit.ActionReceiptUploadFail)
	}
}
