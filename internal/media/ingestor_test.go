package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
)

type fakeDownloader struct {
	content     []byte
	contentType string
	length      int64 // -1 means unknown
}

func (f *fakeDownloader) DownloadMedia(context.Context, string, event.Platform, string) (io.ReadCloser, string, int64, error) {
	return io.NopCloser(bytes.NewReader(f.content)), f.contentType, f.length, nil
}

type fakeMediaStore struct {
	receipts map[string]*database.Receipt
	uploads  int
}

func newFakeMediaStore() *fakeMediaStore {
	return &fakeMediaStore{receipts: make(map[string]*database.Receipt)}
}

func (f *fakeMediaStore) GetReceipt(_ context.Context, _, path string) (*database.Receipt, error) {
	if r, ok := f.receipts[path]; ok {
		return r, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeMediaStore) CreateReceipt(_ context.Context, r *database.Receipt) error {
	if _, ok := f.receipts[r.Path]; ok {
		return database.ErrConflict
	}
	f.receipts[r.Path] = r
	return nil
}

func (f *fakeMediaStore) UploadReceiptObject(_ context.Context, _, _ string, body io.Reader) error {
	f.uploads++
	_, err := io.Copy(io.Discard, body)
	return err
}

type fakeEnqueuer struct {
	tasks []string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _, orderID, path string) {
	f.tasks = append(f.tasks, orderID+"/"+path)
}

func TestIngestHappyPath(t *testing.T) {
	content := []byte("jpeg-bytes")
	dl := &fakeDownloader{content: content, contentType: "image/jpeg", length: int64(len(content))}
	store := newFakeMediaStore()
	ocr := &fakeEnqueuer{}
	journal := audit.NewMemoryJournal()

	ing := NewIngestor(dl, store, ocr, journal, 0)
	receipt, err := ing.Ingest(context.Background(), "tenant-1", "ord_1", "WA:1001", event.PlatformWhatsApp, "media-9", "")
	require.NoError(t, err)

	wantDigest := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(wantDigest[:]), receipt.Digest)
	assert.Equal(t, fmt.Sprintf("receipts/tenant-1/ord_1/%s.jpg", receipt.Digest), receipt.Path)
	assert.Equal(t, int64(len(content)), receipt.ByteLength)
	assert.Equal(t, "WA:1001", receipt.UploadedBy)

	assert.Equal(t, 1, store.uploads)
	assert.Len(t, ocr.tasks, 1)
	assert.Equal(t, 1, journal.CountByAction(audit.ActionReceiptUploaded))
}

func TestIngestUnsupportedType(t *testing.T) {
	dl := &fakeDownloader{content: []byte("gif"), contentType: "image/gif", length: 3}
	ing := NewIngestor(dl, newFakeMediaStore(), &fakeEnqueuer{}, audit.NewMemoryJournal(), 0)

	_, err := ing.Ingest(context.Background(), "tenant-1", "ord_1", "WA:1001", event.PlatformWhatsApp, "media-9", "")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestIngestDeclaredMIMEFallback(t *testing.T) {
	// No Content-Type from the download; the platform's declared MIME is
	// trusted as a fallback.
	dl := &fakeDownloader{content: []byte("pdf-bytes"), contentType: "", length: 9}
	store := newFakeMediaStore()
	ing := NewIngestor(dl, store, &fakeEnqueuer{}, audit.NewMemoryJournal(), 0)

	receipt, err := ing.Ingest(context.Background(), "tenant-1", "ord_1", "WA:1001", event.PlatformWhatsApp, "media-9", "application/pdf")
	require.NoError(t, err)
	assert.Contains(t, receipt.Path, ".pdf")
}

func TestIngestSizeBoundary(t *testing.T) {
	const max = 64

	// Exactly at the cap is accepted.
	at := bytes.Repeat([]byte("a"), max)
	dl := &fakeDownloader{content: at, contentType: "image/png", length: -1}
	ing := NewIngestor(dl, newFakeMediaStore(), &fakeEnqueuer{}, audit.NewMemoryJournal(), max)
	_, err := ing.Ingest(context.Background(), "tenant-1", "ord_1", "WA:1001", event.PlatformWhatsApp, "media-9", "")
	require.NoError(t, err)

	// One byte over is rejected, even when the declared length lied.
	over := bytes.Repeat([]byte("a"), max+1)
	dl = &fakeDownloader{content: over, contentType: "image/png", length: -1}
	ing = NewIngestor(dl, newFakeMediaStore(), &fakeEnqueuer{}, audit.NewMemoryJournal(), max)
	_, err = ing.Ingest(context.Background(), "tenant-1", "ord_1", "WA:1001", event.PlatformWhatsApp, "media-9", "")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestIngestDeclaredLengthRejectedEarly(t *testing.T) {
	dl := &fakeDownloader{content: []byte("x"), contentType: "image/png", length: 1 << 30}
	ing := NewIngestor(dl, newFakeMediaStore(), &fakeEnqueuer{}, audit.NewMemoryJournal(), 64)

	_, err := ing.Ingest(context.Background(), "tenant-1", "ord_1", "WA:1001", event.PlatformWhatsApp, "media-9", "")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestIngestDeduplicatesIdenticalContent(t *testing.T) {
	content := []byte("same-receipt")
	dl := &fakeDownloader{content: content, contentType: "image/jpeg", length: int64(len(content))}
	store := newFakeMediaStore()
	ocr := &fakeEnqueuer{}
	ing := NewIngestor(dl, store, ocr, audit.NewMemoryJournal(), 0)
	ctx := context.Background()

	first, err := ing.Ingest(ctx, "tenant-1", "ord_1", "WA:1001", event.PlatformWhatsApp, "media-9", "")
	require.NoError(t, err)

	second, err := ing.Ingest(ctx, "tenant-1", "ord_1", "WA:1001", event.PlatformWhatsApp, "media-10", "")
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, 1, store.uploads, "identical content is uploaded once")
	assert.Len(t, ocr.tasks, 1, "dedupe skips the OCR hand-off too")
}
