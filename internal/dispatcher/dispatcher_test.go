package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/event"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/media"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/otp"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/ratelimit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/session"
)

const (
	testTenant = "tenant-1"
	testBuyer  = "WA:2348031234567"
)

type fakeDispStore struct {
	mu      sync.Mutex
	tenants map[string]*database.Tenant
	users   map[string]*database.User
	orders  map[string]*database.Order
}

func newFakeDispStore() *fakeDispStore {
	return &fakeDispStore{
		tenants: map[string]*database.Tenant{testTenant: {TenantID: testTenant, Status: "ACTIVE"}},
		users:   make(map[string]*database.User),
		orders:  make(map[string]*database.Order),
	}
}

func (f *fakeDispStore) GetTenant(_ context.Context, tenantID string) (*database.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tenants[tenantID]; ok {
		return t, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeDispStore) GetUser(_ context.Context, _, senderID string) (*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[senderID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeDispStore) UpsertUser(_ context.Context, u *database.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *u
	f.users[u.SenderID] = &cp
	return nil
}

func (f *fakeDispStore) GetOrder(_ context.Context, _, orderID string) (*database.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, database.ErrNotFound
}

func (f *fakeDispStore) GetActiveOrderForBuyer(_ context.Context, _, buyerID string) (*database.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.BuyerID != buyerID {
			continue
		}
		switch o.Status {
		case database.OrderPending, database.OrderAwaitingPayment, database.OrderReceiptUploaded:
			cp := *o
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeDispStore) TransitionOrder(_ context.Context, _, orderID, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || o.Status != from {
		return database.ErrPreconditionFail
	}
	o.Status = to
	return nil
}

func (f *fakeDispStore) UpdateOrderFields(_ context.Context, _, orderID string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return database.ErrNotFound
	}
	if v, ok := fields["delivery_address"]; ok {
		o.DeliveryAddress = v.(string)
	}
	if v, ok := fields["total_amount"]; ok {
		o.TotalAmount = v.(int64)
	}
	if v, ok := fields["counter_amount"]; ok {
		o.CounterAmount = v.(int64)
	}
	return nil
}

func (f *fakeDispStore) order(orderID string) *database.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.orders[orderID]
	return &cp
}

type capturingReplier struct {
	mu     sync.Mutex
	bodies []string
}

func (r *capturingReplier) SendText(_ context.Context, _ string, _ event.Platform, _, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	return nil
}

func (r *capturingReplier) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.bodies) == 0 {
		return ""
	}
	return r.bodies[len(r.bodies)-1]
}

func (r *capturingReplier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

type fakeIngestor struct {
	calls int
	err   error
}

func (f *fakeIngestor) Ingest(_ context.Context, tenantID, orderID, senderID string, _ event.Platform, _, _ string) (*database.Receipt, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &database.Receipt{TenantID: tenantID, OrderID: orderID, UploadedBy: senderID}, nil
}

type fakeEscalator struct {
	reason    string
	escalated []string
}

func (f *fakeEscalator) DetectAtUpload(context.Context, *database.Order) string { return f.reason }

func (f *fakeEscalator) Escalate(_ context.Context, o *database.Order, reason string) error {
	f.escalated = append(f.escalated, o.OrderID+"/"+reason)
	return nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) NotifyPrincipal(_ context.Context, _, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

type harness struct {
	d        *Dispatcher
	store    *fakeDispStore
	replier  *capturingReplier
	ingestor *fakeIngestor
	escal    *fakeEscalator
	notifier *fakeNotifier
	journal  *audit.MemoryJournal
	sessions *session.Store
	mr       *miniredis.Miniredis
	eventSeq int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		store:    newFakeDispStore(),
		replier:  &capturingReplier{},
		ingestor: &fakeIngestor{},
		escal:    &fakeEscalator{},
		notifier: &fakeNotifier{},
		journal:  audit.NewMemoryJournal(),
		sessions: session.NewStore(rdb, 0),
		mr:       mr,
	}
	otpSvc := otp.NewService(rdb, ratelimit.New(ratelimit.NewRedisStore(rdb)), 0)
	h.d = New(h.store, h.sessions, otpSvc, h.replier, h.ingestor, h.escal, h.notifier, h.journal, nil)
	return h
}

func (h *harness) text(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, h.d.Dispatch(context.Background(), testTenant, h.event(event.TextBody(body))))
}

func (h *harness) media(t *testing.T) {
	t.Helper()
	ev := h.event(event.MediaBody(event.MediaImage, "media-9", "image/jpeg"))
	require.NoError(t, h.d.Dispatch(context.Background(), testTenant, ev))
}

func (h *harness) event(body event.Body) event.Inbound {
	h.eventSeq++
	return event.Inbound{
		Platform:    event.PlatformWhatsApp,
		ChannelID:   "555100",
		EventID:     "wamid." + strings.Repeat("A", h.eventSeq),
		SenderID:    testBuyer,
		TimestampMS: time.Now().UnixMilli(),
		Body:        body,
	}
}

func (h *harness) seedVerifiedUser() {
	h.store.users[testBuyer] = &database.User{
		SenderID: testBuyer,
		TenantID: testTenant,
		Name:     "Ada",
		Address:  "12 Allen Avenue, Ikeja",
		Verified: true,
	}
}

func (h *harness) seedOrder(orderID, status string, amount int64) {
	h.store.orders[orderID] = &database.Order{
		OrderID:     orderID,
		TenantID:    testTenant,
		BuyerID:     testBuyer,
		TotalAmount: amount,
		Status:      status,
	}
}

// codeFromReply pulls the plaintext OTP out of the challenge DM.
func codeFromReply(t *testing.T, reply string) string {
	t.Helper()
	const marker = "Your verification code is "
	require.Contains(t, reply, marker)
	rest := reply[strings.Index(reply, marker)+len(marker):]
	end := strings.Index(rest, ".")
	require.Greater(t, end, 0)
	return rest[:end]
}

func TestRegistrationFlow(t *testing.T) {
	h := newHarness(t)

	h.text(t, "register")
	assert.Equal(t, "Welcome! What's your name?", h.replier.last())

	h.text(t, "Ada Obi")
	assert.Equal(t, "Thanks, Ada Obi. What's your delivery address?", h.replier.last())

	h.text(t, "12 Allen Avenue, Ikeja")
	code := codeFromReply(t, h.replier.last())

	h.text(t, code)
	assert.Equal(t, "Verification successful. You're all set, Ada Obi.", h.replier.last())

	u := h.store.users[testBuyer]
	require.NotNil(t, u)
	assert.True(t, u.Verified)
	assert.Equal(t, "Ada Obi", u.Name)
	assert.Equal(t, "12 Allen Avenue, Ikeja", u.Address)

	assert.Equal(t, 1, h.journal.CountByAction(audit.ActionOTPIssued))
	assert.Equal(t, 1, h.journal.CountByAction(audit.ActionOTPVerified))
}

func TestRegistrationWrongCodeThenRight(t *testing.T) {
	h := newHarness(t)
	h.text(t, "register")
	h.text(t, "Ada")
	h.text(t, "12 Allen Avenue")
	code := codeFromReply(t, h.replier.last())

	h.text(t, "Wrong!x1")
	assert.Equal(t, "That code is invalid or expired. Please try again.", h.replier.last())

	h.text(t, code)
	assert.Equal(t, "Verification successful. You're all set, Ada.", h.replier.last())
}

func TestRegistrationThreeStrikes(t *testing.T) {
	h := newHarness(t)
	h.text(t, "register")
	h.text(t, "Ada")
	h.text(t, "12 Allen Avenue")
	code := codeFromReply(t, h.replier.last())

	h.text(t, "Wrong!x1")
	h.text(t, "Wrong!x2")
	h.text(t, "Wrong!x3")
	assert.Contains(t, h.replier.last(), "invalid or expired")
	assert.Equal(t, 3, h.journal.CountByAction(audit.ActionOTPFail), "the capping attempt is still a failed attempt")
	assert.Equal(t, 1, h.journal.CountByAction(audit.ActionOTPFailTerminal))

	// The challenge is dead; even the right code is refused now.
	h.text(t, code)
	assert.Contains(t, h.replier.last(), "invalid or expired")
	assert.False(t, h.store.users[testBuyer] != nil && h.store.users[testBuyer].Verified)

	// cancel frees the conversation for a fresh start.
	h.text(t, "cancel")
	h.text(t, "register")
	assert.Equal(t, "Welcome! What's your name?", h.replier.last())
}

func TestAlreadyRegistered(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()

	h.text(t, "register")
	assert.Contains(t, h.replier.last(), "You're already registered, Ada.")
}

func TestConfirmFlowDefaultAddress(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderPending, 250_000)

	h.text(t, "confirm ord_42")
	assert.Contains(t, h.replier.last(), "Confirm delivery to: 12 Allen Avenue, Ikeja?")

	h.text(t, "yes")
	assert.Equal(t, "Order ord_42 confirmed. Please transfer 2500.00 and attach your payment receipt here.", h.replier.last())

	o := h.store.order("ord_42")
	assert.Equal(t, database.OrderAwaitingPayment, o.Status)
	assert.Equal(t, "12 Allen Avenue, Ikeja", o.DeliveryAddress)
}

func TestConfirmFlowNewAddress(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderPending, 250_000)

	h.text(t, "confirm ord_42")
	h.text(t, "update address to 7 Marina Road, Lagos")

	o := h.store.order("ord_42")
	assert.Equal(t, database.OrderAwaitingPayment, o.Status)
	assert.Equal(t, "7 Marina Road, Lagos", o.DeliveryAddress)
}

func TestConfirmRequiresRegistration(t *testing.T) {
	h := newHarness(t)
	h.seedOrder("ord_42", database.OrderPending, 250_000)

	h.text(t, "confirm ord_42")
	assert.Equal(t, "Please register first — just send 'register'.", h.replier.last())

	assert.Equal(t, database.OrderPending, h.store.order("ord_42").Status)
}

func TestConfirmNonPendingOrder(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderAwaitingPayment, 250_000)

	h.text(t, "confirm ord_42")
	assert.Equal(t, "Order ord_42 is AWAITING_PAYMENT and can't be confirmed.", h.replier.last())
}

func TestNegotiateNotifiesPrincipal(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderPending, 250_000)

	h.text(t, "negotiate ord_42 2000")
	require.Len(t, h.notifier.messages, 1)
	assert.Contains(t, h.notifier.messages[0], "ord_42")
	assert.Contains(t, h.replier.last(), "We've sent your offer")

	// While the offer is out, most messages get a holding reply.
	h.text(t, "hello?")
	assert.Equal(t, "Your offer is with the seller. We'll message you here as soon as they respond.", h.replier.last())

	// Status reads stay available.
	h.text(t, "order ord_42")
	assert.Contains(t, h.replier.last(), "Order ord_42: PENDING.")
}

func TestVendorCounterAccept(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderPending, 250_000)
	h.text(t, "negotiate ord_42 2000")

	require.NoError(t, h.d.VendorCounter(context.Background(), testTenant, "ord_42", 220_000))
	assert.Equal(t, "The seller countered with 2200.00 for order ord_42. Reply 'accept counter' or 'reject counter'.", h.replier.last())

	h.text(t, "accept counter")
	code := codeFromReply(t, h.replier.last())

	h.text(t, code)
	assert.Equal(t, "Verification successful. Order ord_42 is now 2200.00. Please transfer that amount and attach your receipt here.", h.replier.last())

	o := h.store.order("ord_42")
	assert.Equal(t, int64(220_000), o.TotalAmount)
	assert.Equal(t, int64(0), o.CounterAmount)
	assert.Equal(t, database.OrderAwaitingPayment, o.Status)
}

func TestVendorCounterReject(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderPending, 250_000)
	h.text(t, "negotiate ord_42 2000")
	require.NoError(t, h.d.VendorCounter(context.Background(), testTenant, "ord_42", 220_000))

	h.text(t, "reject counter")
	assert.Equal(t, "Okay, the counter-offer for order ord_42 was declined. The original price stands.", h.replier.last())

	o := h.store.order("ord_42")
	assert.Equal(t, int64(250_000), o.TotalAmount)
	assert.Equal(t, int64(0), o.CounterAmount)
	assert.Equal(t, database.OrderPending, o.Status)
}

func TestVendorCounterRejectsNonPending(t *testing.T) {
	h := newHarness(t)
	h.seedOrder("ord_42", database.OrderAwaitingPayment, 250_000)

	err := h.d.VendorCounter(context.Background(), testTenant, "ord_42", 220_000)
	assert.Error(t, err)
}

func TestReceiptUpload(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderAwaitingPayment, 250_000)

	h.media(t)
	assert.Equal(t, "Receipt received — it's being reviewed. We'll update you here.", h.replier.last())
	assert.Equal(t, 1, h.ingestor.calls)
	assert.Equal(t, database.OrderReceiptUploaded, h.store.order("ord_42").Status)
}

func TestReceiptUploadEscalates(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderAwaitingPayment, 2_000_000)
	h.escal.reason = database.ReasonHighValue

	before := h.replier.count()
	h.media(t)

	require.Len(t, h.escal.escalated, 1)
	assert.Equal(t, "ord_42/HIGH_VALUE", h.escal.escalated[0])
	// Escalate owns the buyer notice; the dispatcher must not reply on top.
	assert.Equal(t, before, h.replier.count())
}

func TestReceiptUploadErrors(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderAwaitingPayment, 250_000)

	h.ingestor.err = media.ErrUnsupportedType
	h.media(t)
	assert.Contains(t, h.replier.last(), "JPEG, PNG, HEIC or PDF")

	h.ingestor.err = media.ErrTooLarge
	h.media(t)
	assert.Contains(t, h.replier.last(), "10 MB or smaller")

	assert.Equal(t, database.OrderAwaitingPayment, h.store.order("ord_42").Status)
}

func TestReceiptWithoutActiveOrder(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()

	h.media(t)
	assert.Contains(t, h.replier.last(), "We couldn't find an order waiting for payment.")
	assert.Equal(t, 0, h.ingestor.calls)
}

func TestOrderStatusCrossBuyer(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.store.orders["ord_77"] = &database.Order{
		OrderID: "ord_77", TenantID: testTenant, BuyerID: "WA:9999", TotalAmount: 5000, Status: database.OrderPending,
	}

	h.text(t, "order ord_77")
	assert.Equal(t, "Order ord_77 was not found.", h.replier.last())

	h.text(t, "order ord_nope")
	assert.Equal(t, "Order ord_nope was not found.", h.replier.last())
}

func TestAddressChangeIsOTPGated(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()

	h.text(t, "update address to 7 Marina Road")
	code := codeFromReply(t, h.replier.last())

	h.text(t, code)
	assert.Equal(t, "Verification successful. Your delivery address has been updated.", h.replier.last())
	assert.Equal(t, "7 Marina Road", h.store.users[testBuyer].Address)
}

func TestCancelClearsFlow(t *testing.T) {
	h := newHarness(t)
	h.text(t, "register")
	h.text(t, "cancel")
	assert.Equal(t, "Cancelled. Send 'help' whenever you need the list of commands.", h.replier.last())

	// Back at idle: a name-looking message is now just unknown text.
	h.text(t, "Ada")
	assert.Equal(t, defaultFallback, h.replier.last())
}

func TestHelpPreservesFlow(t *testing.T) {
	h := newHarness(t)
	h.text(t, "register")
	h.text(t, "help")
	assert.Equal(t, helpText, h.replier.last())

	h.text(t, "Ada")
	assert.Equal(t, "Thanks, Ada. What's your delivery address?", h.replier.last())
}

func TestExpiredSessionReply(t *testing.T) {
	h := newHarness(t)
	h.text(t, "register")

	// Rewrite the stored state with a past logical deadline.
	key := "gw:session:" + testTenant + ":" + testBuyer
	raw, err := h.mr.Get(key)
	require.NoError(t, err)
	var st session.State
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	st.ExpiresAt = time.Now().Add(-time.Minute)
	stale, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, h.mr.Set(key, string(stale)))

	h.text(t, "Ada")
	assert.Equal(t, "Your session expired. Please start again.", h.replier.last())

	// The expired entry was dropped; the next message starts from idle.
	h.text(t, "register")
	assert.Equal(t, "Welcome! What's your name?", h.replier.last())
}

func TestTenantFallbackMessage(t *testing.T) {
	h := newHarness(t)
	h.store.tenants[testTenant].FallbackMessage = "Hmm, try 'help'."

	h.text(t, "blorp")
	assert.Equal(t, "Hmm, try 'help'.", h.replier.last())
}

func TestOTPThrottleReply(t *testing.T) {
	h := newHarness(t)

	// Burn the per-sender generate budget.
	for i := 0; i < 10; i++ {
		h.text(t, "register")
		h.text(t, "Ada")
		h.text(t, "12 Allen Avenue")
		h.text(t, "cancel")
	}

	h.text(t, "register")
	h.text(t, "Ada")
	h.text(t, "12 Allen Avenue")
	assert.Equal(t, "Too many requests. Please wait a while and try again.", h.replier.last())
	assert.Equal(t, 1, h.journal.CountByAction(audit.ActionOTPThrottled))
}

func TestPostbackRoutesLikeText(t *testing.T) {
	h := newHarness(t)
	h.seedVerifiedUser()
	h.seedOrder("ord_42", database.OrderPending, 250_000)

	ev := h.event(event.PostbackBody("order ord_42"))
	require.NoError(t, h.d.Dispatch(context.Background(), testTenant, ev))
	assert.Contains(t, h.replier.last(), "Order ord_42: PENDING.")
}
