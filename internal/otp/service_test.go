package otp

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/ratelimit"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	limiter := ratelimit.New(ratelimit.NewRedisStore(rdb))
	return NewService(rdb, limiter, 0), mr
}

func TestGenerateAndVerify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, "WA:1001", ProfileSender, PurposeRegister)
	require.NoError(t, err)
	require.NotEmpty(t, issued.RequestID)
	require.Len(t, issued.Code, 8)

	outcome, purpose, err := svc.Verify(ctx, "WA:1001", issued.RequestID, issued.Code)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, outcome)
	assert.Equal(t, PurposeRegister, purpose)
}

func TestVerifyIsSingleUse(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, "WA:1001", ProfileSender, PurposeRegister)
	require.NoError(t, err)

	outcome, _, err := svc.Verify(ctx, "WA:1001", issued.RequestID, issued.Code)
	require.NoError(t, err)
	require.Equal(t, VerifyOK, outcome)

	// The record is destroyed with the successful verification.
	outcome, _, err = svc.Verify(ctx, "WA:1001", issued.RequestID, issued.Code)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.NotEqual(t, VerifyOK, outcome)
}

func TestVerifyWrongCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, "WA:1001", ProfileSender, PurposeRegister)
	require.NoError(t, err)

	outcome, _, err := svc.Verify(ctx, "WA:1001", issued.RequestID, "WRONG!!!")
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, VerifyFailed, outcome)

	// The record survives a non-terminal failure; the right code still works.
	outcome, _, err = svc.Verify(ctx, "WA:1001", issued.RequestID, issued.Code)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, outcome)
}

func TestVerifyThirdFailureIsTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, "WA:1001", ProfileSender, PurposeRegister)
	require.NoError(t, err)

	outcome, _, err := svc.Verify(ctx, "WA:1001", issued.RequestID, "WRONG!!1")
	require.ErrorIs(t, err, ErrInvalid)
	require.Equal(t, VerifyFailed, outcome)

	outcome, _, err = svc.Verify(ctx, "WA:1001", issued.RequestID, "WRONG!!2")
	require.ErrorIs(t, err, ErrInvalid)
	require.Equal(t, VerifyFailed, outcome)

	// Third mismatch destroys the record permanently.
	outcome, _, err = svc.Verify(ctx, "WA:1001", issued.RequestID, "WRONG!!3")
	require.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, VerifyFailedTerminal, outcome)

	// Even the correct code is now useless.
	outcome, _, err = svc.Verify(ctx, "WA:1001", issued.RequestID, issued.Code)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.NotEqual(t, VerifyOK, outcome)
}

func TestVerifyExpiredRecord(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, "WA:1001", ProfileSender, PurposeRegister)
	require.NoError(t, err)

	// Push Redis past the record TTL.
	mr.FastForward(svc.ttl + 1)

	outcome, _, err := svc.Verify(ctx, "WA:1001", issued.RequestID, issued.Code)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, VerifyFailed, outcome)
}

func TestGenerateThrottled(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < int(generateRule.Limit); i++ {
		_, err := svc.Generate(ctx, "WA:1001", ProfileSender, PurposeRegister)
		require.NoError(t, err, "generation %d should be allowed", i+1)
	}

	_, err := svc.Generate(ctx, "WA:1001", ProfileSender, PurposeRegister)
	assert.ErrorIs(t, err, ErrThrottled)

	// A different actor is unaffected.
	_, err = svc.Generate(ctx, "WA:2002", ProfileSender, PurposeRegister)
	assert.NoError(t, err)
}

func TestVerifyThrottledPerChallenge(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, "WA:1001", ProfileSender, PurposeRegister)
	require.NoError(t, err)

	// The verify throttle caps presentations per (sender, request). The
	// attempt cap destroys the record on the third mismatch, so the fourth
	// call hits the throttle window.
	for i := 0; i < int(verifyRule.Limit); i++ {
		_, _, err = svc.Verify(ctx, "WA:1001", issued.RequestID, "WRONG!!!")
		require.ErrorIs(t, err, ErrInvalid)
	}

	_, _, err = svc.Verify(ctx, "WA:1001", issued.RequestID, issued.Code)
	assert.ErrorIs(t, err, ErrThrottled)
}
