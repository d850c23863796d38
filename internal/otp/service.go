package otp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/ratelimit"
)

// Verification and generation errors. Expired, attempts-exceeded, and
// mismatch all collapse into ErrInvalid so a caller (and therefore an
// attacker) cannot tell them apart.
var (
	ErrInvalid   = errors.New("otp: invalid or expired")
	ErrThrottled = errors.New("otp: throttled")
)

const maxAttempts = 3

// Throttling rules per spec'd auth surfaces.
var (
	generateRule = ratelimit.Rule{Limit: 10, Window: 60 * time.Minute}
	verifyRule   = ratelimit.Rule{Limit: 3, Window: 10 * time.Minute}
)

// Issued is the one-shot result of a generation. Code is handed to the
// delivery path exactly once and must not be retained.
type Issued struct {
	RequestID string
	Code      string
	Purpose   Purpose
	ExpiresAt time.Time
}

// record fields stored in the Redis hash. The code itself is never stored.
const (
	fieldSalt     = "salt"
	fieldHash     = "hash"
	fieldPurpose  = "purpose"
	fieldAttempts = "attempts"
)

// destroyIfExists deletes the record and reports whether this caller was
// the one that removed it. Single DEL keeps single-use atomic under racing
// verifiers: only the winner observes 1.
var destroyScript = redis.NewScript(`return redis.call("DEL", KEYS[1])`)

// Service generates and verifies OTP records against Redis.
type Service struct {
	rdb       redis.UniversalClient
	limiter   *ratelimit.Limiter
	keyPrefix string
	ttl       time.Duration
}

// NewService creates the OTP service. A zero ttl uses 300s.
func NewService(rdb redis.UniversalClient, limiter *ratelimit.Limiter, ttl time.Duration) *Service {
	if ttl == 0 {
		ttl = 300 * time.Second
	}
	return &Service{rdb: rdb, limiter: limiter, keyPrefix: "gw:otp:", ttl: ttl}
}

func (s *Service) key(senderID, requestID string) string {
	return s.keyPrefix + senderID + ":" + requestID
}

// Generate draws a code, stores its salted hash with TTL, and returns the
// plaintext once. Throttled per actor; exceeding the cap touches nothing.
func (s *Service) Generate(ctx context.Context, senderID string, profile Profile, purpose Purpose) (*Issued, error) {
	ok, err := s.limiter.Allow(ctx, "otp_generate", senderID, generateRule)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrThrottled
	}

	code, err := GenerateCode(profile)
	if err != nil {
		return nil, err
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	hash := HashCode(code, salt)

	requestID := uuid.NewString()
	key := s.key(senderID, requestID)

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		fieldSalt:     hex.EncodeToString(salt),
		fieldHash:     hex.EncodeToString(hash),
		fieldPurpose:  string(purpose),
		fieldAttempts: 0,
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("otp store: %w", err)
	}

	return &Issued{
		RequestID: requestID,
		Code:      code,
		Purpose:   purpose,
		ExpiresAt: time.Now().Add(s.ttl),
	}, nil
}

// VerifyOutcome distinguishes the terminal attempt failure for auditing.
// Callers reply identically for Failed and FailedTerminal.
type VerifyOutcome int

const (
	VerifyFailed VerifyOutcome = iota
	VerifyFailedTerminal
	VerifyOK
)

// Verify checks a presented code against the record for (senderID,
// requestID). Single entry point for all purposes.
//
// On success the record is destroyed atomically with verification; on the
// attempt that reaches the cap the record is destroyed permanently. Expired
// or absent records are indistinguishable from mismatches.
func (s *Service) Verify(ctx context.Context, senderID, requestID, presented string) (VerifyOutcome, Purpose, error) {
	throttleActor := senderID + ":" + requestID
	ok, err := s.limiter.Allow(ctx, "otp_verify", throttleActor, verifyRule)
	if err != nil {
		return VerifyFailed, "", err
	}
	if !ok {
		return VerifyFailed, "", ErrThrottled
	}

	key := s.key(senderID, requestID)
	rec, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return VerifyFailed, "", fmt.Errorf("otp load: %w", err)
	}
	if len(rec) == 0 {
		// Absent or expired; Redis TTL already reaped expired records.
		return VerifyFailed, "", ErrInvalid
	}

	// HIncrBy is the atomic attempt increment; racing verifiers each get a
	// distinct attempt number.
	attempts, err := s.rdb.HIncrBy(ctx, key, fieldAttempts, 1).Result()
	if err != nil {
		return VerifyFailed, "", fmt.Errorf("otp attempts: %w", err)
	}
	if attempts > maxAttempts {
		_, _ = destroyScript.Run(ctx, s.rdb, []string{key}).Result()
		return VerifyFailedTerminal, "", ErrInvalid
	}

	salt, err := hex.DecodeString(rec[fieldSalt])
	if err != nil {
		return VerifyFailed, "", fmt.Errorf("otp salt decode: %w", err)
	}
	storedHash, err := hex.DecodeString(rec[fieldHash])
	if err != nil {
		return VerifyFailed, "", fmt.Errorf("otp hash decode: %w", err)
	}

	if !CompareHash(presented, salt, storedHash) {
		if attempts == maxAttempts {
			_, _ = destroyScript.Run(ctx, s.rdb, []string{key}).Result()
			return VerifyFailedTerminal, "", ErrInvalid
		}
		return VerifyFailed, "", ErrInvalid
	}

	// Destroy atomically with verification; the single DEL winner is the
	// single use.
	n, err := destroyScript.Run(ctx, s.rdb, []string{key}).Int64()
	if err != nil {
		return VerifyFailed, "", fmt.Errorf("otp destroy: %w", err)
	}
	if n == 0 {
		return VerifyFailed, "", ErrInvalid
	}
	return VerifyOK, Purpose(rec[fieldPurpose]), nil
}
