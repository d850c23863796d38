// Package session persists per-(tenant, sender) conversation state.
//
// State lives in Redis with a sliding expiry: every save re-arms the window.
// Redis holds entries a little past their logical deadline so the dispatcher
// can tell "expired mid-conversation" (emit a session-expired reply) apart
// from "no conversation at all".
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Step tags for suspended conversations.
type Step string

const (
	StepAwaitName            Step = "AWAIT_NAME"
	StepAwaitAddress         Step = "AWAIT_ADDRESS"
	StepAwaitOTP             Step = "AWAIT_OTP"
	StepAwaitAddrConfirm     Step = "AWAIT_ADDR_CONFIRM"
	StepAwaitVendorCounter   Step = "AWAIT_VENDOR_COUNTER"
	StepAwaitCounterDecision Step = "AWAIT_COUNTER_DECISION"
)

// State is one suspended conversation. The payload bag carries the step's
// working data (name, pending order id, OTP request id).
type State struct {
	Step      Step              `json:"step"`
	Payload   map[string]string `json:"payload,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Get returns a payload value, empty when absent.
func (s *State) Get(key string) string {
	if s.Payload == nil {
		return ""
	}
	return s.Payload[key]
}

// Set stores a payload value.
func (s *State) Set(key, value string) {
	if s.Payload == nil {
		s.Payload = make(map[string]string)
	}
	s.Payload[key] = value
}

// ErrExpired is returned by Load when the state's logical deadline has
// passed. The entry is cleared as a side effect.
var ErrExpired = errors.New("session: state expired")

// ErrNone is returned by Load when no state exists for the key.
var ErrNone = errors.New("session: no state")

// Store is the Redis-backed conversation state store.
type Store struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewStore creates a store with the given sliding TTL.
func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	return &Store{rdb: rdb, keyPrefix: "gw:session:", ttl: ttl}
}

func (s *Store) key(tenantID, senderID string) string {
	return s.keyPrefix + tenantID + ":" + senderID
}

// Load returns the state for (tenantID, senderID). ErrNone when absent,
// ErrExpired (after clearing) when past its logical deadline.
func (s *Store) Load(ctx context.Context, tenantID, senderID string) (*State, error) {
	data, err := s.rdb.Get(ctx, s.key(tenantID, senderID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNone
		}
		return nil, fmt.Errorf("session get: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// Unreadable state is unrecoverable; drop it.
		_ = s.Clear(ctx, tenantID, senderID)
		return nil, ErrNone
	}

	if time.Now().After(st.ExpiresAt) {
		_ = s.Clear(ctx, tenantID, senderID)
		return nil, ErrExpired
	}
	return &st, nil
}

// Save overwrites the state and re-arms the sliding window. The Redis TTL
// runs past the logical deadline so Load can still observe expiry.
func (s *Store) Save(ctx context.Context, tenantID, senderID string, st *State) error {
	st.ExpiresAt = time.Now().Add(s.ttl)
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("session marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(tenantID, senderID), data, 2*s.ttl).Err(); err != nil {
		return fmt.Errorf("session set: %w", err)
	}
	return nil
}

// Clear removes the state for (tenantID, senderID).
func (s *Store) Clear(ctx context.Context, tenantID, senderID string) error {
	if err := s.rdb.Del(ctx, s.key(tenantID, senderID)).Err(); err != nil {
		return fmt.Errorf("session del: %w", err)
	}
	return nil
}
