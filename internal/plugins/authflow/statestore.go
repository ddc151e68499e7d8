package authflow

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// stateKeyPrefix is the Redis key prefix for issued state tokens.
const stateKeyPrefix = "oauthstate:"

// stateVersion is bumped if the token layout ever changes, so stale tokens
// from a previous deploy fail validation instead of being misread.
const stateVersion = 1

// Validation failure modes. Missing means nothing was ever stored for this
// request (or it already expired); mismatch means a stored value exists but
// the received token differs -- tampering or a stale tab.
var (
	ErrStateMissing  = errors.New("no stored state for request")
	ErrStateMismatch = errors.New("state token mismatch")
)

// statePayload is the structured content of a state token. It is serialized
// to JSON and passed as the OAuth state parameter verbatim, so validation
// can require byte-for-byte equality with the stored copy.
type statePayload struct {
	Flow      string `json:"flow"`
	RequestID string `json:"requestId"`
	Version   int    `json:"v"`
}

// stateRecord is what the store keeps server-side: the exact token that was
// issued plus the session that initiated the redirect.
type stateRecord struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

// StateClaims is the verified result of a successful validation.
type StateClaims struct {
	Flow      string
	RequestID string
	SessionID string
}

// StateStore issues and single-use-validates the opaque state tokens that
// correlate an outgoing OAuth redirect with its callback.
type StateStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewStateStore creates a state store. Tokens expire with the login request
// they belong to -- ttl should match the request TTL.
func NewStateStore(rdb *redis.Client, ttl time.Duration) *StateStore {
	return &StateStore{redis: rdb, ttl: ttl}
}

// Issue serializes {flow, requestId, v} as the token and stores it, keyed by
// request id, together with the owning session. Issuing again for the same
// request replaces the previous token.
func (s *StateStore) Issue(ctx context.Context, flow, requestID, sessionID string) (string, error) {
	token, err := json.Marshal(statePayload{
		Flow:      flow,
		RequestID: requestID,
		Version:   stateVersion,
	})
	if err != nil {
		return "", fmt.Errorf("encoding state token: %w", err)
	}

	record, err := json.Marshal(stateRecord{
		Token:     string(token),
		SessionID: sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("encoding state record: %w", err)
	}

	key := stateKeyPrefix + requestID
	if err := s.redis.Set(ctx, key, record, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("storing state token: %w", err)
	}

	return string(token), nil
}

// parseToken decodes a received state parameter without validating it.
// The callback needs the request id before validation to key its gate.
func parseToken(received string) (*statePayload, error) {
	var payload statePayload
	if err := json.Unmarshal([]byte(received), &payload); err != nil {
		return nil, fmt.Errorf("decoding state token: %w", err)
	}
	if payload.RequestID == "" || payload.Flow == "" {
		return nil, errors.New("state token missing fields")
	}
	if payload.Version != stateVersion {
		return nil, fmt.Errorf("unsupported state token version %d", payload.Version)
	}
	return &payload, nil
}

// Validate requires byte-for-byte equality between the received token and
// the stored one, then deletes the stored value (single use). Returns
// ErrStateMissing or ErrStateMismatch for the two distinguishable failures.
func (s *StateStore) Validate(ctx context.Context, received string) (*StateClaims, error) {
	payload, err := parseToken(received)
	if err != nil {
		return nil, ErrStateMismatch
	}

	key := stateKeyPrefix + payload.RequestID

	data, err := s.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateMissing
	}
	if err != nil {
		return nil, fmt.Errorf("reading state token: %w", err)
	}

	var record stateRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding state record: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(record.Token), []byte(received)) != 1 {
		return nil, ErrStateMismatch
	}

	// Single use: remove immediately on successful match, before the
	// exchange proceeds.
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("consuming state token: %w", err)
	}

	return &StateClaims{
		Flow:      payload.Flow,
		RequestID: payload.RequestID,
		SessionID: record.SessionID,
	}, nil
}
