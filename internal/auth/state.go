package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridianws/identity/pkg/crypto"
)

var (
	errStateExpired = errors.New("relay state: expired")
	errStateInvalid = errors.New("relay state: invalid")
)

// stateKeySalt pins the argon2id derivation so rotating the configured secret
// invalidates every outstanding state token at once.
var stateKeySalt = []byte("meridian-identity-relay-state")

// StateCodec encrypts the relay-state payload that travels through the
// identity provider and back. The payload is opaque to the IdP and tamper
// evident to us.
type StateCodec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// StatePayload carries the correlation material needed to resume a login flow
// when the provider calls back.
type StatePayload struct {
	ProviderID string    `json:"p"`
	Nonce      string    `json:"n"`
	RequestID  string    `json:"req"`
	IssuedAt   time.Time `json:"iat"`
}

// NewStateCodec derives a symmetric key from the configured secret and returns
// a codec enforcing the supplied state lifetime.
func NewStateCodec(secret string, ttl time.Duration, now func() time.Time) (*StateCodec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("relay state: secret is required")
	}
	key, err := crypto.DeriveKeyArgon2id([]byte(secret), stateKeySalt, crypto.DefaultArgon2Params())
	if err != nil {
		return nil, fmt.Errorf("relay state: derive key: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &StateCodec{key: key, ttl: ttl, now: now}, nil
}

// Encode encrypts the payload into a compact URL-safe token.
func (c *StateCodec) Encode(payload StatePayload) (string, error) {
	payload.ProviderID = strings.TrimSpace(payload.ProviderID)
	if payload.ProviderID == "" {
		return "", errors.New("relay state: provider id is required")
	}
	payload.IssuedAt = c.now().UTC()

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("relay state: marshal payload: %w", err)
	}

	encoded, err := crypto.Encrypt(raw, c.key)
	if err != nil {
		return "", fmt.Errorf("relay state: encrypt payload: %w", err)
	}
	return encoded, nil
}

// Decode decrypts a state token back into a payload while enforcing expiry.
func (c *StateCodec) Decode(token string) (StatePayload, error) {
	var payload StatePayload
	if strings.TrimSpace(token) == "" {
		return payload, errStateInvalid
	}

	raw, err := crypto.Decrypt(token, c.key)
	if err != nil {
		return payload, errStateInvalid
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, errStateInvalid
	}
	if payload.ProviderID == "" || payload.IssuedAt.IsZero() {
		return payload, errStateInvalid
	}
	if c.now().UTC().After(payload.IssuedAt.Add(c.ttl)) {
		return payload, errStateExpired
	}
	return payload, nil
}
