package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Challenge kinds. Login and setup challenges of the same transport are kept
// distinct so completing a setup can never satisfy a login.
const (
	challengeEmailLogin   = "email-login"
	challengeEmailSetup   = "email-setup"
	challengePasskeyLogin = "passkey-login"
	challengePasskeySetup = "passkey-setup"
)

var (
	errChallengeNotFound = errors.New("challenge not found")
	errChallengeExpired  = errors.New("challenge expired")
	errChallengeBackend  = errors.New("challenge backend unavailable")
)

// pendingChallenge is one outstanding email OTP or WebAuthn challenge.
// CodeHash is set for email challenges, Raw for passkey ones.
type pendingChallenge struct {
	ChallengeID string    `json:"cid"`
	DeviceID    string    `json:"did,omitempty"`
	CodeHash    []byte    `json:"code,omitempty"`
	Raw         []byte    `json:"raw,omitempty"`
	ExpiresAt   time.Time `json:"exp"`
}

// challengeStore keeps ephemeral challenges in Redis, keyed by (kind, user).
// One pending challenge per key: Save overwrites, which is the concurrency
// story for double-submits. Expiry is enforced both by the Redis TTL and
// lazily on read.
type challengeStore struct {
	redis redis.UniversalClient
}

func newChallengeStore(redisClient redis.UniversalClient) *challengeStore {
	return &challengeStore{redis: redisClient}
}

func (s *challengeStore) key(kind, userID string) string {
	return "mfc:" + kind + ":" + userID
}

func (s *challengeStore) Save(ctx context.Context, kind, userID string, rec pendingChallenge, ttl time.Duration) error {
	rec.ExpiresAt = time.Now().Add(ttl)
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(kind, userID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}

func (s *challengeStore) Get(ctx context.Context, kind, userID string) (pendingChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(kind, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return pendingChallenge{}, errChallengeNotFound
		}
		return pendingChallenge{}, fmt.Errorf("%w: %v", errChallengeBackend, err)
	}

	var rec pendingChallenge
	if err := json.Unmarshal(data, &rec); err != nil {
		return pendingChallenge{}, fmt.Errorf("%w: decode: %v", errChallengeBackend, err)
	}
	if time.Now().After(rec.ExpiresAt) {
		_ = s.redis.Del(ctx, s.key(kind, userID)).Err()
		return pendingChallenge{}, errChallengeExpired
	}
	return rec, nil
}

func (s *challengeStore) Delete(ctx context.Context, kind, userID string) error {
	if err := s.redis.Del(ctx, s.key(kind, userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errChallengeBackend, err)
	}
	return nil
}
