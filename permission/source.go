package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps rule-source failures: backend errors, timeouts, and
// undecodable payloads. Resolution treats all of them as "no table loaded".
var ErrUnavailable = errors.New("permission source unavailable")

// Source loads the raw permission rules from wherever the platform publishes
// them.
type Source interface {
	LoadRules(ctx context.Context) ([]Rule, error)
}

// RedisSource reads the rule set from a single Redis key holding a JSON array
// of rules. The platform's provisioning pipeline owns writes to the key.
type RedisSource struct {
	client redis.UniversalClient
	key    string
}

// NewRedisSource builds a source over the given key.
func NewRedisSource(client redis.UniversalClient, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

// LoadRules fetches and decodes the rule set. A missing key is an empty rule
// set, not an error; the resolver decides what an empty table means.
func (s *RedisSource) LoadRules(ctx context.Context) ([]Rule, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("%w: decode rules: %v", ErrUnavailable, err)
	}
	return rules, nil
}

// StaticSource serves a fixed rule set. Useful for embedders that compile
// their rules in, and for tests.
type StaticSource []Rule

// LoadRules returns the fixed rule set.
func (s StaticSource) LoadRules(ctx context.Context) ([]Rule, error) {
	return []Rule(s), nil
}
