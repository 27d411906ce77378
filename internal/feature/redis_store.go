package feature

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/upiguard/internal/circuitbreaker"
	"github.com/mbd888/upiguard/internal/idgen"
)

// ErrStoreUnavailable is returned when the circuit to Redis is open.
var ErrStoreUnavailable = errors.New("feature store unavailable")

const (
	breakerKey = "redis"
	opTimeout  = 200 * time.Millisecond
)

// RedisStore implements Store on Redis sorted sets and sets.
//
// Key layout (per user):
//
//	fs:{user}:win:{horizon}  ZSET of event IDs scored by unix millis, TTL = horizon
//	fs:{user}:amounts        ZSET of "id:amount" scored by unix millis, TTL = 7d
//	fs:{user}:devices        SET of device IDs, TTL = 60d
//	fs:{user}:recipients     SET of recipient VPAs, TTL = 30d
//
// All calls run under a short timeout and a circuit breaker so a sick Redis
// degrades scoring instead of stalling the payment path.
type RedisStore struct {
	client  *redis.Client
	breaker *circuitbreaker.Breaker
}

// NewRedisStore creates a Redis-backed feature store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:  client,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// Ping checks connectivity, for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) RecordAndCount(ctx context.Context, userID string, at time.Time) (Counts, error) {
	if !s.breaker.Allow(breakerKey) {
		return Counts{}, ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	member := idgen.New()
	score := float64(at.UnixMilli())

	pipe := s.client.TxPipeline()
	cards := make([]*redis.IntCmd, len(Horizons))
	for i, h := range Horizons {
		key := windowKey(userID, h)
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", formatScore(at.Add(-h)))
		cards[i] = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, h)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.breaker.RecordFailure(breakerKey)
		return Counts{}, fmt.Errorf("record window events: %w", err)
	}
	s.breaker.RecordSuccess(breakerKey)

	return Counts{
		Burst10s: cards[0].Val(),
		Last1m:   cards[1].Val(),
		Last5m:   cards[2].Val(),
		Last1h:   cards[3].Val(),
		Last6h:   cards[4].Val(),
		Last24h:  cards[5].Val(),
	}, nil
}

func (s *RedisStore) AmountHistory(ctx context.Context, userID string, at time.Time, amount float64) (AmountStats, error) {
	if !s.breaker.Allow(breakerKey) {
		return AmountStats{}, ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := amountsKey(userID)
	cutoff := formatScore(at.Add(-amountHistoryWindow))

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	history := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: cutoff, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		s.breaker.RecordFailure(breakerKey)
		return AmountStats{}, fmt.Errorf("read amount history: %w", err)
	}

	stats := computeStats(parseAmounts(history.Val()))

	member := idgen.New() + ":" + strconv.FormatFloat(amount, 'f', 2, 64)
	pipe = s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, amountHistoryWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		s.breaker.RecordFailure(breakerKey)
		return AmountStats{}, fmt.Errorf("record amount: %w", err)
	}
	s.breaker.RecordSuccess(breakerKey)

	return stats, nil
}

func (s *RedisStore) SeenDevice(ctx context.Context, userID, deviceID string) (bool, int64, error) {
	return s.seenMember(ctx, devicesKey(userID), deviceID, deviceSetTTL)
}

func (s *RedisStore) SeenRecipient(ctx context.Context, userID, vpa string) (bool, int64, error) {
	return s.seenMember(ctx, recipientsKey(userID), vpa, recipientSetTTL)
}

func (s *RedisStore) seenMember(ctx context.Context, key, member string, ttl time.Duration) (bool, int64, error) {
	if !s.breaker.Allow(breakerKey) {
		return false, 0, ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	seen := pipe.SIsMember(ctx, key, member)
	pipe.SAdd(ctx, key, member)
	total := pipe.SCard(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.breaker.RecordFailure(breakerKey)
		return false, 0, fmt.Errorf("check member set: %w", err)
	}
	s.breaker.RecordSuccess(breakerKey)

	return seen.Val(), total.Val(), nil
}

func windowKey(userID string, h time.Duration) string {
	return "fs:" + userID + ":win:" + h.String()
}

func amountsKey(userID string) string    { return "fs:" + userID + ":amounts" }
func devicesKey(userID string) string    { return "fs:" + userID + ":devices" }
func recipientsKey(userID string) string { return "fs:" + userID + ":recipients" }

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// parseAmounts extracts the amount from "id:amount" members.
func parseAmounts(members []string) []float64 {
	out := make([]float64, 0, len(members))
	for _, m := range members {
		i := strings.LastIndexByte(m, ':')
		if i < 0 {
			continue
		}
		if v, err := strconv.ParseFloat(m[i+1:], 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
