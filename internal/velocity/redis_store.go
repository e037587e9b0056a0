package velocity

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps day totals as integer counters and the ledger as one
// sorted set per actor scored by Unix milliseconds.
//
// Totals are stored in smallest units. Redis Lua numbers are doubles, so
// totals above 2^53 units lose precision; the configured ceilings are far
// below that.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	dayTTL    time.Duration
	reserveFn *redis.Script
}

// reserveScript adds ARGV[1] to KEYS[1] only when the result stays within
// ARGV[2] (negative means no ceiling), then appends the ledger member.
// Returns {1, newTotal} on success and {0, currentTotal} on refusal.
const reserveScript = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local amt = tonumber(ARGV[1])
local ceil = tonumber(ARGV[2])
if ceil >= 0 and cur + amt > ceil then
  return {0, cur}
end
local total = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
redis.call('SADD', KEYS[3], ARGV[6])
return {1, total}
`

// NewRedisStore creates a store using keys under prefix (default "txg").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "txg"
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		dayTTL:    48 * time.Hour,
		reserveFn: redis.NewScript(reserveScript),
	}
}

func (r *RedisStore) dailyKey(actorID, dayKey string) string {
	return fmt.Sprintf("%s:daily:%s:%s", r.prefix, actorID, dayKey)
}

func (r *RedisStore) ledgerKey(actorID string) string {
	return fmt.Sprintf("%s:ledger:%s", r.prefix, actorID)
}

func (r *RedisStore) actorsKey() string {
	return r.prefix + ":ledger-actors"
}

// Ledger members are "txID|units|unixNano" so entries survive round trips exactly.
func encodeMember(e Entry) string {
	return fmt.Sprintf("%s|%s|%d", e.TxID, e.Amount.String(), e.At.UnixNano())
}

func decodeMember(actorID, member string) (Entry, error) {
	parts := strings.Split(member, "|")
	if len(parts) != 3 {
		return Entry{}, fmt.Errorf("malformed ledger member %q", member)
	}
	units, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return Entry{}, fmt.Errorf("malformed ledger amount %q", parts[1])
	}
	nanos, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed ledger time %q: %w", parts[2], err)
	}
	return Entry{TxID: parts[0], ActorID: actorID, Amount: units, At: time.Unix(0, nanos).UTC()}, nil
}

func (r *RedisStore) RecordAndAccumulate(ctx context.Context, entry Entry, dayKey string, ceiling *big.Int) (*big.Int, error) {
	ceilArg := "-1"
	if ceiling != nil {
		ceilArg = ceiling.String()
	}
	res, err := r.reserveFn.Run(ctx, r.client,
		[]string{r.dailyKey(entry.ActorID, dayKey), r.ledgerKey(entry.ActorID), r.actorsKey()},
		entry.Amount.String(),
		ceilArg,
		encodeMember(entry),
		entry.At.UnixMilli(),
		r.dayTTL.Milliseconds(),
		entry.ActorID,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve script failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected reserve reply %v", res)
	}
	okFlag, _ := res[0].(int64)
	if okFlag != 1 {
		return nil, ErrDailyLimitExceeded
	}
	total, _ := res[1].(int64)
	return big.NewInt(total), nil
}

func (r *RedisStore) DailyTotal(ctx context.Context, actorID, dayKey string) (*big.Int, error) {
	v, err := r.client.Get(ctx, r.dailyKey(actorID, dayKey)).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	total, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("malformed daily total %q", v)
	}
	return total, nil
}

func (r *RedisStore) EntriesSince(ctx context.Context, actorID string, since time.Time) ([]Entry, error) {
	members, err := r.client.ZRangeByScore(ctx, r.ledgerKey(actorID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(members))
	for _, m := range members {
		e, err := decodeMember(actorID, m)
		if err != nil {
			return nil, err
		}
		// Scores have millisecond resolution; refine with the exact timestamp.
		if e.At.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisStore) PruneBefore(ctx context.Context, cutoff time.Time, _ string, limit int) (int, error) {
	actors, err := r.client.SMembers(ctx, r.actorsKey()).Result()
	if err != nil {
		return 0, err
	}
	// Exclusive upper bound keeps entries exactly at cutoff.
	maxScore := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	removed := 0
	for _, actor := range actors {
		if limit > 0 && removed >= limit {
			break
		}
		n, err := r.client.ZRemRangeByScore(ctx, r.ledgerKey(actor), "-inf", maxScore).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
		left, err := r.client.ZCard(ctx, r.ledgerKey(actor)).Result()
		if err == nil && left == 0 {
			r.client.SRem(ctx, r.actorsKey(), actor)
		}
	}
	// Day totals expire on their own TTL.
	return removed, nil
}

var _ Store = (*RedisStore)(nil)
