package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "reportbot/pkg/logx"
)

// redisStore keeps one JSON value per bucket plus a sorted-set index scored
// by target time. Failures go to a capped list.
type redisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
}

const maxFailures = 1000

// putScript applies the ledger overwrite rule atomically:
// a sent row is final, a failed row only lands on an empty key.
var putScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local row = cjson.decode(cur)
	if row.status == 'sent' or ARGV[2] ~= 'sent' then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return newRedisStore(rdb, cfg.Redis.Prefix, log), nil
}

func newRedisStore(rdb redis.UniversalClient, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "reportbot"
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) rowKey(bucket string) string { return s.prefix + ":ledger:" + bucket }
func (s *redisStore) indexKey() string            { return s.prefix + ":ledger:index" }
func (s *redisStore) failuresKey() string         { return s.prefix + ":failures" }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) PutDelivery(ctx context.Context, d Delivery) error {
	if strings.TrimSpace(d.BucketKey) == "" {
		return errors.New("storage: empty bucket key")
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	n, err := putScript.Run(ctx, s.rdb,
		[]string{s.rowKey(d.BucketKey), s.indexKey()},
		string(payload), string(d.Status), d.TargetAt.UnixMilli(), d.BucketKey,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *redisStore) GetDelivery(ctx context.Context, key string) (Delivery, bool, error) {
	raw, err := s.rdb.Get(ctx, s.rowKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	var d Delivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return Delivery{}, false, err
	}
	return d, true, nil
}

func (s *redisStore) rangeKeys(ctx context.Context, lo, hi string) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
}

func (s *redisStore) ListDeliveries(ctx context.Context, from, to time.Time) ([]Delivery, error) {
	buckets, err := s.rangeKeys(ctx,
		strconv.FormatInt(from.UnixMilli(), 10),
		"("+strconv.FormatInt(to.UnixMilli(), 10))
	if err != nil || len(buckets) == 0 {
		return nil, err
	}
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = s.rowKey(b)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// purged between the index read and MGET
			continue
		}
		var d Delivery
		if err := json.Unmarshal([]byte(str), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *redisStore) DeleteDeliveriesBefore(ctx context.Context, before time.Time) (int, error) {
	maxScore := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	buckets, err := s.rangeKeys(ctx, "-inf", maxScore)
	if err != nil || len(buckets) == 0 {
		return 0, err
	}
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = s.rowKey(b)
	}
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, keys...)
	pipe.ZRemRangeByScore(ctx, s.indexKey(), "-inf", maxScore)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(del.Val()), nil
}

func (s *redisStore) AppendFailure(ctx context.Context, f Failure) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.failuresKey(), payload)
	pipe.LTrim(ctx, s.failuresKey(), -maxFailures, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) ListFailures(ctx context.Context, since time.Time) ([]Failure, error) {
	raw, err := s.rdb.LRange(ctx, s.failuresKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []Failure
	for _, r := range raw {
		var f Failure
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			continue
		}
		if !f.FailedAt.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}
