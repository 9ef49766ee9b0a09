package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "stillwaiting/pkg/logx"
)

// Layout (all keys carry the configured prefix; the default prefix is a hash
// tag so every key lands in one cluster slot):
//
//	obligation:{message}:{user}       hash  message_id, channel_id, user_id, created_at
//	obligations:created               zset  member "{message}:{user}", score created_at (unix seconds)
//	obligations:owed:{channel}:{user} set   members "{message}:{user}"
//	stats:{platform}                  hash  metric -> value

// saveScript creates the obligation atomically and stamps it with the server clock.
// KEYS[1] = obligation hash, KEYS[2] = created zset, KEYS[3] = owed set
// ARGV[1..3] = message, channel, user; ARGV[4] = zset member
// Returns created_at, or 0 if the obligation already exists.
var saveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local t = redis.call("TIME")
local now = tonumber(t[1])
redis.call("HSET", KEYS[1], "message_id", ARGV[1], "channel_id", ARGV[2], "user_id", ARGV[3], "created_at", now)
redis.call("ZADD", KEYS[2], now, ARGV[4])
redis.call("SADD", KEYS[3], ARGV[4])
return now
`)

// deleteScript removes an obligation and its index entries. Missing keys are a no-op.
// KEYS[1] = obligation hash, KEYS[2] = created zset, KEYS[3] = owed set for ARGV[2]
// ARGV[1] = member, ARGV[2] = channel the caller read from the hash
// Returns 1 if deleted, 0 if absent, -1 if the stored channel is not ARGV[2].
var deleteScript = redis.NewScript(`
redis.call("ZREM", KEYS[2], ARGV[1])
local ch = redis.call("HGET", KEYS[1], "channel_id")
if not ch then
  return 0
end
if ch ~= ARGV[2] then
  return -1
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[3], ARGV[1])
return 1
`)

type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("storage opened", logx.String("addr", addr))
	return newRedisStore(client, cfg.Redis.Prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "{stillwaiting}:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, prefix: prefix, log: log}
}

func (s *redisStore) member(messageID, userID string) string { return messageID + ":" + userID }
func (s *redisStore) obligationKey(messageID, userID string) string {
	return s.prefix + "obligation:" + s.member(messageID, userID)
}
func (s *redisStore) createdKey() string { return s.prefix + "obligations:created" }
func (s *redisStore) owedKey(channelID, userID string) string {
	return s.prefix + "obligations:owed:" + channelID + ":" + userID
}
func (s *redisStore) statsKey() string { return s.prefix + "stats:" + Platform }

func (s *redisStore) SaveObligation(ctx context.Context, messageID, channelID, userID string) (Obligation, bool, error) {
	keys := []string{s.obligationKey(messageID, userID), s.createdKey(), s.owedKey(channelID, userID)}
	created, err := saveScript.Run(ctx, s.client, keys, messageID, channelID, userID, s.member(messageID, userID)).Int64()
	if err != nil {
		return Obligation{}, false, fmt.Errorf("save obligation: %w", err)
	}
	if created == 0 {
		return Obligation{}, false, nil
	}
	return Obligation{MessageID: messageID, ChannelID: channelID, UserID: userID, CreatedAt: time.Unix(created, 0)}, true, nil
}

func (s *redisStore) ObligationExists(ctx context.Context, messageID, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.obligationKey(messageID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("obligation exists: %w", err)
	}
	return n > 0, nil
}

func (s *redisStore) DeleteObligation(ctx context.Context, messageID, userID string) error {
	_, err := s.delete(ctx, messageID, userID)
	return err
}

func (s *redisStore) delete(ctx context.Context, messageID, userID string) (bool, error) {
	hkey := s.obligationKey(messageID, userID)
	member := s.member(messageID, userID)
	for attempt := 0; attempt < 3; attempt++ {
		ch, err := s.client.HGet(ctx, hkey, "channel_id").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("delete obligation: %w", err)
		}
		keys := []string{hkey, s.createdKey(), s.owedKey(ch, userID)}
		n, err := deleteScript.Run(ctx, s.client, keys, member, ch).Int64()
		if err != nil {
			return false, fmt.Errorf("delete obligation: %w", err)
		}
		if n >= 0 {
			return n == 1, nil
		}
	}
	return false, fmt.Errorf("delete obligation %s: record changed during delete", member)
}

func (s *redisStore) DeleteChannelObligations(ctx context.Context, channelID, userID string) (int, error) {
	members, err := s.client.SMembers(ctx, s.owedKey(channelID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("delete channel obligations: %w", err)
	}
	n := 0
	var stale []any
	for _, m := range members {
		msgID, uid, ok := strings.Cut(m, ":")
		if !ok {
			stale = append(stale, m)
			continue
		}
		deleted, err := s.delete(ctx, msgID, uid)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		} else {
			stale = append(stale, m)
		}
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.owedKey(channelID, userID), stale...).Err(); err != nil {
			s.log.Warn("stale index cleanup failed", logx.Int("count", len(stale)), logx.Err(err))
		}
	}
	return n, nil
}

func (s *redisStore) ExpiredObligations(ctx context.Context, threshold time.Duration) ([]Obligation, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("expired obligations: %w", err)
	}
	cut := now.Add(-threshold).Unix()
	members, err := s.client.ZRangeByScore(ctx, s.createdKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cut, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("expired obligations: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, s.prefix+"obligation:"+m)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("expired obligations: %w", err)
	}

	out := make([]Obligation, 0, len(members))
	var stale []any
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			stale = append(stale, members[i])
			continue
		}
		sec, _ := strconv.ParseInt(h["created_at"], 10, 64)
		out = append(out, Obligation{
			MessageID: h["message_id"],
			ChannelID: h["channel_id"],
			UserID:    h["user_id"],
			CreatedAt: time.Unix(sec, 0),
		})
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.createdKey(), stale...).Err(); err != nil {
			s.log.Warn("stale index cleanup failed", logx.Int("count", len(stale)), logx.Err(err))
		}
	}
	return out, nil
}

func (s *redisStore) IncrementStat(ctx context.Context, metric string) error {
	return s.client.HIncrBy(ctx, s.statsKey(), metric, 1).Err()
}

func (s *redisStore) SetStat(ctx context.Context, metric string, value int64) error {
	return s.client.HSet(ctx, s.statsKey(), metric, value).Err()
}

func (s *redisStore) Stat(ctx context.Context, metric string) (int64, error) {
	v, err := s.client.HGet(ctx, s.statsKey(), metric).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (s *redisStore) Close() error { return s.client.Close() }
