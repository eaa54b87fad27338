package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"

	"github.com/zlnvch/drawcast/cache"
	"github.com/zlnvch/drawcast/models"
)

type RedisDrawingCache struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewRedisDrawingCache(ctx context.Context, devMode bool, redisEndpoint string, logger *slog.Logger) (*RedisDrawingCache, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return NewFromClient(client, logger), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client redis.UniversalClient, logger *slog.Logger) *RedisDrawingCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDrawingCache{client: client, logger: logger}
}

func (redisCache *RedisDrawingCache) Close() error {
	return redisCache.client.Close()
}

func (redisCache *RedisDrawingCache) Publish(ctx context.Context, channel string, message []byte) error {
	if err := redisCache.client.Publish(ctx, channel, message).Err(); err != nil {
		return err
	}
	return nil
}

func (redisCache *RedisDrawingCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	// Ensure subscription is established
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		redisCache.logger.Warn("pubsub channel closed", "channel", channel, "error", err)
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Keys carry the session id as a hash tag so that all keys of a session
// land on the same cluster slot.
func buildSessionKey(sessionId string) string {
	return "session:{" + sessionId + "}"
}

func buildSessionDataKey(sessionId string) string {
	return "session:{" + sessionId + "}:data"
}

func buildSessionCompleteKey(sessionId string) string {
	return "session:{" + sessionId + "}:complete"
}

func buildLockKey(sessionId string) string {
	return "lock:session:{" + sessionId + "}"
}

func buildPresenceCountKey(sessionId string) string {
	return "presence:{" + sessionId + "}:count"
}

func buildPresenceMembersKey(sessionId string) string {
	return "presence:{" + sessionId + "}:members"
}

const (
	cacheTTL    = 10 * time.Minute
	presenceTTL = time.Hour
	lockRetry   = 10 * time.Millisecond
)

// Deletes the lock only while it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (redisCache *RedisDrawingCache) AcquireSessionLock(ctx context.Context, sessionId string, ttl time.Duration) (func(), error) {
	token, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	key := buildLockKey(sessionId)
	deadline := time.Now().Add(ttl)

	for {
		ok, err := redisCache.client.SetNX(ctx, key, token.String(), ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", sessionId, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, cache.ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { redisCache.unlock(key, token.String(), sessionId) })
	}

	return release, nil
}

func (redisCache *RedisDrawingCache) unlock(key string, token string, sessionId string) {
	// The caller's context may already be cancelled
	releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := unlockScript.Run(releaseCtx, redisCache.client, []string{key}, token).Err(); err != nil {
		redisCache.logger.Error("failed to release session lock", "sessionId", sessionId, "error", err)
	}
}

// Split index/data layout per session:
//  1. ZSet ("session:{id}"): step ids scored by step number, keeps replay order.
//  2. Hash ("session:{id}:data"): step id -> JSON of the step.
//
// Undo removes the id from both, redo adds it back with its original score.
func (redisCache *RedisDrawingCache) AddStep(ctx context.Context, sessionId string, stepId string, step int, stepData []byte) error {
	return redisCache.AddStepsBatch(ctx, sessionId, []cache.StepCacheItem{{StepId: stepId, Step: step, Data: stepData}})
}

func (redisCache *RedisDrawingCache) AddStepsBatch(ctx context.Context, sessionId string, steps []cache.StepCacheItem) error {
	if len(steps) == 0 {
		return nil
	}

	key := buildSessionKey(sessionId)
	dataKey := buildSessionDataKey(sessionId)

	zMembers := make([]redis.Z, len(steps))
	hValues := make([]interface{}, len(steps)*2)

	for i, s := range steps {
		zMembers[i] = redis.Z{
			Score:  float64(s.Step),
			Member: s.StepId,
		}
		hValues[i*2] = s.StepId
		hValues[i*2+1] = s.Data
	}

	pipe := redisCache.client.Pipeline()
	pipe.ZAdd(ctx, key, zMembers...)
	pipe.HSet(ctx, dataKey, hValues...)
	redisCache.refreshTTL(ctx, pipe, sessionId)
	_, err := pipe.Exec(ctx)
	return err
}

func (redisCache *RedisDrawingCache) RemoveStep(ctx context.Context, sessionId string, stepId string) error {
	key := buildSessionKey(sessionId)
	dataKey := buildSessionDataKey(sessionId)

	pipe := redisCache.client.Pipeline()
	pipe.ZRem(ctx, key, stepId)
	pipe.HDel(ctx, dataKey, stepId)
	redisCache.refreshTTL(ctx, pipe, sessionId)
	_, err := pipe.Exec(ctx)
	return err
}

func (redisCache *RedisDrawingCache) GetSteps(ctx context.Context, sessionId string) ([][]byte, error) {
	key := buildSessionKey(sessionId)
	dataKey := buildSessionDataKey(sessionId)

	ids, err := redisCache.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return [][]byte{}, nil
	}

	dataMap, err := redisCache.client.HMGet(ctx, dataKey, ids...).Result()
	if err != nil {
		return nil, err
	}

	steps := make([][]byte, 0, len(ids))
	for _, item := range dataMap {
		if item == nil {
			continue
		}
		if s, ok := item.(string); ok {
			steps = append(steps, []byte(s))
		}
	}

	pipe := redisCache.client.Pipeline()
	redisCache.refreshTTL(ctx, pipe, sessionId)
	_, _ = pipe.Exec(ctx)

	return steps, nil
}

func (redisCache *RedisDrawingCache) refreshTTL(ctx context.Context, pipe redis.Pipeliner, sessionId string) {
	pipe.Expire(ctx, buildSessionCompleteKey(sessionId), cacheTTL)
	pipe.Expire(ctx, buildSessionKey(sessionId), cacheTTL)
	pipe.Expire(ctx, buildSessionDataKey(sessionId), cacheTTL)
}

func (redisCache *RedisDrawingCache) SetSessionComplete(ctx context.Context, sessionId string) error {
	completeKey := buildSessionCompleteKey(sessionId)
	return redisCache.client.Set(ctx, completeKey, "true", cacheTTL).Err()
}

func (redisCache *RedisDrawingCache) IsSessionComplete(ctx context.Context, sessionId string) (bool, error) {
	completeKey := buildSessionCompleteKey(sessionId)
	val, err := redisCache.client.Exists(ctx, completeKey).Result()
	if err != nil {
		return false, err
	}
	return val > 0, nil
}

func (redisCache *RedisDrawingCache) InvalidateSessions(ctx context.Context, sessionIds []string) error {
	if len(sessionIds) == 0 {
		return nil
	}

	// Different sessions hash to different slots, so delete them one by one.
	for _, sessionId := range sessionIds {
		key := buildSessionKey(sessionId)
		dataKey := buildSessionDataKey(sessionId)
		completeKey := buildSessionCompleteKey(sessionId)

		if err := redisCache.client.Del(ctx, key, dataKey, completeKey).Err(); err != nil {
			return err
		}
	}

	return nil
}

// Presence keeps a per member connection count next to the member info, so a
// user with several tabs open only joins and leaves once.
var joinScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("EXPIRE", KEYS[1], ARGV[3])
redis.call("EXPIRE", KEYS[2], ARGV[3])
return n
`)

var leaveScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return -1
end
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
	redis.call("HDEL", KEYS[2], ARGV[1])
end
return n
`)

func (redisCache *RedisDrawingCache) JoinPresence(ctx context.Context, sessionId string, member models.Member) (bool, error) {
	data, err := json.Marshal(member)
	if err != nil {
		return false, err
	}

	n, err := joinScript.Run(ctx, redisCache.client,
		[]string{buildPresenceCountKey(sessionId), buildPresenceMembersKey(sessionId)},
		member.Id, data, int(presenceTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("join presence: %w", err)
	}

	return n == 1, nil
}

func (redisCache *RedisDrawingCache) LeavePresence(ctx context.Context, sessionId string, memberId string) (bool, error) {
	n, err := leaveScript.Run(ctx, redisCache.client,
		[]string{buildPresenceCountKey(sessionId), buildPresenceMembersKey(sessionId)},
		memberId,
	).Int()
	if err != nil {
		return false, fmt.Errorf("leave presence: %w", err)
	}

	return n == 0, nil
}

func (redisCache *RedisDrawingCache) GetPresence(ctx context.Context, sessionId string) ([]models.Member, error) {
	raw, err := redisCache.client.HGetAll(ctx, buildPresenceMembersKey(sessionId)).Result()
	if err != nil {
		return nil, err
	}

	members := make([]models.Member, 0, len(raw))
	for _, data := range raw {
		var member models.Member
		if err := json.Unmarshal([]byte(data), &member); err != nil {
			redisCache.logger.Warn("skipping malformed presence entry", "sessionId", sessionId, "error", err)
			continue
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Id < members[j].Id })

	return members, nil
}
