package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix = "fanline:presence:"
	onlineSetKey      = "fanline:presence-online"
	presenceChannel   = "fanline:presence-events"
)

// Each script prunes handles whose deadline (ARGV[1], unix ms) passed, then
// keeps the online set in step with the user's hash. The set membership
// change is the transition, so exactly one process observes each one.
const pruneLua = `
local fields = redis.call('HGETALL', KEYS[1])
for i = 1, #fields, 2 do
	local deadline = tonumber(fields[i + 1])
	if deadline == nil or deadline < tonumber(ARGV[1]) then
		redis.call('HDEL', KEYS[1], fields[i])
	end
end
`

var (
	// KEYS: hash, online set. ARGV: now, user, handle, deadline, ttl ms.
	addScript = redis.NewScript(pruneLua + `
redis.call('HSET', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return redis.call('SADD', KEYS[2], ARGV[2])
`)

	// KEYS: hash, online set. ARGV: now, user, handle.
	removeScript = redis.NewScript(pruneLua + `
redis.call('HDEL', KEYS[1], ARGV[3])
if redis.call('HLEN', KEYS[1]) == 0 then
	return redis.call('SREM', KEYS[2], ARGV[2])
end
return 0
`)

	// KEYS: hash, online set. ARGV: now, user.
	sweepScript = redis.NewScript(pruneLua + `
if redis.call('HLEN', KEYS[1]) == 0 then
	return redis.call('SREM', KEYS[2], ARGV[2])
end
return 0
`)
)

// RedisMirror keeps one hash per user, handle -> liveness deadline (unix ms),
// and a set of the users that are online cluster-wide. A hash expires after
// ttl without a Touch. Handles left behind by a crashed process are pruned
// on the next change to that user or by Sweep, which then reports the user
// offline.
type RedisMirror struct {
	client *redis.Client
	clock  clockwork.Clock
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisMirror(client *redis.Client, clock clockwork.Clock, ttl time.Duration, log *zap.Logger) *RedisMirror {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisMirror{client: client, clock: clock, ttl: ttl, log: log}
}

func (m *RedisMirror) key(userID string) string {
	return presenceKeyPrefix + userID
}

func (m *RedisMirror) now() int64 {
	return m.clock.Now().UnixMilli()
}

func (m *RedisMirror) deadline() string {
	return strconv.FormatInt(m.clock.Now().Add(m.ttl).UnixMilli(), 10)
}

// Add records handle and reports whether userID just came online.
func (m *RedisMirror) Add(ctx context.Context, userID, handle string) (bool, error) {
	n, err := addScript.Run(ctx, m.client, []string{m.key(userID), onlineSetKey},
		m.now(), userID, handle, m.deadline(), m.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Remove drops handle and reports whether userID just went offline.
func (m *RedisMirror) Remove(ctx context.Context, userID, handle string) (bool, error) {
	n, err := removeScript.Run(ctx, m.client, []string{m.key(userID), onlineSetKey},
		m.now(), userID, handle).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Sweep returns the users whose last handle expired since they were
// recorded online. Each user is returned by exactly one sweeping process.
func (m *RedisMirror) Sweep(ctx context.Context) ([]string, error) {
	users, err := m.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	var gone []string
	for _, userID := range users {
		n, err := sweepScript.Run(ctx, m.client, []string{m.key(userID), onlineSetKey}, m.now(), userID).Int64()
		if err != nil {
			return gone, err
		}
		if n == 1 {
			gone = append(gone, userID)
		}
	}
	return gone, nil
}

func (m *RedisMirror) Touch(ctx context.Context, userID, handle string) error {
	key := m.key(userID)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, handle, m.deadline())
		pipe.PExpire(ctx, key, m.ttl)
		return nil
	})
	return err
}

func (m *RedisMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	fields, err := m.client.HGetAll(ctx, m.key(userID)).Result()
	if err != nil {
		return false, err
	}
	now := m.clock.Now().UnixMilli()
	for _, raw := range fields {
		if deadline, err := strconv.ParseInt(raw, 10, 64); err == nil && deadline >= now {
			return true, nil
		}
	}
	return false, nil
}

func (m *RedisMirror) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, presenceChannel, data).Err()
}

// Events subscribes to cluster transitions. The channel closes when ctx is
// done.
func (m *RedisMirror) Events(ctx context.Context) (<-chan Event, error) {
	pubsub := m.client.Subscribe(ctx, presenceChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					m.log.Warn("dropping malformed presence event", zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
