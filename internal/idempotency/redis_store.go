package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sandboxops/lease-notify/internal/domain"
)

// beginScript is the atomic admission step. Absent key: insert an in-progress
// record and admit. Existing in-progress: reject. Existing complete: return
// the cached record. Existing failed: take over in place, returning the prior
// record so delivered channels can be skipped.
var beginScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
  return {'admitted', ''}
end
local rec = cjson.decode(v)
if rec.status == 'in_progress' then
  return {'in_progress', ''}
end
if rec.status == 'complete' then
  return {'complete', v}
end
rec.status = 'in_progress'
redis.call('SET', KEYS[1], cjson.encode(rec), 'EX', ARGV[2])
return {'admitted', v}
`)

// RedisStore implements Store on a single Redis keyspace.
type RedisStore struct {
	client *redis.Client
	lg     zerolog.Logger
}

func NewRedisStore(client *redis.Client, lg zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		lg:     lg.With().Str("component", "idem_store").Logger(),
	}
}

func key(id domain.EventID) string {
	return fmt.Sprintf("notify:dispatch:%s", id)
}

func (s *RedisStore) Begin(ctx context.Context, id domain.EventID, ttl time.Duration) (Admission, error) {
	if id == "" {
		return Admission{}, fmt.Errorf("empty event id")
	}

	rec := Record{Status: StatusInProgress, StartedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Admission{}, err
	}

	secs := int64(ttl / time.Second)
	if secs <= 0 {
		secs = 3600
	}

	res, err := beginScript.Run(ctx, s.client, []string{key(id)}, string(raw), secs).Slice()
	if err != nil {
		return Admission{}, fmt.Errorf("idempotency begin: %w", err)
	}
	if len(res) != 2 {
		return Admission{}, fmt.Errorf("idempotency begin: unexpected reply %v", res)
	}

	state, _ := res[0].(string)
	payload, _ := res[1].(string)

	switch state {
	case "admitted":
		adm := Admission{Decision: Admitted}
		if payload != "" {
			var prior Record
			if err := json.Unmarshal([]byte(payload), &prior); err == nil {
				adm.Prior = prior.Results
			}
		}
		return adm, nil
	case "in_progress":
		return Admission{Decision: AlreadyInProgress}, nil
	case "complete":
		adm := Admission{Decision: AlreadyComplete}
		var prior Record
		if err := json.Unmarshal([]byte(payload), &prior); err == nil {
			adm.Prior = prior.Results
		}
		return adm, nil
	default:
		return Admission{}, fmt.Errorf("idempotency begin: unknown state %q", state)
	}
}

func (s *RedisStore) Finish(ctx context.Context, id domain.EventID, results map[string]ChannelResult, ttl time.Duration) error {
	return s.write(ctx, id, StatusComplete, results, ttl)
}

func (s *RedisStore) Fail(ctx context.Context, id domain.EventID, results map[string]ChannelResult, ttl time.Duration) error {
	return s.write(ctx, id, StatusFailed, results, ttl)
}

func (s *RedisStore) write(ctx context.Context, id domain.EventID, status Status, results map[string]ChannelResult, ttl time.Duration) error {
	if id == "" {
		return fmt.Errorf("empty event id")
	}
	rec := Record{Status: status, Results: results, StartedAt: time.Now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := s.client.Set(ctx, key(id), raw, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency %s: %w", status, err)
	}
	return nil
}
