package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zsiec/rcvbuf/internal/logger"
	"github.com/zsiec/rcvbuf/internal/rcvbuf"
	"github.com/zsiec/rcvbuf/internal/transport/udp"
)

const (
	keyPrefix  = "rcvbuf:receivers:"
	activeKey  = keyPrefix + "active"
	defaultTTL = 30 * time.Second
)

var (
	ErrNotFound          = errors.New("receiver not registered")
	ErrAlreadyRegistered = errors.New("receiver already registered")
)

// Record describes a running receiver as seen by other instances.
type Record struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	ListenAddr    string       `json:"listen_addr"`
	Version       string       `json:"version"`
	Buffer        rcvbuf.Stats `json:"buffer"`
	Receiver      udp.Stats    `json:"receiver"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

var registerScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	local ok = redis.call('SET', key, ARGV[1], 'PX', tonumber(ARGV[2]), 'NX')
	if not ok then
		return 0
	end
	redis.call('SADD', active_key, ARGV[3])
	return 1
`)

var heartbeatScript = redis.NewScript(`
	local key = KEYS[1]
	local active_key = KEYS[2]
	if redis.call('EXISTS', key) == 0 then
		return 0
	end
	redis.call('SET', key, ARGV[1], 'PX', tonumber(ARGV[2]))
	redis.call('SADD', active_key, ARGV[3])
	return 1
`)

// listScript returns every live record and drops expired IDs from the active set.
var listScript = redis.NewScript(`
	local active_key = KEYS[1]
	local prefix = ARGV[1]
	local active = redis.call('SMEMBERS', active_key)
	local result = {}
	local expired = {}

	for _, id in ipairs(active) do
		local data = redis.call('GET', prefix .. id)
		if data then
			table.insert(result, data)
		else
			table.insert(expired, id)
		end
	end

	for _, id in ipairs(expired) do
		redis.call('SREM', active_key, id)
	end

	return result
`)

// RedisRegistry keeps receiver records in Redis. Each record is a JSON string
// with a TTL; the active set indexes them for listing.
type RedisRegistry struct {
	client redis.UniversalClient
	logger logger.Logger
	ttl    time.Duration
}

func NewRedisRegistry(client redis.UniversalClient, log logger.Logger, ttl time.Duration) *RedisRegistry {
	if log == nil {
		log = logger.NewNullLogger()
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisRegistry{
		client: client,
		logger: log.WithField("component", "registry"),
		ttl:    ttl,
	}
}

// TTL returns how long a record lives without a heartbeat.
func (r *RedisRegistry) TTL() time.Duration {
	return r.ttl
}

// Register stores a new record. RegisteredAt and LastHeartbeat are set on rec.
func (r *RedisRegistry) Register(ctx context.Context, rec *Record) error {
	now := time.Now()
	rec.RegisteredAt = now
	rec.LastHeartbeat = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal receiver record: %w", err)
	}

	created, err := registerScript.Run(ctx, r.client,
		[]string{keyPrefix + rec.ID, activeKey},
		data, r.ttl.Milliseconds(), rec.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to register receiver: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, rec.ID)
	}

	r.logger.WithFields(map[string]interface{}{
		"receiver_id": rec.ID,
		"hostname":    rec.Hostname,
		"listen_addr": rec.ListenAddr,
	}).Info("Receiver registered")
	return nil
}

// Heartbeat replaces an existing record and extends its TTL. It returns
// ErrNotFound once the record has expired.
func (r *RedisRegistry) Heartbeat(ctx context.Context, rec *Record) error {
	rec.LastHeartbeat = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal receiver record: %w", err)
	}

	updated, err := heartbeatScript.Run(ctx, r.client,
		[]string{keyPrefix + rec.ID, activeKey},
		data, r.ttl.Milliseconds(), rec.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	return nil
}

// Unregister removes a record.
func (r *RedisRegistry) Unregister(ctx context.Context, id string) error {
	deleted, err := r.client.Del(ctx, keyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister receiver: %w", err)
	}

	if err := r.client.SRem(ctx, activeKey, id).Err(); err != nil {
		r.logger.WithError(err).WithField("receiver_id", id).Warn("Failed to remove receiver from active set")
	}

	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	r.logger.WithField("receiver_id", id).Info("Receiver unregistered")
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get receiver: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receiver record: %w", err)
	}
	return &rec, nil
}

// List returns all live records ordered by ID.
func (r *RedisRegistry) List(ctx context.Context) ([]*Record, error) {
	res, err := listScript.Run(ctx, r.client, []string{activeKey}, keyPrefix).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list receivers: %w", err)
	}

	records := make([]*Record, 0, len(res))
	for _, val := range res {
		data, ok := val.(string)
		if !ok {
			r.logger.Warn("Invalid data type in receiver list")
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.logger.WithError(err).Warn("Failed to unmarshal receiver record")
			continue
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}
