package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/datakeep/searchsync"
)

// loadChunk bounds one RPUSH pipeline command while loading the cycle set.
const loadChunk = 10000

// Redis is the remote queue backend over Redis list/hash primitives. It gives
// cross-process durability: a worker in another process can drain the same
// cycle.
type Redis struct {
	client    *redis.Client
	name      string
	maxSize   int
	workerSeq int
}

// NewRedis opens a client for the configured server and returns the backend.
// The connection is verified lazily; the first failing call triggers the
// one-way failover in the wrapper.
func NewRedis(cfg searchsync.RedisQueueConfig, name string, maxSize int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, name: name, maxSize: maxSize}
}

func (r *Redis) queueKey() string { return r.name + ":uuids" }
func (r *Redis) errsKey() string  { return r.name + ":errors" }
func (r *Redis) metaKey() string  { return r.name + ":meta" }

func (r *Redis) counts(ctx context.Context) (pending, loaded, done int64, err error) {
	pending, err = r.client.LLen(ctx, r.queueKey()).Result()
	if err != nil {
		return 0, 0, 0, searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	vals, err := r.client.HMGet(ctx, r.metaKey(), "loaded", "confirmed", "errored").Result()
	if err != nil {
		return 0, 0, 0, searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	toInt := func(v any) int64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		var n int64
		fmt.Sscan(s, &n)
		return n
	}
	loaded = toInt(vals[0])
	done = toInt(vals[1]) + toInt(vals[2])
	return pending, loaded, done, nil
}

// IsIndexing reports whether a cycle still has unconfirmed work.
func (r *Redis) IsIndexing(ctx context.Context) (bool, error) {
	pending, loaded, done, err := r.counts(ctx)
	if err != nil {
		return false, err
	}
	return pending > 0 || done < loaded, nil
}

// LoadUUIDs replaces the queue contents with the cycle's working set.
func (r *Redis) LoadUUIDs(ctx context.Context, uids []searchsync.UID) (int, error) {
	indexing, err := r.IsIndexing(ctx)
	if err != nil {
		return 0, err
	}
	if indexing {
		return 0, searchsync.Errorf(searchsync.AlreadyIndexing, "queue %s already holds an active cycle", r.name)
	}
	if r.maxSize > 0 && len(uids) > r.maxSize {
		uids = uids[:r.maxSize]
	}
	if err := r.client.Del(ctx, r.queueKey(), r.errsKey(), r.metaKey()).Err(); err != nil {
		return 0, searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	for beg := 0; beg < len(uids); beg += loadChunk {
		end := beg + loadChunk
		if end > len(uids) {
			end = len(uids)
		}
		vals := make([]any, 0, end-beg)
		for _, u := range uids[beg:end] {
			vals = append(vals, string(u))
		}
		if err := r.client.RPush(ctx, r.queueKey(), vals...).Err(); err != nil {
			return 0, searchsync.NewError(searchsync.QueueBackendFailed, err)
		}
	}
	if err := r.client.HSet(ctx, r.metaKey(), "loaded", len(uids), "confirmed", 0, "errored", 0).Err(); err != nil {
		return 0, searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	n, err := r.client.LLen(ctx, r.queueKey()).Result()
	if err != nil {
		return 0, searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	return int(n), nil
}

// GetWorker returns a new worker handle over this queue.
func (r *Redis) GetWorker() Worker {
	r.workerSeq++
	return &redisWorker{q: r, id: fmt.Sprintf("redis-%d", r.workerSeq)}
}

// PopErrors drains the accumulated per-UID errors.
func (r *Redis) PopErrors(ctx context.Context) ([]searchsync.IndexError, error) {
	var errs []searchsync.IndexError
	for {
		raw, err := r.client.LPop(ctx, r.errsKey()).Result()
		if err == redis.Nil {
			return errs, nil
		}
		if err != nil {
			return errs, searchsync.NewError(searchsync.QueueBackendFailed, err)
		}
		var ie searchsync.IndexError
		if jerr := json.Unmarshal([]byte(raw), &ie); jerr != nil {
			ie = searchsync.IndexError{Message: raw}
		}
		errs = append(errs, ie)
	}
}

// CloseIndexing ends the cycle and deletes the queue keys.
func (r *Redis) CloseIndexing(ctx context.Context) error {
	if err := r.client.Del(ctx, r.queueKey(), r.errsKey(), r.metaKey()).Err(); err != nil {
		return searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	return nil
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

type redisWorker struct {
	q  *Redis
	id string
}

func (w *redisWorker) ID() string { return w.id }

func (w *redisWorker) GetBatch(ctx context.Context, max int) ([]searchsync.UID, error) {
	if max <= 0 {
		max = 1
	}
	raw, err := w.q.client.LPopCount(ctx, w.q.queueKey(), max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	uids := make([]searchsync.UID, 0, len(raw))
	for _, s := range raw {
		uids = append(uids, searchsync.UID(s))
	}
	return uids, nil
}

func (w *redisWorker) Report(ctx context.Context, successes int, errs []searchsync.IndexError) error {
	if err := w.q.client.HIncrBy(ctx, w.q.metaKey(), "confirmed", int64(successes)).Err(); err != nil {
		return searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	if len(errs) == 0 {
		return nil
	}
	vals := make([]any, 0, len(errs))
	for _, e := range errs {
		b, err := json.Marshal(e)
		if err != nil {
			b = []byte(e.Message)
		}
		vals = append(vals, string(b))
	}
	if err := w.q.client.RPush(ctx, w.q.errsKey(), vals...).Err(); err != nil {
		return searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	if err := w.q.client.HIncrBy(ctx, w.q.metaKey(), "errored", int64(len(errs))).Err(); err != nil {
		return searchsync.NewError(searchsync.QueueBackendFailed, err)
	}
	return nil
}
