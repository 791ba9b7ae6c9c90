package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"agentsched/internal/task"
	logx "agentsched/pkg/logx"
)

const redisBatch = 256

// redisBackend stores each task as a JSON string under
// "agentsched:{collection}:task:{id}" and tracks ids in the set
// "agentsched:{collection}:ids".
type redisBackend struct {
	rdb    *redis.Client
	log    logx.Logger
	prefix string
}

func openRedis(ctx context.Context, url, collection string, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("registry.url is required for redis driver")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	log.Debug("redis registry ready", logx.String("addr", opt.Addr), logx.Int("db", opt.DB))
	return &redisBackend{rdb: rdb, log: log, prefix: "agentsched:" + collection + ":"}, nil
}

func (r *redisBackend) taskKey(id string) string { return r.prefix + "task:" + id }
func (r *redisBackend) idsKey() string           { return r.prefix + "ids" }

func (r *redisBackend) Name() string { return DriverRedis }

func (r *redisBackend) Insert(ctx context.Context, t task.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ok, err := r.rdb.SetNX(ctx, r.taskKey(t.ID), b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("task " + strconv.Quote(t.ID) + " already exists")
	}
	return r.rdb.SAdd(ctx, r.idsKey(), t.ID).Err()
}

func (r *redisBackend) Get(ctx context.Context, id string) (task.Task, bool, error) {
	s, err := r.rdb.Get(ctx, r.taskKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return task.Task{}, false, nil
	}
	if err != nil {
		return task.Task{}, false, err
	}
	t, err := decodeData(s)
	if err != nil {
		return task.Task{}, false, err
	}
	return t, true, nil
}

func (r *redisBackend) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	ids := uniqueIDs(f.IDs)
	if len(ids) == 0 {
		var err error
		ids, err = r.rdb.SMembers(ctx, r.idsKey()).Result()
		if err != nil {
			return nil, err
		}
	}
	return r.mget(ctx, ids, f)
}

// uniqueIDs drops repeated ids, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (r *redisBackend) mget(ctx context.Context, ids []string, f task.Filter) ([]task.Task, error) {
	out := make([]task.Task, 0, len(ids))
	for start := 0; start < len(ids); start += redisBatch {
		end := start + redisBatch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, r.taskKey(id))
		}
		vals, err := r.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			s, ok := v.(string)
			if !ok {
				// Deleted between SMEMBERS and MGET.
				continue
			}
			t, err := decodeData(s)
			if err != nil {
				r.log.Warn("skipping undecodable task key", logx.Err(err))
				continue
			}
			if f.Match(t) {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (r *redisBackend) Replace(ctx context.Context, t task.Task, expect task.Status) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := r.taskKey(t.ID)
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		s, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return &task.NotFoundError{ID: t.ID}
		}
		if err != nil {
			return err
		}
		if expect != "" {
			cur, err := decodeData(s)
			if err != nil {
				return err
			}
			if cur.Status != expect {
				return task.ErrConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return task.ErrConflict
	}
	return err
}

func (r *redisBackend) Delete(ctx context.Context, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.taskKey(id))
		pipe.SRem(ctx, r.idsKey(), id)
		return nil
	})
	return err
}

func (r *redisBackend) Clear(ctx context.Context) error {
	ids, err := r.rdb.SMembers(ctx, r.idsKey()).Result()
	if err != nil {
		return err
	}
	for start := 0; start < len(ids); start += redisBatch {
		end := start + redisBatch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, r.taskKey(id))
		}
		if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return r.rdb.Del(ctx, r.idsKey()).Err()
}

// Scroll walks the id set with SSCAN. Page sizes are approximate and the
// order is unspecified.
func (r *redisBackend) Scroll(ctx context.Context, cursor string, limit int) ([]task.Task, string, error) {
	var cur uint64
	if cursor != "" {
		v, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", errors.New("invalid scroll cursor " + strconv.Quote(cursor))
		}
		cur = v
	}
	ids, next, err := r.rdb.SScan(ctx, r.idsKey(), cur, "", int64(limit)).Result()
	if err != nil {
		return nil, "", err
	}
	page, err := r.mget(ctx, ids, task.Filter{})
	if err != nil {
		return nil, "", err
	}
	if next == 0 {
		return page, "", nil
	}
	return page, strconv.FormatUint(next, 10), nil
}

func (r *redisBackend) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *redisBackend) Close() error {
	return r.rdb.Close()
}
