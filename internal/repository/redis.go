package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ghaggin/fieldtrack/internal/config"
	"github.com/ghaggin/fieldtrack/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

const redisDialTimeout = 3 * time.Second

type redisRepo struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRedis(c config.Redis, log *zap.Logger) (Repository, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr})
	return newRedisRepo(rdb, c.Prefix, log)
}

func newRedisRepo(rdb *redis.Client, prefix string, log *zap.Logger) (*redisRepo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return &redisRepo{rdb: rdb, prefix: prefix, log: log}, nil
}

func (r *redisRepo) userKey(id string) string {
	return r.prefix + ":user:" + id
}

func (r *redisRepo) nameKey() string {
	return r.prefix + ":user:names"
}

func (r *redisRepo) seqKey() string {
	return r.prefix + ":user:seq"
}

func (r *redisRepo) setKey() string {
	return r.prefix + ":users"
}

func (r *redisRepo) Close() error {
	return r.rdb.Close()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func userFromHash(id string, h map[string]string) (*model.User, error) {
	if len(h) == 0 {
		return nil, ErrNotFound
	}

	u := &model.User{
		ID:           id,
		Name:         h["name"],
		PasswordHash: h["password_hash"],
		IsAdmin:      h["is_admin"] == "1",
		Online:       h["online"] == "1",
	}
	if v, err := strconv.ParseInt(h["last_active"], 10, 64); err == nil && v != 0 {
		u.LastActive = time.UnixMicro(v)
	}
	return u, nil
}

func (r *redisRepo) GetUserByName(ctx context.Context, name string) (*model.User, error) {
	id, err := r.rdb.HGet(ctx, r.nameKey(), name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetUserByID(ctx, id)
}

func (r *redisRepo) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	h, err := r.rdb.HGetAll(ctx, r.userKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return userFromHash(id, h)
}

func (r *redisRepo) AddUser(ctx context.Context, user *model.User) error {
	seq, err := r.rdb.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return err
	}
	id := strconv.FormatInt(seq, 10)

	ok, err := r.rdb.HSetNX(ctx, r.nameKey(), user.Name, id).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicate
	}

	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.userKey(id),
			"name", user.Name,
			"password_hash", user.PasswordHash,
			"is_admin", boolField(user.IsAdmin),
			"online", boolField(user.Online),
			"last_active", strconv.FormatInt(unixMicro(user.LastActive), 10),
		)
		p.SAdd(ctx, r.setKey(), id)
		return nil
	})
	if err != nil {
		// release the name so the user can be added again
		cctx := context.WithoutCancel(ctx)
		if _, cerr := r.rdb.Pipelined(cctx, func(p redis.Pipeliner) error {
			p.HDel(cctx, r.nameKey(), user.Name)
			p.SRem(cctx, r.setKey(), id)
			return nil
		}); cerr != nil {
			r.log.Error("failed releasing user name", zap.String("name", user.Name), zap.Error(cerr))
		}
		return err
	}

	user.ID = id
	return nil
}

func (r *redisRepo) GetUsers(ctx context.Context) ([]model.User, error) {
	ids, err := r.rdb.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, err
	}

	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})

	users := make([]model.User, 0, len(ids))
	for _, id := range ids {
		u, err := r.GetUserByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			r.log.Warn("user id indexed without a record", zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}

func (r *redisRepo) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	n, err := r.rdb.Exists(ctx, r.userKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return r.rdb.HSet(ctx, r.userKey(id),
		"online", boolField(online),
		"last_active", strconv.FormatInt(unixMicro(at), 10),
	).Err()
}

// Acquire pins a dedicated connection out of the client pool.
func (r *redisRepo) Acquire(ctx context.Context) (Handle, error) {
	conn := r.rdb.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return &redisHandle{conn: conn, key: r.userKey}, nil
}

type redisHandle struct {
	conn *redis.Conn
	key  func(id string) string
}

func (h *redisHandle) IsOnline(ctx context.Context, id string) (bool, error) {
	v, err := h.conn.HGet(ctx, h.key(id), "online").Result()
	if errors.Is(err, redis.Nil) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (h *redisHandle) Close() error {
	return h.conn.Close()
}
