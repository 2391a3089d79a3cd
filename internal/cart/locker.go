package cart

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockTimeout = errors.New("timed out waiting for cart lock")

// Locker serializes writers to the same cart. The returned function
// releases the lock.
type Locker interface {
	Lock(ctx context.Context, cartID string) (func(), error)
}

// MemoryLocker is a per-key mutex for single-process deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

func (l *MemoryLocker) Lock(ctx context.Context, cartID string) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[cartID]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[cartID] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(cartID, k)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.ch
			l.release(cartID, k)
		})
	}, nil
}

func (l *MemoryLocker) release(cartID string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, cartID)
	}
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// DefaultLockTTL outlives a provider call made under the lock.
const DefaultLockTTL = 2 * time.Minute

// RedisLocker holds cart locks in Redis so the API and the reconciler can
// share them. Locks expire after ttl if the holder dies.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

type RedisLockerOption func(*RedisLocker)

// WithLockTTL sets how long a held lock survives a crashed holder. It must
// exceed the longest provider call made while holding it.
func WithLockTTL(ttl time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func NewRedisLocker(client *redis.Client, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		ttl:    DefaultLockTTL,
		wait:   10 * time.Second,
		retry:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Lock(ctx context.Context, cartID string) (func(), error) {
	key := lockKey(cartID)
	token := uuid.New().String()

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, cartID)
			}
			return nil, fmt.Errorf("redis setnx failed: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, cartID)
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}

// PostgresLocker takes session advisory locks on a dedicated connection, so
// every process sharing the database serializes on the same cart. It needs
// no infrastructure beyond the database itself.
type PostgresLocker struct {
	db    *sql.DB
	wait  time.Duration
	retry time.Duration
}

func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{
		db:    db,
		wait:  10 * time.Second,
		retry: 50 * time.Millisecond,
	}
}

func (l *PostgresLocker) Lock(ctx context.Context, cartID string) (func(), error) {
	key := advisoryKey(cartID)

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, cartID)
		}
		return nil, fmt.Errorf("acquire connection for cart lock: %w", err)
	}

	for {
		var ok bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
			discard(conn)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, cartID)
			}
			return nil, fmt.Errorf("pg_try_advisory_lock failed: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, cartID)
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var released bool
			if err := conn.QueryRowContext(releaseCtx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil || !released {
				// Closing the session is the only other way to drop the lock.
				discard(conn)
				return
			}
			_ = conn.Close()
		})
	}, nil
}

// discard closes the physical connection instead of returning it to the
// pool, ending the session and any advisory lock it still holds.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

func advisoryKey(cartID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(lockKey(cartID)))
	return int64(h.Sum64())
}

func lockKey(cartID string) string {
	return fmt.Sprintf("paycart:lock:cart:%s", cartID)
}
