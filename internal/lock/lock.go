package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Manager provides named, TTL-bounded mutexes in Redis. Acquire is a single
// SET NX PX; it never blocks or retries. Liveness over strict exclusion: a
// crashed holder's lock self-expires after its TTL, so a stuck worker can
// never halt future executions of a job.
type Manager struct {
	client redis.Cmdable
	prefix string
	owner  string
	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithPrefix overrides the default key prefix.
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager. Each Manager instance carries its own owner token so
// Release only deletes locks this instance acquired.
func New(client redis.Cmdable, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		prefix: "lock:",
		owner:  uuid.New().String(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) key(name string) string {
	return m.prefix + name
}

// Acquire attempts to take the named lock for ttl. It returns (false, nil)
// when another holder has it; contention is not an error. A Redis failure
// returns an error rather than false so a broken cache is never mistaken
// for a free lock.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.key(name), m.owner, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.Debug("lock held elsewhere", slog.String("lock", name))
	}
	return ok, nil
}

// Release frees the named lock if this Manager still owns it. Best effort:
// a failed release only delays the next acquisition until the TTL expires.
func (m *Manager) Release(ctx context.Context, name string) {
	if err := releaseScript.Run(ctx, m.client, []string{m.key(name)}, m.owner).Err(); err != nil && err != redis.Nil {
		m.logger.Debug("lock release failed", slog.String("lock", name), slog.Any("error", err))
	}
}

// Ping reports cache connectivity for health checks.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Delete only when the stored token matches, so a later holder is never
// released by a stale owner whose lock already expired.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
