// Package store is the durable, user-scoped storage layer for queued jobs,
// their binary attachments, the client-work-id dedup index, and the
// failed-delete recovery backlog. All multi-record writes go through a
// single transaction so readers never observe a partially written job.
package store

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/greenpill-dev-guild/green-goods-sub008/internal/media"
)

var (
	ErrUserAddressRequired = errors.New("store: user address required")
	ErrInvalidAttachment   = errors.New("store: invalid attachment")
	ErrJobNotFound         = errors.New("store: job not found")
)

// StaleImageAge is how old an attachment row must be before the startup
// sweep considers its display handle expired.
const StaleImageAge = 1 * time.Hour

// Store wraps the connection pool together with the media manager that owns
// display handles for stored attachments. The Redis client is an optional
// read-through cache for the dedup index; a nil client disables caching
// without changing behavior.
type Store struct {
	pool   *pgxpool.Pool
	media  *media.Manager
	cache  *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

func New(pool *pgxpool.Pool, mm *media.Manager, cache *redis.Client, logger *slog.Logger) *Store {
	return &Store{
		pool:   pool,
		media:  mm,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Media exposes the handle manager so teardown code can revoke everything.
func (s *Store) Media() *media.Manager {
	return s.media
}
