package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/dnc-compliance-engine/internal/domain/dnc"
)

// StatusCache is a read-through cache of lookup answers.
//
// Keys embed a global epoch counter. Every registry write increments the
// epoch, so all earlier answers become unreachable at once and simply age out.
// Failures are logged and reported as misses; the registry stays the source of truth.
type StatusCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewStatusCache creates a status cache with the given upper TTL bound
func NewStatusCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StatusCache {
	return &StatusCache{
		client: client,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

func statusKey(epoch int64, tenantScope, phone string) string {
	return StatusPrefix + strconv.FormatInt(epoch, 10) + ":" + tenantScope + ":" + phone
}

func (c *StatusCache) epoch(ctx context.Context) (int64, error) {
	epoch, err := c.client.Get(ctx, EpochKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return epoch, err
}

// Get returns a cached status for phone within tenantScope, together with
// the epoch the lookup ran under. The epoch is negative when it could not be
// read; Set ignores such writes.
func (c *StatusCache) Get(ctx context.Context, tenantScope, phone string) (*dnc.DNCStatus, int64, bool) {
	epoch, err := c.epoch(ctx)
	if err != nil {
		c.logger.Warn("status cache epoch read failed", zap.Error(err))
		return nil, -1, false
	}

	data, err := c.client.Get(ctx, statusKey(epoch, tenantScope, phone)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("status cache get failed", zap.String("phone", phone), zap.Error(err))
		}
		return nil, epoch, false
	}

	var status dnc.DNCStatus
	if err := json.Unmarshal(data, &status); err != nil {
		c.logger.Warn("status cache entry corrupt", zap.String("phone", phone), zap.Error(err))
		return nil, epoch, false
	}

	// a cached block must never outlive the entry that produced it
	if status.ExpiresAt != nil && !c.now().Before(*status.ExpiresAt) {
		return nil, epoch, false
	}

	status.Cached = true
	return &status, epoch, true
}

// Set stores a status under the epoch returned by the Get that preceded the
// lookup. If a registry write advanced the epoch in between, the answer lands
// under the old key and is never read. Blocks backed by an expiring entry are
// kept no longer than the entry itself.
func (c *StatusCache) Set(ctx context.Context, epoch int64, tenantScope string, status dnc.DNCStatus) {
	if epoch < 0 {
		return
	}
	ttl := c.ttl
	if status.ExpiresAt != nil {
		if remaining := status.ExpiresAt.Sub(c.now()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}

	status.Cached = false
	data, err := json.Marshal(status)
	if err != nil {
		c.logger.Warn("status cache marshal failed", zap.Error(err))
		return
	}

	if err := c.client.Set(ctx, statusKey(epoch, tenantScope, status.PhoneNumber), data, ttl).Err(); err != nil {
		c.logger.Warn("status cache set failed", zap.String("phone", status.PhoneNumber), zap.Error(err))
	}
}

// Invalidate drops every cached status by advancing the epoch
func (c *StatusCache) Invalidate(ctx context.Context) {
	if err := c.client.Incr(ctx, EpochKey).Err(); err != nil {
		c.logger.Warn("status cache invalidation failed", zap.Error(err))
	}
}
