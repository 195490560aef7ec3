package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
)

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

// Locker provides the per-tenant mutual-exclusion lock held for the
// lifetime of one provisioning attempt. A second request for a tenant
// whose lock is held is rejected, never queued.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl}
}

func lockKey(tenantID string) string {
	return "tenant:provision:lock:" + tenantID
}

// Acquire takes the lock for tenantID and returns a release function.
// Returns AlreadyInProgress if another run holds it.
func (l *Locker) Acquire(ctx context.Context, tenantID string) (func(), error) {
	holder := uuid.NewString()
	key := lockKey(tenantID)

	ok, err := l.client.SetNX(ctx, key, holder, l.ttl).Result()
	if err != nil {
		return nil, errs.New(errs.KindTransient, err)
	}
	if !ok {
		return nil, errs.Newf(errs.KindAlreadyInProgress, "tenant %s already has a provisioning run in progress", tenantID)
	}

	release := func() {
		if _, err := releaseScript.Run(context.Background(), l.client, []string{key}, holder).Result(); err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to release provisioning lock, TTL will expire it")
		}
	}
	return release, nil
}
