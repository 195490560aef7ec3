package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/webank-solution/tenant-provisioning-service/internal/model"
)

// RecordCache is a read-through cache for tenant records, keeping repeated
// status lookups off the registry database. Records serialize without
// email or credential fields, so nothing sensitive lands in redis. Cache
// failures are never fatal; the registry stays authoritative.
type RecordCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRecordCache(client *redis.Client, ttl time.Duration) *RecordCache {
	return &RecordCache{client: client, ttl: ttl}
}

func recordKey(tenantID string) string {
	return "tenant:record:" + tenantID
}

// Get returns the cached record for tenantID, nil on miss or error.
func (c *RecordCache) Get(ctx context.Context, tenantID string) *model.TenantRecord {
	data, err := c.client.Get(ctx, recordKey(tenantID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Record cache read failed")
		}
		return nil
	}
	rec := &model.TenantRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Record cache entry corrupt, ignoring")
		return nil
	}
	return rec
}

// Put stores rec for the cache TTL.
func (c *RecordCache) Put(ctx context.Context, rec *model.TenantRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, recordKey(rec.TenantID), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("tenant_id", rec.TenantID).Msg("Record cache write failed")
	}
}

// Invalidate drops the cached record after a state change.
func (c *RecordCache) Invalidate(ctx context.Context, tenantID string) {
	if err := c.client.Del(ctx, recordKey(tenantID)).Err(); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Record cache invalidation failed")
	}
}
