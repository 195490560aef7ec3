package service

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
	"github.com/webank-solution/tenant-provisioning-service/internal/identity"
	"github.com/webank-solution/tenant-provisioning-service/internal/model"
	"github.com/webank-solution/tenant-provisioning-service/internal/monitoring"
)

// Rollback deprovisions a tenant: it walks the recorded resources in
// reverse creation order, issuing idempotent delete calls, and ends in
// DELETED. A rollback that itself fails leaves the record FAILED with a
// manual-intervention annotation; orphaned resources are never silently
// forgotten.
func (o *Orchestrator) Rollback(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	release, err := o.locker.Acquire(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := o.registry.Get(ctx, tenantID)
	if err != nil {
		return nil, errs.New(errs.KindTransient, err)
	}
	if rec == nil {
		return nil, errs.Newf(errs.KindNotFound, "tenant %s not found", tenantID)
	}
	if rec.Status == model.StatusDeleted {
		return rec, nil
	}

	if err := o.rollbackLocked(ctx, rec, uuid.New()); err != nil {
		return rec, err
	}
	final, gerr := o.registry.Get(ctx, tenantID)
	if gerr == nil && final != nil {
		rec = final
	}
	return rec, nil
}

// rollbackLocked performs the compensation walk. The caller holds the
// per-tenant lock.
func (o *Orchestrator) rollbackLocked(ctx context.Context, rec *model.TenantRecord, runID uuid.UUID) error {
	if err := o.registry.UpdateStatus(ctx, rec.TenantID, model.StatusRollingBack); err != nil {
		return errs.New(errs.KindTransient, err)
	}
	rec.Status = model.StatusRollingBack

	// Re-read so the walk covers everything durably recorded, including
	// resources committed by a previous interrupted run.
	fresh, err := o.registry.Get(ctx, rec.TenantID)
	if err != nil {
		return errs.New(errs.KindTransient, err)
	}
	if fresh != nil {
		rec.Resources = fresh.Resources
	}

	orgID := rec.Resources[model.ResourceOrganization]
	if orgID == "" {
		orgID = identity.OrganizationName(rec.TenantID)
	}

	for i := len(model.ResourceOrder) - 1; i >= 0; i-- {
		key := model.ResourceOrder[i]
		id, ok := rec.Resources[key]
		if !ok {
			continue
		}

		err := o.compensate(ctx, rec.TenantID, orgID, key, id)
		if err != nil {
			stepErr := &model.StepError{
				Kind:    string(errs.KindOf(err)),
				Step:    string(model.StatusRollingBack),
				Message: fmt.Sprintf("rollback of %s (%s) failed, manual intervention required: %v", key, id, err),
			}
			if serr := o.registry.SetLastError(context.Background(), rec.TenantID, stepErr); serr != nil {
				log.Error().Err(serr).Str("tenant_id", rec.TenantID).Msg("Failed to persist rollback error")
			}
			if serr := o.registry.UpdateStatus(context.Background(), rec.TenantID, model.StatusFailed); serr != nil {
				log.Error().Err(serr).Str("tenant_id", rec.TenantID).Msg("Failed to persist FAILED status")
			}
			rec.Status = model.StatusFailed
			rec.LastError = stepErr
			o.logStep(rec.TenantID, runID, key, "rollback_failed", map[string]interface{}{"resource_id": id, "error": err.Error()})
			monitoring.RollbacksTotal.WithLabelValues("failed").Inc()
			monitoring.Alert("tenant rollback failed", map[string]string{
				"tenant_id": rec.TenantID,
				"resource":  key,
				"id":        id,
			})
			return err
		}

		if err := o.registry.RemoveResource(ctx, rec.TenantID, key); err != nil {
			return errs.New(errs.KindTransient, err)
		}
		delete(rec.Resources, key)
		o.logStep(rec.TenantID, runID, key, "rolled_back", map[string]interface{}{"resource_id": id})
	}

	if err := o.registry.UpdateStatus(ctx, rec.TenantID, model.StatusDeleted); err != nil {
		return errs.New(errs.KindTransient, err)
	}
	rec.Status = model.StatusDeleted
	monitoring.RollbacksTotal.WithLabelValues("deleted").Inc()
	log.Info().Str("tenant_id", rec.TenantID).Msg("Tenant rolled back")
	return nil
}

// compensate issues the delete/revoke call for one recorded resource,
// retrying transient failures with the same policy as forward steps.
// Deleting a resource that no longer exists is success.
func (o *Orchestrator) compensate(ctx context.Context, tenantID, orgID, key, id string) error {
	var run func(ctx context.Context) error
	switch key {
	case model.ResourceHeadOffice, model.ResourceMigration:
		// Application configuration and schema live inside the tenant
		// database; dropping it covers them.
		return nil
	case model.ResourceDatabase:
		run = func(ctx context.Context) error { return o.database.DropDatabase(ctx, tenantID) }
	case model.ResourceAdminUser:
		run = func(ctx context.Context) error { return o.identity.DeleteAdminUser(ctx, orgID, id) }
	case model.ResourceAdminClient:
		run = func(ctx context.Context) error { return o.identity.DeleteAdminClient(ctx, orgID, id) }
	case model.ResourceOrganization:
		run = func(ctx context.Context) error { return o.identity.DeleteOrganization(ctx, id) }
	default:
		log.Warn().Str("tenant_id", tenantID).Str("resource", key).Msg("Unknown resource key, skipping")
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.backoffInitial
	bo.MaxInterval = o.backoffMax
	bo.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		err := run(ctx)
		if err == nil || errs.KindOf(err) == errs.KindNotFound {
			return nil
		}
		if !errs.Retriable(err) || attempt >= o.retryLimit {
			return err
		}
		wait := bo.NextBackOff()
		log.Warn().
			Err(err).
			Str("tenant_id", tenantID).
			Str("resource", key).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Transient rollback failure, retrying")
		if serr := sleepCtx(ctx, wait); serr != nil {
			return errs.New(errs.KindTransient, serr)
		}
	}
}
