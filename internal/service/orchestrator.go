package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/webank-solution/tenant-provisioning-service/internal/configload"
	"github.com/webank-solution/tenant-provisioning-service/internal/dbprov"
	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
	"github.com/webank-solution/tenant-provisioning-service/internal/identity"
	"github.com/webank-solution/tenant-provisioning-service/internal/model"
	"github.com/webank-solution/tenant-provisioning-service/internal/monitoring"
)

// Registry is the durable tenant record store the orchestrator drives.
type Registry interface {
	Create(ctx context.Context, rec *model.TenantRecord) error
	Get(ctx context.Context, tenantID string) (*model.TenantRecord, error)
	Exists(ctx context.Context, tenantID string) (bool, error)
	UpdateStatus(ctx context.Context, tenantID string, status model.Status) error
	RecordResource(ctx context.Context, tenantID, key, id string) error
	RemoveResource(ctx context.Context, tenantID, key string) error
	IncrementAttempt(ctx context.Context, tenantID, step string) (int, error)
	SetLastError(ctx context.Context, tenantID string, stepErr *model.StepError) error
	ClearLastError(ctx context.Context, tenantID string) error
	Reset(ctx context.Context, rec *model.TenantRecord) error
	AppendLog(ctx context.Context, tenantID string, runID uuid.UUID, step, status string, details interface{}) error
}

// Locker serializes provisioning runs per tenant id.
type Locker interface {
	Acquire(ctx context.Context, tenantID string) (func(), error)
}

// Validator checks request well-formedness without side effects.
type Validator interface {
	CheckFormat(req *model.TenantRequest) error
}

// IdentityProvisioner owns the identity-provider side of a tenant.
type IdentityProvisioner interface {
	EnsureOrganization(ctx context.Context, tenantID, displayName string) (string, error)
	EnsureAdminClient(ctx context.Context, orgID string) (identity.ClientCredentials, error)
	EnsureAdminUser(ctx context.Context, orgID, email, first, last string) (identity.AdminUser, error)
	DeleteOrganization(ctx context.Context, orgID string) error
	DeleteAdminClient(ctx context.Context, orgID, idOfClient string) error
	DeleteAdminUser(ctx context.Context, orgID, userID string) error
}

// DatabaseProvisioner owns the tenant database, role, and schema.
type DatabaseProvisioner interface {
	EnsureDatabase(ctx context.Context, tenantID string) (dbprov.DatabaseInfo, error)
	RunMigrations(ctx context.Context, tenantID string) (string, error)
	DropDatabase(ctx context.Context, tenantID string) error
}

// ConfigLoaderFunc pushes baseline configuration into the tenant's
// application instance using the in-memory database credentials from this
// run.
type ConfigLoaderFunc func(ctx context.Context, tenantID string, db dbprov.DatabaseInfo) (configload.BaselineResult, error)

// VerifierFunc runs the end-to-end smoke test as the new admin.
type VerifierFunc func(ctx context.Context, orgID, username, password, expectedOffice string) error

// Orchestrator sequences the provisioning pipeline for each tenant,
// persists progress after every step, retries transient failures with
// backoff, and drives rollback. Components never retry internally; all
// retry and terminal-state decisions live here.
type Orchestrator struct {
	registry   Registry
	locker     Locker
	validator  Validator
	identity   IdentityProvisioner
	database   DatabaseProvisioner
	loadConfig ConfigLoaderFunc
	verify     VerifierFunc

	headOfficeName string
	retryLimit     int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// Options carries the orchestration policy knobs.
type Options struct {
	HeadOfficeName string
	RetryLimit     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func NewOrchestrator(
	registry Registry,
	locker Locker,
	validator Validator,
	idp IdentityProvisioner,
	db DatabaseProvisioner,
	loadConfig ConfigLoaderFunc,
	verify VerifierFunc,
	opts Options,
) *Orchestrator {
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 5
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.HeadOfficeName == "" {
		opts.HeadOfficeName = "Head Office"
	}
	return &Orchestrator{
		registry:       registry,
		locker:         locker,
		validator:      validator,
		identity:       idp,
		database:       db,
		loadConfig:     loadConfig,
		verify:         verify,
		headOfficeName: opts.HeadOfficeName,
		retryLimit:     opts.RetryLimit,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
	}
}

// runState carries the secrets generated during one run. They exist only
// in memory and die with the run.
type runState struct {
	req         model.TenantRequest
	runID       uuid.UUID
	orgID       string
	clientCreds identity.ClientCredentials
	adminUser   identity.AdminUser
	dbInfo      dbprov.DatabaseInfo
}

type step struct {
	state model.Status
	run   func(ctx context.Context, st *runState) error
}

// pipeline returns the fixed dependency-ordered step list. Each step's run
// function records its external resource ids before the next state is
// committed.
func (o *Orchestrator) pipeline() []step {
	return []step{
		{state: model.StatusValidating, run: o.stepValidate},
		{state: model.StatusOrgCreating, run: o.stepIdentity},
		{state: model.StatusDBCreating, run: o.stepDatabase},
		{state: model.StatusSchemaMigrating, run: o.stepMigrations},
		{state: model.StatusConfigLoading, run: o.stepConfig},
		{state: model.StatusAdminVerifying, run: o.stepVerify},
	}
}

// Provision runs (or resumes) the provisioning pipeline for req and
// returns the final record.
func (o *Orchestrator) Provision(ctx context.Context, req model.TenantRequest) (*model.TenantRecord, error) {
	if err := o.validator.CheckFormat(&req); err != nil {
		return nil, err
	}

	release, err := o.locker.Acquire(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := o.registry.Get(ctx, req.TenantID)
	if err != nil {
		return nil, errs.New(errs.KindTransient, err)
	}

	switch {
	case rec == nil:
		rec = &model.TenantRecord{
			TenantID:    req.TenantID,
			DisplayName: req.DisplayName,
			AdminEmail:  req.AdminEmail,
		}
		if err := o.registry.Create(ctx, rec); err != nil {
			return nil, errs.New(errs.KindTransient, err)
		}
	case rec.Status == model.StatusActive:
		return rec, errs.Newf(errs.KindConflict, "tenant %s is already active", req.TenantID)
	case rec.Status == model.StatusRollingBack:
		return rec, errs.Newf(errs.KindConflict, "tenant %s is being rolled back", req.TenantID)
	case rec.Status == model.StatusDeleted:
		// A re-provisioned tenant id gets the new request's identity; the
		// deleted tenant's display name and email do not carry over.
		rec.DisplayName = req.DisplayName
		rec.AdminEmail = req.AdminEmail
		if err := o.registry.Reset(ctx, rec); err != nil {
			return nil, errs.New(errs.KindTransient, err)
		}
		rec.Status = model.StatusPending
		rec.Resources = map[string]string{}
		rec.AttemptCounts = map[string]int{}
		rec.LastError = nil
	default:
		log.Info().Str("tenant_id", req.TenantID).Str("status", string(rec.Status)).Msg("Resuming provisioning from committed state")
	}

	start := time.Now()
	st := &runState{req: req, runID: uuid.New()}
	err = o.runPipeline(ctx, rec, st)
	monitoring.ProvisioningDuration.Observe(time.Since(start).Seconds())

	final, gerr := o.registry.Get(context.Background(), req.TenantID)
	if gerr == nil && final != nil {
		rec = final
	}
	if err != nil {
		monitoring.TenantsProvisioned.WithLabelValues("failed").Inc()
		return rec, err
	}
	monitoring.TenantsProvisioned.WithLabelValues("active").Inc()
	return rec, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, rec *model.TenantRecord, st *runState) error {
	cursor := startingCursor(rec)

	for _, s := range o.pipeline() {
		if s.state.Ordinal() < cursor {
			continue
		}

		// Abort checkpoint: only between steps, never mid-call.
		if ctx.Err() != nil {
			return o.handleAbort(rec, st)
		}

		if err := o.registry.UpdateStatus(ctx, rec.TenantID, s.state); err != nil {
			return errs.WithStep(string(s.state), errs.New(errs.KindTransient, err))
		}
		rec.Status = s.state

		if err := o.runStep(ctx, rec, st, s); err != nil {
			if ctx.Err() != nil {
				return o.handleAbort(rec, st)
			}
			return o.fail(rec, st, s.state, err)
		}
	}

	if err := o.registry.UpdateStatus(ctx, rec.TenantID, model.StatusActive); err != nil {
		return errs.WithStep(string(model.StatusAdminVerifying), errs.New(errs.KindTransient, err))
	}
	rec.Status = model.StatusActive
	log.Info().Str("tenant_id", rec.TenantID).Str("run_id", st.runID.String()).Msg("Tenant provisioning complete")
	return nil
}

// startingCursor picks the first pipeline state to execute. A FAILED
// record resumes at the step recorded in last_error; an in-flight state
// re-runs itself (every component call is idempotent).
func startingCursor(rec *model.TenantRecord) int {
	if rec.Status == model.StatusFailed {
		if rec.LastError != nil {
			if ord := model.Status(rec.LastError.Step).Ordinal(); ord >= 0 {
				return ord
			}
		}
		return model.StatusValidating.Ordinal()
	}
	if ord := rec.Status.Ordinal(); ord > 0 {
		return ord
	}
	return model.StatusValidating.Ordinal()
}

// runStep executes one step with the centralized retry policy: up to the
// configured limit with exponential backoff, and only for transient
// failures.
func (o *Orchestrator) runStep(ctx context.Context, rec *model.TenantRecord, st *runState, s step) error {
	stepName := string(s.state)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.backoffInitial
	bo.MaxInterval = o.backoffMax
	bo.MaxElapsedTime = 0

	for {
		attempt, err := o.registry.IncrementAttempt(ctx, rec.TenantID, stepName)
		if err != nil {
			return errs.New(errs.KindTransient, err)
		}

		err = s.run(ctx, st)
		if err == nil {
			monitoring.StepAttempts.WithLabelValues(stepName, "success").Inc()
			if cerr := o.registry.ClearLastError(ctx, rec.TenantID); cerr != nil {
				return errs.New(errs.KindTransient, cerr)
			}
			o.logStep(rec.TenantID, st.runID, stepName, "success", nil)
			return nil
		}

		err = errs.WithStep(stepName, err)
		if !errs.Retriable(err) || attempt >= o.retryLimit {
			monitoring.StepAttempts.WithLabelValues(stepName, "failed").Inc()
			return err
		}

		monitoring.StepAttempts.WithLabelValues(stepName, "retry").Inc()
		wait := bo.NextBackOff()
		log.Warn().
			Err(err).
			Str("tenant_id", rec.TenantID).
			Str("step", stepName).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Transient failure, retrying")
		o.logStep(rec.TenantID, st.runID, stepName, "retry", map[string]interface{}{"attempt": attempt, "error": err.Error()})

		if serr := sleepCtx(ctx, wait); serr != nil {
			return errs.WithStep(stepName, errs.New(errs.KindTransient, serr))
		}
	}
}

// fail records the terminal error and moves the record to FAILED.
func (o *Orchestrator) fail(rec *model.TenantRecord, st *runState, state model.Status, err error) error {
	// Failure bookkeeping must survive a canceled run context.
	ctx := context.Background()

	stepErr := &model.StepError{
		Kind:    string(errs.KindOf(err)),
		Step:    string(state),
		Message: err.Error(),
	}
	if serr := o.registry.SetLastError(ctx, rec.TenantID, stepErr); serr != nil {
		log.Error().Err(serr).Str("tenant_id", rec.TenantID).Msg("Failed to persist last_error")
	}
	if serr := o.registry.UpdateStatus(ctx, rec.TenantID, model.StatusFailed); serr != nil {
		log.Error().Err(serr).Str("tenant_id", rec.TenantID).Msg("Failed to persist FAILED status")
	}
	rec.Status = model.StatusFailed
	rec.LastError = stepErr
	o.logStep(rec.TenantID, st.runID, string(state), "failed", map[string]interface{}{"error": err.Error()})
	monitoring.Alert("tenant provisioning failed", map[string]string{
		"tenant_id": rec.TenantID,
		"step":      string(state),
		"kind":      string(errs.KindOf(err)),
	})
	return err
}

func (o *Orchestrator) logStep(tenantID string, runID uuid.UUID, step, status string, details interface{}) {
	if err := o.registry.AppendLog(context.Background(), tenantID, runID, step, status, details); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Str("step", step).Msg("Failed to append provisioning log")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// --- step implementations ---

func (o *Orchestrator) stepValidate(ctx context.Context, st *runState) error {
	// Uniqueness is already guaranteed under the per-tenant lock by the
	// registry primary key; only the request shape is re-checked here.
	return o.validator.CheckFormat(&st.req)
}

func (o *Orchestrator) stepIdentity(ctx context.Context, st *runState) error {
	orgID, err := o.identity.EnsureOrganization(ctx, st.req.TenantID, st.req.DisplayName)
	if err != nil {
		return err
	}
	st.orgID = orgID
	if err := o.registry.RecordResource(ctx, st.req.TenantID, model.ResourceOrganization, orgID); err != nil {
		return errs.New(errs.KindTransient, err)
	}

	creds, err := o.identity.EnsureAdminClient(ctx, orgID)
	if err != nil {
		return err
	}
	st.clientCreds = creds
	if err := o.registry.RecordResource(ctx, st.req.TenantID, model.ResourceAdminClient, creds.ClientID); err != nil {
		return errs.New(errs.KindTransient, err)
	}

	user, err := o.identity.EnsureAdminUser(ctx, orgID, st.req.AdminEmail, st.req.AdminFirstName, st.req.AdminLastName)
	if err != nil {
		return err
	}
	st.adminUser = user
	if err := o.registry.RecordResource(ctx, st.req.TenantID, model.ResourceAdminUser, user.ID); err != nil {
		return errs.New(errs.KindTransient, err)
	}
	return nil
}

func (o *Orchestrator) stepDatabase(ctx context.Context, st *runState) error {
	info, err := o.database.EnsureDatabase(ctx, st.req.TenantID)
	if err != nil {
		return err
	}
	st.dbInfo = info
	if err := o.registry.RecordResource(ctx, st.req.TenantID, model.ResourceDatabase, info.Name); err != nil {
		return errs.New(errs.KindTransient, err)
	}
	return nil
}

func (o *Orchestrator) stepMigrations(ctx context.Context, st *runState) error {
	version, err := o.database.RunMigrations(ctx, st.req.TenantID)
	if err != nil {
		return err
	}
	if err := o.registry.RecordResource(ctx, st.req.TenantID, model.ResourceMigration, version); err != nil {
		return errs.New(errs.KindTransient, err)
	}
	return nil
}

func (o *Orchestrator) stepConfig(ctx context.Context, st *runState) error {
	// A resumed run has no database credential in memory; re-ensuring the
	// database rotates in a fresh one without touching the schema.
	if st.dbInfo.Name == "" {
		info, err := o.database.EnsureDatabase(ctx, st.req.TenantID)
		if err != nil {
			return err
		}
		st.dbInfo = info
	}

	result, err := o.loadConfig(ctx, st.req.TenantID, st.dbInfo)
	if err != nil {
		return err
	}
	if err := o.registry.RecordResource(ctx, st.req.TenantID, model.ResourceHeadOffice, result.HeadOfficeID); err != nil {
		return errs.New(errs.KindTransient, err)
	}
	return nil
}

func (o *Orchestrator) stepVerify(ctx context.Context, st *runState) error {
	if st.orgID == "" {
		st.orgID = identity.OrganizationName(st.req.TenantID)
	}
	// On resume the one-time password from the earlier run is gone;
	// re-ensuring the admin user rotates it.
	if st.adminUser.TempPassword == "" {
		user, err := o.identity.EnsureAdminUser(ctx, st.orgID, st.req.AdminEmail, st.req.AdminFirstName, st.req.AdminLastName)
		if err != nil {
			return err
		}
		st.adminUser = user
	}
	return o.verify(ctx, st.orgID, st.adminUser.Username, st.adminUser.TempPassword, o.headOfficeName)
}

// --- abort ---

// handleAbort rolls back an aborted run. Cancellation of the run context
// (the CLI cancels it on SIGINT/SIGTERM) is the abort request; it takes
// effect only at the checkpoint between steps, so no external call is
// interrupted midway.
func (o *Orchestrator) handleAbort(rec *model.TenantRecord, st *runState) error {
	log.Info().Str("tenant_id", rec.TenantID).Msg("Provisioning aborted, rolling back")
	o.logStep(rec.TenantID, st.runID, string(rec.Status), "aborted", nil)
	if err := o.rollbackLocked(context.Background(), rec, st.runID); err != nil {
		return err
	}
	return errs.Newf(errs.KindConflict, "provisioning of tenant %s aborted and rolled back", rec.TenantID)
}

// Status returns the last durably committed record for tenantID.
func (o *Orchestrator) Status(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	rec, err := o.registry.Get(ctx, tenantID)
	if err != nil {
		return nil, errs.New(errs.KindTransient, err)
	}
	if rec == nil {
		return nil, errs.Newf(errs.KindNotFound, "tenant %s not found", tenantID)
	}
	return rec, nil
}
