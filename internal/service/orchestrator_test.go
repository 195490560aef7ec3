package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webank-solution/tenant-provisioning-service/internal/configload"
	"github.com/webank-solution/tenant-provisioning-service/internal/dbprov"
	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
	"github.com/webank-solution/tenant-provisioning-service/internal/identity"
	"github.com/webank-solution/tenant-provisioning-service/internal/model"
	"github.com/webank-solution/tenant-provisioning-service/internal/validate"
)

// fakeRegistry is an in-memory Registry for orchestrator tests.
type fakeRegistry struct {
	mu      sync.Mutex
	records map[string]*model.TenantRecord
	logs    []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: map[string]*model.TenantRecord{}}
}

func (r *fakeRegistry) Create(ctx context.Context, rec *model.TenantRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.Status = model.StatusPending
	rec.Resources = map[string]string{}
	rec.AttemptCounts = map[string]int{}
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	copy := *rec
	r.records[rec.TenantID] = &copy
	return nil
}

func (r *fakeRegistry) Get(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tenantID]
	if !ok {
		return nil, nil
	}
	copy := *rec
	copy.Resources = map[string]string{}
	for k, v := range rec.Resources {
		copy.Resources[k] = v
	}
	copy.AttemptCounts = map[string]int{}
	for k, v := range rec.AttemptCounts {
		copy.AttemptCounts[k] = v
	}
	return &copy, nil
}

func (r *fakeRegistry) Exists(ctx context.Context, tenantID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[tenantID]
	return ok && rec.Status != model.StatusDeleted, nil
}

func (r *fakeRegistry) UpdateStatus(ctx context.Context, tenantID string, status model.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[tenantID].Status = status
	return nil
}

func (r *fakeRegistry) RecordResource(ctx context.Context, tenantID, key, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[tenantID].Resources[key] = id
	return nil
}

func (r *fakeRegistry) RemoveResource(ctx context.Context, tenantID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records[tenantID].Resources, key)
	return nil
}

func (r *fakeRegistry) IncrementAttempt(ctx context.Context, tenantID, step string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[tenantID].AttemptCounts[step]++
	return r.records[tenantID].AttemptCounts[step], nil
}

func (r *fakeRegistry) SetLastError(ctx context.Context, tenantID string, stepErr *model.StepError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[tenantID].LastError = stepErr
	return nil
}

func (r *fakeRegistry) ClearLastError(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[tenantID].LastError = nil
	return nil
}

func (r *fakeRegistry) Reset(ctx context.Context, rec *model.TenantRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.records[rec.TenantID]
	stored.DisplayName = rec.DisplayName
	stored.AdminEmail = rec.AdminEmail
	stored.Status = model.StatusPending
	stored.Resources = map[string]string{}
	stored.AttemptCounts = map[string]int{}
	stored.LastError = nil
	return nil
}

func (r *fakeRegistry) AppendLog(ctx context.Context, tenantID string, runID uuid.UUID, step, status string, details interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, step+":"+status)
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (l *fakeLocker) Acquire(ctx context.Context, tenantID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[tenantID] {
		return nil, errs.Newf(errs.KindAlreadyInProgress, "tenant %s already has a provisioning run in progress", tenantID)
	}
	l.held[tenantID] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, tenantID)
	}, nil
}

// fakeIdentity scripts failures per operation name.
type fakeIdentity struct {
	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
	deletes  []string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{failures: map[string][]error{}, calls: map[string]int{}}
}

func (f *fakeIdentity) nextErr(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

func (f *fakeIdentity) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeIdentity) EnsureOrganization(ctx context.Context, tenantID, displayName string) (string, error) {
	if err := f.nextErr("EnsureOrganization"); err != nil {
		return "", err
	}
	return identity.OrganizationName(tenantID), nil
}

func (f *fakeIdentity) EnsureAdminClient(ctx context.Context, orgID string) (identity.ClientCredentials, error) {
	if err := f.nextErr("EnsureAdminClient"); err != nil {
		return identity.ClientCredentials{}, err
	}
	return identity.ClientCredentials{ClientID: "client-" + orgID, ClientSecret: "s3cret"}, nil
}

func (f *fakeIdentity) EnsureAdminUser(ctx context.Context, orgID, email, first, last string) (identity.AdminUser, error) {
	if err := f.nextErr("EnsureAdminUser"); err != nil {
		return identity.AdminUser{}, err
	}
	return identity.AdminUser{ID: "user-" + orgID, Username: email, TempPassword: "temp-pass"}, nil
}

func (f *fakeIdentity) delete(op, id string) error {
	if err := f.nextErr(op); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeIdentity) DeleteOrganization(ctx context.Context, orgID string) error {
	return f.delete("DeleteOrganization", orgID)
}

func (f *fakeIdentity) DeleteAdminClient(ctx context.Context, orgID, idOfClient string) error {
	return f.delete("DeleteAdminClient", idOfClient)
}

func (f *fakeIdentity) DeleteAdminUser(ctx context.Context, orgID, userID string) error {
	return f.delete("DeleteAdminUser", userID)
}

type fakeDatabase struct {
	mu            sync.Mutex
	failures      map[string][]error
	ensureCalls   int
	migrateCalls  int
	dropCalls     int
	droppedTenant string
}

func newFakeDatabase() *fakeDatabase { return &fakeDatabase{failures: map[string][]error{}} }

func (f *fakeDatabase) nextErr(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

func (f *fakeDatabase) EnsureDatabase(ctx context.Context, tenantID string) (dbprov.DatabaseInfo, error) {
	f.mu.Lock()
	f.ensureCalls++
	f.mu.Unlock()
	if err := f.nextErr("EnsureDatabase"); err != nil {
		return dbprov.DatabaseInfo{}, err
	}
	name := dbprov.DatabaseName(tenantID)
	return dbprov.DatabaseInfo{Name: name, Role: name + "_app", Password: "db-pass", DSN: "postgres://fake"}, nil
}

func (f *fakeDatabase) RunMigrations(ctx context.Context, tenantID string) (string, error) {
	f.mu.Lock()
	f.migrateCalls++
	f.mu.Unlock()
	if err := f.nextErr("RunMigrations"); err != nil {
		return "", err
	}
	return "v2", nil
}

func (f *fakeDatabase) DropDatabase(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	f.dropCalls++
	f.droppedTenant = tenantID
	f.mu.Unlock()
	return f.nextErr("DropDatabase")
}

type fixture struct {
	registry *fakeRegistry
	locker   *fakeLocker
	idp      *fakeIdentity
	db       *fakeDatabase
	orch     *Orchestrator

	verifyErr    error
	verifyCalled int
	onLoadConfig func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: newFakeRegistry(),
		locker:   newFakeLocker(),
		idp:      newFakeIdentity(),
		db:       newFakeDatabase(),
	}
	loadConfig := func(ctx context.Context, tenantID string, info dbprov.DatabaseInfo) (configload.BaselineResult, error) {
		if info.Password == "" {
			return configload.BaselineResult{}, fmt.Errorf("missing database credential")
		}
		if f.onLoadConfig != nil {
			f.onLoadConfig()
		}
		return configload.BaselineResult{HeadOfficeID: "1"}, nil
	}
	verifyFn := func(ctx context.Context, orgID, username, password, expectedOffice string) error {
		f.verifyCalled++
		return f.verifyErr
	}
	f.orch = NewOrchestrator(
		f.registry, f.locker, validate.New(nil), f.idp, f.db, loadConfig, verifyFn,
		Options{RetryLimit: 5, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond},
	)
	return f
}

func request() model.TenantRequest {
	return model.TenantRequest{
		TenantID:       "acmebank",
		DisplayName:    "Acme Bank",
		AdminEmail:     "admin@acme.com",
		AdminFirstName: "Jane",
		AdminLastName:  "Doe",
	}
}

func TestProvision_FreshTenant(t *testing.T) {
	f := newFixture(t)

	rec, err := f.orch.Provision(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, "tenant-acmebank", rec.Resources[model.ResourceOrganization])
	assert.Equal(t, "tenant_acmebank", rec.Resources[model.ResourceDatabase])
	assert.Equal(t, "user-tenant-acmebank", rec.Resources[model.ResourceAdminUser])
	assert.Equal(t, "v2", rec.Resources[model.ResourceMigration])
	assert.Equal(t, "1", rec.Resources[model.ResourceHeadOffice])
	assert.Equal(t, 1, rec.AttemptCounts[string(model.StatusOrgCreating)])
	assert.Equal(t, 1, f.verifyCalled)
	assert.Nil(t, rec.LastError)
}

func TestProvision_SecondRequestRejectedWhileInProgress(t *testing.T) {
	f := newFixture(t)

	release, err := f.locker.Acquire(context.Background(), "acmebank")
	require.NoError(t, err)
	defer release()

	_, err = f.orch.Provision(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, errs.KindAlreadyInProgress, errs.KindOf(err))
	assert.Equal(t, errs.ExitConflict, errs.ExitCode(err))
}

func TestProvision_RetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.idp.failures["EnsureOrganization"] = append(
			f.idp.failures["EnsureOrganization"],
			errs.Newf(errs.KindTransient, "identity provider returned 503"),
		)
	}

	rec, err := f.orch.Provision(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, 4, rec.AttemptCounts[string(model.StatusOrgCreating)])
	assert.Nil(t, rec.LastError)
}

func TestProvision_ExhaustedRetriesFails(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.idp.failures["EnsureOrganization"] = append(
			f.idp.failures["EnsureOrganization"],
			errs.Newf(errs.KindTransient, "identity provider unreachable"),
		)
	}

	rec, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, errs.ExitTransient, errs.ExitCode(err))
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, 5, rec.AttemptCounts[string(model.StatusOrgCreating)])
	require.NotNil(t, rec.LastError)
	assert.Equal(t, string(model.StatusOrgCreating), rec.LastError.Step)
}

func TestProvision_FatalMigrationErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	f.db.failures["RunMigrations"] = []error{
		errs.Newf(errs.KindProtocol, `syntax error at or near "CREATE"`),
	}

	rec, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)

	assert.Equal(t, model.StatusFailed, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, string(model.StatusSchemaMigrating), rec.LastError.Step)
	assert.Equal(t, string(errs.KindProtocol), rec.LastError.Kind)
	// The database step committed before the failure and stays recorded.
	assert.Equal(t, "tenant_acmebank", rec.Resources[model.ResourceDatabase])
	assert.Equal(t, 1, rec.AttemptCounts[string(model.StatusSchemaMigrating)])
	assert.Equal(t, 1, f.db.migrateCalls)
}

func TestProvision_ConflictNotRetried(t *testing.T) {
	f := newFixture(t)
	f.idp.failures["EnsureOrganization"] = []error{
		errs.Newf(errs.KindConflict, "realm tenant-acmebank already exists for another tenant"),
	}

	rec, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, errs.ExitConflict, errs.ExitCode(err))
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, 1, f.idp.callCount("EnsureOrganization"))
}

func TestProvision_AlreadyActiveConflicts(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Provision(context.Background(), request())
	require.NoError(t, err)

	_, err = f.orch.Provision(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestProvision_ResumeSkipsCommittedSteps(t *testing.T) {
	f := newFixture(t)

	// Crash happened after the DB_CREATING -> SCHEMA_MIGRATING transition
	// committed but before migrations finished.
	req := request()
	rec := &model.TenantRecord{TenantID: req.TenantID, DisplayName: req.DisplayName, AdminEmail: req.AdminEmail}
	require.NoError(t, f.registry.Create(context.Background(), rec))
	require.NoError(t, f.registry.UpdateStatus(context.Background(), req.TenantID, model.StatusSchemaMigrating))
	require.NoError(t, f.registry.RecordResource(context.Background(), req.TenantID, model.ResourceOrganization, "tenant-acmebank"))
	require.NoError(t, f.registry.RecordResource(context.Background(), req.TenantID, model.ResourceAdminClient, "client-tenant-acmebank"))
	require.NoError(t, f.registry.RecordResource(context.Background(), req.TenantID, model.ResourceAdminUser, "user-tenant-acmebank"))
	require.NoError(t, f.registry.RecordResource(context.Background(), req.TenantID, model.ResourceDatabase, "tenant_acmebank"))

	out, err := f.orch.Provision(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.StatusActive, out.Status)
	assert.Equal(t, 1, f.db.migrateCalls)
	// Identity creation never re-runs; only the admin credential rotation
	// for verification touches the provider again.
	assert.Equal(t, 0, f.idp.callCount("EnsureOrganization"))
	assert.Equal(t, 0, f.idp.callCount("EnsureAdminClient"))
	assert.Equal(t, 1, f.idp.callCount("EnsureAdminUser"))
}

func TestProvision_ResumeFromFailedUsesLastErrorStep(t *testing.T) {
	f := newFixture(t)
	f.db.failures["RunMigrations"] = []error{
		errs.Newf(errs.KindTransient, "connection reset"),
		errs.Newf(errs.KindTransient, "connection reset"),
		errs.Newf(errs.KindTransient, "connection reset"),
		errs.Newf(errs.KindTransient, "connection reset"),
		errs.Newf(errs.KindTransient, "connection reset"),
	}

	_, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)

	rec, err := f.orch.Provision(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)
	// First run: org created once. Resume starts at SCHEMA_MIGRATING.
	assert.Equal(t, 1, f.idp.callCount("EnsureOrganization"))
}

func TestProvision_VerificationFailureRequiresOperator(t *testing.T) {
	f := newFixture(t)
	f.verifyErr = errs.Newf(errs.KindVerification, "office not visible")

	rec, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, errs.ExitVerification, errs.ExitCode(err))
	assert.Equal(t, model.StatusFailed, rec.Status)
	// No automatic rollback: everything created stays recorded.
	assert.Equal(t, "tenant_acmebank", rec.Resources[model.ResourceDatabase])
	assert.Equal(t, "tenant-acmebank", rec.Resources[model.ResourceOrganization])
	assert.Equal(t, 0, f.db.dropCalls)
}

func TestRollback_WalksResourcesInReverse(t *testing.T) {
	f := newFixture(t)
	f.verifyErr = errs.Newf(errs.KindVerification, "office not visible")
	_, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)

	rec, err := f.orch.Rollback(context.Background(), "acmebank")
	require.NoError(t, err)

	assert.Equal(t, model.StatusDeleted, rec.Status)
	assert.Empty(t, rec.Resources)
	assert.Equal(t, 1, f.db.dropCalls)
	assert.Equal(t, "acmebank", f.db.droppedTenant)
	// Identity deletes run user, then client, then organization.
	assert.Equal(t, []string{"user-tenant-acmebank", "client-tenant-acmebank", "tenant-acmebank"}, f.idp.deletes)
}

func TestRollback_MissingResourcesTreatedAsDeleted(t *testing.T) {
	f := newFixture(t)
	f.verifyErr = errs.Newf(errs.KindVerification, "office not visible")
	_, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)

	f.idp.failures["DeleteOrganization"] = []error{errs.Newf(errs.KindNotFound, "realm not found")}

	rec, err := f.orch.Rollback(context.Background(), "acmebank")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, rec.Status)
}

func TestRollback_FailureLeavesManualAnnotation(t *testing.T) {
	f := newFixture(t)
	f.verifyErr = errs.Newf(errs.KindVerification, "office not visible")
	_, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)

	f.db.failures["DropDatabase"] = []error{errs.Newf(errs.KindProtocol, "database is being accessed by other users")}

	rec, err := f.orch.Rollback(context.Background(), "acmebank")
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, rec.Status)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, rec.LastError.Message, "manual intervention required")
	// The database id is still recorded; nothing is silently lost.
	assert.Equal(t, "tenant_acmebank", rec.Resources[model.ResourceDatabase])
}

func TestRollback_DeletedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.verifyErr = errs.Newf(errs.KindVerification, "office not visible")
	_, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)

	_, err = f.orch.Rollback(context.Background(), "acmebank")
	require.NoError(t, err)

	rec, err := f.orch.Rollback(context.Background(), "acmebank")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, rec.Status)
	assert.Equal(t, 1, f.db.dropCalls)
}

func TestProvision_AfterDeleteStartsFresh(t *testing.T) {
	f := newFixture(t)
	f.verifyErr = errs.Newf(errs.KindVerification, "office not visible")
	_, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)
	_, err = f.orch.Rollback(context.Background(), "acmebank")
	require.NoError(t, err)

	f.verifyErr = nil
	rec, err := f.orch.Provision(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, "tenant-acmebank", rec.Resources[model.ResourceOrganization])
}

func TestProvision_AfterDeleteReplacesIdentityFields(t *testing.T) {
	f := newFixture(t)
	f.verifyErr = errs.Newf(errs.KindVerification, "office not visible")
	_, err := f.orch.Provision(context.Background(), request())
	require.Error(t, err)
	_, err = f.orch.Rollback(context.Background(), "acmebank")
	require.NoError(t, err)

	f.verifyErr = nil
	req := request()
	req.DisplayName = "Acme Bank Rebranded"
	req.AdminEmail = "new-admin@acme.com"

	rec, err := f.orch.Provision(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, rec.Status)
	// The old tenant's identity does not survive the reset.
	assert.Equal(t, "Acme Bank Rebranded", rec.DisplayName)
	assert.Equal(t, "new-admin@acme.com", rec.AdminEmail)
}

func TestProvision_CancellationRollsBackAtCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel while configuration loading is in flight. The step finishes;
	// the abort takes effect at the checkpoint before ADMIN_VERIFYING.
	f.onLoadConfig = cancel

	rec, err := f.orch.Provision(ctx, request())
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	// The in-flight step was never interrupted and the next one never ran.
	assert.Equal(t, 0, f.verifyCalled)

	// Everything created so far was compensated in reverse order.
	assert.Equal(t, model.StatusDeleted, rec.Status)
	assert.Empty(t, rec.Resources)
	assert.Equal(t, 1, f.db.dropCalls)
	assert.Equal(t, []string{"user-tenant-acmebank", "client-tenant-acmebank", "tenant-acmebank"}, f.idp.deletes)
}

func TestStatus_UnknownTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Status(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}
