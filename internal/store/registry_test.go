package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webank-solution/tenant-provisioning-service/internal/crypto"
	"github.com/webank-solution/tenant-provisioning-service/internal/model"
)

var registryColumns = []string{
	"tenant_id", "display_name", "encrypted_email", "email_iv",
	"status", "resources", "attempt_counts", "last_error",
	"created_at", "updated_at",
}

func newMockRegistry(t *testing.T) (*TenantRegistry, sqlmock.Sqlmock, *crypto.Cipher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cipher, err := crypto.NewCipher([]byte("32-byte-key-for-aes-encryption!!"))
	require.NoError(t, err)
	return NewTenantRegistryWithDB(db, cipher), mock, cipher
}

func TestCreate_EncryptsEmailAtRest(t *testing.T) {
	registry, mock, _ := newMockRegistry(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO tenants")).
		WithArgs("acmebank", "Acme Bank", sqlmock.AnyArg(), sqlmock.AnyArg(),
			model.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &model.TenantRecord{
		TenantID:    "acmebank",
		DisplayName: "Acme Bank",
		AdminEmail:  "admin@acme.com",
	}
	require.NoError(t, registry.Create(context.Background(), rec))

	assert.Equal(t, model.StatusPending, rec.Status)
	assert.NotEmpty(t, rec.EncryptedEmail)
	assert.NotContains(t, string(rec.EncryptedEmail), "admin@acme.com")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_DecryptsEmailAndDecodesProgress(t *testing.T) {
	registry, mock, cipher := newMockRegistry(t)

	encrypted, iv, err := cipher.Encrypt("admin@acme.com")
	require.NoError(t, err)

	now := time.Now()
	rows := sqlmock.NewRows(registryColumns).AddRow(
		"acmebank", "Acme Bank", encrypted, iv,
		string(model.StatusFailed),
		[]byte(`{"organization":"tenant-acmebank","database":"tenant_acmebank"}`),
		[]byte(`{"ORG_CREATING":1,"DB_CREATING":5}`),
		[]byte(`{"kind":"transient","step":"DB_CREATING","message":"connection refused"}`),
		now, now,
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tenants")).
		WithArgs("acmebank").
		WillReturnRows(rows)

	rec, err := registry.Get(context.Background(), "acmebank")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, "admin@acme.com", rec.AdminEmail)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "tenant-acmebank", rec.Resources[model.ResourceOrganization])
	assert.Equal(t, 5, rec.AttemptCounts["DB_CREATING"])
	require.NotNil(t, rec.LastError)
	assert.Equal(t, "DB_CREATING", rec.LastError.Step)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_AbsentTenantReturnsNil(t *testing.T) {
	registry, mock, _ := newMockRegistry(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tenants")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	rec, err := registry.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExists_IgnoresDeletedRecords(t *testing.T) {
	registry, mock, _ := newMockRegistry(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM tenants")).
		WithArgs("acmebank", model.StatusDeleted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := registry.Exists(context.Background(), "acmebank")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatus_UnknownTenantFails(t *testing.T) {
	registry, mock, _ := newMockRegistry(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tenants SET status")).
		WithArgs("ghost", model.StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := registry.UpdateStatus(context.Background(), "ghost", model.StatusActive)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAndRemoveResource(t *testing.T) {
	registry, mock, _ := newMockRegistry(t)

	mock.ExpectExec(regexp.QuoteMeta("resources || jsonb_build_object")).
		WithArgs("acmebank", model.ResourceDatabase, "tenant_acmebank").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("resources = resources - $2")).
		WithArgs("acmebank", model.ResourceDatabase).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, registry.RecordResource(context.Background(), "acmebank", model.ResourceDatabase, "tenant_acmebank"))
	require.NoError(t, registry.RemoveResource(context.Background(), "acmebank", model.ResourceDatabase))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementAttempt_ReturnsNewCount(t *testing.T) {
	registry, mock, _ := newMockRegistry(t)

	mock.ExpectQuery(regexp.QuoteMeta("jsonb_set")).
		WithArgs("acmebank", "ORG_CREATING").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := registry.IncrementAttempt(context.Background(), "acmebank", "ORG_CREATING")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAndClearLastError(t *testing.T) {
	registry, mock, _ := newMockRegistry(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tenants SET last_error = $2")).
		WithArgs("acmebank", []byte(`{"kind":"transient","step":"DB_CREATING","message":"connection refused"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tenants SET last_error = NULL")).
		WithArgs("acmebank").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stepErr := &model.StepError{Kind: "transient", Step: "DB_CREATING", Message: "connection refused"}
	require.NoError(t, registry.SetLastError(context.Background(), "acmebank", stepErr))
	require.NoError(t, registry.ClearLastError(context.Background(), "acmebank"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReset_ClearsProgressAndReplacesIdentity(t *testing.T) {
	registry, mock, cipher := newMockRegistry(t)

	mock.ExpectExec(regexp.QuoteMeta("resources = '{}'::jsonb")).
		WithArgs("acmebank", "Acme Bank Rebranded", sqlmock.AnyArg(), sqlmock.AnyArg(), model.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &model.TenantRecord{
		TenantID:    "acmebank",
		DisplayName: "Acme Bank Rebranded",
		AdminEmail:  "new-admin@acme.com",
	}
	require.NoError(t, registry.Reset(context.Background(), rec))

	// The row now carries the new email, encrypted with a fresh nonce.
	require.NotEmpty(t, rec.EncryptedEmail)
	email, err := cipher.Decrypt(rec.EncryptedEmail, rec.EmailIV)
	require.NoError(t, err)
	assert.Equal(t, "new-admin@acme.com", email)
	assert.NoError(t, mock.ExpectationsWereMet())
}
