package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/webank-solution/tenant-provisioning-service/internal/crypto"
	"github.com/webank-solution/tenant-provisioning-service/internal/model"
)

// TenantRegistry is the durable record of tenant identity, provisioning
// state, and the external resource ids created so far. It is the only
// shared mutable state in the system; the orchestrator is its only writer.
type TenantRegistry struct {
	db     *sql.DB
	cipher *crypto.Cipher
}

// NewTenantRegistry opens the registry database.
func NewTenantRegistry(dsn string, cipher *crypto.Cipher) (*TenantRegistry, error) {
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	db := stdlib.OpenDB(*config)
	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &TenantRegistry{db: db, cipher: cipher}, nil
}

// NewTenantRegistryWithDB wraps an existing handle. Used by tests.
func NewTenantRegistryWithDB(db *sql.DB, cipher *crypto.Cipher) *TenantRegistry {
	return &TenantRegistry{db: db, cipher: cipher}
}

// Close closes the database connection.
func (r *TenantRegistry) Close() error {
	return r.db.Close()
}

// Create inserts a new record in PENDING state. The admin email is
// encrypted at rest.
func (r *TenantRegistry) Create(ctx context.Context, rec *model.TenantRecord) error {
	if rec.AdminEmail != "" {
		encrypted, iv, err := r.cipher.Encrypt(rec.AdminEmail)
		if err != nil {
			return err
		}
		rec.EncryptedEmail = encrypted
		rec.EmailIV = iv
	}
	rec.Status = model.StatusPending
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	if rec.Resources == nil {
		rec.Resources = map[string]string{}
	}
	if rec.AttemptCounts == nil {
		rec.AttemptCounts = map[string]int{}
	}

	query := `
		INSERT INTO tenants (tenant_id, display_name, encrypted_email, email_iv, status, resources, attempt_counts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '{}'::jsonb, '{}'::jsonb, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.TenantID, rec.DisplayName, rec.EncryptedEmail, rec.EmailIV,
		rec.Status, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// Get retrieves a record by tenant id, nil if absent.
func (r *TenantRegistry) Get(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	query := `
		SELECT tenant_id, display_name, encrypted_email, email_iv, status, resources, attempt_counts, last_error, created_at, updated_at
		FROM tenants
		WHERE tenant_id = $1
	`
	rec := &model.TenantRecord{}
	var status string
	var resources, attempts []byte
	var lastError []byte
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&rec.TenantID, &rec.DisplayName, &rec.EncryptedEmail, &rec.EmailIV,
		&status, &resources, &attempts, &lastError,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = model.Status(status)

	if err := json.Unmarshal(resources, &rec.Resources); err != nil {
		return nil, fmt.Errorf("decode resources for %s: %w", tenantID, err)
	}
	if err := json.Unmarshal(attempts, &rec.AttemptCounts); err != nil {
		return nil, fmt.Errorf("decode attempt_counts for %s: %w", tenantID, err)
	}
	if len(lastError) > 0 {
		rec.LastError = &model.StepError{}
		if err := json.Unmarshal(lastError, rec.LastError); err != nil {
			return nil, fmt.Errorf("decode last_error for %s: %w", tenantID, err)
		}
	}

	if len(rec.EncryptedEmail) > 0 && len(rec.EmailIV) > 0 {
		email, err := r.cipher.Decrypt(rec.EncryptedEmail, rec.EmailIV)
		if err != nil {
			return nil, err
		}
		rec.AdminEmail = email
	}
	return rec, nil
}

// Exists reports whether a non-deleted record holds this tenant id.
func (r *TenantRegistry) Exists(ctx context.Context, tenantID string) (bool, error) {
	query := `SELECT COUNT(*) FROM tenants WHERE tenant_id = $1 AND status <> $2`
	var count int
	if err := r.db.QueryRowContext(ctx, query, tenantID, model.StatusDeleted).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateStatus advances the state machine cursor. The caller only proceeds
// to the next step once this commit returns.
func (r *TenantRegistry) UpdateStatus(ctx context.Context, tenantID string, status model.Status) error {
	query := `UPDATE tenants SET status = $2, updated_at = now() WHERE tenant_id = $1`
	result, err := r.db.ExecContext(ctx, query, tenantID, status)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordResource stores an external resource id under its step key.
func (r *TenantRegistry) RecordResource(ctx context.Context, tenantID, key, id string) error {
	query := `
		UPDATE tenants
		SET resources = resources || jsonb_build_object($2::text, $3::text), updated_at = now()
		WHERE tenant_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, tenantID, key, id)
	return err
}

// RemoveResource drops a resource id after its delete call succeeded
// during rollback.
func (r *TenantRegistry) RemoveResource(ctx context.Context, tenantID, key string) error {
	query := `UPDATE tenants SET resources = resources - $2, updated_at = now() WHERE tenant_id = $1`
	_, err := r.db.ExecContext(ctx, query, tenantID, key)
	return err
}

// IncrementAttempt bumps and returns the attempt counter for a step.
func (r *TenantRegistry) IncrementAttempt(ctx context.Context, tenantID, step string) (int, error) {
	query := `
		UPDATE tenants
		SET attempt_counts = jsonb_set(
			COALESCE(attempt_counts, '{}'::jsonb),
			ARRAY[$2],
			to_jsonb(COALESCE((attempt_counts ->> $2)::int, 0) + 1),
			true
		), updated_at = now()
		WHERE tenant_id = $1
		RETURNING (attempt_counts ->> $2)::int
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, tenantID, step).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SetLastError records the structured error from the most recent failed
// attempt.
func (r *TenantRegistry) SetLastError(ctx context.Context, tenantID string, stepErr *model.StepError) error {
	payload, err := json.Marshal(stepErr)
	if err != nil {
		return err
	}
	query := `UPDATE tenants SET last_error = $2, updated_at = now() WHERE tenant_id = $1`
	_, err = r.db.ExecContext(ctx, query, tenantID, payload)
	return err
}

// ClearLastError wipes last_error after a successful retry.
func (r *TenantRegistry) ClearLastError(ctx context.Context, tenantID string) error {
	query := `UPDATE tenants SET last_error = NULL, updated_at = now() WHERE tenant_id = $1`
	_, err := r.db.ExecContext(ctx, query, tenantID)
	return err
}

// Reset returns a DELETED record to PENDING with empty progress so the
// tenant id can be provisioned again. The identity fields are replaced
// with the new request's values; the old tenant's display name and email
// must not survive the reset.
func (r *TenantRegistry) Reset(ctx context.Context, rec *model.TenantRecord) error {
	rec.EncryptedEmail = nil
	rec.EmailIV = nil
	if rec.AdminEmail != "" {
		encrypted, iv, err := r.cipher.Encrypt(rec.AdminEmail)
		if err != nil {
			return err
		}
		rec.EncryptedEmail = encrypted
		rec.EmailIV = iv
	}

	query := `
		UPDATE tenants
		SET display_name = $2, encrypted_email = $3, email_iv = $4,
		    status = $5, resources = '{}'::jsonb, attempt_counts = '{}'::jsonb, last_error = NULL, updated_at = now()
		WHERE tenant_id = $1
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.TenantID, rec.DisplayName, rec.EncryptedEmail, rec.EmailIV, model.StatusPending)
	return err
}

// AppendLog writes one provisioning audit row.
func (r *TenantRegistry) AppendLog(ctx context.Context, tenantID string, runID uuid.UUID, step, status string, details interface{}) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tenant_provisioning_logs (tenant_id, run_id, step, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.ExecContext(ctx, query, tenantID, runID, step, status, detailsJSON, time.Now())
	return err
}
