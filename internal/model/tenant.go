package model

import (
	"time"
)

// Status is the provisioning state machine cursor for a tenant. The
// pipeline states are ordered; terminal and failure states sit outside the
// order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusValidating      Status = "VALIDATING"
	StatusOrgCreating     Status = "ORG_CREATING"
	StatusDBCreating      Status = "DB_CREATING"
	StatusSchemaMigrating Status = "SCHEMA_MIGRATING"
	StatusConfigLoading   Status = "CONFIG_LOADING"
	StatusAdminVerifying  Status = "ADMIN_VERIFYING"
	StatusActive          Status = "ACTIVE"
	StatusFailed          Status = "FAILED"
	StatusRollingBack     Status = "ROLLING_BACK"
	StatusDeleted         Status = "DELETED"
)

// PipelineOrder is the fixed dependency order of provisioning states.
var PipelineOrder = []Status{
	StatusPending,
	StatusValidating,
	StatusOrgCreating,
	StatusDBCreating,
	StatusSchemaMigrating,
	StatusConfigLoading,
	StatusAdminVerifying,
	StatusActive,
}

// Ordinal returns the position of s in the pipeline, or -1 for states
// outside it (FAILED, ROLLING_BACK, DELETED).
func (s Status) Ordinal() int {
	for i, st := range PipelineOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further pipeline work applies to s.
func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusDeleted
}

// Resource map keys, in creation order. Rollback walks them in reverse.
const (
	ResourceOrganization = "organization"
	ResourceAdminClient  = "admin_client"
	ResourceAdminUser    = "admin_user"
	ResourceDatabase     = "database"
	ResourceMigration    = "schema_migration"
	ResourceHeadOffice   = "head_office"
)

// ResourceOrder lists resource keys in the order their owning steps record
// them.
var ResourceOrder = []string{
	ResourceOrganization,
	ResourceAdminClient,
	ResourceAdminUser,
	ResourceDatabase,
	ResourceMigration,
	ResourceHeadOffice,
}

// TenantRequest is the operator input for a new tenant.
type TenantRequest struct {
	TenantID       string `json:"tenant_id" validate:"required"`
	DisplayName    string `json:"display_name" validate:"required"`
	AdminEmail     string `json:"admin_email" validate:"required,email"`
	AdminFirstName string `json:"admin_first_name"`
	AdminLastName  string `json:"admin_last_name"`
}

// StepError is the structured last_error stored on a record after a failed
// attempt, cleared again on a successful retry.
type StepError struct {
	Kind    string `json:"kind"`
	Step    string `json:"step"`
	Message string `json:"message"`
}

// TenantRecord is the durable registry row for one tenant. Generated
// credentials are never part of it; AdminEmail is transient and stored
// encrypted.
type TenantRecord struct {
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`

	AdminEmail     string `json:"-"` // plaintext, transient
	EncryptedEmail []byte `json:"-"`
	EmailIV        []byte `json:"-"`

	Status        Status            `json:"status"`
	Resources     map[string]string `json:"resources"`
	AttemptCounts map[string]int    `json:"attempt_counts"`
	LastError     *StepError        `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
