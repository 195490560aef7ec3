package validate

import (
	"context"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
	"github.com/webank-solution/tenant-provisioning-service/internal/model"
)

var tenantIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{2,30}$`)

// ExistsFunc reports whether a tenant id is already registered. The
// orchestrator re-checks this under the per-tenant lock; the validator's
// check only gives early feedback.
type ExistsFunc func(ctx context.Context, tenantID string) (bool, error)

// Validator checks a TenantRequest for well-formedness and uniqueness.
// It has no side effects.
type Validator struct {
	fields *validator.Validate
	exists ExistsFunc
}

func New(exists ExistsFunc) *Validator {
	return &Validator{
		fields: validator.New(),
		exists: exists,
	}
}

// Check returns nil if req is valid, or a ValidationError enumerating every
// violated rule so the caller can fix all problems in one round trip.
func (v *Validator) Check(ctx context.Context, req *model.TenantRequest) error {
	var result *multierror.Error

	if !tenantIDPattern.MatchString(req.TenantID) {
		result = multierror.Append(result,
			fmt.Errorf("tenant_id %q must match %s", req.TenantID, tenantIDPattern.String()))
	}
	if req.DisplayName == "" {
		result = multierror.Append(result, fmt.Errorf("display_name is required"))
	}
	if req.AdminEmail == "" {
		result = multierror.Append(result, fmt.Errorf("admin_email is required"))
	} else if err := v.fields.VarCtx(ctx, req.AdminEmail, "email"); err != nil {
		result = multierror.Append(result, fmt.Errorf("admin_email %q is not a valid address", req.AdminEmail))
	}

	// Only consult the registry when the id itself is plausible.
	if result == nil && v.exists != nil {
		taken, err := v.exists(ctx, req.TenantID)
		if err != nil {
			return errs.New(errs.KindTransient, fmt.Errorf("check tenant uniqueness: %w", err))
		}
		if taken {
			return errs.Newf(errs.KindConflict, "tenant %q already exists", req.TenantID)
		}
	}

	if result != nil {
		return errs.New(errs.KindValidation, result.ErrorOrNil())
	}
	return nil
}

// CheckFormat validates only the request shape, without touching the
// registry. Used by the CLI before any connection is opened.
func (v *Validator) CheckFormat(req *model.TenantRequest) error {
	stateless := &Validator{fields: v.fields}
	return stateless.Check(context.Background(), req)
}
