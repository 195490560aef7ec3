package verify

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
)

// TokenSource authenticates a realm user and returns an access token.
type TokenSource interface {
	Login(ctx context.Context, orgID, username, password string) (string, error)
}

// OfficeLister reads the protected offices endpoint.
type OfficeLister interface {
	ListOfficeNames(ctx context.Context) ([]string, error)
}

// Verifier runs the end-to-end smoke test for a freshly provisioned
// tenant: authenticate as the new admin, call one protected endpoint, and
// confirm the baseline office is visible. A failure here never rolls back
// prior steps; the operator decides.
type Verifier struct {
	tokens  TokenSource
	offices func(token string) OfficeLister
}

func New(tokens TokenSource, offices func(token string) OfficeLister) *Verifier {
	return &Verifier{tokens: tokens, offices: offices}
}

// Verify authenticates with the one-time password and checks that
// expectedOffice is readable through the application API.
func (v *Verifier) Verify(ctx context.Context, orgID, username, password, expectedOffice string) error {
	token, err := v.tokens.Login(ctx, orgID, username, password)
	if err != nil {
		if errs.Retriable(err) {
			return err
		}
		return errs.Newf(errs.KindVerification, "admin login failed: %v", err)
	}

	names, err := v.offices(token).ListOfficeNames(ctx)
	if err != nil {
		if errs.Retriable(err) {
			return err
		}
		return errs.Newf(errs.KindVerification, "protected read failed: %v", err)
	}

	for _, name := range names {
		if name == expectedOffice {
			log.Info().Str("office", name).Msg("Smoke test passed")
			return nil
		}
	}
	return errs.Newf(errs.KindVerification, "office %q not present in response", expectedOffice)
}
