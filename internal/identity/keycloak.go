package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Nerzal/gocloak/v13"
	"github.com/rs/zerolog/log"

	"github.com/webank-solution/tenant-provisioning-service/internal/crypto"
	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
)

const adminClientID = "tenant-admin-cli"

// ClientCredentials are the automation credentials for a tenant's admin
// client. Returned once per run, never persisted.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// AdminUser is the initial admin account with its one-time password.
type AdminUser struct {
	ID           string
	Username     string
	TempPassword string
}

// Provisioner creates the identity-provider side of a tenant: a dedicated
// realm, an admin automation client, and the initial admin user. Every
// operation is idempotent by natural key so a partially completed run can
// be re-driven safely.
type Provisioner struct {
	client        *gocloak.GoCloak
	adminUser     string
	adminPassword string
}

func New(baseURL, adminUser, adminPassword string, timeout time.Duration) *Provisioner {
	client := gocloak.NewClient(baseURL)
	client.RestyClient().SetTimeout(timeout)
	return &Provisioner{
		client:        client,
		adminUser:     adminUser,
		adminPassword: adminPassword,
	}
}

// OrganizationName is the canonical realm name for a tenant.
func OrganizationName(tenantID string) string {
	return "tenant-" + tenantID
}

func (p *Provisioner) adminToken(ctx context.Context) (string, error) {
	jwt, err := p.client.LoginAdmin(ctx, p.adminUser, p.adminPassword, "master")
	if err != nil {
		return "", classify(err)
	}
	return jwt.AccessToken, nil
}

// EnsureOrganization creates the tenant realm if absent and returns its
// name as the organization id. An existing realm with this tenant's
// canonical name but a different display name belongs to another tenant
// and is a conflict.
func (p *Provisioner) EnsureOrganization(ctx context.Context, tenantID, displayName string) (string, error) {
	token, err := p.adminToken(ctx)
	if err != nil {
		return "", err
	}

	realm := OrganizationName(tenantID)
	existing, err := p.client.GetRealm(ctx, token, realm)
	if err == nil {
		if existing.DisplayName != nil && *existing.DisplayName != displayName {
			return "", errs.Newf(errs.KindConflict,
				"realm %s already exists for %q, requested %q", realm, *existing.DisplayName, displayName)
		}
		log.Debug().Str("realm", realm).Msg("Realm already exists, reusing")
		return realm, nil
	}
	if kind := errs.KindOf(classify(err)); kind != errs.KindNotFound {
		return "", classify(err)
	}

	_, err = p.client.CreateRealm(ctx, token, gocloak.RealmRepresentation{
		Realm:       gocloak.StringP(realm),
		DisplayName: gocloak.StringP(displayName),
		Enabled:     gocloak.BoolP(true),
	})
	if err != nil {
		if kind := errs.KindOf(classify(err)); kind == errs.KindConflict {
			// Lost a race; the realm now exists under another request.
			return "", errs.Newf(errs.KindConflict, "realm %s was created concurrently", realm)
		}
		return "", classify(err)
	}
	log.Info().Str("realm", realm).Msg("Realm created")
	return realm, nil
}

// EnsureAdminClient creates (or finds) the confidential automation client
// in the tenant realm and returns a fresh secret for it.
func (p *Provisioner) EnsureAdminClient(ctx context.Context, orgID string) (ClientCredentials, error) {
	token, err := p.adminToken(ctx)
	if err != nil {
		return ClientCredentials{}, err
	}

	clients, err := p.client.GetClients(ctx, token, orgID, gocloak.GetClientsParams{
		ClientID: gocloak.StringP(adminClientID),
	})
	if err != nil {
		return ClientCredentials{}, classify(err)
	}

	var idOfClient string
	if len(clients) > 0 && clients[0].ID != nil {
		idOfClient = *clients[0].ID
	} else {
		idOfClient, err = p.client.CreateClient(ctx, token, orgID, gocloak.Client{
			ClientID:                  gocloak.StringP(adminClientID),
			Name:                      gocloak.StringP("Tenant admin automation client"),
			ServiceAccountsEnabled:    gocloak.BoolP(true),
			DirectAccessGrantsEnabled: gocloak.BoolP(true),
			PublicClient:              gocloak.BoolP(false),
			Enabled:                   gocloak.BoolP(true),
		})
		if err != nil {
			return ClientCredentials{}, classify(err)
		}
		log.Info().Str("realm", orgID).Str("client", adminClientID).Msg("Admin client created")
	}

	// Always mint a fresh secret; the previous one was handed out exactly
	// once and is not recoverable.
	cred, err := p.client.RegenerateClientSecret(ctx, token, orgID, idOfClient)
	if err != nil {
		return ClientCredentials{}, classify(err)
	}
	if cred.Value == nil {
		return ClientCredentials{}, errs.Newf(errs.KindProtocol, "client secret response missing value for %s", adminClientID)
	}
	return ClientCredentials{ClientID: idOfClient, ClientSecret: *cred.Value}, nil
}

// EnsureAdminUser creates (or finds) the initial admin account and sets a
// generated temporary password that must be changed on first login.
func (p *Provisioner) EnsureAdminUser(ctx context.Context, orgID, email, first, last string) (AdminUser, error) {
	token, err := p.adminToken(ctx)
	if err != nil {
		return AdminUser{}, err
	}

	users, err := p.client.GetUsers(ctx, token, orgID, gocloak.GetUsersParams{
		Username: gocloak.StringP(email),
		Exact:    gocloak.BoolP(true),
	})
	if err != nil {
		return AdminUser{}, classify(err)
	}

	var userID string
	if len(users) > 0 && users[0].ID != nil {
		userID = *users[0].ID
	} else {
		userID, err = p.client.CreateUser(ctx, token, orgID, gocloak.User{
			Username:        gocloak.StringP(email),
			Email:           gocloak.StringP(email),
			FirstName:       gocloak.StringP(first),
			LastName:        gocloak.StringP(last),
			Enabled:         gocloak.BoolP(true),
			EmailVerified:   gocloak.BoolP(false),
			RequiredActions: &[]string{"UPDATE_PASSWORD"},
		})
		if err != nil {
			return AdminUser{}, classify(err)
		}
		log.Info().Str("realm", orgID).Str("username", email).Msg("Admin user created")
	}

	password, err := crypto.GeneratePassword(16)
	if err != nil {
		return AdminUser{}, fmt.Errorf("generate one-time password: %w", err)
	}
	if err := p.client.SetPassword(ctx, token, userID, orgID, password, true); err != nil {
		return AdminUser{}, classify(err)
	}

	return AdminUser{ID: userID, Username: email, TempPassword: password}, nil
}

// Login performs the direct grant as a realm user and returns an access
// token. Used by the access verifier.
func (p *Provisioner) Login(ctx context.Context, orgID, username, password string) (string, error) {
	jwt, err := p.client.Login(ctx, "admin-cli", "", orgID, username, password)
	if err != nil {
		return "", classify(err)
	}
	return jwt.AccessToken, nil
}

// DeleteOrganization removes the tenant realm. Deleting a realm that no
// longer exists is success.
func (p *Provisioner) DeleteOrganization(ctx context.Context, orgID string) error {
	token, err := p.adminToken(ctx)
	if err != nil {
		return err
	}
	err = classify(p.client.DeleteRealm(ctx, token, orgID))
	if errs.KindOf(err) == errs.KindNotFound {
		return nil
	}
	return err
}

// DeleteAdminClient removes the automation client by its internal id.
func (p *Provisioner) DeleteAdminClient(ctx context.Context, orgID, idOfClient string) error {
	token, err := p.adminToken(ctx)
	if err != nil {
		return err
	}
	err = classify(p.client.DeleteClient(ctx, token, orgID, idOfClient))
	if errs.KindOf(err) == errs.KindNotFound {
		return nil
	}
	return err
}

// DeleteAdminUser removes the admin account.
func (p *Provisioner) DeleteAdminUser(ctx context.Context, orgID, userID string) error {
	token, err := p.adminToken(ctx)
	if err != nil {
		return err
	}
	err = classify(p.client.DeleteUser(ctx, token, orgID, userID))
	if errs.KindOf(err) == errs.KindNotFound {
		return nil
	}
	return err
}

// classify maps identity-provider failures onto the provisioning error
// taxonomy. This is the single classification boundary for Keycloak calls.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.New(errs.KindTransient, err)
	}
	var apiErr *gocloak.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 404:
			return errs.New(errs.KindNotFound, err)
		case apiErr.Code == 409:
			return errs.New(errs.KindConflict, err)
		case apiErr.Code == 0, apiErr.Code >= 500, apiErr.Code == 408, apiErr.Code == 429:
			return errs.New(errs.KindTransient, err)
		default:
			return errs.New(errs.KindProtocol, err)
		}
	}
	// Connection-level failures surface as plain transport errors.
	return errs.New(errs.KindTransient, err)
}
