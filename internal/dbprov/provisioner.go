package dbprov

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"

	"github.com/webank-solution/tenant-provisioning-service/internal/crypto"
	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DatabaseInfo describes the tenant database created by EnsureDatabase.
// The credential is handed to the caller in memory for the current run
// only; it is never written to the registry.
type DatabaseInfo struct {
	Name     string
	Role     string
	Password string
	DSN      string
}

// Provisioner creates isolated tenant databases with a least-privilege
// role and applies the versioned tenant schema. It runs with elevated
// credentials distinct from any tenant's own role.
type Provisioner struct {
	adminDSN string
	host     string
	port     int
}

func New(adminDSN, host string, port int) *Provisioner {
	return &Provisioner{adminDSN: adminDSN, host: host, port: port}
}

// DatabaseName derives the deterministic database name for a tenant.
func DatabaseName(tenantID string) string {
	return "tenant_" + strings.ReplaceAll(tenantID, "-", "_")
}

// RoleName derives the tenant's database role name.
func RoleName(tenantID string) string {
	return DatabaseName(tenantID) + "_app"
}

// EnsureDatabase creates the tenant database and role if absent, always
// setting a freshly generated credential on the role. Re-running after a
// partial failure converges on the same database and role names.
func (p *Provisioner) EnsureDatabase(ctx context.Context, tenantID string) (DatabaseInfo, error) {
	dbName := DatabaseName(tenantID)
	roleName := RoleName(tenantID)

	password, err := crypto.GeneratePassword(20)
	if err != nil {
		return DatabaseInfo{}, fmt.Errorf("generate database credential: %w", err)
	}

	conn, err := pgx.Connect(ctx, p.adminDSN)
	if err != nil {
		return DatabaseInfo{}, classify(err)
	}
	defer conn.Close(ctx)

	roleExists, err := p.exists(ctx, conn, `SELECT 1 FROM pg_roles WHERE rolname = $1`, roleName)
	if err != nil {
		return DatabaseInfo{}, err
	}
	quotedPassword := strings.ReplaceAll(password, "'", "''")
	if roleExists {
		// Previous run's credential was handed out once and lost; rotate.
		_, err = conn.Exec(ctx, fmt.Sprintf(`ALTER ROLE %s WITH LOGIN PASSWORD '%s'`,
			pgx.Identifier{roleName}.Sanitize(), quotedPassword))
	} else {
		_, err = conn.Exec(ctx, fmt.Sprintf(`CREATE ROLE %s WITH LOGIN PASSWORD '%s' NOSUPERUSER NOCREATEDB NOCREATEROLE`,
			pgx.Identifier{roleName}.Sanitize(), quotedPassword))
	}
	if err != nil {
		return DatabaseInfo{}, classify(err)
	}

	dbExists, err := p.exists(ctx, conn, `SELECT 1 FROM pg_database WHERE datname = $1`, dbName)
	if err != nil {
		return DatabaseInfo{}, err
	}
	if !dbExists {
		if _, err := conn.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s`, pgx.Identifier{dbName}.Sanitize())); err != nil {
			return DatabaseInfo{}, classify(err)
		}
		log.Info().Str("database", dbName).Msg("Tenant database created")
	} else {
		log.Debug().Str("database", dbName).Msg("Tenant database already exists, reusing")
	}

	for _, grant := range []string{
		fmt.Sprintf(`REVOKE CONNECT ON DATABASE %s FROM PUBLIC`, pgx.Identifier{dbName}.Sanitize()),
		fmt.Sprintf(`GRANT CONNECT ON DATABASE %s TO %s`, pgx.Identifier{dbName}.Sanitize(), pgx.Identifier{roleName}.Sanitize()),
	} {
		if _, err := conn.Exec(ctx, grant); err != nil {
			return DatabaseInfo{}, classify(err)
		}
	}

	if err := p.grantSchemaAccess(ctx, dbName, roleName); err != nil {
		return DatabaseInfo{}, err
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", roleName, password, p.host, p.port, dbName)
	return DatabaseInfo{Name: dbName, Role: roleName, Password: password, DSN: dsn}, nil
}

// grantSchemaAccess connects into the tenant database and grants the role
// DML on everything migrations will create, without ownership.
func (p *Provisioner) grantSchemaAccess(ctx context.Context, dbName, roleName string) error {
	cfg, err := pgx.ParseConfig(p.adminDSN)
	if err != nil {
		return classify(err)
	}
	cfg.Database = dbName

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return classify(err)
	}
	defer conn.Close(ctx)

	role := pgx.Identifier{roleName}.Sanitize()
	for _, stmt := range []string{
		fmt.Sprintf(`GRANT USAGE ON SCHEMA public TO %s`, role),
		fmt.Sprintf(`GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO %s`, role),
		fmt.Sprintf(`GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA public TO %s`, role),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT SELECT, INSERT, UPDATE, DELETE ON TABLES TO %s`, role),
		fmt.Sprintf(`ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT USAGE, SELECT ON SEQUENCES TO %s`, role),
	} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return classify(err)
		}
	}
	return nil
}

// RunMigrations applies the embedded, versioned tenant schema to the
// tenant's database. Completed migrations are never reapplied, so a
// retried run converges.
func (p *Provisioner) RunMigrations(ctx context.Context, tenantID string) (string, error) {
	dbName := DatabaseName(tenantID)

	cfg, err := pgx.ParseConfig(p.adminDSN)
	if err != nil {
		return "", classify(err)
	}
	cfg.Database = dbName

	db := stdlib.OpenDB(*cfg)
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return "", classify(err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return "", classify(err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return "", errs.New(errs.KindProtocol, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		return "", classify(err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return "", classify(err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return "", classify(err)
	}
	if dirty {
		return "", errs.Newf(errs.KindProtocol, "tenant schema %s is dirty at version %d", dbName, version)
	}
	log.Info().Str("database", dbName).Uint("version", version).Msg("Tenant schema migrated")
	return fmt.Sprintf("v%d", version), nil
}

// DropDatabase removes the tenant database and role. Dropping resources
// that no longer exist is success.
func (p *Provisioner) DropDatabase(ctx context.Context, tenantID string) error {
	dbName := DatabaseName(tenantID)
	roleName := RoleName(tenantID)

	conn, err := pgx.Connect(ctx, p.adminDSN)
	if err != nil {
		return classify(err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, fmt.Sprintf(`DROP DATABASE IF EXISTS %s WITH (FORCE)`, pgx.Identifier{dbName}.Sanitize())); err != nil {
		return classify(err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(`DROP ROLE IF EXISTS %s`, pgx.Identifier{roleName}.Sanitize())); err != nil {
		return classify(err)
	}
	log.Info().Str("database", dbName).Msg("Tenant database dropped")
	return nil
}

func (p *Provisioner) exists(ctx context.Context, conn *pgx.Conn, query, arg string) (bool, error) {
	var one int
	err := conn.QueryRow(ctx, query, arg).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

// classify maps database failures onto the provisioning error taxonomy.
// Server-reported SQL errors are not retriable; connection-level failures
// are.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.New(errs.KindTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 57 covers operator-initiated shutdowns and cancellations.
		if strings.HasPrefix(pgErr.Code, "57") || strings.HasPrefix(pgErr.Code, "08") {
			return errs.New(errs.KindTransient, err)
		}
		return errs.New(errs.KindProtocol, err)
	}
	return errs.New(errs.KindTransient, err)
}
