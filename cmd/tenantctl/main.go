package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webank-solution/tenant-provisioning-service/internal/config"
	"github.com/webank-solution/tenant-provisioning-service/internal/configload"
	"github.com/webank-solution/tenant-provisioning-service/internal/crypto"
	"github.com/webank-solution/tenant-provisioning-service/internal/dbprov"
	"github.com/webank-solution/tenant-provisioning-service/internal/errs"
	"github.com/webank-solution/tenant-provisioning-service/internal/identity"
	"github.com/webank-solution/tenant-provisioning-service/internal/model"
	"github.com/webank-solution/tenant-provisioning-service/internal/monitoring"
	"github.com/webank-solution/tenant-provisioning-service/internal/service"
	"github.com/webank-solution/tenant-provisioning-service/internal/store"
	"github.com/webank-solution/tenant-provisioning-service/internal/validate"
	"github.com/webank-solution/tenant-provisioning-service/internal/verify"
)

const usage = `Usage: tenantctl <command> [args]

Commands:
  validate  <tenant_id> <display_name> <admin_email>
  provision <tenant_id> <display_name> <admin_email> <first_name> <last_name>
  status    <tenant_id>
  rollback  <tenant_id>
  delete    <tenant_id>
`

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(errs.ExitValidation)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(errs.ExitValidation)
	}

	os.Exit(run(cfg, os.Args[1], os.Args[2:]))
}

func run(cfg *config.Config, command string, args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return errs.ExitCode(err)
	}
	defer app.Close()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	switch command {
	case "validate":
		return app.validate(ctx, args)
	case "provision":
		return app.provision(ctx, args)
	case "status":
		return app.status(ctx, args)
	case "rollback", "delete":
		return app.rollback(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return errs.ExitValidation
	}
}

// serveMetrics exposes /metrics and /health for the lifetime of the run.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	log.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics listener error")
	}
}

type app struct {
	cfg       *config.Config
	registry  *store.TenantRegistry
	redis     *redis.Client
	cache     *store.RecordCache
	validator *validate.Validator
	orch      *service.Orchestrator
}

func newApp(cfg *config.Config) (*app, error) {
	cipher, err := crypto.NewCipher([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, err
	}

	registry, err := store.NewTenantRegistry(cfg.RegistryDSN, cipher)
	if err != nil {
		return nil, errs.New(errs.KindTransient, fmt.Errorf("connect registry: %w", err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	// The TTL is a crash backstop; normal runs release the lock explicitly.
	locker := store.NewLocker(rdb, 30*time.Minute)
	cache := store.NewRecordCache(rdb, 5*time.Minute)

	validator := validate.New(registry.Exists)
	idp := identity.New(cfg.KeycloakURL, cfg.KeycloakAdminUser, cfg.KeycloakAdminPassword, cfg.CallTimeout)
	db := dbprov.New(cfg.DBAdminDSN, cfg.DBHost, cfg.DBPort)

	loadConfig := func(ctx context.Context, tenantID string, info dbprov.DatabaseInfo) (configload.BaselineResult, error) {
		api := configload.NewClient(cfg.FineractURL, tenantID, info.Role, info.Password, cfg.CallTimeout)
		return configload.NewLoader(api, cfg.HeadOfficeName, cfg.DefaultCurrency).LoadBaseline(ctx)
	}

	verifyFn := func(ctx context.Context, orgID, username, password, expectedOffice string) error {
		tenantID := strings.TrimPrefix(orgID, "tenant-")
		offices := func(token string) verify.OfficeLister {
			api := configload.NewClient(cfg.FineractURL, tenantID, "", "", cfg.CallTimeout).WithToken(token)
			return configload.NewLoader(api, cfg.HeadOfficeName, cfg.DefaultCurrency)
		}
		return verify.New(idp, offices).Verify(ctx, orgID, username, password, expectedOffice)
	}

	monitoring.InitMetrics()

	orch := service.NewOrchestrator(registry, locker, validator, idp, db, loadConfig, verifyFn, service.Options{
		HeadOfficeName: cfg.HeadOfficeName,
		RetryLimit:     cfg.RetryLimit,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})

	return &app{cfg: cfg, registry: registry, redis: rdb, cache: cache, validator: validator, orch: orch}, nil
}

func (a *app) Close() {
	a.registry.Close()
	a.redis.Close()
}

func (a *app) validate(ctx context.Context, args []string) int {
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: tenantctl validate <tenant_id> <display_name> <admin_email>")
		return errs.ExitValidation
	}
	req := &model.TenantRequest{TenantID: args[0], DisplayName: args[1], AdminEmail: args[2]}
	if err := a.validator.Check(ctx, req); err != nil {
		return fail(err)
	}
	fmt.Printf("tenant %s: valid\n", req.TenantID)
	return errs.ExitOK
}

func (a *app) provision(ctx context.Context, args []string) int {
	if len(args) != 5 {
		fmt.Fprintln(os.Stderr, "usage: tenantctl provision <tenant_id> <display_name> <admin_email> <first_name> <last_name>")
		return errs.ExitValidation
	}
	req := model.TenantRequest{
		TenantID:       args[0],
		DisplayName:    args[1],
		AdminEmail:     args[2],
		AdminFirstName: args[3],
		AdminLastName:  args[4],
	}

	log.Info().Str("tenant_id", req.TenantID).Msg("Starting provisioning")
	rec, err := a.orch.Provision(ctx, req)
	a.cache.Invalidate(ctx, req.TenantID)
	if rec != nil {
		printRecord(rec)
	}
	if err != nil {
		return fail(err)
	}
	return errs.ExitOK
}

func (a *app) status(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tenantctl status <tenant_id>")
		return errs.ExitValidation
	}
	rec, err := lookupStatus(ctx, a.orch, a.cache, args[0])
	if err != nil {
		return fail(err)
	}
	printRecord(rec)
	return errs.ExitOK
}

// statusSource reads the last durably committed record for a tenant.
type statusSource interface {
	Status(ctx context.Context, tenantID string) (*model.TenantRecord, error)
}

type recordCache interface {
	Get(ctx context.Context, tenantID string) *model.TenantRecord
	Put(ctx context.Context, rec *model.TenantRecord)
}

// lookupStatus answers from the registry whenever it is reachable, so the
// output is always the last durably committed state. The cache is only a
// degraded-mode fallback for registry outages, refreshed on every
// successful read.
func lookupStatus(ctx context.Context, src statusSource, cache recordCache, tenantID string) (*model.TenantRecord, error) {
	rec, err := src.Status(ctx, tenantID)
	if err == nil {
		cache.Put(ctx, rec)
		return rec, nil
	}
	if errs.KindOf(err) == errs.KindTransient {
		if cached := cache.Get(ctx, tenantID); cached != nil {
			log.Warn().Str("tenant_id", tenantID).Msg("Registry unreachable, serving last cached record")
			return cached, nil
		}
	}
	return nil, err
}

func (a *app) rollback(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tenantctl rollback <tenant_id>")
		return errs.ExitValidation
	}
	log.Info().Str("tenant_id", args[0]).Msg("Starting rollback")
	rec, err := a.orch.Rollback(ctx, args[0])
	a.cache.Invalidate(ctx, args[0])
	if rec != nil {
		printRecord(rec)
	}
	if err != nil {
		return fail(err)
	}
	return errs.ExitOK
}

// printRecord writes the last durably committed state, including the
// resources map so an operator can inspect or clean up by hand.
func printRecord(rec *model.TenantRecord) {
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		fmt.Printf("tenant %s: %s\n", rec.TenantID, rec.Status)
		return
	}
	fmt.Println(string(out))
}

func fail(err error) int {
	log.Error().
		Err(err).
		Str("kind", string(errs.KindOf(err))).
		Str("step", errs.StepOf(err)).
		Msg("Command failed")
	return errs.ExitCode(err)
}
