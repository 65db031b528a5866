// opsmithd is the platform daemon: it wires identity, tenancy, quotas,
// sessions, agents, workflows, and feature flags behind the HTTP shell.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/agents"
	"github.com/opsmith-ai/opsmith/internal/auth"
	"github.com/opsmith-ai/opsmith/internal/config"
	"github.com/opsmith-ai/opsmith/internal/features"
	"github.com/opsmith-ai/opsmith/internal/identity"
	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/policy"
	"github.com/opsmith-ai/opsmith/internal/quota"
	"github.com/opsmith-ai/opsmith/internal/server"
	"github.com/opsmith-ai/opsmith/internal/session"
	"github.com/opsmith-ai/opsmith/internal/storage"
	"github.com/opsmith-ai/opsmith/internal/tenancy"
	"github.com/opsmith-ai/opsmith/internal/workflow"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("Fatal error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlx.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	kv, err := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	users, err := identity.NewStore(db, logger)
	if err != nil {
		return err
	}
	tenantStore, err := tenancy.NewStore(db, logger)
	if err != nil {
		return err
	}

	tenants := tenancy.NewManager(tenantStore, users, cfg.PlanQuotas, logger)
	quotas := quota.NewEngine(kv, tenants, logger)
	tenants.BindQuotaEngine(quotas)

	tokens := auth.NewTokenManager(cfg.Auth.SigningSecret,
		cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL, cfg.Auth.ClockSkew)
	revoked := auth.NewRevocationSet(kv.Client(), cfg.Auth.ClockSkew, logger)
	attempts := auth.NewAttemptLog(kv.Client(), cfg.Auth.Lockout.MaxFailures, cfg.Auth.Lockout.Window, logger)
	authSvc := auth.NewService(users, tokens, revoked, attempts, tenants, cfg.Auth, logger)

	sessions := session.NewManager(kv, cfg.Session.IdleTTL, cfg.Session.HistoryCap, logger)

	gate, err := policy.NewGate(cfg.Policy, logger)
	if err != nil {
		return err
	}

	registry := agents.NewRegistry()
	if err := agents.RegisterBuiltins(registry); err != nil {
		return err
	}
	// Agent usage feeds the monthly quota window.
	sink := func(e agents.UsageEvent) {
		if e.OrgID == "" {
			return
		}
		sinkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := quotas.CheckAndConsume(sinkCtx, e.OrgID, quota.ResourceAgentsPerMonth, 1); err != nil {
			logger.Warn("Failed to record agent usage", zap.Error(err))
		}
	}
	dispatcher := agents.NewDispatcher(registry, gate, sink, logger)

	catalog := workflow.NewCatalog()
	if cfg.TemplatesPath != "" {
		if err := catalog.LoadFile(cfg.TemplatesPath); err != nil {
			return err
		}
	}
	workflows := workflow.NewEngine(kv, dispatcher, quotas, catalog, logger)
	workflows.BindApprovalNotifier(sessions.SetPendingApproval)
	if err := workflows.Recover(ctx); err != nil {
		return err
	}

	flagPlans := features.PlanFunc(func(ctx context.Context, orgID string) (string, error) {
		org, err := tenants.GetOrg(ctx, orgID)
		if err != nil {
			return "", err
		}
		return org.PlanType, nil
	})
	flags := features.NewService(kv, flagPlans, logger)
	if cfg.RolloutPath != "" {
		watcher, err := config.NewWatcher(cfg.RolloutPath, logger)
		if err != nil {
			return err
		}
		watcher.OnChange(flags.ReloadHandler())
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	// Org deletion cascades into every per-org store.
	tenants.RegisterCascade(sessions)
	tenants.RegisterCascade(workflows)
	tenants.RegisterCascade(flags)

	go purgeIdleSessions(ctx, sessions, cfg.Session.IdleTTL, logger)

	srv := server.New(cfg.Server, server.Deps{
		Auth:       authSvc,
		Tenants:    tenants,
		Quotas:     quotas,
		Perms:      permissions.NewEvaluator(logger),
		Sessions:   sessions,
		Registry:   registry,
		Dispatcher: dispatcher,
		Workflows:  workflows,
		Features:   flags,
	}, logger)

	return srv.Start(ctx)
}

func purgeIdleSessions(ctx context.Context, sessions *session.Manager, idleTTL time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := sessions.PurgeIdle(ctx, idleTTL)
			if err != nil {
				logger.Warn("Session purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("Purged idle sessions", zap.Int("count", purged))
			}
		}
	}
}
