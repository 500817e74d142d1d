package main

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianws/identity/internal/app"
	"github.com/meridianws/identity/internal/app/scheduler"
	iauth "github.com/meridianws/identity/internal/auth"
	"github.com/meridianws/identity/internal/auth/providers"
	"github.com/meridianws/identity/internal/database"
	"github.com/meridianws/identity/internal/services"
	"github.com/meridianws/identity/pkg/crypto"
	"github.com/meridianws/identity/pkg/logger"
)

const generatedSecretLength = 32

// Runtime bundles the wired service graph for the daemon lifetime.
type Runtime struct {
	DB        *gorm.DB
	Login     *services.LoginService
	Providers *services.ProviderService
	Sync      *services.SyncService
	Scheduler *scheduler.Scheduler
}

// Close releases held resources.
func (r *Runtime) Close() {
	if r.DB != nil {
		if sqlDB, err := r.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func bootstrap(cfg *app.Config) (*Runtime, error) {
	db, err := database.OpenAndMigrate(cfg.DatabaseSettings())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	stateSecret := cfg.Auth.StateSecret
	if stateSecret == "" {
		stateSecret, err = crypto.GenerateToken(generatedSecretLength)
		if err != nil {
			return nil, fmt.Errorf("generate state secret: %w", err)
		}
		logger.WithModule("bootstrap").Info("generated runtime secret",
			zap.String("key", "auth.state_secret"))
	}

	registry := providers.NewDefaultRegistry(providers.Options{
		Timeout: cfg.Auth.ProviderTimeout,
	})

	stateCodec, err := iauth.NewStateCodec(stateSecret, cfg.Auth.StateTTL, nil)
	if err != nil {
		return nil, fmt.Errorf("build state codec: %w", err)
	}

	sessions, err := iauth.NewSessionManager(db, registry, iauth.SessionManagerConfig{
		TTL: cfg.Auth.SessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("build session manager: %w", err)
	}

	providerSvc, err := services.NewProviderService(db, sessions)
	if err != nil {
		return nil, fmt.Errorf("build provider service: %w", err)
	}

	directory, err := services.NewDirectoryService(db, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory service: %w", err)
	}

	provisioning, err := services.NewProvisioningService(db)
	if err != nil {
		return nil, fmt.Errorf("build provisioning service: %w", err)
	}

	login, err := services.NewLoginService(providerSvc, registry, stateCodec, sessions, directory, provisioning)
	if err != nil {
		return nil, fmt.Errorf("build login service: %w", err)
	}

	syncSvc, err := services.NewSyncService(providerSvc, registry, directory, provisioning)
	if err != nil {
		return nil, fmt.Errorf("build sync service: %w", err)
	}

	sched := scheduler.New(providerSvc, syncSvc,
		scheduler.WithSchedule(cfg.Sync.Schedule),
		scheduler.WithEnabled(cfg.Sync.Enabled),
	)

	return &Runtime{
		DB:        db,
		Login:     login,
		Providers: providerSvc,
		Sync:      syncSvc,
		Scheduler: sched,
	}, nil
}
