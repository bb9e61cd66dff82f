package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/authority"
	auditpg "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/audit/postgres"
	companypg "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/company/postgres"
	fiscalpg "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/fiscal/postgres"
	contingencyhttp "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/http/contingency"
	fiscalhttp "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/http/fiscal"
	healthhttp "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/http/health"
	queuepg "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/adapters/queue/postgres"
	appcontingency "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/application/contingency"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/application/emission"
	apphealth "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/application/health"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/audit"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/company"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/cache"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/config"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/database"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/http/middleware"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/http/server"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/logger"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/nfe"
	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/signing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "service stopped: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.App.Name, cfg.Log.Level, cfg.App.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	log.Info("Database connection established", "database", cfg.Database.Database)

	if err := database.RunMigrations(ctx, pool, log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	documents := fiscalpg.NewRepository(pool)
	companies := companypg.NewRepository(pool)
	entries := queuepg.NewRepository(pool)
	auditRepo := auditpg.NewRepository(pool)
	recorder := audit.NewRecorder(auditRepo)

	// PKCS#12 loads hit the disk and validate the chain every time, so
	// loaded credentials are cached briefly. The TTL stays short enough
	// that a rotated certificate is picked up without a restart.
	credentials := cache.NewCredentialCache(15 * time.Minute)
	loadCredential := func(comp *company.Company) (*signing.Credential, error) {
		if cred, ok := credentials.Get(comp.ID); ok {
			return cred, nil
		}
		cred, err := emission.LoadCompanyCredential(comp)
		if err != nil {
			return nil, err
		}
		credentials.Set(comp.ID, cred)
		return cred, nil
	}

	authorityConfig := func(comp *company.Company) authority.Config {
		return authority.Config{
			Environment: cfg.Authority.Environment,
			UFCode:      comp.UFCode,
			CNPJ:        comp.CNPJ,
			Timeout:     cfg.Authority.Timeout,
			Endpoints:   cfg.Authority.Endpoints,
		}
	}

	orchestrator := emission.NewOrchestrator(
		documents,
		companies,
		entries,
		recorder,
		nfe.NewBuilder(cfg.Authority.SoftwareVersion),
		nfe.NewValidator(cfg.Authority.SchemaDir),
		signing.NewSigner(),
		loadCredential,
		func(comp *company.Company, cred *signing.Credential) (emission.Transport, error) {
			return authority.NewClient(authorityConfig(comp), cred, log)
		},
		emission.Config{
			PollInterval: cfg.Emission.PollInterval,
			PollAttempts: cfg.Emission.PollAttempts,
		},
		log,
	)

	worker := appcontingency.NewWorker(
		entries,
		documents,
		companies,
		recorder,
		func(comp *company.Company) (appcontingency.Transport, error) {
			cred, err := loadCredential(comp)
			if err != nil {
				credentials.Evict(comp.ID)
				return nil, err
			}
			return authority.NewClient(authorityConfig(comp), cred, log)
		},
		appcontingency.Config{
			Interval:          cfg.Contingency.Interval,
			BatchSize:         cfg.Contingency.BatchSize,
			BaseBackoff:       cfg.Contingency.BaseBackoff,
			MaxBackoff:        cfg.Contingency.MaxBackoff,
			UnexpectedBackoff: cfg.Contingency.UnexpectedBackoff,
			RejectionBackoff:  cfg.Contingency.RejectionBackoff,
			MaxAttempts:       cfg.Contingency.MaxAttempts,
			PollInterval:      cfg.Contingency.PollInterval,
			PollAttempts:      cfg.Contingency.PollAttempts,
		},
		log,
	)
	go worker.Run(ctx)

	healthService := apphealth.NewService(
		apphealth.Metadata{
			Service:     cfg.App.Name,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
		},
		apphealth.Probe{Name: "postgres", Check: pool.Ping},
	)

	authenticator, err := middleware.NewJWTAuthenticator(cfg.Auth, log)
	if err != nil {
		return fmt.Errorf("configure authentication: %w", err)
	}
	defer authenticator.Close()

	srv, err := server.New(server.Options{
		HTTP:          cfg.HTTP,
		Logger:        log,
		Fiscal:        fiscalhttp.NewHandler(orchestrator, documents, auditRepo, log),
		Contingency:   contingencyhttp.NewHandler(worker, log),
		Health:        healthhttp.NewHandler(healthService),
		Authenticator: authenticator,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	return srv.Run(ctx)
}
