package app

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"shieldpool/internal/clients"
	"shieldpool/internal/config"
	"shieldpool/internal/db"
	"shieldpool/internal/handlers"
	"shieldpool/internal/models"
	"shieldpool/internal/pool"
	"shieldpool/internal/proofs"
	"shieldpool/internal/repository"
	"shieldpool/internal/services"
)

// ServiceContainer wires the pool, its repositories and the background
// services together. Construction is phased: repositories, then the pool,
// then the services on top, then state replay from the database.
type ServiceContainer struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	// Repositories
	DepositRepo     repository.DepositRepository
	ComplianceRepo  repository.ComplianceRepository
	WithdrawRepo    repository.WithdrawRequestRepository
	RootRepo        repository.PublishedRootRepository
	SponsorshipRepo repository.SponsorshipRepository

	// Core
	Pool        *pool.Pool
	Ledger      *pool.LedgerSettlement
	PoolService *services.PoolService

	// Background services
	Coordinator *services.ComplianceCoordinator
	Scheduler   *services.WithdrawalScheduler

	// Clients
	NATSClient      *clients.NATSClient
	ScreeningClient *clients.ScreeningClient

	// Event fan-out
	EventStream *handlers.EventStreamHandler
}

// Global service container instance
var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds the container once and replays persisted state
func InitializeContainer() (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		log.Println("🚀 Initializing Service Container...")

		container := &ServiceContainer{
			DB:     db.DB,
			Logger: logrus.StandardLogger(),
		}

		container.initRepositories()

		if err := container.initClients(); err != nil {
			initErr = fmt.Errorf("failed to initialize clients: %w", err)
			return
		}

		if err := container.initPool(); err != nil {
			initErr = fmt.Errorf("failed to initialize pool: %w", err)
			return
		}

		if err := container.initServices(); err != nil {
			initErr = fmt.Errorf("failed to initialize services: %w", err)
			return
		}

		if err := container.replayState(); err != nil {
			initErr = fmt.Errorf("failed to replay persisted state: %w", err)
			return
		}

		Container = container
		log.Println("✅ Service Container initialized successfully")
	})

	if initErr != nil {
		return nil, initErr
	}
	return Container, nil
}

func (c *ServiceContainer) initRepositories() {
	c.DepositRepo = repository.NewDepositRepository(c.DB)
	c.ComplianceRepo = repository.NewComplianceRepository(c.DB)
	c.WithdrawRepo = repository.NewWithdrawRequestRepository(c.DB)
	c.RootRepo = repository.NewPublishedRootRepository(c.DB)
	c.SponsorshipRepo = repository.NewSponsorshipRepository(c.DB)
	log.Println("📦 Repositories initialized")
}

func (c *ServiceContainer) initClients() error {
	cfg := config.AppConfig

	if cfg.NATS.Enabled && cfg.NATS.URL != "" {
		natsClient, err := clients.NewNATSClient(
			cfg.NATS.URL,
			cfg.NATS.StreamName,
			time.Duration(cfg.NATS.Timeout)*time.Second,
		)
		if err != nil {
			// Pool operation does not depend on the event stream
			log.Printf("⚠️ NATS unavailable, events disabled: %v", err)
		} else {
			c.NATSClient = natsClient
			log.Printf("📡 NATS connected: %s", cfg.NATS.URL)
		}
	}

	if cfg.Compliance.ScreeningBaseURL != "" {
		c.ScreeningClient = clients.NewScreeningClient(
			cfg.Compliance.ScreeningBaseURL,
			time.Duration(cfg.Compliance.ScreeningTimeout)*time.Second,
		)
		log.Printf("🔍 Screening provider: %s", cfg.Compliance.ScreeningBaseURL)
	} else {
		log.Printf("⚠️ compliance.screeningBaseUrl not set, deposits will stay pending")
	}

	return nil
}

func (c *ServiceContainer) initPool() error {
	cfg := config.AppConfig

	denomination, err := services.ParseAmount(cfg.Pool.Denomination)
	if err != nil {
		return fmt.Errorf("invalid pool.denomination: %w", err)
	}

	var withdrawVerifier, sponsorVerifier proofs.Verifier
	switch cfg.Proofs.Mode {
	case "mock":
		log.Printf("⚠️ proofs.mode=mock, every well-formed proof verifies")
		withdrawVerifier = proofs.NewPermissiveVerifier(proofs.WithdrawalInputCount)
		sponsorVerifier = proofs.NewPermissiveVerifier(proofs.SponsorshipInputCount)
	default:
		log.Printf("🔐 Compiling groth16 circuits (depth %d)...", cfg.Pool.TreeDepth)
		withdrawSystem, err := proofs.NewWithdrawalSystem(cfg.Pool.TreeDepth)
		if err != nil {
			return fmt.Errorf("withdrawal circuit setup failed: %w", err)
		}
		sponsorSystem, err := proofs.NewSponsorshipSystem(cfg.Pool.TreeDepth)
		if err != nil {
			return fmt.Errorf("sponsorship circuit setup failed: %w", err)
		}
		withdrawVerifier = withdrawSystem
		sponsorVerifier = sponsorSystem
	}

	c.Ledger = pool.NewLedgerSettlement()

	p, err := pool.New(pool.Config{
		Denomination:    new(big.Int).Set(denomination),
		TreeDepth:       cfg.Pool.TreeDepth,
		RootHistorySize: cfg.Pool.RootHistorySize,
	}, withdrawVerifier, sponsorVerifier, c.Ledger, c.Logger)
	if err != nil {
		return err
	}
	c.Pool = p

	log.Printf("🌳 Pool ready: denomination=%s depth=%d history=%d",
		cfg.Pool.Denomination, cfg.Pool.TreeDepth, cfg.Pool.RootHistorySize)
	return nil
}

func (c *ServiceContainer) initServices() error {
	cfg := config.AppConfig

	c.PoolService = services.NewPoolService(
		c.Pool,
		c.DepositRepo,
		c.ComplianceRepo,
		c.RootRepo,
		c.SponsorshipRepo,
		c.NATSClient,
	)

	coordinator, err := services.NewComplianceCoordinator(
		services.CoordinatorConfig{
			ScreenInterval:     time.Duration(cfg.Compliance.ScreenInterval) * time.Second,
			PublishInterval:    time.Duration(cfg.Compliance.PublishInterval) * time.Second,
			BlockOnHighRisk:    cfg.Compliance.BlockOnHighRisk,
			RiskScoreThreshold: cfg.Compliance.RiskScoreThreshold,
		},
		c.Pool,
		c.ComplianceRepo,
		c.DepositRepo,
		c.RootRepo,
		c.ScreeningClient,
		c.NATSClient,
	)
	if err != nil {
		return err
	}
	c.Coordinator = coordinator

	c.Scheduler = services.NewWithdrawalScheduler(
		services.SchedulerConfig{
			MinDelay:      time.Duration(cfg.Scheduler.MinDelaySeconds) * time.Second,
			MaxDelay:      time.Duration(cfg.Scheduler.MaxDelaySeconds) * time.Second,
			PollInterval:  time.Duration(cfg.Scheduler.PollInterval) * time.Second,
			MaxConcurrent: cfg.Scheduler.MaxConcurrent,
			MaxRetries:    cfg.Scheduler.MaxRetries,
			BatchSize:     cfg.Scheduler.BatchSize,
		},
		c.Pool,
		c.WithdrawRepo,
		c.NATSClient,
	)

	c.EventStream = handlers.NewEventStreamHandler()

	log.Println("⚙️ Services initialized")
	return nil
}

// replayState rebuilds the in-memory accumulators and spent sets from the
// database. Order matters: leaves before roots, roots before requests.
func (c *ServiceContainer) replayState() error {
	ctx := context.Background()

	if err := c.PoolService.Replay(ctx); err != nil {
		return fmt.Errorf("pool replay failed: %w", err)
	}

	if err := c.Coordinator.Replay(ctx); err != nil {
		return fmt.Errorf("compliance replay failed: %w", err)
	}

	// Spent nullifiers: confirmed and submitted withdrawals stay spent
	for _, status := range []models.WithdrawStatus{models.WithdrawStatusSubmitted, models.WithdrawStatusConfirmed} {
		requests, err := c.WithdrawRepo.FindByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, request := range requests {
			hash, err := services.ParseFieldElement(request.NullifierHash)
			if err != nil {
				log.Printf("⚠️ skipping corrupt nullifier on request %s: %v", request.ID, err)
				continue
			}
			c.Pool.RestoreSpent(hash)
		}
	}

	// Requests claimed by a worker that never finished go back to the queue
	stuck, err := c.WithdrawRepo.FindByStatus(ctx, models.WithdrawStatusProcessing)
	if err != nil {
		return err
	}
	for _, request := range stuck {
		if _, err := c.WithdrawRepo.Requeue(ctx, request.ID, time.Now(), "restart recovery"); err != nil {
			log.Printf("⚠️ failed to requeue stuck request %s: %v", request.ID, err)
		}
	}
	if len(stuck) > 0 {
		log.Printf("🔄 Requeued %d withdrawal request(s) stuck in processing", len(stuck))
	}

	// Sponsorship-domain nullifiers
	spentSponsors, err := c.SponsorshipRepo.ListSpentNullifiers(ctx)
	if err != nil {
		return err
	}
	for _, hex := range spentSponsors {
		hash, err := services.ParseFieldElement(hex)
		if err != nil {
			log.Printf("⚠️ skipping corrupt sponsorship nullifier %s: %v", hex, err)
			continue
		}
		c.Pool.RestoreSponsorSpent(hash)
	}

	log.Printf("🔄 State replayed: %d leaves, %d sponsorship grants",
		c.Pool.Tree().Size(), len(spentSponsors))
	return nil
}

// StartBackgroundServices launches the coordinator, the scheduler and the
// event fan-out
func (c *ServiceContainer) StartBackgroundServices() error {
	if err := c.EventStream.Start(c.NATSClient); err != nil {
		return fmt.Errorf("event stream startup failed: %w", err)
	}
	c.Coordinator.Start()
	c.Scheduler.Start()
	return nil
}

// Cleanup stops the background services and closes external connections
func (c *ServiceContainer) Cleanup() {
	log.Println("🧹 Cleaning up Service Container...")

	if c.Scheduler != nil {
		c.Scheduler.Stop()
	}
	if c.Coordinator != nil {
		c.Coordinator.Stop()
	}
	if c.NATSClient != nil {
		c.NATSClient.Close()
	}

	log.Println("✅ Service Container cleanup complete")
}
