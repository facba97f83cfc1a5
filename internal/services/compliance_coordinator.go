package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"gorm.io/gorm"

	"shieldpool/internal/clients"
	"shieldpool/internal/merkletree"
	"shieldpool/internal/metrics"
	"shieldpool/internal/models"
	"shieldpool/internal/pool"
	"shieldpool/internal/repository"
)

// CoordinatorConfig tunes the compliance coordinator cadences and policy
type CoordinatorConfig struct {
	ScreenInterval     time.Duration
	PublishInterval    time.Duration
	BlockOnHighRisk    bool
	RiskScoreThreshold float64
}

// ComplianceCoordinator screens pending deposits against the external
// provider and maintains the compliance accumulator. Screening and root
// publication run on independent cadences; a deposit stuck in screening
// never delays publication of already-approved commitments.
type ComplianceCoordinator struct {
	cfg            CoordinatorConfig
	tree           *merkletree.Tree
	pool           *pool.Pool
	complianceRepo repository.ComplianceRepository
	depositRepo    repository.DepositRepository
	rootRepo       repository.PublishedRootRepository
	screening      *clients.ScreeningClient
	natsClient     *clients.NATSClient

	running bool
	stopCh  chan struct{}
	wakeCh  chan struct{}
}

// NewComplianceCoordinator creates a coordinator with its own compliance
// accumulator sized like the pool accumulator
func NewComplianceCoordinator(
	cfg CoordinatorConfig,
	p *pool.Pool,
	complianceRepo repository.ComplianceRepository,
	depositRepo repository.DepositRepository,
	rootRepo repository.PublishedRootRepository,
	screening *clients.ScreeningClient,
	natsClient *clients.NATSClient,
) (*ComplianceCoordinator, error) {
	tree, err := merkletree.New(p.Tree().Depth(), merkletree.DefaultRootHistorySize)
	if err != nil {
		return nil, err
	}
	if cfg.ScreenInterval <= 0 {
		cfg.ScreenInterval = 15 * time.Second
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Minute
	}
	return &ComplianceCoordinator{
		cfg:            cfg,
		tree:           tree,
		pool:           p,
		complianceRepo: complianceRepo,
		depositRepo:    depositRepo,
		rootRepo:       rootRepo,
		screening:      screening,
		natsClient:     natsClient,
		stopCh:         make(chan struct{}),
		wakeCh:         make(chan struct{}, 1),
	}, nil
}

// Tree exposes the compliance accumulator for proof generation
func (c *ComplianceCoordinator) Tree() *merkletree.Tree { return c.tree }

// Replay rebuilds the compliance accumulator from approved records in leaf
// order and hands the resulting root back to the pool
func (c *ComplianceCoordinator) Replay(ctx context.Context) error {
	records, err := c.complianceRepo.ListApprovedByLeafIndex(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		commitment, err := ParseFieldElement(record.Commitment)
		if err != nil {
			return err
		}
		if _, err := c.tree.Insert(commitment); err != nil {
			return err
		}
	}
	if c.tree.Size() > 0 {
		c.pool.SetComplianceRoot(c.tree.Root())
		log.Printf("🔄 [Compliance] Replayed %d approved commitments, root %s", len(records), FieldHex(c.tree.Root()))
	}
	metrics.ComplianceTreeSize.Set(float64(c.tree.Size()))
	return nil
}

// Start launches the screening and publish loops. When NATS is available
// deposit events wake the screening loop early; the poll covers the rest.
func (c *ComplianceCoordinator) Start() {
	if c.running {
		return
	}
	c.running = true

	if c.natsClient != nil {
		err := c.natsClient.SubscribeToDepositAccepted(func(event *clients.DepositAcceptedEvent, subject string) {
			select {
			case c.wakeCh <- struct{}{}:
			default:
			}
		})
		if err != nil {
			log.Printf("⚠️ [Compliance] Deposit subscription failed, relying on polling: %v", err)
		}
	}

	log.Printf("🚀 Starting ComplianceCoordinator (screen: %v, publish: %v)", c.cfg.ScreenInterval, c.cfg.PublishInterval)
	go c.screenLoop()
	go c.publishLoop()
}

// Stop halts both loops
func (c *ComplianceCoordinator) Stop() {
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
	log.Printf("🛑 ComplianceCoordinator stopped")
}

func (c *ComplianceCoordinator) screenLoop() {
	ticker := time.NewTicker(c.cfg.ScreenInterval)
	defer ticker.Stop()

	c.ScreenPending(context.Background())

	for {
		select {
		case <-ticker.C:
			c.ScreenPending(context.Background())
		case <-c.wakeCh:
			c.ScreenPending(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

func (c *ComplianceCoordinator) publishLoop() {
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.PublishRoot(context.Background()); err != nil {
				log.Printf("❌ [Compliance] Root publish failed: %v", err)
			}
		case <-c.stopCh:
			return
		}
	}
}

// ScreenPending sweeps every pending record through the screening provider.
// A provider failure leaves the record pending for the next sweep; pending
// never auto-approves.
func (c *ComplianceCoordinator) ScreenPending(ctx context.Context) {
	records, err := c.complianceRepo.FindByStatus(ctx, models.ScreeningStatusPending)
	if err != nil {
		log.Printf("❌ [Compliance] Failed to load pending records: %v", err)
		return
	}
	metrics.ScreeningsPending.Set(float64(len(records)))
	if len(records) == 0 {
		return
	}

	for _, record := range records {
		if err := c.screenOne(ctx, record); err != nil {
			metrics.ScreeningErrors.Inc()
			log.Printf("⚠️ [Compliance] Screening %s stays pending: %v", record.Commitment, err)
		}
	}
}

func (c *ComplianceCoordinator) screenOne(ctx context.Context, record *models.ComplianceRecord) error {
	deposit, err := c.depositRepo.GetByCommitment(ctx, record.Commitment)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			log.Printf("⚠️ [Compliance] No deposit for record %s, skipping", record.Commitment)
			return nil
		}
		return err
	}

	verdict, err := c.screening.Screen(ctx, deposit.Depositor, record.Commitment)
	if err != nil {
		return err
	}

	flags := ""
	if len(verdict.Flags) > 0 {
		if data, err := json.Marshal(verdict.Flags); err == nil {
			flags = string(data)
		}
	}

	blocked := !verdict.Approved ||
		(c.cfg.BlockOnHighRisk && verdict.RiskScore >= c.cfg.RiskScoreThreshold)
	if blocked {
		return c.block(ctx, record, verdict.RiskScore, flags)
	}
	return c.approve(ctx, record, verdict.RiskScore, flags)
}

func (c *ComplianceCoordinator) approve(ctx context.Context, record *models.ComplianceRecord, riskScore float64, flags string) error {
	commitment, err := ParseFieldElement(record.Commitment)
	if err != nil {
		return err
	}

	// Insert first so the leaf position is known before the verdict is
	// persisted. If persisting fails the record stays pending and the next
	// sweep finds the commitment already in the tree at the same index.
	var leafIndex uint64
	if c.tree.Contains(commitment) {
		leafIndex, err = c.tree.LeafIndex(commitment)
	} else {
		leafIndex, err = c.tree.Insert(commitment)
	}
	if err != nil {
		return err
	}
	if err := c.complianceRepo.MarkApproved(ctx, record.Commitment, riskScore, flags, leafIndex); err != nil {
		return err
	}
	metrics.ScreeningsCompleted.WithLabelValues("approved").Inc()
	metrics.ComplianceTreeSize.Set(float64(c.tree.Size()))
	log.Printf("✅ [Compliance] Approved %s (risk %.2f)", record.Commitment, riskScore)
	return nil
}

func (c *ComplianceCoordinator) block(ctx context.Context, record *models.ComplianceRecord, riskScore float64, flags string) error {
	commitment, err := ParseFieldElement(record.Commitment)
	if err != nil {
		return err
	}
	if err := c.complianceRepo.UpdateVerdict(ctx, record.Commitment, models.ScreeningStatusBlocked, riskScore, flags); err != nil {
		return err
	}
	c.pool.BlockCommitment(commitment)
	metrics.ScreeningsCompleted.WithLabelValues("blocked").Inc()
	log.Printf("🚫 [Compliance] Blocked %s (risk %.2f, flags %s)", record.Commitment, riskScore, flags)
	return nil
}

// PublishRoot publishes the current compliance root to the pool and the
// root log. Republishing an already-known root is a no-op, so the publish
// cadence can run as often as it likes.
func (c *ComplianceCoordinator) PublishRoot(ctx context.Context) error {
	if c.tree.Size() == 0 {
		return nil
	}
	root := c.tree.Root()
	rootHex := FieldHex(root)

	latest, err := c.rootRepo.GetLatest(ctx, models.RootKindCompliance)
	if err != nil && err != gorm.ErrRecordNotFound {
		return err
	}
	if latest != nil && latest.Root == rootHex {
		return nil
	}

	seq, err := c.rootRepo.NextSequence(ctx, models.RootKindCompliance)
	if err != nil {
		return err
	}
	entry := &models.PublishedRoot{
		Kind:        models.RootKindCompliance,
		Sequence:    seq,
		Root:        rootHex,
		PublishedAt: time.Now().UTC(),
	}
	if err := c.rootRepo.Create(ctx, entry); err != nil {
		return err
	}

	c.pool.SetComplianceRoot(root)
	metrics.ComplianceRootsPublished.Inc()
	log.Printf("🌳 [Compliance] Published root %s (seq %d)", rootHex, seq)

	if c.natsClient != nil {
		event := &clients.RootPublishedEvent{
			Kind:      string(models.RootKindCompliance),
			Root:      rootHex,
			Sequence:  seq,
			Timestamp: entry.PublishedAt,
		}
		if err := c.natsClient.PublishRootPublished(event); err != nil {
			log.Printf("⚠️ [Compliance] Failed to publish root event: %v", err)
		}
	}
	return nil
}
