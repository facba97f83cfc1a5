package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"shieldpool/internal/models"
	"shieldpool/internal/pool"
	"shieldpool/internal/repository"
	"shieldpool/internal/services"
)

// PoolHandler serves the public pool API: deposit intake, accumulator
// queries and sponsorship grants
type PoolHandler struct {
	poolSvc     *services.PoolService
	pool        *pool.Pool
	coordinator *services.ComplianceCoordinator
	depositRepo repository.DepositRepository
	rootRepo    repository.PublishedRootRepository
	sponsorRepo repository.SponsorshipRepository
	logger      *logrus.Logger
}

// NewPoolHandler creates a new PoolHandler
func NewPoolHandler(
	poolSvc *services.PoolService,
	p *pool.Pool,
	coordinator *services.ComplianceCoordinator,
	depositRepo repository.DepositRepository,
	rootRepo repository.PublishedRootRepository,
	sponsorRepo repository.SponsorshipRepository,
	logger *logrus.Logger,
) *PoolHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &PoolHandler{
		poolSvc:     poolSvc,
		pool:        p,
		coordinator: coordinator,
		depositRepo: depositRepo,
		rootRepo:    rootRepo,
		sponsorRepo: sponsorRepo,
		logger:      logger,
	}
}

// DepositRequest deposit intake request
type DepositRequest struct {
	Commitment string `json:"commitment" binding:"required"`
	Value      string `json:"value" binding:"required"`
	Depositor  string `json:"depositor" binding:"required"`
}

// DepositHandler admits a commitment into the pool
// POST /api/v1/deposits
func (h *PoolHandler) DepositHandler(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	deposit, err := h.poolSvc.Deposit(c.Request.Context(), req.Commitment, req.Value, req.Depositor)
	if err != nil {
		status := http.StatusBadRequest
		switch err {
		case pool.ErrDuplicateCommitment:
			status = http.StatusConflict
		case pool.ErrDenominationMismatch:
			status = http.StatusBadRequest
		}
		h.logger.WithError(err).WithField("commitment", req.Commitment).Warn("Deposit rejected")
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    deposit,
	})
}

// GetDepositHandler returns one deposit by commitment
// GET /api/v1/deposits/:commitment
func (h *PoolHandler) GetDepositHandler(c *gin.Context) {
	commitment, err := normalizeField(c.Param("commitment"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid commitment"})
		return
	}
	deposit, err := h.depositRepo.GetByCommitment(c.Request.Context(), commitment)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "deposit not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": deposit})
}

// WitnessHandler returns the accumulator paths a prover needs for a
// commitment: pool membership always, compliance membership once approved
// GET /api/v1/deposits/:commitment/witness
func (h *PoolHandler) WitnessHandler(c *gin.Context) {
	commitment, err := normalizeField(c.Param("commitment"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid commitment"})
		return
	}
	leaf, err := services.ParseFieldElement(commitment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid commitment"})
		return
	}

	poolIndex, err := h.pool.Tree().LeafIndex(leaf)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "commitment not in pool"})
		return
	}
	poolProof, err := h.pool.Tree().Proof(poolIndex)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	data := gin.H{
		"pool_root": services.FieldHex(h.pool.Tree().Root()),
		"pool_path": proofJSON(poolProof),
	}

	if complianceIndex, err := h.coordinator.Tree().LeafIndex(leaf); err == nil {
		if complianceProof, err := h.coordinator.Tree().Proof(complianceIndex); err == nil {
			data["compliance_root"] = services.FieldHex(h.coordinator.Tree().Root())
			data["compliance_path"] = proofJSON(complianceProof)
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// PoolStatusHandler returns the public pool state
// GET /api/v1/pool/status
func (h *PoolHandler) PoolStatusHandler(c *gin.Context) {
	ctx := c.Request.Context()
	depositCount, _ := h.depositRepo.Count(ctx)
	grantCount, _ := h.sponsorRepo.Count(ctx)

	data := gin.H{
		"denomination":    h.pool.Denomination().String(),
		"tree_depth":      h.pool.Tree().Depth(),
		"tree_size":       h.pool.Tree().Size(),
		"pool_root":       services.FieldHex(h.pool.Tree().Root()),
		"deposits":        depositCount,
		"sponsorships":    grantCount,
		"compliance_size": h.coordinator.Tree().Size(),
	}
	if root, err := h.pool.LatestComplianceRoot(); err == nil {
		data["compliance_root"] = services.FieldHex(root)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

// ListRootsHandler returns the recent published roots of one kind
// GET /api/v1/roots/:kind
func (h *PoolHandler) ListRootsHandler(c *gin.Context) {
	kind := models.RootKind(c.Param("kind"))
	if kind != models.RootKindPool && kind != models.RootKindCompliance {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "kind must be pool or compliance"})
		return
	}
	limit := 30
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	roots, err := h.rootRepo.FindRecent(c.Request.Context(), kind, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": roots})
}

// SponsorshipRequestBody sponsorship submission
type SponsorshipRequestBody struct {
	Proof          string `json:"proof" binding:"required"`
	PoolRoot       string `json:"pool_root" binding:"required"`
	NullifierHash  string `json:"nullifier_hash" binding:"required"`
	ComplianceRoot string `json:"compliance_root" binding:"required"`
}

// SponsorshipHandler verifies a sponsorship proof and issues a grant
// POST /api/v1/sponsorships
func (h *PoolHandler) SponsorshipHandler(c *gin.Context) {
	var body SponsorshipRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request: " + err.Error()})
		return
	}

	req, err := buildSponsorshipRequest(&body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	grant, err := h.poolSvc.Sponsor(c.Request.Context(), req)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if err == pool.ErrNullifierAlreadySpent {
			status = http.StatusConflict
		}
		h.logger.WithError(err).Warn("Sponsorship rejected")
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": grant})
}

// GetSponsorshipHandler returns a grant by its nullifier hash
// GET /api/v1/sponsorships/:nullifier
func (h *PoolHandler) GetSponsorshipHandler(c *gin.Context) {
	nullifier, err := normalizeField(c.Param("nullifier"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid nullifier hash"})
		return
	}
	grant, err := h.sponsorRepo.GetByNullifier(c.Request.Context(), nullifier)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "grant not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": grant})
}

func buildSponsorshipRequest(body *SponsorshipRequestBody) (*pool.SponsorshipRequest, error) {
	proof, err := decodeProof(body.Proof)
	if err != nil {
		return nil, err
	}
	poolRoot, err := services.ParseFieldElement(body.PoolRoot)
	if err != nil {
		return nil, err
	}
	nullifier, err := services.ParseFieldElement(body.NullifierHash)
	if err != nil {
		return nil, err
	}
	complianceRoot, err := services.ParseFieldElement(body.ComplianceRoot)
	if err != nil {
		return nil, err
	}
	return &pool.SponsorshipRequest{
		Proof:          proof,
		PoolRoot:       poolRoot,
		NullifierHash:  nullifier,
		ComplianceRoot: complianceRoot,
	}, nil
}
