package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"shieldpool/internal/models"
	"shieldpool/internal/pool"
	"shieldpool/internal/repository"
	"shieldpool/internal/services"
)

// AdminPoolHandler serves the authenticated operator endpoints: the
// nullifier and commitment block overlays and queue statistics
type AdminPoolHandler struct {
	pool           *pool.Pool
	complianceRepo repository.ComplianceRepository
	withdrawRepo   repository.WithdrawRequestRepository
	logger         *logrus.Logger
}

// NewAdminPoolHandler creates a new AdminPoolHandler
func NewAdminPoolHandler(
	p *pool.Pool,
	complianceRepo repository.ComplianceRepository,
	withdrawRepo repository.WithdrawRequestRepository,
	logger *logrus.Logger,
) *AdminPoolHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AdminPoolHandler{
		pool:           p,
		complianceRepo: complianceRepo,
		withdrawRepo:   withdrawRepo,
		logger:         logger,
	}
}

// BlockNullifierHandler bars a nullifier hash from spending
// POST /api/v1/admin/nullifiers/:hash/block
func (h *AdminPoolHandler) BlockNullifierHandler(c *gin.Context) {
	hash, err := services.ParseFieldElement(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid nullifier hash"})
		return
	}
	h.pool.BlockNullifier(hash)
	h.logger.WithFields(logrus.Fields{
		"nullifier": services.FieldHex(hash),
		"admin":     c.GetString("admin_username"),
	}).Warn("🚫 Nullifier blocked by operator")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UnblockNullifierHandler lifts a nullifier block
// POST /api/v1/admin/nullifiers/:hash/unblock
func (h *AdminPoolHandler) UnblockNullifierHandler(c *gin.Context) {
	hash, err := services.ParseFieldElement(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid nullifier hash"})
		return
	}
	h.pool.UnblockNullifier(hash)
	h.logger.WithFields(logrus.Fields{
		"nullifier": services.FieldHex(hash),
		"admin":     c.GetString("admin_username"),
	}).Info("Nullifier unblocked by operator")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// BlockCommitmentHandler records a blocked verdict for a commitment
// POST /api/v1/admin/commitments/:commitment/block
func (h *AdminPoolHandler) BlockCommitmentHandler(c *gin.Context) {
	commitment, err := services.ParseFieldElement(c.Param("commitment"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid commitment"})
		return
	}
	h.pool.BlockCommitment(commitment)
	if err := h.complianceRepo.UpdateVerdict(c.Request.Context(), services.FieldHex(commitment),
		models.ScreeningStatusBlocked, 1.0, `["operator_block"]`); err != nil {
		h.logger.WithError(err).Warn("Commitment blocked in memory but verdict update failed")
	}
	h.logger.WithFields(logrus.Fields{
		"commitment": services.FieldHex(commitment),
		"admin":      c.GetString("admin_username"),
	}).Warn("🚫 Commitment blocked by operator")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UnblockCommitmentHandler clears the blocked flag only; the commitment is
// not re-inserted into any accumulator
// POST /api/v1/admin/commitments/:commitment/unblock
func (h *AdminPoolHandler) UnblockCommitmentHandler(c *gin.Context) {
	commitment, err := services.ParseFieldElement(c.Param("commitment"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid commitment"})
		return
	}
	h.pool.UnblockCommitment(commitment)
	if err := h.complianceRepo.UpdateVerdict(c.Request.Context(), services.FieldHex(commitment),
		models.ScreeningStatusPending, 0, ""); err != nil {
		h.logger.WithError(err).Warn("Commitment unblocked in memory but verdict update failed")
	}
	h.logger.WithFields(logrus.Fields{
		"commitment": services.FieldHex(commitment),
		"admin":      c.GetString("admin_username"),
	}).Info("Commitment unblocked by operator, back to pending screening")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AdminStatsHandler returns the operational counters
// GET /api/v1/admin/stats
func (h *AdminPoolHandler) AdminStatsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	screening := gin.H{}
	for _, status := range []models.ScreeningStatus{
		models.ScreeningStatusPending,
		models.ScreeningStatusApproved,
		models.ScreeningStatusBlocked,
	} {
		if count, err := h.complianceRepo.CountByStatus(ctx, status); err == nil {
			screening[string(status)] = count
		}
	}

	withdrawals := gin.H{}
	for _, status := range []models.WithdrawStatus{
		models.WithdrawStatusQueued,
		models.WithdrawStatusProcessing,
		models.WithdrawStatusSubmitted,
		models.WithdrawStatusConfirmed,
		models.WithdrawStatusFailed,
		models.WithdrawStatusRejected,
	} {
		if count, err := h.withdrawRepo.CountByStatus(ctx, status); err == nil {
			withdrawals[string(status)] = count
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"screening":   screening,
			"withdrawals": withdrawals,
			"pool_size":   h.pool.Tree().Size(),
		},
	})
}
