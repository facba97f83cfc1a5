package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"shieldpool/internal/pool"
	"shieldpool/internal/repository"
	"shieldpool/internal/services"
)

// WithdrawRequestHandler serves withdrawal submission and status queries
type WithdrawRequestHandler struct {
	scheduler    *services.WithdrawalScheduler
	withdrawRepo repository.WithdrawRequestRepository
	logger       *logrus.Logger
}

// NewWithdrawRequestHandler creates a new WithdrawRequestHandler
func NewWithdrawRequestHandler(
	scheduler *services.WithdrawalScheduler,
	withdrawRepo repository.WithdrawRequestRepository,
	logger *logrus.Logger,
) *WithdrawRequestHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &WithdrawRequestHandler{
		scheduler:    scheduler,
		withdrawRepo: withdrawRepo,
		logger:       logger,
	}
}

// SubmitWithdrawalHandler accepts a withdrawal for delayed execution. The
// proof is not verified here; the pool gates run when the request is due.
// POST /api/v1/withdrawals
func (h *WithdrawRequestHandler) SubmitWithdrawalHandler(c *gin.Context) {
	var req services.SubmitWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request: " + err.Error(),
		})
		return
	}

	request, err := h.scheduler.Submit(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case err == pool.ErrNullifierAlreadySpent:
			status = http.StatusConflict
		case errors.Is(err, services.ErrDuplicateWithdrawal):
			status = http.StatusConflict
		case errors.Is(err, services.ErrMalformedWithdrawal):
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
		h.logger.WithError(err).Warn("Withdrawal submission rejected")
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"id":             request.ID,
			"nullifier_hash": request.NullifierHash,
			"status":         request.Status,
			"scheduled_at":   request.ScheduledAt,
		},
	})
}

// GetWithdrawalHandler returns the current state of a withdrawal by its
// nullifier hash, terminal or not
// GET /api/v1/withdrawals/:nullifier
func (h *WithdrawRequestHandler) GetWithdrawalHandler(c *gin.Context) {
	nullifier, err := normalizeField(c.Param("nullifier"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid nullifier hash"})
		return
	}
	request, err := h.withdrawRepo.GetByNullifier(c.Request.Context(), nullifier)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "withdrawal not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": request})
}
