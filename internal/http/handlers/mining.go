package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"hardmine/internal/domain"
	"hardmine/internal/logger"
	"hardmine/internal/mining"

	"github.com/gin-gonic/gin"
)

type TierRequest struct {
	Tier *int `json:"tier"`
}

// withController runs fn on the caller's live controller and releases it afterwards.
// The registry keeps the controller warm for the idle timeout.
func (h *Handler) withController(c *gin.Context, fn func(ctx context.Context, ctrl *mining.Controller)) {
	userID, ok := getUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	ctrl, err := h.Registry.Acquire(ctx, userID)
	if err != nil {
		writeMiningError(c, err)
		return
	}
	defer h.Registry.Release(userID)

	fn(ctx, ctrl)
}

// GetMining returns the live pending figure. It never waits on a store write.
func (h *Handler) GetMining(c *gin.Context) {
	h.withController(c, func(_ context.Context, ctrl *mining.Controller) {
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})
}

func (h *Handler) Claim(c *gin.Context) {
	h.withController(c, func(ctx context.Context, ctrl *mining.Controller) {
		res, err := h.Coordinator.Claim(ctx, ctrl)
		if err != nil {
			writeMiningError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})
}

func (h *Handler) Flush(c *gin.Context) {
	h.withController(c, func(ctx context.Context, ctrl *mining.Controller) {
		if err := ctrl.Flush(ctx); err != nil {
			writeMiningError(c, err)
			return
		}
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})
}

// Suspend is the visibility-lost hook for hosts without a websocket.
// Open streams of the same user keep the controller live.
func (h *Handler) Suspend(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctrl, err := h.Registry.Suspend(c.Request.Context(), userID)
	if err != nil {
		logger.WithContext(c.Request.Context()).Warn("suspend flush failed", "user_id", userID, "error", err)
	}
	if ctrl == nil {
		c.JSON(http.StatusOK, gin.H{"status": mining.StatusSuspended})
		return
	}
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

// Resume is the visibility-regained hook: it reloads the checkpoint.
func (h *Handler) Resume(c *gin.Context) {
	h.withController(c, func(ctx context.Context, ctrl *mining.Controller) {
		if err := ctrl.OnResume(ctx); err != nil {
			writeMiningError(c, err)
			return
		}
		if err := ctrl.Reseed(ctx); err != nil {
			writeMiningError(c, err)
			return
		}
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})
}

func (h *Handler) ChangeTier(c *gin.Context) {
	var req TierRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Tier == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tier is required"})
		return
	}
	tier := *req.Tier
	if tier < 0 || h.Rates.Rate(tier) <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier"})
		return
	}

	h.withController(c, func(ctx context.Context, ctrl *mining.Controller) {
		from := ctrl.Snapshot().TierID
		if err := h.Coordinator.ChangeTier(ctx, ctrl, tier); err != nil {
			writeMiningError(c, err)
			return
		}
		if h.Audit != nil {
			h.Audit.LogTierChange(ctx, ctrl.UserID(), from, tier)
		}
		c.JSON(http.StatusOK, ctrl.Snapshot())
	})
}

func (h *Handler) ListClaims(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	claims, err := h.Claims.ListClaims(c.Request.Context(), userID, limit)
	if err != nil {
		writeMiningError(c, err)
		return
	}
	if claims == nil {
		claims = []*domain.ClaimRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims})
}

// writeMiningError is the single place mapping the mining error taxonomy to HTTP.
func writeMiningError(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, mining.ErrInsufficientPending):
		status, msg = http.StatusUnprocessableEntity, "nothing to claim"
	case errors.Is(err, mining.ErrConflict):
		status, msg = http.StatusConflict, "session changed, retry"
	case errors.Is(err, mining.ErrNotFound):
		status, msg = http.StatusNotFound, "mining session not provisioned"
	case errors.Is(err, domain.ErrInvalidUpdate):
		status, msg = http.StatusBadRequest, "invalid session update"
	case errors.Is(err, mining.ErrNotLive),
		errors.Is(err, mining.ErrStoreUnavailable),
		errors.Is(err, mining.ErrTransient),
		errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusServiceUnavailable, "session store unavailable"
	case errors.Is(err, context.Canceled):
		status, msg = 499, "request cancelled"
	}

	if status >= http.StatusInternalServerError {
		logger.WithContext(c.Request.Context()).Error("mining request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}
