package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"hardmine/internal/domain"
	"hardmine/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	ctx := c.Request.Context()
	balance, err := h.Wallet.Balance(ctx, userID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
		return
	}

	history, err := h.Wallet.History(ctx, userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	if history == nil {
		history = []*domain.Transaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": balance,
		"history": history,
	})
}
