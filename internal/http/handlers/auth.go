package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"hardmine/internal/domain"
	"hardmine/internal/logger"
	"hardmine/internal/service"

	"github.com/gin-gonic/gin"
)

type AuthRequest struct {
	InitData string `json:"init_data"`
}

// Auth exchanges Telegram init data for a JWT. The first login provisions the
// user's mining session.
func (h *Handler) Auth(c *gin.Context) {
	var req AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if len(req.InitData) > 4096 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "init_data too long"})
		return
	}

	var tgUser *service.TelegramUser
	if h.AuthConfig.DevMode {
		tgUser = devUser(req.InitData)
	} else {
		u, err := service.ValidateTelegramInitData(req.InitData, h.AuthConfig.BotToken, h.AuthConfig.InitDataMaxAge, time.Now())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or stale telegram data"})
			return
		}
		tgUser = u
	}

	ctx := c.Request.Context()
	user := &domain.User{
		TgID:      tgUser.ID,
		Username:  tgUser.Username,
		FirstName: tgUser.FirstName,
	}
	sess, created, err := h.Users.CreateWithSession(ctx, user, time.Now())
	if err != nil {
		logger.WithContext(ctx).Error("failed to register user", "tg_id", tgUser.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}

	token, err := service.GenerateJWT(user.ID, h.AuthConfig.TokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}

	if h.Audit != nil {
		h.Audit.LogLogin(ctx, user.ID, c.ClientIP(), c.Request.UserAgent())
		if created {
			h.Audit.LogSessionProvision(ctx, sess)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user": gin.H{
			"id":         user.ID,
			"tg_id":      user.TgID,
			"username":   user.Username,
			"first_name": user.FirstName,
			"balance":    user.Balance,
		},
		"mining": gin.H{
			"tier_id":     sess.TierID,
			"total_mined": sess.TotalMined,
			"is_active":   sess.IsActive,
		},
	})
}

// devUser accepts unsigned init data in DEV_MODE.
func devUser(initData string) *service.TelegramUser {
	const defaultID = 12345

	var u service.TelegramUser
	if values, err := url.ParseQuery(initData); err == nil {
		_ = json.Unmarshal([]byte(values.Get("user")), &u)
	}
	if u.ID == 0 {
		u.ID = defaultID
	}
	if u.Username == "" {
		u.Username = fmt.Sprintf("testuser%d", u.ID)
	}
	if u.FirstName == "" {
		u.FirstName = "Test"
	}
	return &u
}
