package handlers

import (
	"net/http"
	"os"

	"hardmine/internal/logger"
	"hardmine/internal/service"
	"hardmine/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// MiningStream upgrades to a websocket that pushes the pending figure every tick.
func (h *Handler) MiningStream(hub *ws.Hub) gin.HandlerFunc {
	allowedOrigin := os.Getenv("ALLOWED_ORIGIN")
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}

	return func(c *gin.Context) {
		// JWT from query
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}

		userID, err := service.ParseJWT(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctrl, err := h.Registry.Acquire(c.Request.Context(), userID)
		if err != nil {
			writeMiningError(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.Registry.Release(userID)
			logger.WithContext(c.Request.Context()).Warn("ws upgrade error", "error", err)
			return
		}

		client := ws.NewClient(userID, conn, ctrl, h.Coordinator, hub)
		go func() {
			defer h.Registry.Release(userID)
			client.Run()
		}()
	}
}
