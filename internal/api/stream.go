package api

import (
	"net/http"
	"time"

	"health-monitor/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleAlertStream pushes newly created alerts to a WebSocket client.
// An optional serviceId query parameter restricts the stream to one service.
func (s *Server) handleAlertStream(c *gin.Context) {
	serviceID := c.Query("serviceId")
	if serviceID != "" && !isValidID(serviceID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid serviceId format"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket connection", logger.Err(err))
		return
	}
	defer conn.Close()

	alerts, unsubscribe := s.orchestrator.GetAlertManager().Hub().Subscribe()
	defer unsubscribe()

	logger.Info("WebSocket alert stream started", logger.ServiceID(serviceID))

	// the reader only exists to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("WebSocket alert stream closed unexpectedly", logger.Err(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			logger.Info("WebSocket alert stream ended", logger.ServiceID(serviceID))
			return
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			if serviceID != "" && alert.ServiceID != serviceID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(alert); err != nil {
				logger.Error("Failed to write alert to WebSocket", logger.Err(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Error("WebSocket ping failed", logger.Err(err))
				return
			}
		}
	}
}
