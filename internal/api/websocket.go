package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"portfolio-risk/internal/events"
	"portfolio-risk/internal/monitor"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are forwarded to websocket clients.
var streamTopics = []events.Event{
	events.EventBreakerPortfolio,
	events.EventBreakerStrategy,
	events.EventRiskRejected,
	events.EventRiskAlert,
}

func (s *Server) websocket(c *gin.Context) {
	if s.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "BUS_UNAVAILABLE", "bus not ready")
		return
	}
	// subscribe before the upgrade completes so no event after the handshake is missed
	stream, unsub := s.Bus.SubscribeMany(streamTopics, 100)
	defer unsub()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	claims := CurrentClaims(c)
	closed := make(chan struct{})
	go func() {
		// drain client frames so close messages are noticed
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			if claims != nil && !claims.CanAccess(envelopeAccount(env)) {
				continue
			}
			if err := conn.WriteJSON(env); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}

func envelopeAccount(env events.Envelope) string {
	switch m := env.Payload.(type) {
	case events.BreakerMessage:
		return m.AccountID
	case events.RejectionMessage:
		return m.AccountID
	case monitor.Alert:
		return m.AccountID
	}
	return ""
}
