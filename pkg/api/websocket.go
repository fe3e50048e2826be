package api

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orch-dev/orch/pkg/logstream"
)

// wsWriteTimeout bounds one frame delivery. A client that cannot keep
// up fails its Send and is dropped by the hub on the next broadcast.
const wsWriteTimeout = 5 * time.Second

// wsSink adapts one WebSocket connection to the hub's Sink interface.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(frame logstream.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, frame)
}

// websocket upgrades the connection and subscribes it to the log hub.
// The init frame with the current buffer is sent by Subscribe; after
// that every published log arrives as its own frame.
func (s *Server) websocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	connID := uuid.NewString()
	logger := s.logger.With("conn", connID)

	sink := &wsSink{conn: conn}
	if err := s.hub.Subscribe(sink); err != nil {
		logger.Error("websocket init frame failed", "error", err)
		conn.Close(websocket.StatusInternalError, "init failed")
		return
	}
	logger.Info("websocket client connected", "subscribers", s.hub.SubscriberCount())

	// Drain incoming frames to observe the close handshake. Clients do
	// not send meaningful data.
	ctx := c.Request.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	s.hub.Unsubscribe(sink)
	conn.Close(websocket.StatusNormalClosure, "")
	logger.Info("websocket client disconnected", "subscribers", s.hub.SubscriberCount())
}
