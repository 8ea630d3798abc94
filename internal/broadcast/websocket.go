package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TransportConfig tunes the websocket transport.
type TransportConfig struct {
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxMessageBytes int64
	CheckOrigin     func(r *http.Request) bool
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// wsSender adapts a gorilla connection to Sender. gorilla allows a single
// concurrent writer, so writes are serialized.
type wsSender struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (s *wsSender) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *wsSender) Close() error {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}

// Handler upgrades requests to websocket connections registered with b.
type Handler struct {
	broadcaster *Broadcaster
	cfg         TransportConfig
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewHandler builds the observer transport endpoint.
func NewHandler(b *Broadcaster, cfg TransportConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		broadcaster: b,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := h.broadcaster.Connect(&wsSender{conn: ws, writeWait: h.cfg.WriteWait})
	done := make(chan struct{})
	go h.pingLoop(ws, done)
	h.readLoop(r.Context(), ws, conn)
	close(done)
	h.broadcaster.Disconnect(conn)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if msgType != websocket.TextMessage {
			data = nil
		}
		if err := h.broadcaster.HandleControl(ctx, conn, data); err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return
			}
			h.logger.Debug("control reply failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		}
	}
}

func (h *Handler) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}
