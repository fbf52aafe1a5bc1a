package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval    = 25 * time.Second
	defaultPongTimeout     = 60 * time.Second
	defaultMaxMessageBytes = 4 << 20
	writeTimeout           = 10 * time.Second
	socketBufferSize       = 4096
)

// TransportConfig tunes the WebSocket transport.
type TransportConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// Handler upgrades HTTP requests to WebSocket connections served by a Hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	config   TransportConfig
	logger   *zap.Logger
}

// NewHandler constructs the WebSocket endpoint.
func NewHandler(hub *Hub, cfg TransportConfig, logger *zap.Logger) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval * 2
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &Handler{hub: hub, config: cfg, logger: logger}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  socketBufferSize,
		WriteBufferSize: socketBufferSize,
		CheckOrigin:     handler.checkOrigin,
	}
	return handler
}

// ServeHTTP runs one connection until the peer goes away. Events of a connection are handled in the
// order they arrive.
func (handler *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := handler.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		handler.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client, err := handler.hub.Connect()
	if err != nil {
		handler.logger.Error("websocket connect failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		handler.writeLoop(conn, client)
	}()

	handler.readLoop(ctx, conn, client)
	cancel()
	handler.hub.Disconnect(client)
	<-writerDone
}

func (handler *Handler) readLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	conn.SetReadLimit(handler.config.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(handler.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(handler.config.PongTimeout))
	})
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				handler.logger.Debug("websocket read ended",
					zap.String("connection_id", client.ID()),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(handler.config.PongTimeout))
		handler.hub.Dispatch(ctx, client, frame)
	}
}

func (handler *Handler) writeLoop(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(handler.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case frame := <-client.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (handler *Handler) checkOrigin(request *http.Request) bool {
	origin := request.Header.Get("Origin")
	if origin == "" || len(handler.config.AllowedOrigins) == 0 {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range handler.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), parsed.Scheme+"://"+parsed.Host) {
			return true
		}
	}
	return false
}
