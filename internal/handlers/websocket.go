package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-calling/config"
	"github.com/mossy-p/webrtc-calling/internal/logging"
	"github.com/mossy-p/webrtc-calling/internal/middleware"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/mossy-p/webrtc-calling/internal/presence"
	"github.com/mossy-p/webrtc-calling/internal/signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// SignalingHandler serves the presence and call-signaling socket.
type SignalingHandler struct {
	hub    *presence.Hub
	relay  *signaling.Relay
	cfg    config.WSConfig
	logger zerolog.Logger
}

func NewSignalingHandler(hub *presence.Hub, relay *signaling.Relay, cfg config.WSConfig) *SignalingHandler {
	return &SignalingHandler{
		hub:    hub,
		relay:  relay,
		cfg:    cfg,
		logger: logging.Module("handlers"),
	}
}

// Client represents a WebSocket client connection
type Client struct {
	id         string
	authUserID string
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once

	// joined user id; only touched by readPump
	userID string
}

func (c *Client) ID() string { return c.id }

// Send queues data for the write pump and never blocks.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// HandleSignaling upgrades an authenticated request to the signaling socket
func (h *SignalingHandler) HandleSignaling(c *gin.Context) {
	authUserID := c.GetString(middleware.ContextUserID)

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		authUserID: authUserID,
		conn:       conn,
		send:       make(chan []byte, h.cfg.SendBuffer),
		done:       make(chan struct{}),
	}

	h.hub.OnConnect(client)
	h.logger.Info().Str("conn_id", client.id).Str("user_id", authUserID).Msg("socket connected")

	if data, err := models.Encode(models.EventMe, models.MePayload{ConnectionID: client.id}); err == nil {
		client.Send(data)
	}

	// Start goroutines for reading and writing
	go h.writePump(client)
	go h.readPump(client)
}

func (h *SignalingHandler) readPump(c *Client) {
	l := h.logger.With().Str("conn_id", c.id).Logger()
	defer func() {
		h.hub.OnDisconnect(c)
		c.close()
		l.Info().Str("user_id", c.userID).Msg("socket closed")
	}()

	c.conn.SetReadLimit(h.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			l.Debug().Err(err).Msg("failed to parse message")
			continue
		}
		h.handleEnvelope(c, env, l)
	}
}

func (h *SignalingHandler) handleEnvelope(c *Client, env models.Envelope, l zerolog.Logger) {
	switch {
	case env.Type == models.EventJoin:
		var p models.JoinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			l.Debug().Err(err).Msg("malformed join ignored")
			return
		}
		if p.UserID != c.authUserID {
			l.Warn().Str("user_id", p.UserID).Str("auth_user_id", c.authUserID).Msg("join for another identity ignored")
			return
		}
		if p.DisplayName == "" {
			p.DisplayName = p.UserID
		}
		if h.hub.OnJoin(c, p.UserID, p.DisplayName) {
			c.userID = p.UserID
		}

	case env.Type.IsCallEvent():
		if c.userID == "" {
			l.Debug().Str("type", string(env.Type)).Msg("call event before join dropped")
			return
		}
		var msg models.CallMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			l.Debug().Err(err).Str("type", string(env.Type)).Msg("malformed call event dropped")
			return
		}
		h.relay.Dispatch(env.Type, signaling.Origin{UserID: c.userID, ConnectionID: c.id}, msg)

	default:
		l.Debug().Str("type", string(env.Type)).Msg("unknown message type")
	}
}

func (h *SignalingHandler) writePump(c *Client) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug().Err(err).Str("conn_id", c.id).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
