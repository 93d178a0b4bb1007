// Package client is the signaling side of a call participant: it holds the
// WebSocket to the server, tracks the online set and feeds call events into a
// call.Machine.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-calling/internal/call"
	"github.com/mossy-p/webrtc-calling/internal/logging"
	"github.com/mossy-p/webrtc-calling/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 1 << 16
	sendBuffer     = 64
)

var (
	ErrClosed         = errors.New("client: connection closed")
	ErrSendBufferFull = errors.New("client: send buffer full")
)

// CallHandler receives inbound call events. *call.Machine implements it.
type CallHandler interface {
	HandleOffer(from call.Peer, signal json.RawMessage)
	HandleAccept(from string, signal json.RawMessage)
	HandleReject(from string)
	HandleEnd(from string)
	PeerOffline(userID string)
}

type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	quit   chan struct{} // asks writePump to flush and hang up
	done   chan struct{} // closed once the socket is gone
	once   sync.Once
	logger zerolog.Logger

	handler atomic.Pointer[CallHandler]

	mu      sync.RWMutex
	connID  string
	online  []models.OnlineUser
	changed chan struct{}
}

// Dial opens the signaling socket at serverURL (http or ws scheme) using
// token for authentication.
func Dial(ctx context.Context, serverURL, token string) (*Client, error) {
	endpoint, err := signalURL(serverURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Client{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logging.Module("client"),
		changed: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func signalURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/signal"
	return u.String(), nil
}

// Attach routes inbound call events to h.
func (c *Client) Attach(h CallHandler) {
	c.handler.Store(&h)
}

// Join announces the identity owning this connection.
func (c *Client) Join(userID, displayName string) error {
	return c.write(models.EventJoin, models.JoinPayload{UserID: userID, DisplayName: displayName})
}

// ConnectionID is the handle the server assigned, empty until it arrives.
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// OnlineUsers returns the last online set received.
func (c *Client) OnlineUsers() []models.OnlineUser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.OnlineUser(nil), c.online...)
}

// WaitOnline blocks until userID appears in the online set.
func (c *Client) WaitOnline(ctx context.Context, userID string) error {
	for {
		c.mu.RLock()
		changed := c.changed
		found := false
		for _, u := range c.online {
			if u.UserID == userID {
				found = true
				break
			}
		}
		c.mu.RUnlock()
		if found {
			return nil
		}

		select {
		case <-changed:
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) SendOffer(to string, signal json.RawMessage, meta models.PeerMeta) error {
	return c.write(models.EventCallOffer, models.CallMessage{TargetUserID: to, Signal: signal, Meta: meta})
}

func (c *Client) SendAccept(to string, signal json.RawMessage, meta models.PeerMeta) error {
	return c.write(models.EventCallAccept, models.CallMessage{TargetUserID: to, Signal: signal, Meta: meta})
}

func (c *Client) SendReject(to string, meta models.PeerMeta) error {
	return c.write(models.EventCallReject, models.CallMessage{TargetUserID: to, Meta: meta})
}

func (c *Client) SendEnd(to string, meta models.PeerMeta) error {
	return c.write(models.EventCallEnd, models.CallMessage{TargetUserID: to, Meta: meta})
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close writes out frames that are still queued, such as a final call end,
// then sends the close frame and waits for the socket to shut.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

func (c *Client) write(t models.EventType, data any) error {
	frame, err := models.Encode(t, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	select {
	case <-c.quit:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("signaling connection lost")
			}
			return
		}
		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse message")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env models.Envelope) {
	switch env.Type {
	case models.EventMe:
		var p models.MePayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			c.mu.Lock()
			c.connID = p.ConnectionID
			c.mu.Unlock()
		}

	case models.EventOnlineSetChanged:
		var p models.OnlineSetPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Debug().Err(err).Msg("malformed online set")
			return
		}
		c.mu.Lock()
		c.online = p.Users
		close(c.changed)
		c.changed = make(chan struct{})
		c.mu.Unlock()

	case models.EventUserWentOffline:
		var p models.UserWentOfflinePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if h := c.callHandler(); h != nil {
			h.PeerOffline(p.UserID)
		}

	case models.EventCallOffer, models.EventCallAccept, models.EventCallReject, models.EventCallEnd:
		var msg models.CallMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.logger.Debug().Err(err).Str("type", string(env.Type)).Msg("malformed call event")
			return
		}
		h := c.callHandler()
		if h == nil {
			c.logger.Debug().Str("type", string(env.Type)).Msg("no call handler attached")
			return
		}
		switch env.Type {
		case models.EventCallOffer:
			h.HandleOffer(call.Peer{UserID: msg.From, Meta: msg.Meta}, msg.Signal)
		case models.EventCallAccept:
			h.HandleAccept(msg.From, msg.Signal)
		case models.EventCallReject:
			h.HandleReject(msg.From)
		case models.EventCallEnd:
			h.HandleEnd(msg.From)
		}

	default:
		c.logger.Debug().Str("type", string(env.Type)).Msg("unknown message type")
	}
}

func (c *Client) callHandler() CallHandler {
	if h := c.handler.Load(); h != nil {
		return *h
	}
	return nil
}

// writePump is the only writer on the socket. It owns shutdown: on quit it
// drains the send queue before the close frame.
func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
		close(c.done)
	}()
	for {
		select {
		case <-c.quit:
			if c.flush() == nil {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			}
			return
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				c.logger.Debug().Err(err).Msg("failed to write message")
				return
			}
		}
	}
}

func (c *Client) flush() error {
	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				c.logger.Debug().Err(err).Msg("failed to flush message")
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) writeFrame(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
