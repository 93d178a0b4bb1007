// Package presence tracks which live connection currently owns each online
// user and keeps every connection informed of the online set.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-calling/internal/logging"
	"github.com/mossy-p/webrtc-calling/internal/models"
)

// Conn is a live transport connection as seen by the hub.
type Conn interface {
	ID() string
	// Send queues a frame without blocking and reports whether it was accepted.
	Send(data []byte) bool
}

// Mirror receives presence changes in the order the hub applies them.
// Implementations are called with the hub lock held and must not block.
type Mirror interface {
	UserOnline(entry models.PresenceEntry)
	UserOffline(entry models.PresenceEntry)
}

type connection struct {
	conn        Conn
	connectedAt time.Time
	userID      string
}

// Hub is the presence registry. Entries are keyed by user id only, so a
// reconnect overwrites the entry in place and a late disconnect of the old
// connection no longer matches anything.
type Hub struct {
	mu      sync.Mutex
	conns   map[string]*connection
	entries map[string]*models.PresenceEntry
	groups  map[string]map[string]Conn

	mirror Mirror
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Hub)

// WithMirror publishes every presence change to m.
func WithMirror(m Mirror) Option {
	return func(h *Hub) { h.mirror = m }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		conns:   make(map[string]*connection),
		entries: make(map[string]*models.PresenceEntry),
		groups:  make(map[string]map[string]Conn),
		logger:  logging.Module("presence"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnConnect records a new anonymous connection.
func (h *Hub) OnConnect(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trackLocked(c)
	h.logger.Debug().Str("conn_id", c.ID()).Int("connections", len(h.conns)).Msg("connected")
}

func (h *Hub) trackLocked(c Conn) *connection {
	rec, ok := h.conns[c.ID()]
	if !ok {
		rec = &connection{conn: c, connectedAt: h.now()}
		h.conns[c.ID()] = rec
	}
	return rec
}

// OnJoin binds userID to c, replacing whatever connection held it before, and
// broadcasts the online set. A join without a user id is ignored and reported
// as false.
func (h *Hub) OnJoin(c Conn, userID, displayName string) bool {
	if userID == "" {
		h.logger.Debug().Str("conn_id", c.ID()).Msg("ignoring join without user id")
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.trackLocked(c)
	if rec.userID != "" && rec.userID != userID {
		// the connection changes identity; release the old one first
		h.releaseLocked(c.ID(), rec.userID)
	}
	rec.userID = userID
	h.addToGroupLocked(userID, c)

	entry, ok := h.entries[userID]
	if !ok {
		entry = &models.PresenceEntry{UserID: userID}
		h.entries[userID] = entry
	} else if entry.ConnectionID != c.ID() {
		h.logger.Info().
			Str("user_id", userID).
			Str("old_conn_id", entry.ConnectionID).
			Str("conn_id", c.ID()).
			Msg("connection superseded")
	}
	entry.DisplayName = displayName
	entry.ConnectionID = c.ID()
	entry.JoinedAt = h.now()

	if h.mirror != nil {
		h.mirror.UserOnline(*entry)
	}
	h.logger.Info().Str("user_id", userID).Str("conn_id", c.ID()).Int("online", len(h.entries)).Msg("joined")
	h.broadcastOnlineSetLocked()
	return true
}

// OnDisconnect forgets c. If c still owns a presence entry the user goes
// offline: the new online set is broadcast and every remaining connection gets
// a userWentOffline event. A connection that was superseded by a newer join
// changes nothing and false is returned.
func (h *Hub) OnDisconnect(c Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.conns[c.ID()]
	if !ok {
		return false
	}
	delete(h.conns, c.ID())
	if rec.userID == "" {
		h.logger.Debug().Str("conn_id", c.ID()).Msg("anonymous connection closed")
		return false
	}
	return h.releaseLocked(c.ID(), rec.userID)
}

func (h *Hub) releaseLocked(connID, userID string) bool {
	h.removeFromGroupLocked(userID, connID)

	entry, ok := h.entries[userID]
	if !ok || entry.ConnectionID != connID {
		h.logger.Debug().Str("user_id", userID).Str("conn_id", connID).Msg("stale disconnect ignored")
		return false
	}
	delete(h.entries, userID)

	if h.mirror != nil {
		h.mirror.UserOffline(*entry)
	}
	h.logger.Info().Str("user_id", userID).Str("conn_id", connID).Int("online", len(h.entries)).Msg("went offline")

	h.broadcastOnlineSetLocked()
	if data, err := models.Encode(models.EventUserWentOffline, models.UserWentOfflinePayload{UserID: userID}); err == nil {
		h.broadcastLocked(data, connID)
	}
	return true
}

// Resolve returns the connection currently owning userID.
func (h *Hub) Resolve(userID string) (Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[userID]
	if !ok {
		return nil, false
	}
	rec, ok := h.conns[entry.ConnectionID]
	if !ok {
		return nil, false
	}
	return rec.conn, true
}

// SendToGroup delivers data to every connection that ever joined as userID
// and is still open, except the one with id exclude. It returns the number of
// connections that accepted the frame.
func (h *Hub) SendToGroup(userID string, data []byte, exclude string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for id, c := range h.groups[userID] {
		if id == exclude {
			continue
		}
		if c.Send(data) {
			sent++
		} else {
			h.logger.Warn().Str("user_id", userID).Str("conn_id", id).Msg("group send dropped, buffer full")
		}
	}
	return sent
}

// Online returns the current online set ordered by user id.
func (h *Hub) Online() []models.OnlineUser {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineLocked()
}

// Entry returns a copy of the presence entry for userID.
func (h *Hub) Entry(userID string) (models.PresenceEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[userID]; ok {
		return *e, true
	}
	return models.PresenceEntry{}, false
}

// Entries returns a copy of every presence entry this hub owns.
func (h *Hub) Entries() []models.PresenceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.PresenceEntry, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// UserOf returns the user id connID joined as, if any.
func (h *Hub) UserOf(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.conns[connID]; ok && rec.userID != "" {
		return rec.userID, true
	}
	return "", false
}

func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) onlineLocked() []models.OnlineUser {
	users := make([]models.OnlineUser, 0, len(h.entries))
	for _, e := range h.entries {
		users = append(users, e.Online())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (h *Hub) broadcastOnlineSetLocked() {
	data, err := models.Encode(models.EventOnlineSetChanged, models.OnlineSetPayload{Users: h.onlineLocked()})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal online set")
		return
	}
	h.broadcastLocked(data, "")
}

func (h *Hub) broadcastLocked(data []byte, exclude string) {
	for id, rec := range h.conns {
		if id == exclude {
			continue
		}
		if !rec.conn.Send(data) {
			h.logger.Warn().Str("conn_id", id).Msg("broadcast dropped, buffer full")
		}
	}
}

func (h *Hub) addToGroupLocked(userID string, c Conn) {
	group, ok := h.groups[userID]
	if !ok {
		group = make(map[string]Conn)
		h.groups[userID] = group
	}
	group[c.ID()] = c
}

func (h *Hub) removeFromGroupLocked(userID, connID string) {
	group, ok := h.groups[userID]
	if !ok {
		return
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(h.groups, userID)
	}
}
