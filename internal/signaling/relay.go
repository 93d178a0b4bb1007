// Package signaling forwards call negotiation events between two users.
package signaling

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-calling/internal/logging"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/mossy-p/webrtc-calling/internal/presence"
)

// Registry is the part of the presence hub the relay needs.
type Registry interface {
	Resolve(userID string) (presence.Conn, bool)
	SendToGroup(userID string, data []byte, exclude string) int
}

// Origin identifies the sender of a call event.
type Origin struct {
	UserID       string
	ConnectionID string
}

// Outcome reports how a relayed event was delivered.
type Outcome int

const (
	Dropped Outcome = iota
	Direct
	Group
)

func (o Outcome) String() string {
	switch o {
	case Direct:
		return "direct"
	case Group:
		return "group"
	default:
		return "dropped"
	}
}

// Relay routes call events by target user id. It resolves the target's
// current connection first and falls back to the per-user group when the
// registry has no usable entry. Delivery is best effort and never fails
// towards the sender.
type Relay struct {
	registry Registry
	logger   zerolog.Logger
}

func NewRelay(registry Registry) *Relay {
	return &Relay{
		registry: registry,
		logger:   logging.Module("signaling"),
	}
}

func (r *Relay) RelayOffer(from Origin, to string, signal json.RawMessage, caller models.PeerMeta) Outcome {
	return r.forward(models.EventCallOffer, from, to, models.CallMessage{Signal: signal, Meta: caller})
}

func (r *Relay) RelayAccept(from Origin, to string, signal json.RawMessage, callee models.PeerMeta) Outcome {
	return r.forward(models.EventCallAccept, from, to, models.CallMessage{Signal: signal, Meta: callee})
}

func (r *Relay) RelayReject(from Origin, to string, rejector models.PeerMeta) Outcome {
	return r.forward(models.EventCallReject, from, to, models.CallMessage{Meta: rejector})
}

func (r *Relay) RelayEnd(from Origin, to string, ender models.PeerMeta) Outcome {
	return r.forward(models.EventCallEnd, from, to, models.CallMessage{Meta: ender})
}

// Dispatch relays msg according to t. Events that are not call events are
// dropped.
func (r *Relay) Dispatch(t models.EventType, from Origin, msg models.CallMessage) Outcome {
	switch t {
	case models.EventCallOffer:
		return r.RelayOffer(from, msg.TargetUserID, msg.Signal, msg.Meta)
	case models.EventCallAccept:
		return r.RelayAccept(from, msg.TargetUserID, msg.Signal, msg.Meta)
	case models.EventCallReject:
		return r.RelayReject(from, msg.TargetUserID, msg.Meta)
	case models.EventCallEnd:
		return r.RelayEnd(from, msg.TargetUserID, msg.Meta)
	default:
		r.logger.Warn().Str("type", string(t)).Msg("not a call event")
		return Dropped
	}
}

func (r *Relay) forward(t models.EventType, from Origin, to string, msg models.CallMessage) Outcome {
	l := r.logger.With().
		Str("type", string(t)).
		Str("from", from.UserID).
		Str("to", to).
		Logger()

	if to == "" {
		l.Debug().Msg("no target, dropped")
		return Dropped
	}

	msg.From = from.UserID
	msg.TargetUserID = ""
	data, err := models.Encode(t, msg)
	if err != nil {
		l.Error().Err(err).Msg("failed to marshal call event")
		return Dropped
	}

	if conn, ok := r.registry.Resolve(to); ok {
		if conn.Send(data) {
			l.Debug().Str("conn_id", conn.ID()).Msg("relayed")
			return Direct
		}
		l.Warn().Str("conn_id", conn.ID()).Msg("target buffer full, trying group")
	}

	if n := r.registry.SendToGroup(to, data, from.ConnectionID); n > 0 {
		l.Debug().Int("connections", n).Msg("relayed via group")
		return Group
	}

	l.Debug().Msg("target unreachable, dropped")
	return Dropped
}
