package models

import (
	"bytes"
	"encoding/json"
)

// EventType names a frame on the signaling socket.
type EventType string

const (
	// client -> server
	EventJoin EventType = "join"

	// server -> client
	EventMe               EventType = "me"
	EventOnlineSetChanged EventType = "onlineSetChanged"
	EventUserWentOffline  EventType = "userWentOffline"

	// both directions; the server forwards them to the addressed user
	EventCallOffer  EventType = "callOffer"
	EventCallAccept EventType = "callAccept"
	EventCallReject EventType = "callReject"
	EventCallEnd    EventType = "callEnd"
)

// IsCallEvent reports whether t is one of the four relayed call events.
func (t EventType) IsCallEvent() bool {
	switch t {
	case EventCallOffer, EventCallAccept, EventCallReject, EventCallEnd:
		return true
	}
	return false
}

// Envelope is the framing of every message on the signaling socket.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given type.
func NewEnvelope(t EventType, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Data: raw}, nil
}

// marshal is json.Marshal without HTML escaping, so opaque signal payloads
// pass through unchanged.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Encode marshals an envelope of the given type, ready to write to a socket.
func Encode(t EventType, data any) ([]byte, error) {
	env, err := NewEnvelope(t, data)
	if err != nil {
		return nil, err
	}
	return marshal(env)
}

// JoinPayload announces which user owns the sending connection.
type JoinPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// MePayload tells a fresh connection its handle.
type MePayload struct {
	ConnectionID string `json:"connectionId"`
}

// OnlineSetPayload is a full-replacement snapshot, never a delta.
type OnlineSetPayload struct {
	Users []OnlineUser `json:"users"`
}

type UserWentOfflinePayload struct {
	UserID string `json:"userId"`
}

// PeerMeta is the display metadata a caller or callee attaches to call events.
type PeerMeta struct {
	Name           string `json:"name,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Email          string `json:"email,omitempty"`
}

// CallMessage is the body of all four call events. Clients fill TargetUserID;
// the server clears it and stamps From with the sender's joined user id before
// forwarding. Signal is opaque and forwarded unchanged as JSON.
type CallMessage struct {
	TargetUserID string          `json:"targetUserId,omitempty"`
	From         string          `json:"from,omitempty"`
	Signal       json.RawMessage `json:"signal,omitempty"`
	Meta         PeerMeta        `json:"meta"`
}
