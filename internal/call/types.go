// Package call implements the client side of a 1:1 call: a single
// negotiation at a time moving through Idle, Offering or Ringing, Connected
// and Ended.
package call

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mossy-p/webrtc-calling/internal/models"
)

var (
	ErrBusy        = errors.New("call: a call is already in progress")
	ErrNoCall      = errors.New("call: no call in a state that allows this")
	ErrClosed      = errors.New("call: machine closed")
	ErrInvalidPeer = errors.New("call: invalid peer")
	ErrNoDevices   = errors.New("call: no media devices")
)

type State int

const (
	Idle State = iota
	Offering
	Ringing
	Connected
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	case Ended:
		return "ended"
	}
	return "unknown"
}

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// EndReason says why a negotiation left the active states.
type EndReason int

const (
	ReasonNone EndReason = iota
	ReasonLocalHangup
	ReasonLocalReject
	ReasonCanceled
	ReasonRejected
	ReasonRemoteEnded
	ReasonPeerOffline
	ReasonFailed
	ReasonClosed
)

func (r EndReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonLocalHangup:
		return "local hangup"
	case ReasonLocalReject:
		return "local reject"
	case ReasonCanceled:
		return "canceled"
	case ReasonRejected:
		return "rejected by peer"
	case ReasonRemoteEnded:
		return "ended by peer"
	case ReasonPeerOffline:
		return "peer went offline"
	case ReasonFailed:
		return "failed"
	case ReasonClosed:
		return "closed"
	}
	return "unknown"
}

// Peer identifies the other party and carries the metadata echoed in call events.
type Peer struct {
	UserID string
	Meta   models.PeerMeta
}

// Signaler sends call events to the signaling server.
type Signaler interface {
	SendOffer(to string, signal json.RawMessage, meta models.PeerMeta) error
	SendAccept(to string, signal json.RawMessage, meta models.PeerMeta) error
	SendReject(to string, meta models.PeerMeta) error
	SendEnd(to string, meta models.PeerMeta) error
}

// Constraints select which local devices to open.
type Constraints struct {
	Audio bool
	Video bool
}

// MediaSource opens local devices. Acquire may block for as long as a
// permission prompt is open and must return when ctx is done.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (LocalMedia, error)
}

// LocalMedia is a set of acquired local tracks.
type LocalMedia interface {
	Constraints() Constraints
	// Stop releases every track.
	Stop()
}

// Stream is a remote media stream surfaced by the transport.
type Stream struct {
	ID       string
	StreamID string
	Kind     string
	// Track is the transport's native track handle.
	Track any
}

// TransportSink receives asynchronous transport callbacks. Calls are posted
// into the machine and handled in arrival order; they block until the machine
// takes them, so never call them from NewTransport, Apply or Close.
type TransportSink interface {
	RemoteStream(s Stream)
	Failed(err error)
}

// Transport is one peer connection. Signal payloads are opaque to the machine.
type Transport interface {
	// Offer builds the caller's signal payload.
	Offer(ctx context.Context) (json.RawMessage, error)
	// Answer builds the callee's payload from the stored offer.
	Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	// Apply feeds the callee's answer back on the caller side.
	Apply(answer json.RawMessage) error
	Close() error
}

// TransportFactory creates a transport per negotiation. media is nil when the
// call proceeds receive-only.
type TransportFactory interface {
	NewTransport(role Role, media LocalMedia, sink TransportSink) (Transport, error)
}

type EventKind int

const (
	EventStateChanged EventKind = iota
	EventIncomingCall
	EventRemoteStream
	EventError
)

// Event is delivered to the Observer from the machine's goroutine.
type Event struct {
	Kind   EventKind
	State  State
	Role   Role
	Peer   Peer
	Reason EndReason
	Stream Stream
	Err    error
}

// Observer must not block and must not call back into the Machine
// synchronously; use a goroutine for that.
type Observer interface {
	OnCallEvent(e Event)
}

type ObserverFunc func(e Event)

func (f ObserverFunc) OnCallEvent(e Event) { f(e) }
