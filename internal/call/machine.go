package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-calling/internal/logging"
)

// Config wires a Machine to its collaborators. Observer may be nil.
type Config struct {
	Self       Peer
	Signaler   Signaler
	Media      MediaSource
	Transports TransportFactory
	Observer   Observer
}

// negotiation is one call attempt. A pointer identifies it: results of async
// work that arrive for a negotiation that is no longer current are discarded.
type negotiation struct {
	role   Role
	peer   Peer
	ctx    context.Context
	cancel context.CancelFunc

	offer     json.RawMessage
	media     LocalMedia
	transport Transport
	offerSent bool
	accepting bool
}

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	State State
	Role  Role
	Peer  Peer
}

// Machine is the call state machine. Every transition runs on one goroutine;
// public methods, inbound call events and transport callbacks are posted to it.
type Machine struct {
	self       Peer
	signaler   Signaler
	media      MediaSource
	transports TransportFactory
	observer   Observer
	logger     zerolog.Logger

	inbox     chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// owned by run
	state State
	neg   *negotiation
}

func NewMachine(cfg Config) *Machine {
	m := &Machine{
		self:       cfg.Self,
		signaler:   cfg.Signaler,
		media:      cfg.Media,
		transports: cfg.Transports,
		observer:   cfg.Observer,
		logger:     logging.Module("call").With().Str("self", cfg.Self.UserID).Logger(),
		inbox:      make(chan func()),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Machine) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.done:
			m.shutdown()
			return
		}
	}
}

// Close hangs up any active call and stops the machine.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	<-m.stopped
	return nil
}

func (m *Machine) post(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the machine goroutine and waits for its result.
func (m *Machine) do(fn func() error) error {
	reply := make(chan error, 1)
	if !m.post(func() { reply <- fn() }) {
		return ErrClosed
	}
	return <-reply
}

func (m *Machine) Snapshot() Snapshot {
	var s Snapshot
	if err := m.do(func() error {
		s.State = m.state
		if m.neg != nil {
			s.Role = m.neg.role
			s.Peer = m.neg.peer
		}
		return nil
	}); err != nil {
		return Snapshot{State: Idle}
	}
	return s
}

func (m *Machine) State() State { return m.Snapshot().State }

// Call places a call to peer. It returns once the machine is Offering; media
// acquisition and offer creation continue in the background.
func (m *Machine) Call(peer Peer) error {
	return m.do(func() error {
		if m.state != Idle {
			return ErrBusy
		}
		if peer.UserID == "" || peer.UserID == m.self.UserID {
			return ErrInvalidPeer
		}
		n := m.begin(RoleCaller, peer)
		m.setState(Offering, n.peer, ReasonNone)
		m.acquireAsync(n, false)
		return nil
	})
}

// Accept answers the ringing call.
func (m *Machine) Accept() error {
	return m.do(func() error {
		if m.state != Ringing {
			return ErrNoCall
		}
		n := m.neg
		if n.accepting {
			return nil
		}
		n.accepting = true
		m.acquireAsync(n, true)
		return nil
	})
}

// Reject declines the ringing call.
func (m *Machine) Reject() error {
	return m.do(func() error {
		if m.state != Ringing {
			return ErrNoCall
		}
		m.sendReject(m.neg)
		m.finish(ReasonLocalReject, true)
		return nil
	})
}

// Hangup leaves whatever call is active: it cancels an outgoing call, rejects
// a ringing one and ends a connected one.
func (m *Machine) Hangup() error {
	return m.do(m.hangup)
}

func (m *Machine) hangup() error {
	n := m.neg
	switch m.state {
	case Offering:
		if n.offerSent {
			m.sendEnd(n)
		}
		m.finish(ReasonCanceled, false)
	case Ringing:
		m.sendReject(n)
		m.finish(ReasonLocalReject, true)
	case Connected:
		m.sendEnd(n)
		m.finish(ReasonLocalHangup, true)
	default:
		return ErrNoCall
	}
	return nil
}

func (m *Machine) shutdown() {
	if m.neg != nil {
		m.sendEndOrReject()
		m.finish(ReasonClosed, m.state != Offering)
	}
}

func (m *Machine) sendEndOrReject() {
	n := m.neg
	switch {
	case m.state == Ringing:
		m.sendReject(n)
	case m.state == Connected || n.offerSent:
		m.sendEnd(n)
	}
}

// HandleOffer delivers an inbound callOffer.
func (m *Machine) HandleOffer(from Peer, signal json.RawMessage) {
	m.post(func() { m.onOffer(from, signal) })
}

// HandleAccept delivers an inbound callAccept.
func (m *Machine) HandleAccept(from string, signal json.RawMessage) {
	m.post(func() { m.onAccept(from, signal) })
}

// HandleReject delivers an inbound callReject.
func (m *Machine) HandleReject(from string) {
	m.post(func() { m.onRemoteTeardown(from, ReasonRejected) })
}

// HandleEnd delivers an inbound callEnd.
func (m *Machine) HandleEnd(from string) {
	m.post(func() { m.onRemoteTeardown(from, ReasonRemoteEnded) })
}

// PeerOffline reports that userID has no live connection any more.
func (m *Machine) PeerOffline(userID string) {
	m.post(func() { m.onRemoteTeardown(userID, ReasonPeerOffline) })
}

func (m *Machine) onOffer(from Peer, signal json.RawMessage) {
	if from.UserID == "" || from.UserID == m.self.UserID {
		return
	}
	if m.state != Idle {
		m.logger.Info().Str("from", from.UserID).Str("state", m.state.String()).Msg("offer ignored, busy")
		return
	}
	n := m.begin(RoleCallee, from)
	n.offer = signal
	m.setState(Ringing, n.peer, ReasonNone)
	m.emit(Event{Kind: EventIncomingCall, State: Ringing, Role: RoleCallee, Peer: n.peer})
}

func (m *Machine) onAccept(from string, signal json.RawMessage) {
	n := m.neg
	if n == nil || m.state != Offering || from != n.peer.UserID || !n.offerSent {
		m.logger.Debug().Str("from", from).Str("state", m.state.String()).Msg("accept ignored")
		return
	}
	if err := n.transport.Apply(signal); err != nil {
		m.fail(fmt.Errorf("apply answer: %w", err))
		return
	}
	m.setState(Connected, n.peer, ReasonNone)
}

// onRemoteTeardown ends the call without echoing anything back.
func (m *Machine) onRemoteTeardown(from string, reason EndReason) {
	n := m.neg
	if n == nil || from != n.peer.UserID {
		return
	}
	m.logger.Info().Str("peer", from).Str("state", m.state.String()).Str("reason", reason.String()).Msg("call torn down by peer")
	m.finish(reason, true)
}

func (m *Machine) begin(role Role, peer Peer) *negotiation {
	ctx, cancel := context.WithCancel(context.Background())
	n := &negotiation{role: role, peer: peer, ctx: ctx, cancel: cancel}
	m.neg = n
	return n
}

func (m *Machine) acquireAsync(n *negotiation, allowNone bool) {
	go func() {
		media, err := acquire(n.ctx, m.media, allowNone, m.logger)
		if !m.post(func() { m.onMedia(n, media, err) }) && media != nil {
			media.Stop()
		}
	}()
}

func (m *Machine) onMedia(n *negotiation, media LocalMedia, err error) {
	if m.neg != n {
		if media != nil {
			media.Stop()
		}
		return
	}
	if err != nil {
		m.fail(err)
		return
	}
	n.media = media

	t, err := m.transports.NewTransport(n.role, media, &sink{m: m, n: n})
	if err != nil {
		m.fail(fmt.Errorf("create transport: %w", err))
		return
	}
	n.transport = t

	go func() {
		var (
			signal json.RawMessage
			err    error
		)
		if n.role == RoleCaller {
			signal, err = t.Offer(n.ctx)
		} else {
			signal, err = t.Answer(n.ctx, n.offer)
		}
		m.post(func() { m.onLocalSignal(n, signal, err) })
	}()
}

func (m *Machine) onLocalSignal(n *negotiation, signal json.RawMessage, err error) {
	if m.neg != n {
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("negotiate: %w", err))
		return
	}

	switch m.state {
	case Offering:
		if err := m.signaler.SendOffer(n.peer.UserID, signal, m.self.Meta); err != nil {
			m.fail(fmt.Errorf("send offer: %w", err))
			return
		}
		n.offerSent = true
		m.logger.Info().Str("peer", n.peer.UserID).Msg("offer sent")
	case Ringing:
		if err := m.signaler.SendAccept(n.peer.UserID, signal, m.self.Meta); err != nil {
			m.fail(fmt.Errorf("send accept: %w", err))
			return
		}
		m.setState(Connected, n.peer, ReasonNone)
	}
}

func (m *Machine) onStream(n *negotiation, s Stream) {
	if m.neg != n {
		return
	}
	m.emit(Event{Kind: EventRemoteStream, State: m.state, Role: n.role, Peer: n.peer, Stream: s})
}

// fail surfaces err and tears the active call down. Before an offer went out
// nothing is sent and the machine returns straight to Idle.
func (m *Machine) fail(err error) {
	n := m.neg
	if n == nil {
		return
	}
	m.logger.Error().Err(err).Str("peer", n.peer.UserID).Str("state", m.state.String()).Msg("call failed")
	m.emit(Event{Kind: EventError, State: m.state, Role: n.role, Peer: n.peer, Err: err})

	viaEnded := m.state != Offering
	m.sendEndOrReject()
	m.finish(ReasonFailed, viaEnded)
}

// finish tears the active negotiation down and returns to Idle, passing
// through Ended when viaEnded is set.
func (m *Machine) finish(reason EndReason, viaEnded bool) {
	n := m.neg
	if n == nil {
		return
	}
	if viaEnded {
		m.setState(Ended, n.peer, reason)
	}
	m.teardown(n)
	m.setState(Idle, n.peer, reason)
	m.neg = nil
}

func (m *Machine) teardown(n *negotiation) {
	n.cancel()
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to close transport")
		}
		n.transport = nil
	}
	if n.media != nil {
		n.media.Stop()
		n.media = nil
	}
}

func (m *Machine) sendReject(n *negotiation) {
	if err := m.signaler.SendReject(n.peer.UserID, m.self.Meta); err != nil {
		m.logger.Warn().Err(err).Str("peer", n.peer.UserID).Msg("failed to send reject")
	}
}

func (m *Machine) sendEnd(n *negotiation) {
	if err := m.signaler.SendEnd(n.peer.UserID, m.self.Meta); err != nil {
		m.logger.Warn().Err(err).Str("peer", n.peer.UserID).Msg("failed to send end")
	}
}

func (m *Machine) setState(s State, peer Peer, reason EndReason) {
	var role Role
	if m.neg != nil {
		role = m.neg.role
	}
	m.state = s
	m.logger.Debug().Str("state", s.String()).Str("peer", peer.UserID).Str("reason", reason.String()).Msg("state changed")
	m.emit(Event{Kind: EventStateChanged, State: s, Role: role, Peer: peer, Reason: reason})
}

func (m *Machine) emit(e Event) {
	if m.observer != nil {
		m.observer.OnCallEvent(e)
	}
}

type sink struct {
	m *Machine
	n *negotiation
}

func (s *sink) RemoteStream(st Stream) {
	s.m.post(func() { s.m.onStream(s.n, st) })
}

func (s *sink) Failed(err error) {
	s.m.post(func() {
		if s.m.neg == s.n {
			s.m.fail(fmt.Errorf("transport: %w", err))
		}
	})
}
