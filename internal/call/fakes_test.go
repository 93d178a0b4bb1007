package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calling/internal/models"
)

type sent struct {
	kind   models.EventType
	to     string
	signal string
}

type fakeSignaler struct {
	mu   sync.Mutex
	msgs []sent
	ch   chan sent
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan sent, 32)}
}

func (s *fakeSignaler) record(kind models.EventType, to string, signal json.RawMessage) error {
	msg := sent{kind: kind, to: to, signal: string(signal)}
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	s.ch <- msg
	return nil
}

func (s *fakeSignaler) SendOffer(to string, signal json.RawMessage, _ models.PeerMeta) error {
	return s.record(models.EventCallOffer, to, signal)
}

func (s *fakeSignaler) SendAccept(to string, signal json.RawMessage, _ models.PeerMeta) error {
	return s.record(models.EventCallAccept, to, signal)
}

func (s *fakeSignaler) SendReject(to string, _ models.PeerMeta) error {
	return s.record(models.EventCallReject, to, nil)
}

func (s *fakeSignaler) SendEnd(to string, _ models.PeerMeta) error {
	return s.record(models.EventCallEnd, to, nil)
}

func (s *fakeSignaler) sent() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.msgs...)
}

func (s *fakeSignaler) expect(t *testing.T, kind models.EventType) sent {
	t.Helper()
	select {
	case msg := <-s.ch:
		if msg.kind != kind {
			t.Fatalf("expected %s to be sent, got %s", kind, msg.kind)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
	}
	return sent{}
}

type fakeMedia struct {
	c     Constraints
	stops atomic.Int32
}

func (m *fakeMedia) Constraints() Constraints { return m.c }
func (m *fakeMedia) Stop()                    { m.stops.Add(1) }

// fakeSource fails for every constraint set listed in fail. With block set,
// Acquire waits for release or ctx.
type fakeSource struct {
	mu       sync.Mutex
	fail     map[Constraints]bool
	block    chan struct{}
	acquired []*fakeMedia
	asked    []Constraints
}

func (s *fakeSource) Acquire(ctx context.Context, c Constraints) (LocalMedia, error) {
	s.mu.Lock()
	s.asked = append(s.asked, c)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail[c] {
		return nil, errors.New("device unavailable")
	}
	m := &fakeMedia{c: c}
	s.mu.Lock()
	s.acquired = append(s.acquired, m)
	s.mu.Unlock()
	return m, nil
}

func (s *fakeSource) media() []*fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeMedia(nil), s.acquired...)
}

type fakeTransport struct {
	role    Role
	media   LocalMedia
	sink    TransportSink
	applied atomic.Value
	closes  atomic.Int32
	// hold blocks Offer/Answer until closed or ctx is done
	hold     chan struct{}
	gotOffer string
}

func (t *fakeTransport) wait(ctx context.Context) error {
	if t.hold == nil {
		return nil
	}
	select {
	case <-t.hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Offer(ctx context.Context) (json.RawMessage, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"type":"offer","sdp":"o"}`), nil
}

func (t *fakeTransport) Answer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	t.gotOffer = string(offer)
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"type":"answer","sdp":"a"}`), nil
}

func (t *fakeTransport) Apply(answer json.RawMessage) error {
	t.applied.Store(string(answer))
	return nil
}

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	return nil
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	hold       chan struct{}
	created    chan *fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakeTransport, 8)}
}

func (f *fakeFactory) NewTransport(role Role, media LocalMedia, sink TransportSink) (Transport, error) {
	t := &fakeTransport{role: role, media: media, sink: sink, hold: f.hold}
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	f.created <- t
	return t, nil
}

func (f *fakeFactory) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-f.created:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport")
	}
	return nil
}

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 64)}
}

func (r *recorder) OnCallEvent(e Event) { r.events <- e }

// expectState waits for a transition to s, failing on any other transition
// in between.
func (r *recorder) expectState(t *testing.T, s State) Event {
	t.Helper()
	for {
		select {
		case e := <-r.events:
			if e.Kind != EventStateChanged {
				continue
			}
			if e.State != s {
				t.Fatalf("expected transition to %s, got %s", s, e.State)
			}
			return e
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", s)
		}
	}
}

func (r *recorder) expectKind(t *testing.T, k EventKind) Event {
	t.Helper()
	for {
		select {
		case e := <-r.events:
			if e.Kind == k {
				return e
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event kind %d", k)
		}
	}
}

type harness struct {
	m       *Machine
	sig     *fakeSignaler
	src     *fakeSource
	factory *fakeFactory
	obs     *recorder
}

var (
	alice = Peer{UserID: "u1", Meta: models.PeerMeta{Name: "alice"}}
	bob   = Peer{UserID: "u2", Meta: models.PeerMeta{Name: "bob"}}
	carol = Peer{UserID: "u3", Meta: models.PeerMeta{Name: "carol"}}
)

func newHarness(t *testing.T, self Peer) *harness {
	t.Helper()
	h := &harness{
		sig:     newFakeSignaler(),
		src:     &fakeSource{fail: map[Constraints]bool{}},
		factory: newFakeFactory(),
		obs:     newRecorder(),
	}
	h.m = NewMachine(Config{
		Self:       self,
		Signaler:   h.sig,
		Media:      h.src,
		Transports: h.factory,
		Observer:   h.obs,
	})
	t.Cleanup(func() { h.m.Close() })
	return h
}

// connectCaller drives a caller machine to Connected with bob.
func (h *harness) connectCaller(t *testing.T) *fakeTransport {
	t.Helper()
	if err := h.m.Call(bob); err != nil {
		t.Fatalf("Call: %v", err)
	}
	h.obs.expectState(t, Offering)
	tr := h.factory.next(t)
	h.sig.expect(t, models.EventCallOffer)
	h.m.HandleAccept(bob.UserID, json.RawMessage(`{"type":"answer"}`))
	h.obs.expectState(t, Connected)
	return tr
}
