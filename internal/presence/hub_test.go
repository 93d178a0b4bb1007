package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/mossy-p/webrtc-calling/internal/models"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []models.Envelope
	full   bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		panic(err)
	}
	c.frames = append(c.frames, env)
	return true
}

func (c *fakeConn) ofType(t models.EventType) []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Envelope
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) lastOnlineSet(t *testing.T) []models.OnlineUser {
	t.Helper()
	sets := c.ofType(models.EventOnlineSetChanged)
	if len(sets) == 0 {
		t.Fatalf("conn %s received no online set", c.id)
	}
	var p models.OnlineSetPayload
	if err := json.Unmarshal(sets[len(sets)-1].Data, &p); err != nil {
		t.Fatal(err)
	}
	return p.Users
}

type recordingMirror struct {
	ops []string
}

func (m *recordingMirror) UserOnline(e models.PresenceEntry) {
	m.ops = append(m.ops, "online:"+e.UserID+"@"+e.ConnectionID)
}

func (m *recordingMirror) UserOffline(e models.PresenceEntry) {
	m.ops = append(m.ops, "offline:"+e.UserID+"@"+e.ConnectionID)
}

func ids(users []models.OnlineUser) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.UserID
	}
	return out
}

func TestJoinBroadcastsOnlineSet(t *testing.T) {
	h := NewHub()
	a, b := newFakeConn("c-a"), newFakeConn("c-b")
	h.OnConnect(a)
	h.OnConnect(b)

	if !h.OnJoin(a, "u1", "alice") {
		t.Fatal("join rejected")
	}
	if got := ids(b.lastOnlineSet(t)); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("b should see u1 online, got %v", got)
	}

	h.OnJoin(b, "u2", "bob")
	for _, c := range []*fakeConn{a, b} {
		got := c.lastOnlineSet(t)
		if len(got) != 2 || got[0].UserID != "u1" || got[1].DisplayName != "bob" {
			t.Fatalf("conn %s: unexpected online set %+v", c.id, got)
		}
	}
}

func TestMalformedJoinIgnored(t *testing.T) {
	h := NewHub()
	a := newFakeConn("c-a")
	h.OnConnect(a)

	if h.OnJoin(a, "", "nobody") {
		t.Fatal("join without user id should be ignored")
	}
	if len(a.frames) != 0 {
		t.Fatalf("no broadcast expected, got %d frames", len(a.frames))
	}
	if _, ok := h.UserOf("c-a"); ok {
		t.Fatal("connection should stay anonymous")
	}
	if h.OnDisconnect(a) {
		t.Fatal("anonymous disconnect should not report an offline user")
	}
}

func TestReconnectUpdatesEntryInPlace(t *testing.T) {
	h := NewHub()
	old, fresh, observer := newFakeConn("c-old"), newFakeConn("c-new"), newFakeConn("c-obs")
	for _, c := range []*fakeConn{old, fresh, observer} {
		h.OnConnect(c)
	}

	h.OnJoin(old, "u1", "alice")
	h.OnJoin(fresh, "u1", "alice (laptop)")

	if got := h.Online(); len(got) != 1 || got[0].DisplayName != "alice (laptop)" {
		t.Fatalf("expected one updated entry, got %+v", got)
	}
	c, ok := h.Resolve("u1")
	if !ok || c.ID() != "c-new" {
		t.Fatalf("u1 should resolve to c-new, got %v %v", c, ok)
	}

	// the stale disconnect arrives after the newer join
	if h.OnDisconnect(old) {
		t.Fatal("stale disconnect must not evict the fresher entry")
	}
	c, ok = h.Resolve("u1")
	if !ok || c.ID() != "c-new" {
		t.Fatalf("u1 should still resolve to c-new, got %v %v", c, ok)
	}
	if n := len(observer.ofType(models.EventUserWentOffline)); n != 0 {
		t.Fatalf("no offline event expected, got %d", n)
	}
}

func TestDisconnectRaisesSingleOfflineEvent(t *testing.T) {
	h := NewHub()
	a, b := newFakeConn("c-a"), newFakeConn("c-b")
	h.OnConnect(a)
	h.OnConnect(b)
	h.OnJoin(a, "u1", "alice")
	h.OnJoin(b, "u2", "bob")

	if !h.OnDisconnect(b) {
		t.Fatal("disconnect of owning connection should report offline")
	}
	if h.OnDisconnect(b) {
		t.Fatal("second disconnect must be a no-op")
	}

	if got := ids(a.lastOnlineSet(t)); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("u2 should be gone from the online set, got %v", got)
	}
	offline := a.ofType(models.EventUserWentOffline)
	if len(offline) != 1 {
		t.Fatalf("expected exactly one userWentOffline, got %d", len(offline))
	}
	var p models.UserWentOfflinePayload
	if err := json.Unmarshal(offline[0].Data, &p); err != nil || p.UserID != "u2" {
		t.Fatalf("unexpected payload %s: %v", offline[0].Data, err)
	}
	if _, ok := h.Resolve("u2"); ok {
		t.Fatal("u2 should not resolve")
	}
}

func TestJoinAfterDisconnectExcludesGoneUsers(t *testing.T) {
	h := NewHub()
	a, b, c := newFakeConn("c-a"), newFakeConn("c-b"), newFakeConn("c-c")
	for _, conn := range []*fakeConn{a, b, c} {
		h.OnConnect(conn)
	}
	h.OnJoin(a, "u1", "alice")
	h.OnJoin(b, "u2", "bob")
	h.OnDisconnect(a)
	h.OnJoin(c, "u3", "carol")

	if got := ids(c.lastOnlineSet(t)); len(got) != 2 || got[0] != "u2" || got[1] != "u3" {
		t.Fatalf("unexpected online set %v", got)
	}
}

func TestConnectionChangingIdentityReleasesOldEntry(t *testing.T) {
	h := NewHub()
	a, obs := newFakeConn("c-a"), newFakeConn("c-obs")
	h.OnConnect(a)
	h.OnConnect(obs)
	h.OnJoin(a, "u1", "alice")
	h.OnJoin(a, "u9", "mallory")

	if _, ok := h.Resolve("u1"); ok {
		t.Fatal("u1 should be released")
	}
	if got := ids(h.Online()); len(got) != 1 || got[0] != "u9" {
		t.Fatalf("unexpected online set %v", got)
	}
	if n := len(obs.ofType(models.EventUserWentOffline)); n != 1 {
		t.Fatalf("expected one offline event for u1, got %d", n)
	}
}

func TestSendToGroupReachesEveryConnectionOfUser(t *testing.T) {
	h := NewHub()
	old, fresh, other := newFakeConn("c-old"), newFakeConn("c-new"), newFakeConn("c-other")
	for _, c := range []*fakeConn{old, fresh, other} {
		h.OnConnect(c)
	}
	h.OnJoin(old, "u1", "alice")
	h.OnJoin(fresh, "u1", "alice")
	h.OnJoin(other, "u2", "bob")

	frame, _ := models.Encode(models.EventCallEnd, models.CallMessage{From: "u2"})
	if n := h.SendToGroup("u1", frame, "c-other"); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if n := h.SendToGroup("u1", frame, "c-new"); n != 1 {
		t.Fatalf("excluded connection must be skipped, got %d", n)
	}
	if len(other.ofType(models.EventCallEnd)) != 0 {
		t.Fatal("other users must not receive group frames")
	}

	h.OnDisconnect(old)
	if n := h.SendToGroup("u1", frame, ""); n != 1 {
		t.Fatalf("closed connections leave the group, got %d", n)
	}
	if n := h.SendToGroup("nobody", frame, ""); n != 0 {
		t.Fatalf("unknown group should reach nobody, got %d", n)
	}
}

func TestMirrorSeesChangesInOrder(t *testing.T) {
	m := &recordingMirror{}
	h := NewHub(WithMirror(m))
	old, fresh := newFakeConn("c1"), newFakeConn("c2")
	h.OnJoin(old, "u1", "alice")
	h.OnJoin(fresh, "u1", "alice")
	h.OnDisconnect(old)
	h.OnDisconnect(fresh)

	want := []string{"online:u1@c1", "online:u1@c2", "offline:u1@c2"}
	if fmt.Sprint(m.ops) != fmt.Sprint(want) {
		t.Fatalf("mirror ops = %v, want %v", m.ops, want)
	}
}

func TestBroadcastSurvivesFullBuffers(t *testing.T) {
	h := NewHub()
	slow, a := newFakeConn("c-slow"), newFakeConn("c-a")
	slow.full = true
	h.OnConnect(slow)
	h.OnConnect(a)
	h.OnJoin(a, "u1", "alice")

	if got := ids(a.lastOnlineSet(t)); len(got) != 1 {
		t.Fatalf("healthy connection should still be served, got %v", got)
	}
}

// Interleaved joins and disconnects for one user id must always leave the
// registry pointing at a connection that is still open.
func TestConcurrentJoinDisconnectSameUser(t *testing.T) {
	h := NewHub()
	const rounds = 200

	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		c := newFakeConn(fmt.Sprintf("c-%d", i))
		wg.Add(1)
		go func(c *fakeConn, closeIt bool) {
			defer wg.Done()
			h.OnConnect(c)
			h.OnJoin(c, "u1", "alice")
			if closeIt {
				h.OnDisconnect(c)
			}
		}(c, i%2 == 0)
	}
	wg.Wait()

	online := h.Online()
	if len(online) > 1 {
		t.Fatalf("at most one entry per user id, got %d", len(online))
	}
	if e, ok := h.Entry("u1"); ok {
		if _, open := h.UserOf(e.ConnectionID); !open {
			t.Fatalf("entry points at closed connection %s", e.ConnectionID)
		}
	}
}

func TestEntriesSnapshot(t *testing.T) {
	h := NewHub()
	a, b := newFakeConn("c1"), newFakeConn("c2")
	h.OnConnect(a)
	h.OnConnect(b)
	h.OnJoin(b, "u2", "Bob")
	h.OnJoin(a, "u1", "Alice")

	entries := h.Entries()
	if len(entries) != 2 || entries[0].UserID != "u1" || entries[1].ConnectionID != "c2" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	h.OnDisconnect(a)
	if entries := h.Entries(); len(entries) != 1 || entries[0].UserID != "u2" {
		t.Fatalf("unexpected entries after disconnect: %+v", entries)
	}
}
