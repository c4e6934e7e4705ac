package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/codec"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/envelope"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrcerrors"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/transport"
)

type fakeIdentity struct{ h []byte }

func (f fakeIdentity) Hash() []byte { return f.h }

type fakeLink struct {
	mu       sync.Mutex
	sent     [][]byte
	maxFrame int
	teardown chan struct{}
}

func newFakeLink() *fakeLink {
	return &fakeLink{maxFrame: 4096, teardown: make(chan struct{})}
}

func (l *fakeLink) Identify(self transport.Identity) error { return nil }
func (l *fakeLink) WouldFit(payload []byte) bool            { return len(payload) <= l.maxFrame }
func (l *fakeLink) Send(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, payload)
	return nil
}
func (l *fakeLink) Teardown() error {
	select {
	case <-l.teardown:
	default:
		close(l.teardown)
	}
	return nil
}
func (l *fakeLink) lastSent() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sent) == 0 {
		return nil
	}
	return l.sent[len(l.sent)-1]
}

// findSent scans every payload the link has sent (in order, including
// anything the background hello loop emitted) for the first one whose
// envelope type matches want, so assertions aren't sensitive to
// interleaving with the hello-loop goroutine.
func findSent(t *testing.T, l *fakeLink, want uint64) map[uint64]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		frames := append([][]byte(nil), l.sent...)
		l.mu.Unlock()
		for _, f := range frames {
			raw, err := codec.Decode(f)
			if err != nil {
				continue
			}
			if envelope.Type(raw) == want {
				return raw
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never observed a sent envelope of type %d", want)
	return nil
}

// fakeTransport resolves paths/identities immediately and dials a
// fakeLink, auto-delivering a WELCOME once identify succeeds.
type fakeTransport struct {
	link          *fakeLink
	autoWelcome   bool
	dialErr       error
	hubIdentityOK bool
}

func (t *fakeTransport) LoadOrCreateIdentity(path string) (transport.Identity, error) {
	return fakeIdentity{h: []byte("0123456789abcdef")}, nil
}
func (t *fakeTransport) RequestPath(hubHash []byte) error { return nil }
func (t *fakeTransport) HasPath(hubHash []byte) bool      { return true }
func (t *fakeTransport) RecallIdentity(hubHash []byte) (transport.Identity, bool) {
	return fakeIdentity{h: hubHash}, true
}
func (t *fakeTransport) DestinationHash(id transport.Identity, destName string) []byte {
	return id.Hash()
}
func (t *fakeTransport) TeardownExisting(destHash []byte)             {}
func (t *fakeTransport) RegisterAnnounceHandler(h transport.AnnounceHandler) {}

func (t *fakeTransport) Dial(ctx context.Context, id transport.Identity, destName string, ev transport.LinkEvents) (transport.Link, error) {
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	t.link = newFakeLink()
	ev.OnEstablished(t.link)
	if t.autoWelcome {
		welcome := envelope.Make(envelope.TypeWelcome, id.Hash(), envelope.Options{})
		payload, _ := codec.Encode(map[uint64]any(welcome))
		go ev.OnPacket(payload)
	}
	return t.link, nil
}

func hubHash() []byte { return []byte("fedcba9876543210") }

func TestConnectReachesWelcomed(t *testing.T) {
	tr := &fakeTransport{autoWelcome: true}
	c := New(tr, DefaultConfig(), Callbacks{}, nil)

	err := c.Connect(context.Background(), fakeIdentity{h: []byte("selfselfselfself")}, hubHash())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateWelcomed {
		t.Fatalf("expected welcomed, got %v", c.State())
	}
}

func TestConnectTwiceReturnsAlreadyConnected(t *testing.T) {
	tr := &fakeTransport{autoWelcome: true}
	c := New(tr, DefaultConfig(), Callbacks{}, nil)
	if err := c.Connect(context.Background(), fakeIdentity{h: []byte("selfselfselfself")}, hubHash()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	err := c.Connect(context.Background(), fakeIdentity{h: []byte("selfselfselfself")}, hubHash())
	rerr, ok := err.(*rrcerrors.E)
	if !ok || rerr.Code != rrcerrors.AlreadyConnected {
		t.Fatalf("expected AlreadyConnected, got %v", err)
	}
}

func TestMsgBeforeConnectFailsNotConnected(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr, DefaultConfig(), Callbacks{}, nil)
	_, err := c.Msg(context.Background(), "lobby", "hi", "nick")
	rerr, ok := err.(*rrcerrors.E)
	if !ok || rerr.Code != rrcerrors.NotConnected {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}

func TestMsgAfterWelcomeSendsEnvelope(t *testing.T) {
	tr := &fakeTransport{autoWelcome: true}
	c := New(tr, DefaultConfig(), Callbacks{}, nil)
	if err := c.Connect(context.Background(), fakeIdentity{h: []byte("selfselfselfself")}, hubHash()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	id, err := c.Msg(context.Background(), "Lobby", "hello world", "nick")
	if err != nil {
		t.Fatalf("msg: %v", err)
	}
	if len(id) != 8 {
		t.Fatalf("expected 8 byte id, got %d", len(id))
	}

	raw := findSent(t, tr.link, envelope.TypeMsg)
	room, _ := envelope.Room(raw)
	if room != "lobby" {
		t.Fatalf("expected normalized room 'lobby', got %q", room)
	}
}

func TestMsgTooLargeWhenLinkCannotFit(t *testing.T) {
	tr := &fakeTransport{autoWelcome: true}
	c := New(tr, DefaultConfig(), Callbacks{}, nil)
	if err := c.Connect(context.Background(), fakeIdentity{h: []byte("selfselfselfself")}, hubHash()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tr.link.maxFrame = 1 // force WouldFit to fail

	var warned string
	c.cb.OnResourceWarning = func(msg string) { warned = msg }

	_, err := c.Msg(context.Background(), "lobby", "hello world", "nick")
	rerr, ok := err.(*rrcerrors.E)
	if !ok || rerr.Code != rrcerrors.MsgTooLarge {
		t.Fatalf("expected MsgTooLarge, got %v", err)
	}
	if warned == "" {
		t.Fatal("expected OnResourceWarning to fire")
	}
}

func TestPingAutoReplyToPong(t *testing.T) {
	tr := &fakeTransport{autoWelcome: true}
	var gotPong bool
	cb := Callbacks{OnPong: func(env map[uint64]any) { gotPong = true }}
	c := New(tr, DefaultConfig(), cb, nil)
	if err := c.Connect(context.Background(), fakeIdentity{h: []byte("selfselfselfself")}, hubHash()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ping := envelope.Make(envelope.TypePing, hubHash(), envelope.Options{})
	payload, _ := codec.Encode(map[uint64]any(ping))
	c.handlePacket(payload)

	findSent(t, tr.link, envelope.TypePong)

	pong := envelope.Make(envelope.TypePong, hubHash(), envelope.Options{})
	payload2, _ := codec.Encode(map[uint64]any(pong))
	c.handlePacket(payload2)
	if !gotPong {
		t.Fatal("expected OnPong callback")
	}
}

func TestJoinTracksRoomOnJoined(t *testing.T) {
	tr := &fakeTransport{autoWelcome: true}
	c := New(tr, DefaultConfig(), Callbacks{}, nil)
	if err := c.Connect(context.Background(), fakeIdentity{h: []byte("selfselfselfself")}, hubHash()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Join(context.Background(), "Lobby", nil); err != nil {
		t.Fatalf("join: %v", err)
	}

	room := "lobby"
	joined := envelope.Make(envelope.TypeJoined, hubHash(), envelope.Options{Room: &room})
	payload, _ := codec.Encode(map[uint64]any(joined))
	c.handlePacket(payload)

	rooms := c.Rooms()
	if len(rooms) != 1 || rooms[0] != "lobby" {
		t.Fatalf("expected [lobby], got %v", rooms)
	}
}

func TestCloseTeardownLink(t *testing.T) {
	tr := &fakeTransport{autoWelcome: true}
	c := New(tr, DefaultConfig(), Callbacks{}, nil)
	if err := c.Connect(context.Background(), fakeIdentity{h: []byte("selfselfselfself")}, hubHash()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %v", c.State())
	}
	select {
	case <-tr.link.teardown:
	case <-time.After(time.Second):
		t.Fatal("expected link teardown")
	}
}
