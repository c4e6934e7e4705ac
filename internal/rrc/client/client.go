// Package client implements the RRC protocol state machine (C4): link
// lifecycle, handshake with retry, envelope codec/validation wiring,
// resource-transfer expectation tracking, and thread-safe callback
// dispatch.
//
// Concurrency follows spec.md §5 and §9's restructuring note: rather
// than a reentrant lock, handlers read what they need under c.mu and
// then act (including invoking callbacks) after releasing it — so a
// plain sync.Mutex is sufficient and callbacks can safely call back
// into exported Client methods without deadlocking.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/codec"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/envelope"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrclog"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrcerrors"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/sanitize"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/transport"
)

// State is a position in the connection lifecycle state machine.
type State int

const (
	StateDisconnected State = iota
	StatePathWait
	StateLinkPending
	StateIdentifying
	StateHelloLoop
	StateWelcomed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StatePathWait:
		return "path_wait"
	case StateLinkPending:
		return "link_pending"
	case StateIdentifying:
		return "identifying"
	case StateHelloLoop:
		return "hello_loop"
	case StateWelcomed:
		return "welcomed"
	default:
		return "unknown"
	}
}

// Config mirrors original_source/rrc_web/client.py's ClientConfig.
type Config struct {
	DestName                       string
	MaxResourceBytes               int64
	ResourceExpectationTTL         time.Duration
	MaxPendingResourceExpectations int
	MaxActiveResources             int
	HelloInterval                  time.Duration
	HelloMaxAttempts               int
	ConnectTimeout                 time.Duration
	CleanupExistingLinks           bool
}

// DefaultConfig returns the constants tabulated in spec.md §6.
func DefaultConfig() Config {
	return Config{
		DestName:                       "rrc.hub",
		MaxResourceBytes:               262144,
		ResourceExpectationTTL:         30 * time.Second,
		MaxPendingResourceExpectations: 8,
		MaxActiveResources:             16,
		HelloInterval:                  3 * time.Second,
		HelloMaxAttempts:               3,
		ConnectTimeout:                 20 * time.Second,
		CleanupExistingLinks:           true,
	}
}

// Callbacks are invoked outside any internal lock; panics and errors
// from them are recovered, logged, and never propagated (spec.md §7,
// Callback kind).
type Callbacks struct {
	OnMessage         func(env map[uint64]any)
	OnNotice          func(env map[uint64]any)
	OnError           func(env map[uint64]any)
	OnWelcome         func(env map[uint64]any)
	OnJoined          func(room string, env map[uint64]any)
	OnParted          func(room string, env map[uint64]any)
	OnClose           func()
	OnResourceWarning func(message string)
	OnPong            func(env map[uint64]any)
}

type resourceExpectation struct {
	id        []byte
	kind      string
	size      int64
	sha256    []byte
	encoding  string
	room      *string
	createdAt time.Time
	expiresAt time.Time
}

// Client is the RRC protocol state machine for a single hub
// connection.
type Client struct {
	cfg Config
	tr  transport.Transport
	log *rrclog.Logger
	cb  Callbacks

	self     transport.Identity
	destName string

	mu               sync.Mutex
	state            State
	link             transport.Link
	gen              uint64
	rooms            map[string]struct{}
	expectations     []*resourceExpectation
	activeResources  map[transport.Resource]*resourceExpectation
	welcomedCh       chan struct{}
	connectDeadline  time.Time
	helloLoopRunning bool
}

// New constructs a Client bound to a transport and callback set.
func New(tr transport.Transport, cfg Config, cb Callbacks, log *rrclog.Logger) *Client {
	if log == nil {
		log = rrclog.Nop
	}
	return &Client{
		cfg:             cfg,
		tr:              tr,
		log:             log,
		cb:              cb,
		rooms:           map[string]struct{}{},
		activeResources: map[transport.Resource]*resourceExpectation{},
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns a snapshot of the locally-tracked joined rooms.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// Connect drives the full PATH_WAIT → LINK_PENDING → IDENTIFYING →
// HELLO_LOOP → WELCOMED sequence described in spec.md §4.4.
func (c *Client) Connect(ctx context.Context, self transport.Identity, hubHash []byte) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return rrcerrors.New(rrcerrors.AlreadyConnected, "client already connected")
	}
	c.self = self
	c.gen++
	myGen := c.gen
	c.state = StatePathWait
	c.welcomedCh = make(chan struct{})
	c.connectDeadline = time.Now().Add(c.cfg.ConnectTimeout)
	deadline := c.connectDeadline
	c.mu.Unlock()

	if err := c.tr.RequestPath(hubHash); err != nil {
		c.resetToDisconnected()
		return rrcerrors.Wrap(rrcerrors.IOError, "request_path failed", err)
	}

	pathDeadline := earlier(deadline, time.Now().Add(5*time.Second))
	if !pollWithBackoff(ctx, pathDeadline, func() bool { return c.tr.HasPath(hubHash) }) {
		c.resetToDisconnected()
		return rrcerrors.New(rrcerrors.Timeout, "timed out waiting for path")
	}

	var hubIdentity transport.Identity
	ok := pollWithBackoff(ctx, deadline, func() bool {
		id, found := c.tr.RecallIdentity(hubHash)
		if found {
			hubIdentity = id
		}
		return found
	})
	if !ok {
		c.resetToDisconnected()
		return rrcerrors.New(rrcerrors.Timeout, "timed out resolving hub identity")
	}

	derived := c.tr.DestinationHash(hubIdentity, c.destNameOrDefault())
	if !bytes.Equal(derived, hubHash) {
		c.resetToDisconnected()
		return rrcerrors.New(rrcerrors.HashMismatch, "derived destination hash did not match requested hub")
	}

	if c.cfg.CleanupExistingLinks {
		c.tr.TeardownExisting(hubHash)
		sleepCtx(ctx, time.Second)
	}

	c.mu.Lock()
	c.state = StateLinkPending
	c.mu.Unlock()

	ev := &linkEvents{c: c, gen: myGen}
	if _, err := c.tr.Dial(ctx, hubIdentity, c.destNameOrDefault(), ev); err != nil {
		c.resetToDisconnected()
		return rrcerrors.Wrap(rrcerrors.IOError, "dial failed", err)
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	select {
	case <-c.welcomedCh:
		return nil
	case <-time.After(remaining):
		c.resetToDisconnected()
		return rrcerrors.New(rrcerrors.Timeout, "timed out waiting for welcome")
	case <-ctx.Done():
		c.resetToDisconnected()
		return rrcerrors.Wrap(rrcerrors.Timeout, "connect canceled", ctx.Err())
	}
}

func (c *Client) destNameOrDefault() string {
	if c.destName != "" {
		return c.destName
	}
	if c.cfg.DestName != "" {
		return c.cfg.DestName
	}
	return "rrc.hub"
}

// SetDestName configures the destination aspect name used for Connect.
func (c *Client) SetDestName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destName = name
}

func (c *Client) resetToDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.link = nil
	c.mu.Unlock()
}

// linkEvents adapts transport.LinkEvents to this Client, tagged with
// the connect-cycle generation it belongs to so a stale established/
// closed callback from a superseded cycle is ignored.
type linkEvents struct {
	c   *Client
	gen uint64
}

func (e *linkEvents) OnEstablished(link transport.Link) {
	c := e.c
	c.mu.Lock()
	if c.gen != e.gen {
		c.mu.Unlock()
		return
	}
	c.link = link
	c.state = StateIdentifying
	c.mu.Unlock()

	if err := link.Identify(c.self); err != nil {
		c.log.Warn("identify failed", map[string]any{"error": err.Error()})
		_ = link.Teardown()
		c.resetToDisconnected()
		return
	}

	c.mu.Lock()
	if c.gen != e.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateHelloLoop
	c.helloLoopRunning = true
	c.mu.Unlock()

	go c.helloLoop(e.gen)
}

func (e *linkEvents) OnClosed(link transport.Link) {
	c := e.c
	c.mu.Lock()
	if c.gen != e.gen {
		c.mu.Unlock()
		return
	}
	// Snapshot active resources to cancel outside the lock.
	toCancel := make([]transport.Resource, 0, len(c.activeResources))
	for r := range c.activeResources {
		toCancel = append(toCancel, r)
	}
	c.link = nil
	c.state = StateDisconnected
	c.rooms = map[string]struct{}{}
	c.expectations = nil
	c.activeResources = map[transport.Resource]*resourceExpectation{}
	c.mu.Unlock()

	for _, r := range toCancel {
		r.Cancel()
	}
	c.safeCall(func() {
		if c.cb.OnClose != nil {
			c.cb.OnClose()
		}
	})
}

func (e *linkEvents) OnPacket(payload []byte) {
	e.c.handlePacket(payload)
}

func (e *linkEvents) OnResourceAdvertised(r transport.Resource) bool {
	return e.c.resourceAdvertised(r)
}

func (e *linkEvents) OnResourceConcluded(r transport.Resource) {
	e.c.resourceConcluded(r)
}

func (c *Client) helloLoop(gen uint64) {
	defer func() {
		c.mu.Lock()
		c.helloLoopRunning = false
		c.mu.Unlock()
	}()

	attempts := 0
	for attempts < c.cfg.HelloMaxAttempts {
		c.mu.Lock()
		stale := c.gen != gen
		welcomedCh := c.welcomedCh
		c.mu.Unlock()
		if stale {
			return
		}
		select {
		case <-welcomedCh:
			return
		default:
		}

		env := envelope.Make(envelope.TypeHello, c.self.Hash(), envelope.Options{})
		if _, err := c.sendEnvelope(context.Background(), env); err != nil {
			c.log.Warn("hello send failed", map[string]any{"error": err.Error()})
		}
		attempts++

		timer := time.NewTimer(c.cfg.HelloInterval)
		select {
		case <-welcomedCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	// Attempts exhausted: keep polling welcomed at 100ms granularity
	// until the overall connect deadline or staleness.
	for {
		c.mu.Lock()
		stale := c.gen != gen
		deadline := c.connectDeadline
		welcomedCh := c.welcomedCh
		c.mu.Unlock()
		if stale {
			return
		}
		select {
		case <-welcomedCh:
			return
		default:
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (c *Client) handlePacket(payload []byte) {
	raw, err := codec.Decode(payload)
	if err != nil {
		c.log.Debug("dropping undecodable packet", map[string]any{"error": err.Error()})
		return
	}
	if err := envelope.Validate(raw); err != nil {
		c.log.Debug("dropping invalid envelope", map[string]any{"error": err.Error()})
		return
	}

	switch envelope.Type(raw) {
	case envelope.TypePing:
		body, _ := envelope.Body(raw)
		pong := envelope.Make(envelope.TypePong, c.self.Hash(), envelope.Options{Body: body})
		if _, err := c.sendEnvelope(context.Background(), pong); err != nil {
			c.log.Warn("pong send failed", map[string]any{"error": err.Error()})
		}
	case envelope.TypePong:
		c.safeCall(func() {
			if c.cb.OnPong != nil {
				c.cb.OnPong(raw)
			}
		})
	case envelope.TypeWelcome:
		c.mu.Lock()
		if c.welcomedCh != nil {
			select {
			case <-c.welcomedCh:
			default:
				close(c.welcomedCh)
			}
		}
		c.state = StateWelcomed
		c.mu.Unlock()
		c.safeCall(func() {
			if c.cb.OnWelcome != nil {
				c.cb.OnWelcome(raw)
			}
		})
	case envelope.TypeJoined:
		room, _ := envelope.Room(raw)
		c.mu.Lock()
		c.rooms[room] = struct{}{}
		c.mu.Unlock()
		c.safeCall(func() {
			if c.cb.OnJoined != nil {
				c.cb.OnJoined(room, raw)
			}
		})
	case envelope.TypeParted:
		room, _ := envelope.Room(raw)
		c.mu.Lock()
		delete(c.rooms, room)
		c.mu.Unlock()
		c.safeCall(func() {
			if c.cb.OnParted != nil {
				c.cb.OnParted(room, raw)
			}
		})
	case envelope.TypeMsg:
		c.safeCall(func() {
			if c.cb.OnMessage != nil {
				c.cb.OnMessage(raw)
			}
		})
	case envelope.TypeNotice:
		c.safeCall(func() {
			if c.cb.OnNotice != nil {
				c.cb.OnNotice(raw)
			}
		})
	case envelope.TypeError:
		c.safeCall(func() {
			if c.cb.OnError != nil {
				c.cb.OnError(raw)
			}
		})
	case envelope.TypeResourceEnvelope:
		c.handleResourceEnvelope(raw)
	default:
		c.log.Debug("ignoring unknown envelope type", map[string]any{"type": envelope.Type(raw)})
	}
}

func (c *Client) handleResourceEnvelope(raw map[uint64]any) {
	body, ok := envelope.Body(raw)
	if !ok {
		return
	}
	fields, ok := body.(map[uint64]any)
	if !ok {
		return
	}
	id, _ := fields[0].([]byte)
	kind, _ := fields[1].(string)
	var size int64
	switch v := fields[2].(type) {
	case uint64:
		size = int64(v)
	case int64:
		size = v
	default:
		return
	}
	if size <= 0 || size > c.cfg.MaxResourceBytes {
		return
	}
	var sha []byte
	if v, ok := fields[3].([]byte); ok {
		sha = v
	}
	encoding, _ := fields[4].(string)
	if encoding == "" {
		encoding = "utf-8"
	}
	var room *string
	if r, ok := envelope.Room(raw); ok {
		room = &r
	}

	exp := &resourceExpectation{
		id:        id,
		kind:      kind,
		size:      size,
		sha256:    sha,
		encoding:  encoding,
		room:      room,
		createdAt: time.Now(),
		expiresAt: time.Now().Add(c.cfg.ResourceExpectationTTL),
	}

	c.mu.Lock()
	c.purgeExpiredExpectationsLocked()
	if len(c.expectations) >= c.cfg.MaxPendingResourceExpectations {
		c.expectations = c.expectations[1:]
	}
	c.expectations = append(c.expectations, exp)
	c.mu.Unlock()
}

func (c *Client) purgeExpiredExpectationsLocked() {
	now := time.Now()
	out := c.expectations[:0:0]
	for _, e := range c.expectations {
		if now.Before(e.expiresAt) {
			out = append(out, e)
		}
	}
	c.expectations = out
}

func (c *Client) resourceAdvertised(r transport.Resource) bool {
	size := r.TotalSize()
	if size > c.cfg.MaxResourceBytes {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.activeResources) >= c.cfg.MaxActiveResources {
		return false
	}
	c.purgeExpiredExpectationsLocked()
	for i, e := range c.expectations {
		if e.size == size {
			c.expectations = append(c.expectations[:i], c.expectations[i+1:]...)
			c.activeResources[r] = e
			return true
		}
	}
	return false
}

func (c *Client) resourceConcluded(r transport.Resource) {
	c.mu.Lock()
	exp, ok := c.activeResources[r]
	delete(c.activeResources, r)
	c.mu.Unlock()
	if !ok {
		return
	}
	if r.Status() != transport.ResourceComplete {
		if data := r.Data(); data != nil {
			_ = data.Close()
		}
		return
	}

	data := r.Data()
	if data == nil {
		return
	}
	payload, err := io.ReadAll(io.LimitReader(data, c.cfg.MaxResourceBytes+1))
	_ = data.Close()
	if err != nil {
		return
	}
	if int64(len(payload)) > c.cfg.MaxResourceBytes {
		return
	}
	if len(exp.sha256) > 0 {
		sum := sha256.Sum256(payload)
		if !bytes.Equal(sum[:], exp.sha256) {
			c.log.Warn("resource sha256 mismatch, dropping", nil)
			return
		}
	}

	switch exp.kind {
	case "notice", "motd":
		if exp.encoding != "" && exp.encoding != "utf-8" {
			c.log.Debug("unsupported resource encoding, dropping", map[string]any{"encoding": exp.encoding})
			return
		}
		if !utf8.Valid(payload) {
			c.log.Warn("resource payload failed utf-8 decode", nil)
			return
		}
		text := string(payload)
		body := envelope.Options{Body: text}
		if exp.kind == "notice" {
			body.Room = exp.room
		}
		notice := envelope.Make(envelope.TypeNotice, c.self.Hash(), body)
		c.safeCall(func() {
			if c.cb.OnNotice != nil {
				c.cb.OnNotice(notice)
			}
		})
	default:
		c.log.Debug("dropping reserved resource kind", map[string]any{"kind": exp.kind})
	}
}

// Join normalizes room and sends a JOIN envelope.
func (c *Client) Join(ctx context.Context, room string, key *string) error {
	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		return rrcerrors.New(rrcerrors.InvalidRoom, "room name invalid")
	}
	var body any
	if key != nil {
		body = *key
	}
	env := envelope.Make(envelope.TypeJoin, c.selfHashOrZero(), envelope.Options{Room: &norm, Body: body})
	_, err := c.sendEnvelope(ctx, env)
	return err
}

// Part normalizes room and sends a PART envelope. On success it
// removes the room from the local set regardless of hub confirmation.
func (c *Client) Part(ctx context.Context, room string) error {
	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		return rrcerrors.New(rrcerrors.InvalidRoom, "room name invalid")
	}
	env := envelope.Make(envelope.TypePart, c.selfHashOrZero(), envelope.Options{Room: &norm})
	if _, err := c.sendEnvelope(ctx, env); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.rooms, norm)
	c.mu.Unlock()
	return nil
}

// Msg normalizes room, requires non-empty text, and sends a MSG
// envelope, returning its id.
func (c *Client) Msg(ctx context.Context, room, text, nick string) ([]byte, error) {
	return c.sendChat(ctx, envelope.TypeMsg, room, text, nick)
}

// Notice is shaped like Msg but sends type NOTICE.
func (c *Client) Notice(ctx context.Context, room, text, nick string) ([]byte, error) {
	return c.sendChat(ctx, envelope.TypeNotice, room, text, nick)
}

func (c *Client) sendChat(ctx context.Context, msgType uint64, room, text, nick string) ([]byte, error) {
	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		return nil, rrcerrors.New(rrcerrors.InvalidRoom, "room name invalid")
	}
	if text == "" {
		return nil, rrcerrors.New(rrcerrors.BadField, "text must be non-empty")
	}
	opts := envelope.Options{Room: &norm, Body: text}
	if nick != "" {
		opts.Nick = &nick
	}
	env := envelope.Make(msgType, c.selfHashOrZero(), opts)
	return c.sendEnvelope(ctx, env)
}

// Ping sends a PING envelope.
func (c *Client) Ping(ctx context.Context) error {
	env := envelope.Make(envelope.TypePing, c.selfHashOrZero(), envelope.Options{})
	_, err := c.sendEnvelope(ctx, env)
	return err
}

// Close snapshots and clears local state, cancels in-flight resources,
// and tears down the link.
func (c *Client) Close() error {
	c.mu.Lock()
	link := c.link
	toCancel := make([]transport.Resource, 0, len(c.activeResources))
	for r := range c.activeResources {
		toCancel = append(toCancel, r)
	}
	c.link = nil
	c.state = StateDisconnected
	c.rooms = map[string]struct{}{}
	c.expectations = nil
	c.activeResources = map[transport.Resource]*resourceExpectation{}
	c.gen++ // invalidate any in-flight hello loop / established callback
	c.mu.Unlock()

	for _, r := range toCancel {
		r.Cancel()
	}
	if link != nil {
		return link.Teardown()
	}
	return nil
}

func (c *Client) selfHashOrZero() []byte {
	if c.self != nil {
		return c.self.Hash()
	}
	return make([]byte, 16)
}

// sendEnvelope performs the MTU pre-check and send described in
// spec.md §4.4: if the payload cannot be packed onto the link, it
// fires OnResourceWarning and fails with MsgTooLarge instead of
// fragmenting.
func (c *Client) sendEnvelope(ctx context.Context, env envelope.Envelope) ([]byte, error) {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return nil, rrcerrors.New(rrcerrors.NotConnected, "no active link")
	}

	payload, err := codec.Encode(map[uint64]any(env))
	if err != nil {
		return nil, rrcerrors.Wrap(rrcerrors.Malformed, "encode failed", err)
	}
	if !link.WouldFit(payload) {
		c.safeCall(func() {
			if c.cb.OnResourceWarning != nil {
				c.cb.OnResourceWarning("Message is too large to send over this link")
			}
		})
		return nil, rrcerrors.New(rrcerrors.MsgTooLarge, "message exceeds link MTU")
	}
	if err := link.Send(ctx, payload); err != nil {
		return nil, rrcerrors.Wrap(rrcerrors.IOError, "send failed", err)
	}
	return envelope.ID(env), nil
}

func (c *Client) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("callback panicked", map[string]any{"panic": fmt.Sprintf("%v", r)})
		}
	}()
	fn()
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// pollWithBackoff calls check every backoff interval (50ms → 500ms
// cap, doubling) until it returns true or deadline passes.
func pollWithBackoff(ctx context.Context, deadline time.Time, check func() bool) bool {
	backoff := 50 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond
	for {
		if check() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		wait := backoff
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			return check()
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
