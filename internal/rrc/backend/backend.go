// Package backend is the RRC gateway coordinator (C6): it owns the
// single protocol Client, bridges its worker-thread callbacks onto one
// serialized event loop the way
// services/connector-hub/internal/streaming/stream_manager.go pairs a
// reader and writer goroutine around a shared context, dispatches
// UI-originated commands, owns the room/nickname/hub-name state the
// UI renders, rate limits per-room operations, and runs the periodic
// keepalive ping.
package backend

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/announce"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/client"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/envelope"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/ratelimit"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrcconfig"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrclog"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrcerrors"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/sanitize"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/transport"
)

// Command identifies a UI-originated operation.
type Command string

const (
	CmdConnect           Command = "connect"
	CmdDisconnect        Command = "disconnect"
	CmdJoinRoom          Command = "join_room"
	CmdPartRoom          Command = "part_room"
	CmdSendMessage       Command = "send_message"
	CmdSendCommand       Command = "send_command"
	CmdSetNickname       Command = "set_nickname"
	CmdSetActiveRoom     Command = "set_active_room"
	CmdGetState          Command = "get_state"
	CmdGetDiscoveredHubs Command = "get_discovered_hubs"
)

const (
	rateLimitBurst    = 10
	rateLimitWindow   = 5 * time.Second
	pingInterval      = 30 * time.Second
	maxTextLen        = 10000
	maxRooms          = 100
	maxRoomMessages   = 1000
	maxNickLen        = 32
	hubRoom           = "[Hub]"
	timestampSkewWarn = 300000 // ms, spec.md §4.6
)

// RoomMessage is one timestamped event record appended to a room's
// message FIFO and broadcast to the UI: a chat message, a notice, a
// system notice, or a join/part notification.
type RoomMessage struct {
	Kind      string `json:"kind"`
	Room      string `json:"room"`
	Nick      string `json:"nick,omitempty"`
	User      string `json:"user,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// roomState is one entry of the Backend's room table: a bounded
// message FIFO plus the set of member identity digests, keyed
// hex-encoded.
type roomState struct {
	name     string
	messages []RoomMessage
	members  map[string]struct{}
}

func newRoomState(name string) *roomState {
	return &roomState{name: name, members: map[string]struct{}{}}
}

func (r *roomState) append(m RoomMessage) {
	r.messages = append(r.messages, m)
	if len(r.messages) > maxRoomMessages {
		r.messages = r.messages[len(r.messages)-maxRoomMessages:]
	}
}

// RoomSnapshot is the per-room shape embedded in StateSnapshot.
type RoomSnapshot struct {
	Messages []RoomMessage `json:"messages"`
	Users    []string      `json:"users"`
}

// ConfigSnapshot is the subset of configuration exposed to the UI.
type ConfigSnapshot struct {
	DestName     string `json:"dest_name"`
	ConfigDir    string `json:"config_dir"`
	AutoJoinRoom string `json:"auto_join_room"`
	Theme        string `json:"theme"`
}

// StateSnapshot is the shape returned by CmdGetState, per spec.md §4.6.
type StateSnapshot struct {
	Connected    bool                    `json:"connected"`
	State        string                  `json:"state"`
	HubName      string                  `json:"hub_name"`
	Nickname     string                  `json:"nickname"`
	IdentityHash string                  `json:"identity_hash"`
	ActiveRoom   string                  `json:"active_room"`
	Config       ConfigSnapshot          `json:"config"`
	Rooms        map[string]RoomSnapshot `json:"rooms"`
}

// UIEvents receives notifications the backend pushes asynchronously,
// outside of any Dispatch call, the way the original UI layer
// subscribes to backend events. Every method is invoked from the
// backend's single event-loop goroutine, never concurrently with
// itself. The field set is the event bridge of spec.md §4.6.
type UIEvents struct {
	OnMessage        func(m RoomMessage)
	OnNotice         func(m RoomMessage)
	OnSystem         func(m RoomMessage)
	OnJoin           func(m RoomMessage)
	OnPart           func(m RoomMessage)
	OnUserListUpdate func(room string, users []string)
	OnRoomJoined     func(room string, users []string)
	OnRoomParted     func(room string)
	OnHubInfo        func(hubName string)
	OnHubDiscovered  func(h announce.Hub)
	OnDisconnected   func()
	OnLatency        func(ms *int64)
	OnError          func(code, message string)
}

// Backend coordinates one Client, one discovery Catalog, and the
// room/nickname state and command/event surface the UI drives.
type Backend struct {
	cfg rrcconfig.Config
	log *rrclog.Logger
	tr  transport.Transport

	client  *client.Client
	catalog *announce.Catalog
	rl      *ratelimit.Limiter
	ui      UIEvents

	mu           sync.Mutex
	nickname     string
	activeRoom   string
	hubName      string
	identityHash string
	rooms        map[string]*roomState
	nicknames    map[string]string
	lastPingSend time.Time
	havePingSend bool

	tasks  chan func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Backend around tr, loading persisted discovery state
// from cfg's cache path if present. The room table starts with just
// the "[Hub]" pseudo-room, per spec.md §3.
func New(cfg rrcconfig.Config, tr transport.Transport, ui UIEvents, log *rrclog.Logger) *Backend {
	if log == nil {
		log = rrclog.Nop
	}
	catalog := announce.NewCatalog()
	if err := catalog.Load(cfg.DiscoveryCachePath()); err != nil {
		log.Warn("failed to load discovery cache", map[string]any{"error": err.Error()})
	}

	b := &Backend{
		cfg:       cfg,
		log:       log,
		tr:        tr,
		catalog:   catalog,
		rl:        ratelimit.New(rateLimitBurst, rateLimitWindow),
		ui:        ui,
		nickname:  cfg.Nickname,
		rooms:     map[string]*roomState{hubRoom: newRoomState(hubRoom)},
		nicknames: map[string]string{},
		tasks:     make(chan func(), 64),
	}

	cb := client.Callbacks{
		OnMessage: func(env map[uint64]any) { b.post(func() { b.onMessage(env) }) },
		OnNotice:  func(env map[uint64]any) { b.post(func() { b.onNotice(env) }) },
		OnError:   func(env map[uint64]any) { b.post(func() { b.onError(env) }) },
		OnWelcome: func(env map[uint64]any) { b.post(func() { b.onWelcome(env) }) },
		OnJoined:  func(room string, env map[uint64]any) { b.post(func() { b.onJoined(room, env) }) },
		OnParted:  func(room string, env map[uint64]any) { b.post(func() { b.onParted(room, env) }) },
		OnClose:   func() { b.post(func() { b.onClose() }) },
		OnResourceWarning: func(msg string) {
			b.post(func() { b.onResourceWarning(msg) })
		},
		OnPong: func(env map[uint64]any) { b.post(func() { b.onPong(env) }) },
	}
	b.client = client.New(tr, client.DefaultConfig(), cb, log)

	handler := announce.NewHubAnnounceHandler(catalog, cfg.DiscoveryCachePath(), log, func(h announce.Hub) {
		b.post(func() {
			if b.ui.OnHubDiscovered != nil {
				b.ui.OnHubDiscovered(h)
			}
		})
	})
	tr.RegisterAnnounceHandler(handler)

	return b
}

// Start launches the event loop and the 30s keepalive ping loop, both
// tied to ctx's lifetime.
func (b *Backend) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(2)
	go b.eventLoop(runCtx)
	go b.pingLoop(runCtx)
}

// Stop cancels the event and ping loops, persists the discovery cache,
// and tears down the client.
func (b *Backend) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if err := b.catalog.Save(b.cfg.DiscoveryCachePath()); err != nil {
		b.log.Warn("failed to persist discovery cache", map[string]any{"error": err.Error()})
	}
	b.rl.Close()
	_ = b.client.Close()
}

func (b *Backend) eventLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-b.tasks:
			b.safeRun(fn)
		}
	}
}

func (b *Backend) pingLoop(ctx context.Context) {
	defer b.wg.Done()
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if b.client.State() != client.StateWelcomed {
				continue
			}
			b.mu.Lock()
			b.lastPingSend = time.Now()
			b.havePingSend = true
			b.mu.Unlock()
			if err := b.client.Ping(ctx); err != nil {
				b.log.Debug("ping failed", map[string]any{"error": err.Error()})
				b.post(func() {
					if b.ui.OnLatency != nil {
						b.ui.OnLatency(nil)
					}
				})
			}
		}
	}
}

// post enqueues fn to run on the event loop. If the queue is full, fn
// is dropped and logged rather than blocking the calling worker
// thread indefinitely.
func (b *Backend) post(fn func()) {
	select {
	case b.tasks <- fn:
	default:
		b.log.Warn("event loop queue full, dropping task", nil)
	}
}

func (b *Backend) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event loop task panicked", map[string]any{"panic": fmt.Sprintf("%v", r)})
		}
	}()
	fn()
}

// ensureRoomLocked returns the room named name, creating it if absent
// unless the room table is already at cap (spec.md §4.6 "Create the
// room if absent unless |rooms| ≥ 100"). Caller holds b.mu.
func (b *Backend) ensureRoomLocked(name string) (rs *roomState, created bool, dropped bool) {
	if existing, ok := b.rooms[name]; ok {
		return existing, false, false
	}
	if len(b.rooms) >= maxRooms {
		return nil, false, true
	}
	rs = newRoomState(name)
	b.rooms[name] = rs
	return rs, true, false
}

// formatUserByHexLocked implements format_user(src_bytes) from
// spec.md §4.6: "<nick> (<first 8 hex>)" if a nick is known for the
// digest, else "<first 16 hex>…". Caller holds b.mu.
func (b *Backend) formatUserByHexLocked(hexDigest string) string {
	if nick, ok := b.nicknames[hexDigest]; ok && nick != "" {
		short := hexDigest
		if len(short) > 8 {
			short = short[:8]
		}
		return fmt.Sprintf("%s (%s)", nick, short)
	}
	short := hexDigest
	if len(short) > 16 {
		short = short[:16]
	}
	return short + "…"
}

func (b *Backend) formatUserLocked(src []byte) string {
	return b.formatUserByHexLocked(hex.EncodeToString(src))
}

// formattedUserListLocked returns rs's members formatted via
// format_user, sorted by their hex digest for determinism. Caller
// holds b.mu.
func (b *Backend) formattedUserListLocked(rs *roomState) []string {
	keys := make([]string, 0, len(rs.members))
	for k := range rs.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.formatUserByHexLocked(k))
	}
	return out
}

func (b *Backend) warnIfTimestampSkewed(ts uint64) {
	now := uint64(time.Now().UnixMilli())
	var skew uint64
	if ts > now {
		skew = ts - now
	} else {
		skew = now - ts
	}
	if skew > timestampSkewWarn {
		b.log.Warn("envelope timestamp skew exceeds tolerance", map[string]any{"skew_ms": skew})
	}
}

// envelopeMemberList extracts the JOINED/PARTED body's {0: member
// digests} field (spec.md §3).
func envelopeMemberList(env map[uint64]any) [][]byte {
	body, ok := envelope.Body(env)
	if !ok {
		return nil
	}
	bm, ok := body.(map[uint64]any)
	if !ok {
		return nil
	}
	raw, ok := bm[0].([]any)
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(raw))
	for _, v := range raw {
		if digest, ok := v.([]byte); ok {
			out = append(out, digest)
		}
	}
	return out
}

func (b *Backend) onMessage(env map[uint64]any) {
	room, _ := envelopeRoom(env)
	nick, hasNick := envelopeNick(env)
	text, _ := envelopeBodyText(env)
	src := envelope.Source(env)
	ts := envelope.Timestamp(env)
	b.warnIfTimestampSkewed(ts)

	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		norm = hubRoom
	}

	b.mu.Lock()
	rs, _, dropped := b.ensureRoomLocked(norm)
	if dropped {
		b.mu.Unlock()
		b.log.Warn("dropping message: room table full", map[string]any{"room": norm})
		return
	}

	srcHex := hex.EncodeToString(src)
	if len(src) > 0 {
		rs.members[srcHex] = struct{}{}
	}

	nickChanged := false
	if hasNick && len(src) > 0 && b.nicknames[srcHex] != nick {
		b.nicknames[srcHex] = nick
		nickChanged = true
	}

	user := ""
	if len(src) > 0 {
		user = b.formatUserByHexLocked(srcHex)
	}
	msg := RoomMessage{Kind: "message", Room: norm, Nick: nick, User: user, Text: text, Timestamp: int64(ts)}
	rs.append(msg)

	var users []string
	if nickChanged {
		users = b.formattedUserListLocked(rs)
	}
	b.mu.Unlock()

	if b.ui.OnMessage != nil {
		b.ui.OnMessage(msg)
	}
	if nickChanged && b.ui.OnUserListUpdate != nil {
		b.ui.OnUserListUpdate(norm, users)
	}
}

func (b *Backend) onNotice(env map[uint64]any) {
	room, hasRoom := envelopeRoom(env)
	text, _ := envelopeBodyText(env)
	ts := envelope.Timestamp(env)
	b.warnIfTimestampSkewed(ts)

	norm := hubRoom
	if hasRoom {
		if n, ok := sanitize.NormalizeRoom(room); ok {
			norm = n
		}
	}

	b.mu.Lock()
	rs, _, dropped := b.ensureRoomLocked(norm)
	if dropped {
		b.mu.Unlock()
		b.log.Warn("dropping notice: room table full", map[string]any{"room": norm})
		return
	}
	msg := RoomMessage{Kind: "notice", Room: norm, Text: text, Timestamp: int64(ts)}
	rs.append(msg)
	b.mu.Unlock()

	if b.ui.OnNotice != nil {
		b.ui.OnNotice(msg)
	}
}

func (b *Backend) onError(env map[uint64]any) {
	text, _ := envelopeBodyText(env)
	if b.ui.OnError != nil {
		b.ui.OnError("hub_error", text)
	}
}

// onJoined implements spec.md §4.6's "joined" event handling:
// body.users length != 1 is a self-join bulk snapshot; length == 1 is
// a single member joining a room this client already knows about.
func (b *Backend) onJoined(room string, env map[uint64]any) {
	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		return
	}
	members := envelopeMemberList(env)
	ts := int64(envelope.Timestamp(env))

	if len(members) != 1 {
		b.mu.Lock()
		rs, _, dropped := b.ensureRoomLocked(norm)
		if dropped {
			b.mu.Unlock()
			b.log.Warn("dropping room_joined: room table full", map[string]any{"room": norm})
			return
		}
		rs.members = make(map[string]struct{}, len(members))
		for _, m := range members {
			rs.members[hex.EncodeToString(m)] = struct{}{}
		}
		sys := RoomMessage{Kind: "system", Room: norm, Text: "Joined room: " + norm, Timestamp: ts}
		rs.append(sys)
		users := b.formattedUserListLocked(rs)
		b.mu.Unlock()

		if b.ui.OnSystem != nil {
			b.ui.OnSystem(sys)
		}
		if b.ui.OnRoomJoined != nil {
			b.ui.OnRoomJoined(norm, users)
		}
		return
	}

	b.mu.Lock()
	rs, known := b.rooms[norm]
	if !known {
		b.mu.Unlock()
		return
	}
	who := b.formatUserLocked(members[0])
	rs.members[hex.EncodeToString(members[0])] = struct{}{}
	evt := RoomMessage{Kind: "join", Room: norm, User: who, Text: who + " joined", Timestamp: ts}
	rs.append(evt)
	users := b.formattedUserListLocked(rs)
	b.mu.Unlock()

	if b.ui.OnJoin != nil {
		b.ui.OnJoin(evt)
	}
	if b.ui.OnUserListUpdate != nil {
		b.ui.OnUserListUpdate(norm, users)
	}
}

// onParted is the symmetric counterpart of onJoined.
func (b *Backend) onParted(room string, env map[uint64]any) {
	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		return
	}
	members := envelopeMemberList(env)
	ts := int64(envelope.Timestamp(env))

	if len(members) != 1 {
		b.mu.Lock()
		rs, known := b.rooms[norm]
		if !known {
			b.mu.Unlock()
			return
		}
		sys := RoomMessage{Kind: "system", Room: norm, Text: "Left room: " + norm, Timestamp: ts}
		rs.append(sys)
		b.mu.Unlock()

		if b.ui.OnSystem != nil {
			b.ui.OnSystem(sys)
		}
		if b.ui.OnRoomParted != nil {
			b.ui.OnRoomParted(norm)
		}
		return
	}

	b.mu.Lock()
	rs, known := b.rooms[norm]
	if !known {
		b.mu.Unlock()
		return
	}
	who := b.formatUserLocked(members[0])
	delete(rs.members, hex.EncodeToString(members[0]))
	evt := RoomMessage{Kind: "part", Room: norm, User: who, Text: who + " left", Timestamp: ts}
	rs.append(evt)
	users := b.formattedUserListLocked(rs)
	b.mu.Unlock()

	if b.ui.OnPart != nil {
		b.ui.OnPart(evt)
	}
	if b.ui.OnUserListUpdate != nil {
		b.ui.OnUserListUpdate(norm, users)
	}
}

// onWelcome implements spec.md §4.6's "welcome" event handling:
// extract the hub name, record it, append a system notice to
// "[Hub]", and broadcast hub_info.
func (b *Backend) onWelcome(env map[uint64]any) {
	name := "hub"
	if body, ok := envelope.Body(env); ok {
		if bm, ok := body.(map[uint64]any); ok {
			if s, ok := bm[0].(string); ok && s != "" {
				name = s
			}
		}
	}
	ts := int64(envelope.Timestamp(env))

	b.mu.Lock()
	b.hubName = name
	rs, _, _ := b.ensureRoomLocked(hubRoom)
	sys := RoomMessage{Kind: "system", Room: hubRoom, Text: "Connected to hub " + name, Timestamp: ts}
	rs.append(sys)
	b.mu.Unlock()

	if b.ui.OnSystem != nil {
		b.ui.OnSystem(sys)
	}
	if b.ui.OnHubInfo != nil {
		b.ui.OnHubInfo(name)
	}
}

// onClose implements spec.md §4.6's "close" event handling: clear
// latency, broadcast a disconnect system notice and disconnected.
func (b *Backend) onClose() {
	b.mu.Lock()
	b.havePingSend = false
	rs, _, _ := b.ensureRoomLocked(hubRoom)
	sys := RoomMessage{Kind: "system", Room: hubRoom, Text: "Disconnected from hub", Timestamp: int64(envelope.NowMS())}
	rs.append(sys)
	b.mu.Unlock()

	if b.ui.OnSystem != nil {
		b.ui.OnSystem(sys)
	}
	if b.ui.OnLatency != nil {
		b.ui.OnLatency(nil)
	}
	if b.ui.OnDisconnected != nil {
		b.ui.OnDisconnected()
	}
}

// onPong implements spec.md §4.6's "pong" event handling: compute
// now - last_ping_send and broadcast latency.
func (b *Backend) onPong(env map[uint64]any) {
	b.mu.Lock()
	had := b.havePingSend
	sent := b.lastPingSend
	b.havePingSend = false
	b.mu.Unlock()
	if !had {
		return
	}
	ms := time.Since(sent).Milliseconds()
	if b.ui.OnLatency != nil {
		b.ui.OnLatency(&ms)
	}
}

func (b *Backend) onResourceWarning(msg string) {
	b.mu.Lock()
	rs, _, _ := b.ensureRoomLocked(hubRoom)
	sys := RoomMessage{Kind: "system", Room: hubRoom, Text: msg, Timestamp: int64(envelope.NowMS())}
	rs.append(sys)
	b.mu.Unlock()

	if b.ui.OnSystem != nil {
		b.ui.OnSystem(sys)
	}
}

// Dispatch executes a single UI-originated command synchronously on
// the calling goroutine; Client methods it calls internally perform
// their own locking, so concurrent Dispatch calls are safe.
func (b *Backend) Dispatch(ctx context.Context, cmd Command, args map[string]any) (any, error) {
	switch cmd {
	case CmdConnect:
		return nil, b.doConnect(ctx, args)
	case CmdDisconnect:
		return nil, b.doDisconnect()
	case CmdJoinRoom:
		return nil, b.doJoinRoom(ctx, args)
	case CmdPartRoom:
		return nil, b.doPartRoom(ctx, args)
	case CmdSendMessage:
		return b.doSendMessage(ctx, args)
	case CmdSendCommand:
		return b.doSendRawCommand(ctx, args)
	case CmdSetNickname:
		return nil, b.doSetNickname(args)
	case CmdSetActiveRoom:
		return nil, b.doSetActiveRoom(args)
	case CmdGetState:
		return b.GetState(), nil
	case CmdGetDiscoveredHubs:
		return b.getDiscoveredHubs(), nil
	default:
		return nil, rrcerrors.New(rrcerrors.BadField, "unknown command")
	}
}

// validHubHashString reports whether s is exactly 32 lowercase hex
// chars once ':' separators and spaces are stripped, per spec.md
// §4.6's connect validation.
func validHubHashString(s string) bool {
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, " ", "")
	if len(s) != 32 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

func (b *Backend) doConnect(ctx context.Context, args map[string]any) error {
	hashStr, _ := args["hub_hash"].(string)
	if !validHubHashString(hashStr) {
		return rrcerrors.New(rrcerrors.InvalidHash, "hub hash must be exactly 32 lowercase hex chars")
	}
	hash, err := sanitize.ParseHexHash(hashStr)
	if err != nil {
		return rrcerrors.New(rrcerrors.InvalidHash, "invalid hub hash")
	}
	self, err := b.tr.LoadOrCreateIdentity(b.cfg.IdentityPath)
	if err != nil {
		return rrcerrors.Wrap(rrcerrors.IOError, "load identity failed", err)
	}
	b.mu.Lock()
	b.identityHash = hex.EncodeToString(self.Hash())
	b.mu.Unlock()

	if destName, _ := args["dest_name"].(string); destName != "" {
		b.client.SetDestName(destName)
	}
	if err := b.client.Connect(ctx, self, hash); err != nil {
		return err
	}

	if b.cfg.AutoJoinRoom != "" {
		if norm, ok := sanitize.NormalizeRoom(b.cfg.AutoJoinRoom); ok {
			if err := b.client.Join(ctx, norm, nil); err != nil {
				b.log.Warn("auto-join failed", map[string]any{"room": norm, "error": err.Error()})
			}
		}
	}
	return nil
}

func (b *Backend) doDisconnect() error {
	err := b.client.Close()
	b.mu.Lock()
	b.rooms = map[string]*roomState{hubRoom: newRoomState(hubRoom)}
	b.hubName = ""
	b.mu.Unlock()
	return err
}

func (b *Backend) doJoinRoom(ctx context.Context, args map[string]any) error {
	room, _ := args["room"].(string)
	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		return rrcerrors.New(rrcerrors.InvalidRoom, "room name invalid")
	}
	if allowed, retry := b.rl.Allow("join:" + norm); !allowed {
		return rrcerrors.New(rrcerrors.RateLimited, fmt.Sprintf("retry in %s", retry))
	}
	if len(b.client.Rooms()) >= maxRooms {
		return rrcerrors.New(rrcerrors.RoomLimit, "room table is full")
	}
	var key *string
	if k, ok := args["key"].(string); ok && k != "" {
		key = &k
	}
	return b.client.Join(ctx, norm, key)
}

func (b *Backend) doPartRoom(ctx context.Context, args map[string]any) error {
	room, _ := args["room"].(string)
	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		return rrcerrors.New(rrcerrors.InvalidRoom, "room name invalid")
	}
	if allowed, retry := b.rl.Allow("part:" + norm); !allowed {
		return rrcerrors.New(rrcerrors.RateLimited, fmt.Sprintf("retry in %s", retry))
	}
	return b.client.Part(ctx, norm)
}

func (b *Backend) doSend(ctx context.Context, args map[string]any, notice bool) (any, error) {
	room, _ := args["room"].(string)
	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		return nil, rrcerrors.New(rrcerrors.InvalidRoom, "room name invalid")
	}
	text, _ := args["text"].(string)
	clean, err := sanitize.Text(text, maxTextLen)
	if err != nil {
		return nil, rrcerrors.New(rrcerrors.BadField, err.Error())
	}
	if allowed, retry := b.rl.Allow("msg:" + norm); !allowed {
		return nil, rrcerrors.New(rrcerrors.RateLimited, fmt.Sprintf("retry in %s", retry))
	}

	nick := b.Nickname()
	if notice {
		return b.client.Notice(ctx, norm, clean, nick)
	}
	return b.client.Msg(ctx, norm, clean, nick)
}

// doSendMessage implements the "send_message" command: sanitized chat
// text that, if it starts with "/", is routed to the slash-command
// handler instead of being sent as a literal message.
func (b *Backend) doSendMessage(ctx context.Context, args map[string]any) (any, error) {
	line, _ := args["text"].(string)
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "/") {
		return b.doSlashCommand(ctx, args, trimmed)
	}
	return b.doSend(ctx, args, false)
}

// doSlashCommand implements the slash-command table of spec.md §4.6:
// "/join", "/part" (defaulting to the active room), "/ping", and
// everything else sent literally as a message.
func (b *Backend) doSlashCommand(ctx context.Context, args map[string]any, line string) (any, error) {
	fields := strings.Fields(line)
	name := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch name {
	case "/join":
		return nil, b.doJoinRoom(ctx, map[string]any{"room": rest})
	case "/part":
		room := rest
		if room == "" {
			room = b.ActiveRoom()
		}
		return nil, b.doPartRoom(ctx, map[string]any{"room": room})
	case "/ping":
		return nil, b.client.Ping(ctx)
	default:
		return b.doSend(ctx, args, false)
	}
}

// doSendRawCommand implements the "send_command" command: the
// "command" field is always sent literally via Client.Msg, with no
// slash parsing.
func (b *Backend) doSendRawCommand(ctx context.Context, args map[string]any) (any, error) {
	text, _ := args["command"].(string)
	room, _ := args["room"].(string)
	return b.doSend(ctx, map[string]any{"room": room, "text": text}, false)
}

func (b *Backend) doSetNickname(args map[string]any) error {
	nick, _ := args["nickname"].(string)
	clean, ok := sanitize.DisplayName(nick, maxNickLen)
	if !ok {
		return rrcerrors.New(rrcerrors.InvalidNick, "nickname invalid")
	}
	b.mu.Lock()
	b.nickname = clean
	b.mu.Unlock()
	return nil
}

func (b *Backend) doSetActiveRoom(args map[string]any) error {
	room, _ := args["room"].(string)
	norm, ok := sanitize.NormalizeRoom(room)
	if !ok {
		return rrcerrors.New(rrcerrors.InvalidRoom, "room name invalid")
	}
	b.mu.Lock()
	b.activeRoom = norm
	b.mu.Unlock()
	return nil
}

// getDiscoveredHubs implements the "get_discovered_hubs" command: run
// stale-hub GC, resaving the cache iff anything was evicted, then
// return the catalog.
func (b *Backend) getDiscoveredHubs() []announce.Hub {
	removed := b.catalog.EvictStale(time.Now())
	if removed > 0 {
		if err := b.catalog.Save(b.cfg.DiscoveryCachePath()); err != nil {
			b.log.Warn("failed to persist discovery cache after eviction", map[string]any{"error": err.Error()})
		}
	}
	return b.catalog.List()
}

// Nickname returns the current display nickname.
func (b *Backend) Nickname() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nickname
}

// ActiveRoom returns the room most recently selected via
// CmdSetActiveRoom.
func (b *Backend) ActiveRoom() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeRoom
}

// GetState returns a snapshot suitable for CmdGetState.
func (b *Backend) GetState() StateSnapshot {
	b.mu.Lock()
	nick, active, hubName, idHash := b.nickname, b.activeRoom, b.hubName, b.identityHash
	rooms := make(map[string]RoomSnapshot, len(b.rooms))
	for name, rs := range b.rooms {
		msgs := rs.messages
		if len(msgs) > 100 {
			msgs = msgs[len(msgs)-100:]
		}
		msgsCopy := make([]RoomMessage, len(msgs))
		copy(msgsCopy, msgs)
		rooms[name] = RoomSnapshot{Messages: msgsCopy, Users: b.formattedUserListLocked(rs)}
	}
	b.mu.Unlock()

	return StateSnapshot{
		Connected:    b.client.State() == client.StateWelcomed,
		State:        b.client.State().String(),
		HubName:      hubName,
		Nickname:     nick,
		IdentityHash: idHash,
		ActiveRoom:   active,
		Config: ConfigSnapshot{
			DestName:     b.cfg.DestName,
			ConfigDir:    b.cfg.ConfigDir,
			AutoJoinRoom: b.cfg.AutoJoinRoom,
			Theme:        b.cfg.Theme,
		},
		Rooms: rooms,
	}
}

func envelopeRoom(env map[uint64]any) (string, bool) { return envelope.Room(env) }
func envelopeNick(env map[uint64]any) (string, bool) { return envelope.Nick(env) }

func envelopeBodyText(env map[uint64]any) (string, bool) {
	v, ok := envelope.Body(env)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
