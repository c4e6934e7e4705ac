// Package announce implements the untrusted hub-announce handler (C5):
// best-effort name decoding and a discovery catalog, modeled on
// services/connector-hub/internal/registry/discovery.go's
// mutex-guarded sorted catalog.
package announce

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/codec"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/rrclog"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/sanitize"
	"github.com/rrc-gateway/rrc-gatewayd/internal/rrc/transport"
)

// Aspect is the announce aspect string hub announces are published
// under, and the fixed value stamped into every persisted record.
const Aspect = "rrc.hub"

// StaleAfter is how long an entry survives without a fresh announce
// before EvictStale removes it.
const StaleAfter = 3600 * time.Second

const (
	maxAppDataBytes        = 10240
	maxAnnounceMapKeys     = 20
	maxAnnounceListItems   = 20
	maxAnnounceStringLen   = 200
	maxAnnounceNestedChars = 1000
	maxDiscoveryCacheBytes = 1 << 20
	maxFutureSkew          = 300 * time.Second
)

// Hub is one catalog entry.
type Hub struct {
	HashHex  string
	Name     string
	Aspect   string
	LastSeen time.Time
}

// Catalog is a mutex-guarded, sorted table of discovered hubs,
// persisted to a JSON cache file keyed by hex hash.
type Catalog struct {
	mu      sync.Mutex
	entries map[string]*Hub
}

func NewCatalog() *Catalog {
	return &Catalog{entries: map[string]*Hub{}}
}

// Upsert records/refreshes a hub entry.
func (c *Catalog) Upsert(hash []byte, name string, seenAt time.Time) {
	key := hex.EncodeToString(hash)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.Name = name
		e.LastSeen = seenAt
		return
	}
	c.entries[key] = &Hub{HashHex: key, Name: name, Aspect: Aspect, LastSeen: seenAt}
}

// List returns a snapshot sorted by name, then hash, matching
// discovery.go's deterministic listing order.
func (c *Catalog) List() []Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Hub, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].HashHex < out[j].HashHex
	})
	return out
}

// EvictStale removes entries whose LastSeen is older than StaleAfter
// relative to now, returning how many were removed.
func (c *Catalog) EvictStale(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.LastSeen) > StaleAfter {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// cacheRecord is the on-disk shape of one catalog entry, per spec.md §6:
// last_seen is serialized as seconds-since-epoch, not an RFC3339 string.
type cacheRecord struct {
	Hash     string      `json:"hash"`
	Name     string      `json:"name"`
	Aspect   string      `json:"aspect"`
	LastSeen json.Number `json:"last_seen"`
}

// Load replaces the catalog's contents from a JSON object cache file
// keyed by hex hash. A missing file is not an error. Per spec.md §4.6
// "Discovery persistence": the file is capped at 1 MiB, a non-object
// top level is rejected, and individual entries missing required
// fields, with a non-numeric last_seen, a negative last_seen, or a
// last_seen more than 300s in the future are dropped rather than
// failing the whole load.
func (c *Catalog) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	lr := &io.LimitedReader{R: f, N: maxDiscoveryCacheBytes + 1}
	raw, err := io.ReadAll(lr)
	if err != nil {
		return err
	}
	if int64(len(raw)) > maxDiscoveryCacheBytes {
		return fmt.Errorf("announce: discovery cache exceeds %d bytes", maxDiscoveryCacheBytes)
	}

	var table map[string]json.RawMessage
	if err := json.Unmarshal(raw, &table); err != nil {
		return fmt.Errorf("announce: decode cache: %w", err)
	}

	now := time.Now()
	entries := make(map[string]*Hub, len(table))
	for key, rawRec := range table {
		var rec cacheRecord
		if err := json.Unmarshal(rawRec, &rec); err != nil {
			continue
		}
		if rec.Hash == "" || rec.Name == "" || rec.LastSeen == "" {
			continue
		}
		seenSec, err := rec.LastSeen.Float64()
		if err != nil {
			continue
		}
		if seenSec < 0 {
			continue
		}
		if seenSec-float64(now.Unix()) > maxFutureSkew.Seconds() {
			continue
		}
		seenAt := time.Unix(0, int64(seenSec*float64(time.Second)))
		entries[key] = &Hub{HashHex: hashHexOrKey(key, rec.Hash), Name: rec.Name, Aspect: Aspect, LastSeen: seenAt}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// hashHexOrKey prefers the record's own "hash" field but falls back to
// the table key, so a record whose embedded field is merely stale
// relative to its key isn't dropped outright.
func hashHexOrKey(key, hash string) string {
	if hash != "" {
		return hash
	}
	return key
}

// Save persists the catalog as a JSON object keyed by hex hash, per
// spec.md §6.
func (c *Catalog) Save(path string) error {
	c.mu.Lock()
	table := make(map[string]cacheRecord, len(c.entries))
	for k, e := range c.entries {
		table[k] = cacheRecord{
			Hash:     e.HashHex,
			Name:     e.Name,
			Aspect:   Aspect,
			LastSeen: json.Number(fmt.Sprintf("%d", e.LastSeen.Unix())),
		}
	}
	c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// HubAnnounceHandler implements transport.AnnounceHandler: it accepts
// any well-formed-enough announce under Aspect, decodes a best-effort
// display name via a fallback chain, and records it in a Catalog.
type HubAnnounceHandler struct {
	catalog   *Catalog
	cachePath string
	log       *rrclog.Logger
	onSeen    func(Hub)
}

// NewHubAnnounceHandler builds a handler backed by catalog, persisting
// to cachePath after every successful upsert. onSeen, if non-nil, is
// invoked (outside any lock) after every successful upsert, e.g. to
// notify the backend's UI bridge.
func NewHubAnnounceHandler(catalog *Catalog, cachePath string, log *rrclog.Logger, onSeen func(Hub)) *HubAnnounceHandler {
	if log == nil {
		log = rrclog.Nop
	}
	return &HubAnnounceHandler{catalog: catalog, cachePath: cachePath, log: log, onSeen: onSeen}
}

func (h *HubAnnounceHandler) AspectFilter() string { return Aspect }

// ReceivedAnnounce implements the validation and fallback chain of
// spec.md §4.5: it rejects oversize app_data outright, decodes a name
// via decodeName's structured-then-UTF8-then-synthesized chain,
// sanitizes it, upserts the catalog, persists the cache, and notifies
// onSeen. The announce is untrusted input; any panic from the decode
// path is recovered and the announce dropped at debug level rather
// than propagated.
func (h *HubAnnounceHandler) ReceivedAnnounce(destHash []byte, _ transport.Identity, appData []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Debug("announce decode panicked, dropping", map[string]any{"panic": fmt.Sprintf("%v", r)})
		}
	}()

	if len(appData) > maxAppDataBytes {
		h.log.Debug("dropping announce: app_data too large", map[string]any{"size": len(appData)})
		return
	}

	name := decodeName(appData)
	clean, ok := sanitize.DisplayName(name, maxAnnounceStringLen)
	if !ok {
		clean = fallbackName(destHash)
	}

	h.catalog.Upsert(destHash, clean, time.Now())
	if h.cachePath != "" {
		if err := h.catalog.Save(h.cachePath); err != nil {
			h.log.Warn("failed to persist discovery cache", map[string]any{"error": err.Error()})
		}
	}
	h.log.Debug("recorded hub announce", map[string]any{
		"hash": hex.EncodeToString(destHash),
		"name": clean,
	})

	if h.onSeen != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.log.Error("announce callback panicked", map[string]any{"panic": fmt.Sprintf("%v", r)})
				}
			}()
			h.onSeen(Hub{HashHex: hex.EncodeToString(destHash), Name: clean, Aspect: Aspect, LastSeen: time.Now()})
		}()
	}
}

func fallbackName(hash []byte) string {
	h := hex.EncodeToString(hash)
	if len(h) > 8 {
		h = h[:8]
	}
	return "Hub " + h
}

// decodeName runs the fallback chain described in spec.md §4.5: a
// structured CBOR decode (map/list/string, each with its own rejection
// rules), then raw UTF-8, returning "" if every strategy failed (the
// caller maps that to a synthesized name).
func decodeName(appData []byte) string {
	if len(appData) == 0 {
		return ""
	}
	if name, ok := structuredName(appData); ok {
		return name
	}
	if utf8.Valid(appData) {
		return strings.ToValidUTF8(string(appData), "")
	}
	return ""
}

// structuredName attempts the binary-map decode step of spec.md §4.5
// step 2: a map, a list, or a bare string, each bounded and validated
// before any field of it is trusted as a name.
func structuredName(appData []byte) (string, bool) {
	v, err := codec.DecodeAny(appData)
	if err != nil {
		return "", false
	}
	switch x := v.(type) {
	case map[string]any:
		return nameFromMap(x)
	case []any:
		return nameFromList(x)
	case string:
		if len(x) > maxAnnounceStringLen {
			return "", false
		}
		return x, true
	default:
		return "", false
	}
}

// nameFromMap implements the map branch of spec.md §4.5 step 2: reject
// oversized maps or maps holding values too large to be a reasonable
// scalar/nested field, then prefer {proto:"rrc", hub:"..."} before
// falling back to name/n/hub in that order.
func nameFromMap(m map[string]any) (string, bool) {
	if len(m) > maxAnnounceMapKeys {
		return "", false
	}
	for _, v := range m {
		if !announceValueShapeOK(v) {
			return "", false
		}
	}
	if proto, _ := m["proto"].(string); proto == "rrc" {
		if hub, ok := m["hub"].(string); ok {
			return hub, true
		}
	}
	for _, key := range []string{"name", "n", "hub"} {
		if s, ok := m[key].(string); ok {
			return s, true
		}
	}
	return "", false
}

func announceValueShapeOK(v any) bool {
	switch x := v.(type) {
	case nil, string, int, int64, uint64, float64, bool, []byte:
		return true
	case map[string]any, map[uint64]any, []any:
		return len(fmt.Sprintf("%v", x)) <= maxAnnounceNestedChars
	default:
		return false
	}
}

// nameFromList implements the list branch of spec.md §4.5 step 2:
// reject lists with more than 20 items; otherwise take the last
// element if (and only if) it is a string.
func nameFromList(items []any) (string, bool) {
	if len(items) == 0 || len(items) > maxAnnounceListItems {
		return "", false
	}
	if s, ok := items[len(items)-1].(string); ok {
		return s, true
	}
	return "", false
}
