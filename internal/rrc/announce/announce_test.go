package announce

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

func TestDecodeNameFromMap(t *testing.T) {
	b, err := cbor.Marshal(map[string]any{"name": "Lounge Hub"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := decodeName(b); got != "Lounge Hub" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeNameFromList(t *testing.T) {
	// spec.md §4.5: for a list, take the LAST string element.
	b, err := cbor.Marshal([]any{42, "Listed Hub"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := decodeName(b); got != "Listed Hub" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeNameFromListRejectsOversized(t *testing.T) {
	items := make([]any, 21)
	for i := range items {
		items[i] = i
	}
	items[20] = "Should Be Ignored"
	b, err := cbor.Marshal(items)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := decodeName(b); got != "" {
		t.Fatalf("expected empty name for oversized list, got %q", got)
	}
}

func TestDecodeNameFromMapPrefersRRCProtoHub(t *testing.T) {
	b, err := cbor.Marshal(map[string]any{"proto": "rrc", "hub": "Proto Hub", "name": "Ignored Name"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := decodeName(b); got != "Proto Hub" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeNameFromMapFallsBackToNThenHub(t *testing.T) {
	b, err := cbor.Marshal(map[string]any{"n": "N Field Hub"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := decodeName(b); got != "N Field Hub" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeNameFromMapRejectsOversizedKeys(t *testing.T) {
	m := map[string]any{"name": "Should Be Ignored"}
	for i := 0; i < 20; i++ {
		m[string(rune('a'+i))] = i
	}
	b, err := cbor.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := decodeName(b); got != "" {
		t.Fatalf("expected empty name for a >20-key map, got %q", got)
	}
}

func TestReceivedAnnounceRejectsOversizedAppData(t *testing.T) {
	cat := NewCatalog()
	h := NewHubAnnounceHandler(cat, "", nil, nil)
	hash := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	h.ReceivedAnnounce(hash, nil, make([]byte, maxAppDataBytes+1))
	if len(cat.List()) != 0 {
		t.Fatalf("expected oversized app_data to be dropped, got %v", cat.List())
	}
}

func TestDecodeNameFromPlainUTF8(t *testing.T) {
	if got := decodeName([]byte("Plain Text Hub")); got != "Plain Text Hub" {
		t.Fatalf("got %q", got)
	}
}

func TestReceivedAnnounceFallsBackToSynthesizedName(t *testing.T) {
	cat := NewCatalog()
	h := NewHubAnnounceHandler(cat, "", nil, nil)
	hash := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	h.ReceivedAnnounce(hash, nil, []byte{0xff, 0xfe}) // invalid CBOR and invalid UTF-8

	list := cat.List()
	if len(list) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(list))
	}
	if list[0].Name != "Hub deadbeef" {
		t.Fatalf("unexpected synthesized name: %q", list[0].Name)
	}
}

func TestCatalogSaveLoadRoundTrip(t *testing.T) {
	cat := NewCatalog()
	cat.Upsert([]byte{1, 2, 3, 4}, "Hub A", time.Now())
	cat.Upsert([]byte{5, 6, 7, 8}, "Hub B", time.Now())

	path := filepath.Join(t.TempDir(), "discovered_hubs.json")
	if err := cat.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := NewCatalog()
	if err := reloaded.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reloaded.List()) != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", len(reloaded.List()))
	}
}

func TestCatalogEvictStale(t *testing.T) {
	cat := NewCatalog()
	old := time.Now().Add(-2 * StaleAfter)
	cat.Upsert([]byte{9, 9, 9, 9}, "Old Hub", old)
	cat.Upsert([]byte{1, 1, 1, 1}, "Fresh Hub", time.Now())

	removed := cat.EvictStale(time.Now())
	if removed != 1 {
		t.Fatalf("expected 1 eviction, got %d", removed)
	}
	if len(cat.List()) != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", len(cat.List()))
	}
}

func TestCatalogSaveWritesJSONObjectKeyedByHashWithNumericLastSeen(t *testing.T) {
	cat := NewCatalog()
	seenAt := time.Now()
	cat.Upsert([]byte{1, 2, 3, 4}, "Hub A", seenAt)

	path := filepath.Join(t.TempDir(), "discovered_hubs.json")
	if err := cat.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var table map[string]map[string]any
	if err := json.Unmarshal(raw, &table); err != nil {
		t.Fatalf("expected a JSON object, got: %v", err)
	}
	rec, ok := table["01020304"]
	if !ok {
		t.Fatalf("expected entry keyed by hex hash, got %v", table)
	}
	if rec["aspect"] != Aspect {
		t.Fatalf("expected aspect %q, got %v", Aspect, rec["aspect"])
	}
	switch ls := rec["last_seen"].(type) {
	case float64:
		if int64(ls) != seenAt.Unix() {
			t.Fatalf("expected last_seen %d, got %v", seenAt.Unix(), ls)
		}
	default:
		t.Fatalf("expected last_seen to be a JSON number, got %T", rec["last_seen"])
	}
}

func TestCatalogLoadDropsInvalidEntries(t *testing.T) {
	future := time.Now().Add(2 * maxFutureSkew).Unix()
	raw := `{
		"aaaa": {"hash": "aaaa", "name": "Good Hub", "aspect": "rrc.hub", "last_seen": 100},
		"bbbb": {"hash": "bbbb", "name": "Future Hub", "aspect": "rrc.hub", "last_seen": ` + fmtInt(future) + `},
		"cccc": {"hash": "cccc", "name": "Negative Hub", "aspect": "rrc.hub", "last_seen": -5},
		"dddd": {"hash": "dddd", "name": "Bad Seen", "aspect": "rrc.hub", "last_seen": "not-a-number"},
		"eeee": {"hash": "eeee", "aspect": "rrc.hub", "last_seen": 100}
	}`
	path := filepath.Join(t.TempDir(), "discovered_hubs.json")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cat := NewCatalog()
	if err := cat.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	list := cat.List()
	if len(list) != 1 || list[0].Name != "Good Hub" {
		t.Fatalf("expected only the valid entry to survive, got %v", list)
	}
}

func TestCatalogLoadRejectsNonObjectTopLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "discovered_hubs.json")
	if err := os.WriteFile(path, []byte(`[1,2,3]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cat := NewCatalog()
	if err := cat.Load(path); err == nil {
		t.Fatal("expected a non-map top level to be rejected")
	}
}

func fmtInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
