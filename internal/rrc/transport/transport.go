// Package transport defines the interface the protocol Client requires
// from the underlying mesh transport (identities, links, resources,
// announces), per spec.md §6. The mesh transport itself is external;
// this package specifies only the boundary. See wstransport for one
// concrete adapter.
package transport

import (
	"context"
	"io"
	"time"
)

// Identity is an opaque cryptographic identity handle.
type Identity interface {
	// Hash returns the identity's destination hash bytes.
	Hash() []byte
}

// ResourceStatus describes the terminal state of a resource transfer.
type ResourceStatus int

const (
	ResourcePending ResourceStatus = iota
	ResourceComplete
	ResourceFailed
)

// Resource is an out-of-band large-payload transfer, distinct from
// packet-carried envelopes.
type Resource interface {
	TotalSize() int64
	Status() ResourceStatus
	Data() io.ReadCloser
	Cancel()
}

// Link is a virtual point-to-point session over the mesh transport.
type Link interface {
	// Identify associates a local identity with this link.
	Identify(self Identity) error
	// Send transmits a raw payload over the link. It must behave like
	// a packet send: implementations should fail fast (without
	// blocking indefinitely) if the payload cannot be packed within
	// the link's MDU, so the client can treat that as MsgTooLarge
	// rather than a hang.
	Send(ctx context.Context, payload []byte) error
	// WouldFit reports whether payload could be packed into a single
	// packet on this link (the client's MTU pre-check).
	WouldFit(payload []byte) bool
	// Teardown closes the link.
	Teardown() error
}

// LinkEvents is how a Transport reports inbound link activity. All
// methods may be invoked from transport-owned worker goroutines; the
// Client is responsible for hopping back onto its own synchronization
// before mutating shared state from them, per spec.md §5.
type LinkEvents interface {
	OnEstablished(link Link)
	OnClosed(link Link)
	OnPacket(payload []byte)
	OnResourceAdvertised(r Resource) (accept bool)
	OnResourceConcluded(r Resource)
}

// AnnounceHandler receives announces matching AspectFilter.
type AnnounceHandler interface {
	AspectFilter() string
	ReceivedAnnounce(destHash []byte, identity Identity, appData []byte)
}

// Transport is the full boundary the Client depends on.
type Transport interface {
	// LoadOrCreateIdentity loads an identity from path, creating one
	// if absent.
	LoadOrCreateIdentity(path string) (Identity, error)

	// RequestPath asks the transport to begin resolving a route to
	// hubHash. Non-blocking.
	RequestPath(hubHash []byte) error
	// HasPath reports whether a route to hubHash is currently known.
	HasPath(hubHash []byte) bool
	// RecallIdentity returns the identity behind hubHash if known.
	RecallIdentity(hubHash []byte) (Identity, bool)

	// DestinationHash derives the destination hash that would result
	// from pairing identity with destName's aspects. The Client
	// compares this against the requested hubHash to catch
	// HASH_MISMATCH.
	DestinationHash(identity Identity, destName string) []byte

	// Dial establishes a new Link to the destination identified by
	// identity/destName, wiring events to ev.
	Dial(ctx context.Context, identity Identity, destName string, ev LinkEvents) (Link, error)

	// TeardownExisting closes any pre-existing link to the given
	// destination hash, mirroring the original's
	// _cleanup_existing_links scan of active/pending links.
	TeardownExisting(destHash []byte)

	// RegisterAnnounceHandler registers h against the transport's
	// global announce bus.
	RegisterAnnounceHandler(h AnnounceHandler)
}

// DefaultConnectTimeout is the default upper bound on connect().
const DefaultConnectTimeout = 20 * time.Second
