package pollmux

import "strings"

// Events is a bit set describing readiness interest or reported readiness
// for a single file descriptor.
type Events uint32

const (
	// Readable indicates the descriptor can be read without blocking.
	Readable Events = 1 << iota
	// Writable indicates the descriptor can be written without blocking.
	Writable
	// PeerClosed indicates the peer closed its end of the connection.
	PeerClosed
	// EdgeTriggered requests (on registration) or reports (on delivery)
	// edge-triggered semantics. Readiness events delivered by Dispatch are
	// always tagged EdgeTriggered, because the epoll interface is driven
	// edge-triggered by this backend whenever the flag is registered.
	EdgeTriggered
)

// interestMask strips delivery-only bits, leaving the three interest bits
// that participate in kernel registration state.
const interestMask = Readable | Writable | PeerClosed

// String returns a human-readable representation of the event bits.
func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var parts []string
	if e&Readable != 0 {
		parts = append(parts, "readable")
	}
	if e&Writable != 0 {
		parts = append(parts, "writable")
	}
	if e&PeerClosed != 0 {
		parts = append(parts, "peer-closed")
	}
	if e&EdgeTriggered != 0 {
		parts = append(parts, "et")
	}
	return strings.Join(parts, "|")
}

// ChangeOp describes the requested mutation of one interest field within a
// Change: no change, add the interest, or delete it. The edge-trigger flag
// rides along with whichever fields are active.
type ChangeOp uint8

const (
	changeAdd ChangeOp = 1 << iota
	changeDel
	changeET
)

// String returns the mutation kind, ignoring the edge-trigger flag.
func (c ChangeOp) String() string {
	switch c & (changeAdd | changeDel) {
	case changeAdd:
		return "add"
	case changeDel:
		return "del"
	case 0:
		return "none"
	default:
		return "???"
	}
}

// Change describes the pending interest delta for one descriptor: what was
// previously registered with the kernel, and the requested mutation of each
// of the three interest fields. A Change is self-contained; the target mask
// is reconstructible from (Old, Read, Write, Close) with no other state.
type Change struct {
	// FD is the descriptor the change applies to.
	FD int
	// Old is the event mask currently registered with the kernel for FD.
	// It must be tracked by the caller; this backend never reads kernel
	// registration state back.
	Old Events
	// Read, Write and Close are the per-field mutations.
	Read, Write, Close ChangeOp
}

// makeChange builds a Change that applies op to every interest bit set in
// events, carrying the edge-trigger flag when requested.
func makeChange(fd int, old, events Events, op ChangeOp) Change {
	ch := Change{FD: fd, Old: old & interestMask}
	if events&EdgeTriggered != 0 {
		op |= changeET
	}
	if events&Readable != 0 {
		ch.Read = op
	}
	if events&Writable != 0 {
		ch.Write = op
	}
	if events&PeerClosed != 0 {
		ch.Close = op
	}
	return ch
}

// Feature is a bit set of capabilities advertised by the backend.
type Feature uint32

const (
	// FeatureEdgeTriggered indicates edge-triggered readiness is supported.
	FeatureEdgeTriggered Feature = 1 << iota
	// FeatureO1 indicates registration and dispatch cost does not scale
	// with the number of watched descriptors.
	FeatureO1
	// FeatureEarlyClose indicates peer-closed interest (EPOLLRDHUP) is
	// supported.
	FeatureEarlyClose
)
