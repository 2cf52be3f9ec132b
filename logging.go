//go:build linux

package pollmux

import "github.com/joeycumines/logiface"

// logChange attaches the full context of an attempted control operation:
// the resolved epoll operation and mask, the descriptor, the mask the kernel
// last saw, and each requested per-field delta.
func logChange(b *logiface.Builder[logiface.Event], op int, events uint32, ch Change) *logiface.Builder[logiface.Event] {
	return b.
		Str("op", opString(op)).
		Uint64("events", uint64(events)).
		Int("fd", ch.FD).
		Stringer("old", ch.Old).
		Stringer("read_change", ch.Read).
		Stringer("write_change", ch.Write).
		Stringer("close_change", ch.Close)
}
