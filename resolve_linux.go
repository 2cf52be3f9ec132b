//go:build linux

package pollmux

import "golang.org/x/sys/unix"

// opNone is returned by resolveOp when the change is a no-op and no syscall
// should be issued. The remaining operations are the unix.EPOLL_CTL_* values.
const opNone = 0

// resolveOp maps a descriptor's previously-registered mask and a pending
// Change to the minimal epoll control operation and the epoll event mask to
// submit with it. It is a pure function of its inputs: it performs no I/O and
// cannot fail.
//
//   - result empty, previous non-empty  -> EPOLL_CTL_DEL
//   - previous empty, result non-empty  -> EPOLL_CTL_ADD
//   - both non-empty, result != previous -> EPOLL_CTL_MOD
//   - otherwise                          -> opNone
func resolveOp(old Events, ch Change) (op int, events uint32) {
	target := old & interestMask
	target = applyField(target, Readable, ch.Read)
	target = applyField(target, Writable, ch.Write)
	target = applyField(target, PeerClosed, ch.Close)

	old &= interestMask
	switch {
	case target == old:
		return opNone, 0
	case target == 0:
		op = unix.EPOLL_CTL_DEL
	case old == 0:
		op = unix.EPOLL_CTL_ADD
	default:
		op = unix.EPOLL_CTL_MOD
	}

	if target&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if target&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	if target&PeerClosed != 0 {
		events |= unix.EPOLLRDHUP
	}
	if (ch.Read|ch.Write|ch.Close)&changeET != 0 {
		events |= unix.EPOLLET
	}
	return op, events
}

// applyField folds one per-field mutation into the target mask.
func applyField(target, bit Events, op ChangeOp) Events {
	if op&changeAdd != 0 {
		return target | bit
	}
	if op&changeDel != 0 {
		return target &^ bit
	}
	return target
}

// opString names an epoll control operation for logs and errors.
func opString(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "ADD"
	case unix.EPOLL_CTL_MOD:
		return "MOD"
	case unix.EPOLL_CTL_DEL:
		return "DEL"
	default:
		return "???"
	}
}
