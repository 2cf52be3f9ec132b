//go:build linux

package pollmux

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// WaitForever makes Dispatch block until a descriptor becomes ready, with no
// deadline. Any negative duration behaves the same.
const WaitForever time.Duration = -1

// maxWaitMsec caps the millisecond timeout handed to epoll_wait. Some Linux
// kernels treat larger values as infinite; see the libevent epoll notes on
// LONG_MAX/HZ.
const maxWaitMsec = 2_100_000

// Dispatch runs one iteration of the backend: arms the timeout, flushes any
// batched changes, blocks on epoll_wait (releasing the configured locker
// across the wait), delivers readiness notifications to the sink, and grows
// the reporting buffer when it was saturated.
//
// maxWait bounds the blocking wait; zero polls without blocking, and any
// negative value (WaitForever) waits indefinitely. Changes flushed by this
// call are applied to kernel state before the wait is issued, so interest
// registered for iteration N is visible to iteration N's wait.
//
// A wait interrupted by signal delivery is a successful iteration with zero
// events. Per-change application failures are logged and never abort the
// flush of sibling changes nor the iteration; only wait failures propagate.
func (b *Backend) Dispatch(maxWait time.Duration) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}

	timeout := b.armTimeout(maxWait)

	if b.source != nil {
		b.source.Drain(func(ch Change) {
			// Each change is independent; applyChange has already logged
			// the failure with its full context.
			_ = b.applyChange(ch)
		})
	}

	// The wait must not hold the shared-state lock: other goroutines need
	// it to record new interest while we block.
	if b.locker != nil {
		b.locker.Unlock()
	}
	n, err := b.wait(b.epfd, b.events, timeout)
	if b.locker != nil {
		b.locker.Lock()
	}

	if b.metrics != nil {
		b.metrics.dispatches.Add(1)
	}

	if err != nil {
		if err == unix.EINTR {
			if b.metrics != nil {
				b.metrics.interrupts.Add(1)
			}
			return nil
		}
		return fmt.Errorf("pollmux: epoll_wait: %w", err)
	}

	b.logger.Debug().Int("count", n).Log("epoll_wait reported")

	for i := 0; i < n; i++ {
		fd := int(b.events[i].Fd)
		if b.timerfd >= 0 && fd == b.timerfd {
			// The timer firing only means "wake up"; it carries no
			// readiness to report.
			continue
		}

		what := b.events[i].Events
		var ev Events
		if what&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			// Report error or hangup as both readable and writable; the
			// consumer's next read or write will surface the concrete
			// error, which saves guessing here.
			ev = Readable | Writable
		} else {
			if what&unix.EPOLLIN != 0 {
				ev |= Readable
			}
			if what&unix.EPOLLOUT != 0 {
				ev |= Writable
			}
			if what&unix.EPOLLRDHUP != 0 {
				ev |= PeerClosed
			}
		}
		if ev == 0 {
			continue
		}

		if b.metrics != nil {
			b.metrics.eventsReported.Add(1)
		}
		b.sink(fd, ev|EdgeTriggered)
	}

	if n == len(b.events) && len(b.events) < maxEventSlots {
		// The buffer was fully saturated; be ready for more next time.
		// Slot contents never survive an iteration, so the old buffer is
		// simply replaced.
		b.events = make([]unix.EpollEvent, len(b.events)*2)
		if b.metrics != nil {
			b.metrics.bufferGrowths.Add(1)
		}
		b.logger.Debug().Int("capacity", len(b.events)).Log("reporting buffer grown")
	}

	return nil
}

// armTimeout computes the epoll_wait timeout in milliseconds and, when the
// timerfd is active, arms or disarms it. With an active timerfd the wait
// itself blocks indefinitely except for the zero-wait case, which the timer
// mechanism cannot express (a zero it_value disarms the timer).
func (b *Backend) armTimeout(maxWait time.Duration) int {
	timeout := -1
	if b.timerfd >= 0 {
		var its unix.ItimerSpec
		if maxWait >= 0 {
			if maxWait == 0 {
				timeout = 0
			}
			its.Value = unix.NsecToTimespec(maxWait.Nanoseconds())
		}
		// No deadline leaves its zeroed, which disarms the timer.
		if err := unix.TimerfdSettime(b.timerfd, 0, &its, nil); err != nil {
			b.logger.Warning().Err(err).Log("pollmux: timerfd_settime")
		}
	} else if maxWait >= 0 {
		ms := int64((maxWait + time.Millisecond - 1) / time.Millisecond)
		if ms > maxWaitMsec {
			ms = maxWaitMsec
		}
		timeout = int(ms)
	}
	return timeout
}
