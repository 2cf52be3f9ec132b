//go:build linux

package pollmux

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const (
	// initialEventSlots is the reporting buffer's starting capacity.
	initialEventSlots = 32
	// maxEventSlots is the hard ceiling for reporting buffer growth.
	maxEventSlots = 4096
)

// UseChangelistEnv is the environment variable that forces the batched
// registration strategy, unless WithIgnoreEnv(true) was passed to New.
const UseChangelistEnv = "POLLMUX_USE_CHANGELIST"

// Backend is the epoll readiness-multiplexing backend of an event loop. It
// owns the epoll instance, a growable reporting buffer reused across
// iterations, and an optional timerfd for high-resolution timeouts.
//
// A Backend is driven by a single goroutine: the one calling Dispatch. Other
// goroutines may register interest concurrently only under the batched
// strategy (changes are queued, and the queue is safe for concurrent Push),
// or under whatever external locking discipline guards the immediate calls.
type Backend struct {
	// Prevent copying
	_ [0]func()

	logger  *logiface.Logger[logiface.Event]
	sink    ReadyFunc
	locker  sync.Locker
	source  ChangeSource // nil selects the immediate strategy
	metrics *metrics

	// events is the reporting buffer. Its capacity only grows, never
	// shrinks, for the backend's lifetime.
	events []unix.EpollEvent

	epfd    int
	timerfd int // -1 when precise timing is unavailable

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error

	// Syscall seams, replaced in tests to exercise kernel race recovery
	// deterministically.
	ctl  func(epfd int, op int, fd int, event *unix.EpollEvent) error
	wait func(epfd int, events []unix.EpollEvent, msec int) (n int, err error)
}

// New creates a Backend. A readiness sink (WithReadySink) is required. The
// epoll handle is created close-on-exec, falling back from epoll_create1 to
// the legacy epoll_create where necessary. Any partially-acquired resource is
// released before an error return.
func New(opts ...Option) (*Backend, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if cfg.sink == nil {
		return nil, ErrNoSink
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		// Legacy interface. The size hint is ignored since 2.6.8, and the
		// legacy call does not set close-on-exec implicitly.
		epfd, err = unix.EpollCreate(32000)
		if err != nil {
			return nil, fmt.Errorf("pollmux: epoll_create: %w", err)
		}
		unix.CloseOnExec(epfd)
	}

	b := &Backend{
		logger:  cfg.logger,
		sink:    cfg.sink,
		locker:  cfg.locker,
		events:  make([]unix.EpollEvent, initialEventSlots),
		epfd:    epfd,
		timerfd: -1,
		ctl:     unix.EpollCtl,
		wait:    unix.EpollWait,
	}
	if cfg.metrics {
		b.metrics = new(metrics)
	}

	if cfg.changelist || (!cfg.ignoreEnv && os.Getenv(UseChangelistEnv) != "") {
		b.source = cfg.source
		if b.source == nil {
			b.source = NewChangelist()
		}
	}

	if cfg.preciseTimer && !cfg.coarseClock {
		b.initTimer()
	}

	return b, nil
}

// initTimer attempts to create and register the timerfd. epoll ordinarily
// gives one-millisecond timeout precision; a timerfd on CLOCK_MONOTONIC
// provides finer granularity when the caller asked for it. Every failure
// here degrades to millisecond timeouts rather than failing New.
func (b *Backend) initTimer() {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		if err != unix.EINVAL && err != unix.ENOSYS {
			// Errors other than "kernel lacks timerfd" are unexpected and
			// worth surfacing, though still not fatal.
			b.logger.Warning().Err(err).Log("pollmux: timerfd_create")
		}
		return
	}
	epev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}
	if err := b.ctl(b.epfd, unix.EPOLL_CTL_ADD, tfd, &epev); err != nil {
		b.logger.Warning().Err(err).Log("pollmux: epoll_ctl(timerfd)")
		_ = unix.Close(tfd)
		return
	}
	b.timerfd = tfd
}

// Close releases the reporting buffer, the epoll handle, and the timerfd.
// It is safe to call more than once; only the first call closes anything.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.timerfd >= 0 {
			_ = unix.Close(b.timerfd)
			b.timerfd = -1
		}
		if b.epfd >= 0 {
			b.closeErr = unix.Close(b.epfd)
			b.epfd = -1
		}
		b.events = nil
	})
	return b.closeErr
}

// Batched reports whether the backend uses the batched registration strategy
// (changes queued and flushed per dispatch) rather than the immediate one.
func (b *Backend) Batched() bool {
	return b.source != nil
}

// PreciseTimer reports whether a high-resolution timer handle is active.
func (b *Backend) PreciseTimer() bool {
	return b.timerfd >= 0
}

// Features reports the capabilities of the epoll backend.
func (b *Backend) Features() Feature {
	return FeatureEdgeTriggered | FeatureO1 | FeatureEarlyClose
}

// Stats returns a copy of the runtime counters. All counters are zero unless
// WithMetrics(true) was passed to New.
func (b *Backend) Stats() Stats {
	return b.metrics.snapshot()
}

// Register adds interest in events for fd. old must be the event mask
// currently registered with the kernel for fd; the backend never reads
// registration state back, so interest bookkeeping is the caller's.
//
// Both Register and Unregister go through the strategy selected at init
// time: applied synchronously (immediate) or queued for the next Dispatch
// (batched).
func (b *Backend) Register(fd int, old, events Events) error {
	return b.change(makeChange(fd, old, events, changeAdd))
}

// Unregister removes interest in events for fd. See Register for the old
// mask contract.
func (b *Backend) Unregister(fd int, old, events Events) error {
	return b.change(makeChange(fd, old, events, changeDel))
}

func (b *Backend) change(ch Change) error {
	if b.closed.Load() {
		return ErrBackendClosed
	}
	if b.source != nil {
		b.source.Push(ch)
		return nil
	}
	return b.applyChange(ch)
}

// applyChange resolves a change to its minimal epoll control operation and
// issues it, recovering the known benign kernel races before reporting an
// error. It issues one or two control syscalls, never blocks, and never
// allocates.
func (b *Backend) applyChange(ch Change) error {
	op, events := resolveOp(ch.Old, ch)
	if op == opNone {
		return nil
	}

	epev := unix.EpollEvent{Events: events, Fd: int32(ch.FD)}
	err := b.ctl(b.epfd, op, ch.FD, &epev)
	if err == nil {
		if b.metrics != nil {
			b.metrics.changesApplied.Add(1)
		}
		logChange(b.logger.Debug(), op, events, ch).Log("epoll control okay")
		return nil
	}

	switch op {
	case unix.EPOLL_CTL_MOD:
		if err == unix.ENOENT {
			// The registration vanished: the fd was closed and its number
			// reused between registration and now. Retry as an ADD.
			if retryErr := b.ctl(b.epfd, unix.EPOLL_CTL_ADD, ch.FD, &epev); retryErr != nil {
				return b.controlFailed(retryErr, op, events, ch,
					"epoll MOD retried as ADD; that failed too")
			}
			return b.raceRecovered(op, events, ch, "epoll MOD retried as ADD; succeeded")
		}
	case unix.EPOLL_CTL_ADD:
		if err == unix.EEXIST {
			// Either the ADD was redundant (a precautionary add), or a
			// dup of the same file into the same fd aliased the existing
			// epoll item. Retry as a MOD, which handles both.
			if retryErr := b.ctl(b.epfd, unix.EPOLL_CTL_MOD, ch.FD, &epev); retryErr != nil {
				return b.controlFailed(retryErr, op, events, ch,
					"epoll ADD retried as MOD; that failed too")
			}
			return b.raceRecovered(op, events, ch, "epoll ADD retried as MOD; succeeded")
		}
	case unix.EPOLL_CTL_DEL:
		if err == unix.ENOENT || err == unix.EBADF || err == unix.EPERM {
			// The fd was closed before we got around to dispatching; the
			// interest is already absent and the DEL was unnecessary.
			logChange(b.logger.Debug().Err(err), op, events, ch).Log("epoll DEL was unnecessary")
			if b.metrics != nil {
				b.metrics.racesRecovered.Add(1)
			}
			return nil
		}
	}

	return b.controlFailed(err, op, events, ch, "epoll control failed")
}

func (b *Backend) raceRecovered(op int, events uint32, ch Change, msg string) error {
	if b.metrics != nil {
		b.metrics.changesApplied.Add(1)
		b.metrics.racesRecovered.Add(1)
	}
	logChange(b.logger.Debug(), op, events, ch).Log(msg)
	return nil
}

func (b *Backend) controlFailed(err error, op int, events uint32, ch Change, msg string) error {
	if b.metrics != nil {
		b.metrics.controlErrors.Add(1)
	}
	logChange(b.logger.Warning().Err(err), op, events, ch).Log(msg)
	return &ControlError{Err: err, Change: ch, Op: op, Events: events}
}
