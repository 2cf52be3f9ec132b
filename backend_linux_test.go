//go:build linux

package pollmux

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// sinkRecorder collects readiness notifications delivered by Dispatch.
type sinkRecorder struct {
	got map[int]Events
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{got: make(map[int]Events)}
}

func (s *sinkRecorder) fn(fd int, events Events) {
	s.got[fd] |= events
}

func (s *sinkRecorder) reset() {
	s.got = make(map[int]Events)
}

func newTestBackend(t *testing.T, opts ...Option) (*Backend, *sinkRecorder) {
	t.Helper()
	sink := newSinkRecorder()
	b, err := New(append([]Option{WithReadySink(sink.fn), WithIgnoreEnv(true)}, opts...)...)
	require.NoError(t, err, "New() failed")
	t.Cleanup(func() { _ = b.Close() })
	return b, sink
}

func makePipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]), "pipe")
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestNew_RequiresSink(t *testing.T) {
	b, err := New()
	if !errors.Is(err, ErrNoSink) {
		t.Fatalf("New() error = %v, want ErrNoSink", err)
	}
	if b != nil {
		t.Fatal("New() returned a backend alongside an error")
	}
}

func TestBackend_Lifecycle(t *testing.T) {
	b, _ := newTestBackend(t)

	if b.Batched() {
		t.Error("default strategy should be immediate, not batched")
	}
	if got := b.Features(); got != FeatureEdgeTriggered|FeatureO1|FeatureEarlyClose {
		t.Errorf("Features() = %#x", got)
	}

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "Close must be idempotent")

	if err := b.Dispatch(0); !errors.Is(err, ErrBackendClosed) {
		t.Errorf("Dispatch after close = %v, want ErrBackendClosed", err)
	}
	if err := b.Register(1, 0, Readable); !errors.Is(err, ErrBackendClosed) {
		t.Errorf("Register after close = %v, want ErrBackendClosed", err)
	}
}

func TestBackend_StrategySelection(t *testing.T) {
	t.Run("option", func(t *testing.T) {
		b, _ := newTestBackend(t, WithChangelist(true))
		if !b.Batched() {
			t.Error("WithChangelist(true) should select the batched strategy")
		}
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv(UseChangelistEnv, "1")
		sink := newSinkRecorder()
		b, err := New(WithReadySink(sink.fn))
		require.NoError(t, err)
		defer b.Close()
		if !b.Batched() {
			t.Errorf("%s should select the batched strategy", UseChangelistEnv)
		}
	})

	t.Run("environment ignored", func(t *testing.T) {
		t.Setenv(UseChangelistEnv, "1")
		b, _ := newTestBackend(t) // newTestBackend passes WithIgnoreEnv(true)
		if b.Batched() {
			t.Error("WithIgnoreEnv(true) should keep the immediate strategy")
		}
	})

	t.Run("external source", func(t *testing.T) {
		cl := NewChangelist()
		b, _ := newTestBackend(t, WithChangeSource(cl))
		if !b.Batched() {
			t.Fatal("WithChangeSource should select the batched strategy")
		}
		require.NoError(t, b.Register(9, 0, Readable))
		if cl.Len() != 1 {
			t.Errorf("external source Len() = %d, want 1", cl.Len())
		}
	})
}

func TestDispatch_ReadReadiness(t *testing.T) {
	b, sink := newTestBackend(t)
	r, w := makePipe(t)

	require.NoError(t, b.Register(r, 0, Readable))

	// Nothing written yet: a zero-wait dispatch reports nothing.
	require.NoError(t, b.Dispatch(0))
	if len(sink.got) != 0 {
		t.Fatalf("events before write: %v", sink.got)
	}

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, b.Dispatch(time.Second))
	ev := sink.got[r]
	if ev&Readable == 0 {
		t.Errorf("events for read end = %v, want Readable", ev)
	}
	if ev&EdgeTriggered == 0 {
		t.Errorf("events for read end = %v, want EdgeTriggered tag", ev)
	}
}

func TestDispatch_WriteReadiness(t *testing.T) {
	b, sink := newTestBackend(t)
	_, w := makePipe(t)

	require.NoError(t, b.Register(w, 0, Writable))
	require.NoError(t, b.Dispatch(time.Second))

	if ev := sink.got[w]; ev&Writable == 0 {
		t.Errorf("events for write end = %v, want Writable", ev)
	}
}

func TestDispatch_UnregisterStopsDelivery(t *testing.T) {
	b, sink := newTestBackend(t)
	r, w := makePipe(t)

	require.NoError(t, b.Register(r, 0, Readable))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, b.Dispatch(time.Second))
	require.Contains(t, sink.got, r)

	require.NoError(t, b.Unregister(r, Readable, Readable))
	sink.reset()
	require.NoError(t, b.Dispatch(0))
	if len(sink.got) != 0 {
		t.Errorf("events after unregister: %v", sink.got)
	}
}

func TestDispatch_HangupReportsReadableAndWritable(t *testing.T) {
	b, sink := newTestBackend(t)
	r, w := makePipe(t)

	require.NoError(t, b.Register(r, 0, Readable))

	// Closing the write end with no data pending surfaces EPOLLHUP on the
	// read end, which must be reported as both readable and writable.
	require.NoError(t, unix.Close(w))

	require.NoError(t, b.Dispatch(time.Second))
	ev := sink.got[r]
	if ev&(Readable|Writable) != Readable|Writable {
		t.Errorf("events = %v, want Readable|Writable", ev)
	}
	if ev&PeerClosed != 0 {
		t.Errorf("events = %v, hangup must not report PeerClosed", ev)
	}
}

func TestDispatch_PeerClosed(t *testing.T) {
	b, sink := newTestBackend(t)

	sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(sv[0])
		_ = unix.Close(sv[1])
	})

	require.NoError(t, b.Register(sv[0], 0, Readable|PeerClosed))

	// A half-close from the peer raises EPOLLRDHUP without EPOLLHUP, since
	// the reverse direction is still open.
	require.NoError(t, unix.Shutdown(sv[1], unix.SHUT_WR))

	require.NoError(t, b.Dispatch(time.Second))
	ev := sink.got[sv[0]]
	if ev&PeerClosed == 0 {
		t.Errorf("events = %v, want PeerClosed", ev)
	}
}

func TestDispatch_BatchedFlushVisibleToSameIteration(t *testing.T) {
	b, sink := newTestBackend(t, WithChangelist(true))
	r, w := makePipe(t)

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	// Queued, not yet applied: the kernel has not seen the registration.
	require.NoError(t, b.Register(r, 0, Readable))

	// The same iteration that flushes the change must observe readiness.
	require.NoError(t, b.Dispatch(time.Second))
	if ev := sink.got[r]; ev&Readable == 0 {
		t.Errorf("events = %v, want Readable in the flush iteration", ev)
	}
}

func TestDispatch_TimerNeverReported(t *testing.T) {
	b, sink := newTestBackend(t, WithPreciseTimer(true))
	if !b.PreciseTimer() {
		t.Skip("timerfd unavailable")
	}

	// The only wake-up source is the timer firing; the sink must stay
	// silent.
	start := time.Now()
	require.NoError(t, b.Dispatch(10*time.Millisecond))
	if len(sink.got) != 0 {
		t.Errorf("timer wake-up produced readiness events: %v", sink.got)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("dispatch blocked %v, timer did not fire", elapsed)
	}
}

func TestDispatch_PreciseTimerZeroWaitPolls(t *testing.T) {
	b, _ := newTestBackend(t, WithPreciseTimer(true))
	if !b.PreciseTimer() {
		t.Skip("timerfd unavailable")
	}

	done := make(chan error, 1)
	go func() { done <- b.Dispatch(0) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Dispatch(0) blocked; zero wait must poll")
	}
}

func TestDispatch_CoarseClockSkipsTimer(t *testing.T) {
	b, _ := newTestBackend(t, WithPreciseTimer(true), WithCoarseMonotonicClock(true))
	if b.PreciseTimer() {
		t.Error("coarse monotonic clock must not use a timerfd")
	}
}

func TestBackend_Metrics(t *testing.T) {
	b, _ := newTestBackend(t, WithMetrics(true))
	r, w := makePipe(t)

	require.NoError(t, b.Register(r, 0, Readable))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.Dispatch(time.Second))

	stats := b.Stats()
	if stats.Dispatches != 1 {
		t.Errorf("Dispatches = %d, want 1", stats.Dispatches)
	}
	if stats.ChangesApplied != 1 {
		t.Errorf("ChangesApplied = %d, want 1", stats.ChangesApplied)
	}
	if stats.EventsReported != 1 {
		t.Errorf("EventsReported = %d, want 1", stats.EventsReported)
	}
}

func TestBackend_MetricsDisabled(t *testing.T) {
	b, _ := newTestBackend(t)
	r, _ := makePipe(t)
	require.NoError(t, b.Register(r, 0, Readable))
	require.NoError(t, b.Dispatch(0))
	if got := b.Stats(); got != (Stats{}) {
		t.Errorf("Stats() with metrics disabled = %+v, want zero", got)
	}
}
