// Package pollmux is the readiness-multiplexing backend of an event loop:
// it tracks read/write/peer-closed interest registered against file
// descriptors, applies that interest to epoll with the minimum number of
// control syscalls, blocks until descriptors become ready or a deadline
// elapses, and reports which descriptors are ready and for what.
//
// # Strategies
//
// Interest mutations either take effect immediately (one control syscall per
// Register/Unregister call, the default) or are accumulated on a changelist
// and flushed in bulk at the start of each Dispatch iteration (WithChangelist,
// or the POLLMUX_USE_CHANGELIST environment variable). Both strategies share
// one code path: a Change record resolved to a minimal epoll operation.
//
// # Kernel races
//
// Descriptor numbers are reused by the kernel as soon as they are closed, so
// the registration a caller believes it holds can be stale by the time a
// control call is issued. The backend recovers the known benign cases
// internally: a failed modify retries as an add, a failed add retries as a
// modify, and a delete of an already-absent registration succeeds.
//
// # Platform
//
// The backend wraps epoll and timerfd and is Linux-only.
//
// # Usage
//
//	backend, err := pollmux.New(
//	    pollmux.WithReadySink(func(fd int, events pollmux.Events) {
//	        // fan readiness out to the interested handler
//	    }),
//	)
//	if err != nil {
//	    // handle error
//	}
//	defer backend.Close()
//
//	_ = backend.Register(fd, 0, pollmux.Readable|pollmux.EdgeTriggered)
//	for {
//	    if err := backend.Dispatch(pollmux.WaitForever); err != nil {
//	        // handle error
//	    }
//	}
//
// # Safety
//
// Always Unregister a file descriptor before closing it; otherwise FD
// recycling can deliver stale readiness for the new owner of the number.
package pollmux
