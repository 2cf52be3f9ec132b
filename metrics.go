package pollmux

import "sync/atomic"

// metrics tracks runtime counters for the backend. All counters use atomic
// operations and are safe to read from any goroutine while the dispatching
// goroutine runs.
type metrics struct {
	dispatches     atomic.Uint64
	eventsReported atomic.Uint64
	changesApplied atomic.Uint64
	racesRecovered atomic.Uint64
	controlErrors  atomic.Uint64
	interrupts     atomic.Uint64
	bufferGrowths  atomic.Uint64
}

// Stats is a point-in-time copy of the backend's runtime counters, returned
// by Backend.Stats.
type Stats struct {
	// Dispatches counts completed Dispatch iterations, including those that
	// returned zero events.
	Dispatches uint64
	// EventsReported counts readiness notifications delivered to the sink.
	EventsReported uint64
	// ChangesApplied counts control syscalls issued successfully, including
	// successful retries.
	ChangesApplied uint64
	// RacesRecovered counts control calls recovered via the documented
	// retry-or-ignore race handling.
	RacesRecovered uint64
	// ControlErrors counts unrecoverable control-call failures.
	ControlErrors uint64
	// Interrupts counts waits that returned early due to signal delivery.
	Interrupts uint64
	// BufferGrowths counts reporting-buffer capacity doublings.
	BufferGrowths uint64
}

// snapshot copies the counters. Returns the zero Stats on a nil receiver
// (metrics disabled).
func (m *metrics) snapshot() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Dispatches:     m.dispatches.Load(),
		EventsReported: m.eventsReported.Load(),
		ChangesApplied: m.changesApplied.Load(),
		RacesRecovered: m.racesRecovered.Load(),
		ControlErrors:  m.controlErrors.Load(),
		Interrupts:     m.interrupts.Load(),
		BufferGrowths:  m.bufferGrowths.Load(),
	}
}
