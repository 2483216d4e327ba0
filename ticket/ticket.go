// Package ticket implements a FIFO-fair spin lock built from two
// monotonically increasing counters.
//
// A caller takes a ticket and spins until the serving counter reaches it.
// Unlock advances the serving counter, admitting the next ticket holder in
// arrival order. The lock never sleeps, so it suits short critical sections
// only.
package ticket

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Mutex is a ticket lock. The zero value is unlocked.
type Mutex struct {
	ticket  atomic.Uint64
	_       cpu.CacheLinePad
	serving atomic.Uint64
	_       cpu.CacheLinePad
}

// MakeTicket reserves the next position in the queue.
func (m *Mutex) MakeTicket() uint64 {
	return m.ticket.Add(1) - 1
}

// BeginTicket spins until t is being served.
func (m *Mutex) BeginTicket(t uint64) {
	for m.serving.Load() != t {
		runtime.Gosched()
	}
}

// CanLock reports whether t is being served right now.
func (m *Mutex) CanLock(t uint64) bool {
	return m.serving.Load() == t
}

// Lock takes a ticket and waits for it.
func (m *Mutex) Lock() {
	m.BeginTicket(m.MakeTicket())
}

// Unlock admits the next ticket holder.
func (m *Mutex) Unlock() {
	m.serving.Add(1)
}

// Serving returns the ticket currently admitted.
func (m *Mutex) Serving() uint64 {
	return m.serving.Load()
}
