package cerver

import (
	"runtime/debug"
	"sync"
)

// Handler processes packets of the category it was registered for.
//
// The Packet passed to Handle, and any buffer it references, is only valid until
// Handle returns unless its ownership says otherwise. Handlers registered to run on a
// dedicated thread may be called concurrently and must synchronize any shared state.
type Handler interface {
	Handle(p *Packet) error
}

// HandlerFunc adapts an ordinary function to a Handler.
type HandlerFunc func(p *Packet) error

func (f HandlerFunc) Handle(p *Packet) error { return f(p) }

// registration is a Handler together with the way it is dispatched.
type registration struct {
	handler   Handler
	dedicated bool

	jobs chan *Packet
	wg   sync.WaitGroup
}

func newRegistration(h Handler, dedicated bool) *registration {
	return &registration{handler: h, dedicated: dedicated}
}

// Queued packets per worker before the reading connection blocks.
const jobsPerWorker = 32

// startWorkers spins off n goroutines serving the packets queued for r.
func (r *registration) startWorkers(c *Cerver, n int) {
	r.jobs = make(chan *Packet, n*jobsPerWorker)
	for i := 0; i < n; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for p := range r.jobs {
				c.invoke(r.handler, p)
				p.release()
			}
		}()
	}
}

// stopWorkers waits for every queued packet to be handled. No packet may be queued
// after it is called.
func (r *registration) stopWorkers() {
	if r.jobs == nil {
		return
	}
	close(r.jobs)
	r.wg.Wait()
	r.jobs = nil
}

// deliver hands p to the registered handler, either on a worker or inline.
func (c *Cerver) deliver(r *registration, p *Packet) {
	if r.dedicated && r.jobs != nil {
		r.jobs <- p
		return
	}

	c.directMu.Lock()
	c.invoke(r.handler, p)
	c.directMu.Unlock()
	p.release()
}

// invoke calls h, logging returned errors and recovering from panics. A packet whose
// handler panics is counted as bad.
func (c *Cerver) invoke(h Handler, p *Packet) {
	defer func() {
		if err := recover(); err != nil {
			c.stats.badPacket()
			c.logger.Errorf("[%s] %s handler panicked on packet from %s: error=%v, trace: %s",
				c.name, p.PacketType, p.clientAddr(), err, debug.Stack())
		}
	}()

	if err := h.Handle(p); err != nil {
		c.logger.Warnf("[%s] %s handler failed for packet from %s: %s",
			c.name, p.PacketType, p.clientAddr(), err)
	}
}
