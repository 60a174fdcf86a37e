package pcnt

import "sync/atomic"

// Quadrature transition table indexed by (previous AB << 2) | current AB.
// Invalid double transitions count as zero.
var transitions = [16]int8{0, -1, 1, 0, 1, 0, 0, -1, -1, 0, 0, 1, 0, 1, -1, 0}

// Soft is a software quadrature decoder. Edge sources (GPIO interrupts,
// Linux edge watchers, simulations) call Input; the sampler calls
// ReadCounter. The count is stored atomically so both may run in
// different contexts. Input itself must only be called from one context.
type Soft struct {
	count   int64  // atomic; first field for 64-bit alignment on 32-bit targets
	running uint32 // atomic bool

	id         UnitID
	cfg        Config
	configured bool
	now        func() uint32

	state    uint8
	lastEdge uint32
	seenEdge bool

	handler EventHandler
}

// NewSoft creates a software counter. now supplies microseconds for the
// glitch filter and may be nil when no filter is configured.
func NewSoft(id UnitID, now func() uint32) *Soft {
	return &Soft{
		id:    id,
		now:   now,
		state: 0b11, // inputs idle high with pull-ups
	}
}

func (s *Soft) ID() UnitID {
	return s.id
}

// Configure stores the descriptor and leaves the unit paused.
// The current count is kept.
func (s *Soft) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	atomic.StoreUint32(&s.running, 0)
	s.cfg = cfg
	s.configured = true
	s.seenEdge = false
	return nil
}

func (s *Soft) ReadCounter() int64 {
	return atomic.LoadInt64(&s.count)
}

func (s *Soft) Pause() error {
	if !s.configured {
		return ErrNotConfigured
	}
	atomic.StoreUint32(&s.running, 0)
	return nil
}

func (s *Soft) Resume() error {
	if !s.configured {
		return ErrNotConfigured
	}
	atomic.StoreUint32(&s.running, 1)
	return nil
}

func (s *Soft) Clear() error {
	atomic.StoreInt64(&s.count, 0)
	return nil
}

func (s *Soft) SetEventHandler(h EventHandler) {
	s.handler = h
}

// Running reports whether edges are currently counted.
func (s *Soft) Running() bool {
	return atomic.LoadUint32(&s.running) != 0
}

// SetState primes the decoder with the current channel levels so the
// first edge after start-up is decoded against the real state.
func (s *Soft) SetState(a, b bool) {
	s.state = levels(a, b)
}

// Input feeds the current levels of channel A and B after an edge.
func (s *Soft) Input(a, b bool) {
	next := levels(a, b)
	prev := s.state
	if next == prev {
		return
	}

	if s.cfg.GlitchFilterUS > 0 && s.now != nil {
		t := s.now()
		if s.seenEdge && t-s.lastEdge < s.cfg.GlitchFilterUS {
			return
		}
		s.lastEdge = t
		s.seenEdge = true
	}
	s.state = next

	if atomic.LoadUint32(&s.running) == 0 {
		return
	}

	delta := int64(transitions[prev<<2|next])
	if delta == 0 {
		return
	}
	aChanged := (prev^next)&0b10 != 0
	switch s.cfg.Decode {
	case DecodeX2:
		if !aChanged {
			return
		}
	case DecodeX1:
		if !aChanged || next&0b10 == 0 {
			return
		}
	}
	if s.cfg.Invert {
		delta = -delta
	}
	s.add(delta)
}

// Add moves the count by delta as if delta edges had been decoded.
// Simulations use it to drive a virtual shaft.
func (s *Soft) Add(delta int64) {
	if atomic.LoadUint32(&s.running) == 0 {
		return
	}
	s.add(delta)
}

func (s *Soft) add(delta int64) {
	count := atomic.AddInt64(&s.count, delta)
	folded, ev := applyLimits(count, s.cfg.HighLimit, s.cfg.LowLimit)
	if ev == 0 {
		return
	}
	atomic.StoreInt64(&s.count, folded)
	if s.handler != nil {
		s.handler(s.id, ev)
	}
}

func levels(a, b bool) uint8 {
	var v uint8
	if a {
		v |= 0b10
	}
	if b {
		v |= 0b01
	}
	return v
}
