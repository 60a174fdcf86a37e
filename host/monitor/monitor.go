// Package monitor talks to the encoder firmware: it decodes telemetry
// frames into a per-encoder state table, fans updates out to subscribers
// and sends host commands.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"quadenc/pcnt"
	"quadenc/protocol"
)

var ErrClosed = errors.New("monitor: port closed")

// Update kinds
const (
	KindInfo  = "encoder_info"
	KindState = "encoder_state"
	KindEvent = "counter_event"
)

// State is the latest known state of one encoder
type State struct {
	protocol.EncoderState

	Label    string
	Info     protocol.EncoderInfo
	HasInfo  bool
	Received time.Time
	Reports  uint64

	HighLimitEvents uint32
	LowLimitEvents  uint32
}

// RPM converts the filtered velocity to revolutions per minute
func (s State) RPM() float64 {
	return float64(s.Velocity) * 60 / (2 * math.Pi)
}

// Update is sent to subscribers for every decoded message
type Update struct {
	Kind  string
	State State
	Event protocol.CounterEvent
}

// Stats counts link problems
type Stats struct {
	Link         protocol.DecoderStats
	DecodeErrors uint64
	Dropped      uint64
}

type Options struct {
	Logger *slog.Logger

	// Labels names encoders by oid; the firmware name is not sent
	Labels map[uint8]string

	// Now is the receive timestamp source; nil uses time.Now
	Now func() time.Time
}

// Monitor owns one firmware link. Run (or Feed) must only be called from
// one goroutine; every other method is safe for concurrent use.
type Monitor struct {
	rw     io.ReadWriter
	logger *slog.Logger
	labels map[uint8]string
	now    func() time.Time

	dec *protocol.Decoder

	writeMu sync.Mutex
	enc     protocol.Encoder

	mu     sync.Mutex
	states map[uint8]*State
	subs   map[chan Update]struct{}
	stats  Stats
}

// New creates a monitor on rw. rw may be nil for an in-process link fed
// through Feed; commands then fail with ErrClosed.
func New(rw io.ReadWriter, opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		rw:     rw,
		logger: logger,
		labels: opts.Labels,
		now:    now,
		dec:    protocol.NewDecoder(),
		states: make(map[uint8]*State),
		subs:   make(map[chan Update]struct{}),
	}
}

// Run reads the link until ctx is done or the read fails. Close the port
// to unblock a read without a timeout.
func (m *Monitor) Run(ctx context.Context) error {
	if m.rw == nil {
		return ErrClosed
	}
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := m.rw.Read(buf)
		if n > 0 {
			m.Feed(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrClosed
			}
			return fmt.Errorf("read telemetry: %w", err)
		}
	}
}

// Feed decodes raw link bytes. Input is handed to the decoder one frame
// length at a time so a large read never overflows its buffer.
func (m *Monitor) Feed(p []byte) {
	for len(p) > 0 {
		n := min(len(p), protocol.MessageLengthMax)
		m.dec.Write(p[:n])
		p = p[n:]
		for {
			frame, ok := m.dec.Next()
			if !ok {
				break
			}
			m.handleFrame(frame)
		}
	}

	m.mu.Lock()
	m.stats.Link = m.dec.Stats()
	m.mu.Unlock()
}

func (m *Monitor) handleFrame(frame protocol.Frame) {
	msgs, err := protocol.DecodeMessages(frame.Payload)
	if err != nil {
		m.mu.Lock()
		m.stats.DecodeErrors++
		m.mu.Unlock()
		m.logger.Debug("bad telemetry frame", "seq", frame.Seq, "error", err)
	}
	for _, msg := range msgs {
		m.apply(msg)
	}
}

func (m *Monitor) apply(msg protocol.Message) {
	at := m.now()

	m.mu.Lock()
	var up Update
	switch v := msg.(type) {
	case protocol.EncoderInfo:
		st := m.stateLocked(v.OID)
		st.Info = v
		st.HasInfo = true
		up = Update{Kind: KindInfo, State: *st}
	case protocol.EncoderState:
		st := m.stateLocked(v.OID)
		st.EncoderState = v
		st.Received = at
		st.Reports++
		up = Update{Kind: KindState, State: *st}
	case protocol.CounterEvent:
		st := m.stateLocked(v.OID)
		switch pcnt.Event(v.Event) {
		case pcnt.EventHighLimit:
			st.HighLimitEvents++
		case pcnt.EventLowLimit:
			st.LowLimitEvents++
		}
		up = Update{Kind: KindEvent, State: *st, Event: v}
	default:
		m.mu.Unlock()
		m.logger.Debug("ignoring message", "name", protocol.MessageName(msg.ID()))
		return
	}
	m.publishLocked(up)
	m.mu.Unlock()
}

func (m *Monitor) stateLocked(oid uint8) *State {
	st, ok := m.states[oid]
	if !ok {
		st = &State{Label: m.labels[oid]}
		st.OID = oid
		st.Info.OID = oid
		m.states[oid] = st
	}
	return st
}

// publishLocked never blocks; a subscriber that is behind loses updates
func (m *Monitor) publishLocked(up Update) {
	for ch := range m.subs {
		select {
		case ch <- up:
		default:
			m.stats.Dropped++
		}
	}
}

// Subscribe returns a channel of updates and a function that ends the
// subscription and closes the channel
func (m *Monitor) Subscribe(buf int) (<-chan Update, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Update, buf)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Snapshot returns every known encoder ordered by oid
func (m *Monitor) Snapshot() []State {
	m.mu.Lock()
	out := make([]State, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b State) int {
		return int(a.OID) - int(b.OID)
	})
	return out
}

// Get returns the state of one encoder
func (m *Monitor) Get(oid uint8) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[oid]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Identify asks the firmware to describe its encoders
func (m *Monitor) Identify() error {
	return m.send(protocol.Identify{})
}

// Query sets the report interval and starts sampling. Zero stops reports.
func (m *Monitor) Query(interval time.Duration) error {
	if interval < 0 || interval > math.MaxUint32*time.Microsecond {
		return fmt.Errorf("query interval %s out of range", interval)
	}
	return m.send(protocol.QueryEncoders{IntervalUS: uint32(interval / time.Microsecond)})
}

// Reset zeroes the counter of one encoder
func (m *Monitor) Reset(oid uint8) error {
	return m.send(protocol.ResetEncoder{OID: oid})
}

// Stop halts sampling of one encoder
func (m *Monitor) Stop(oid uint8) error {
	return m.send(protocol.StopEncoder{OID: oid})
}

func (m *Monitor) send(msgs ...protocol.Message) error {
	if m.rw == nil {
		return ErrClosed
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	frame, err := m.enc.AppendFrame(nil, msgs...)
	if err != nil {
		return fmt.Errorf("encode %s: %w", protocol.MessageName(msgs[0].ID()), err)
	}
	if _, err := m.rw.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", protocol.MessageName(msgs[0].ID()), err)
	}
	return nil
}
