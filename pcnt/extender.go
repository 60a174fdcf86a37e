package pcnt

// Extender widens a wrapping 32-bit hardware count to int64.
//
// Each call to Extend takes the raw register value and accumulates the
// signed 32-bit difference from the previous value, so the register may
// wrap any number of times as long as it moves less than 2^31 counts
// between two reads. Inversion and limit events are applied on the widened
// value, in that order, as Soft does.
// Extender is not safe for concurrent use; the sampling context owns it.
type Extender struct {
	id      UnitID
	last    uint32
	total   int64
	high    int64
	low     int64
	invert  bool
	handler EventHandler
}

// NewExtender returns an extender whose first raw value is base.
func NewExtender(id UnitID, base uint32) *Extender {
	return &Extender{id: id, last: base}
}

// Configure installs the direction and limit window of a descriptor.
func (e *Extender) Configure(cfg Config) {
	e.high = cfg.HighLimit
	e.low = cfg.LowLimit
	e.invert = cfg.Invert
}

func (e *Extender) SetEventHandler(h EventHandler) {
	e.handler = h
}

// Reset makes raw the new zero.
func (e *Extender) Reset(raw uint32) {
	e.last = raw
	e.total = 0
}

// Rebase makes raw the new reference without changing the count, for
// sources whose raw value moved while nobody was counting.
func (e *Extender) Rebase(raw uint32) {
	e.last = raw
}

// Extend folds a new raw reading into the widened count and returns it.
func (e *Extender) Extend(raw uint32) int64 {
	delta := int64(int32(raw - e.last))
	e.last = raw
	if e.invert {
		delta = -delta
	}

	total, ev := applyLimits(e.total+delta, e.high, e.low)
	e.total = total
	if ev != 0 && e.handler != nil {
		e.handler(e.id, ev)
	}
	return total
}

// Count returns the last widened count without reading hardware.
func (e *Extender) Count() int64 {
	return e.total
}
