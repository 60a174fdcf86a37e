package pcnt

import (
	"math"
	"testing"
)

func TestExtenderWrapsForward(t *testing.T) {
	e := NewExtender(0, math.MaxUint32-5)

	if got := e.Extend(math.MaxUint32); got != 5 {
		t.Errorf("Expected 5, got %d", got)
	}
	// Register wraps through zero
	if got := e.Extend(10); got != 16 {
		t.Errorf("Expected 16 after wrap, got %d", got)
	}
}

func TestExtenderWrapsBackward(t *testing.T) {
	e := NewExtender(0, 3)

	if got := e.Extend(0); got != -3 {
		t.Errorf("Expected -3, got %d", got)
	}
	if got := e.Extend(math.MaxUint32 - 6); got != -10 {
		t.Errorf("Expected -10 after wrap, got %d", got)
	}
}

func TestExtenderSignedRegister(t *testing.T) {
	// A two's complement register crossing from MaxInt32 to MinInt32 is
	// a single count forward, not a jump of 2^32.
	e := NewExtender(0, uint32(math.MaxInt32))
	var wrapped int32 = math.MinInt32
	if got := e.Extend(uint32(wrapped)); got != 1 {
		t.Errorf("Expected 1, got %d", got)
	}
}

func TestExtenderLimits(t *testing.T) {
	e := NewExtender(3, 0)
	e.Configure(Config{HighLimit: 100})

	var got []Event
	e.SetEventHandler(func(id UnitID, ev Event) {
		if id != 3 {
			t.Errorf("Expected unit id 3, got %d", id)
		}
		got = append(got, ev)
	})

	e.Extend(60)
	if c := e.Extend(130); c != 0 {
		t.Errorf("Expected count folded to 0, got %d", c)
	}
	if len(got) != 1 || got[0] != EventHighLimit {
		t.Errorf("Expected one high_limit event, got %v", got)
	}
	if c := e.Extend(140); c != 10 {
		t.Errorf("Expected 10 after fold, got %d", c)
	}
}

func TestExtenderReset(t *testing.T) {
	e := NewExtender(0, 0)
	e.Extend(500)
	e.Reset(500)

	if e.Count() != 0 {
		t.Errorf("Expected 0 after reset, got %d", e.Count())
	}
	if got := e.Extend(450); got != -50 {
		t.Errorf("Expected -50, got %d", got)
	}
}

func TestExtenderRebaseKeepsCount(t *testing.T) {
	e := NewExtender(0, 0)
	e.Extend(200)

	// The source moved by 1000 while nobody was counting
	e.Rebase(1200)
	if e.Count() != 200 {
		t.Errorf("Expected 200 after rebase, got %d", e.Count())
	}
	if got := e.Extend(1210); got != 210 {
		t.Errorf("Expected 210, got %d", got)
	}
}

func TestExtenderInvertBeforeLimits(t *testing.T) {
	e := NewExtender(1, 1000)
	e.Configure(Config{Invert: true, HighLimit: 100, LowLimit: -100})

	var got []Event
	e.SetEventHandler(func(id UnitID, ev Event) {
		got = append(got, ev)
	})

	// The register falls, which an inverted unit reports as forward travel
	if c := e.Extend(950); c != 50 {
		t.Errorf("Expected 50, got %d", c)
	}
	if c := e.Extend(880); c != 0 {
		t.Errorf("Expected count folded to 0, got %d", c)
	}
	if len(got) != 1 || got[0] != EventHighLimit {
		t.Errorf("Expected one high_limit event, got %v", got)
	}

	e.Reset(0)
	if c := e.Extend(50); c != -50 {
		t.Errorf("Expected -50 for a rising register, got %d", c)
	}
}
