// Package config loads the board description: which encoders are wired to
// which pins, their resolution, and how often they are sampled and
// reported.
package config

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"quadenc/pcnt"
)

// Backends
const (
	BackendPIO  = "pio"
	BackendIRQ  = "irq"
	BackendSoft = "soft"
)

const (
	DefaultSampleHz    = 1000
	DefaultReportHz    = 50
	DefaultFilterAlpha = 0.3
	DefaultBackend     = BackendPIO
)

var (
	ErrNoEncoders      = errors.New("config: no encoders")
	ErrInvalidPPR      = errors.New("config: ppr must be positive")
	ErrDuplicateOID    = errors.New("config: duplicate encoder oid")
	ErrInvalidAlpha    = errors.New("config: filter_alpha must be in (0, 1]")
	ErrInvalidRate     = errors.New("config: need report_hz <= sample_hz <= 1000000")
	ErrInvalidBackend  = errors.New("config: unknown backend")
	ErrInvalidPin      = errors.New("config: invalid pin name")
	ErrSamePins        = errors.New("config: pin_a and pin_b must differ")
	ErrPIOPinsAdjacent = errors.New("config: pio backend needs pin_b = pin_a + 1")
	ErrInvalidLimits   = errors.New("config: need high_limit >= 0 and low_limit <= 0")
)

// EncoderConfig is one encoder entry
type EncoderConfig struct {
	OID            uint8   `json:"oid"`
	Name           string  `json:"name"`
	PinA           string  `json:"pin_a"` // "gpio14" or "14"
	PinB           string  `json:"pin_b"`
	PPR            int     `json:"ppr"`
	Backend        string  `json:"backend"` // "pio", "irq" or "soft"
	FilterAlpha    float64 `json:"filter_alpha"`
	GlitchFilterUS uint32  `json:"glitch_filter_us"`
	Invert         bool    `json:"invert"`

	// Counter limits; reaching one raises a counter_event and restarts the
	// count from zero. Zero disables the limit.
	HighLimit int64 `json:"high_limit"`
	LowLimit  int64 `json:"low_limit"`
}

// BoardConfig is the complete board description
type BoardConfig struct {
	Board    string          `json:"board"`
	SampleHz uint32          `json:"sample_hz"`
	ReportHz uint32          `json:"report_hz"`
	Encoders []EncoderConfig `json:"encoders"`
}

// Load parses a JSON board description, applies defaults and validates it
func Load(jsonData []byte) (*BoardConfig, error) {
	var cfg BoardConfig
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in missing values
func applyDefaults(cfg *BoardConfig) {
	if cfg.Board == "" {
		cfg.Board = "rp2040"
	}
	if cfg.SampleHz == 0 {
		cfg.SampleHz = DefaultSampleHz
	}
	if cfg.ReportHz == 0 {
		cfg.ReportHz = DefaultReportHz
	}

	for i := range cfg.Encoders {
		enc := &cfg.Encoders[i]
		if enc.Backend == "" {
			enc.Backend = DefaultBackend
		}
		if enc.FilterAlpha == 0 {
			enc.FilterAlpha = DefaultFilterAlpha
		}
		if enc.Name == "" {
			enc.Name = "encoder" + strconv.Itoa(int(enc.OID))
		}
	}
}

// Validate checks the invariants every target relies on
func (c *BoardConfig) Validate() error {
	if len(c.Encoders) == 0 {
		return ErrNoEncoders
	}
	if c.SampleHz > 1000000 || c.ReportHz > c.SampleHz {
		return ErrInvalidRate
	}

	seen := make(map[uint8]bool)
	for _, enc := range c.Encoders {
		if seen[enc.OID] {
			return ErrDuplicateOID
		}
		seen[enc.OID] = true

		if err := enc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks one encoder entry
func (e EncoderConfig) Validate() error {
	if e.PPR <= 0 {
		return ErrInvalidPPR
	}
	if !(e.FilterAlpha > 0 && e.FilterAlpha <= 1) {
		return ErrInvalidAlpha
	}
	if e.HighLimit < 0 || e.LowLimit > 0 {
		return ErrInvalidLimits
	}

	a, err := ParsePin(e.PinA)
	if err != nil {
		return err
	}
	b, err := ParsePin(e.PinB)
	if err != nil {
		return err
	}
	if a == b {
		return ErrSamePins
	}

	switch e.Backend {
	case BackendPIO:
		// The PIO program samples two consecutive input pins
		if b != a+1 {
			return ErrPIOPinsAdjacent
		}
	case BackendIRQ, BackendSoft:
	default:
		return ErrInvalidBackend
	}
	return nil
}

// Pins returns the parsed channel pins
func (e EncoderConfig) Pins() (pcnt.Pin, pcnt.Pin) {
	a, _ := ParsePin(e.PinA)
	b, _ := ParsePin(e.PinB)
	return a, b
}

// SampleUS returns the sampling period in microseconds
func (c *BoardConfig) SampleUS() uint32 {
	return 1000000 / c.SampleHz
}

// ReportUS returns the report period in microseconds
func (c *BoardConfig) ReportUS() uint32 {
	return 1000000 / c.ReportHz
}

// ParsePin accepts "gpio14", "GPIO14" or "14"
func ParsePin(name string) (pcnt.Pin, error) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "gpio")
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, ErrInvalidPin
	}
	return pcnt.Pin(n), nil
}

// DefaultBoardConfig returns a single spindle encoder on GPIO14/15 read by
// the PIO backend
func DefaultBoardConfig() *BoardConfig {
	return &BoardConfig{
		Board:    "rp2040",
		SampleHz: DefaultSampleHz,
		ReportHz: DefaultReportHz,
		Encoders: []EncoderConfig{
			{
				OID:         0,
				Name:        "spindle",
				PinA:        "gpio14",
				PinB:        "gpio15",
				PPR:         600,
				Backend:     BackendPIO,
				FilterAlpha: DefaultFilterAlpha,
			},
		},
	}
}
