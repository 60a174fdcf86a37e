// Package config loads the host tool's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Report   ReportConfig   `yaml:"report"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`
	Encoders []EncoderLabel `yaml:"encoders,omitempty"`
}

type SerialConfig struct {
	Device        string `yaml:"device"`
	Baud          int    `yaml:"baud"`
	ReadTimeoutMS int    `yaml:"read_timeout_ms"`
}

type ReportConfig struct {
	// IntervalMS is sent with query_encoders; 0 leaves reporting off
	IntervalMS int `yaml:"interval_ms"`
}

type WebConfig struct {
	// Listen is the HTTP address; empty disables the web server
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`

	// CoalesceMS limits state frames per encoder to one per window
	CoalesceMS int `yaml:"coalesce_ms"`
	SendBuf    int `yaml:"send_buf,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// EncoderLabel names an encoder for display
type EncoderLabel struct {
	OID   uint8  `yaml:"oid"`
	Label string `yaml:"label"`
}

// DefaultConfig returns a fully populated configuration
func DefaultConfig() Config {
	return Config{
		Serial: SerialConfig{
			Device:        "/dev/ttyACM0",
			Baud:          115200,
			ReadTimeoutMS: 100,
		},
		Report: ReportConfig{
			IntervalMS: 20,
		},
		Web: WebConfig{
			Listen:     ":8080",
			Path:       "/ws",
			CoalesceMS: 50,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown fields are
// rejected to catch typos.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML on top of the defaults
func Parse(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only one document is allowed
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}
	return cfg, nil
}

// FlagOverrides holds values set on the command line; nil fields are
// left alone
type FlagOverrides struct {
	Device     *string
	Baud       *int
	IntervalMS *int
	Listen     *string
	LogLevel   *string
}

// Apply merges the overrides into cfg
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Device != nil {
		cfg.Serial.Device = *o.Device
	}
	if o.Baud != nil {
		cfg.Serial.Baud = *o.Baud
	}
	if o.IntervalMS != nil {
		cfg.Report.IntervalMS = *o.IntervalMS
	}
	if o.Listen != nil {
		cfg.Web.Listen = *o.Listen
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks the configuration after defaults, file and flags
func (c *Config) Validate() error {
	if c.Serial.Device == "" {
		return errors.New("serial.device must not be empty")
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	}
	if c.Serial.ReadTimeoutMS < 0 {
		return fmt.Errorf("serial.read_timeout_ms must not be negative, got %d", c.Serial.ReadTimeoutMS)
	}
	if c.Report.IntervalMS < 0 {
		return fmt.Errorf("report.interval_ms must not be negative, got %d", c.Report.IntervalMS)
	}
	if c.Web.Listen != "" && !strings.HasPrefix(c.Web.Path, "/") {
		return fmt.Errorf("web.path must start with /, got %q", c.Web.Path)
	}
	if c.Web.CoalesceMS < 0 {
		return fmt.Errorf("web.coalesce_ms must not be negative, got %d", c.Web.CoalesceMS)
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return err
	}

	seen := make(map[uint8]bool)
	for _, e := range c.Encoders {
		if seen[e.OID] {
			return fmt.Errorf("encoders: duplicate oid %d", e.OID)
		}
		seen[e.OID] = true
	}
	return nil
}

// Labels returns the encoder labels by oid
func (c *Config) Labels() map[uint8]string {
	labels := make(map[uint8]string, len(c.Encoders))
	for _, e := range c.Encoders {
		labels[e.OID] = e.Label
	}
	return labels
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeoutMS) * time.Millisecond
}

func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Report.IntervalMS) * time.Millisecond
}

func (c *Config) CoalesceWindow() time.Duration {
	return time.Duration(c.Web.CoalesceMS) * time.Millisecond
}
