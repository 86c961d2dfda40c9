package serial

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Parity selects the parity bit mode.
type Parity string

const (
	ParityNone Parity = "none"
	ParityOdd  Parity = "odd"
	ParityEven Parity = "even"
)

// FlowControl selects the line flow control mode.
type FlowControl string

const (
	FlowNone     FlowControl = "none"
	FlowHardware FlowControl = "hardware"
	FlowSoftware FlowControl = "software"
)

const (
	DefaultBaudRate     = 115200
	DefaultMaxReadSize  = 64
	DefaultReadInterval = 10 * time.Millisecond
)

var supportedBaudRates = map[int]struct{}{
	1200: {}, 2400: {}, 4800: {}, 9600: {}, 19200: {}, 38400: {},
	57600: {}, 115200: {}, 230400: {}, 460800: {}, 921600: {},
}

// Config holds configuration parameters for opening a serial device.
type Config struct {
	Device      string
	BaudRate    int
	DataBits    int // 5..8, default 8
	StopBits    int // 1 or 2, default 1
	Parity      Parity
	FlowControl FlowControl

	// NoAvailable marks drivers that do not report queued input reliably.
	// Such ports are polled with blind bounded reads.
	NoAvailable bool

	// ReadInterval is the pause between polls; zero selects DefaultReadInterval.
	// Use SetReadInterval(0) on an open port to poll continuously.
	ReadInterval time.Duration
	MaxReadSize  int
}

// DefaultConfig returns 115200 8N1 without flow control for device.
func DefaultConfig(device string) Config {
	return Config{
		Device:       device,
		BaudRate:     DefaultBaudRate,
		DataBits:     8,
		StopBits:     1,
		Parity:       ParityNone,
		FlowControl:  FlowNone,
		ReadInterval: DefaultReadInterval,
		MaxReadSize:  DefaultMaxReadSize,
	}
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Parity == "" {
		c.Parity = ParityNone
	}
	if c.FlowControl == "" {
		c.FlowControl = FlowNone
	}
	if c.MaxReadSize == 0 {
		c.MaxReadSize = DefaultMaxReadSize
	}
	if c.ReadInterval == 0 {
		c.ReadInterval = DefaultReadInterval
	}
	return c
}

// Validate reports whether c describes an openable device.
func (c Config) Validate() error {
	c = c.withDefaults()
	if strings.TrimSpace(c.Device) == "" {
		return fmt.Errorf("%w: empty device path", ErrInvalidConfig)
	}
	if _, ok := supportedBaudRates[c.BaudRate]; !ok {
		return fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidConfig, c.BaudRate)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("%w: data bits %d", ErrInvalidConfig, c.DataBits)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return fmt.Errorf("%w: stop bits %d", ErrInvalidConfig, c.StopBits)
	}
	switch c.Parity {
	case ParityNone, ParityOdd, ParityEven:
	default:
		return fmt.Errorf("%w: parity %q", ErrInvalidConfig, c.Parity)
	}
	switch c.FlowControl {
	case FlowNone, FlowHardware, FlowSoftware:
	default:
		return fmt.Errorf("%w: flow control %q", ErrInvalidConfig, c.FlowControl)
	}
	if c.MaxReadSize < 0 {
		return fmt.Errorf("%w: max read size %d", ErrInvalidConfig, c.MaxReadSize)
	}
	if c.ReadInterval < 0 {
		return fmt.Errorf("%w: read interval %s", ErrInvalidConfig, c.ReadInterval)
	}
	return nil
}

// FileConfig is the decoded form of a TOML device file:
//
//	log = true
//
//	[[port]]
//	device = "/dev/ttyS4"
//	baud_rate = 9600
//	parity = "even"
//	no_available = true
//	read_interval = "20ms"
type FileConfig struct {
	Log   bool
	Ports []Config
}

type filePort struct {
	Device       string `toml:"device"`
	BaudRate     int    `toml:"baud_rate"`
	DataBits     int    `toml:"data_bits"`
	StopBits     int    `toml:"stop_bits"`
	Parity       string `toml:"parity"`
	FlowControl  string `toml:"flow_control"`
	NoAvailable  bool   `toml:"no_available"`
	ReadInterval string `toml:"read_interval"`
	MaxReadSize  int    `toml:"max_read_size"`
}

type fileRoot struct {
	Log   bool       `toml:"log"`
	Ports []filePort `toml:"port"`
}

// LoadConfig decodes the TOML file at path. Keys left out keep their
// DefaultConfig values.
func LoadConfig(path string) (FileConfig, error) {
	var raw fileRoot
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return FileConfig{}, fmt.Errorf("load serial config: %w", err)
	}
	return buildFileConfig(meta, raw)
}

// ParseConfig decodes TOML from data.
func ParseConfig(data string) (FileConfig, error) {
	var raw fileRoot
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return FileConfig{}, fmt.Errorf("parse serial config: %w", err)
	}
	return buildFileConfig(meta, raw)
}

func buildFileConfig(meta toml.MetaData, raw fileRoot) (FileConfig, error) {
	out := FileConfig{Log: true}
	if meta.IsDefined("log") {
		out.Log = raw.Log
	}
	for i, p := range raw.Ports {
		cfg := DefaultConfig(strings.TrimSpace(p.Device))
		if p.BaudRate != 0 {
			cfg.BaudRate = p.BaudRate
		}
		if p.DataBits != 0 {
			cfg.DataBits = p.DataBits
		}
		if p.StopBits != 0 {
			cfg.StopBits = p.StopBits
		}
		if s := strings.ToLower(strings.TrimSpace(p.Parity)); s != "" {
			cfg.Parity = Parity(s)
		}
		if s := strings.ToLower(strings.TrimSpace(p.FlowControl)); s != "" {
			cfg.FlowControl = FlowControl(s)
		}
		cfg.NoAvailable = p.NoAvailable
		if s := strings.TrimSpace(p.ReadInterval); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return FileConfig{}, fmt.Errorf("port[%d] read_interval: %w", i, err)
			}
			cfg.ReadInterval = d
		}
		if p.MaxReadSize != 0 {
			cfg.MaxReadSize = p.MaxReadSize
		}
		if err := cfg.Validate(); err != nil {
			return FileConfig{}, fmt.Errorf("port[%d]: %w", i, err)
		}
		out.Ports = append(out.Ports, cfg)
	}
	return out, nil
}

// Port returns the entry for device, if any.
func (f FileConfig) Port(device string) (Config, bool) {
	for _, c := range f.Ports {
		if c.Device == device {
			return c, true
		}
	}
	return Config{}, false
}
