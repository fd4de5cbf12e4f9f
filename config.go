package tarssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defMaxLineLength = 42
	defPort          = 22
	defDelay         = 10000 // ms
	defMaxClients    = 2048
	defAcceptBurst   = 16
	defDrainInterval = 1000 * time.Millisecond
	defLogLevel      = "info"
	defLogFormat     = "text"

	envPrefix = "TARSSH_"
)

type Config struct {
	// Upper bound of the random part of each line. Clamped to [3, 253].
	MaxLineLength int `yaml:"max_line_length"`

	// Interface to listen on. Empty means all interfaces, dual-stack.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Pause between two lines sent to the same client, in milliseconds.
	Delay int `yaml:"delay"`

	// Admission ceiling. Once reached, the accept loop backs off and leaves
	// pending connections in the kernel backlog.
	MaxClients int `yaml:"max_clients"`

	// Accepted connections per second, 0 for no limit.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`

	// Deadline for the first read from a client. 0 waits forever, which keeps
	// silent peers trapped but lets them hold a slot without ever being fed.
	InitialReadTimeout time.Duration `yaml:"initial_read_timeout"`

	// How long a graceful shutdown may wait for clients to drain. 0 waits forever.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// How often the drain re-checks the live count.
	// If zero, 1s is used.
	DrainInterval time.Duration `yaml:"-"`

	MetricsAddr string `yaml:"metrics_addr"`

	LogFile   string `yaml:"log_file"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// If nil, the default log output is os.Stderr
	Output io.Writer `yaml:"-"`
}

func DefaultConfig() *Config {
	return &Config{
		MaxLineLength: defMaxLineLength,
		Port:          defPort,
		Delay:         defDelay,
		MaxClients:    defMaxClients,
		AcceptBurst:   defAcceptBurst,
		DrainInterval: defDrainInterval,
		LogLevel:      defLogLevel,
		LogFormat:     defLogFormat,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}

// ApplyEnv overrides fields from TARSSH_* variables found by lookup,
// typically os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	integer("MAX_LINE_LENGTH", &c.MaxLineLength)
	str("HOST", &c.Host)
	integer("PORT", &c.Port)
	integer("DELAY", &c.Delay)
	integer("MAX_CLIENTS", &c.MaxClients)
	if v, ok := lookup(envPrefix + "ACCEPT_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sACCEPT_RATE: %w", envPrefix, err))
		} else {
			c.AcceptRate = f
		}
	}
	integer("ACCEPT_BURST", &c.AcceptBurst)
	duration("INITIAL_READ_TIMEOUT", &c.InitialReadTimeout)
	duration("DRAIN_TIMEOUT", &c.DrainTimeout)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_FILE", &c.LogFile)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	return errors.Join(errs...)
}

// Validate clamps MaxLineLength and rejects values the server cannot run with.
func (c *Config) Validate() error {
	c.MaxLineLength = ClampLineLength(c.MaxLineLength)
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %d", c.Delay)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("max clients must be at least 1, got %d", c.MaxClients)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept rate must not be negative, got %g", c.AcceptRate)
	}
	if c.AcceptRate > 0 && c.AcceptBurst < 1 {
		return fmt.Errorf("accept burst must be at least 1, got %d", c.AcceptBurst)
	}
	if c.InitialReadTimeout < 0 || c.DrainTimeout < 0 || c.DrainInterval < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Addr is the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) delay() time.Duration {
	return time.Duration(c.Delay) * time.Millisecond
}
