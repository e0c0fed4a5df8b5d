package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/command"
	"github.com/jwoglom/fiscalbridge/pkg/fiscal"
	"github.com/jwoglom/fiscalbridge/pkg/session"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Transport names
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
	TransportDemo   = "demo"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FISCALBRIDGE_"

// Config holds the bridge configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Device    DeviceConfig    `yaml:"device"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Fiscal    FiscalConfig    `yaml:"fiscal"`
	Demo      DemoConfig      `yaml:"demo"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig configures the gateway
type HTTPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

// DeviceConfig selects and configures the device transport
type DeviceConfig struct {
	Transport      string        `yaml:"transport"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	SerialPort     string        `yaml:"serial_port"`
	BaudRate       int           `yaml:"baud_rate"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout"`
}

// SequencerConfig configures command queueing
type SequencerConfig struct {
	QueueDepth        int           `yaml:"queue_depth"`
	IdempotentRetries int           `yaml:"idempotent_retries"`
	ResultTTL         time.Duration `yaml:"result_ttl"`
}

// ReconnectConfig configures session recovery backoff
type ReconnectConfig struct {
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
}

// FiscalConfig configures fiscal policy
type FiscalConfig struct {
	EmptyDayPolicy string `yaml:"empty_day_policy"`
	// VATRates maps tax group letters (A-H) to percent rates
	VATRates map[string]string `yaml:"vat_rates"`
}

// DemoConfig configures the simulated device used by the demo transport
type DemoConfig struct {
	Latency time.Duration `yaml:"latency"`
	// Listen exposes the simulated device over TCP when set
	Listen string `yaml:"listen"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:           "127.0.0.1",
			Port:           5000,
			RequestTimeout: 30 * time.Second,
			RateLimit:      20,
			RateBurst:      40,
		},
		Device: DeviceConfig{
			Transport:      TransportTCP,
			Host:           "127.0.0.1",
			Port:           4999,
			BaudRate:       115200,
			ConnectTimeout: 5 * time.Second,
			IOTimeout:      10 * time.Second,
		},
		Sequencer: SequencerConfig{
			QueueDepth:        16,
			IdempotentRetries: 2,
			ResultTTL:         10 * time.Minute,
		},
		Reconnect: ReconnectConfig{
			Attempts:       5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
		Fiscal: FiscalConfig{
			EmptyDayPolicy: string(fiscal.EmptyDayAllow),
			VATRates: map[string]string{
				"A": "0",
				"B": "20",
				"C": "9",
				"D": "0",
			},
		},
		Demo: DemoConfig{
			Latency: 50 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file and FISCALBRIDGE_* environment variables, in that order
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// yaml merges into existing maps; the file's VAT classes replace the defaults
		defaultRates := cfg.Fiscal.VATRates
		cfg.Fiscal.VATRates = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if len(cfg.Fiscal.VATRates) == 0 {
			cfg.Fiscal.VATRates = defaultRates
		}
		log.Debugf("Loaded config file %s", path)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
			log.Debugf("No env file at %s", envFile)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
		return nil
	}

	str("HTTP_HOST", &c.HTTP.Host)
	str("TRANSPORT", &c.Device.Transport)
	str("DEVICE_HOST", &c.Device.Host)
	str("SERIAL_PORT", &c.Device.SerialPort)
	str("EMPTY_DAY_POLICY", &c.Fiscal.EmptyDayPolicy)
	str("DEMO_LISTEN", &c.Demo.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	for name, dst := range map[string]*int{
		"HTTP_PORT":          &c.HTTP.Port,
		"DEVICE_PORT":        &c.Device.Port,
		"BAUD_RATE":          &c.Device.BaudRate,
		"QUEUE_DEPTH":        &c.Sequencer.QueueDepth,
		"IDEMPOTENT_RETRIES": &c.Sequencer.IdempotentRetries,
		"RECONNECT_ATTEMPTS": &c.Reconnect.Attempts,
	} {
		if err := integer(name, dst); err != nil {
			return err
		}
	}

	for name, dst := range map[string]*time.Duration{
		"REQUEST_TIMEOUT": &c.HTTP.RequestTimeout,
		"CONNECT_TIMEOUT": &c.Device.ConnectTimeout,
		"IO_TIMEOUT":      &c.Device.IOTimeout,
		"RESULT_TTL":      &c.Sequencer.ResultTTL,
		"DEMO_LATENCY":    &c.Demo.Latency,
	} {
		if err := duration(name, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(EnvPrefix + "VAT_RATES"); ok {
		rates, err := parseRateList(v)
		if err != nil {
			return fmt.Errorf("%sVAT_RATES: %w", EnvPrefix, err)
		}
		c.Fiscal.VATRates = rates
	}
	return nil
}

// parseRateList parses "A=0,B=20,C=9"
func parseRateList(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("expected LETTER=RATE, got %q", part)
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out, nil
}

// ListenAddr is the gateway bind address
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// DeviceAddr is the TCP address of the device
func (c *Config) DeviceAddr() string {
	return net.JoinHostPort(c.Device.Host, strconv.Itoa(c.Device.Port))
}

// Rates converts the configured VAT rates
func (c *Config) Rates() (command.VATRates, error) {
	rates := make(command.VATRates, len(c.Fiscal.VATRates))
	for letter, value := range c.Fiscal.VATRates {
		if len(letter) != 1 || letter[0] < 'A' || letter[0] > 'H' {
			return nil, fmt.Errorf("vat class %q must be a letter A-H", letter)
		}
		rate, err := decimal.NewFromString(value)
		if err != nil {
			return nil, fmt.Errorf("vat class %s: bad rate %q", letter, value)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("vat class %s: rate %s out of range", letter, value)
		}
		rates[command.VATClass(letter[0]-'A')] = rate
	}
	return rates, nil
}

// Policy returns the parsed empty-day policy
func (c *Config) Policy() (fiscal.EmptyDayPolicy, error) {
	return fiscal.ParseEmptyDayPolicy(c.Fiscal.EmptyDayPolicy)
}

// RetryConfig returns the session reconnect backoff
func (c *Config) RetryConfig() session.RetryConfig {
	return session.RetryConfig{
		MaxAttempts:       c.Reconnect.Attempts,
		InitialBackoff:    c.Reconnect.InitialBackoff,
		MaxBackoff:        c.Reconnect.MaxBackoff,
		BackoffMultiplier: c.Reconnect.Multiplier,
		Jitter:            c.Reconnect.Jitter,
	}
}
