package config

import "fmt"

// Validate checks the configuration. It never mutates it.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be positive")
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		return fmt.Errorf("http.rate_limit and http.rate_burst must not be negative")
	}
	if c.HTTP.RateLimit > 0 && c.HTTP.RateBurst == 0 {
		return fmt.Errorf("http.rate_burst must be set when http.rate_limit is enabled")
	}

	switch c.Device.Transport {
	case TransportTCP:
		if c.Device.Host == "" {
			return fmt.Errorf("device.host is required for the tcp transport")
		}
		if c.Device.Port < 1 || c.Device.Port > 65535 {
			return fmt.Errorf("device.port %d out of range", c.Device.Port)
		}
	case TransportSerial:
		if c.Device.SerialPort == "" {
			return fmt.Errorf("device.serial_port is required for the serial transport")
		}
		if c.Device.BaudRate <= 0 {
			return fmt.Errorf("device.baud_rate must be positive")
		}
	case TransportDemo:
		if c.Demo.Latency < 0 {
			return fmt.Errorf("demo.latency must not be negative")
		}
	default:
		return fmt.Errorf("unknown device.transport %q (valid: tcp, serial, demo)", c.Device.Transport)
	}
	if c.Device.ConnectTimeout <= 0 || c.Device.IOTimeout <= 0 {
		return fmt.Errorf("device timeouts must be positive")
	}

	if c.Sequencer.QueueDepth < 1 {
		return fmt.Errorf("sequencer.queue_depth must be at least 1")
	}
	if c.Sequencer.IdempotentRetries < 0 {
		return fmt.Errorf("sequencer.idempotent_retries must not be negative")
	}
	if c.Sequencer.ResultTTL <= 0 {
		return fmt.Errorf("sequencer.result_ttl must be positive")
	}

	if c.Reconnect.Attempts < 1 {
		return fmt.Errorf("reconnect.attempts must be at least 1")
	}
	if c.Reconnect.InitialBackoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		return fmt.Errorf("reconnect backoff needs 0 < initial_backoff <= max_backoff")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1")
	}

	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("fiscal.empty_day_policy: %w", err)
	}
	rates, err := c.Rates()
	if err != nil {
		return fmt.Errorf("fiscal.vat_rates: %w", err)
	}
	if len(rates) == 0 {
		return fmt.Errorf("fiscal.vat_rates must configure at least one class")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}
