package simulator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Action is what the simulated device does with one request
type Action string

const (
	// ActionOK processes the request and replies normally
	ActionOK Action = "ok"

	// ActionStatus rejects the request with a status code without processing it
	ActionStatus Action = "status"

	// ActionDrop processes the request, then closes the connection before replying
	ActionDrop Action = "drop"

	// ActionLost closes the connection without processing the request
	ActionLost Action = "lost"

	// ActionSilent processes the request and never replies
	ActionSilent Action = "silent"

	// ActionCorrupt processes the request and replies with a bad checksum
	ActionCorrupt Action = "corrupt"

	// ActionStale processes the request and replies with the previous sequence number
	ActionStale Action = "stale"
)

// Behavior is one scripted device reaction
type Behavior struct {
	Action  Action `json:"action"`
	Status  byte   `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	DelayMs int    `json:"delay_ms,omitempty"`
}

// Delay returns the extra latency of the behavior
func (b Behavior) Delay() time.Duration {
	return time.Duration(b.DelayMs) * time.Millisecond
}

var okBehavior = Behavior{Action: ActionOK}

// FaultMode defines how a fault script plays out over successive requests
type FaultMode string

const (
	// ModeConstant always applies the same behavior
	ModeConstant FaultMode = "constant"

	// ModeOnce applies the behavior to the next request only, then reverts to ok
	ModeOnce FaultMode = "once"

	// ModeIncremental cycles through a list of behaviors
	ModeIncremental FaultMode = "incremental"

	// ModeTimeBased picks a behavior based on elapsed time since the first request
	ModeTimeBased FaultMode = "time_based"
)

// FaultConfig scripts the behavior of one device command
type FaultConfig struct {
	Mode FaultMode `json:"mode"`

	// Value is used by ModeConstant and ModeOnce
	Value *Behavior `json:"value,omitempty"`

	// Values is used by ModeIncremental and ModeTimeBased
	Values []Behavior `json:"values,omitempty"`

	// TimingSeconds is used by ModeTimeBased; must match the length of Values
	TimingSeconds []int `json:"timing_seconds,omitempty"`

	CurrentIndex int       `json:"current_index,omitempty"`
	StartTime    time.Time `json:"start_time,omitempty"`
	Used         bool      `json:"used,omitempty"`
}

// Faults holds the fault scripts keyed by device command name
type Faults struct {
	configs map[string]*FaultConfig
	mutex   sync.Mutex
}

// NewFaults creates an empty fault table; every command behaves normally
func NewFaults() *Faults {
	return &Faults{
		configs: make(map[string]*FaultConfig),
	}
}

// Next returns the behavior for the next request of the named command
func (f *Faults) Next(command string) Behavior {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	config, exists := f.configs[command]
	if !exists {
		return okBehavior
	}

	switch config.Mode {
	case ModeConstant:
		return *config.Value

	case ModeOnce:
		if config.Used {
			return okBehavior
		}
		config.Used = true
		log.Debugf("Simulator: one-shot fault for %s: %s", command, config.Value.Action)
		return *config.Value

	case ModeIncremental:
		b := config.Values[config.CurrentIndex]
		config.CurrentIndex = (config.CurrentIndex + 1) % len(config.Values)
		log.Debugf("Simulator: incremental fault for %s: index=%d/%d", command, config.CurrentIndex, len(config.Values))
		return b

	case ModeTimeBased:
		if config.StartTime.IsZero() {
			config.StartTime = time.Now()
		}
		elapsed := int(time.Since(config.StartTime).Seconds())
		idx := 0
		for i, timing := range config.TimingSeconds {
			if elapsed >= timing {
				idx = i
			} else {
				break
			}
		}
		return config.Values[idx]
	}

	return okBehavior
}

// Set replaces the script of a command
func (f *Faults) Set(command string, config *FaultConfig) error {
	if err := validateFault(config); err != nil {
		return fmt.Errorf("invalid fault for %s: %w", command, err)
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	config.CurrentIndex = 0
	config.StartTime = time.Time{}
	config.Used = false
	f.configs[command] = config

	log.Infof("Simulator: fault for %s set to mode=%s", command, config.Mode)
	return nil
}

// Once scripts a single behavior for the next request of a command
func (f *Faults) Once(command string, b Behavior) error {
	return f.Set(command, &FaultConfig{Mode: ModeOnce, Value: &b})
}

// Get returns a copy of the script of a command
func (f *Faults) Get(command string) (*FaultConfig, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	config, exists := f.configs[command]
	if !exists {
		return nil, false
	}
	configCopy := *config
	return &configCopy, true
}

// All returns copies of every script
func (f *Faults) All() map[string]*FaultConfig {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	result := make(map[string]*FaultConfig, len(f.configs))
	for name, config := range f.configs {
		configCopy := *config
		result[name] = &configCopy
	}
	return result
}

// Rewind restarts the script of a command from its first behavior
func (f *Faults) Rewind(command string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	config, exists := f.configs[command]
	if !exists {
		return fmt.Errorf("no fault configured for %s", command)
	}
	config.CurrentIndex = 0
	config.StartTime = time.Time{}
	config.Used = false
	return nil
}

// Clear removes the script of a command
func (f *Faults) Clear(command string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	delete(f.configs, command)
	log.Infof("Simulator: fault for %s cleared", command)
}

// Reset removes every script
func (f *Faults) Reset() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.configs = make(map[string]*FaultConfig)
}

func validateBehavior(b Behavior) error {
	switch b.Action {
	case ActionOK, ActionDrop, ActionLost, ActionSilent, ActionCorrupt, ActionStale:
	case ActionStatus:
		if b.Status == 0 {
			return fmt.Errorf("status action requires a non-zero status")
		}
	default:
		return fmt.Errorf("unknown action %q", b.Action)
	}
	if b.DelayMs < 0 {
		return fmt.Errorf("delay_ms must not be negative")
	}
	return nil
}

func validateFault(config *FaultConfig) error {
	if config == nil {
		return fmt.Errorf("missing config")
	}

	switch config.Mode {
	case ModeConstant, ModeOnce:
		if config.Value == nil {
			return fmt.Errorf("%s mode requires 'value' field", config.Mode)
		}
		return validateBehavior(*config.Value)

	case ModeIncremental, ModeTimeBased:
		if len(config.Values) == 0 {
			return fmt.Errorf("%s mode requires non-empty 'values' array", config.Mode)
		}
		for i, b := range config.Values {
			if err := validateBehavior(b); err != nil {
				return fmt.Errorf("values[%d]: %w", i, err)
			}
		}
		if config.Mode == ModeIncremental {
			return nil
		}
		if len(config.TimingSeconds) != len(config.Values) {
			return fmt.Errorf("time_based mode requires timing_seconds array matching values length (got %d timings, %d values)",
				len(config.TimingSeconds), len(config.Values))
		}
		for i := 1; i < len(config.TimingSeconds); i++ {
			if config.TimingSeconds[i] < config.TimingSeconds[i-1] {
				return fmt.Errorf("timing_seconds must be in ascending order")
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown fault mode: %s (valid modes: constant, once, incremental, time_based)", config.Mode)
	}
}

// MarshalJSON formats the start time as RFC3339 and omits it when unset
func (c *FaultConfig) MarshalJSON() ([]byte, error) {
	type Alias FaultConfig
	return json.Marshal(&struct {
		StartTime string `json:"start_time,omitempty"`
		*Alias
	}{
		StartTime: func() string {
			if c.StartTime.IsZero() {
				return ""
			}
			return c.StartTime.Format(time.RFC3339)
		}(),
		Alias: (*Alias)(c),
	})
}
