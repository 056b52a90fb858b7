// Package config loads optional operator overrides for gritsync, following
// the teacher's own load-then-validate split: Load applies defaults over
// whatever the YAML file provides, Validate is a separate pass that never
// mutates the config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultIgnore is the content seeded into .gritignore on a freshly
// initialized repository.
const DefaultIgnore = "*.lock\n.#*\n*.pyc\n"

// Config holds operator-tunable knobs. Load starts from the built-in
// defaults, so a field the YAML file does not set keeps its default; a
// field the file explicitly sets to zero stays zero, except DefaultIgnore,
// which falls back to the default when empty.
type Config struct {
	// PortRangeLow/High bound the random port-triple selection.
	PortRangeLow  int `yaml:"port_range_low"`
	PortRangeHigh int `yaml:"port_range_high"`

	// DebounceShort is the tick interval while changes are pending.
	DebounceShort time.Duration `yaml:"debounce_short"`
	// DebounceIdle is the tick interval while no changes are pending.
	DebounceIdle time.Duration `yaml:"debounce_idle"`

	// TunnelSettleTimeout bounds the exponential-backoff poll for tunnel
	// readiness before the first commit round.
	TunnelSettleTimeout time.Duration `yaml:"tunnel_settle_timeout"`

	// DefaultIgnore is seeded into .gritignore on a freshly bootstrapped side.
	DefaultIgnore string `yaml:"default_ignore"`

	// NoColor forces the Terminal Writer to strip color markup.
	NoColor bool `yaml:"no_color"`

	// InstallDeps records the install_deps setting (or --install-deps).
	// Nothing in gritsync reads it; no installer is run.
	InstallDeps bool `yaml:"install_deps"`
}

// defaults returns a Config populated with gritsync's built-in defaults.
func defaults() Config {
	return Config{
		PortRangeLow:        34000,
		PortRangeHigh:       34999,
		DebounceShort:       100 * time.Millisecond,
		DebounceIdle:        10 * time.Second,
		TunnelSettleTimeout: 5 * time.Second,
		DefaultIgnore:       DefaultIgnore,
	}
}

// Load reads path if it exists and overlays it onto the built-in defaults.
// A missing file is not an error: Load(  "") and Load of a nonexistent path
// both return the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.DefaultIgnore == "" {
		cfg.DefaultIgnore = DefaultIgnore
	}
	return cfg, nil
}

// Validate checks that the loaded config is internally consistent.
func Validate(c Config) error {
	if c.PortRangeLow <= 0 || c.PortRangeHigh <= 0 || c.PortRangeLow >= c.PortRangeHigh {
		return fmt.Errorf("invalid port range: [%d, %d]", c.PortRangeLow, c.PortRangeHigh)
	}
	if c.PortRangeHigh > 65535 {
		return fmt.Errorf("port_range_high %d exceeds 65535", c.PortRangeHigh)
	}
	if c.DebounceShort <= 0 || c.DebounceIdle <= 0 {
		return fmt.Errorf("debounce intervals must be positive")
	}
	if c.DebounceShort >= c.DebounceIdle {
		return fmt.Errorf("debounce_short must be shorter than debounce_idle")
	}
	return nil
}
