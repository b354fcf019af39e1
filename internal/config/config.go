// Package config loads the runtime configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/daimatz/gostack/pkg/isa"
)

// Config is the runtime configuration.
type Config struct {
	ISA   string `toml:"isa"`
	GC    GC     `toml:"gc"`
	Debug Debug  `toml:"debug"`
	Log   Log    `toml:"log"`

	// InstructionSet is ISA resolved at load time.
	InstructionSet isa.InstructionSet `toml:"-"`
}

// GC configures how frames cooperate with the collector.
type GC struct {
	Moving          bool `toml:"moving"`
	ReadBarrier     bool `toml:"read-barrier"`
	VerifyRoots     bool `toml:"verify-roots"`
	RootScanWorkers int  `toml:"root-scan-workers"`
}

// Debug enables consistency checks.
type Debug struct {
	Checks              bool     `toml:"checks"`
	CheckSuspended      bool     `toml:"check-suspended"`
	LockDeadlockTimeout Duration `toml:"lock-deadlock-timeout"`
}

// Log configures the runtime logger.
type Log struct {
	Level   string `toml:"level"`
	NoColor bool   `toml:"no-color"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	c := Config{
		ISA: "arm64",
		GC: GC{
			Moving:      true,
			ReadBarrier: true,
		},
		Debug: Debug{
			Checks:         true,
			CheckSuspended: true,
		},
	}
	if err := c.resolve(); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return c
}

// Load reads and parses the configuration at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes TOML data on top of the defaults.
func Parse(data []byte) (Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), &c)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown key %q", undecoded[0].String())
	}
	if err := c.resolve(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) resolve() error {
	set, err := isa.Parse(c.ISA)
	if err != nil {
		return err
	}
	c.InstructionSet = set
	if c.GC.RootScanWorkers <= 0 {
		c.GC.RootScanWorkers = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return nil
}
