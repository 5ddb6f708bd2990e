package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Word width of the platform, in bits. The library only supports 64-bit
// targets; transactional words are uint64.
const WordBits = 64

// Compile-time limits. These sit in fixed-size arrays on hot structures,
// so they are constants rather than Config fields.
const (
	// MaxCallbacks is the maximum number of callbacks per hook.
	MaxCallbacks = 7
	// MaxSpecific is the maximum number of transaction-specific slots.
	MaxSpecific = 7
)

// Config carries the tunables of the transactional memory runtime. All
// fields are frozen once passed to stm.Init; mutating a Config that is
// already installed has no effect.
type Config struct {
	// log2 of the number of stripes in the lock array: 2^20 = 1M locks.
	LockArrayLogSize uint `toml:"lock-array-log-size"`
	// Extra right-shift applied when hashing an address to a stripe, so
	// that runs of adjacent words share a stripe.
	LockShiftExtra uint `toml:"lock-shift-extra"`
	// Initial capacity of the per-transaction read and write logs.
	// Logs double when full.
	InitialRWSetSize int `toml:"initial-rw-set-size"`
	// Upper bound on concurrently registered transactional threads.
	MaxThreads int `toml:"max-threads"`
	// Clock value that triggers a quiescence-protected rollover.
	// 0 derives the bound from the word width (the usual setting);
	// tests lower it to exercise the rollover path.
	MaxVersion uint64 `toml:"max-version"`

	LogLevel string `toml:"log-level"`
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.LockArrayLogSize < 2 || c.LockArrayLogSize > 28 {
		return fmt.Errorf("lock array log size %d out of range [2, 28]", c.LockArrayLogSize)
	}
	if c.InitialRWSetSize < 2 {
		return fmt.Errorf("initial rw set size must be at least 2")
	}
	if c.MaxThreads <= 0 || c.MaxThreads > 1<<20 {
		return fmt.Errorf("max threads %d out of range (0, 2^20]", c.MaxThreads)
	}
	if c.MaxVersion != 0 && c.MaxVersion <= uint64(c.MaxThreads) {
		return fmt.Errorf("max version %d must exceed max threads %d", c.MaxVersion, c.MaxThreads)
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

// NewDefaultConfig returns the production defaults: a 1M-stripe lock
// array and 4096-entry initial logs.
func NewDefaultConfig() *Config {
	return &Config{
		LockArrayLogSize: 20,
		LockShiftExtra:   2,
		InitialRWSetSize: 4096,
		MaxThreads:       8192,
		MaxVersion:       0,
		LogLevel:         getLogLevel(),
	}
}

// NewTestConfig returns a configuration sized for tests: a small lock
// array so stripe collisions actually happen and small logs so overflow is
// reachable. The version bound stays derived from the word width; tests
// that exercise clock rollover set a low MaxVersion themselves.
func NewTestConfig() *Config {
	return &Config{
		LockArrayLogSize: 8,
		LockShiftExtra:   2,
		InitialRWSetSize: 4,
		MaxThreads:       64,
		MaxVersion:       0,
		LogLevel:         getLogLevel(),
	}
}

// FromFile loads a Config from a TOML file, starting from the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
