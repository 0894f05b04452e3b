package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/riscv-go/vm"
	"github.com/dshills/riscv-go/vm/store"
)

// Config holds the serve command's configuration, read from RVNODE_*
// environment variables. Unset or unparseable values fall back to defaults;
// validate catches values that are parseable but unusable.
type Config struct {
	// HTTP server
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Engine limits
	MaxMemory   uint32
	MaxCodeSize uint32
	DefaultGas  uint64
	PoolSize    int

	// Receipt store: memory, sqlite, or mysql
	DBDriver string
	DBDSN    string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Addr:            envString("RVNODE_ADDR", ":8080"),
		ReadTimeout:     envDuration("RVNODE_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    envDuration("RVNODE_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: envDuration("RVNODE_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxMemory:       envUint32("RVNODE_MAX_MEMORY", vm.DefaultMaxMemory),
		MaxCodeSize:     envUint32("RVNODE_MAX_CODE_SIZE", vm.DefaultMaxCodeSize),
		DefaultGas:      envUint64("RVNODE_DEFAULT_GAS", 10_000_000),
		PoolSize:        envInt("RVNODE_POOL_SIZE", 8),
		DBDriver:        strings.ToLower(envString("RVNODE_DB_DRIVER", "memory")),
		DBDSN:           envString("RVNODE_DB_DSN", ""),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RVNODE_ADDR must not be empty")
	}
	if c.MaxMemory == 0 {
		return fmt.Errorf("RVNODE_MAX_MEMORY must be greater than zero")
	}
	if c.MaxCodeSize == 0 {
		return fmt.Errorf("RVNODE_MAX_CODE_SIZE must be greater than zero")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("RVNODE_POOL_SIZE must be at least 1")
	}
	switch c.DBDriver {
	case "memory":
	case "sqlite", "mysql":
		if c.DBDSN == "" {
			return fmt.Errorf("RVNODE_DB_DSN is required when RVNODE_DB_DRIVER is %q", c.DBDriver)
		}
	default:
		return fmt.Errorf("unknown RVNODE_DB_DRIVER %q (want memory, sqlite, or mysql)", c.DBDriver)
	}
	return nil
}

// openStore opens the receipt store named by the configuration.
func (c *Config) openStore() (store.Store, error) {
	switch c.DBDriver {
	case "sqlite":
		return store.NewSQLiteStore(c.DBDSN)
	case "mysql":
		return store.NewMySQLStore(c.DBDSN)
	default:
		return store.NewMemStore(), nil
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envUint32(key string, def uint32) uint32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return def
	}
	return uint32(n)
}

func envUint64(key string, def uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
