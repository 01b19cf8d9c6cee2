package dbpool

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the file-loadable pool configuration. Time-valued fields are in
// milliseconds, the domain's native unit; a zero lease or idle time
// disables the corresponding watcher time-out. A zero acquire time does not
// disable the acquire time-out: acquiring then fails at once when no session
// is free and the pool cannot grow.
type Config struct {
	MinSize          int   `toml:"min_size"`
	MaxSize          int   `toml:"max_size"`
	MaxAcquireTimeMs int64 `toml:"max_acquire_time_ms"`

	MaxLeaseTimeMs  int64 `toml:"max_lease_time_ms"`
	MaxIdleTimeMs   int64 `toml:"max_idle_time_ms"`
	WatchIntervalMs int64 `toml:"watch_interval_ms"`
	EvictThreshold  int   `toml:"evict_threshold"`
	Interrupt       bool  `toml:"interrupt"`
	CloseEvicted    bool  `toml:"close_evicted"`

	CloseEvictedOnlyWhenBorrowerDone bool `toml:"close_evicted_only_when_borrower_done"`
}

// DefaultConfig returns the configuration matching a freshly constructed
// pool and watcher.
func DefaultConfig() Config {
	return Config{
		MinSize:          defaultMinSize,
		MaxSize:          defaultMaxSize,
		MaxAcquireTimeMs: defaultMaxAcquireTime.Milliseconds(),
		MaxLeaseTimeMs:   defaultMaxLeaseTime.Milliseconds(),
		MaxIdleTimeMs:    defaultMaxIdleTime.Milliseconds(),
		WatchIntervalMs:  defaultWatchInterval.Milliseconds(),
		EvictThreshold:   defaultEvictThreshold,
	}
}

// LoadConfig reads a TOML pool configuration. Fields absent from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("dbpool: read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("dbpool: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Apply copies the configuration onto a pool and its watcher. Call before
// Pool.Open.
func (cfg Config) Apply(pool *Pool) {
	pool.SetMinSize(cfg.MinSize)
	pool.SetMaxSize(cfg.MaxSize)
	pool.SetMaxAcquireTime(time.Duration(cfg.MaxAcquireTimeMs) * time.Millisecond)

	w := pool.Watcher()
	w.MaxLeaseTime = time.Duration(cfg.MaxLeaseTimeMs) * time.Millisecond
	w.MaxIdleTime = time.Duration(cfg.MaxIdleTimeMs) * time.Millisecond
	w.Interval = time.Duration(cfg.WatchIntervalMs) * time.Millisecond
	w.EvictThreshold = cfg.EvictThreshold
	w.Interrupt = cfg.Interrupt
	w.CloseEvicted = cfg.CloseEvicted
	w.CloseEvictedOnlyWhenBorrowerDone = cfg.CloseEvictedOnlyWhenBorrowerDone
}
