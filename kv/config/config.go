package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coreos/go-semver/semver"
	"github.com/pingcap-incubator/tinycdc/log"
	"github.com/pingcap/errors"
)

type Config struct {
	ClusterID uint64 `toml:"cluster-id"`
	StoreID   uint64 `toml:"store-id"`
	LogLevel  string `toml:"log-level"`

	Log log.FileConfig `toml:"log"`

	DBPath string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.
	Engine Engine `toml:"engine"`

	// Interval of the resolved ts tick. Every tick fetches a timestamp and
	// pushes ResolvedTs events even when regions are idle.
	MinTsInterval Duration `toml:"min-ts-interval"`

	// Number of goroutines running incremental scans.
	IncrementalScanWorkers int `toml:"incremental-scan-workers"`
	// Bytes per second read by incremental scans, 0 means unlimited.
	IncrementalScanSpeedLimit uint64 `toml:"incremental-scan-speed-limit"`
	// Entries handed to the endpoint per scan batch.
	IncrementalScanBatchSize int `toml:"incremental-scan-batch-size"`

	// Entries kept by the old value cache.
	OldValueCacheSize int `toml:"old-value-cache-size"`

	// Events buffered per connection before senders block.
	SinkCapacity int `toml:"sink-capacity"`
	// How long a send may block before the connection is dropped.
	SinkSendTimeout Duration `toml:"sink-send-timeout"`
	// A batch of change events is flushed once it reaches this size.
	EventBatchSizeBytes uint64 `toml:"event-batch-size-bytes"`

	// Clients older than this version skip the cluster id check.
	ClusterIDCheckMinVersion string `toml:"cluster-id-check-min-version"`
}

type Engine struct {
	ValueThreshold   int   `toml:"value-threshold"`     // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize     int64 `toml:"max-table-size"`      // Each table is at most this size.
	NumMemTables     int   `toml:"num-mem-tables"`      // Maximum number of tables to keep in memory, before stalling.
	NumL0Tables      int   `toml:"num-L0-tables"`       // Maximum number of Level 0 tables before we start compacting.
	NumL0TablesStall int   `toml:"num-L0-tables-stall"` // Maximum number of Level 0 tables before stalling.
	VlogFileSize     int64 `toml:"vlog-file-size"`      // Value log file size.
	SyncWrite        bool  `toml:"sync-write"`
	NumCompactors    int   `toml:"num-compactors"`
}

// Duration is a time.Duration that reads and writes toml strings like "1s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (c *Config) Validate() error {
	if c.MinTsInterval.Duration <= 0 {
		return fmt.Errorf("min-ts-interval must be greater than 0")
	}
	if c.IncrementalScanWorkers <= 0 {
		return fmt.Errorf("incremental-scan-workers must be greater than 0")
	}
	if c.IncrementalScanBatchSize <= 0 {
		return fmt.Errorf("incremental-scan-batch-size must be greater than 0")
	}
	if c.OldValueCacheSize <= 0 {
		return fmt.Errorf("old-value-cache-size must be greater than 0")
	}
	if c.SinkCapacity <= 0 {
		return fmt.Errorf("sink-capacity must be greater than 0")
	}
	if c.EventBatchSizeBytes == 0 {
		return fmt.Errorf("event-batch-size-bytes must be greater than 0")
	}
	if c.SinkSendTimeout.Duration <= c.MinTsInterval.Duration {
		log.Warnf("sink-send-timeout %v is not greater than min-ts-interval %v, "+
			"slow consumers may be dropped before a single resolved ts arrives",
			c.SinkSendTimeout.Duration, c.MinTsInterval.Duration)
	}
	if _, err := semver.NewVersion(c.ClusterIDCheckMinVersion); err != nil {
		return errors.Annotatef(err, "invalid cluster-id-check-min-version %q", c.ClusterIDCheckMinVersion)
	}
	return nil
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		ClusterID:                 0,
		StoreID:                   1,
		LogLevel:                  getLogLevel(),
		DBPath:                    "/tmp/badger",
		Engine:                    defaultEngine(),
		MinTsInterval:             NewDuration(1 * time.Second),
		IncrementalScanWorkers:    4,
		IncrementalScanSpeedLimit: 128 * MB,
		IncrementalScanBatchSize:  1024,
		OldValueCacheSize:         1024,
		SinkCapacity:              1024,
		SinkSendTimeout:           NewDuration(10 * time.Second),
		// Keep a batch well below the usual 8MB message limit of the transport.
		EventBatchSizeBytes:      6 * MB,
		ClusterIDCheckMinVersion: "5.3.0",
	}
}

func NewTestConfig() *Config {
	return &Config{
		ClusterID:                 0,
		StoreID:                   1,
		LogLevel:                  getLogLevel(),
		DBPath:                    "/tmp/badger",
		Engine:                    defaultEngine(),
		MinTsInterval:             NewDuration(50 * time.Millisecond),
		IncrementalScanWorkers:    2,
		IncrementalScanSpeedLimit: 0,
		IncrementalScanBatchSize:  2,
		OldValueCacheSize:         128,
		SinkCapacity:              1024,
		SinkSendTimeout:           NewDuration(5 * time.Second),
		EventBatchSizeBytes:       6 * MB,
		ClusterIDCheckMinVersion:  "5.3.0",
	}
}

func defaultEngine() Engine {
	return Engine{
		ValueThreshold:   256,
		MaxTableSize:     int64(64 * MB),
		NumMemTables:     3,
		NumL0Tables:      4,
		NumL0TablesStall: 8,
		VlogFileSize:     int64(256 * MB),
		SyncWrite:        true,
		NumCompactors:    1,
	}
}

// LoadFromFile overlays the toml file at path on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		log.Warnf("unknown config items %v in %s", undecoded, path)
	}
	if err = conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}

// Encode writes the config in toml.
func (c *Config) Encode(w io.Writer) error {
	return errors.Trace(toml.NewEncoder(w).Encode(c))
}
