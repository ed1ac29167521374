package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root of the node configuration file.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger" validate:"required"`
	Server  ServerConfig  `yaml:"http-server" validate:"required"`
	Storage StorageConfig `yaml:"storage" validate:"required"`
	Cluster ClusterConfig `yaml:"cluster"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type StorageConfig struct {
	RootPath     string             `yaml:"path" validate:"required,dir"`
	Memtable     MemtableConfig     `yaml:"memtable" validate:"required"`
	Versions     int                `yaml:"versions" validate:"min=0"`
	WAL          WALConfig          `yaml:"wal"`
	Flush        FlushConfig        `yaml:"flush" validate:"required"`
	SSTable      SSTableConfig      `yaml:"sstable" validate:"required"`
	BloomFilter  BloomFilterConfig  `yaml:"bloom_filter" validate:"required"`
	Cache        CacheConfig        `yaml:"cache" validate:"required"`
	SpatialIndex SpatialIndexConfig `yaml:"spatial_index" validate:"required"`
	Query        QueryConfig        `yaml:"query"`
}

// MemtableConfig bounds the active memtable. A zero limit disables that check.
type MemtableConfig struct {
	MaxEntries int   `yaml:"max_entries" validate:"min=0"`
	MaxBytes   int64 `yaml:"max_bytes" validate:"min=0"`
}

type WALConfig struct {
	Enabled bool `yaml:"enabled"`
	Sync    bool `yaml:"sync"`
}

type FlushConfig struct {
	QueueSize            int           `yaml:"queue_size" validate:"required,min=1"`
	IOLimitBytesPerSec   int64         `yaml:"io_limit_bytes_per_sec" validate:"min=0"`
	ShutdownPollInterval time.Duration `yaml:"shutdown_poll_interval"`
}

type SSTableConfig struct {
	BlockSize   int    `yaml:"block_size" validate:"required,min=1"`
	Compression string `yaml:"compression" validate:"oneof=snappy zstd lz4 none"`
}

type BloomFilterConfig struct {
	FPRate float64 `yaml:"fp_rate" validate:"required,gt=0,lt=1"`
}

type CacheConfig struct {
	CapacityBytes int64 `yaml:"capacity_bytes" validate:"min=0"`
}

type SpatialIndexConfig struct {
	Strategy    string `yaml:"strategy" validate:"oneof=rtree flat"`
	MaxNodeSize int    `yaml:"max_node_size" validate:"min=2"`
}

type QueryConfig struct {
	Parallelism int `yaml:"parallelism" validate:"min=0"`
}

type ClusterConfig struct {
	ZooKeeper []string `yaml:"zookeeper"`
	Root      string   `yaml:"root"`
	NodeAddr  string   `yaml:"node_addr"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			RootPath: "./data",
			Memtable: MemtableConfig{
				MaxEntries: 10_000,
				MaxBytes:   64 << 20,
			},
			Versions: 1,
			WAL: WALConfig{
				Enabled: true,
				Sync:    false,
			},
			Flush: FlushConfig{
				QueueSize:            16,
				ShutdownPollInterval: 100 * time.Millisecond,
			},
			SSTable: SSTableConfig{
				BlockSize:   4 << 10,
				Compression: "snappy",
			},
			BloomFilter: BloomFilterConfig{
				FPRate: 0.01,
			},
			Cache: CacheConfig{
				CapacityBytes: 32 << 20,
			},
			SpatialIndex: SpatialIndexConfig{
				Strategy:    "rtree",
				MaxNodeSize: 32,
			},
			Query: QueryConfig{
				Parallelism: 4,
			},
		},
		Cluster: ClusterConfig{
			Root: "/bboxkv",
		},
	}
}

// Load reads a YAML config on top of Default(). A missing file is not an
// error: the defaults are returned and found is false.
func Load(path string) (cfg Config, found bool, err error) {
	cfg = Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, true, err
	}

	return cfg, true, nil
}

// Validate mirrors the validate tags on the config structs.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port: %d out of range", c.Server.Port))
	}

	errs = append(errs, c.Storage.Validate())

	return errors.Join(errs...)
}

func (s *StorageConfig) Validate() error {
	var errs []error

	if s.RootPath == "" {
		errs = append(errs, errors.New("storage.path: required"))
	}
	if s.Memtable.MaxEntries < 0 || s.Memtable.MaxBytes < 0 {
		errs = append(errs, errors.New("storage.memtable: limits must not be negative"))
	}
	if s.Memtable.MaxEntries == 0 && s.Memtable.MaxBytes == 0 {
		errs = append(errs, errors.New("storage.memtable: at least one of max_entries or max_bytes is required"))
	}
	if s.Versions < 0 {
		errs = append(errs, errors.New("storage.versions: must not be negative"))
	}
	if s.Flush.QueueSize < 1 {
		errs = append(errs, errors.New("storage.flush.queue_size: must be at least 1"))
	}
	if s.Flush.IOLimitBytesPerSec < 0 {
		errs = append(errs, errors.New("storage.flush.io_limit_bytes_per_sec: must not be negative"))
	}
	if s.SSTable.BlockSize < 1 {
		errs = append(errs, errors.New("storage.sstable.block_size: must be at least 1"))
	}
	switch s.SSTable.Compression {
	case "snappy", "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("storage.sstable.compression: unknown codec %q", s.SSTable.Compression))
	}
	if s.BloomFilter.FPRate <= 0 || s.BloomFilter.FPRate >= 1 {
		errs = append(errs, fmt.Errorf("storage.bloom_filter.fp_rate: %v not in (0, 1)", s.BloomFilter.FPRate))
	}
	if s.Cache.CapacityBytes < 0 {
		errs = append(errs, errors.New("storage.cache.capacity_bytes: must not be negative"))
	}
	switch s.SpatialIndex.Strategy {
	case "rtree", "flat":
	default:
		errs = append(errs, fmt.Errorf("storage.spatial_index.strategy: unknown strategy %q", s.SpatialIndex.Strategy))
	}
	if s.SpatialIndex.MaxNodeSize < 2 {
		errs = append(errs, errors.New("storage.spatial_index.max_node_size: must be at least 2"))
	}
	if s.Query.Parallelism < 0 {
		errs = append(errs, errors.New("storage.query.parallelism: must not be negative"))
	}

	return errors.Join(errs...)
}
