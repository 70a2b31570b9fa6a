package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/vecdb"
	"github.com/hupe1980/vecdb/blobstore/minio"
	"github.com/hupe1980/vecdb/blobstore/s3"
	"github.com/hupe1980/vecdb/internal/hnsw"
	"github.com/hupe1980/vecdb/internal/segment"
)

const (
	// DefaultConfigName is the config file name searched without extension.
	DefaultConfigName = "vecdb"
	// EnvPrefix prefixes every environment override, e.g. VECDB_DATA_DIR.
	EnvPrefix = "VECDB"
)

// Backend names accepted by storage.backend.
const (
	BackendLocal = "local"
	BackendMinIO = "minio"
	BackendS3    = "s3"
)

// Config holds the CLI configuration.
type Config struct {
	// DataDir holds the WAL and, with the local backend, every blob.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Segment    SegmentConfig    `mapstructure:"segment" yaml:"segment"`
	Index      IndexConfig      `mapstructure:"index" yaml:"index"`
	Compaction CompactionConfig `mapstructure:"compaction" yaml:"compaction"`
	Resources  ResourceConfig   `mapstructure:"resources" yaml:"resources"`
	WAL        WALConfig        `mapstructure:"wal" yaml:"wal"`
	Query      QueryConfig      `mapstructure:"query" yaml:"query"`
}

// StorageConfig selects where catalog, segment and index blobs live.
type StorageConfig struct {
	// Backend is local, minio or s3.
	Backend string      `mapstructure:"backend" yaml:"backend"`
	MinIO   MinIOConfig `mapstructure:"minio" yaml:"minio,omitempty"`
	S3      S3Config    `mapstructure:"s3" yaml:"s3,omitempty"`
}

// MinIOConfig configures the minio backend.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Secure    bool   `mapstructure:"secure" yaml:"secure,omitempty"`
}

// S3Config configures the s3 backend. Credentials come from the default AWS chain.
type S3Config struct {
	Bucket   string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region   string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// CommitTable enables DynamoDB commits of the catalog pointer.
	CommitTable string `mapstructure:"commit_table" yaml:"commit_table,omitempty"`
}

// SegmentConfig holds seal thresholds and the file compression.
type SegmentConfig struct {
	SealRows  int   `mapstructure:"seal_rows" yaml:"seal_rows"`
	SealBytes int64 `mapstructure:"seal_bytes" yaml:"seal_bytes"`
	// Compression is none, lz4 or zstd.
	Compression string `mapstructure:"compression" yaml:"compression"`
}

// IndexConfig holds HNSW and build settings.
type IndexConfig struct {
	M                int           `mapstructure:"m" yaml:"m"`
	EFConstruction   int           `mapstructure:"ef_construction" yaml:"ef_construction"`
	EFSearch         int           `mapstructure:"ef_search" yaml:"ef_search"`
	Seed             uint64        `mapstructure:"seed" yaml:"seed"`
	BuildWorkers     int           `mapstructure:"build_workers" yaml:"build_workers"`
	BuildMaxAttempts int           `mapstructure:"build_max_attempts" yaml:"build_max_attempts"`
	BuildRetryBase   time.Duration `mapstructure:"build_retry_base" yaml:"build_retry_base"`
	BuildRetryMax    time.Duration `mapstructure:"build_retry_max" yaml:"build_retry_max"`
}

// CompactionConfig holds the compaction policy.
type CompactionConfig struct {
	TombstoneRatio float64 `mapstructure:"tombstone_ratio" yaml:"tombstone_ratio"`
	// Interval of the background loop. A negative value disables it.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// ResourceConfig holds the resource controller limits. Zero is unlimited.
type ResourceConfig struct {
	MemoryLimitBytes  int64 `mapstructure:"memory_limit_bytes" yaml:"memory_limit_bytes"`
	IOBytesPerSec     int64 `mapstructure:"io_bytes_per_sec" yaml:"io_bytes_per_sec"`
	BackgroundWorkers int   `mapstructure:"background_workers" yaml:"background_workers"`
}

// WALConfig holds the durability mode.
type WALConfig struct {
	// Durability is sync or async.
	Durability   string        `mapstructure:"durability" yaml:"durability"`
	SyncInterval time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
}

// QueryConfig holds query execution settings.
type QueryConfig struct {
	Parallelism     int     `mapstructure:"parallelism" yaml:"parallelism"`
	PreFilterFactor int     `mapstructure:"prefilter_factor" yaml:"prefilter_factor"`
	PreFilterRatio  float64 `mapstructure:"prefilter_ratio" yaml:"prefilter_ratio"`
	// EventualLag bounds the staleness of eventual reads.
	EventualLag time.Duration `mapstructure:"eventual_lag" yaml:"eventual_lag"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "./vecdb-data",
		LogLevel: "warn",
		Storage:  StorageConfig{Backend: BackendLocal},
		Segment: SegmentConfig{
			SealRows:    65536,
			SealBytes:   64 << 20,
			Compression: segment.CompressionLZ4.String(),
		},
		Index: IndexConfig{
			M:                hnsw.DefaultM,
			EFConstruction:   hnsw.DefaultEFConstruction,
			EFSearch:         hnsw.DefaultEFSearch,
			Seed:             hnsw.DefaultOptions().Seed,
			BuildWorkers:     2,
			BuildMaxAttempts: 5,
			BuildRetryBase:   100 * time.Millisecond,
			BuildRetryMax:    10 * time.Second,
		},
		Compaction: CompactionConfig{
			TombstoneRatio: 0.2,
			Interval:       time.Minute,
		},
		Resources: ResourceConfig{
			BackgroundWorkers: 2,
		},
		WAL: WALConfig{
			Durability:   "sync",
			SyncInterval: 100 * time.Millisecond,
		},
		Query: QueryConfig{
			PreFilterFactor: 10,
			PreFilterRatio:  0.01,
			EventualLag:     100 * time.Millisecond,
		},
	}
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"data-dir":  "data_dir",
	"log-level": "log_level",
	"backend":   "storage.backend",
}

// RegisterFlags adds the flags that override config keys to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.StringP("config", "c", "", "config file path (default ./vecdb.yaml)")
	fs.StringP("data-dir", "d", d.DataDir, "database directory")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("backend", d.Storage.Backend, "blob backend (local, minio, s3)")
}

// Load resolves the configuration from defaults, the config file, VECDB_*
// environment variables and the flags in fs, lowest to highest priority.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var file string
	if fs != nil {
		file, _ = fs.GetString("config")
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key of cfg so that environment variables for
// keys absent from the config file are still picked up by Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := prefix + k
			if sub, ok := val.(map[string]any); ok {
				walk(key+".", sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", m)

	// Keys the YAML form omits when empty or secret.
	for _, key := range []string{
		"storage.minio.endpoint", "storage.minio.access_key", "storage.minio.secret_key",
		"storage.minio.bucket", "storage.minio.prefix",
		"storage.s3.bucket", "storage.s3.prefix", "storage.s3.region",
		"storage.s3.endpoint", "storage.s3.commit_table",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("storage.minio.secure", false)
	return nil
}

// Validate checks enumerations and backend requirements.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if _, err := c.slogLevel(); err != nil {
		return err
	}
	if _, err := segment.ParseCompression(c.Segment.Compression); err != nil {
		return fmt.Errorf("config: segment.compression: %w", err)
	}
	if _, err := parseDurability(c.WAL.Durability); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case BackendLocal:
	case BackendMinIO:
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			return errors.New("config: storage.minio requires endpoint and bucket")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("config: storage.s3 requires bucket")
		}
	default:
		return fmt.Errorf("config: unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) slogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}

func parseDurability(s string) (vecdb.Durability, error) {
	switch strings.ToLower(s) {
	case "", "sync":
		return vecdb.DurabilitySync, nil
	case "async":
		return vecdb.DurabilityAsync, nil
	default:
		return 0, fmt.Errorf("config: unknown wal.durability %q", s)
	}
}

// Logger returns a text logger on stderr at the configured level.
func (c *Config) Logger() *slog.Logger {
	level, err := c.slogLevel()
	if err != nil {
		level = slog.LevelWarn
	}
	return vecdb.NewTextLogger(level).Logger
}

// Options maps the configuration to vecdb options. Remote backends are
// connected here.
func (c *Config) Options(ctx context.Context) ([]vecdb.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	compression, _ := segment.ParseCompression(c.Segment.Compression)
	durability, _ := parseDurability(c.WAL.Durability)

	opts := []vecdb.Option{
		vecdb.WithLogger(c.Logger()),
		vecdb.WithSealRows(c.Segment.SealRows),
		vecdb.WithSealBytes(c.Segment.SealBytes),
		vecdb.WithCompression(compression),
		vecdb.WithHNSW(c.Index.M, c.Index.EFConstruction),
		vecdb.WithDefaultEFSearch(c.Index.EFSearch),
		vecdb.WithSeed(c.Index.Seed),
		vecdb.WithBuildWorkers(c.Index.BuildWorkers),
		vecdb.WithBuildRetry(c.Index.BuildRetryBase, c.Index.BuildRetryMax, c.Index.BuildMaxAttempts),
		vecdb.WithCompaction(c.Compaction.TombstoneRatio, c.Compaction.Interval),
		vecdb.WithMemoryLimit(c.Resources.MemoryLimitBytes),
		vecdb.WithIORate(c.Resources.IOBytesPerSec),
		vecdb.WithBackgroundWorkers(c.Resources.BackgroundWorkers),
		vecdb.WithDurability(durability, c.WAL.SyncInterval),
		vecdb.WithQueryParallelism(c.Query.Parallelism),
		vecdb.WithPreFilter(c.Query.PreFilterFactor, c.Query.PreFilterRatio),
		vecdb.WithEventualLag(c.Query.EventualLag),
	}

	switch c.Storage.Backend {
	case BackendMinIO:
		m := c.Storage.MinIO
		store, err := minio.Dial(ctx, minio.Config{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Prefix:    m.Prefix,
			Secure:    m.Secure,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, vecdb.WithBlobStore(store))
	case BackendS3:
		s := c.Storage.S3
		store, err := s3.New(ctx, s3.Config{
			Bucket:      s.Bucket,
			Prefix:      s.Prefix,
			Region:      s.Region,
			Endpoint:    s.Endpoint,
			CommitTable: s.CommitTable,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, vecdb.WithBlobStore(store))
	}
	return opts, nil
}

// YAML renders the configuration. Secrets are omitted.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
