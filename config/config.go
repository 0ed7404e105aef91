package config

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Sensorflow SensorflowConfig `yaml:"sensorflow"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Scorer     ScorerConfig     `yaml:"scorer"`
	Baseline   BaselineConfig   `yaml:"baseline"`
	Drift      DriftConfig      `yaml:"drift"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SensorflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer    int `yaml:"raw_buffer"`
	ResultBuffer int `yaml:"result_buffer"`
	EventBuffer  int `yaml:"event_buffer"`
}

type IngestConfig struct {
	File      FileSourceConfig      `yaml:"file"`
	Websocket WebsocketSourceConfig `yaml:"websocket"`
}

type FileSourceConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Path          string  `yaml:"path"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	Loop          bool    `yaml:"loop"`
}

type WebsocketSourceConfig struct {
	Enabled          bool          `yaml:"enabled"`
	URL              string        `yaml:"url"`
	Subscribe        string        `yaml:"subscribe"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadLimitBytes   int64         `yaml:"read_limit_bytes"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	MaxReconnect     time.Duration `yaml:"max_reconnect_delay"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

type ValidatorConfig struct {
	MaxWorkers  int                 `yaml:"max_workers"`
	Schema      []FieldSchemaConfig `yaml:"schema"`
	DedupWindow time.Duration       `yaml:"dedup_window"`
	MaxAge      time.Duration       `yaml:"max_age"`
	MaxSpeed    float64             `yaml:"max_speed"` // meters per second
	Cache       CacheConfig         `yaml:"cache"`
}

type FieldSchemaConfig struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"` // "float" or "int"
	Required bool     `yaml:"required"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`
}

type CacheConfig struct {
	Shards      int           `yaml:"shards"`
	MaxPerShard int           `yaml:"max_per_shard"`
	TTL         time.Duration `yaml:"ttl"`
}

type ScorerConfig struct {
	CyclePeriod    time.Duration        `yaml:"cycle_period"`
	NominalRate    float64              `yaml:"nominal_rate_per_second"`
	AlertThreshold float64              `yaml:"alert_threshold"`
	Weights        WeightsConfig        `yaml:"weights"`
	GoldStandard   map[string][]float64 `yaml:"gold_standard"`
}

type WeightsConfig struct {
	Completeness float64 `yaml:"completeness"`
	Validity     float64 `yaml:"validity"`
	Accuracy     float64 `yaml:"accuracy"`
	Consistency  float64 `yaml:"consistency"`
}

// Sum returns the total of the four component weights.
func (w WeightsConfig) Sum() float64 {
	return w.Completeness + w.Validity + w.Accuracy + w.Consistency
}

// IsZero reports whether no weight was configured, in which case equal
// weights are applied.
func (w WeightsConfig) IsZero() bool {
	return w.Sum() == 0
}

type BaselineConfig struct {
	CurrentSpan     time.Duration `yaml:"current_span"`
	CurrentMaxSize  int           `yaml:"current_max_size"`
	BaselineSpan    time.Duration `yaml:"baseline_span"`
	BaselineMaxSize int           `yaml:"baseline_max_size"`
	RefreshPeriod   time.Duration `yaml:"refresh_period"`
}

type DriftConfig struct {
	CyclePeriod       time.Duration `yaml:"cycle_period"`
	MinSamples        int           `yaml:"min_samples"`
	MeanShiftK        float64       `yaml:"mean_shift_k"`
	Alpha             float64       `yaml:"alpha"`
	DistanceThreshold float64       `yaml:"distance_threshold"`
	CrossGroup        bool          `yaml:"cross_group"`
	MinGroups         int           `yaml:"min_groups"`
}

type DispatcherConfig struct {
	QueueSize   int                  `yaml:"queue_size"`
	MaxAttempts int                  `yaml:"max_attempts"`
	EmitTimeout time.Duration        `yaml:"emit_timeout"`
	RetryDelay  time.Duration        `yaml:"retry_delay"`
	Breaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
	Kafka       KafkaSinkConfig      `yaml:"kafka"`
}

type CircuitBreakerConfig struct {
	FailureThreshold    uint32        `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests uint32        `yaml:"half_open_max_requests"`
}

type KafkaSinkConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ArchiveConfig struct {
	Enabled       bool               `yaml:"enabled"`
	FlushInterval time.Duration      `yaml:"flush_interval"`
	MaxBuffer     int                `yaml:"max_buffer"`
	Partitioning  PartitioningConfig `yaml:"partitioning"`
}

type PartitioningConfig struct {
	TimeFormat string `yaml:"time_format"`
}

type StorageConfig struct {
	S3       S3Config       `yaml:"s3"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Prefix   string        `yaml:"prefix"`
	Interval time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// Defaults applied by LoadConfig when the file leaves a value unset.
const (
	defaultDedupWindow       = 5 * time.Second
	defaultMaxAge            = 30 * time.Second
	defaultCacheTTL          = 5 * time.Second
	defaultMinSamples        = 30
	defaultMeanShiftK        = 2.0
	defaultAlpha             = 0.05
	defaultDistanceThreshold = 0.1
	defaultMinGroups         = 3
)

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Validator.DedupWindow == 0 {
		cfg.Validator.DedupWindow = defaultDedupWindow
	}
	if cfg.Validator.MaxAge == 0 {
		cfg.Validator.MaxAge = defaultMaxAge
	}
	if cfg.Validator.Cache.Shards == 0 {
		cfg.Validator.Cache.Shards = 16
	}
	if cfg.Validator.Cache.MaxPerShard == 0 {
		cfg.Validator.Cache.MaxPerShard = 4096
	}
	if cfg.Validator.Cache.TTL == 0 {
		cfg.Validator.Cache.TTL = defaultCacheTTL
		if cfg.Validator.DedupWindow > cfg.Validator.Cache.TTL {
			cfg.Validator.Cache.TTL = cfg.Validator.DedupWindow
		}
	}
	if cfg.Scorer.Weights.IsZero() {
		cfg.Scorer.Weights = WeightsConfig{
			Completeness: 0.25,
			Validity:     0.25,
			Accuracy:     0.25,
			Consistency:  0.25,
		}
	}
	if cfg.Drift.MinSamples == 0 {
		cfg.Drift.MinSamples = defaultMinSamples
	}
	if cfg.Drift.MeanShiftK == 0 {
		cfg.Drift.MeanShiftK = defaultMeanShiftK
	}
	if cfg.Drift.Alpha == 0 {
		cfg.Drift.Alpha = defaultAlpha
	}
	if cfg.Drift.DistanceThreshold == 0 {
		cfg.Drift.DistanceThreshold = defaultDistanceThreshold
	}
	if cfg.Drift.MinGroups == 0 {
		cfg.Drift.MinGroups = defaultMinGroups
	}
	if cfg.Dispatcher.MaxAttempts == 0 {
		cfg.Dispatcher.MaxAttempts = 3
	}
	if cfg.Dispatcher.EmitTimeout == 0 {
		cfg.Dispatcher.EmitTimeout = 5 * time.Second
	}
	if cfg.Dispatcher.RetryDelay == 0 {
		cfg.Dispatcher.RetryDelay = time.Second
	}
	if cfg.Archive.FlushInterval == 0 {
		cfg.Archive.FlushInterval = time.Minute
	}
	if cfg.Archive.MaxBuffer == 0 {
		cfg.Archive.MaxBuffer = 10000
	}
	if cfg.Archive.Partitioning.TimeFormat == "" {
		cfg.Archive.Partitioning.TimeFormat = "year={year}/month={month}/day={day}/hour={hour}"
	}
	if cfg.Storage.Snapshot.Interval == 0 {
		cfg.Storage.Snapshot.Interval = 5 * time.Minute
	}
	if cfg.Storage.Snapshot.Prefix == "" {
		cfg.Storage.Snapshot.Prefix = "snapshots"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Sensorflow.Name == "" {
		return fmt.Errorf("sensorflow.name is required")
	}

	if cfg.Sensorflow.Version == "" {
		return fmt.Errorf("sensorflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.ResultBuffer <= 0 {
		return fmt.Errorf("channels.result_buffer must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Validator.MaxWorkers <= 0 {
		return fmt.Errorf("validator.max_workers must be greater than 0")
	}
	if len(cfg.Validator.Schema) == 0 {
		return fmt.Errorf("validator.schema must define at least one field")
	}
	seen := make(map[string]struct{}, len(cfg.Validator.Schema))
	for _, f := range cfg.Validator.Schema {
		if f.Name == "" {
			return fmt.Errorf("validator.schema field name is required")
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("validator.schema field '%s' defined twice", f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case "float", "int":
		default:
			return fmt.Errorf("validator.schema field '%s' has unknown type '%s'", f.Name, f.Type)
		}
		if f.Min != nil && f.Max != nil && *f.Min >= *f.Max {
			return fmt.Errorf("validator.schema field '%s' has min >= max", f.Name)
		}
	}
	if cfg.Validator.DedupWindow <= 0 {
		return fmt.Errorf("validator.dedup_window must be greater than 0")
	}
	if cfg.Validator.MaxAge <= 0 {
		return fmt.Errorf("validator.max_age must be greater than 0")
	}
	if cfg.Validator.MaxSpeed < 0 {
		return fmt.Errorf("validator.max_speed must not be negative")
	}
	// Cached reads must outlive the dedup window or duplicates slip through.
	if cfg.Validator.Cache.TTL < cfg.Validator.DedupWindow {
		return fmt.Errorf("validator.cache.ttl must be at least validator.dedup_window")
	}

	if cfg.Scorer.CyclePeriod <= 0 {
		return fmt.Errorf("scorer.cycle_period must be greater than 0")
	}
	if cfg.Scorer.NominalRate < 0 {
		return fmt.Errorf("scorer.nominal_rate_per_second must not be negative")
	}
	if cfg.Scorer.AlertThreshold < 0 || cfg.Scorer.AlertThreshold > 1 {
		return fmt.Errorf("scorer.alert_threshold must be within [0,1]")
	}
	w := cfg.Scorer.Weights
	if w.Completeness < 0 || w.Validity < 0 || w.Accuracy < 0 || w.Consistency < 0 {
		return fmt.Errorf("scorer.weights must not be negative")
	}
	if math.Abs(w.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("scorer.weights must sum to 1.0, got %v", w.Sum())
	}

	if cfg.Baseline.CurrentSpan <= 0 {
		return fmt.Errorf("baseline.current_span must be greater than 0")
	}
	if cfg.Baseline.CurrentMaxSize <= 0 {
		return fmt.Errorf("baseline.current_max_size must be greater than 0")
	}
	if cfg.Baseline.BaselineSpan <= 0 {
		return fmt.Errorf("baseline.baseline_span must be greater than 0")
	}
	if cfg.Baseline.BaselineMaxSize <= 0 {
		return fmt.Errorf("baseline.baseline_max_size must be greater than 0")
	}
	if cfg.Baseline.RefreshPeriod <= 0 {
		return fmt.Errorf("baseline.refresh_period must be greater than 0")
	}

	if cfg.Drift.CyclePeriod <= 0 {
		return fmt.Errorf("drift.cycle_period must be greater than 0")
	}
	if cfg.Drift.MinSamples <= 0 {
		return fmt.Errorf("drift.min_samples must be greater than 0")
	}
	if cfg.Drift.MeanShiftK <= 0 {
		return fmt.Errorf("drift.mean_shift_k must be greater than 0")
	}
	if cfg.Drift.Alpha <= 0 || cfg.Drift.Alpha >= 1 {
		return fmt.Errorf("drift.alpha must be within (0,1)")
	}
	if cfg.Drift.DistanceThreshold <= 0 {
		return fmt.Errorf("drift.distance_threshold must be greater than 0")
	}
	if cfg.Drift.MinGroups < 3 {
		return fmt.Errorf("drift.min_groups must be at least 3")
	}

	if cfg.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher.queue_size must be greater than 0")
	}
	if cfg.Dispatcher.Kafka.Enabled {
		if len(cfg.Dispatcher.Kafka.Brokers) == 0 {
			return fmt.Errorf("dispatcher.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Dispatcher.Kafka.Topic == "" {
			return fmt.Errorf("dispatcher.kafka.topic is required when kafka is enabled")
		}
	}

	if cfg.Archive.Enabled && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("archive requires storage.s3 to be enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Storage.Snapshot.Enabled && !cfg.Storage.S3.Enabled && cfg.Storage.Snapshot.Dir == "" {
		return fmt.Errorf("storage.snapshot.dir is required when snapshots are enabled without S3")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
