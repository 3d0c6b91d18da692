package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// Object store backends
const (
	ObjectStoreFilesystem = "filesystem"
	ObjectStoreGCS        = "gcs"
	ObjectStoreHTTP       = "http"
)

// Record store backends
const (
	RecordStoreRedis    = "redis"
	RecordStorePostgres = "postgres"
)

// Config holds process-wide settings. It is loaded once at start-up and the
// derived clients are injected into the pipeline.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	// Path convention
	SourcePrefix      string
	DerivativeSegment string
	WatermarkKey      string
	// WatermarkBucket holds the template; empty means the event's bucket
	WatermarkBucket string

	// Placement policy
	WatermarkAnchor  string
	WatermarkOpacity float64
	WatermarkScale   float64
	WatermarkMargin  int
	JPEGQuality      int

	// Object store
	ObjectStore        string
	StorageDir         string
	PublicBaseURL      string
	ObjectAPIURL       string
	GCSEndpoint        string
	GCSCredentialsFile string
	GCSPublicACL       bool

	// Record store
	RecordStore         string
	RedisURL            string
	ListingsDatabaseURL string

	// DBOS durable queue
	DBOSDatabaseURL        string
	DBOSQueueName          string
	DBOSConcurrency        int
	DBOSApplicationVersion string

	// NATS JetStream event source. Disabled when NATSURL is empty.
	NATSURL        string
	NATSStream     string
	NATSSubject    string
	NATSQueue      string
	NATSAckWait    time.Duration
	NATSRetryDelay time.Duration
	NATSMaxDeliver int

	// Staging
	StagingDir           string
	StagingMaxAge        time.Duration
	StagingSweepSchedule string

	MetricsNamespace string
}

// DefaultEnvFile is loaded when no env file is named
const DefaultEnvFile = ".env"

// LoadEnvFile loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing DefaultEnvFile is
// ignored; any other missing path is an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = DefaultEnvFile
	}
	if path == DefaultEnvFile {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the environment, applies defaults and validates.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ""),
		LogLevel:  getEnv("LOG_LEVEL", ""),
		LogFormat: getEnv("LOG_FORMAT", ""),

		SourcePrefix:      getEnv("SOURCE_PREFIX", ""),
		DerivativeSegment: getEnv("DERIVATIVE_SEGMENT", ""),
		WatermarkKey:      getEnv("WATERMARK_KEY", ""),
		WatermarkBucket:   getEnv("WATERMARK_BUCKET", ""),
		WatermarkAnchor:   getEnv("WATERMARK_ANCHOR", ""),

		ObjectStore:        strings.ToLower(getEnv("OBJECT_STORE", "")),
		StorageDir:         getEnv("STORAGE_DIR", ""),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		ObjectAPIURL:       getEnv("OBJECT_API_URL", ""),
		GCSEndpoint:        getEnv("GCS_ENDPOINT", ""),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),

		RecordStore:         strings.ToLower(getEnv("RECORD_STORE", "")),
		RedisURL:            getEnv("REDIS_URL", ""),
		ListingsDatabaseURL: getEnv("LISTINGS_DATABASE_URL", ""),

		DBOSDatabaseURL:        getEnv("DBOS_SYSTEM_DATABASE_URL", ""),
		DBOSQueueName:          getEnv("DBOS_QUEUE_NAME", ""),
		DBOSApplicationVersion: getEnv("DBOS_APPLICATION_VERSION", ""),

		NATSURL:     getEnv("NATS_URL", ""),
		NATSStream:  getEnv("NATS_STREAM", ""),
		NATSSubject: getEnv("NATS_SUBJECT", ""),
		NATSQueue:   getEnv("NATS_QUEUE", ""),

		StagingDir:           getEnv("STAGING_DIR", ""),
		StagingSweepSchedule: getEnv("STAGING_SWEEP_SCHEDULE", ""),

		MetricsNamespace: getEnv("METRICS_NAMESPACE", ""),
	}

	var err error
	if cfg.WatermarkOpacity, err = getFloat("WATERMARK_OPACITY"); err != nil {
		return Config{}, err
	}
	if cfg.WatermarkScale, err = getFloat("WATERMARK_SCALE"); err != nil {
		return Config{}, err
	}
	if cfg.WatermarkMargin, err = getInt("WATERMARK_MARGIN"); err != nil {
		return Config{}, err
	}
	if cfg.JPEGQuality, err = getInt("JPEG_QUALITY"); err != nil {
		return Config{}, err
	}
	if cfg.DBOSConcurrency, err = getInt("DBOS_CONCURRENCY"); err != nil {
		return Config{}, err
	}
	if cfg.NATSMaxDeliver, err = getInt("NATS_MAX_DELIVER"); err != nil {
		return Config{}, err
	}
	if cfg.GCSPublicACL, err = getBool("GCS_PUBLIC_ACL"); err != nil {
		return Config{}, err
	}
	if cfg.NATSAckWait, err = getDuration("NATS_ACK_WAIT"); err != nil {
		return Config{}, err
	}
	if cfg.NATSRetryDelay, err = getDuration("NATS_RETRY_DELAY"); err != nil {
		return Config{}, err
	}
	if cfg.StagingMaxAge, err = getDuration("STAGING_MAX_AGE"); err != nil {
		return Config{}, err
	}

	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefaults fills in default values for optional fields
func (c *Config) WithDefaults() {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.SourcePrefix == "" {
		c.SourcePrefix = pipeline.DefaultSourcePrefix
	}
	if c.DerivativeSegment == "" {
		c.DerivativeSegment = pipeline.DefaultDerivativeSegment
	}
	if c.WatermarkKey == "" {
		c.WatermarkKey = pipeline.DefaultWatermarkKey
	}
	if c.WatermarkAnchor == "" {
		c.WatermarkAnchor = "center"
	}
	if c.WatermarkOpacity == 0 {
		c.WatermarkOpacity = 1.0
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 90
	}
	if c.ObjectStore == "" {
		c.ObjectStore = ObjectStoreFilesystem
	}
	if c.StorageDir == "" {
		c.StorageDir = "./dev-data"
	}
	if c.RecordStore == "" {
		c.RecordStore = RecordStoreRedis
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379"
	}
	if c.DBOSQueueName == "" {
		c.DBOSQueueName = "default"
	}
	if c.DBOSConcurrency == 0 {
		c.DBOSConcurrency = 4
	}
	if c.NATSStream == "" {
		c.NATSStream = "STORAGE_EVENTS"
	}
	if c.NATSMaxDeliver == 0 {
		c.NATSMaxDeliver = 10
	}
	if c.NATSSubject == "" {
		c.NATSSubject = "storage.objects.finalized"
	}
	if c.NATSQueue == "" {
		c.NATSQueue = "listing-image-pipeline"
	}
	if c.NATSAckWait == 0 {
		c.NATSAckWait = 5 * time.Minute
	}
	if c.NATSRetryDelay == 0 {
		c.NATSRetryDelay = 30 * time.Second
	}
	if c.StagingDir == "" {
		c.StagingDir = os.TempDir()
	}
	if c.StagingMaxAge == 0 {
		c.StagingMaxAge = time.Hour
	}
	if c.StagingSweepSchedule == "" {
		c.StagingSweepSchedule = "@every 15m"
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "listing_pipeline"
	}
}

// Validate checks enumerations and ranges
func (c *Config) Validate() error {
	switch c.ObjectStore {
	case ObjectStoreFilesystem, ObjectStoreGCS:
	case ObjectStoreHTTP:
		if c.ObjectAPIURL == "" {
			return errors.New("OBJECT_API_URL is required when OBJECT_STORE=http")
		}
	default:
		return fmt.Errorf("invalid OBJECT_STORE %q", c.ObjectStore)
	}
	switch c.RecordStore {
	case RecordStoreRedis:
	case RecordStorePostgres:
		if c.ListingsDatabaseURL == "" {
			return errors.New("LISTINGS_DATABASE_URL is required when RECORD_STORE=postgres")
		}
	default:
		return fmt.Errorf("invalid RECORD_STORE %q", c.RecordStore)
	}
	if c.WatermarkOpacity < 0 || c.WatermarkOpacity > 1 {
		return fmt.Errorf("WATERMARK_OPACITY must be within [0,1], got %v", c.WatermarkOpacity)
	}
	if c.WatermarkScale < 0 || c.WatermarkScale > 1 {
		return fmt.Errorf("WATERMARK_SCALE must be within [0,1], got %v", c.WatermarkScale)
	}
	if c.WatermarkMargin < 0 {
		return fmt.Errorf("WATERMARK_MARGIN must not be negative, got %d", c.WatermarkMargin)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be within [1,100], got %d", c.JPEGQuality)
	}
	if c.DBOSConcurrency < 0 {
		return fmt.Errorf("DBOS_CONCURRENCY must not be negative, got %d", c.DBOSConcurrency)
	}
	return nil
}

// Layout returns the path convention described by the configuration
func (c Config) Layout() pipeline.Layout {
	return pipeline.Layout{
		SourcePrefix:      c.SourcePrefix,
		DerivativeSegment: c.DerivativeSegment,
		WatermarkKey:      c.WatermarkKey,
	}.WithDefaults()
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getFloat(key string) (float64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getBool(key string) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getDuration(key string) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration", key)
	}
	return d, nil
}
