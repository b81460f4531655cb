package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures the full runtime configuration of the stream hub.
type Config struct {
	App        AppConfig
	HTTP       HTTPConfig
	GRPC       GRPCConfig
	Kafka      KafkaConfig
	Storage    StorageConfig
	Tracing    TracingConfig
	Metrics    MetricsConfig
	NATS       NATSConfig
	Ingest     IngestConfig
	Sync       SyncConfig
	Normalize  NormalizeConfig
	Distribute DistributeConfig
	Gateway    GatewayConfig
	Catalog    CatalogConfig
	Archive    ArchiveConfig
}

type AppConfig struct {
	Name        string `env:"APP_NAME" envDefault:"streamhub"`
	Environment string `env:"APP_ENV" envDefault:"development"`
	Version     string `env:"APP_VERSION" envDefault:"0.1.0"`
	LogLevel    string `env:"APP_LOG_LEVEL" envDefault:"info"`
}

type HTTPConfig struct {
	Addr          string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout   time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	IdleTimeout   time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	MaxFrameBytes int64         `env:"HTTP_MAX_FRAME_BYTES" envDefault:"16777216"`
}

type GRPCConfig struct {
	Addr string `env:"GRPC_ADDR" envDefault:":9090"`
}

// KafkaConfig configures lifecycle event publishing. Events are disabled
// when no brokers are configured.
type KafkaConfig struct {
	Brokers          []string      `env:"KAFKA_BROKERS" envSeparator:","`
	EventsTopic      string        `env:"KAFKA_EVENTS_TOPIC" envDefault:"streamhub.events"`
	ClientID         string        `env:"KAFKA_CLIENT_ID" envDefault:"streamhub"`
	Acks             int           `env:"KAFKA_ACKS" envDefault:"-1"`
	Retries          int           `env:"KAFKA_RETRIES" envDefault:"3"`
	CompressionCodec string        `env:"KAFKA_COMPRESSION_CODEC" envDefault:"snappy"`
	BatchSize        int           `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	BatchTimeout     time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"1s"`
	EventBuffer      int           `env:"KAFKA_EVENT_BUFFER" envDefault:"1024"`
}

// Enabled reports whether events should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type StorageConfig struct {
	Provider  string `env:"STORAGE_PROVIDER" envDefault:"memory"`
	Endpoint  string `env:"STORAGE_ENDPOINT" envDefault:"http://localhost:9000"`
	Region    string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"STORAGE_BUCKET" envDefault:"streamhub-archive"`
	AccessKey string `env:"STORAGE_ACCESS_KEY" envDefault:"minioadmin"`
	SecretKey string `env:"STORAGE_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL    bool   `env:"STORAGE_USE_SSL" envDefault:"false"`
}

type TracingConfig struct {
	Endpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1.0"`
	ResourceAttr string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:"service.namespace=streamhub"`
}

type MetricsConfig struct {
	Addr string `env:"METRICS_ADDR" envDefault:":9102"`
}

type NATSConfig struct {
	URL           string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	SubjectPrefix string        `env:"NATS_SUBJECT_PREFIX" envDefault:"streamhub.feeds"`
	MaxReconnects int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`
	ReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
}

// IngestConfig selects the raw feed driver and tunes ingestion workers.
// With the http driver sources push frames to the control API.
type IngestConfig struct {
	Driver        string        `env:"INGEST_DRIVER" envDefault:"http"`
	FeedBuffer    int           `env:"INGEST_FEED_BUFFER" envDefault:"256"`
	QueueCapacity int           `env:"INGEST_QUEUE_CAPACITY" envDefault:"64"`
	StaleTimeout  time.Duration `env:"INGEST_STALE_TIMEOUT" envDefault:"10s"`
	BackoffBase   time.Duration `env:"INGEST_BACKOFF_BASE" envDefault:"200ms"`
	BackoffCap    time.Duration `env:"INGEST_BACKOFF_CAP" envDefault:"5s"`
	DegradedAfter int           `env:"INGEST_DEGRADED_AFTER" envDefault:"3"`
}

type SyncConfig struct {
	CalibrationSamples int           `env:"SYNC_CALIBRATION_SAMPLES" envDefault:"5"`
	Alpha              float64       `env:"SYNC_ALPHA" envDefault:"0.05"`
	ResyncThreshold    time.Duration `env:"SYNC_RESYNC_THRESHOLD" envDefault:"250ms"`
}

type NormalizeConfig struct {
	AudioSampleRate int `env:"NORMALIZE_AUDIO_SAMPLE_RATE" envDefault:"16000"`
	AudioChannels   int `env:"NORMALIZE_AUDIO_CHANNELS" envDefault:"1"`
	VideoMaxHeight  int `env:"NORMALIZE_VIDEO_MAX_HEIGHT" envDefault:"1080"`
}

// DistributeConfig holds the subscriber queue defaults used when an agent
// does not ask for its own.
type DistributeConfig struct {
	QueueCapacity int           `env:"DISTRIBUTE_QUEUE_CAPACITY" envDefault:"256"`
	DropPolicy    string        `env:"DISTRIBUTE_DROP_POLICY" envDefault:"drop-oldest"`
	BlockTimeout  time.Duration `env:"DISTRIBUTE_BLOCK_TIMEOUT" envDefault:"20ms"`
	// EvictAfter drains a subscriber once this many consecutive deliveries
	// overflowed its queue. Zero disables eviction.
	EvictAfter int `env:"DISTRIBUTE_EVICT_AFTER" envDefault:"512"`
}

type GatewayConfig struct {
	HandshakeTimeout  time.Duration `env:"GATEWAY_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	HeartbeatInterval time.Duration `env:"GATEWAY_HEARTBEAT_INTERVAL" envDefault:"10s"`
	HeartbeatMisses   int           `env:"GATEWAY_HEARTBEAT_MISSES" envDefault:"3"`
	DrainGrace        time.Duration `env:"GATEWAY_DRAIN_GRACE" envDefault:"2s"`
	WriteTimeout      time.Duration `env:"GATEWAY_WRITE_TIMEOUT" envDefault:"5s"`
	MaxQueueCapacity  int           `env:"GATEWAY_MAX_QUEUE_CAPACITY" envDefault:"4096"`
	AcceptRate        float64       `env:"GATEWAY_ACCEPT_RATE" envDefault:"50"`
	AcceptBurst       int           `env:"GATEWAY_ACCEPT_BURST" envDefault:"100"`
	ReadLimit         int64         `env:"GATEWAY_READ_LIMIT" envDefault:"1048576"`
}

type CatalogConfig struct {
	Path  string `env:"CATALOG_PATH"`
	Watch bool   `env:"CATALOG_WATCH" envDefault:"false"`
}

type ArchiveConfig struct {
	Enabled         bool          `env:"ARCHIVE_ENABLED" envDefault:"false"`
	StreamTypes     []string      `env:"ARCHIVE_STREAM_TYPES" envSeparator:"," envDefault:"sensor,iot"`
	SegmentFrames   int           `env:"ARCHIVE_SEGMENT_FRAMES" envDefault:"256"`
	SegmentInterval time.Duration `env:"ARCHIVE_SEGMENT_INTERVAL" envDefault:"10s"`
	QueueCapacity   int           `env:"ARCHIVE_QUEUE_CAPACITY" envDefault:"1024"`
	UploadTimeout   time.Duration `env:"ARCHIVE_UPLOAD_TIMEOUT" envDefault:"30s"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Ingest.Driver {
	case "http", "nats":
	default:
		return fmt.Errorf("unknown ingest driver %q", c.Ingest.Driver)
	}
	if c.Gateway.HeartbeatMisses < 1 {
		return fmt.Errorf("GATEWAY_HEARTBEAT_MISSES must be at least 1")
	}
	if c.Distribute.EvictAfter < 0 {
		return fmt.Errorf("DISTRIBUTE_EVICT_AFTER must not be negative")
	}
	if c.Sync.Alpha <= 0 || c.Sync.Alpha > 1 {
		return fmt.Errorf("SYNC_ALPHA must be in (0, 1]")
	}
	if c.Catalog.Watch && c.Catalog.Path == "" {
		return fmt.Errorf("CATALOG_WATCH requires CATALOG_PATH")
	}
	return nil
}
