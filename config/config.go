// Package config provides configuration management for EventMesh.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for EventMesh.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Server is the HTTP API and gRPC ingress configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Webhook is the inbound webhook configuration.
	Webhook WebhookConfig `mapstructure:"webhook"`

	// Storage selects and configures the saga log backend.
	Storage StorageConfig `mapstructure:"storage"`

	// Transport configures the driver registry and every driver.
	Transport TransportConfig `mapstructure:"transport"`

	// Saga is the coordinator configuration.
	Saga SagaConfig `mapstructure:"saga"`

	// Outbox is the publish outbox configuration.
	Outbox OutboxConfig `mapstructure:"outbox"`

	// Metrics is the Prometheus configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the OpenTelemetry configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name. It is the default CloudEvents source.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// ServerConfig holds the HTTP API and gRPC ingress settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP holds HTTP server timeouts.
	HTTP HTTPConfig `mapstructure:"http"`

	// GRPC is the gRPC ingress configuration.
	GRPC GRPCConfig `mapstructure:"grpc"`

	// WebSocket configures the saga step feed.
	WebSocket WebSocketConfig `mapstructure:"websocket"`

	// CORS is the CORS configuration of the HTTP API.
	CORS CORSConfig `mapstructure:"cors"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`

	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int `mapstructure:"max_age" validate:"min=0"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GRPCConfig holds gRPC ingress settings.
type GRPCConfig struct {
	// Enabled starts the gRPC ingress in serve mode.
	Enabled bool `mapstructure:"enabled"`

	// Port is the gRPC listen port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// MaxRecvMsgSize is the maximum inbound message size in bytes.
	MaxRecvMsgSize int `mapstructure:"max_recv_msg_size" validate:"min=0"`
}

// WebSocketConfig holds websocket feed settings.
type WebSocketConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Path           string        `mapstructure:"path"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxConnections int           `mapstructure:"max_connections" validate:"min=0"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

// WebhookConfig holds the inbound webhook settings.
type WebhookConfig struct {
	// Path is the route the webhook is mounted on.
	Path string `mapstructure:"path" validate:"required"`
}

// StorageConfig selects the saga log backend.
type StorageConfig struct {
	// Driver is the backend name.
	Driver string `mapstructure:"driver" validate:"oneof=sql mongodb cassandra badger redis memory"`

	// Timeout bounds every storage operation.
	Timeout time.Duration `mapstructure:"timeout"`

	SQL       SQLConfig       `mapstructure:"sql"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb"`
	Cassandra CassandraConfig `mapstructure:"cassandra"`
	Badger    BadgerConfig    `mapstructure:"badger"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// SQLConfig holds relational backend settings.
type SQLConfig struct {
	// Dialect is sqlite or postgres.
	Dialect string `mapstructure:"dialect" validate:"oneof=sqlite postgres"`

	// DSN is the driver data source name.
	DSN string `mapstructure:"dsn"`

	// Table is the saga log table name.
	Table string `mapstructure:"table" validate:"required"`

	// OutboxTable is the outbox table name.
	OutboxTable string `mapstructure:"outbox_table" validate:"required"`

	// AutoMigrate creates missing tables on open.
	AutoMigrate bool `mapstructure:"auto_migrate"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MongoDBConfig holds document backend settings.
type MongoDBConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	Database         string `mapstructure:"database"`
	Collection       string `mapstructure:"collection"`
}

// CassandraConfig holds wide-column backend settings.
type CassandraConfig struct {
	ContactPoints []string `mapstructure:"contact_points"`
	Keyspace      string   `mapstructure:"keyspace"`
	Table         string   `mapstructure:"table"`

	// Consistency is a gocql consistency name, e.g. LOCAL_QUORUM.
	Consistency string `mapstructure:"consistency"`
}

// BadgerConfig holds embedded backend settings.
type BadgerConfig struct {
	// Path is the database directory; empty runs in memory.
	Path       string `mapstructure:"path"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// RedisConfig holds Redis backend settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`

	// Prefix namespaces every key.
	Prefix string `mapstructure:"prefix"`
}

// TransportConfig configures the driver registry.
type TransportConfig struct {
	// Default is the driver used when none is named.
	Default string `mapstructure:"default" validate:"required"`

	// AutoConnect connects newly created drivers.
	AutoConnect bool `mapstructure:"auto_connect"`

	Drivers DriversConfig `mapstructure:"drivers"`
}

// DriversConfig holds per-driver settings.
type DriversConfig struct {
	HTTP        HTTPDriverConfig        `mapstructure:"http"`
	MQTT        MQTTDriverConfig        `mapstructure:"mqtt"`
	GRPC        GRPCDriverConfig        `mapstructure:"grpc"`
	CloudEvents CloudEventsDriverConfig `mapstructure:"cloudevents"`
	Redis       RedisDriverConfig       `mapstructure:"redis"`
	NATS        NATSDriverConfig        `mapstructure:"nats"`
	Kafka       KafkaDriverConfig       `mapstructure:"kafka"`
	AMQP        AMQPDriverConfig        `mapstructure:"amqp"`
}

// HTTPDriverConfig configures the HTTP driver.
type HTTPDriverConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MQTTDriverConfig configures the MQTT driver.
type MQTTDriverConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port" validate:"min=1,max=65535"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	ClientID  string        `mapstructure:"client_id"`
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	QoS       int           `mapstructure:"qos" validate:"min=0,max=2"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// GRPCDriverConfig configures the gRPC driver.
type GRPCDriverConfig struct {
	Host      string        `mapstructure:"host"`
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// CloudEventsDriverConfig configures the envelope decorator.
type CloudEventsDriverConfig struct {
	// Source is the CloudEvents source attribute; empty falls back to app.name.
	Source string `mapstructure:"source"`

	// UnderlyingDriver is the wrapped driver name.
	UnderlyingDriver string `mapstructure:"underlying_driver"`
}

// RedisDriverConfig configures the Redis Pub/Sub driver.
type RedisDriverConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db" validate:"min=0"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// NATSDriverConfig configures the NATS driver.
type NATSDriverConfig struct {
	URL     string        `mapstructure:"url"`
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AMQPDriverConfig configures the AMQP 0-9-1 driver.
type AMQPDriverConfig struct {
	URL      string        `mapstructure:"url"`
	Exchange string        `mapstructure:"exchange"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// QueuePrefix names the durable queues bound for subscriptions; empty
	// means exclusive auto-delete queues.
	QueuePrefix string `mapstructure:"queue_prefix"`
}

// KafkaDriverConfig configures the Kafka driver.
type KafkaDriverConfig struct {
	Brokers []string      `mapstructure:"brokers"`
	GroupID string        `mapstructure:"group_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SagaConfig configures the coordinator.
type SagaConfig struct {
	// RetryAttempts is the failure count that triggers compensation.
	RetryAttempts int `mapstructure:"retry_attempts" validate:"min=1"`

	// RetryDelay is advertised to producers that re-deliver failed steps.
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// CompensationHandlers maps a failing event name to a compensating action id.
	// Event names contain dots, so the loader decodes this field by hand.
	CompensationHandlers map[string]string `mapstructure:"-"`
}

// OutboxConfig configures the publish outbox relay.
type OutboxConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`

	// RateLimit caps relay publishes per second; zero disables the limit.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Exporter   string            `mapstructure:"exporter" validate:"oneof=otlp otlpgrpc otlphttp stdout"`
	Endpoint   string            `mapstructure:"endpoint"`
	Headers    map[string]string `mapstructure:"headers"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	Sampler    string            `mapstructure:"sampler" validate:"oneof=always_on always_off ratio"`
	SampleRate float64           `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	return ValidateWithDetails(c)
}

// CloudEventsSource returns the configured source, falling back to the app name.
func (c *Config) CloudEventsSource() string {
	if c.Transport.Drivers.CloudEvents.Source != "" {
		return c.Transport.Drivers.CloudEvents.Source
	}
	return c.App.Name
}

// String returns a short description without credentials.
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Env: %s, Server: :%d, Storage: %s, Driver: %s}",
		c.App.Name, c.App.Environment, c.Server.Port, c.Storage.Driver, c.Transport.Default)
}
