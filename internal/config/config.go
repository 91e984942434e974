package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MQTT     MQTTConfig     `json:"mqtt"`
	Postgres PostgresConfig `json:"postgres"`
	InfluxDB InfluxConfig   `json:"influxdb"`
	Logger   LoggerConfig   `json:"logger"`
	Service  ServiceConfig  `json:"service"`
}

type MQTTConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	UseTLS       bool          `json:"use_tls"`
	CAFile       string        `json:"ca_file"`
	CertFile     string        `json:"cert_file"`
	KeyFile      string        `json:"key_file"`
	TLSInsecure  bool          `json:"tls_insecure"`
	Username     string        `json:"username"`
	Password     string        `json:"password"`
	ClientID     string        `json:"client_id"`
	KeepAlive    time.Duration `json:"keep_alive"`
	CleanSession bool          `json:"clean_session"`
	QoS          int           `json:"qos"`

	ConnectTimeout     time.Duration `json:"connect_timeout"`
	PublishTimeout     time.Duration `json:"publish_timeout"`
	KeepAliveMissLimit int           `json:"keep_alive_miss_limit"`

	DispatchWorkers   int `json:"dispatch_workers"`
	DispatchQueueSize int `json:"dispatch_queue_size"`

	QueuePublishes   bool `json:"queue_publishes"`
	PublishQueueSize int  `json:"publish_queue_size"`

	MaxPayloadSize int `json:"max_payload_size"`
}

type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Dsn      string `json:"dsn"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	TimeZone string `json:"timezone"`
}

type InfluxConfig struct {
	URL          string `json:"url"`
	Token        string `json:"token"`
	Organization string `json:"organization"`
	Bucket       string `json:"bucket"`
}

type LoggerConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type ServiceConfig struct {
	Name                  string        `json:"name"`
	Version               string        `json:"version"`
	DeviceTimeoutDuration time.Duration `json:"device_timeout_duration"`
	HandlerTimeout        time.Duration `json:"handler_timeout"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		MQTT: MQTTConfig{
			Host:               getEnv("MQTT_HOST", "localhost"),
			Port:               getEnvAsInt("MQTT_PORT", 1883),
			UseTLS:             getEnvAsBool("MQTT_USE_TLS", false),
			CAFile:             getEnv("MQTT_CA_FILE", ""),
			CertFile:           getEnv("MQTT_CERT_FILE", ""),
			KeyFile:            getEnv("MQTT_KEY_FILE", ""),
			TLSInsecure:        getEnvAsBool("MQTT_TLS_INSECURE", false),
			Username:           getEnv("MQTT_USERNAME", ""),
			Password:           getEnv("MQTT_PASSWORD", ""),
			ClientID:           getEnv("MQTT_CLIENT_ID", "elims-sync"),
			KeepAlive:          getEnvAsDuration("MQTT_KEEP_ALIVE", "60s"),
			CleanSession:       getEnvAsBool("MQTT_CLEAN_SESSION", true),
			QoS:                getEnvAsInt("MQTT_QOS", 1),
			ConnectTimeout:     getEnvAsDuration("MQTT_CONNECT_TIMEOUT", "10s"),
			PublishTimeout:     getEnvAsDuration("MQTT_PUBLISH_TIMEOUT", "10s"),
			KeepAliveMissLimit: getEnvAsInt("MQTT_KEEP_ALIVE_MISS_LIMIT", 3),
			DispatchWorkers:    getEnvAsInt("MQTT_DISPATCH_WORKERS", 4),
			DispatchQueueSize:  getEnvAsInt("MQTT_DISPATCH_QUEUE_SIZE", 64),
			QueuePublishes:     getEnvAsBool("MQTT_QUEUE_PUBLISHES", false),
			PublishQueueSize:   getEnvAsInt("MQTT_PUBLISH_QUEUE_SIZE", 128),
			MaxPayloadSize:     getEnvAsInt("MQTT_MAX_PAYLOAD_SIZE", 1<<20),
		},
		Postgres: PostgresConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnvAsInt("POSTGRES_PORT", 5432),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", ""),
			Database: getEnv("POSTGRES_DATABASE", "elims"),
			SSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),
			TimeZone: getEnv("POSTGRES_TIMEZONE", "UTC"),
		},
		InfluxDB: InfluxConfig{
			URL:          getEnv("INFLUXDB_URL", "http://localhost:8086"),
			Token:        getEnv("INFLUXDB_TOKEN", ""),
			Organization: getEnv("INFLUXDB_ORG", "elims"),
			Bucket:       getEnv("INFLUXDB_BUCKET", "telemetry"),
		},
		Logger: LoggerConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Service: ServiceConfig{
			Name:                  getEnv("SERVICE_NAME", "elims-sync"),
			Version:               getEnv("SERVICE_VERSION", "1.0.0"),
			DeviceTimeoutDuration: getEnvAsDuration("DEVICE_TIMEOUT_DURATION", "5m"),
			HandlerTimeout:        getEnvAsDuration("HANDLER_TIMEOUT", "30s"),
		},
	}

	config.Postgres.Dsn = fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		config.Postgres.Host, config.Postgres.Port, config.Postgres.User,
		config.Postgres.Password, config.Postgres.Database, config.Postgres.SSLMode,
		config.Postgres.TimeZone,
	)

	return config, config.validate()
}

func (c *Config) validate() error {
	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if c.Postgres.Host == "" {
		return fmt.Errorf("POSTGRES_HOST has to be set")
	}
	if c.InfluxDB.URL == "" {
		return fmt.Errorf("INFLUXDB_URL has to be set")
	}
	return nil
}

// Validate checks the connection parameters before any connection attempt.
// TLS file paths are only checked for presence; existence on disk is
// verified at connect time, since certificates may be provisioned after
// configuration is loaded.
func (m *MQTTConfig) Validate() error {
	if strings.TrimSpace(m.Host) == "" {
		return fmt.Errorf("MQTT host is required")
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("MQTT port must be between 1 and 65535, got %d", m.Port)
	}
	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("MQTT QoS must be 0, 1, or 2, got %d", m.QoS)
	}
	if m.KeepAlive <= 0 {
		return fmt.Errorf("MQTT keep alive must be positive, got %s", m.KeepAlive)
	}
	if m.ClientID == "" {
		return fmt.Errorf("MQTT client ID is required")
	}
	if m.UseTLS && (m.CertFile == "") != (m.KeyFile == "") {
		return fmt.Errorf("MQTT certificate and key file must be set together")
	}
	if m.KeepAliveMissLimit < 1 {
		return fmt.Errorf("MQTT keep alive miss limit must be at least 1, got %d", m.KeepAliveMissLimit)
	}
	if m.DispatchWorkers < 1 {
		return fmt.Errorf("MQTT dispatch workers must be at least 1, got %d", m.DispatchWorkers)
	}
	if m.DispatchQueueSize < 1 {
		return fmt.Errorf("MQTT dispatch queue size must be at least 1, got %d", m.DispatchQueueSize)
	}
	if m.QueuePublishes && m.PublishQueueSize < 1 {
		return fmt.Errorf("MQTT publish queue size must be at least 1, got %d", m.PublishQueueSize)
	}
	if m.MaxPayloadSize < 1 {
		return fmt.Errorf("MQTT max payload size must be positive, got %d", m.MaxPayloadSize)
	}
	return nil
}

func (m *MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Host, m.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
