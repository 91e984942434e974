package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Host:               "broker.lab.local",
		Port:               8883,
		ClientID:           "elims-sync",
		KeepAlive:          60 * time.Second,
		QoS:                1,
		ConnectTimeout:     10 * time.Second,
		PublishTimeout:     10 * time.Second,
		KeepAliveMissLimit: 3,
		DispatchWorkers:    4,
		DispatchQueueSize:  64,
		PublishQueueSize:   128,
		MaxPayloadSize:     1 << 20,
	}
}

func TestMQTTConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MQTTConfig)
		wantErr bool
	}{
		{"valid", func(*MQTTConfig) {}, false},
		{"empty host", func(m *MQTTConfig) { m.Host = " " }, true},
		{"port zero", func(m *MQTTConfig) { m.Port = 0 }, true},
		{"port too large", func(m *MQTTConfig) { m.Port = 70000 }, true},
		{"qos three", func(m *MQTTConfig) { m.QoS = 3 }, true},
		{"qos negative", func(m *MQTTConfig) { m.QoS = -1 }, true},
		{"qos byte overflow", func(m *MQTTConfig) { m.QoS = 256 }, true},
		{"zero keep alive", func(m *MQTTConfig) { m.KeepAlive = 0 }, true},
		{"empty client id", func(m *MQTTConfig) { m.ClientID = "" }, true},
		{"cert without key", func(m *MQTTConfig) {
			m.UseTLS = true
			m.CertFile = "client.crt"
		}, true},
		{"key without cert", func(m *MQTTConfig) {
			m.UseTLS = true
			m.KeyFile = "client.key"
		}, true},
		{"cert and key together", func(m *MQTTConfig) {
			m.UseTLS = true
			m.CertFile = "client.crt"
			m.KeyFile = "client.key"
		}, false},
		{"miss limit zero", func(m *MQTTConfig) { m.KeepAliveMissLimit = 0 }, true},
		{"no dispatch workers", func(m *MQTTConfig) { m.DispatchWorkers = 0 }, true},
		{"no dispatch queue", func(m *MQTTConfig) { m.DispatchQueueSize = 0 }, true},
		{"queueing without capacity", func(m *MQTTConfig) {
			m.QueuePublishes = true
			m.PublishQueueSize = 0
		}, true},
		{"zero max payload", func(m *MQTTConfig) { m.MaxPayloadSize = 0 }, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := validMQTTConfig()
			test.mutate(&cfg)

			err := cfg.Validate()
			if test.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	cfg := validMQTTConfig()
	cfg.Port = 1883
	assert.Equal(t, "tcp://broker.lab.local:1883", cfg.BrokerURL())

	cfg.UseTLS = true
	cfg.Port = 8883
	assert.Equal(t, "ssl://broker.lab.local:8883", cfg.BrokerURL())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "localhost")
	t.Setenv("INFLUXDB_URL", "http://localhost:8086")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, 60*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, 3, cfg.MQTT.KeepAliveMissLimit)
	assert.Equal(t, 4, cfg.MQTT.DispatchWorkers)
	assert.False(t, cfg.MQTT.QueuePublishes)
	assert.Contains(t, cfg.Postgres.Dsn, "host=localhost")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.lab.local")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_USE_TLS", "true")
	t.Setenv("MQTT_KEEP_ALIVE", "30s")
	t.Setenv("MQTT_QUEUE_PUBLISHES", "true")
	t.Setenv("POSTGRES_HOST", "db.lab.local")
	t.Setenv("INFLUXDB_URL", "http://influx.lab.local:8086")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ssl://broker.lab.local:8883", cfg.MQTT.BrokerURL())
	assert.Equal(t, 30*time.Second, cfg.MQTT.KeepAlive)
	assert.True(t, cfg.MQTT.QueuePublishes)
}

func TestLoadRejectsOutOfRangeQoS(t *testing.T) {
	// 256 would wrap to 0 if narrowed before validation.
	t.Setenv("MQTT_QOS", "256")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QoS")
}

func TestGetEnvAsDurationFallsBack(t *testing.T) {
	t.Setenv("TEST_DURATION", "not-a-duration")
	assert.Equal(t, 5*time.Minute, getEnvAsDuration("TEST_DURATION", "5m"))
	assert.Equal(t, 10*time.Second, getEnvAsDuration("TEST_DURATION_UNSET", "10s"))
}
