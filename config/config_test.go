package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, DriverSarama, cfg.Broker.Driver)
	assert.Equal(t, "localhost:9092", cfg.Broker.Endpoint)
	assert.Equal(t, 3, cfg.Topic.Partitions)
	assert.Equal(t, 1, cfg.Topic.ReplicationFactor)
	assert.Equal(t, int64(1_000_000), cfg.Producer.MessageCount)
	assert.Equal(t, 10, cfg.Producer.KeyCount)
	assert.Equal(t, 1_000, cfg.Producer.BatchSize)
	assert.Equal(t, time.Second, cfg.Report.Interval)
	assert.Equal(t, 30*time.Second, cfg.Shutdown.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Consumer.PollTimeout)
	require.NoError(t, cfg.Validate())
}

func TestWorkerCount_FollowsPartitions(t *testing.T) {
	cfg := Defaults()
	cfg.Topic.Partitions = 7
	assert.Equal(t, 7, cfg.WorkerCount())

	cfg.Consumer.Workers = 2
	assert.Equal(t, 2, cfg.WorkerCount())
}

func TestBrokers_SplitsEndpoint(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.Endpoint = " a:9092, b:9092 ,,c:9092"
	assert.Equal(t, []string{"a:9092", "b:9092", "c:9092"}, cfg.Brokers())
}

// ---------------------------------------------------------------------------
// Key pool
// ---------------------------------------------------------------------------

func TestKeyPool(t *testing.T) {
	cfg := Defaults()
	keys := cfg.KeyPool()

	require.Len(t, keys, 10)
	assert.Equal(t, "key-00", keys[0])
	assert.Equal(t, "key-09", keys[9])
}

func TestKeyPool_WidensForLargePools(t *testing.T) {
	cfg := Defaults()
	cfg.Producer.KeyCount = 150
	keys := cfg.KeyPool()

	assert.Equal(t, "key-000", keys[0])
	assert.Equal(t, "key-149", keys[149])
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i], "pool must sort in index order")
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Broker.Driver = "amqp" }},
		{"empty endpoint", func(c *Config) { c.Broker.Endpoint = " , " }},
		{"empty topic", func(c *Config) { c.Topic.Name = "" }},
		{"zero partitions", func(c *Config) { c.Topic.Partitions = 0 }},
		{"negative messages", func(c *Config) { c.Producer.MessageCount = -1 }},
		{"zero keys", func(c *Config) { c.Producer.KeyCount = 0 }},
		{"zero batch", func(c *Config) { c.Producer.BatchSize = 0 }},
		{"zero interval", func(c *Config) { c.Report.Interval = 0 }},
		{"zero shutdown", func(c *Config) { c.Shutdown.Timeout = 0 }},
		{"zero poll", func(c *Config) { c.Consumer.PollTimeout = 0 }},
		{"negative workers", func(c *Config) { c.Consumer.Workers = -1 }},
		{"empty group", func(c *Config) { c.Consumer.GroupID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load(viper.New(), Options{})
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_ConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "keycount.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
broker:
  driver: franz
  endpoint: kafka-1:9092,kafka-2:9092
topic:
  name: counted
  partitions: 6
producer:
  message_count: 5000
report:
  interval: 250ms
`), 0o644))

	t.Setenv("KEYCOUNT_PRODUCER_BATCH_SIZE", "50")

	cfg, err := Load(viper.New(), Options{ConfigFile: file})
	require.NoError(t, err)

	assert.Equal(t, DriverFranz, cfg.Broker.Driver)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers())
	assert.Equal(t, "counted", cfg.Topic.Name)
	assert.Equal(t, 6, cfg.Topic.Partitions)
	assert.Equal(t, 6, cfg.WorkerCount())
	assert.Equal(t, int64(5000), cfg.Producer.MessageCount)
	assert.Equal(t, 50, cfg.Producer.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Report.Interval)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("KEYCOUNT_TOPIC_NAME=from-dotenv\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("KEYCOUNT_TOPIC_NAME") })

	cfg, err := Load(viper.New(), Options{EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Topic.Name)
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	_, err := Load(viper.New(), Options{EnvFile: filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("KEYCOUNT_TOPIC_PARTITIONS", "0")

	_, err := Load(viper.New(), Options{})
	require.ErrorIs(t, err, ErrInvalid)
}
