package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ErrInvalid is returned by Validate for any rejected option.
var ErrInvalid = errors.New("invalid configuration")

const (
	DriverSarama  = "sarama"
	DriverKafkaGo = "kafka-go"
	DriverFranz   = "franz"
)

// Config is the immutable run configuration. It is loaded once and passed
// by value to every component.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Topic    TopicConfig    `mapstructure:"topic"`
	Producer ProducerConfig `mapstructure:"producer"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Report   ReportConfig   `mapstructure:"report"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// BrokerConfig selects the client library and the cluster to talk to.
// Endpoint may list several comma-separated brokers.
type BrokerConfig struct {
	Driver   string `mapstructure:"driver"`
	Endpoint string `mapstructure:"endpoint"`
	ClientID string `mapstructure:"client_id"`
}

// TopicConfig describes the topic created when it does not exist yet.
type TopicConfig struct {
	Name              string `mapstructure:"name"`
	Partitions        int    `mapstructure:"partitions"`
	ReplicationFactor int    `mapstructure:"replication_factor"`
}

// ProducerConfig sizes the workload. BatchSize caps unacknowledged sends.
type ProducerConfig struct {
	MessageCount int64         `mapstructure:"message_count"`
	KeyCount     int           `mapstructure:"key_count"`
	BatchSize    int           `mapstructure:"batch_size"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// ConsumerConfig controls the worker pool. Zero Workers means one per partition.
type ConsumerConfig struct {
	GroupID     string        `mapstructure:"group_id"`
	Workers     int           `mapstructure:"workers"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	UniqueGroup bool          `mapstructure:"unique_group"`
}

// ReportConfig sets how often counts are printed.
type ReportConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ShutdownConfig bounds the wait for workers once production has finished.
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetryConfig bounds the retries around broker client construction.
type RetryConfig struct {
	Attempts       uint          `mapstructure:"attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// LogConfig picks the zerolog level and the console or json output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig enables the metrics endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Defaults returns the configuration of the reference run.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			Driver:   DriverSarama,
			Endpoint: "localhost:9092",
			ClientID: "keycount",
		},
		Topic: TopicConfig{
			Name:              "keycount-demo",
			Partitions:        3,
			ReplicationFactor: 1,
		},
		Producer: ProducerConfig{
			MessageCount: 1_000_000,
			KeyCount:     10,
			BatchSize:    1_000,
			FlushTimeout: 5 * time.Second,
		},
		Consumer: ConsumerConfig{
			GroupID:     "keycount-consumers",
			PollTimeout: 250 * time.Millisecond,
		},
		Report:   ReportConfig{Interval: time.Second},
		Shutdown: ShutdownConfig{Timeout: 30 * time.Second},
		Retry: RetryConfig{
			Attempts:       5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// SetDefaults registers Defaults on v so that env vars and config files can
// override individual keys.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("broker.driver", d.Broker.Driver)
	v.SetDefault("broker.endpoint", d.Broker.Endpoint)
	v.SetDefault("broker.client_id", d.Broker.ClientID)
	v.SetDefault("topic.name", d.Topic.Name)
	v.SetDefault("topic.partitions", d.Topic.Partitions)
	v.SetDefault("topic.replication_factor", d.Topic.ReplicationFactor)
	v.SetDefault("producer.message_count", d.Producer.MessageCount)
	v.SetDefault("producer.key_count", d.Producer.KeyCount)
	v.SetDefault("producer.batch_size", d.Producer.BatchSize)
	v.SetDefault("producer.flush_timeout", d.Producer.FlushTimeout)
	v.SetDefault("consumer.group_id", d.Consumer.GroupID)
	v.SetDefault("consumer.workers", d.Consumer.Workers)
	v.SetDefault("consumer.poll_timeout", d.Consumer.PollTimeout)
	v.SetDefault("consumer.unique_group", d.Consumer.UniqueGroup)
	v.SetDefault("report.interval", d.Report.Interval)
	v.SetDefault("shutdown.timeout", d.Shutdown.Timeout)
	v.SetDefault("retry.attempts", d.Retry.Attempts)
	v.SetDefault("retry.initial_backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", d.Retry.MaxBackoff)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Options controls where Load looks for values besides v's own bindings.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load resolves the configuration from defaults, an optional .env file, an
// optional config file, KEYCOUNT_* environment variables and whatever flags
// were bound to v, then validates it.
func Load(v *viper.Viper, opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if _, err := os.Stat(opts.EnvFile); err == nil {
			if err := godotenv.Load(opts.EnvFile); err != nil {
				return Config{}, errors.Wrapf(err, "load env file %s", opts.EnvFile)
			}
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix("KEYCOUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", opts.ConfigFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	var problems []string
	check := func(bad bool, format string, args ...interface{}) {
		if bad {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	switch c.Broker.Driver {
	case DriverSarama, DriverKafkaGo, DriverFranz:
	default:
		problems = append(problems, fmt.Sprintf("unknown broker driver %q", c.Broker.Driver))
	}
	check(len(c.Brokers()) == 0, "broker endpoint is required")
	check(strings.TrimSpace(c.Topic.Name) == "", "topic name is required")
	check(c.Topic.Partitions < 1, "topic partitions must be >= 1, got %d", c.Topic.Partitions)
	check(c.Topic.ReplicationFactor < 1, "replication factor must be >= 1, got %d", c.Topic.ReplicationFactor)
	check(c.Producer.MessageCount < 0, "message count must be >= 0, got %d", c.Producer.MessageCount)
	check(c.Producer.KeyCount < 1, "key count must be >= 1, got %d", c.Producer.KeyCount)
	check(c.Producer.BatchSize < 1, "batch size must be >= 1, got %d", c.Producer.BatchSize)
	check(c.Producer.FlushTimeout <= 0, "flush timeout must be positive")
	check(c.Consumer.Workers < 0, "workers must be >= 0, got %d", c.Consumer.Workers)
	check(c.Consumer.PollTimeout <= 0, "poll timeout must be positive")
	check(strings.TrimSpace(c.Consumer.GroupID) == "", "consumer group id is required")
	check(c.Report.Interval <= 0, "report interval must be positive")
	check(c.Shutdown.Timeout <= 0, "shutdown timeout must be positive")

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Brokers splits the endpoint into individual broker addresses.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.Broker.Endpoint, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// WorkerCount is the number of consumer workers; it follows the partition
// count unless set explicitly.
func (c Config) WorkerCount() int {
	if c.Consumer.Workers > 0 {
		return c.Consumer.Workers
	}
	return c.Topic.Partitions
}

// KeyPool returns the fixed, ordered key pool: key-00, key-01, ...
func (c Config) KeyPool() []string {
	width := len(fmt.Sprint(c.Producer.KeyCount - 1))
	if width < 2 {
		width = 2
	}
	keys := make([]string, c.Producer.KeyCount)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%0*d", width, i)
	}
	return keys
}
