package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"kafka-keycount/broker"
	"kafka-keycount/config"
	"kafka-keycount/logging"
	"kafka-keycount/metrics"
	"kafka-keycount/pipeline"
)

func main() {
	if err := newRootCommand(run).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "keycount:", err)
		os.Exit(1)
	}
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"broker":           "broker.endpoint",
	"driver":           "broker.driver",
	"client-id":        "broker.client_id",
	"topic":            "topic.name",
	"partitions":       "topic.partitions",
	"messages":         "producer.message_count",
	"keys":             "producer.key_count",
	"batch-size":       "producer.batch_size",
	"flush-timeout":    "producer.flush_timeout",
	"group":            "consumer.group_id",
	"workers":          "consumer.workers",
	"poll-timeout":     "consumer.poll_timeout",
	"unique-group":     "consumer.unique_group",
	"interval":         "report.interval",
	"shutdown-timeout": "shutdown.timeout",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"metrics-addr":     "metrics.addr",
}

func newRootCommand(runFn func(context.Context, config.Config) error) *cobra.Command {
	v := viper.New()
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "keycount",
		Short: "Produce a bounded keyed workload to Kafka and count it back per key",
		Long: `keycount provisions a topic, produces a fixed number of messages over a
fixed key pool, and races a pool of consumer-group workers to count them,
printing per-key totals until every message is counted or the shutdown
timeout expires.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, opts)
			if err != nil {
				return err
			}
			return runFn(cmd.Context(), cfg)
		},
	}

	d := config.Defaults()
	f := cmd.Flags()
	f.StringVar(&opts.ConfigFile, "config", "", "YAML config file")
	f.StringVar(&opts.EnvFile, "env-file", ".env", "env file loaded when present")
	f.String("broker", d.Broker.Endpoint, "comma-separated bootstrap brokers")
	f.String("driver", d.Broker.Driver, "client library: sarama, kafka-go or franz")
	f.String("client-id", d.Broker.ClientID, "client id prefix")
	f.String("topic", d.Topic.Name, "topic to produce to and consume from")
	f.Int("partitions", d.Topic.Partitions, "partition count used when creating the topic")
	f.Int64("messages", d.Producer.MessageCount, "number of messages to produce")
	f.Int("keys", d.Producer.KeyCount, "size of the key pool")
	f.Int("batch-size", d.Producer.BatchSize, "maximum unacknowledged sends")
	f.Duration("flush-timeout", d.Producer.FlushTimeout, "producer flush wait")
	f.String("group", d.Consumer.GroupID, "consumer group id")
	f.Int("workers", d.Consumer.Workers, "consumer workers, 0 means one per partition")
	f.Duration("poll-timeout", d.Consumer.PollTimeout, "per-poll wait")
	f.Bool("unique-group", d.Consumer.UniqueGroup, "append the run id to the consumer group")
	f.Duration("interval", d.Report.Interval, "report interval")
	f.Duration("shutdown-timeout", d.Shutdown.Timeout, "how long to wait for workers after producing")
	f.String("log-level", d.Log.Level, "debug, info, warn or error")
	f.String("log-format", d.Log.Format, "console or json")
	f.String("metrics-addr", d.Metrics.Addr, "serve Prometheus metrics on this address")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	runID := uuid.NewString()
	log := logging.New(cfg.Log, os.Stdout).With().Str(logging.FieldRunID, runID).Logger()
	if cfg.Consumer.UniqueGroup {
		cfg.Consumer.GroupID = cfg.Consumer.GroupID + "-" + runID
	}

	driver, err := broker.Open(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	m := metrics.New()
	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(serveCtx, cfg.Metrics.Addr, m, logging.Component(log, "metrics"))
		})
	}

	start := time.Now()
	g.Go(func() error {
		defer stopServing()
		_, err := pipeline.New(cfg, driver, m, log).Run(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("run failed")
		return err
	}
	log.Info().Str("elapsed", fmt.Sprintf("%.2fs", time.Since(start).Seconds())).Msg("total elapsed time")
	return nil
}
