// Package topic provisions the pipeline topic.
package topic

import (
	"context"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"kafka-keycount/broker"
	"kafka-keycount/config"
)

// Ensure creates the configured topic unless it already exists. Connecting
// the admin client is retried with backoff; a failed creation request is not.
func Ensure(ctx context.Context, cfg config.Config, driver broker.Driver, log zerolog.Logger) (broker.TopicStatus, error) {
	spec := broker.TopicSpec{
		Name:              cfg.Topic.Name,
		Partitions:        cfg.Topic.Partitions,
		ReplicationFactor: cfg.Topic.ReplicationFactor,
	}

	var admin broker.Admin
	err := retry.Do(
		func() error {
			a, err := driver.Admin(ctx)
			if err != nil {
				return err
			}
			admin = a
			return nil
		},
		retryOptions(ctx, cfg.Retry, log)...,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "connect admin via %s", driver.Name())
	}
	defer func() {
		if cerr := admin.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("admin close failed")
		}
	}()

	status, err := admin.CreateTopicIfAbsent(ctx, spec)
	if err != nil {
		return 0, errors.Wrapf(err, "create topic %s", spec.Name)
	}

	switch status {
	case broker.TopicCreated:
		log.Info().Str("topic", spec.Name).Int("partitions", spec.Partitions).Msg("topic created")
	case broker.TopicAlreadyExists:
		log.Info().Str("topic", spec.Name).Msg("topic already exists")
	}
	return status, nil
}

// retryOptions maps RetryConfig onto exponential backoff with jitter.
func retryOptions(ctx context.Context, rc config.RetryConfig, log zerolog.Logger) []retry.Option {
	attempts := rc.Attempts
	if attempts == 0 {
		attempts = 1
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Uint("max_attempts", attempts).Msg("admin connect failed, retrying")
		}),
	}
	if rc.InitialBackoff > 0 {
		opts = append(opts,
			retry.Delay(rc.InitialBackoff),
			retry.MaxJitter(rc.InitialBackoff),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		)
	} else {
		opts = append(opts, retry.Delay(0), retry.DelayType(retry.FixedDelay))
	}
	if rc.MaxBackoff > 0 {
		opts = append(opts, retry.MaxDelay(rc.MaxBackoff))
	}
	return opts
}
