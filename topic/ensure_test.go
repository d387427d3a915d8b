package topic

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kafka-keycount/broker"
	"kafka-keycount/broker/brokertest"
	"kafka-keycount/config"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Topic.Name = "provisioned"
	cfg.Topic.Partitions = 4
	cfg.Retry.Attempts = 3
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestEnsure_Idempotent(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()

	status, err := Ensure(context.Background(), cfg, b, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, broker.TopicCreated, status)

	cfg.Topic.Partitions = 9
	status, err = Ensure(context.Background(), cfg, b, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, broker.TopicAlreadyExists, status)
	assert.Equal(t, 4, b.Partitions("provisioned"), "partition count must not change")
}

func TestEnsure_CreateFailureIsFatal(t *testing.T) {
	b := brokertest.New(brokertest.WithAdminError(errors.New("not authorized")))

	_, err := Ensure(context.Background(), testConfig(), b, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

// flakyDriver fails the first n admin connections.
type flakyDriver struct {
	*brokertest.Broker
	failures int
	calls    int
}

func (d *flakyDriver) Admin(ctx context.Context) (broker.Admin, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("connection refused")
	}
	return d.Broker.Admin(ctx)
}

func TestEnsure_RetriesAdminConnect(t *testing.T) {
	d := &flakyDriver{Broker: brokertest.New(), failures: 2}

	status, err := Ensure(context.Background(), testConfig(), d, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, broker.TopicCreated, status)
	assert.Equal(t, 3, d.calls)
}

func TestEnsure_GivesUpAfterAttempts(t *testing.T) {
	d := &flakyDriver{Broker: brokertest.New(), failures: 10}

	_, err := Ensure(context.Background(), testConfig(), d, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, d.calls)
}
