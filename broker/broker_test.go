package broker

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kafka-keycount/config"
)

// ---------------------------------------------------------------------------
// Ack
// ---------------------------------------------------------------------------

func TestAck_ResolveOnce(t *testing.T) {
	ack := NewAck()
	assert.NoError(t, ack.Err(), "unresolved ack reports no error")

	first := errors.New("first")
	ack.Resolve(first)
	ack.Resolve(errors.New("second"))

	require.ErrorIs(t, ack.Wait(context.Background()), first)
	assert.ErrorIs(t, ack.Err(), first)

	select {
	case <-ack.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestAck_WaitHonoursContext(t *testing.T) {
	ack := NewAck()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := ack.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ---------------------------------------------------------------------------
// In-flight tracking
// ---------------------------------------------------------------------------

func TestInFlight_WaitReturnsWhenDrained(t *testing.T) {
	f := newInFlight()
	require.NoError(t, f.wait(time.Millisecond), "empty tracker is drained")

	f.add()
	f.add()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.done()
		f.done()
	}()
	require.NoError(t, f.wait(time.Second))
}

func TestInFlight_WaitTimesOut(t *testing.T) {
	f := newInFlight()
	f.add()

	err := f.wait(20 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 messages in flight")
}

// ---------------------------------------------------------------------------
// Driver selection
// ---------------------------------------------------------------------------

func TestOpen_SelectsDriver(t *testing.T) {
	for _, name := range []string{config.DriverSarama, config.DriverKafkaGo, config.DriverFranz} {
		t.Run(name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Broker.Driver = name

			d, err := Open(cfg, zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, name, d.Name())
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	cfg := config.Defaults()
	cfg.Broker.Driver = "carrier-pigeon"

	_, err := Open(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestTopicStatus_String(t *testing.T) {
	assert.Equal(t, "created", TopicCreated.String())
	assert.Equal(t, "already-exists", TopicAlreadyExists.String())
	assert.Equal(t, "unknown", TopicStatus(0).String())
}

// ---------------------------------------------------------------------------
// Unconnected clients
// ---------------------------------------------------------------------------

func TestConsumers_CloseBeforeSubscribe(t *testing.T) {
	cfg := config.Defaults()
	for _, name := range []string{config.DriverSarama, config.DriverKafkaGo, config.DriverFranz} {
		t.Run(name, func(t *testing.T) {
			cfg.Broker.Driver = name
			d, err := Open(cfg, zerolog.Nop())
			require.NoError(t, err)

			c, err := d.Consumer(context.Background(), "test-consumer")
			require.NoError(t, err)

			require.NoError(t, c.Close())
			require.NoError(t, c.Close(), "close is idempotent")

			_, err = c.Poll(context.Background(), time.Millisecond)
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, c.Subscribe("t", "g"), ErrClosed)
		})
	}
}
