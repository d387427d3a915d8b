// Package broker abstracts the Kafka operations the pipeline needs: topic
// administration, acknowledged sends and group polling. Three client
// libraries back it: sarama, kafka-go and franz-go.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"kafka-keycount/config"
)

// ErrClosed is returned when a producer or consumer is used after Close.
var ErrClosed = errors.New("broker: client closed")

// TopicStatus is the outcome of a successful topic creation request.
type TopicStatus int

const (
	TopicCreated TopicStatus = iota + 1
	TopicAlreadyExists
)

// String returns the status as it appears in logs.
func (s TopicStatus) String() string {
	switch s {
	case TopicCreated:
		return "created"
	case TopicAlreadyExists:
		return "already-exists"
	default:
		return "unknown"
	}
}

// TopicSpec describes the topic to provision.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// Message is one keyed record to produce.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Record is a consumed message with its position in the topic.
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
}

// Admin creates topics. An existing topic is reported as TopicAlreadyExists,
// never as an error.
type Admin interface {
	CreateTopicIfAbsent(ctx context.Context, spec TopicSpec) (TopicStatus, error)
	Close() error
}

// Producer submits messages asynchronously. Every accepted message yields an
// Ack that resolves once the broker acknowledged or rejected it.
type Producer interface {
	Send(ctx context.Context, msg Message) (*Ack, error)
	Flush(timeout time.Duration) error
	Close() error
}

// Consumer is a single member of a consumer group. Poll returns (nil, nil)
// when nothing arrived within timeout. Close is idempotent.
type Consumer interface {
	Subscribe(topic, groupID string) error
	Poll(ctx context.Context, timeout time.Duration) (*Record, error)
	Close() error
}

// Driver opens clients against one broker cluster.
type Driver interface {
	Name() string
	Admin(ctx context.Context) (Admin, error)
	Producer(ctx context.Context) (Producer, error)
	Consumer(ctx context.Context, clientID string) (Consumer, error)
}

// Open returns the driver selected by cfg.Broker.Driver.
func Open(cfg config.Config, log zerolog.Logger) (Driver, error) {
	switch cfg.Broker.Driver {
	case config.DriverSarama:
		return NewSaramaDriver(cfg, log), nil
	case config.DriverKafkaGo:
		return NewKafkaGoDriver(cfg, log), nil
	case config.DriverFranz:
		return NewFranzDriver(cfg, log), nil
	default:
		return nil, errors.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

// Ack is the future for one sent message.
type Ack struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

// Resolve completes the ack. Only the first call has any effect.
func (a *Ack) Resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *Ack) Done() <-chan struct{} { return a.done }

// Err returns the send result. It is only meaningful after Done is closed.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the ack resolves or ctx ends.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inFlight tracks unresolved acks so Flush can wait for them on clients that
// have no native flush.
type inFlight struct {
	mu    sync.Mutex
	count int
	zero  chan struct{}
}

func newInFlight() *inFlight {
	z := make(chan struct{})
	close(z)
	return &inFlight{zero: z}
}

func (f *inFlight) add() {
	f.mu.Lock()
	if f.count == 0 {
		f.zero = make(chan struct{})
	}
	f.count++
	f.mu.Unlock()
}

func (f *inFlight) done() {
	f.mu.Lock()
	f.count--
	if f.count == 0 {
		close(f.zero)
	}
	f.mu.Unlock()
}

// wait blocks until nothing is in flight or timeout elapses.
func (f *inFlight) wait(timeout time.Duration) error {
	f.mu.Lock()
	zero := f.zero
	pending := f.count
	f.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-zero:
		return nil
	case <-timer.C:
		return errors.Errorf("flush timed out after %s with %d messages in flight", timeout, pending)
	}
}
