package broker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"kafka-keycount/config"
)

type kafkaGoDriver struct {
	brokers  []string
	clientID string
	log      zerolog.Logger
}

func NewKafkaGoDriver(cfg config.Config, log zerolog.Logger) Driver {
	return &kafkaGoDriver{
		brokers:  cfg.Brokers(),
		clientID: cfg.Broker.ClientID,
		log:      log,
	}
}

func (d *kafkaGoDriver) Name() string { return config.DriverKafkaGo }

func (d *kafkaGoDriver) errorLogger(clientID string) kafka.LoggerFunc {
	log := d.log.With().Str("client_id", clientID).Logger()
	return func(msg string, args ...interface{}) {
		log.Error().Msgf("kafka-go: "+msg, args...)
	}
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

type kafkaGoAdmin struct {
	client *kafka.Client
}

func (d *kafkaGoDriver) Admin(ctx context.Context) (Admin, error) {
	// kafka.Client dials lazily; dialing the bootstrap list up front surfaces
	// connection failures where they can be retried.
	var errs *multierror.Error
	for _, addr := range d.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		conn.Close()

		return &kafkaGoAdmin{client: &kafka.Client{
			Addr:    kafka.TCP(d.brokers...),
			Timeout: 10 * time.Second,
		}}, nil
	}
	if errs == nil {
		return nil, errors.New("kafka-go: admin connect: no bootstrap brokers")
	}
	return nil, errors.Wrap(errs, "kafka-go: admin connect")
}

func (a *kafkaGoAdmin) CreateTopicIfAbsent(ctx context.Context, spec TopicSpec) (TopicStatus, error) {
	resp, err := a.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             spec.Name,
			NumPartitions:     spec.Partitions,
			ReplicationFactor: spec.ReplicationFactor,
		}},
	})
	if err != nil {
		return 0, errors.Wrapf(err, "kafka-go: create topic %s", spec.Name)
	}

	switch topicErr := resp.Errors[spec.Name]; {
	case topicErr == nil:
		return TopicCreated, nil
	case errors.Is(topicErr, kafka.TopicAlreadyExists):
		return TopicAlreadyExists, nil
	default:
		return 0, errors.Wrapf(topicErr, "kafka-go: create topic %s", spec.Name)
	}
}

func (a *kafkaGoAdmin) Close() error { return nil }

// ---------------------------------------------------------------------------
// Producer
// ---------------------------------------------------------------------------

// kafkaGoProducer runs the writer in async mode. Each message carries its ack
// in WriterData and the Completion callback resolves the batch.
type kafkaGoProducer struct {
	writer    *kafka.Writer
	transport *kafka.Transport
	pending   *inFlight

	mu     sync.RWMutex
	closed bool
}

func (d *kafkaGoDriver) Producer(ctx context.Context) (Producer, error) {
	clientID := d.clientID + "-producer"
	p := &kafkaGoProducer{
		transport: &kafka.Transport{ClientID: clientID},
		pending:   newInFlight(),
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(d.brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    1000,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
		Async:        true,
		Transport:    p.transport,
		ErrorLogger:  d.errorLogger(clientID),
		Completion: func(messages []kafka.Message, err error) {
			for _, m := range messages {
				if ack, ok := m.WriterData.(*Ack); ok {
					ack.Resolve(err)
					p.pending.done()
				}
			}
		},
	}
	return p, nil
}

func (p *kafkaGoProducer) Send(ctx context.Context, msg Message) (*Ack, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	ack := NewAck()
	p.pending.add()
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:      msg.Topic,
		Key:        []byte(msg.Key),
		Value:      msg.Value,
		WriterData: ack,
	})
	if err != nil {
		p.pending.done()
		return nil, errors.Wrap(err, "kafka-go: enqueue message")
	}
	return ack, nil
}

func (p *kafkaGoProducer) Flush(timeout time.Duration) error {
	return p.pending.wait(timeout)
}

func (p *kafkaGoProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.writer.Close()
	// the writer does not own its transport's connection pool
	p.transport.CloseIdleConnections()
	return err
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

type kafkaGoConsumer struct {
	driver   *kafkaGoDriver
	clientID string

	mu     sync.Mutex
	reader *kafka.Reader
	closed bool
}

func (d *kafkaGoDriver) Consumer(ctx context.Context, clientID string) (Consumer, error) {
	return &kafkaGoConsumer{driver: d, clientID: clientID}, nil
}

func (c *kafkaGoConsumer) Subscribe(topic, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.driver.brokers,
		GroupID:        groupID,
		Topic:          topic,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        250 * time.Millisecond,
		Dialer: &kafka.Dialer{
			ClientID:  c.clientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		},
		ErrorLogger: c.driver.errorLogger(c.clientID),
	})
	return nil
}

func (c *kafkaGoConsumer) Poll(ctx context.Context, timeout time.Duration) (*Record, error) {
	c.mu.Lock()
	reader, closed := c.reader, c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if reader == nil {
		return nil, errors.New("kafka-go: poll before subscribe")
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// With a GroupID, ReadMessage commits on the reader's CommitInterval.
	msg, err := reader.ReadMessage(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, errors.Wrap(err, "kafka-go: read message")
	}

	return &Record{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Partition: int32(msg.Partition),
		Offset:    msg.Offset,
	}, nil
}

func (c *kafkaGoConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.reader == nil {
		return nil
	}
	return errors.Wrapf(c.reader.Close(), "kafka-go: close reader %s", c.clientID)
}
