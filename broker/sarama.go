package broker

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"kafka-keycount/config"
)

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

type saramaDriver struct {
	brokers  []string
	clientID string
	log      zerolog.Logger
}

func NewSaramaDriver(cfg config.Config, log zerolog.Logger) Driver {
	return &saramaDriver{
		brokers:  cfg.Brokers(),
		clientID: cfg.Broker.ClientID,
		log:      log,
	}
}

func (d *saramaDriver) Name() string { return config.DriverSarama }

func (d *saramaDriver) config(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_6_0_0
	cfg.ClientID = clientID
	return cfg
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

type saramaAdmin struct {
	admin sarama.ClusterAdmin
}

func (d *saramaDriver) Admin(ctx context.Context) (Admin, error) {
	admin, err := sarama.NewClusterAdmin(d.brokers, d.config(d.clientID+"-admin"))
	if err != nil {
		return nil, errors.Wrap(err, "sarama: admin connect")
	}
	return &saramaAdmin{admin: admin}, nil
}

func (a *saramaAdmin) CreateTopicIfAbsent(ctx context.Context, spec TopicSpec) (TopicStatus, error) {
	err := a.admin.CreateTopic(spec.Name, &sarama.TopicDetail{
		NumPartitions:     int32(spec.Partitions),
		ReplicationFactor: int16(spec.ReplicationFactor),
	}, false)
	if err == nil {
		return TopicCreated, nil
	}

	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		return TopicAlreadyExists, nil
	}
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return TopicAlreadyExists, nil
	}
	return 0, errors.Wrapf(err, "sarama: create topic %s", spec.Name)
}

func (a *saramaAdmin) Close() error { return a.admin.Close() }

// ---------------------------------------------------------------------------
// Producer
// ---------------------------------------------------------------------------

// saramaProducer resolves acks from the async producer's success and error
// channels; the ack travels in ProducerMessage.Metadata.
type saramaProducer struct {
	producer sarama.AsyncProducer
	pending  *inFlight
	dispatch sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func (d *saramaDriver) Producer(ctx context.Context) (Producer, error) {
	cfg := d.config(d.clientID + "-producer")
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Flush.Frequency = 10 * time.Millisecond

	producer, err := sarama.NewAsyncProducer(d.brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "sarama: create producer")
	}
	return newSaramaProducer(producer), nil
}

// newSaramaProducer starts the dispatchers for ap. ap must be configured to
// return both successes and errors.
func newSaramaProducer(ap sarama.AsyncProducer) *saramaProducer {
	p := &saramaProducer{producer: ap, pending: newInFlight()}
	p.dispatch.Add(2)
	go func() {
		defer p.dispatch.Done()
		for msg := range ap.Successes() {
			p.resolve(msg, nil)
		}
	}()
	go func() {
		defer p.dispatch.Done()
		for perr := range ap.Errors() {
			p.resolve(perr.Msg, perr.Err)
		}
	}()
	return p
}

func (p *saramaProducer) resolve(msg *sarama.ProducerMessage, err error) {
	if ack, ok := msg.Metadata.(*Ack); ok {
		ack.Resolve(err)
		p.pending.done()
	}
}

func (p *saramaProducer) Send(ctx context.Context, msg Message) (*Ack, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	ack := NewAck()
	pm := &sarama.ProducerMessage{
		Topic:    msg.Topic,
		Key:      sarama.StringEncoder(msg.Key),
		Value:    sarama.ByteEncoder(msg.Value),
		Metadata: ack,
	}

	p.pending.add()
	select {
	case p.producer.Input() <- pm:
		return ack, nil
	case <-ctx.Done():
		p.pending.done()
		return nil, ctx.Err()
	}
}

func (p *saramaProducer) Flush(timeout time.Duration) error {
	return p.pending.wait(timeout)
}

func (p *saramaProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// AsyncClose drains both channels; the dispatchers exit once they close.
	p.producer.AsyncClose()
	p.dispatch.Wait()
	return nil
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

// saramaConsumer adapts the callback-driven ConsumerGroup to Poll. Claimed
// messages are handed over on an unbuffered channel and marked only after a
// Poll took them, so auto-commit never runs ahead of the worker.
type saramaConsumer struct {
	driver   *saramaDriver
	clientID string
	log      zerolog.Logger

	group   sarama.ConsumerGroup
	records chan *sarama.ConsumerMessage
	errs    chan error
	cancel  context.CancelFunc
	loop    sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

func (d *saramaDriver) Consumer(ctx context.Context, clientID string) (Consumer, error) {
	return &saramaConsumer{
		driver:   d,
		clientID: clientID,
		log:      d.log.With().Str("client_id", clientID).Logger(),
		records:  make(chan *sarama.ConsumerMessage),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}, nil
}

func (c *saramaConsumer) Subscribe(topic, groupID string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	cfg := c.driver.config(c.clientID)
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Offsets.AutoCommit.Interval = time.Second
	cfg.Consumer.Fetch.Default = 1024 * 1024

	group, err := sarama.NewConsumerGroup(c.driver.brokers, groupID, cfg)
	if err != nil {
		return errors.Wrapf(err, "sarama: join group %s", groupID)
	}
	c.group = group

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.loop.Add(2)
	go func() {
		defer c.loop.Done()
		for {
			// Consume returns on every rebalance; rejoin until closed.
			if err := group.Consume(ctx, []string{topic}, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.pushErr(err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.loop.Done()
		for err := range group.Errors() {
			c.pushErr(err)
		}
	}()
	return nil
}

func (c *saramaConsumer) pushErr(err error) {
	select {
	case c.errs <- err:
	default:
		c.log.Debug().Err(err).Msg("dropping consumer error, buffer full")
	}
}

func (c *saramaConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *saramaConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *saramaConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case c.records <- msg:
				sess.MarkMessage(msg, "")
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

func (c *saramaConsumer) Poll(ctx context.Context, timeout time.Duration) (*Record, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	if c.group == nil {
		return nil, errors.New("sarama: poll before subscribe")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-c.records:
		return &Record{
			Topic:     msg.Topic,
			Key:       string(msg.Key),
			Value:     msg.Value,
			Partition: msg.Partition,
			Offset:    msg.Offset,
		}, nil
	case err := <-c.errs:
		return nil, err
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *saramaConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.group == nil {
			return
		}
		c.cancel()
		err = c.group.Close()
		c.loop.Wait()
	})
	return err
}
