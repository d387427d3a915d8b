package broker

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"kafka-keycount/config"
)

type franzDriver struct {
	brokers  []string
	clientID string
	log      zerolog.Logger
}

func NewFranzDriver(cfg config.Config, log zerolog.Logger) Driver {
	return &franzDriver{
		brokers:  cfg.Brokers(),
		clientID: cfg.Broker.ClientID,
		log:      log,
	}
}

func (d *franzDriver) Name() string { return config.DriverFranz }

func (d *franzDriver) client(clientID string, opts ...kgo.Opt) (*kgo.Client, error) {
	base := []kgo.Opt{
		kgo.SeedBrokers(d.brokers...),
		kgo.ClientID(clientID),
	}
	return kgo.NewClient(append(base, opts...)...)
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

type franzAdmin struct {
	cl  *kgo.Client
	adm *kadm.Client
}

func (d *franzDriver) Admin(ctx context.Context) (Admin, error) {
	cl, err := d.client(d.clientID + "-admin")
	if err != nil {
		return nil, errors.Wrap(err, "franz: admin client")
	}
	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, errors.Wrap(err, "franz: admin connect")
	}
	return &franzAdmin{cl: cl, adm: kadm.NewClient(cl)}, nil
}

func (a *franzAdmin) CreateTopicIfAbsent(ctx context.Context, spec TopicSpec) (TopicStatus, error) {
	resps, err := a.adm.CreateTopics(ctx, int32(spec.Partitions), int16(spec.ReplicationFactor), nil, spec.Name)
	if err != nil {
		return 0, errors.Wrapf(err, "franz: create topic %s", spec.Name)
	}

	for _, t := range resps.Sorted() {
		if t.Topic != spec.Name {
			continue
		}
		switch {
		case t.Err == nil:
			return TopicCreated, nil
		case errors.Is(t.Err, kerr.TopicAlreadyExists):
			return TopicAlreadyExists, nil
		default:
			return 0, errors.Wrapf(t.Err, "franz: create topic %s", spec.Name)
		}
	}
	return 0, errors.Errorf("franz: no create response for topic %s", spec.Name)
}

func (a *franzAdmin) Close() error {
	a.adm.Close()
	return nil
}

// ---------------------------------------------------------------------------
// Producer
// ---------------------------------------------------------------------------

type franzProducer struct {
	cl *kgo.Client

	mu     sync.RWMutex
	closed bool
}

func (d *franzDriver) Producer(ctx context.Context) (Producer, error) {
	cl, err := d.client(d.clientID+"-producer",
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "franz: create producer")
	}
	return &franzProducer{cl: cl}, nil
}

func (p *franzProducer) Send(ctx context.Context, msg Message) (*Ack, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	ack := NewAck()
	p.cl.Produce(ctx, &kgo.Record{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}, func(_ *kgo.Record, err error) {
		ack.Resolve(err)
	})
	return ack, nil
}

func (p *franzProducer) Flush(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return errors.Wrap(p.cl.Flush(ctx), "franz: flush")
}

func (p *franzProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.cl.Close()
	return nil
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

// franzConsumer polls in batches and hands records out one at a time from a
// local buffer.
type franzConsumer struct {
	driver   *franzDriver
	clientID string

	mu     sync.Mutex
	cl     *kgo.Client
	buf    []*kgo.Record
	closed bool
}

func (d *franzDriver) Consumer(ctx context.Context, clientID string) (Consumer, error) {
	return &franzConsumer{driver: d, clientID: clientID}, nil
}

func (c *franzConsumer) Subscribe(topic, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	cl, err := c.driver.client(c.clientID,
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return errors.Wrapf(err, "franz: join group %s", groupID)
	}
	c.cl = cl
	return nil
}

func (c *franzConsumer) Poll(ctx context.Context, timeout time.Duration) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.cl == nil {
		return nil, errors.New("franz: poll before subscribe")
	}

	if len(c.buf) == 0 {
		pollCtx, cancel := context.WithTimeout(ctx, timeout)
		fetches := c.cl.PollRecords(pollCtx, 500)
		cancel()

		if fetches.IsClientClosed() {
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
				continue
			}
			// Records from healthy partitions stay buffered for the next poll.
			c.buf = append(c.buf, fetches.Records()...)
			return nil, errors.Wrapf(fe.Err, "franz: fetch %s[%d]", fe.Topic, fe.Partition)
		}
		c.buf = fetches.Records()
	}

	if len(c.buf) == 0 {
		return nil, nil
	}
	r := c.buf[0]
	c.buf[0] = nil
	c.buf = c.buf[1:]
	return &Record{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Partition: r.Partition,
		Offset:    r.Offset,
	}, nil
}

func (c *franzConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.buf = nil
	if c.cl != nil {
		c.cl.Close()
	}
	return nil
}
