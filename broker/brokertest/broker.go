// Package brokertest provides an in-memory partitioned broker implementing
// broker.Driver, with fault injection for producer, consumer and admin paths.
package brokertest

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"kafka-keycount/broker"
)

// ErrInjected is the error produced by injected faults.
var ErrInjected = errors.New("brokertest: injected failure")

type Option func(*Broker)

// WithFailSendAt makes every send with index >= n fail permanently.
func WithFailSendAt(n int64) Option {
	return func(b *Broker) { b.failSendAt = n }
}

// WithAckDelay delays every acknowledgement by d.
func WithAckDelay(d time.Duration) Option {
	return func(b *Broker) { b.ackDelay = d }
}

// WithPollDelay slows every consumer down by d per delivered record.
func WithPollDelay(d time.Duration) Option {
	return func(b *Broker) { b.pollDelay = d }
}

// WithPollErrorEvery makes every nth poll of each consumer fail.
func WithPollErrorEvery(n int) Option {
	return func(b *Broker) { b.pollErrEvery = n }
}

// WithAdminError makes topic creation fail with err.
func WithAdminError(err error) Option {
	return func(b *Broker) { b.adminErr = err }
}

type partition struct {
	records []broker.Record
}

// Broker keeps every topic in memory. Consumers in the same group share
// per-partition cursors, so each record is delivered once per group.
type Broker struct {
	failSendAt   int64
	ackDelay     time.Duration
	pollDelay    time.Duration
	pollErrEvery int
	adminErr     error

	mu      sync.Mutex
	topics  map[string][]*partition
	cursors map[string]map[string][]int64 // group -> topic -> offsets
	notify  chan struct{}

	sends     atomic.Int64
	inflight  atomic.Int64
	maxFlight atomic.Int64
	pending   *pendingAcks

	closeMu sync.Mutex
	opened  map[string]int
	closes  map[string]int
}

func New(opts ...Option) *Broker {
	b := &Broker{
		failSendAt: -1,
		topics:     make(map[string][]*partition),
		cursors:    make(map[string]map[string][]int64),
		notify:     make(chan struct{}),
		opened:     make(map[string]int),
		closes:     make(map[string]int),
		pending:    newPendingAcks(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) Name() string { return "memory" }

// Partitions returns the partition count of topic, or 0 if it does not exist.
func (b *Broker) Partitions(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Stored returns the number of records appended to topic.
func (b *Broker) Stored(topic string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, p := range b.topics[topic] {
		n += int64(len(p.records))
	}
	return n
}

// MaxInFlight is the highest number of unacknowledged sends observed.
func (b *Broker) MaxInFlight() int64 { return b.maxFlight.Load() }

// Consumers returns how many consumers were opened and how many of them were
// closed, counting each consumer once.
func (b *Broker) Consumers() (opened, closed int) {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	for _, n := range b.opened {
		opened += n
	}
	for _, n := range b.closes {
		closed += n
	}
	return opened, closed
}

// Closes returns how many times the consumer with clientID was closed.
func (b *Broker) Closes(clientID string) int {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	return b.closes[clientID]
}

func (b *Broker) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

type admin struct{ b *Broker }

func (b *Broker) Admin(ctx context.Context) (broker.Admin, error) { return admin{b}, nil }

func (a admin) CreateTopicIfAbsent(ctx context.Context, spec broker.TopicSpec) (broker.TopicStatus, error) {
	if a.b.adminErr != nil {
		return 0, a.b.adminErr
	}
	if spec.Partitions < 1 {
		return 0, errors.Errorf("brokertest: invalid partition count %d", spec.Partitions)
	}
	if spec.ReplicationFactor != 1 {
		return 0, errors.Errorf("brokertest: replication factor %d exceeds broker count 1", spec.ReplicationFactor)
	}

	a.b.mu.Lock()
	defer a.b.mu.Unlock()
	if _, ok := a.b.topics[spec.Name]; ok {
		return broker.TopicAlreadyExists, nil
	}
	parts := make([]*partition, spec.Partitions)
	for i := range parts {
		parts[i] = &partition{}
	}
	a.b.topics[spec.Name] = parts
	return broker.TopicCreated, nil
}

func (a admin) Close() error { return nil }

// ---------------------------------------------------------------------------
// Producer
// ---------------------------------------------------------------------------

type producer struct {
	b      *Broker
	closed atomic.Bool
}

func (b *Broker) Producer(ctx context.Context) (broker.Producer, error) {
	return &producer{b: b}, nil
}

func (p *producer) Send(ctx context.Context, msg broker.Message) (*broker.Ack, error) {
	if p.closed.Load() {
		return nil, broker.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := p.b
	idx := b.sends.Add(1) - 1
	ack := broker.NewAck()

	n := b.inflight.Add(1)
	for {
		seen := b.maxFlight.Load()
		if n <= seen || b.maxFlight.CompareAndSwap(seen, n) {
			break
		}
	}

	var err error
	if b.failSendAt >= 0 && idx >= b.failSendAt {
		err = errors.Wrapf(ErrInjected, "send %d", idx)
	} else {
		err = b.append(msg)
	}

	b.pending.add()
	resolve := func() {
		b.inflight.Add(-1)
		ack.Resolve(err)
		b.pending.done()
	}
	if b.ackDelay > 0 {
		time.AfterFunc(b.ackDelay, resolve)
	} else {
		go resolve()
	}
	return ack, nil
}

func (b *Broker) append(msg broker.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts, ok := b.topics[msg.Topic]
	if !ok {
		return errors.Errorf("brokertest: unknown topic %s", msg.Topic)
	}
	h := fnv.New32a()
	h.Write([]byte(msg.Key))
	pi := int(h.Sum32() % uint32(len(parts)))
	p := parts[pi]
	p.records = append(p.records, broker.Record{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Partition: int32(pi),
		Offset:    int64(len(p.records)),
	})
	b.wake()
	return nil
}

func (p *producer) Flush(timeout time.Duration) error {
	return p.b.pending.wait(timeout)
}

// pendingAcks counts unresolved acks. zero is closed while the count is zero
// and replaced when it rises again, so a timed-out wait leaves nothing behind.
type pendingAcks struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func newPendingAcks() *pendingAcks {
	zero := make(chan struct{})
	close(zero)
	return &pendingAcks{zero: zero}
}

func (p *pendingAcks) add() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		p.zero = make(chan struct{})
	}
	p.n++
}

func (p *pendingAcks) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n--
	if p.n == 0 {
		close(p.zero)
	}
}

func (p *pendingAcks) wait(timeout time.Duration) error {
	p.mu.Lock()
	zero, n := p.zero, p.n
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-zero:
		return nil
	case <-timer.C:
		return errors.Errorf("brokertest: flush timed out after %s with %d acks pending", timeout, n)
	}
}

func (p *producer) Close() error {
	p.closed.Store(true)
	return nil
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

type consumer struct {
	b        *Broker
	clientID string

	topic string
	group string
	polls int
	next  int

	mu     sync.Mutex
	closed bool
}

func (b *Broker) Consumer(ctx context.Context, clientID string) (broker.Consumer, error) {
	b.closeMu.Lock()
	b.opened[clientID]++
	b.closeMu.Unlock()
	return &consumer{b: b, clientID: clientID}, nil
}

func (c *consumer) Subscribe(topic, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broker.ErrClosed
	}
	c.topic, c.group = topic, groupID
	return nil
}

func (c *consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *consumer) Poll(ctx context.Context, timeout time.Duration) (*broker.Record, error) {
	if c.isClosed() {
		return nil, broker.ErrClosed
	}
	if c.topic == "" {
		return nil, errors.New("brokertest: poll before subscribe")
	}

	c.polls++
	if c.b.pollErrEvery > 0 && c.polls%c.b.pollErrEvery == 0 {
		return nil, errors.Wrapf(ErrInjected, "poll %d", c.polls)
	}

	if c.b.pollDelay > 0 {
		select {
		case <-time.After(c.b.pollDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		rec, wait := c.take()
		if rec != nil {
			return rec, nil
		}
		select {
		case <-wait:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// take claims the next undelivered record for the group, rotating over
// partitions so consumers spread across them.
func (c *consumer) take() (*broker.Record, <-chan struct{}) {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	parts := b.topics[c.topic]
	groupCursors, ok := b.cursors[c.group]
	if !ok {
		groupCursors = make(map[string][]int64)
		b.cursors[c.group] = groupCursors
	}
	cursors := groupCursors[c.topic]
	if len(cursors) < len(parts) {
		grown := make([]int64, len(parts))
		copy(grown, cursors)
		cursors = grown
		groupCursors[c.topic] = cursors
	}

	for i := 0; i < len(parts); i++ {
		pi := (c.next + i) % len(parts)
		if cursors[pi] < int64(len(parts[pi].records)) {
			rec := parts[pi].records[cursors[pi]]
			cursors[pi]++
			c.next = pi + 1
			return &rec, nil
		}
	}
	return nil, b.notify
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.b.closeMu.Lock()
	c.b.closes[c.clientID]++
	c.b.closeMu.Unlock()
	return nil
}

var _ broker.Driver = (*Broker)(nil)
