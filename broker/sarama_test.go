package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kafka-keycount/config"
)

// ---------------------------------------------------------------------------
// Producer
// ---------------------------------------------------------------------------

func mockProducerConfig() *sarama.Config {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

func TestSaramaProducer_ResolvesAcks(t *testing.T) {
	ap := mocks.NewAsyncProducer(t, mockProducerConfig())
	ap.ExpectInputAndSucceed()
	ap.ExpectInputAndFail(sarama.ErrNotEnoughReplicas)

	p := newSaramaProducer(ap)
	ctx := context.Background()

	ok, err := p.Send(ctx, Message{Topic: "t", Key: "key-00", Value: []byte("a")})
	require.NoError(t, err)
	failed, err := p.Send(ctx, Message{Topic: "t", Key: "key-01", Value: []byte("b")})
	require.NoError(t, err)

	assert.NoError(t, ok.Wait(ctx))
	assert.ErrorIs(t, failed.Wait(ctx), sarama.ErrNotEnoughReplicas)
	assert.NoError(t, p.Flush(time.Second), "both acks are resolved")

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")

	_, err = p.Send(ctx, Message{Topic: "t", Key: "key-02"})
	assert.ErrorIs(t, err, ErrClosed)
}

// stalledProducer accepts input but never acknowledges it.
type stalledProducer struct {
	sarama.AsyncProducer
	input     chan *sarama.ProducerMessage
	successes chan *sarama.ProducerMessage
	errs      chan *sarama.ProducerError
	once      sync.Once
}

func newStalledProducer() *stalledProducer {
	return &stalledProducer{
		input:     make(chan *sarama.ProducerMessage, 8),
		successes: make(chan *sarama.ProducerMessage),
		errs:      make(chan *sarama.ProducerError),
	}
}

func (s *stalledProducer) Input() chan<- *sarama.ProducerMessage     { return s.input }
func (s *stalledProducer) Successes() <-chan *sarama.ProducerMessage { return s.successes }
func (s *stalledProducer) Errors() <-chan *sarama.ProducerError      { return s.errs }

func (s *stalledProducer) AsyncClose() {
	s.once.Do(func() {
		close(s.successes)
		close(s.errs)
	})
}

func TestSaramaProducer_FlushTimesOutWithPendingAcks(t *testing.T) {
	p := newSaramaProducer(newStalledProducer())
	defer p.Close()

	ack, err := p.Send(context.Background(), Message{Topic: "t", Key: "key-00"})
	require.NoError(t, err)

	err = p.Flush(20 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 messages in flight")

	select {
	case <-ack.Done():
		t.Fatal("ack must stay pending")
	default:
	}
}

func TestSaramaProducer_SendHonoursContext(t *testing.T) {
	sp := newStalledProducer()
	sp.input = make(chan *sarama.ProducerMessage)
	p := newSaramaProducer(sp)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Send(ctx, Message{Topic: "t", Key: "key-00"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, p.Flush(time.Millisecond), "an unsent message is not in flight")
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func saramaAdminFor(t *testing.T, createTopics sarama.MockResponse) Admin {
	t.Helper()

	seed := sarama.NewMockBroker(t, 1)
	t.Cleanup(seed.Close)
	seed.SetHandlerByMap(map[string]sarama.MockResponse{
		"ApiVersionsRequest": sarama.NewMockApiVersionsResponse(t),
		"MetadataRequest": sarama.NewMockMetadataResponse(t).
			SetController(seed.BrokerID()).
			SetBroker(seed.Addr(), seed.BrokerID()),
		"CreateTopicsRequest": createTopics,
	})

	cfg := config.Defaults()
	cfg.Broker.Endpoint = seed.Addr()
	admin, err := NewSaramaDriver(cfg, zerolog.Nop()).Admin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close() })
	return admin
}

func TestSaramaAdmin_CreatesTopic(t *testing.T) {
	admin := saramaAdminFor(t, sarama.NewMockCreateTopicsResponse(t))

	status, err := admin.CreateTopicIfAbsent(context.Background(), TopicSpec{Name: "counts", Partitions: 3, ReplicationFactor: 1})
	require.NoError(t, err)
	assert.Equal(t, TopicCreated, status)
}

func TestSaramaAdmin_ExistingTopicIsNotAnError(t *testing.T) {
	admin := saramaAdminFor(t, sarama.NewMockWrapper(&sarama.CreateTopicsResponse{
		Version: 3,
		TopicErrors: map[string]*sarama.TopicError{
			"counts": {Err: sarama.ErrTopicAlreadyExists},
		},
	}))

	status, err := admin.CreateTopicIfAbsent(context.Background(), TopicSpec{Name: "counts", Partitions: 3, ReplicationFactor: 1})
	require.NoError(t, err)
	assert.Equal(t, TopicAlreadyExists, status)
}

func TestSaramaAdmin_OtherErrorsAreFatal(t *testing.T) {
	// the mock rejects reserved-prefix topics with an authorization error
	admin := saramaAdminFor(t, sarama.NewMockCreateTopicsResponse(t))

	_, err := admin.CreateTopicIfAbsent(context.Background(), TopicSpec{Name: "_internal", Partitions: 1, ReplicationFactor: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrTopicAuthorizationFailed)
	assert.Contains(t, err.Error(), "sarama: create topic _internal")
}

// ---------------------------------------------------------------------------
// Consumer
// ---------------------------------------------------------------------------

type fakeGroup struct {
	sarama.ConsumerGroup
	closed bool
}

func (g *fakeGroup) Close() error {
	g.closed = true
	return nil
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// subscribedSaramaConsumer returns a consumer wired to a fake group so the
// claim handler can be driven directly.
func subscribedSaramaConsumer(t *testing.T) (*saramaConsumer, *fakeGroup) {
	t.Helper()

	c, err := NewSaramaDriver(config.Defaults(), zerolog.Nop()).Consumer(context.Background(), "test-consumer")
	require.NoError(t, err)
	sc := c.(*saramaConsumer)

	group := &fakeGroup{}
	sc.group = group
	sc.cancel = func() {}
	return sc, group
}

func TestSaramaConsumer_PollReturnsClaimedRecords(t *testing.T) {
	c, group := subscribedSaramaConsumer(t)

	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "counts", Key: []byte("key-03"), Value: []byte("v"), Partition: 2, Offset: 41}
	claim.messages <- &sarama.ConsumerMessage{Topic: "counts", Key: []byte("key-04"), Partition: 2, Offset: 42}
	close(claim.messages)

	handled := make(chan error, 1)
	go func() { handled <- c.ConsumeClaim(sess, claim) }()

	rec, err := c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, Record{Topic: "counts", Key: "key-03", Value: []byte("v"), Partition: 2, Offset: 41}, *rec)

	rec, err = c.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "key-04", rec.Key)

	select {
	case err := <-handled:
		require.NoError(t, err, "handler returns once the claim is drained")
	case <-time.After(time.Second):
		t.Fatal("claim handler did not return")
	}
	assert.Equal(t, []int64{41, 42}, sess.markedOffsets())

	cancel()
	require.NoError(t, c.Close())
	assert.True(t, group.closed)
}

func TestSaramaConsumer_UntakenMessageIsNotMarked(t *testing.T) {
	c, _ := subscribedSaramaConsumer(t)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "counts", Key: []byte("key-00"), Offset: 7}

	handled := make(chan error, 1)
	go func() { handled <- c.ConsumeClaim(sess, claim) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-handled:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("claim handler ignored the session context")
	}
	assert.Empty(t, sess.markedOffsets())
}

func TestSaramaConsumer_PollTimeoutAndErrors(t *testing.T) {
	c, _ := subscribedSaramaConsumer(t)
	defer c.Close()

	rec, err := c.Poll(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, rec, "an empty poll is not an error")

	c.pushErr(sarama.ErrOutOfBrokers)
	_, err = c.Poll(context.Background(), time.Second)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestSaramaConsumer_PollBeforeSubscribe(t *testing.T) {
	c, err := NewSaramaDriver(config.Defaults(), zerolog.Nop()).Consumer(context.Background(), "test-consumer")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Poll(context.Background(), time.Millisecond)
	assert.Error(t, err)
}
