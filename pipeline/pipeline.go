// Package pipeline sequences one keycount run: provision the topic, start
// the reporter and the worker pool, produce, drain under a timeout and stop.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"kafka-keycount/broker"
	"kafka-keycount/config"
	"kafka-keycount/consumer"
	"kafka-keycount/counter"
	"kafka-keycount/logging"
	"kafka-keycount/metrics"
	"kafka-keycount/report"
	"kafka-keycount/source"
	"kafka-keycount/topic"
)

var (
	// ErrProvision marks a run that failed before any message was sent.
	ErrProvision = errors.New("topic provisioning failed")
	// ErrProduce marks a run whose producer could not deliver every message.
	ErrProduce = errors.New("production failed")
)

// State is the lifecycle stage of a run. Within a run it only moves forward.
type State int

const (
	StateInit State = iota
	StateTopicReady
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateTopicReady:
		return "topic-ready"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result describes a finished run.
type Result struct {
	State    State
	Topic    broker.TopicStatus
	Produced source.Stats
	Final    counter.Snapshot
	// TimedOut is set when the workers were cancelled after the shutdown
	// timeout instead of finishing on their own.
	TimedOut bool
	// Interrupted is set when the parent context ended the run early.
	Interrupted bool
	Elapsed     time.Duration
}

// Pipeline runs the topic, producer, worker pool and reporter of one run in
// order. A Pipeline may be run again; each Run starts from StateInit.
type Pipeline struct {
	cfg    config.Config
	driver broker.Driver
	m      *metrics.Metrics
	log    zerolog.Logger

	mu    sync.Mutex
	state State
}

// New prepares a run. A nil m gets a private metrics set.
func New(cfg config.Config, driver broker.Driver, m *metrics.Metrics, log zerolog.Logger) *Pipeline {
	if m == nil {
		m = metrics.New()
	}
	return &Pipeline{
		cfg:    cfg,
		driver: driver,
		m:      m,
		log:    logging.Component(log, "pipeline"),
	}
}

// State returns the current stage. It is safe to call while Run is active.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) transition(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()

	p.m.State.Set(float64(to))
	p.log.Info().Str("from", from.String()).Str("to", to.String()).Msg("state change")
}

// Run executes the pipeline once. Cancelling ctx stops production and
// consumption early; the run still drains its workers and reports the final
// counts. Only provisioning and production failures are returned as errors.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	cfg := p.cfg
	res := Result{}
	finish := func(err error) (Result, error) {
		res.State = p.State()
		res.Elapsed = time.Since(start)
		return res, err
	}

	p.mu.Lock()
	p.state = StateInit
	p.mu.Unlock()
	p.m.State.Set(float64(StateInit))

	p.log.Info().
		Str("driver", p.driver.Name()).
		Str("broker", cfg.Broker.Endpoint).
		Str("topic", cfg.Topic.Name).
		Int("partitions", cfg.Topic.Partitions).
		Int64("messages", cfg.Producer.MessageCount).
		Msg("starting run")

	// ====== Init -> TopicReady ======
	status, err := topic.Ensure(ctx, cfg, p.driver, logging.Component(p.log, "topic"))
	if err != nil {
		p.log.Error().Err(err).Msg("provisioning failed")
		return finish(fmt.Errorf("%w: %w", ErrProvision, err))
	}
	res.Topic = status
	p.transition(StateTopicReady)

	// ====== TopicReady -> Running ======
	keyPool := cfg.KeyPool()
	store := counter.New(keyPool, cfg.Producer.MessageCount)

	consumeCtx, cancelConsume := context.WithCancel(ctx)
	defer cancelConsume()
	// the reporter outlives an interrupted parent so the final snapshot is still printed
	displayCtx, cancelDisplay := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDisplay()

	reported := make(chan counter.Snapshot, 1)
	go func() {
		reported <- report.Run(displayCtx, store, cfg.Report.Interval, logging.Component(p.log, "report"))
	}()

	pool := consumer.Launch(consumeCtx, cfg, store, p.driver, p.m, logging.Component(p.log, "consumer"))
	p.transition(StateRunning)

	stats, prodErr := p.produce(ctx, keyPool)
	res.Produced = stats
	// only a cancellation counts as an interrupt; a delivery failure racing
	// the signal is still reported
	if prodErr != nil && ctx.Err() != nil && errors.Is(prodErr, context.Canceled) {
		res.Interrupted = true
		p.log.Warn().Err(prodErr).Msg("run interrupted during production")
		prodErr = nil
	}
	if prodErr != nil {
		p.log.Error().Err(prodErr).Int64("acked", stats.Acked).Msg("producer failed, stopping workers")
		cancelConsume()
	}

	// ====== Running -> Draining ======
	p.transition(StateDraining)
	if prodErr == nil {
		res.TimedOut, res.Interrupted = p.drain(ctx, pool, cancelConsume, res.Interrupted)
	}
	pool.Wait()
	cancelConsume()

	// ====== Draining -> Stopped ======
	cancelDisplay()
	res.Final = <-reported
	p.transition(StateStopped)

	p.log.Info().
		Int64("produced", stats.Acked).
		Int64("consumed", res.Final.Total).
		Bool("timed_out", res.TimedOut).
		Bool("interrupted", res.Interrupted).
		Str("elapsed", fmt.Sprintf("%.2fs", time.Since(start).Seconds())).
		Msg("run complete")
	p.log.Info().Msg(report.Format(res.Final))

	if prodErr != nil {
		return finish(fmt.Errorf("%w: %w", ErrProduce, prodErr))
	}
	return finish(nil)
}

func (p *Pipeline) produce(ctx context.Context, keyPool []string) (source.Stats, error) {
	log := logging.Component(p.log, "producer")

	producer, err := p.driver.Producer(ctx)
	if err != nil {
		return source.Stats{}, errors.Wrap(err, "open producer")
	}
	defer func() {
		if cerr := producer.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("producer close failed")
		}
	}()

	return source.Produce(ctx, p.cfg, keyPool, producer, p.m, log)
}

// drain waits for the pool to finish on its own for at most the shutdown
// timeout, then cancels it. It reports whether the timeout fired and whether
// the parent context ended the wait.
func (p *Pipeline) drain(ctx context.Context, pool *consumer.Pool, cancel context.CancelFunc, interrupted bool) (timedOut, wasInterrupted bool) {
	if interrupted {
		cancel()
		return false, true
	}

	timer := time.NewTimer(p.cfg.Shutdown.Timeout)
	defer timer.Stop()

	select {
	case <-pool.Done():
		return false, false
	case <-timer.C:
		p.log.Warn().
			Dur("timeout", p.cfg.Shutdown.Timeout).
			Msg("workers did not finish before the shutdown timeout, cancelling")
		cancel()
		return true, false
	case <-ctx.Done():
		p.log.Warn().Msg("run interrupted while draining")
		cancel()
		return false, true
	}
}
