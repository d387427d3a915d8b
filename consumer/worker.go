// Package consumer runs the pool of consumer-group workers that count
// records into a counter.Store.
package consumer

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"kafka-keycount/broker"
	"kafka-keycount/config"
	"kafka-keycount/counter"
	"kafka-keycount/metrics"
)

// progressEvery is how many counted records a worker logs progress at.
const progressEvery = 100_000

// Handle observes one worker. It is safe to read from any goroutine.
type Handle struct {
	ID       int
	ClientID string

	done     chan struct{}
	err      error
	consumed atomic.Int64
}

// Done is closed when the worker has exited and closed its consumer.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the reason the worker stopped early, or nil. Only valid after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Consumed is the number of records this worker counted.
func (h *Handle) Consumed() int64 { return h.consumed.Load() }

type worker struct {
	h      *Handle
	cfg    config.Config
	store  *counter.Store
	driver broker.Driver
	m      *metrics.Metrics
	log    zerolog.Logger
}

func (w *worker) run(ctx context.Context) error {
	consumer, err := w.driver.Consumer(ctx, w.h.ClientID)
	if err != nil {
		return errors.Wrapf(err, "open consumer %s", w.h.ClientID)
	}
	defer func() {
		if cerr := consumer.Close(); cerr != nil {
			w.log.Warn().Err(cerr).Msg("consumer close failed")
		}
	}()

	if err := consumer.Subscribe(w.cfg.Topic.Name, w.cfg.Consumer.GroupID); err != nil {
		return errors.Wrapf(err, "subscribe %s", w.cfg.Topic.Name)
	}

	w.m.WorkersRunning.Inc()
	defer w.m.WorkersRunning.Dec()

	label := strconv.Itoa(w.h.ID)
	consumed := w.m.Consumed.WithLabelValues(label)
	pollErrors := w.m.PollErrors.WithLabelValues(label)
	limit := w.store.Limit()

	w.log.Info().Str("topic", w.cfg.Topic.Name).Str("group", w.cfg.Consumer.GroupID).Msg("consuming")

	for {
		if ctx.Err() != nil {
			w.log.Info().Int64("consumed", w.h.Consumed()).Msg("worker cancelled")
			return nil
		}
		if w.store.Total() >= limit {
			w.log.Info().Int64("consumed", w.h.Consumed()).Msg("worker done")
			return nil
		}

		rec, err := consumer.Poll(ctx, w.cfg.Consumer.PollTimeout)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) {
				return errors.Wrap(err, "poll")
			}
			if ctx.Err() != nil {
				continue
			}
			pollErrors.Inc()
			w.log.Error().Err(err).Msg("poll failed")
			pause(ctx, w.cfg.Consumer.PollTimeout)
			continue
		}
		if rec == nil {
			continue
		}

		total, accepted := w.store.Increment(rec.Key)
		if !accepted {
			w.log.Debug().Str("key", rec.Key).Int32("partition", rec.Partition).Int64("offset", rec.Offset).Msg("record not counted")
			continue
		}
		consumed.Inc()
		if n := w.h.consumed.Add(1); n%progressEvery == 0 {
			w.log.Debug().Int64("consumed", n).Int64("total", total).Msg("progress")
		}
	}
}

// pause waits d or until ctx is done.
func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
