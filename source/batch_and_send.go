// Package source generates the synthetic workload and drives it through a
// broker producer in acknowledged batch windows.
package source

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"kafka-keycount/broker"
	"kafka-keycount/config"
	"kafka-keycount/metrics"
)

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// ProducerStats counts producer outcomes. Safe for concurrent use.
type ProducerStats struct {
	sent   atomic.Int64
	acked  atomic.Int64
	failed atomic.Int64
}

// Stats is a point-in-time copy of ProducerStats.
type Stats struct {
	Sent    int64
	Acked   int64
	Failed  int64
	Elapsed time.Duration
}

// Rate is acknowledged messages per second.
func (s Stats) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Acked) / s.Elapsed.Seconds()
}

func (s *ProducerStats) recordSent()   { s.sent.Add(1) }
func (s *ProducerStats) recordAcked()  { s.acked.Add(1) }
func (s *ProducerStats) recordFailed() { s.failed.Add(1) }

func (s *ProducerStats) snapshot() Stats {
	return Stats{
		Sent:   s.sent.Load(),
		Acked:  s.acked.Load(),
		Failed: s.failed.Load(),
	}
}

// ---------------------------------------------------------------------------
// Producer
// ---------------------------------------------------------------------------

// Produce sends cfg.Producer.MessageCount messages keyed round-robin over
// keyPool. At most cfg.Producer.BatchSize sends are unacknowledged at any
// time: a full window is awaited before more sends are admitted. The trailing
// window is awaited and the producer flushed before Produce returns. Any
// rejected send fails the run.
func Produce(ctx context.Context, cfg config.Config, keyPool []string, producer broker.Producer, m *metrics.Metrics, log zerolog.Logger) (Stats, error) {
	start := time.Now()
	stats := &ProducerStats{}
	result := func(err error) (Stats, error) {
		s := stats.snapshot()
		s.Elapsed = time.Since(start)
		return s, err
	}

	log.Info().
		Int64("messages", cfg.Producer.MessageCount).
		Int("keys", len(keyPool)).
		Int("batch_size", cfg.Producer.BatchSize).
		Msg("producing")

	window := make([]*broker.Ack, 0, cfg.Producer.BatchSize)
	for i := int64(0); i < cfg.Producer.MessageCount; i++ {
		msg, err := NewMessage(cfg.Topic.Name, keyPool, i)
		if err != nil {
			return result(err)
		}

		ack, err := producer.Send(ctx, msg)
		if err != nil {
			stats.recordFailed()
			m.SendErrors.Inc()
			// sends already in the window are still owed an answer
			werr := awaitWindow(ctx, window, stats, m)
			return result(multierror.Append(errors.Wrapf(err, "send message %d", i), werr).ErrorOrNil())
		}
		stats.recordSent()
		m.Produced.Inc()
		m.InFlight.Inc()

		window = append(window, ack)
		if len(window) == cap(window) {
			if err := awaitWindow(ctx, window, stats, m); err != nil {
				return result(errors.Wrapf(err, "window ending at message %d", i))
			}
			window = window[:0]
			log.Debug().Int64("acked", stats.acked.Load()).Msg("window acknowledged")
		}
	}

	if len(window) > 0 {
		if err := awaitWindow(ctx, window, stats, m); err != nil {
			return result(errors.Wrap(err, "trailing window"))
		}
	}

	if err := producer.Flush(cfg.Producer.FlushTimeout); err != nil {
		return result(errors.Wrap(err, "flush producer"))
	}

	s, _ := result(nil)
	log.Info().
		Int64("sent", s.Sent).
		Int64("acked", s.Acked).
		Dur("elapsed", s.Elapsed).
		Str("rate", fmt.Sprintf("%.0f msgs/sec", s.Rate())).
		Msg("producer done")
	return s, nil
}

// awaitWindow waits for every ack in window. Failed sends are collected so
// the caller sees all of them; cancellation abandons the rest of the window.
func awaitWindow(ctx context.Context, window []*broker.Ack, stats *ProducerStats, m *metrics.Metrics) error {
	var errs *multierror.Error
	for i, ack := range window {
		select {
		case <-ack.Done():
		case <-ctx.Done():
			m.InFlight.Sub(float64(len(window) - i))
			errs = multierror.Append(errs, ctx.Err())
			errs.ErrorFormat = windowErrorFormat
			return errs.ErrorOrNil()
		}

		m.InFlight.Dec()
		if err := ack.Err(); err != nil {
			stats.recordFailed()
			m.SendErrors.Inc()
			errs = multierror.Append(errs, err)
			continue
		}
		stats.recordAcked()
		m.Acked.Inc()
	}
	if errs != nil {
		errs.ErrorFormat = windowErrorFormat
	}
	return errs.ErrorOrNil()
}

func windowErrorFormat(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	return fmt.Sprintf("%d sends failed, first: %v", len(errs), errs[0])
}
