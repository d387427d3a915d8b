package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"kafka-keycount/broker"
	"kafka-keycount/config"
	"kafka-keycount/counter"
	"kafka-keycount/logging"
	"kafka-keycount/metrics"
)

// Pool is a set of running workers sharing one consumer group.
type Pool struct {
	handles []*Handle
	done    chan struct{}
}

// Launch starts cfg.WorkerCount() workers. Each opens its own consumer in
// cfg.Consumer.GroupID and counts records into store until the store's limit
// is reached or ctx is cancelled. Worker failures never escape the worker;
// they are logged and exposed through Handle.Err.
func Launch(ctx context.Context, cfg config.Config, store *counter.Store, driver broker.Driver, m *metrics.Metrics, log zerolog.Logger) *Pool {
	n := cfg.WorkerCount()
	p := &Pool{
		handles: make([]*Handle, n),
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for id := 0; id < n; id++ {
		h := &Handle{
			ID:       id,
			ClientID: fmt.Sprintf("%s-consumer-%d", cfg.Broker.ClientID, id),
			done:     make(chan struct{}),
		}
		p.handles[id] = h

		w := &worker{
			h:      h,
			cfg:    cfg,
			store:  store,
			driver: driver,
			m:      m,
			log:    logging.Worker(log, id).With().Str("client_id", h.ClientID).Logger(),
		}
		go func() {
			defer wg.Done()
			defer close(h.done)
			if err := w.run(ctx); err != nil {
				h.err = err
				w.log.Error().Err(err).Msg("worker stopped")
			}
		}()
	}

	go func() {
		wg.Wait()
		close(p.done)
	}()

	log.Info().Int("workers", n).Str("group", cfg.Consumer.GroupID).Msg("worker pool launched")
	return p
}

// Handles returns one handle per worker, indexed by worker id.
func (p *Pool) Handles() []*Handle { return p.handles }

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { <-p.done }

// Consumed is the number of records counted across all workers.
func (p *Pool) Consumed() int64 {
	var n int64
	for _, h := range p.handles {
		n += h.Consumed()
	}
	return n
}
