// Package historian drains the lobby event queue from Redis and archives the events in
// batches. It runs as its own process so request latency never depends on the archive.
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/matchmaker/internal/events"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

// Sink persists a batch of events. Implementations must tolerate replays.
type Sink interface {
	InsertLobbyEvents(ctx context.Context, batch []events.Event) error
}

// Config tunes batching.
type Config struct {
	Queue      string
	BatchSize  int
	FlushDelay time.Duration
	// PopTimeout bounds each BLPOP so shutdown is noticed promptly.
	PopTimeout time.Duration
	// MaxPending caps the events held in memory. While a failing sink keeps the batch at
	// the cap, popping pauses and new events wait in Redis.
	MaxPending int
}

// Service pops events from a Redis list and flushes them to a Sink when the batch is full
// or the flush timer fires.
type Service struct {
	rdb    *redis.Client
	sink   Sink
	cfg    Config
	logger *logrus.Logger

	batchMu sync.Mutex
	batch   []events.Event
	// inflight counts events handed to the sink and not yet acknowledged.
	inflight int
}

// New constructs a Service. Zero config fields take defaults.
func New(rdb *redis.Client, sink Sink, cfg Config, logger *logrus.Logger) *Service {
	if cfg.Queue == "" {
		cfg.Queue = "matchmaker_lobby_events"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 500 * time.Millisecond
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 3 * time.Second
	}
	if cfg.MaxPending < cfg.BatchSize {
		cfg.MaxPending = 50 * cfg.BatchSize
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		rdb:    rdb,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		batch:  make([]events.Event, 0, cfg.BatchSize),
	}
}

// Run reads the queue and flushes on a timer until ctx is canceled, then flushes what is
// left with a detached context.
func (s *Service) Run(ctx context.Context) {
	var wg conc.WaitGroup
	wg.Go(func() { s.readLoop(ctx) })
	wg.Go(func() { s.flushLoop(ctx) })

	s.logger.Infof("historian started, draining %s", s.cfg.Queue)
	wg.Wait()

	s.Flush(context.WithoutCancel(ctx))
	s.logger.Info("historian stopped")
}

func (s *Service) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// readLoop uses BLPop to retrieve events from the Redis queue.
func (s *Service) readLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if s.Pending() >= s.cfg.MaxPending {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.FlushDelay):
			}
			continue
		}
		res, err := s.rdb.BLPop(ctx, s.cfg.PopTimeout, s.cfg.Queue).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Errorf("BLPop: %v", err)
			// avoid spinning while Redis is unreachable
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		// res[0] is the queue name and res[1] the payload.
		var ev events.Event
		if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
			s.logger.Warnf("invalid lobby event: %v", err)
			continue
		}
		s.appendToBatch(ctx, ev)
	}
}

// appendToBatch adds an event and flushes once the batch is full.
func (s *Service) appendToBatch(ctx context.Context, ev events.Event) {
	s.batchMu.Lock()
	s.batch = append(s.batch, ev)
	full := len(s.batch) >= s.cfg.BatchSize
	s.batchMu.Unlock()

	if full {
		s.Flush(ctx)
	}
}

// Flush writes the pending batch in one call to the sink. A failed batch is put back in
// front of the pending events so it is retried on the next flush; readLoop stops popping
// once MaxPending events are held.
func (s *Service) Flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := s.batch
	s.batch = make([]events.Event, 0, s.cfg.BatchSize)
	s.inflight += len(pending)
	s.batchMu.Unlock()

	err := s.sink.InsertLobbyEvents(ctx, pending)

	s.batchMu.Lock()
	s.inflight -= len(pending)
	if err != nil {
		s.batch = append(pending, s.batch...)
	}
	s.batchMu.Unlock()

	if err != nil {
		s.logger.Errorf("flush of %d lobby events failed: %v", len(pending), err)
		return
	}
	s.logger.Debugf("flushed %d lobby events", len(pending))
}

// Pending reports how many events are held in memory, including a batch being flushed.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch) + s.inflight
}
