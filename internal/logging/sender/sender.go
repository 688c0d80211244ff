package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
	"github.com/Chichichkin/LogzioShipper/internal/logging/batch"
	"github.com/Chichichkin/LogzioShipper/internal/logging/logzio"
	"github.com/Chichichkin/LogzioShipper/internal/logging/payload"
	"github.com/Chichichkin/LogzioShipper/internal/logging/queue"
	"github.com/Chichichkin/LogzioShipper/internal/logging/retry"
)

// flushPoll is how often Flush checks whether a running drain has finished.
const flushPoll = 10 * time.Millisecond

type Option func(*Sender)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Sender) { s.logger = logger }
}

// WithQueue replaces the default in-memory queue. The sender takes
// ownership and closes it on Stop.
func WithQueue(q logging.Queue) Option {
	return func(s *Sender) { s.queue = q }
}

func WithTransport(t logging.Transport) Option {
	return func(s *Sender) { s.transport = t }
}

func WithSleeper(sleep retry.Sleeper) Option {
	return func(s *Sender) { s.sleep = sleep }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Sender) { s.metrics.m = m }
}

// WithClock sets the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) { s.now = now }
}

// Stats is a point-in-time view of a sender.
type Stats struct {
	Pending        int
	PendingBytes   int64
	Evicted        uint64
	Accepted       uint64
	Rejected       uint64
	BatchesSent    uint64
	BatchesDropped uint64
	RecordsSent    uint64
	RecordsDropped uint64
}

// Sender accepts records from any number of producers and ships them to one
// listener from a single background goroutine.
type Sender struct {
	cfg       Config
	queue     logging.Queue
	assembler *batch.Assembler
	transport logging.Transport
	retry     *retry.Controller
	sleep     retry.Sleeper
	logger    *zap.Logger
	metrics   destinationMetrics
	now       func() time.Time

	// draining is held for the whole of a drain cycle.
	draining atomic.Bool
	// carry is a batch whose delivery was interrupted; owned by the drain holder.
	carry logging.Batch
	// carried mirrors carry's size for readers outside the drain.
	carriedRecords atomic.Int64
	carriedBytes   atomic.Int64

	// lifecycle orders Submit against Stop.
	lifecycle sync.RWMutex
	stopped   bool

	kick      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error

	accepted       atomic.Uint64
	rejected       atomic.Uint64
	batchesSent    atomic.Uint64
	batchesDropped atomic.Uint64
	recordsSent    atomic.Uint64
	recordsDropped atomic.Uint64

	// evictedSeen is the queue eviction count already turned into metrics;
	// evictedUnlogged is what the next drain cycle reports.
	evictedSeen     atomic.Uint64
	evictedUnlogged atomic.Uint64
}

// evictor is a bounded queue that drops its oldest records to stay under
// its ceiling.
type evictor interface {
	Evicted() uint64
}

// New validates cfg and builds a sender. It returns a *ConfigurationError
// when the host or key cannot be used.
func New(cfg Config, opts ...Option) (*Sender, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		cfg:     cfg,
		sleep:   retry.Sleep,
		logger:  zap.NewNop(),
		metrics: destinationMetrics{name: cfg.Name},
		now:     time.Now,
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("destination", cfg.Name))
	if s.metrics.m == nil {
		s.metrics.m = NewMetrics(nil)
	}

	if s.queue == nil {
		s.queue = queue.NewMemory(cfg.QueueMaxBytes)
	}
	if s.transport == nil {
		t, err := logzio.NewTransport(cfg.endpoint(), logzio.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
			Logger:         s.logger,
		})
		if err != nil {
			cancel()
			return nil, &ConfigurationError{Field: "host", Err: fmt.Errorf("%w: %v", ErrInvalidHost, err)}
		}
		s.transport = t
	}
	s.assembler = batch.NewAssembler(s.queue, cfg.BatchSize)
	s.retry = retry.New(retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialRetryDelay,
	}, retry.WithSleeper(s.sleep), retry.WithLogger(s.logger))

	return s, nil
}

func (s *Sender) Name() string { return s.cfg.Name }

func (s *Sender) Config() Config { return s.cfg }

// Start launches the drain scheduler. Calling it more than once is a no-op.
func (s *Sender) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.schedule()
		s.logger.Info("sender started",
			zap.String("trigger", string(s.cfg.Trigger)),
			zap.Duration("drain_interval", s.cfg.DrainInterval),
			zap.Int("batch_size", s.cfg.BatchSize),
		)
	})
}

// Submit queues one serialized JSON record. It never blocks on the network
// and never fails: malformed records are logged and counted, then dropped.
func (s *Sender) Submit(raw string) {
	rec, err := logging.NewRecord([]byte(raw), s.now())
	if err != nil {
		s.reject("invalid record", err)
		return
	}

	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	s.admit(rec)
}

// Push expands a payload whose message field is an array of lines into one
// record per line and queues them in order.
func (s *Sender) Push(raw string) {
	records, err := payload.Records([]byte(raw), s.now())
	if err != nil {
		s.reject("invalid payload", err)
		return
	}

	s.lifecycle.RLock()
	defer s.lifecycle.RUnlock()
	for _, rec := range records {
		s.admit(rec)
	}
}

// admit must be called with lifecycle read-locked.
func (s *Sender) admit(rec logging.Record) {
	if s.stopped {
		s.reject("sender stopped", nil)
		return
	}
	if err := s.queue.Enqueue(rec); err != nil {
		s.reject("enqueue failed", err)
		return
	}

	s.accepted.Add(1)
	s.metrics.record("accepted").Inc()
	s.noteEvictions()

	if s.cfg.Trigger.threshold() && s.queue.Size() >= int64(s.cfg.BatchSize) {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// noteEvictions counts the records the queue evicted since the last call.
// Concurrent callers each account for a disjoint share.
func (s *Sender) noteEvictions() {
	ev, ok := s.queue.(evictor)
	if !ok {
		return
	}
	total := ev.Evicted()
	for {
		seen := s.evictedSeen.Load()
		if total <= seen {
			return
		}
		if s.evictedSeen.CompareAndSwap(seen, total) {
			n := total - seen
			s.metrics.record("evicted").Add(float64(n))
			s.evictedUnlogged.Add(n)
			return
		}
	}
}

func (s *Sender) reportEvictions() {
	if n := s.evictedUnlogged.Swap(0); n > 0 {
		s.logger.Warn("queue over its byte limit, oldest records evicted",
			zap.Uint64("records", n),
			zap.Int64("max_bytes", s.cfg.QueueMaxBytes),
		)
	}
}

func (s *Sender) reject(reason string, err error) {
	s.rejected.Add(1)
	s.metrics.record("rejected").Inc()
	fields := []zap.Field{zap.String("reason", reason)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Warn("record not queued", fields...)
}

// schedule is the single consumer goroutine.
func (s *Sender) schedule() {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.cfg.Trigger.timer() {
		ticker := time.NewTicker(s.cfg.DrainInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var gc <-chan time.Time
	compactor, compactable := s.queue.(queue.Compactor)
	if compactable {
		ticker := time.NewTicker(s.cfg.GCInterval)
		defer ticker.Stop()
		gc = ticker.C
	}

	for {
		select {
		case <-tick:
			s.scheduledDrain("timer")
		case <-s.kick:
			s.scheduledDrain("threshold")
		case <-gc:
			if err := compactor.Compact(); err != nil {
				s.logger.Error("queue compaction failed", zap.Error(err))
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Sender) scheduledDrain(trigger string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("drain cycle panicked", zap.String("trigger", trigger), zap.Any("panic", r))
		}
	}()

	if s.queue.IsEmpty() && s.carriedRecords.Load() == 0 {
		return
	}
	err := s.Drain(s.ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		s.logger.Debug("drain interrupted by shutdown", zap.String("trigger", trigger))
	default:
		s.logger.Error("drain cycle failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

// Drain sends everything currently queued. If another drain is running it
// returns nil immediately without doing anything.
func (s *Sender) Drain(ctx context.Context) error {
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer s.draining.Store(false)
	return s.drain(ctx)
}

// Flush waits for a running drain to finish, then drains the queue.
func (s *Sender) Flush(ctx context.Context) error {
	for !s.draining.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushPoll):
		}
	}
	defer s.draining.Store(false)
	return s.drain(ctx)
}

// drain must only run while holding the draining flag.
func (s *Sender) drain(ctx context.Context) error {
	defer func() { s.metrics.setPending(s.pending()) }()
	s.reportEvictions()

	for {
		b := s.carry
		s.setCarry(logging.Batch{})
		if b.Empty() {
			var err error
			b, err = s.assembler.Next()
			if err != nil {
				return err
			}
			if b.Empty() {
				return nil
			}
			s.metrics.observeBatch(b.Size())
		}

		result, err := s.retry.Deliver(ctx, b, s.send)
		if err == nil && result.State == retry.GivenUp && ctx.Err() != nil {
			// the attempts failed because we are shutting down
			err = ctx.Err()
		}
		if err != nil {
			s.setCarry(b)
			return err
		}

		if requeued := s.settle(b, result); requeued {
			return nil
		}
	}
}

func (s *Sender) setCarry(b logging.Batch) {
	s.carry = b
	s.carriedRecords.Store(int64(b.Len()))
	s.carriedBytes.Store(int64(b.Size()))
}

// pending counts queued records plus an interrupted batch awaiting resend.
func (s *Sender) pending() int {
	return s.queue.Len() + int(s.carriedRecords.Load())
}

func (s *Sender) send(ctx context.Context, b logging.Batch) logging.Outcome {
	outcome := s.transport.Send(ctx, b)
	s.metrics.attempt(outcome.Kind.String()).Inc()
	return outcome
}

// settle records the fate of a delivered batch. It reports whether the
// batch went back onto the queue, which ends the current cycle.
func (s *Sender) settle(b logging.Batch, result retry.Result) bool {
	switch result.State {
	case retry.Succeeded:
		s.batchesSent.Add(1)
		s.recordsSent.Add(uint64(b.Len()))
		s.metrics.batch("sent").Inc()
		s.logger.Debug("batch sent",
			zap.Int("records", b.Len()),
			zap.Int("bytes", b.Size()),
			zap.Int("attempts", result.Attempts),
		)
		return false

	case retry.Rejected:
		s.dropped(b)
		s.metrics.batch("rejected").Inc()
		s.logger.Error("listener rejected batch, dropping it",
			zap.Int("status", result.Last.StatusCode),
			zap.String("response", result.Last.Body),
			zap.Int("records", b.Len()),
			zap.Int("bytes", b.Size()),
		)
		return false
	}

	if s.cfg.OnGiveUp == GiveUpRequeue {
		for _, rec := range b.Records() {
			if err := s.queue.Enqueue(rec); err != nil {
				s.logger.Error("could not requeue record", zap.Error(err))
			}
		}
		s.noteEvictions()
		s.metrics.batch("requeued").Inc()
		s.logger.Warn("batch requeued after exhausting retries",
			zap.Int("attempts", result.Attempts),
			zap.Stringer("last_outcome", result.Last),
			zap.Int("records", b.Len()),
		)
		return true
	}

	s.dropped(b)
	s.metrics.batch("dropped").Inc()
	fields := []zap.Field{
		zap.Int("attempts", result.Attempts),
		zap.Int("status", result.Last.StatusCode),
		zap.String("response", result.Last.Body),
		zap.Int("records", b.Len()),
		zap.Int("bytes", b.Size()),
	}
	if result.Last.Err != nil {
		fields = append(fields, zap.Error(result.Last.Err))
	}
	s.logger.Error("dropping batch after exhausting retries", fields...)
	return false
}

func (s *Sender) dropped(b logging.Batch) {
	s.batchesDropped.Add(1)
	s.recordsDropped.Add(uint64(b.Len()))
}

// Stop refuses further records, stops the scheduler, interrupting any
// retry wait, and sends what is left once before closing the queue. ctx
// bounds that final flush.
func (s *Sender) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.lifecycle.Lock()
		s.stopped = true
		s.lifecycle.Unlock()

		s.cancel()
		s.wg.Wait()

		if err := s.Flush(ctx); err != nil {
			s.stopErr = fmt.Errorf("final flush: %w", err)
			s.logger.Error("final flush incomplete",
				zap.Int("pending", s.pending()),
				zap.Error(err),
			)
		}
		if err := s.queue.Close(); err != nil && s.stopErr == nil {
			s.stopErr = fmt.Errorf("close queue: %w", err)
		}

		stats := s.Stats()
		s.logger.Info("sender stopped",
			zap.Uint64("records_sent", stats.RecordsSent),
			zap.Uint64("records_dropped", stats.RecordsDropped),
			zap.Int("pending", stats.Pending),
		)
	})
	return s.stopErr
}

func (s *Sender) Stats() Stats {
	stats := Stats{
		Pending:        s.pending(),
		PendingBytes:   s.queue.Size() + s.carriedBytes.Load(),
		Accepted:       s.accepted.Load(),
		Rejected:       s.rejected.Load(),
		BatchesSent:    s.batchesSent.Load(),
		BatchesDropped: s.batchesDropped.Load(),
		RecordsSent:    s.recordsSent.Load(),
		RecordsDropped: s.recordsDropped.Load(),
	}
	if ev, ok := s.queue.(evictor); ok {
		stats.Evicted = ev.Evicted()
	}
	return stats
}
