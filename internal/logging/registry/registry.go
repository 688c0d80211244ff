// Package registry owns the running senders, one per configured
// destination, and swaps them when the configuration changes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Chichichkin/LogzioShipper/internal/config"
	"github.com/Chichichkin/LogzioShipper/internal/logging"
	"github.com/Chichichkin/LogzioShipper/internal/logging/loki"
	"github.com/Chichichkin/LogzioShipper/internal/logging/queue"
	"github.com/Chichichkin/LogzioShipper/internal/logging/sender"
)

type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithMetrics(m *sender.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithSenderOptions adds options to every sender the registry builds.
func WithSenderOptions(opts ...sender.Option) Option {
	return func(r *Registry) { r.senderOpts = append(r.senderOpts, opts...) }
}

type entry struct {
	dest   config.Destination
	key    string
	sender *sender.Sender
}

// Registry maps destination names to running senders.
type Registry struct {
	// applyMu serializes Apply and Close.
	applyMu sync.Mutex
	// mu guards entries. Apply holds it only while swapping senders, so
	// submitters are not held up by the final flush of a retired sender.
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	logger     *zap.Logger
	metrics    *sender.Metrics
	senderOpts []sender.Option
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = sender.NewMetrics(nil)
	}
	return r
}

// Apply makes the running senders match dests. New destinations are
// started, removed ones are stopped with a final flush, and changed ones are
// replaced. Unchanged senders keep running. A retired sender flushes after
// its replacement is in place, unless a wanted destination uses its queue
// directory, in which case it is stopped first. Failures are joined; the
// destinations that could be applied still are.
func (r *Registry) Apply(ctx context.Context, dests []config.Destination) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	retired, stopped, errs := r.swap(ctx, dests)

	for _, e := range retired {
		if err := e.sender.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %q: %w", e.dest.Name, err))
		}
	}
	r.forgetRemoved(append(stopped, retired...))

	return errors.Join(errs...)
}

// swap installs the senders for dests. It returns the retired senders that
// still have to be stopped and the ones it already stopped.
func (r *Registry) swap(ctx context.Context, dests []config.Destination) (retired, stopped []*entry, errs []error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, []error{errors.New("registry closed")}
	}

	want := make(map[string]config.Destination, len(dests))
	claimed := make(map[string]bool)
	for _, d := range dests {
		want[d.Name] = d
		if dir, ok := queueDir(d); ok {
			claimed[dir] = true
		}
	}

	for name, e := range r.entries {
		d, ok := want[name]
		if ok && d == e.dest && d.Key() == e.key {
			continue
		}
		delete(r.entries, name)
		if dir, ok := queueDir(e.dest); ok && claimed[dir] {
			if err := e.sender.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop %q: %w", name, err))
			}
			stopped = append(stopped, e)
			continue
		}
		retired = append(retired, e)
	}

	for _, d := range dests {
		if _, running := r.entries[d.Name]; running {
			continue
		}
		s, err := r.build(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("start %q: %w", d.Name, err))
			continue
		}
		s.Start()
		r.entries[d.Name] = &entry{dest: d, key: d.Key(), sender: s}
		r.logger.Info("destination started",
			zap.String("destination", d.Name),
			zap.String("kind", d.Kind),
			zap.String("queue", d.Queue.Kind),
		)
	}

	return retired, stopped, errs
}

// forgetRemoved drops the metric series of retired destinations that did not
// come back under the same name.
func (r *Registry) forgetRemoved(retired []*entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range retired {
		if _, back := r.entries[e.dest.Name]; back {
			continue
		}
		r.metrics.Forget(e.dest.Name)
		r.logger.Info("destination removed", zap.String("destination", e.dest.Name))
	}
}

func queueDir(d config.Destination) (string, bool) {
	if d.Queue.Kind != config.QueueFile {
		return "", false
	}
	return filepath.Clean(d.Queue.Dir), true
}

func (r *Registry) build(d config.Destination) (*sender.Sender, error) {
	opts := []sender.Option{
		sender.WithLogger(r.logger),
		sender.WithMetrics(r.metrics),
	}
	if d.Kind == config.KindLoki {
		t, err := loki.NewTransport(d.Host, loki.Options{
			Tenant:         d.Key(),
			ConnectTimeout: d.ConnectTimeout,
			ReadTimeout:    d.ReadTimeout,
			Logger:         r.logger.With(zap.String("destination", d.Name)),
		})
		if err != nil {
			return nil, &sender.ConfigurationError{Field: "host", Err: fmt.Errorf("%w: %v", sender.ErrInvalidHost, err)}
		}
		opts = append(opts, sender.WithTransport(t))
	}
	opts = append(opts, r.senderOpts...)

	var fileQueue *queue.File
	if d.Queue.Kind == config.QueueFile {
		q, err := queue.OpenFile(d.Queue.Dir)
		if err != nil {
			return nil, err
		}
		fileQueue = q
		opts = append(opts, sender.WithQueue(q))
	}

	s, err := sender.New(d.SenderConfig(), opts...)
	if err != nil && fileQueue != nil {
		_ = fileQueue.Close()
	}
	return s, err
}

func (r *Registry) Get(name string) (*sender.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.sender, true
}

// Names lists the running destinations in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Submitter returns a submitter that looks up the named destination on
// every call, so it keeps working across Apply.
func (r *Registry) Submitter(name string) logging.Submitter {
	return &submitter{registry: r, name: name}
}

// Close stops every sender. ctx bounds the final flushes.
func (r *Registry) Close(ctx context.Context) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for name, e := range r.entries {
		if err := e.sender.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %q: %w", name, err))
		}
		delete(r.entries, name)
	}
	return errors.Join(errs...)
}

type submitter struct {
	registry *Registry
	name     string
}

func (s *submitter) Submit(raw string) {
	s.registry.mu.RLock()
	defer s.registry.mu.RUnlock()

	e, ok := s.registry.entries[s.name]
	if !ok {
		s.registry.logger.Warn("record for unknown destination dropped", zap.String("destination", s.name))
		return
	}
	e.sender.Submit(raw)
}
