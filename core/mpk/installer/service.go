// Package installer sequences manifest validation, archive extraction,
// digest verification and repository placement into asynchronous package
// operations.
package installer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/mpk/core/infra/bus"
	"github.com/cordum/mpk/core/infra/history"
	"github.com/cordum/mpk/core/infra/locks"
	"github.com/cordum/mpk/core/infra/logging"
	"github.com/cordum/mpk/core/infra/metrics"
	"github.com/cordum/mpk/core/infra/registry"
	"github.com/cordum/mpk/core/mpk/archive"
	"github.com/cordum/mpk/core/mpk/mpkerr"
	"github.com/cordum/mpk/core/mpk/repository"
)

const (
	defaultWorkers = 4
	defaultLockTTL = 30 * time.Second
	lockPrefix     = "mpk:pkg:"
	publishTimeout = 2 * time.Second
	historyTimeout = 2 * time.Second
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("installer closed")

// Options tunes a Service.
type Options struct {
	// Workers bounds concurrently running operations.
	Workers int
	// RequireSignature rejects archives without signature.sig. A present
	// signature is always verified.
	RequireSignature bool
	// AllowedPermissions, when non-empty, is the permission allow list.
	AllowedPermissions []string
	// Platform and PlatformVersion describe the host for manifest checks.
	Platform        string
	PlatformVersion string
	Limits          archive.Limits
	LockTTL         time.Duration
}

// Option configures optional collaborators.
type Option func(*Service)

// WithLocks replaces the in-process lock store.
func WithLocks(store locks.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.locks = store
		}
	}
}

// WithRegistry records installed packages in store.
func WithRegistry(store registry.Store) Option {
	return func(s *Service) { s.registry = store }
}

// WithPublisher sends operation events to pub.
func WithPublisher(pub bus.Publisher) Option {
	return func(s *Service) { s.events = pub }
}

// WithHistory records finished operations in store so Operation can answer
// for them after they leave the in-process tracker.
func WithHistory(store history.Store) Option {
	return func(s *Service) { s.history = store }
}

// WithMetrics reports operation metrics to m.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service runs package operations on a bounded worker pool.
type Service struct {
	repo     *repository.Repository
	opts     Options
	locks    locks.Store
	registry registry.Store
	events   bus.Publisher
	history  history.Store
	metrics  metrics.Metrics
	now      func() time.Time
	ops      *tracker

	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New builds a Service over repo.
func New(repo *repository.Repository, opts Options, options ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository required")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	s := &Service{
		repo:    repo,
		opts:    opts,
		locks:   locks.NewLocalStore(),
		metrics: metrics.Noop{},
		now:     func() time.Time { return time.Now().UTC() },
		sem:     make(chan struct{}, opts.Workers),
	}
	for _, opt := range options {
		opt(s)
	}
	s.ops = newTracker(s.now)
	return s, nil
}

// Repository exposes the underlying package repository.
func (s *Service) Repository() *repository.Repository { return s.repo }

// Operation returns the record for an operation id, consulting the history
// store for operations the tracker no longer holds.
func (s *Service) Operation(id string) (Operation, bool) {
	if op, ok := s.ops.get(id); ok {
		return op, true
	}
	if s.history == nil {
		return Operation{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	entry, err := s.history.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, history.ErrNotFound) {
			logging.Warn("installer", "history lookup failed", "op", id, "error", err)
		}
		return Operation{}, false
	}
	return fromEntry(entry), true
}

// Operations lists live and recently finished operations, oldest first.
func (s *Service) Operations() []Operation {
	return s.ops.list()
}

// Close stops accepting work and waits for running operations or ctx.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the handle a running operation uses to report progress.
type run struct {
	s  *Service
	id string
}

func (r *run) to(state State) {
	if op, ok := r.s.ops.transition(r.id, state, nil); ok {
		r.s.publish(op, bus.EventStateChanged, "")
	}
}

func (r *run) setPackage(id string) {
	r.s.ops.setPackage(r.id, id)
}

// submit schedules fn on the worker pool. The returned future always
// completes, including when the service is closed or ctx ends while the
// operation waits for a worker.
func submit[T any](s *Service, ctx context.Context, kind Kind, pkgID string, fn func(context.Context, *run) (T, error)) *Future[T] {
	op := s.ops.start(kind, pkgID)
	f := newFuture[T](op.ID)
	r := &run{s: s, id: op.ID}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		var zero T
		s.finish(r, kind, time.Time{}, ErrClosed)
		f.complete(zero, ErrClosed)
		return f
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		var zero T
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.finish(r, kind, time.Time{}, ctx.Err())
			f.complete(zero, ctx.Err())
			return
		}
		defer func() { <-s.sem }()

		start := s.now()
		val, err := fn(ctx, r)
		s.finish(r, kind, start, err)
		if err != nil {
			f.complete(zero, err)
			return
		}
		f.complete(val, nil)
	}()
	return f
}

func (s *Service) finish(r *run, kind Kind, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = mpkerr.Code(err)
		if op, ok := s.ops.transition(r.id, StateFailed, err); ok {
			s.publish(op, bus.EventFailed, "")
			logging.Error("installer", "operation failed", "op", op.ID, "kind", kind, "package", op.PackageID, "code", op.Code, "error", err)
		}
	}
	s.metrics.IncOperation(string(kind), status)
	if !start.IsZero() {
		s.metrics.ObserveOperationDuration(string(kind), s.now().Sub(start).Seconds())
	}
	s.record(r.id)
}

// record copies a finished operation into the history store. Failures are
// logged only.
func (s *Service) record(id string) {
	if s.history == nil {
		return
	}
	op, ok := s.ops.get(id)
	if !ok || !op.State.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := s.history.Add(ctx, toEntry(op)); err != nil {
		logging.Warn("installer", "history write failed", "op", id, "error", err)
	}
}

// publish emits ev for op. Delivery problems are logged, never returned.
func (s *Service) publish(op Operation, eventType, version string) {
	if s.events == nil {
		return
	}
	ev := bus.Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		OperationID: op.ID,
		Operation:   string(op.Kind),
		PackageID:   op.PackageID,
		Version:     version,
		State:       string(op.State),
		Code:        op.Code,
		Error:       op.Error,
		Time:        s.now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.events.PublishEvent(ctx, ev); err != nil {
		logging.Warn("installer", "publish event failed", "type", eventType, "op", op.ID, "error", err)
	}
}

// lock takes the per-package lock for the operation and keeps it renewed
// until the returned release func runs.
func (s *Service) lock(ctx context.Context, pkgID, owner string, mode locks.Mode) (func(), error) {
	resource := lockPrefix + strings.TrimSpace(pkgID)
	_, ok, err := s.locks.Acquire(ctx, resource, owner, mode, s.opts.LockTTL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, mpkerr.New(mpkerr.ErrIO, "lock", pkgID, err)
	}
	if !ok {
		return nil, mpkerr.Errorf(mpkerr.ErrConflict, "lock", pkgID, "another operation holds this package")
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(s.opts.LockTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, ok, err := s.locks.Renew(context.Background(), resource, owner, s.opts.LockTTL); err != nil || !ok {
					logging.Warn("installer", "lock renew failed", "package", pkgID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if _, _, err := s.locks.Release(context.Background(), resource, owner); err != nil {
				logging.Warn("installer", "lock release failed", "package", pkgID, "error", err)
			}
		})
	}, nil
}

func (s *Service) releaseStaging(dir string) {
	if dir == "" {
		return
	}
	if err := s.repo.ReleaseStaging(dir); err != nil {
		logging.Error("installer", "release staging failed", "dir", dir, "error", err)
	}
}

func (s *Service) refreshInstalledGauge() {
	ids, err := s.repo.ListInstalled()
	if err != nil {
		return
	}
	s.metrics.SetInstalledPackages(len(ids))
}
