// Package cache owns the authoritative in-memory view of the fleet. It
// builds immutable, generation-tagged snapshots from the engine on a
// fixed interval and swaps them in atomically, so readers never take a
// lock and never observe a half-built view.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
)

// statsConcurrency bounds parallel stat samples during one refresh so a
// large fleet cannot pile up engine calls.
const statsConcurrency = 8

// UpdateSource supplies per-container update statuses for stamping onto
// snapshot entries. The detector implements it; the zero value (nil) is
// valid before the detector is wired.
type UpdateSource interface {
	StatusFor(id domain.ResourceID) *domain.UpdateStatus
}

// Store maintains the current Snapshot and drives its refresh.
type Store struct {
	engine   ports.Engine
	clock    clock.Clock
	log      logrus.FieldLogger
	interval time.Duration

	current atomic.Pointer[domain.Snapshot]
	gen     atomic.Uint64

	trigger chan chan error

	mu      sync.Mutex
	updates UpdateSource
	subs    []chan struct{}
}

// New creates a Store refreshing every interval. Run starts the loop.
func New(engine ports.Engine, interval time.Duration, clk clock.Clock, log logrus.FieldLogger) *Store {
	return &Store{
		engine:   engine,
		clock:    clk,
		log:      log,
		interval: interval,
		trigger:  make(chan chan error, 16),
	}
}

// SetUpdateSource wires the update detector in. Safe to call before Run.
func (s *Store) SetUpdateSource(src UpdateSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = src
}

// Subscribe returns a channel that receives a signal after every
// successful snapshot swap. Notifications are best-effort: a slow
// subscriber misses intermediate generations, never blocks the swap.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
	return ch
}

// Current returns the latest snapshot. When no refresh has succeeded
// within twice the interval the returned copy carries the stale flag, so
// consumers show "last known" data instead of nothing.
func (s *Store) Current() *domain.Snapshot {
	snap := s.current.Load()
	if snap == nil {
		return &domain.Snapshot{Stale: true}
	}
	if !snap.Stale && s.clock.Now().Sub(snap.TakenAt) > 2*s.interval {
		stale := *snap
		stale.Stale = true
		return &stale
	}
	return snap
}

// Refresh forces a refresh ahead of the next tick and waits for it to
// complete, so a caller that just mutated the fleet observes the effect.
// Requests queued while a refresh is running are all served by the one
// that starts next; at most one refresh is ever in flight.
func (s *Store) Refresh(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.trigger <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the scheduler until ctx is canceled. An initial refresh runs
// immediately so consumers start with data.
func (s *Store) Run(ctx context.Context) {
	if err := s.refreshOnce(ctx); err != nil {
		s.log.WithError(err).Warn("initial snapshot refresh failed")
	}

	timer := s.clock.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			if err := s.refreshOnce(ctx); err != nil {
				s.log.WithError(err).Warn("snapshot refresh failed, serving previous snapshot")
			}
			timer.Reset(s.interval)
		case reply := <-s.trigger:
			waiters := s.drainTriggers(reply)
			err := s.refreshOnce(ctx)
			if err != nil {
				s.log.WithError(err).Warn("manual snapshot refresh failed")
			}
			for _, w := range waiters {
				w <- err
			}
			timer.Reset(s.interval)
		}
	}
}

func (s *Store) drainTriggers(first chan error) []chan error {
	waiters := []chan error{first}
	for {
		select {
		case w := <-s.trigger:
			waiters = append(waiters, w)
		default:
			return waiters
		}
	}
}

// refreshOnce builds a complete snapshot and swaps it in. On failure the
// previous snapshot is kept; staleness is derived from its age.
func (s *Store) refreshOnce(ctx context.Context) error {
	snap, err := s.build(ctx)
	if err != nil {
		return err
	}

	snap.Generation = s.gen.Add(1)
	s.current.Store(snap)
	s.notify()

	s.log.WithFields(logrus.Fields{
		"generation": snap.Generation,
		"containers": len(snap.Containers),
		"images":     len(snap.Images),
	}).Debug("snapshot refreshed")
	return nil
}

func (s *Store) build(ctx context.Context) (*domain.Snapshot, error) {
	listed, err := s.engine.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	containers := make([]domain.ContainerSnapshot, len(listed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for i, c := range listed {
		g.Go(func() error {
			snap, err := s.engine.Inspect(gctx, c.ID)
			if err != nil {
				// Keep the listing-level entry; the container may have
				// vanished between list and inspect.
				snap = c
			}
			if snap.Running() {
				if sample, err := s.engine.Stats(gctx, c.ID); err == nil {
					snap.Usage = sample
				}
			}
			containers[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.stampUpdates(containers)

	images, err := s.engine.ListImages(ctx)
	if err != nil {
		s.log.WithError(err).Warn("listing images failed, snapshot will omit them")
		images = nil
	}
	joinImageUsage(images, containers)

	return &domain.Snapshot{
		TakenAt:    s.clock.Now(),
		Containers: containers,
		Images:     images,
		Stacks:     groupStacks(containers),
	}, nil
}

func (s *Store) stampUpdates(containers []domain.ContainerSnapshot) {
	s.mu.Lock()
	src := s.updates
	s.mu.Unlock()
	if src == nil {
		return
	}
	for i := range containers {
		containers[i].Update = src.StatusFor(containers[i].ID)
	}
}

func joinImageUsage(images []domain.ImageSnapshot, containers []domain.ContainerSnapshot) {
	usage := make(map[domain.ResourceID][]string)
	for _, c := range containers {
		usage[c.ImageID] = append(usage[c.ImageID], c.Name)
	}
	for i := range images {
		images[i].UsedBy = usage[images[i].ID]
	}
}

func groupStacks(containers []domain.ContainerSnapshot) []domain.StackGroup {
	byName := make(map[string]*domain.StackGroup)
	var order []string
	for _, c := range containers {
		g, ok := byName[c.Stack]
		if !ok {
			g = &domain.StackGroup{Name: c.Stack}
			byName[c.Stack] = g
			order = append(order, c.Stack)
		}
		g.Containers = append(g.Containers, c.ID)
	}

	groups := make([]domain.StackGroup, 0, len(order))
	for _, name := range order {
		groups = append(groups, *byName[name])
	}
	// Named stacks first, then the catch-all group, matching the overview
	// ordering users see.
	for i := range groups {
		if groups[i].Name == domain.NoStack {
			g := groups[i]
			groups = append(groups[:i], groups[i+1:]...)
			groups = append(groups, g)
			break
		}
	}
	return groups
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
