// Package dispatch serializes mutating commands per resource and
// reconciles the snapshot cache after execution. At most one command is
// ever in flight for a given container; unrelated containers are
// commanded concurrently.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
)

// executionTimeout bounds a detached command execution, covering the
// slowest compound case (pull + recreate + start).
const executionTimeout = 10 * time.Minute

// resultHistory is how many completed outcomes stay pollable.
const resultHistory = 128

// SnapshotSource is the slice of the cache the dispatcher needs: the
// current view for precondition checks and a way to force a refresh so
// a command's effects become visible before its outcome is reported.
type SnapshotSource interface {
	Current() *domain.Snapshot
	Refresh(ctx context.Context) error
}

// Pending tracks one accepted command until completion.
type Pending struct {
	request domain.CommandRequest
	done    chan struct{}

	mu    sync.Mutex
	final domain.CommandRequest
}

// Request returns the command as accepted.
func (p *Pending) Request() domain.CommandRequest { return p.request }

// Done is closed when the command finishes, whether or not anyone waits.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until completion or ctx expires. A caller timing out does
// not cancel the command; the dispatcher keeps tracking it.
func (p *Pending) Wait(ctx context.Context) (domain.CommandRequest, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.final, nil
	case <-ctx.Done():
		return p.request, ctx.Err()
	}
}

// Dispatcher accepts CommandRequests and runs them against the engine.
type Dispatcher struct {
	engine    ports.Engine
	snapshots SnapshotSource
	log       logrus.FieldLogger

	// inflight is keyed by ResourceID. LoadOrStore gives the atomic
	// try-acquire the Conflict contract requires: a busy resource fails
	// immediately, it never queues.
	inflight sync.Map

	mu      sync.Mutex
	results map[string]domain.CommandRequest
	order   []string
}

func New(engine ports.Engine, snapshots SnapshotSource, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{
		engine:    engine,
		snapshots: snapshots,
		log:       log,
		results:   make(map[string]domain.CommandRequest),
	}
}

// Submit validates and accepts a command. It returns ErrConflict when a
// command is already in flight for the resource and ErrPreconditionFailed
// when a state guard rejects it. On acceptance the command executes on a
// detached context: the engine call cannot be canceled mid-flight, only
// awaited.
func (d *Dispatcher) Submit(ctx context.Context, resource domain.ResourceID, action domain.Action, force bool) (*Pending, error) {
	snap := d.snapshots.Current()
	current, known := snap.Container(resource)
	if !known {
		return nil, fmt.Errorf("%w: container %s", domain.ErrNotFound, resource.Short())
	}
	resource = current.ID

	if action == domain.ActionDelete && current.Running() && !force {
		return nil, fmt.Errorf("%w: container %s is running, delete requires force", domain.ErrPreconditionFailed, current.Name)
	}

	p := &Pending{
		request: domain.CommandRequest{
			ID:          uuid.NewString(),
			Resource:    resource,
			Action:      action,
			Force:       force,
			SubmittedAt: time.Now().UTC(),
			State:       domain.OutcomeInProgress,
		},
		done: make(chan struct{}),
	}

	if _, busy := d.inflight.LoadOrStore(resource, p); busy {
		return nil, fmt.Errorf("%w: container %s", domain.ErrConflict, current.Name)
	}

	d.log.WithFields(logrus.Fields{
		"command":   p.request.ID,
		"container": current.Name,
		"action":    action,
	}).Info("command accepted")

	go d.run(p, current)
	return p, nil
}

// Outcome returns a completed or in-flight command by id.
func (d *Dispatcher) Outcome(id string) (domain.CommandRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.results[id]
	return req, ok
}

func (d *Dispatcher) run(p *Pending, target domain.ContainerSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), executionTimeout)
	defer cancel()

	d.record(p.request)

	err := d.execute(ctx, p.request, target)

	// The caller-visible snapshot must reflect the action before the
	// outcome is reported.
	if rerr := d.snapshots.Refresh(ctx); rerr != nil {
		d.log.WithError(rerr).Warn("snapshot refresh after command failed")
	}

	final := p.request
	final.CompletedAt = time.Now().UTC()
	if err != nil {
		final.State = domain.OutcomeFailed
		final.Reason = err.Error()
		d.log.WithFields(logrus.Fields{"command": final.ID, "action": final.Action}).WithError(err).Warn("command failed")
	} else {
		final.State = domain.OutcomeSucceeded
		d.log.WithFields(logrus.Fields{"command": final.ID, "action": final.Action}).Info("command succeeded")
	}
	d.record(final)

	p.mu.Lock()
	p.final = final
	p.mu.Unlock()

	d.inflight.Delete(p.request.Resource)
	close(p.done)
}

func (d *Dispatcher) execute(ctx context.Context, req domain.CommandRequest, target domain.ContainerSnapshot) error {
	switch req.Action {
	case domain.ActionStart, domain.ActionStop, domain.ActionRestart, domain.ActionPause, domain.ActionUnpause:
		return d.engine.Execute(ctx, req.Resource, req.Action)
	case domain.ActionDelete:
		return d.engine.RemoveContainer(ctx, req.Resource, req.Force)
	case domain.ActionFullUpdate:
		return d.fullUpdate(ctx, req.Resource, target)
	default:
		return fmt.Errorf("unsupported action %q", req.Action)
	}
}

func (d *Dispatcher) record(req domain.CommandRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.results[req.ID]; !seen {
		d.order = append(d.order, req.ID)
		if len(d.order) > resultHistory {
			delete(d.results, d.order[0])
			d.order = d.order[1:]
		}
	}
	d.results[req.ID] = req
}
