// Package updates detects version drift between local images and their
// registries. Scans run off the cache-refresh critical path: slow
// registry calls enrich snapshot entries asynchronously and never delay
// basic state refresh.
package updates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
)

const (
	// DefaultInterval is the per-container scan cadence until overridden.
	DefaultInterval = time.Hour
	MinInterval     = 5 * time.Minute
	MaxInterval     = 24 * time.Hour

	// sweepInterval is the granularity of the background loop that looks
	// for containers whose scan is due.
	sweepInterval = time.Minute

	scanConcurrency = 4

	// Registry fetch backoff: two retries, 2s doubling to 10s.
	registryAttempts = 3
	registryDelay    = 2 * time.Second
	registryMaxDelay = 10 * time.Second
)

// SnapshotSource is the slice of the cache the detector needs.
type SnapshotSource interface {
	Current() *domain.Snapshot
	Refresh(ctx context.Context) error
}

type scanPref struct {
	interval time.Duration
	track    string
}

// Detector owns every container's UpdateStatus.
type Detector struct {
	engine    ports.Engine
	registry  ports.Registry
	snapshots SnapshotSource
	clock     clock.Clock
	log       logrus.FieldLogger

	// Serializes concurrent scans of the same image reference, so an
	// explicit "scan now" cannot race the periodic sweep into duplicate
	// registry fetches.
	refLocks *kmutex.Kmutex

	mu              sync.Mutex
	defaultInterval time.Duration
	statuses        map[domain.ResourceID]*domain.UpdateStatus
	prefs           map[domain.ResourceID]scanPref
}

func New(engine ports.Engine, registry ports.Registry, snapshots SnapshotSource, clk clock.Clock, log logrus.FieldLogger) *Detector {
	return &Detector{
		engine:          engine,
		registry:        registry,
		snapshots:       snapshots,
		clock:           clk,
		log:             log,
		refLocks:        kmutex.New(),
		defaultInterval: DefaultInterval,
		statuses:        make(map[domain.ResourceID]*domain.UpdateStatus),
		prefs:           make(map[domain.ResourceID]scanPref),
	}
}

// ClampInterval bounds a requested scan interval to the supported range.
func ClampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}

// SetDefaultInterval changes the cadence applied to containers without a
// per-container override.
func (d *Detector) SetDefaultInterval(interval time.Duration) time.Duration {
	interval = ClampInterval(interval)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.defaultInterval = interval
	return interval
}

// SetInterval overrides the scan cadence for one container.
func (d *Detector) SetInterval(id domain.ResourceID, interval time.Duration) time.Duration {
	interval = ClampInterval(interval)
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.prefs[id]
	p.interval = interval
	d.prefs[id] = p
	if st := d.statuses[id]; st != nil {
		st.Interval = interval
	}
	return interval
}

// SetTrack pins the tag checked against the registry, independent of the
// tag the container currently runs. Empty clears the override.
func (d *Detector) SetTrack(id domain.ResourceID, tag string) string {
	tag = strings.TrimSpace(tag)
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.prefs[id]
	p.track = tag
	d.prefs[id] = p
	if st := d.statuses[id]; st != nil {
		st.TrackTag = tag
	}
	return tag
}

func (d *Detector) prefFor(id domain.ResourceID) scanPref {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.prefs[id]
	if p.interval == 0 {
		p.interval = d.defaultInterval
	}
	return p
}

// StatusFor returns the current verdict for a container, downgraded to
// unknown when the last check is too old to be trusted. Nil until the
// first scan. Implements cache.UpdateSource.
func (d *Detector) StatusFor(id domain.ResourceID) *domain.UpdateStatus {
	d.mu.Lock()
	st := d.statuses[id]
	d.mu.Unlock()
	if st == nil {
		return nil
	}
	eff := st.Effective(d.clock.Now())
	return &eff
}

// Scan checks one container immediately, ignoring its interval, and
// refreshes the snapshot so consumers see the new verdict.
func (d *Detector) Scan(ctx context.Context, id domain.ResourceID) (*domain.UpdateStatus, error) {
	snap := d.snapshots.Current()
	c, ok := snap.Container(id)
	if !ok {
		return nil, fmt.Errorf("%w: container %s", domain.ErrNotFound, id.Short())
	}
	st := d.scanContainer(ctx, c)
	if err := d.snapshots.Refresh(ctx); err != nil {
		d.log.WithError(err).Warn("snapshot refresh after scan failed")
	}
	return st, nil
}

// ScanAll checks every container immediately with bounded concurrency.
func (d *Detector) ScanAll(ctx context.Context) error {
	snap := d.snapshots.Current()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	for _, c := range snap.Containers {
		g.Go(func() error {
			d.scanContainer(gctx, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := d.snapshots.Refresh(ctx); err != nil {
		d.log.WithError(err).Warn("snapshot refresh after scan failed")
	}
	return nil
}

// Run drives the periodic sweep until ctx is canceled. Each pass scans
// the containers whose interval has elapsed and prunes statuses of
// containers that no longer exist.
func (d *Detector) Run(ctx context.Context) {
	timer := d.clock.NewTimer(sweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			d.sweep(ctx)
			timer.Reset(sweepInterval)
		}
	}
}

func (d *Detector) sweep(ctx context.Context) {
	snap := d.snapshots.Current()
	now := d.clock.Now()

	var due []domain.ContainerSnapshot
	alive := make(map[domain.ResourceID]bool, len(snap.Containers))
	for _, c := range snap.Containers {
		alive[c.ID] = true
		pref := d.prefFor(c.ID)
		d.mu.Lock()
		st := d.statuses[c.ID]
		d.mu.Unlock()
		if st == nil || now.Sub(st.CheckedAt) >= pref.interval {
			due = append(due, c)
		}
	}
	d.prune(alive)

	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)
	changed := false
	var mu sync.Mutex
	for _, c := range due {
		g.Go(func() error {
			before := d.StatusFor(c.ID)
			after := d.scanContainer(gctx, c)
			if before == nil || after == nil || before.State != after.State || before.RemoteDigest != after.RemoteDigest {
				mu.Lock()
				changed = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if changed {
		if err := d.snapshots.Refresh(ctx); err != nil {
			d.log.WithError(err).Warn("snapshot refresh after sweep failed")
		}
	}
}

// prune drops statuses whose owning container disappeared; this is the
// only way a status is ever deleted.
func (d *Detector) prune(alive map[domain.ResourceID]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.statuses {
		if !alive[id] {
			delete(d.statuses, id)
			delete(d.prefs, id)
		}
	}
}

// scanContainer resolves local and remote identity for one container and
// records the verdict. A registry failure degrades the state to
// check_failed and preserves previously known digests: an update check
// must never silently downgrade certainty.
func (d *Detector) scanContainer(ctx context.Context, c domain.ContainerSnapshot) *domain.UpdateStatus {
	pref := d.prefFor(c.ID)

	st := domain.UpdateStatus{
		ContainerID: c.ID,
		State:       domain.UpdateUnknown,
		Interval:    pref.interval,
		TrackTag:    pref.track,
		CheckedAt:   d.clock.Now(),
	}

	local, err := d.engine.InspectImage(ctx, string(c.ImageID))
	if err != nil {
		st.State = domain.UpdateCheckFailed
		st.LastError = err.Error()
		return d.store(c.ID, st)
	}

	imageRef := c.ImageRef
	if imageRef == "" || strings.HasPrefix(imageRef, "sha256:") {
		if len(local.Tags) > 0 {
			imageRef = local.Tags[0]
		}
	}
	named, err := parseRef(imageRef)
	if err != nil {
		st.LastError = fmt.Sprintf("image reference %q is not checkable: %v", imageRef, err)
		return d.store(c.ID, st)
	}

	// Containers sharing an image scan one at a time, so a manual scan
	// racing the sweep never doubles up registry fetches for the ref.
	refKey := reference.FamiliarName(named)
	d.refLocks.Lock(refKey)
	defer d.refLocks.Unlock(refKey)

	st.LocalDigest = local.Digest(reference.FamiliarName(named))
	st.LocalVersion = localVersion(local, named)

	checkRef := checkReference(named, pref.track)

	remote, err := d.resolveRemote(ctx, checkRef)
	if err != nil {
		st.State = domain.UpdateCheckFailed
		st.LastError = err.Error()
		d.log.WithFields(logrus.Fields{"container": c.Name, "ref": checkRef}).WithError(err).Debug("update check failed")
		return d.store(c.ID, st)
	}

	st.RemoteDigest = remote.Digest
	st.RemoteVersion = remote.Version
	st.Changelog = remote.Changelog
	st.BreakingChanges = remote.BreakingChanges
	if st.RemoteVersion == "" {
		st.RemoteVersion = st.LocalVersion
	}
	if st.Changelog == "" {
		st.Changelog = domain.LabelValue(local.Labels, domain.ChangelogLabelKeys)
	}
	if st.BreakingChanges == "" {
		st.BreakingChanges = domain.LabelValue(local.Labels, domain.BreakingLabelKeys)
	}

	localCompare := string(st.LocalDigest)
	if localCompare == "" {
		localCompare = string(local.ID)
	}
	if string(remote.Digest) == localCompare {
		st.State = domain.UpdateUpToDate
	} else {
		st.State = domain.UpdateAvailable
	}
	return d.store(c.ID, st)
}

// store merges the new verdict over the previous one, keeping older
// digest knowledge when the new scan could not resolve it.
func (d *Detector) store(id domain.ResourceID, st domain.UpdateStatus) *domain.UpdateStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev := d.statuses[id]; prev != nil {
		if st.LocalDigest == "" {
			st.LocalDigest = prev.LocalDigest
		}
		if st.RemoteDigest == "" {
			st.RemoteDigest = prev.RemoteDigest
		}
		if st.LocalVersion == "" {
			st.LocalVersion = prev.LocalVersion
		}
		if st.RemoteVersion == "" {
			st.RemoteVersion = prev.RemoteVersion
		}
	}
	d.statuses[id] = &st
	out := st
	return &out
}

func (d *Detector) resolveRemote(ctx context.Context, ref string) (ports.RemoteImage, error) {
	var remote ports.RemoteImage
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			remote, err = d.registry.ResolveRemote(ctx, ref)
			return err
		},
		IsFatalError: func(err error) bool {
			// Credentials will not fix themselves between attempts.
			return errors.Is(err, domain.ErrRegistryAuthFailed)
		},
		Attempts:    registryAttempts,
		Delay:       registryDelay,
		MaxDelay:    registryMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       d.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return ports.RemoteImage{}, retry.LastError(err)
	}
	return remote, nil
}

func parseRef(ref string) (reference.Named, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty reference")
	}
	// Strip any digest suffix: the registry is asked by tag.
	if i := strings.IndexByte(ref, '@'); i >= 0 {
		ref = ref[:i]
	}
	return reference.ParseNormalizedNamed(ref)
}

// checkReference builds the reference queried against the registry,
// substituting the tracked tag when one is pinned.
func checkReference(named reference.Named, track string) string {
	if track != "" {
		if tagged, err := reference.WithTag(reference.TrimNamed(named), track); err == nil {
			return reference.FamiliarString(tagged)
		}
	}
	return reference.FamiliarString(reference.TagNameOnly(named))
}

func localVersion(local ports.LocalImage, named reference.Named) string {
	if v := domain.LabelValue(local.Labels, domain.VersionLabelKeys); v != "" {
		return v
	}
	if tagged, ok := named.(reference.Tagged); ok {
		return tagged.Tag()
	}
	return local.ID.Short()
}
