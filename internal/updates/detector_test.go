package updates

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
	"github.com/stackwatch/stackwatch/internal/enginetest"
)

var (
	digestA = digest.Digest("sha256:" + strings.Repeat("a", 64))
	digestB = digest.Digest("sha256:" + strings.Repeat("b", 64))
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type stubSnapshots struct {
	snap      *domain.Snapshot
	refreshed int
}

func (s *stubSnapshots) Current() *domain.Snapshot { return s.snap }
func (s *stubSnapshots) Refresh(context.Context) error {
	s.refreshed++
	return nil
}

func webContainer() domain.ContainerSnapshot {
	return domain.ContainerSnapshot{
		ID:       "aaa111aaa111aaa111",
		Name:     "web",
		ImageID:  "sha256:imgimgimgimg",
		ImageRef: "ghcr.io/acme/web:1.2",
	}
}

func webEngine(labels map[string]string) *enginetest.Fake {
	return &enginetest.Fake{
		InspectImageFunc: func(context.Context, string) (ports.LocalImage, error) {
			return ports.LocalImage{
				ID:          "sha256:imgimgimgimg",
				RepoDigests: []string{"ghcr.io/acme/web@" + digestA.String()},
				Tags:        []string{"ghcr.io/acme/web:1.2"},
				Labels:      labels,
			}, nil
		},
	}
}

func snapshotsWith(c domain.ContainerSnapshot) *stubSnapshots {
	return &stubSnapshots{snap: &domain.Snapshot{Containers: []domain.ContainerSnapshot{c}}}
}

func TestScanUpToDate(t *testing.T) {
	engine := webEngine(nil)
	engine.ResolveRemoteFunc = func(_ context.Context, ref string) (ports.RemoteImage, error) {
		assert.Equal(t, ref, "ghcr.io/acme/web:1.2")
		return ports.RemoteImage{Digest: digestA}, nil
	}
	clk := testclock.NewClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	snaps := snapshotsWith(webContainer())
	d := New(engine, engine, snaps, clk, testLogger())

	st, err := d.Scan(context.Background(), "aaa111aaa111aaa111")
	assert.NilError(t, err)
	assert.Equal(t, st.State, domain.UpdateUpToDate)
	assert.Equal(t, st.LocalDigest, digestA)
	assert.Equal(t, st.RemoteDigest, digestA)
	// The running tag names the installed version when no label does.
	assert.Equal(t, st.LocalVersion, "1.2")
	assert.Assert(t, snaps.refreshed > 0)
}

func TestScanUpdateAvailableWithReleaseMetadata(t *testing.T) {
	engine := webEngine(map[string]string{"io.hass.version": "1.2.0"})
	engine.ResolveRemoteFunc = func(context.Context, string) (ports.RemoteImage, error) {
		return ports.RemoteImage{
			Digest:          digestB,
			Version:         "1.3.0",
			Changelog:       "faster startup",
			BreakingChanges: "config format changed",
		}, nil
	}
	clk := testclock.NewClock(time.Now())
	d := New(engine, engine, snapshotsWith(webContainer()), clk, testLogger())

	st, err := d.Scan(context.Background(), "aaa111aaa111aaa111")
	assert.NilError(t, err)
	assert.Equal(t, st.State, domain.UpdateAvailable)
	assert.Equal(t, st.LocalVersion, "1.2.0")
	assert.Equal(t, st.RemoteVersion, "1.3.0")
	assert.Equal(t, st.Changelog, "faster startup")
	assert.Equal(t, st.BreakingChanges, "config format changed")
}

func TestScanFailurePreservesKnownDigests(t *testing.T) {
	engine := webEngine(nil)
	engine.ResolveRemoteFunc = func(context.Context, string) (ports.RemoteImage, error) {
		return ports.RemoteImage{Digest: digestA}, nil
	}
	clk := testclock.NewClock(time.Now())
	d := New(engine, engine, snapshotsWith(webContainer()), clk, testLogger())

	st, err := d.Scan(context.Background(), "aaa111aaa111aaa111")
	assert.NilError(t, err)
	assert.Equal(t, st.State, domain.UpdateUpToDate)

	// Registry goes away with a non-retryable error.
	engine.ResolveRemoteFunc = func(context.Context, string) (ports.RemoteImage, error) {
		return ports.RemoteImage{}, domain.ErrRegistryAuthFailed
	}
	st, err = d.Scan(context.Background(), "aaa111aaa111aaa111")
	assert.NilError(t, err)
	assert.Equal(t, st.State, domain.UpdateCheckFailed)
	assert.Assert(t, st.LastError != "")
	// Previously resolved identity survives the failed check.
	assert.Equal(t, st.LocalDigest, digestA)
	assert.Equal(t, st.RemoteDigest, digestA)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	attempts := 0
	engine := webEngine(nil)
	engine.ResolveRemoteFunc = func(context.Context, string) (ports.RemoteImage, error) {
		attempts++
		return ports.RemoteImage{}, domain.ErrRegistryAuthFailed
	}
	clk := testclock.NewClock(time.Now())
	d := New(engine, engine, snapshotsWith(webContainer()), clk, testLogger())

	st, err := d.Scan(context.Background(), "aaa111aaa111aaa111")
	assert.NilError(t, err)
	assert.Equal(t, st.State, domain.UpdateCheckFailed)
	assert.Equal(t, attempts, 1)
}

func TestStatusForDowngradesStaleVerdict(t *testing.T) {
	engine := webEngine(nil)
	engine.ResolveRemoteFunc = func(context.Context, string) (ports.RemoteImage, error) {
		return ports.RemoteImage{Digest: digestB}, nil
	}
	clk := testclock.NewClock(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	d := New(engine, engine, snapshotsWith(webContainer()), clk, testLogger())

	st, err := d.Scan(context.Background(), "aaa111aaa111aaa111")
	assert.NilError(t, err)
	assert.Equal(t, st.State, domain.UpdateAvailable)

	// Within the trust window the verdict stands.
	clk.Advance(time.Hour)
	assert.Equal(t, d.StatusFor("aaa111aaa111aaa111").State, domain.UpdateAvailable)

	// Past twice the interval it degrades to unknown, digests intact.
	clk.Advance(3 * time.Hour)
	eff := d.StatusFor("aaa111aaa111aaa111")
	assert.Equal(t, eff.State, domain.UpdateUnknown)
	assert.Equal(t, eff.RemoteDigest, digestB)
}

func TestTrackTagOverridesCheckedReference(t *testing.T) {
	var asked string
	engine := webEngine(nil)
	engine.ResolveRemoteFunc = func(_ context.Context, ref string) (ports.RemoteImage, error) {
		asked = ref
		return ports.RemoteImage{Digest: digestA}, nil
	}
	clk := testclock.NewClock(time.Now())
	d := New(engine, engine, snapshotsWith(webContainer()), clk, testLogger())

	d.SetTrack("aaa111aaa111aaa111", "latest")
	_, err := d.Scan(context.Background(), "aaa111aaa111aaa111")
	assert.NilError(t, err)
	assert.Equal(t, asked, "ghcr.io/acme/web:latest")

	// Clearing the override reverts to the running tag.
	d.SetTrack("aaa111aaa111aaa111", "")
	_, err = d.Scan(context.Background(), "aaa111aaa111aaa111")
	assert.NilError(t, err)
	assert.Equal(t, asked, "ghcr.io/acme/web:1.2")
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, ClampInterval(time.Second), MinInterval)
	assert.Equal(t, ClampInterval(48*time.Hour), MaxInterval)
	assert.Equal(t, ClampInterval(2*time.Hour), 2*time.Hour)
}

func TestSetIntervalUpdatesStoredStatus(t *testing.T) {
	engine := webEngine(nil)
	engine.ResolveRemoteFunc = func(context.Context, string) (ports.RemoteImage, error) {
		return ports.RemoteImage{Digest: digestA}, nil
	}
	clk := testclock.NewClock(time.Now())
	d := New(engine, engine, snapshotsWith(webContainer()), clk, testLogger())

	_, err := d.Scan(context.Background(), "aaa111aaa111aaa111")
	assert.NilError(t, err)

	applied := d.SetInterval("aaa111aaa111aaa111", 10*time.Minute)
	assert.Equal(t, applied, 10*time.Minute)
	assert.Equal(t, d.StatusFor("aaa111aaa111aaa111").Interval, 10*time.Minute)
}

func TestScanUnknownContainer(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	engine := &enginetest.Fake{}
	d := New(engine, engine, snapshotsWith(webContainer()), clk, testLogger())

	_, err := d.Scan(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
