// Package enginetest provides a configurable in-memory ports.Engine and
// ports.Registry for tests. Every method delegates to an optional
// function field and records the call, so tests assert on behavior and
// ordering without a live engine.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
)

// Spec is the fake's ContainerSpec.
type Spec struct {
	Name  string
	Image string
}

func (s Spec) ContainerName() string { return s.Name }
func (s Spec) ImageRef() string      { return s.Image }

// Fake implements ports.Engine and ports.Registry. The zero value is a
// healthy engine with nothing on it.
type Fake struct {
	mu    sync.Mutex
	calls []string

	PingFunc            func(ctx context.Context) error
	ListContainersFunc  func(ctx context.Context) ([]domain.ContainerSnapshot, error)
	InspectFunc         func(ctx context.Context, id domain.ResourceID) (domain.ContainerSnapshot, error)
	StatsFunc           func(ctx context.Context, id domain.ResourceID) (domain.UsageSample, error)
	LogsFunc            func(ctx context.Context, id domain.ResourceID, tail int) (string, error)
	ListImagesFunc      func(ctx context.Context) ([]domain.ImageSnapshot, error)
	InspectImageFunc    func(ctx context.Context, ref string) (ports.LocalImage, error)
	RemoveImageFunc     func(ctx context.Context, id domain.ResourceID) error
	ExecuteFunc         func(ctx context.Context, id domain.ResourceID, action domain.Action) error
	RemoveContainerFunc func(ctx context.Context, id domain.ResourceID, force bool) error
	CaptureSpecFunc     func(ctx context.Context, id domain.ResourceID) (ports.ContainerSpec, error)
	PullImageFunc       func(ctx context.Context, ref string) error
	CreateContainerFunc func(ctx context.Context, spec ports.ContainerSpec, name string) (domain.ResourceID, error)
	StartContainerFunc  func(ctx context.Context, id domain.ResourceID) error
	RenameContainerFunc func(ctx context.Context, id domain.ResourceID, name string) error
	WaitRunningFunc     func(ctx context.Context, id domain.ResourceID) error
	ResolveRemoteFunc   func(ctx context.Context, ref string) (ports.RemoteImage, error)
}

func (f *Fake) record(format string, args ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) Ping(ctx context.Context) error {
	f.record("ping")
	if f.PingFunc != nil {
		return f.PingFunc(ctx)
	}
	return nil
}

func (f *Fake) HostName(context.Context) string { return "testhost" }

func (f *Fake) ListContainers(ctx context.Context) ([]domain.ContainerSnapshot, error) {
	f.record("list-containers")
	if f.ListContainersFunc != nil {
		return f.ListContainersFunc(ctx)
	}
	return nil, nil
}

func (f *Fake) Inspect(ctx context.Context, id domain.ResourceID) (domain.ContainerSnapshot, error) {
	f.record("inspect %s", id.Short())
	if f.InspectFunc != nil {
		return f.InspectFunc(ctx, id)
	}
	return domain.ContainerSnapshot{ID: id}, nil
}

func (f *Fake) Stats(ctx context.Context, id domain.ResourceID) (domain.UsageSample, error) {
	f.record("stats %s", id.Short())
	if f.StatsFunc != nil {
		return f.StatsFunc(ctx, id)
	}
	return domain.UsageSample{}, nil
}

func (f *Fake) Logs(ctx context.Context, id domain.ResourceID, tail int) (string, error) {
	f.record("logs %s", id.Short())
	if f.LogsFunc != nil {
		return f.LogsFunc(ctx, id, tail)
	}
	return "", nil
}

func (f *Fake) ListImages(ctx context.Context) ([]domain.ImageSnapshot, error) {
	f.record("list-images")
	if f.ListImagesFunc != nil {
		return f.ListImagesFunc(ctx)
	}
	return nil, nil
}

func (f *Fake) InspectImage(ctx context.Context, ref string) (ports.LocalImage, error) {
	f.record("inspect-image %s", ref)
	if f.InspectImageFunc != nil {
		return f.InspectImageFunc(ctx, ref)
	}
	return ports.LocalImage{ID: domain.ResourceID(ref)}, nil
}

func (f *Fake) RemoveImage(ctx context.Context, id domain.ResourceID) error {
	f.record("remove-image %s", id.Short())
	if f.RemoveImageFunc != nil {
		return f.RemoveImageFunc(ctx, id)
	}
	return nil
}

func (f *Fake) Execute(ctx context.Context, id domain.ResourceID, action domain.Action) error {
	f.record("execute %s %s", action, id.Short())
	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, id, action)
	}
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, id domain.ResourceID, force bool) error {
	f.record("remove %s force=%t", id.Short(), force)
	if f.RemoveContainerFunc != nil {
		return f.RemoveContainerFunc(ctx, id, force)
	}
	return nil
}

func (f *Fake) CaptureSpec(ctx context.Context, id domain.ResourceID) (ports.ContainerSpec, error) {
	f.record("capture-spec %s", id.Short())
	if f.CaptureSpecFunc != nil {
		return f.CaptureSpecFunc(ctx, id)
	}
	return Spec{Name: "app", Image: "app:latest"}, nil
}

func (f *Fake) PullImage(ctx context.Context, ref string) error {
	f.record("pull %s", ref)
	if f.PullImageFunc != nil {
		return f.PullImageFunc(ctx, ref)
	}
	return nil
}

func (f *Fake) CreateContainer(ctx context.Context, spec ports.ContainerSpec, name string) (domain.ResourceID, error) {
	f.record("create %s", name)
	if f.CreateContainerFunc != nil {
		return f.CreateContainerFunc(ctx, spec, name)
	}
	return "new-container", nil
}

func (f *Fake) StartContainer(ctx context.Context, id domain.ResourceID) error {
	f.record("start %s", id.Short())
	if f.StartContainerFunc != nil {
		return f.StartContainerFunc(ctx, id)
	}
	return nil
}

func (f *Fake) RenameContainer(ctx context.Context, id domain.ResourceID, name string) error {
	f.record("rename %s %s", id.Short(), name)
	if f.RenameContainerFunc != nil {
		return f.RenameContainerFunc(ctx, id, name)
	}
	return nil
}

func (f *Fake) WaitRunning(ctx context.Context, id domain.ResourceID) error {
	f.record("wait-running %s", id.Short())
	if f.WaitRunningFunc != nil {
		return f.WaitRunningFunc(ctx, id)
	}
	return nil
}

func (f *Fake) ResolveRemote(ctx context.Context, ref string) (ports.RemoteImage, error) {
	f.record("resolve-remote %s", ref)
	if f.ResolveRemoteFunc != nil {
		return f.ResolveRemoteFunc(ctx, ref)
	}
	return ports.RemoteImage{}, nil
}

var (
	_ ports.Engine   = (*Fake)(nil)
	_ ports.Registry = (*Fake)(nil)
)
