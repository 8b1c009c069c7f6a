package ports

import (
	"context"

	"github.com/opencontainers/go-digest"
	"github.com/stackwatch/stackwatch/internal/core/domain"
)

// ContainerSpec captures everything needed to recreate a container. The
// concrete value is owned by the engine adapter; the core only threads it
// from CaptureSpec to CreateContainer.
type ContainerSpec interface {
	ContainerName() string
	ImageRef() string
}

// LocalImage is the locally stored identity of a container's image, as
// the update detector needs it.
type LocalImage struct {
	ID          domain.ResourceID
	RepoDigests []string
	Tags        []string
	Labels      map[string]string
}

// Digest resolves the repo digest matching repo, falling back to the
// first repo digest when no entry matches.
func (l LocalImage) Digest(repo string) digest.Digest {
	var fallback digest.Digest
	for _, rd := range l.RepoDigests {
		r, d, ok := splitRepoDigest(rd)
		if !ok {
			continue
		}
		if fallback == "" {
			fallback = d
		}
		if repo != "" && r == repo {
			return d
		}
	}
	return fallback
}

func splitRepoDigest(rd string) (string, digest.Digest, bool) {
	for i := 0; i < len(rd); i++ {
		if rd[i] == '@' {
			d, err := digest.Parse(rd[i+1:])
			if err != nil {
				return "", "", false
			}
			return rd[:i], d, true
		}
	}
	return "", "", false
}

// Engine is the core's contract with the host container engine. All
// operations are synchronous, bounded by the adapter's timeout, and free
// of caching or retries; that discipline lives above this layer.
// An unreachable engine surfaces as domain.ErrEngineUnavailable.
type Engine interface {
	Ping(ctx context.Context) error
	HostName(ctx context.Context) string

	ListContainers(ctx context.Context) ([]domain.ContainerSnapshot, error)
	Inspect(ctx context.Context, id domain.ResourceID) (domain.ContainerSnapshot, error)
	Stats(ctx context.Context, id domain.ResourceID) (domain.UsageSample, error)
	Logs(ctx context.Context, id domain.ResourceID, tail int) (string, error)

	ListImages(ctx context.Context) ([]domain.ImageSnapshot, error)
	InspectImage(ctx context.Context, ref string) (LocalImage, error)
	RemoveImage(ctx context.Context, id domain.ResourceID) error

	// Execute runs a simple lifecycle action (start, stop, restart,
	// pause, unpause). Idempotent: repeating an action that is already
	// satisfied succeeds as a no-op.
	Execute(ctx context.Context, id domain.ResourceID, action domain.Action) error
	RemoveContainer(ctx context.Context, id domain.ResourceID, force bool) error

	// Primitives for the compound full-update protocol.
	CaptureSpec(ctx context.Context, id domain.ResourceID) (ContainerSpec, error)
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec, name string) (domain.ResourceID, error)
	StartContainer(ctx context.Context, id domain.ResourceID) error
	RenameContainer(ctx context.Context, id domain.ResourceID, name string) error
	WaitRunning(ctx context.Context, id domain.ResourceID) error
}

// RemoteImage is the registry's current identity for an image reference.
type RemoteImage struct {
	Digest          digest.Digest
	Version         string
	Changelog       string
	BreakingChanges string
}

// Registry resolves remote image metadata. Read-only: the system never
// pushes images.
type Registry interface {
	ResolveRemote(ctx context.Context, ref string) (RemoteImage, error)
}
