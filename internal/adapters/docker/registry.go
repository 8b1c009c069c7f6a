package docker

import (
	"context"
	"fmt"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
)

// ResolveRemote asks the image's registry for the current manifest
// descriptor of ref. Read-only: nothing is pulled. Release metadata is
// taken verbatim from the descriptor annotations when present.
func (a *Adapter) ResolveRemote(ctx context.Context, ref string) (ports.RemoteImage, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	dist, err := a.cli.DistributionInspect(ctx, ref, "")
	if err != nil {
		return ports.RemoteImage{}, fmt.Errorf("failed to resolve remote digest for %s: %w", ref, mapRegistryErr(err))
	}

	annotations := dist.Descriptor.Annotations
	return ports.RemoteImage{
		Digest:          dist.Descriptor.Digest,
		Version:         domain.LabelValue(annotations, domain.VersionLabelKeys),
		Changelog:       domain.LabelValue(annotations, domain.ChangelogLabelKeys),
		BreakingChanges: domain.LabelValue(annotations, domain.BreakingLabelKeys),
	}, nil
}

var _ ports.Registry = (*Adapter)(nil)
