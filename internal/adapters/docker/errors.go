package docker

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/stackwatch/stackwatch/internal/core/domain"
)

// mapEngineErr folds SDK and transport failures into the domain taxonomy
// so callers can branch with errors.Is instead of sniffing strings.
func mapEngineErr(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err),
		errors.Is(err, context.DeadlineExceeded),
		isNetError(err):
		return fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", domain.ErrPreconditionFailed, err)
	default:
		return err
	}
}

// mapRegistryErr classifies remote distribution failures. Auth rejections
// and unreachable registries degrade an update check, never crash it.
func mapRegistryErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsUnauthorized(err), errdefs.IsForbidden(err):
		return fmt.Errorf("%w: %v", domain.ErrRegistryAuthFailed, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrRegistryUnreachable, err)
	}
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
