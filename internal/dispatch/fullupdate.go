package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stackwatch/stackwatch/internal/core/domain"
)

// cleanupTimeout bounds the rename-back and removal calls that settle an
// update. They run on fresh contexts so the protocol still reaches a
// well-defined state when the command's own deadline expired mid-flight.
const cleanupTimeout = 2 * time.Minute

// fullUpdate pulls the container's image and recreates the container on
// the fresh image, preserving its configuration. The protocol never
// destroys the old container until the replacement is running:
//
//  1. capture spec, pull image    — failure leaves the old container untouched
//  2. stop old, rename it aside   — frees the name for the replacement
//  3. create + start replacement  — failure removes the half-made
//     replacement, restores the old container's name and leaves it
//     stopped-but-present
//  4. replacement running         — only now is the old container removed
func (d *Dispatcher) fullUpdate(ctx context.Context, id domain.ResourceID, target domain.ContainerSnapshot) error {
	log := d.log.WithFields(logrus.Fields{"container": target.Name, "action": domain.ActionFullUpdate})

	spec, err := d.engine.CaptureSpec(ctx, id)
	if err != nil {
		return fmt.Errorf("capturing container config: %w", err)
	}
	name := spec.ContainerName()
	imageRef := spec.ImageRef()

	if err := d.engine.PullImage(ctx, imageRef); err != nil {
		return fmt.Errorf("pulling %s: %w", imageRef, err)
	}

	if err := d.engine.Execute(ctx, id, domain.ActionStop); err != nil {
		return fmt.Errorf("stopping old container: %w", err)
	}
	parkedName := name + ".old"
	if err := d.engine.RenameContainer(ctx, id, parkedName); err != nil {
		return fmt.Errorf("parking old container: %w", err)
	}

	restoreOld := func(cause error) error {
		rctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if rerr := d.engine.RenameContainer(rctx, id, name); rerr != nil {
			log.WithError(rerr).Error("failed to restore old container name after aborted update")
		}
		return cause
	}

	newID, err := d.engine.CreateContainer(ctx, spec, name)
	if err != nil {
		return restoreOld(fmt.Errorf("creating replacement: %w", err))
	}

	if err := d.engine.StartContainer(ctx, newID); err == nil {
		err = d.engine.WaitRunning(ctx, newID)
	} else {
		err = fmt.Errorf("starting replacement: %w", err)
	}
	if err != nil {
		rctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		if rerr := d.engine.RemoveContainer(rctx, newID, true); rerr != nil {
			log.WithError(rerr).Error("failed to remove dead replacement container")
		}
		cancel()
		return restoreOld(err)
	}

	// Replacement is running; the old container is no longer needed. Its
	// removal also survives an expired command deadline, so the parked
	// copy never lingers.
	rctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := d.engine.RemoveContainer(rctx, id, true); err != nil {
		log.WithError(err).Warn("replacement is running but the old container could not be removed")
	}
	log.Info("container recreated on updated image")
	return nil
}
