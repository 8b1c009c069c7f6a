// Package http exposes the fleet over a small JSON API. It is a thin
// interface adapter: every handler reads the snapshot cache or forwards
// to the dispatcher and detector, and holds no state of its own.
package http

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/stackwatch/stackwatch/internal/bridge"
	"github.com/stackwatch/stackwatch/internal/cache"
	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
	"github.com/stackwatch/stackwatch/internal/dispatch"
	"github.com/stackwatch/stackwatch/internal/prefs"
	"github.com/stackwatch/stackwatch/internal/updates"
)

type FleetHandler struct {
	snapshots  *cache.Store
	detector   *updates.Detector
	dispatcher *dispatch.Dispatcher
	bus        *bridge.Bridge
	prefs      *prefs.Store
	engine     ports.Engine
	log        logrus.FieldLogger
}

func NewFleetHandler(snapshots *cache.Store, detector *updates.Detector, dispatcher *dispatch.Dispatcher, bus *bridge.Bridge, prefStore *prefs.Store, engine ports.Engine, log logrus.FieldLogger) *FleetHandler {
	return &FleetHandler{
		snapshots:  snapshots,
		detector:   detector,
		dispatcher: dispatcher,
		bus:        bus,
		prefs:      prefStore,
		engine:     engine,
		log:        log,
	}
}

// fail maps domain sentinels onto HTTP statuses.
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = fiber.StatusConflict
	case errors.Is(err, domain.ErrPreconditionFailed):
		status = fiber.StatusPreconditionFailed
	case errors.Is(err, domain.ErrEngineUnavailable), errors.Is(err, domain.ErrBrokerUnavailable):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (h *FleetHandler) Healthz(c *fiber.Ctx) error {
	snap := h.snapshots.Current()
	engineUp := h.engine.Ping(c.Context()) == nil
	status := fiber.StatusOK
	if !engineUp {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"engine":              engineUp,
		"snapshot_generation": snap.Generation,
		"snapshot_stale":      snap.Stale,
		"bridge_connected":    h.bus.Connected(),
	})
}

func (h *FleetHandler) GetSnapshot(c *fiber.Ctx) error {
	return c.JSON(h.snapshots.Current())
}

func (h *FleetHandler) GetStacks(c *fiber.Ctx) error {
	return c.JSON(h.snapshots.Current().Stacks)
}

func (h *FleetHandler) ListContainers(c *fiber.Ctx) error {
	return c.JSON(h.snapshots.Current().Containers)
}

func (h *FleetHandler) GetContainer(c *fiber.Ctx) error {
	id := domain.ResourceID(c.Params("id"))
	snap, ok := h.snapshots.Current().Container(id)
	if !ok {
		return fail(c, domain.ErrNotFound)
	}
	return c.JSON(snap)
}

func (h *FleetHandler) GetContainerLogs(c *fiber.Ctx) error {
	id := domain.ResourceID(c.Params("id"))
	container, ok := h.snapshots.Current().Container(id)
	if !ok {
		return fail(c, domain.ErrNotFound)
	}

	tail := 100
	if q := c.Query("tail"); q != "" {
		if q == "all" {
			tail = 0
		} else if n, err := strconv.Atoi(q); err == nil && n > 0 {
			tail = n
		}
	}

	logs, err := h.engine.Logs(c.Context(), container.ID, tail)
	if err != nil {
		return fail(c, err)
	}
	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(logs)
}

func (h *FleetHandler) Refresh(c *fiber.Ctx) error {
	if err := h.snapshots.Refresh(c.Context()); err != nil {
		return fail(c, err)
	}
	return c.JSON(h.snapshots.Current())
}

func (h *FleetHandler) GetUpdateStatus(c *fiber.Ctx) error {
	id := domain.ResourceID(c.Params("id"))
	container, ok := h.snapshots.Current().Container(id)
	if !ok {
		return fail(c, domain.ErrNotFound)
	}
	st := h.detector.StatusFor(container.ID)
	if st == nil {
		return c.JSON(fiber.Map{"container_id": container.ID, "state": domain.UpdateUnknown})
	}
	return c.JSON(st)
}

func (h *FleetHandler) ScanContainer(c *fiber.Ctx) error {
	id := domain.ResourceID(c.Params("id"))
	st, err := h.detector.Scan(c.Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(st)
}

func (h *FleetHandler) ScanAll(c *fiber.Ctx) error {
	if err := h.detector.ScanAll(c.Context()); err != nil {
		return fail(c, err)
	}
	return c.JSON(h.snapshots.Current())
}

type updateSettingsRequest struct {
	Interval string `json:"interval,omitempty"`
	Track    string `json:"track,omitempty"`
}

// SetUpdateSettings adjusts scan cadence and the tracked tag for one
// container. The interval is clamped to the supported range and the
// applied values are echoed back.
func (h *FleetHandler) SetUpdateSettings(c *fiber.Ctx) error {
	id := domain.ResourceID(c.Params("id"))
	container, ok := h.snapshots.Current().Container(id)
	if !ok {
		return fail(c, domain.ErrNotFound)
	}

	var req updateSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	resp := fiber.Map{"container_id": container.ID}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid interval: " + err.Error()})
		}
		resp["interval"] = h.detector.SetInterval(container.ID, d).String()
	}
	resp["track"] = h.detector.SetTrack(container.ID, req.Track)
	return c.JSON(resp)
}

type commandRequest struct {
	Action string `json:"action"`
	Force  bool   `json:"force,omitempty"`
}

// SubmitCommand accepts a lifecycle command and returns 202 with the
// command id; the caller polls GetCommand for the outcome.
func (h *FleetHandler) SubmitCommand(c *fiber.Ctx) error {
	id := domain.ResourceID(c.Params("id"))

	var req commandRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	action, ok := domain.ParseAction(req.Action)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown action " + req.Action})
	}

	pending, err := h.dispatcher.Submit(c.Context(), id, action, req.Force)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(pending.Request())
}

func (h *FleetHandler) GetCommand(c *fiber.Ctx) error {
	req, ok := h.dispatcher.Outcome(c.Params("id"))
	if !ok {
		return fail(c, domain.ErrNotFound)
	}
	return c.JSON(req)
}

func (h *FleetHandler) ListImages(c *fiber.Ctx) error {
	return c.JSON(h.snapshots.Current().Images)
}

// PruneImages removes every image no container uses and reports what was
// removed and what failed.
func (h *FleetHandler) PruneImages(c *fiber.Ctx) error {
	snap := h.snapshots.Current()
	removed := []string{}
	failed := []string{}
	for _, img := range snap.Images {
		if !img.Unused() {
			continue
		}
		if err := h.engine.RemoveImage(c.Context(), img.ID); err != nil {
			h.log.WithField("image", img.ID.Short()).WithError(err).Warn("image prune failed")
			failed = append(failed, img.ID.Short())
			continue
		}
		removed = append(removed, img.ID.Short())
	}
	if err := h.snapshots.Refresh(c.Context()); err != nil {
		h.log.WithError(err).Warn("snapshot refresh after prune failed")
	}
	return c.JSON(fiber.Map{"removed": removed, "failed": failed})
}

func (h *FleetHandler) GetBridgeState(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"enabled":   h.bus.Enabled(),
		"connected": h.bus.Connected(),
	})
}

type bridgeStateRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetBridgeState enables or disables the bus bridge at runtime.
// Disabling deregisters every published entity; 503 when no broker is
// configured at all.
func (h *FleetHandler) SetBridgeState(c *fiber.Ctx) error {
	var req bridgeStateRequest
	if err := c.BodyParser(&req); err != nil || req.Enabled == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "body must carry an enabled flag"})
	}
	if err := h.bus.SetEnabled(c.Context(), *req.Enabled); err != nil {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{
		"enabled":   h.bus.Enabled(),
		"connected": h.bus.Connected(),
	})
}

func (h *FleetHandler) GetBridgeHistory(c *fiber.Ctx) error {
	limit := 50
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		limit = n
	}
	return c.JSON(h.bus.History(limit))
}

func (h *FleetHandler) GetContainerPrefs(c *fiber.Ctx) error {
	return c.JSON(h.prefs.For(c.Params("stable_id")))
}

func (h *FleetHandler) SetContainerPrefs(c *fiber.Ctx) error {
	var p prefs.ContainerPrefs
	if err := c.BodyParser(&p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	stableID := c.Params("stable_id")
	if err := h.prefs.Set(stableID, p); err != nil {
		return fail(c, err)
	}
	return c.JSON(h.prefs.For(stableID))
}

func (h *FleetHandler) GetGlobalPrefs(c *fiber.Ctx) error {
	return c.JSON(h.prefs.Global())
}

func (h *FleetHandler) SetGlobalPrefs(c *fiber.Ctx) error {
	var g prefs.GlobalPrefs
	if err := c.BodyParser(&g); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := h.prefs.SetGlobal(g); err != nil {
		return fail(c, err)
	}
	return c.JSON(h.prefs.Global())
}

func (h *FleetHandler) ReloadPrefs(c *fiber.Ctx) error {
	if err := h.prefs.Reload(); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
