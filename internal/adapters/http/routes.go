package http

import "github.com/gofiber/fiber/v2"

// Register mounts every route on the app.
func Register(app *fiber.App, h *FleetHandler) {
	app.Get("/healthz", h.Healthz)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	v1.Get("/snapshot", h.GetSnapshot)
	v1.Post("/snapshot/refresh", h.Refresh)
	v1.Get("/stacks", h.GetStacks)

	containers := v1.Group("/containers")
	containers.Get("/", h.ListContainers)
	containers.Get("/:id", h.GetContainer)
	containers.Get("/:id/logs", h.GetContainerLogs)
	containers.Get("/:id/update", h.GetUpdateStatus)
	containers.Post("/:id/update/scan", h.ScanContainer)
	containers.Put("/:id/update", h.SetUpdateSettings)
	containers.Post("/:id/commands", h.SubmitCommand)

	v1.Post("/updates/scan", h.ScanAll)
	v1.Get("/commands/:id", h.GetCommand)

	images := v1.Group("/images")
	images.Get("/", h.ListImages)
	images.Post("/prune", h.PruneImages)

	bus := v1.Group("/bridge")
	bus.Get("/", h.GetBridgeState)
	bus.Put("/", h.SetBridgeState)
	bus.Get("/history", h.GetBridgeHistory)

	p := v1.Group("/prefs")
	p.Get("/global", h.GetGlobalPrefs)
	p.Put("/global", h.SetGlobalPrefs)
	p.Post("/reload", h.ReloadPrefs)
	p.Get("/:stable_id", h.GetContainerPrefs)
	p.Put("/:stable_id", h.SetContainerPrefs)
}
