package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/stackwatch/stackwatch/internal/core/domain"
)

// Entity unique ids are derived from stack+name, not engine ids, so the
// hub keeps the same entity across container recreations and treats a
// restart of this service as a no-op re-registration.
const uniqueIDPrefix = "stackwatch"

var actionLabels = map[domain.Action]string{
	domain.ActionStart:      "Start",
	domain.ActionPause:      "Pause",
	domain.ActionStop:       "Stop",
	domain.ActionRestart:    "Restart",
	domain.ActionDelete:     "Delete",
	domain.ActionFullUpdate: "Update (pull + recreate)",
}

func (b *Bridge) deviceInfo() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{b.cfg.NodeID},
		"name":         b.cfg.NodeID,
		"manufacturer": "stackwatch",
		"model":        "Container fleet monitor",
	}
}

// publishAll pushes discovery, state and attributes for every exposed
// entity, then clears retained topics of containers that disappeared.
func (b *Bridge) publishAll(ctx context.Context) {
	if !b.Connected() || b.isSuspended() {
		return
	}
	snap := b.snapshots.Current()
	device := b.deviceInfo()

	b.publishEngineStatus(ctx, snap, device)

	global := b.prefs.Global()
	b.publishGlobalButton(ctx, "docker_delete_unused_images", "Delete unused images",
		"delete_unused_images", "mdi:trash-can-outline", device, global.DeleteUnusedImages)
	b.publishGlobalButton(ctx, "docker_full_update_all", "Update all containers",
		"full_update_all", "mdi:update", device, global.FullUpdateAll)
	b.publishUpdatesOverview(ctx, snap, device, global.UpdatesOverview)

	current := make(map[string]bool)
	stableIDs := make(map[string]bool)
	for _, c := range snap.Containers {
		if b.isSelf(c) {
			continue
		}
		slug := domain.Slug(c.Name, c.ID)
		current[slug] = true
		stableIDs[c.StableID()] = true

		b.mu.Lock()
		b.slugMap[slug] = c.ID
		b.mu.Unlock()

		b.publishContainer(ctx, c, slug, device)
	}

	b.clearStaleSlugs(ctx, current)

	// Preference entries for vanished containers go with them, but never
	// off the back of a stale or empty view of the fleet.
	if !snap.Stale && len(snap.Containers) > 0 {
		if err := b.prefs.Prune(stableIDs); err != nil {
			b.log.WithError(err).Warn("preference prune failed")
		}
	}
}

func (b *Bridge) publishContainer(ctx context.Context, c domain.ContainerSnapshot, slug string, device map[string]interface{}) {
	p := b.prefs.For(c.StableID())

	stateTopic := fmt.Sprintf("%s/%s/state", b.cfg.BaseTopic, slug)
	attrTopic := fmt.Sprintf("%s/%s/attributes", b.cfg.BaseTopic, slug)
	sensorConfig := fmt.Sprintf("%s/sensor/%s/%s_status/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID, slug)

	if p.State {
		payload := map[string]interface{}{
			"name":                  c.Name + " status",
			"state_topic":           stateTopic,
			"json_attributes_topic": attrTopic,
			"unique_id":             fmt.Sprintf("%s_%s_status", uniqueIDPrefix, c.StableID()),
			"device":                device,
			"icon":                  "mdi:docker",
		}
		b.publishJSON(ctx, sensorConfig, payload, true)
		b.publish(ctx, stateTopic, c.Status, true)
		b.publishJSON(ctx, attrTopic, b.containerAttributes(c), true)
	} else {
		b.publish(ctx, sensorConfig, "", true)
		b.publish(ctx, stateTopic, "", true)
		b.publish(ctx, attrTopic, "", true)
	}

	for _, action := range domain.Actions {
		buttonConfig := fmt.Sprintf("%s/button/%s/%s_%s/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID, slug, action)
		if !p.Actions[string(action)] {
			b.publish(ctx, buttonConfig, "", true)
			continue
		}
		payload := map[string]interface{}{
			"name":          fmt.Sprintf("%s %s", c.Name, actionLabels[action]),
			"command_topic": fmt.Sprintf("%s/%s/set/%s", b.cfg.BaseTopic, slug, action),
			"unique_id":     fmt.Sprintf("%s_%s_%s", uniqueIDPrefix, c.StableID(), action),
			"device":        device,
		}
		b.publishJSON(ctx, buttonConfig, payload, true)
	}
}

func (b *Bridge) containerAttributes(c domain.ContainerSnapshot) map[string]interface{} {
	attrs := map[string]interface{}{
		"container":   c.Name,
		"stack":       c.Stack,
		"image":       c.Image,
		"cpu_percent": fmt.Sprintf("%.1f", c.Usage.CPUPercent),
		"mem_usage":   humanize.IBytes(c.Usage.MemoryBytes),
		"uptime":      domain.FormatUptime(c.Uptime(b.clock.Now())),
	}

	var bindings []string
	for _, port := range c.Ports {
		if port.HostPort == "" {
			bindings = append(bindings, port.Port)
			continue
		}
		bindings = append(bindings, fmt.Sprintf("%s:%s->%s", port.HostIP, port.HostPort, port.Port))
	}
	attrs["ports"] = bindings

	if u := c.Update; u != nil {
		attrs["update_state"] = string(u.State)
		attrs["installed_version"] = u.LocalVersion
		attrs["remote_version"] = u.RemoteVersion
		attrs["changelog"] = u.Changelog
		attrs["breaking_changes"] = u.BreakingChanges
	} else {
		attrs["update_state"] = string(domain.UpdateUnknown)
	}
	return attrs
}

func (b *Bridge) publishEngineStatus(ctx context.Context, snap *domain.Snapshot, device map[string]interface{}) {
	configTopic := fmt.Sprintf("%s/binary_sensor/%s/docker_status/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID)
	stateTopic := fmt.Sprintf("%s/docker/state", b.cfg.BaseTopic)
	attrTopic := fmt.Sprintf("%s/docker/attributes", b.cfg.BaseTopic)

	b.publishJSON(ctx, configTopic, map[string]interface{}{
		"name":                  "Container engine",
		"state_topic":           stateTopic,
		"json_attributes_topic": attrTopic,
		"unique_id":             uniqueIDPrefix + "_docker_status",
		"device":                device,
		"icon":                  "mdi:docker",
		"payload_on":            "on",
		"payload_off":           "off",
		"device_class":          "connectivity",
	}, true)

	state := "on"
	if err := b.engine.Ping(ctx); err != nil {
		state = "off"
	}
	b.publish(ctx, stateTopic, state, true)

	running, updates := 0, 0
	for _, c := range snap.Containers {
		if c.Running() {
			running++
		}
		if c.Update != nil && c.Update.State == domain.UpdateAvailable {
			updates++
		}
	}
	unused := 0
	for _, img := range snap.Images {
		if img.Unused() {
			unused++
		}
	}
	b.publishJSON(ctx, attrTopic, map[string]interface{}{
		"host":                b.hostName,
		"active_containers":   running,
		"inactive_containers": len(snap.Containers) - running,
		"total_containers":    len(snap.Containers),
		"updates_pending":     updates,
		"unused_images":       unused,
		"snapshot_generation": snap.Generation,
		"snapshot_stale":      snap.Stale,
	}, true)
}

func (b *Bridge) publishUpdatesOverview(ctx context.Context, snap *domain.Snapshot, device map[string]interface{}, enabled bool) {
	configTopic := fmt.Sprintf("%s/sensor/%s/docker_updates/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID)
	stateTopic := fmt.Sprintf("%s/docker/updates/state", b.cfg.BaseTopic)
	attrTopic := fmt.Sprintf("%s/docker/updates/attributes", b.cfg.BaseTopic)

	if !enabled {
		b.publish(ctx, configTopic, "", true)
		b.publish(ctx, stateTopic, "", true)
		b.publish(ctx, attrTopic, "", true)
		return
	}

	var names []string
	for _, c := range snap.Containers {
		if c.Update != nil && c.Update.State == domain.UpdateAvailable {
			names = append(names, c.Name)
		}
	}

	b.publishJSON(ctx, configTopic, map[string]interface{}{
		"name":        "Containers with updates",
		"state_topic": stateTopic,
		"json_attr_t": attrTopic,
		"unique_id":   uniqueIDPrefix + "_docker_updates",
		"device":      device,
		"icon":        "mdi:update",
	}, true)
	b.publish(ctx, stateTopic, fmt.Sprintf("%d", len(names)), true)
	b.publishJSON(ctx, attrTopic, map[string]interface{}{
		"containers":      names,
		"updates_pending": len(names),
	}, true)
}

func (b *Bridge) publishGlobalButton(ctx context.Context, entity, name, command, icon string, device map[string]interface{}, enabled bool) {
	configTopic := fmt.Sprintf("%s/button/%s/%s/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID, entity)
	if !enabled {
		b.publish(ctx, configTopic, "", true)
		return
	}
	b.publishJSON(ctx, configTopic, map[string]interface{}{
		"name":          name,
		"command_topic": fmt.Sprintf("%s/docker/set/%s", b.cfg.BaseTopic, command),
		"unique_id":     uniqueIDPrefix + "_" + command,
		"device":        device,
		"icon":          icon,
	}, true)
}

// clearAll empties every retained topic the bridge owns, so the hub
// drops all of its entities. Used when the bridge is disabled at
// runtime.
func (b *Bridge) clearAll(ctx context.Context) {
	b.publish(ctx, fmt.Sprintf("%s/binary_sensor/%s/docker_status/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID), "", true)
	b.publish(ctx, fmt.Sprintf("%s/docker/state", b.cfg.BaseTopic), "", true)
	b.publish(ctx, fmt.Sprintf("%s/docker/attributes", b.cfg.BaseTopic), "", true)
	b.publish(ctx, fmt.Sprintf("%s/button/%s/docker_delete_unused_images/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID), "", true)
	b.publish(ctx, fmt.Sprintf("%s/button/%s/docker_full_update_all/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID), "", true)
	b.publish(ctx, fmt.Sprintf("%s/sensor/%s/docker_updates/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID), "", true)
	b.publish(ctx, fmt.Sprintf("%s/docker/updates/state", b.cfg.BaseTopic), "", true)
	b.publish(ctx, fmt.Sprintf("%s/docker/updates/attributes", b.cfg.BaseTopic), "", true)
	b.clearStaleSlugs(ctx, nil)
}

// clearStaleSlugs deregisters containers that vanished since the last
// publish by clearing their retained config and state topics.
func (b *Bridge) clearStaleSlugs(ctx context.Context, current map[string]bool) {
	b.mu.Lock()
	var stale []string
	for slug := range b.slugMap {
		if !current[slug] {
			stale = append(stale, slug)
			delete(b.slugMap, slug)
		}
	}
	b.mu.Unlock()

	for _, slug := range stale {
		b.publish(ctx, fmt.Sprintf("%s/sensor/%s/%s_status/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID, slug), "", true)
		b.publish(ctx, fmt.Sprintf("%s/%s/state", b.cfg.BaseTopic, slug), "", true)
		b.publish(ctx, fmt.Sprintf("%s/%s/attributes", b.cfg.BaseTopic, slug), "", true)
		for _, action := range domain.Actions {
			b.publish(ctx, fmt.Sprintf("%s/button/%s/%s_%s/config", b.cfg.DiscoveryPrefix, b.cfg.NodeID, slug, action), "", true)
		}
		b.log.WithField("slug", slug).Info("cleared retained topics for vanished container")
	}
}

func (b *Bridge) publishJSON(ctx context.Context, topic string, payload interface{}, retain bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.log.WithField("topic", topic).WithError(err).Error("discovery payload not serializable")
		return
	}
	b.publish(ctx, topic, string(raw), retain)
}

func (b *Bridge) publish(_ context.Context, topic, payload string, retain bool) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}

	token := client.Publish(topic, 0, retain, payload)
	if token.WaitTimeout(publishWait) && token.Error() != nil {
		b.log.WithField("topic", topic).WithError(token.Error()).Warn("publish failed")
	}

	b.mu.Lock()
	b.history = append(b.history, PublishRecord{
		Topic:     topic,
		Payload:   payload,
		Retained:  retain,
		Timestamp: b.clock.Now(),
	})
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	b.mu.Unlock()
}
