package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
)

const stackLabel = "com.docker.compose.project"

// Adapter implements ports.Engine and ports.Registry using the Docker SDK.
// It is stateless apart from the client itself: no caching, no retries.
type Adapter struct {
	cli         *client.Client
	timeout     time.Duration
	pullTimeout time.Duration
	log         logrus.FieldLogger

	hostOnce sync.Once
	hostName string
}

// NewAdapter creates a new Docker adapter instance. The timeout bounds
// every engine call except image pulls, which get pullTimeout.
func NewAdapter(timeout, pullTimeout time.Duration, log logrus.FieldLogger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli, timeout: timeout, pullTimeout: pullTimeout, log: log}, nil
}

func (a *Adapter) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

// Ping reports engine reachability.
func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()
	if _, err := a.cli.Ping(ctx); err != nil {
		return mapEngineErr(err)
	}
	return nil
}

// HostName returns the engine's node name, falling back to the local
// hostname when the engine cannot be asked. Resolved once.
func (a *Adapter) HostName(ctx context.Context) string {
	a.hostOnce.Do(func() {
		bctx, cancel := a.bound(ctx)
		defer cancel()
		if info, err := a.cli.Info(bctx); err == nil && info.Name != "" {
			a.hostName = info.Name
			return
		}
		if h, err := os.Hostname(); err == nil {
			a.hostName = h
		}
	})
	return a.hostName
}

// ListContainers returns every container on the host, running or not,
// with the listing-level fields populated. Inspect fills in the rest.
func (a *Adapter) ListContainers(ctx context.Context) ([]domain.ContainerSnapshot, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	containers, err := a.cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", mapEngineErr(err))
	}

	result := make([]domain.ContainerSnapshot, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, domain.ContainerSnapshot{
			ID:        domain.ResourceID(c.ID),
			Name:      name,
			Stack:     stackOf(c.Labels),
			State:     c.State,
			Status:    c.Status,
			Image:     c.Image,
			ImageID:   domain.ResourceID(c.ImageID),
			CreatedAt: time.Unix(c.Created, 0).UTC(),
			Labels:    c.Labels,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Stack != result[j].Stack {
			return result[i].Stack < result[j].Stack
		}
		return strings.ToLower(result[i].Name) < strings.ToLower(result[j].Name)
	})
	return result, nil
}

// Inspect returns the full snapshot view of one container.
func (a *Adapter) Inspect(ctx context.Context, id domain.ResourceID) (domain.ContainerSnapshot, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	info, err := a.cli.ContainerInspect(ctx, string(id))
	if err != nil {
		return domain.ContainerSnapshot{}, fmt.Errorf("failed to inspect container %s: %w", id.Short(), mapEngineErr(err))
	}
	return snapshotFromInspect(info), nil
}

func snapshotFromInspect(info types.ContainerJSON) domain.ContainerSnapshot {
	snap := domain.ContainerSnapshot{
		ID:   domain.ResourceID(info.ID),
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		snap.CreatedAt = created.UTC()
	}
	snap.Restarts = info.RestartCount

	if info.State != nil {
		snap.State = info.State.Status
		snap.Status = info.State.Status
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			snap.StartedAt = started.UTC()
		}
	}
	if info.Config != nil {
		snap.Stack = stackOf(info.Config.Labels)
		snap.Labels = info.Config.Labels
		snap.Env = info.Config.Env
		snap.Image = info.Config.Image
		snap.ImageRef = info.Config.Image
		snap.Command = strings.Join(info.Config.Cmd, " ")
	}
	snap.ImageID = domain.ResourceID(info.Image)
	if info.HostConfig != nil {
		snap.NetworkMode = string(info.HostConfig.NetworkMode)
	}
	for _, m := range info.Mounts {
		snap.Mounts = append(snap.Mounts, domain.Mount{
			Type:        string(m.Type),
			Source:      m.Source,
			Destination: m.Destination,
			Mode:        m.Mode,
		})
	}
	if info.NetworkSettings != nil {
		for name, cfg := range info.NetworkSettings.Networks {
			att := domain.NetworkAttachment{Name: name}
			if cfg != nil {
				att.IP = cfg.IPAddress
			}
			snap.Networks = append(snap.Networks, att)
		}
		sort.Slice(snap.Networks, func(i, j int) bool {
			return snap.Networks[i].Name < snap.Networks[j].Name
		})
		for portProto, bindings := range info.NetworkSettings.Ports {
			if len(bindings) == 0 {
				snap.Ports = append(snap.Ports, domain.PortBinding{Port: string(portProto)})
				continue
			}
			for _, b := range bindings {
				hostIP := b.HostIP
				if hostIP == "" || hostIP == "0.0.0.0" {
					hostIP = "*"
				}
				snap.Ports = append(snap.Ports, domain.PortBinding{
					HostIP:   hostIP,
					HostPort: b.HostPort,
					Port:     string(portProto),
				})
			}
		}
		sort.Slice(snap.Ports, func(i, j int) bool {
			if snap.Ports[i].Port != snap.Ports[j].Port {
				return snap.Ports[i].Port < snap.Ports[j].Port
			}
			return snap.Ports[i].HostPort < snap.Ports[j].HostPort
		})
	}
	return snap
}

// Stats pulls a single non-streaming usage sample.
func (a *Adapter) Stats(ctx context.Context, id domain.ResourceID) (domain.UsageSample, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	resp, err := a.cli.ContainerStats(ctx, string(id), false)
	if err != nil {
		return domain.UsageSample{}, fmt.Errorf("failed to read stats for %s: %w", id.Short(), mapEngineErr(err))
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return domain.UsageSample{}, fmt.Errorf("failed to decode stats for %s: %w", id.Short(), err)
	}
	return sampleFromStats(&stats), nil
}

func sampleFromStats(stats *types.StatsJSON) domain.UsageSample {
	var sample domain.UsageSample

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cores := float64(stats.CPUStats.OnlineCPUs)
		if cores == 0 {
			cores = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		if cores == 0 {
			cores = 1
		}
		sample.CPUPercent = cpuDelta / sysDelta * cores * 100.0
	}

	usage := stats.MemoryStats.Usage
	if cached, ok := stats.MemoryStats.Stats["cache"]; ok && cached < usage {
		usage -= cached
	}
	sample.MemoryBytes = usage
	sample.MemoryLimit = stats.MemoryStats.Limit
	if stats.MemoryStats.Limit > 0 {
		sample.MemoryPercent = float64(usage) / float64(stats.MemoryStats.Limit) * 100.0
	}

	for _, net := range stats.Networks {
		sample.NetRxBytes += net.RxBytes
		sample.NetTxBytes += net.TxBytes
	}
	return sample
}

// Logs returns up to tail lines of container output; tail <= 0 means all.
func (a *Adapter) Logs(ctx context.Context, id domain.ResourceID, tail int) (string, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	tailArg := "all"
	if tail > 0 {
		tailArg = fmt.Sprintf("%d", tail)
	}
	rc, err := a.cli.ContainerLogs(ctx, string(id), types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       tailArg,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs for %s: %w", id.Short(), mapEngineErr(err))
	}
	defer rc.Close()
	return demuxLogs(rc)
}

// ListImages returns every local image. UsedBy is left empty; the cache
// joins images against containers when it builds a snapshot.
func (a *Adapter) ListImages(ctx context.Context) ([]domain.ImageSnapshot, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	images, err := a.cli.ImageList(ctx, types.ImageListOptions{All: false})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", mapEngineErr(err))
	}

	result := make([]domain.ImageSnapshot, 0, len(images))
	for _, img := range images {
		tags := img.RepoTags
		if len(tags) == 0 {
			tags = []string{"<none>:<none>"}
		}
		snap := domain.ImageSnapshot{
			ID:        domain.ResourceID(img.ID),
			Tags:      tags,
			Size:      img.Size,
			CreatedAt: time.Unix(img.Created, 0).UTC(),
		}
		for _, rd := range img.RepoDigests {
			if i := strings.IndexByte(rd, '@'); i >= 0 {
				if d, err := digest.Parse(rd[i+1:]); err == nil {
					snap.Digest = d
					break
				}
			}
		}
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		return strings.ToLower(result[i].Tags[0]) < strings.ToLower(result[j].Tags[0])
	})
	return result, nil
}

// InspectImage resolves the locally stored identity for an image
// reference or id.
func (a *Adapter) InspectImage(ctx context.Context, ref string) (ports.LocalImage, error) {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	info, _, err := a.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return ports.LocalImage{}, fmt.Errorf("failed to inspect image %s: %w", ref, mapEngineErr(err))
	}
	local := ports.LocalImage{
		ID:          domain.ResourceID(info.ID),
		RepoDigests: info.RepoDigests,
		Tags:        info.RepoTags,
	}
	if info.Config != nil {
		local.Labels = info.Config.Labels
	}
	return local, nil
}

// RemoveImage deletes a local image by id.
func (a *Adapter) RemoveImage(ctx context.Context, id domain.ResourceID) error {
	ctx, cancel := a.bound(ctx)
	defer cancel()

	if _, err := a.cli.ImageRemove(ctx, string(id), types.ImageRemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove image %s: %w", id.Short(), mapEngineErr(err))
	}
	return nil
}

func stackOf(labels map[string]string) string {
	if s := labels[stackLabel]; s != "" {
		return s
	}
	return domain.NoStack
}

var _ ports.Engine = (*Adapter)(nil)
