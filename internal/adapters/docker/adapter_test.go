package docker

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"gotest.tools/v3/assert"

	"github.com/stackwatch/stackwatch/internal/core/domain"
)

func TestSampleFromStats(t *testing.T) {
	stats := &types.StatsJSON{}
	stats.CPUStats.CPUUsage.TotalUsage = 400
	stats.PreCPUStats.CPUUsage.TotalUsage = 200
	stats.CPUStats.SystemUsage = 2000
	stats.PreCPUStats.SystemUsage = 1000
	stats.CPUStats.OnlineCPUs = 2
	stats.MemoryStats.Usage = 1000
	stats.MemoryStats.Stats = map[string]uint64{"cache": 200}
	stats.MemoryStats.Limit = 1600
	stats.Networks = map[string]types.NetworkStats{
		"eth0": {RxBytes: 10, TxBytes: 20},
		"eth1": {RxBytes: 5, TxBytes: 5},
	}

	sample := sampleFromStats(stats)
	assert.Equal(t, sample.CPUPercent, 40.0) // 200/1000 * 2 cores * 100
	assert.Equal(t, sample.MemoryBytes, uint64(800))
	assert.Equal(t, sample.MemoryLimit, uint64(1600))
	assert.Equal(t, sample.MemoryPercent, 50.0)
	assert.Equal(t, sample.NetRxBytes, uint64(15))
	assert.Equal(t, sample.NetTxBytes, uint64(25))
}

func TestSampleFromStatsNoDelta(t *testing.T) {
	// First reading after start has no previous sample; CPU stays zero
	// instead of going negative or dividing by zero.
	stats := &types.StatsJSON{}
	stats.CPUStats.CPUUsage.TotalUsage = 100
	stats.PreCPUStats.CPUUsage.TotalUsage = 100

	sample := sampleFromStats(stats)
	assert.Equal(t, sample.CPUPercent, 0.0)
}

func TestSnapshotFromInspect(t *testing.T) {
	info := types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:           "0123456789abcdef",
			Name:         "/web",
			Created:      "2026-07-01T10:00:00.000000000Z",
			RestartCount: 2,
			Image:        "sha256:feedfeedfeed",
			State: &types.ContainerState{
				Status:    "running",
				StartedAt: "2026-07-02T08:00:00.000000000Z",
			},
			HostConfig: &container.HostConfig{NetworkMode: "bridge"},
		},
		Config: &container.Config{
			Image:  "acme/web:1.2",
			Cmd:    []string{"serve", "--port", "80"},
			Labels: map[string]string{stackLabel: "shop"},
		},
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"shop_default": {IPAddress: "172.18.0.2"},
			},
			NetworkSettingsBase: types.NetworkSettingsBase{
				Ports: nat.PortMap{
					"80/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8080"}},
					"81/tcp": nil,
				},
			},
		},
	}

	snap := snapshotFromInspect(info)
	assert.Equal(t, snap.ID, domain.ResourceID("0123456789abcdef"))
	assert.Equal(t, snap.Name, "web")
	assert.Equal(t, snap.Stack, "shop")
	assert.Equal(t, snap.State, "running")
	assert.Equal(t, snap.Restarts, 2)
	assert.Equal(t, snap.Image, "acme/web:1.2")
	assert.Equal(t, snap.ImageRef, "acme/web:1.2")
	assert.Equal(t, snap.ImageID, domain.ResourceID("sha256:feedfeedfeed"))
	assert.Equal(t, snap.NetworkMode, "bridge")
	assert.Equal(t, snap.Command, "serve --port 80")
	assert.Equal(t, len(snap.Networks), 1)
	assert.Equal(t, snap.Networks[0].IP, "172.18.0.2")

	// Wildcard host ip for 0.0.0.0; exposed-only ports keep no binding.
	assert.DeepEqual(t, snap.Ports, []domain.PortBinding{
		{HostIP: "*", HostPort: "8080", Port: "80/tcp"},
		{Port: "81/tcp"},
	})

	assert.Assert(t, snap.Running())
	assert.Equal(t, snap.CreatedAt.Format("2006-01-02"), "2026-07-01")
}

func TestStackOf(t *testing.T) {
	assert.Equal(t, stackOf(map[string]string{stackLabel: "media"}), "media")
	assert.Equal(t, stackOf(map[string]string{}), domain.NoStack)
	assert.Equal(t, stackOf(nil), domain.NoStack)
}
