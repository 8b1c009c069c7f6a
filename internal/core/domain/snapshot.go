package domain

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// ResourceID is the engine-assigned identifier of a container, image or
// stack. Opaque and immutable for the lifetime of the resource.
type ResourceID string

func (id ResourceID) Short() string {
	s := string(id)
	if i := len("sha256:"); len(s) > i && s[:i] == "sha256:" {
		s = s[i:]
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Lifecycle states as reported by the engine.
const (
	StateCreated    = "created"
	StateRunning    = "running"
	StatePaused     = "paused"
	StateRestarting = "restarting"
	StateExited     = "exited"
	StateDead       = "dead"
)

// NoStack groups containers that carry no compose project label.
const NoStack = "_no_stack"

// UsageSample is a single point-in-time resource usage reading.
type UsageSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryBytes   uint64  `json:"memory_bytes"`
	MemoryLimit   uint64  `json:"memory_limit"`
	MemoryPercent float64 `json:"memory_percent"`
	NetRxBytes    uint64  `json:"net_rx_bytes"`
	NetTxBytes    uint64  `json:"net_tx_bytes"`
}

// PortBinding describes one published or exposed container port.
type PortBinding struct {
	HostIP   string `json:"host_ip,omitempty"`
	HostPort string `json:"host_port,omitempty"`
	Port     string `json:"port"` // "8080/tcp"
}

// Mount describes a volume or bind mount attached to a container.
type Mount struct {
	Type        string `json:"type"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Mode        string `json:"mode,omitempty"`
}

// NetworkAttachment is one network a container is connected to.
type NetworkAttachment struct {
	Name string `json:"name"`
	IP   string `json:"ip,omitempty"`
}

// ContainerSnapshot is the cache's view of one container. It is built
// wholesale on each refresh and never mutated afterwards.
type ContainerSnapshot struct {
	ID          ResourceID          `json:"id"`
	Name        string              `json:"name"`
	Stack       string              `json:"stack"`
	State       string              `json:"state"`
	Status      string              `json:"status"`
	Image       string              `json:"image"`
	ImageID     ResourceID          `json:"image_id"`
	ImageRef    string              `json:"image_ref"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   time.Time           `json:"started_at,omitempty"`
	Restarts    int                 `json:"restarts"`
	Usage       UsageSample         `json:"usage"`
	Ports       []PortBinding       `json:"ports,omitempty"`
	NetworkMode string              `json:"network_mode,omitempty"`
	Mounts      []Mount             `json:"mounts,omitempty"`
	Networks    []NetworkAttachment `json:"networks,omitempty"`
	Env         []string            `json:"env,omitempty"`
	Labels      map[string]string   `json:"labels,omitempty"`
	Command     string              `json:"command,omitempty"`
	Update      *UpdateStatus       `json:"update,omitempty"`
}

// StableID derives the bus entity id for this container. See StableID.
func (c ContainerSnapshot) StableID() string {
	return StableID(c.Stack, c.Name)
}

func (c ContainerSnapshot) Running() bool { return c.State == StateRunning }

// Uptime is zero unless the container is running.
func (c ContainerSnapshot) Uptime(now time.Time) time.Duration {
	if !c.Running() || c.StartedAt.IsZero() {
		return 0
	}
	if d := now.Sub(c.StartedAt); d > 0 {
		return d
	}
	return 0
}

// ImageSnapshot is the cache's view of one local image.
type ImageSnapshot struct {
	ID        ResourceID    `json:"id"`
	Tags      []string      `json:"tags"`
	Digest    digest.Digest `json:"digest,omitempty"`
	Size      int64         `json:"size"`
	CreatedAt time.Time     `json:"created_at"`
	UsedBy    []string      `json:"used_by"` // container names
}

func (i ImageSnapshot) Unused() bool { return len(i.UsedBy) == 0 }

// StackGroup is a named set of containers deployed together.
type StackGroup struct {
	Name       string       `json:"name"`
	Containers []ResourceID `json:"containers"`
}

// Snapshot is an immutable, generation-tagged view of the whole fleet.
// Readers always receive a fully built value; the cache swaps the pointer
// atomically and never mutates a published snapshot.
type Snapshot struct {
	Generation uint64              `json:"generation"`
	TakenAt    time.Time           `json:"taken_at"`
	Stale      bool                `json:"stale"`
	Containers []ContainerSnapshot `json:"containers"`
	Images     []ImageSnapshot     `json:"images"`
	Stacks     []StackGroup        `json:"stacks"`
}

// Container looks up a container by id, matching both full and short ids.
func (s *Snapshot) Container(id ResourceID) (ContainerSnapshot, bool) {
	for _, c := range s.Containers {
		if c.ID == id || c.ID.Short() == string(id) {
			return c, true
		}
	}
	return ContainerSnapshot{}, false
}

// ContainerByStableID looks up a container by its bus entity id.
func (s *Snapshot) ContainerByStableID(stableID string) (ContainerSnapshot, bool) {
	for _, c := range s.Containers {
		if c.StableID() == stableID {
			return c, true
		}
	}
	return ContainerSnapshot{}, false
}
