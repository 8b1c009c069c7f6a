package domain

import (
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// UpdateState classifies a container's version drift against its registry.
type UpdateState string

const (
	UpdateUnknown     UpdateState = "unknown"
	UpdateUpToDate    UpdateState = "up_to_date"
	UpdateAvailable   UpdateState = "update_available"
	UpdateCheckFailed UpdateState = "check_failed"
)

// Label keys inspected on local images and remote descriptors. The
// Home Assistant version label wins over the OCI one when both are set.
var (
	VersionLabelKeys = []string{
		"io.hass.version",
		ocispec.AnnotationVersion,
		"version",
		ocispec.AnnotationRevision,
	}
	ChangelogLabelKeys = []string{
		"org.opencontainers.image.changelog",
		"changelog",
		ocispec.AnnotationDescription,
	}
	BreakingLabelKeys = []string{
		"org.opencontainers.image.breaking_changes",
		"breaking_changes",
	}
)

// LabelValue returns the first non-empty value among keys.
func LabelValue(labels map[string]string, keys []string) string {
	for _, k := range keys {
		if v := labels[k]; v != "" {
			return v
		}
	}
	return ""
}

// UpdateStatus is the detector's verdict for one container. A failed
// check degrades State to UpdateCheckFailed but never clears previously
// resolved digests.
type UpdateStatus struct {
	ContainerID     ResourceID    `json:"container_id"`
	State           UpdateState   `json:"state"`
	CheckedAt       time.Time     `json:"checked_at,omitempty"`
	LocalDigest     digest.Digest `json:"local_digest,omitempty"`
	RemoteDigest    digest.Digest `json:"remote_digest,omitempty"`
	LocalVersion    string        `json:"local_version,omitempty"`
	RemoteVersion   string        `json:"remote_version,omitempty"`
	Changelog       string        `json:"changelog,omitempty"`
	BreakingChanges string        `json:"breaking_changes,omitempty"`
	TrackTag        string        `json:"track_tag,omitempty"`
	Interval        time.Duration `json:"interval"`
	LastError       string        `json:"last_error,omitempty"`
}

// Fresh reports whether the remote digest was resolved recently enough to
// be trusted. The window is twice the scan interval.
func (u UpdateStatus) Fresh(now time.Time) bool {
	if u.CheckedAt.IsZero() {
		return false
	}
	return now.Sub(u.CheckedAt) <= 2*u.Interval
}

// Effective downgrades a stale verdict to UpdateUnknown without touching
// the recorded digests, so consumers never act on an outdated comparison.
func (u UpdateStatus) Effective(now time.Time) UpdateStatus {
	if u.State == UpdateUpToDate || u.State == UpdateAvailable {
		if !u.Fresh(now) {
			u.State = UpdateUnknown
		}
	}
	return u
}
