package docker

import (
	"bytes"
	"io"
	"strings"

	"github.com/docker/docker/pkg/stdcopy"
)

// demuxLogs flattens the engine's multiplexed log stream into plain text.
// Containers started with a TTY emit a raw stream instead; stdcopy fails
// on those, so the raw bytes are returned as-is.
func demuxLogs(rc io.Reader) (string, error) {
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, bytes.NewReader(raw)); err != nil {
		return strings.ToValidUTF8(string(raw), ""), nil
	}
	combined := stdout.String() + stderr.String()
	return strings.ToValidUTF8(combined, ""), nil
}
