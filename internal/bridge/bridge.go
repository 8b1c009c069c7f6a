// Package bridge mirrors fleet state and control onto an MQTT broker
// following the Home Assistant auto-discovery schema. The bridge is
// additive: when the broker is absent or down, the rest of the system is
// fully functional and command intake simply moves to the HTTP surface.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/core/ports"
	"github.com/stackwatch/stackwatch/internal/dispatch"
	"github.com/stackwatch/stackwatch/internal/prefs"
)

// Broker connect backoff: bounded attempts from 1s doubling to 30s;
// after a successful first connect paho's auto-reconnect (capped at
// 60s) takes over.
const (
	connectAttempts     = 8
	connectDelay        = time.Second
	connectMaxDelay     = 30 * time.Second
	reconnectMaxBackoff = time.Minute

	publishWait = 5 * time.Second
	historySize = 200
)

// Config carries the broker and topic settings.
type Config struct {
	Broker          string
	Port            int
	Username        string
	Password        string
	BaseTopic       string
	DiscoveryPrefix string
	NodeID          string
	StateInterval   time.Duration
	Debounce        time.Duration
}

// Enabled reports whether a broker is configured at all.
func (c Config) Enabled() bool { return c.Broker != "" }

func (c Config) url() string { return fmt.Sprintf("tcp://%s:%d", c.Broker, c.Port) }

// SnapshotSource is the slice of the cache the bridge consumes.
type SnapshotSource interface {
	Current() *domain.Snapshot
	Subscribe() <-chan struct{}
}

// Commander accepts commands decoded from inbound bus messages.
type Commander interface {
	Submit(ctx context.Context, resource domain.ResourceID, action domain.Action, force bool) (*dispatch.Pending, error)
}

// PublishRecord is one retained entry of the publish history, kept for
// inspection through the API.
type PublishRecord struct {
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Retained  bool      `json:"retained"`
	Timestamp time.Time `json:"timestamp"`
}

// Bridge connects the snapshot cache and dispatcher to the bus.
type Bridge struct {
	cfg       Config
	snapshots SnapshotSource
	commands  Commander
	engine    ports.Engine
	prefs     *prefs.Store
	clock     clock.Clock
	log       logrus.FieldLogger

	mu        sync.Mutex
	client    mqtt.Client
	enabled   bool
	suspended bool
	slugMap   map[string]domain.ResourceID
	history   []PublishRecord
	hostName  string
}

func New(cfg Config, snapshots SnapshotSource, commands Commander, engine ports.Engine, prefStore *prefs.Store, clk clock.Clock, log logrus.FieldLogger) *Bridge {
	return &Bridge{
		cfg:       cfg,
		snapshots: snapshots,
		commands:  commands,
		engine:    engine,
		prefs:     prefStore,
		clock:     clk,
		log:       log,
		slugMap:   make(map[string]domain.ResourceID),
	}
}

// Connected reports broker connectivity.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil && b.client.IsConnected()
}

// Enabled reports whether the bridge is active and not suspended.
func (b *Bridge) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled && !b.suspended
}

// SetEnabled suspends or resumes a running bridge. Disabling clears
// every retained topic so the hub deregisters the entities; re-enabling
// republishes discovery and state. The broker connection stays up either
// way, so the toggle is cheap and immediate.
func (b *Bridge) SetEnabled(ctx context.Context, enable bool) error {
	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()
		return fmt.Errorf("%w: no broker configured", domain.ErrBrokerUnavailable)
	}
	if b.suspended != enable {
		b.mu.Unlock()
		return nil
	}
	b.suspended = !enable
	b.mu.Unlock()

	if enable {
		b.log.Info("bus bridge enabled, republishing discovery")
		b.publishAll(ctx)
	} else {
		b.log.Info("bus bridge disabled, clearing retained topics")
		b.clearAll(ctx)
	}
	return nil
}

func (b *Bridge) isSuspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended
}

// Run connects (with bounded backoff) and drives the publish loops until
// ctx is canceled. A nil return on a disabled bridge keeps the core
// usable without a broker.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.cfg.Enabled() {
		b.log.Info("no broker configured, bus bridge stays inert")
		return nil
	}
	if err := b.connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}

	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()

	b.hostName = b.engine.HostName(ctx)
	b.publishAll(ctx)
	b.loop(ctx)

	b.mu.Lock()
	client := b.client
	b.client = nil
	b.enabled = false
	b.suspended = false
	b.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func (b *Bridge) connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.url()).
		SetClientID(b.cfg.NodeID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectMaxBackoff).
		SetOrderMatters(false)
	if b.cfg.Username != "" || b.cfg.Password != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		topic := b.cfg.BaseTopic + "/+/set/+"
		if token := client.Subscribe(topic, 0, b.onMessage); token.WaitTimeout(publishWait) && token.Error() != nil {
			b.log.WithError(token.Error()).Error("bus subscription failed")
			return
		}
		b.log.WithField("topic", topic).Info("bus connected, command topic subscribed")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.WithError(err).Warn("bus connection lost, reconnecting with backoff")
	})

	client := mqtt.NewClient(opts)

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			token := client.Connect()
			if !token.WaitTimeout(publishWait) {
				return fmt.Errorf("broker connect timed out")
			}
			return token.Error()
		},
		Attempts:    connectAttempts,
		Delay:       connectDelay,
		MaxDelay:    connectMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       b.clock,
		Stop:        ctx.Done(),
		NotifyFunc: func(err error, attempt int) {
			b.log.WithError(err).WithField("attempt", attempt).Warn("broker connect failed")
		},
	})
	if err != nil {
		return retry.LastError(err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

// loop republishes on the state interval, debounces snapshot-change
// notifications, and reacts to preference reloads.
func (b *Bridge) loop(ctx context.Context) {
	changes := b.snapshots.Subscribe()
	prefChanges := b.prefs.Changed()

	stateTimer := b.clock.NewTimer(b.cfg.StateInterval)
	defer stateTimer.Stop()

	// The debounce timer only runs while a change is pending, so a burst
	// of snapshot swaps yields at most one publish per window.
	debounce := b.clock.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.Chan()
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-stateTimer.Chan():
			b.publishAll(ctx)
			stateTimer.Reset(b.cfg.StateInterval)
		case <-changes:
			if !pending {
				pending = true
				debounce.Reset(b.cfg.Debounce)
			}
		case <-debounce.Chan():
			pending = false
			b.publishAll(ctx)
		case <-prefChanges:
			b.log.Info("exposure preferences changed, republishing discovery")
			b.publishAll(ctx)
		}
	}
}

// onMessage decodes an inbound command topic. Malformed or unknown
// messages are logged and dropped; they must never take the bridge down.
func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if b.isSuspended() {
		b.log.WithField("topic", msg.Topic()).Debug("bridge disabled, dropping inbound message")
		return
	}
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) < 4 || parts[0] != b.cfg.BaseTopic || parts[2] != "set" {
		b.log.WithField("topic", msg.Topic()).Warn("dropping message on unexpected topic")
		return
	}
	slug, actionName := parts[1], strings.ToLower(parts[3])

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if slug == "docker" {
		b.handleGlobalCommand(ctx, actionName)
		return
	}

	b.mu.Lock()
	id, known := b.slugMap[slug]
	b.mu.Unlock()
	if !known {
		b.log.WithField("slug", slug).Warn("dropping command for unknown container slug")
		return
	}

	action, ok := domain.ParseAction(actionName)
	if !ok {
		b.log.WithFields(logrus.Fields{"slug": slug, "action": actionName}).Warn("dropping unknown action")
		return
	}

	// Delete from the hub is always forced: a lifecycle switch has no
	// way to ask, and that mirrors how the buttons are advertised.
	force := action == domain.ActionDelete

	if _, err := b.commands.Submit(ctx, id, action, force); err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			b.log.WithField("slug", slug).Info("command dropped, another is in flight")
		default:
			b.log.WithFields(logrus.Fields{"slug": slug, "action": action}).WithError(err).Warn("bus command rejected")
		}
	}
}

func (b *Bridge) handleGlobalCommand(ctx context.Context, action string) {
	global := b.prefs.Global()
	switch action {
	case "delete_unused_images":
		if !global.DeleteUnusedImages {
			return
		}
		b.pruneUnusedImages(ctx)
	case "full_update_all":
		if !global.FullUpdateAll {
			return
		}
		b.fullUpdateAll(ctx)
	default:
		b.log.WithField("action", action).Warn("dropping unknown global action")
	}
}

func (b *Bridge) pruneUnusedImages(ctx context.Context) {
	snap := b.snapshots.Current()
	for _, img := range snap.Images {
		if !img.Unused() {
			continue
		}
		if err := b.engine.RemoveImage(ctx, img.ID); err != nil {
			label := img.ID.Short()
			if len(img.Tags) > 0 {
				label = img.Tags[0]
			}
			b.log.WithField("image", label).WithError(err).Warn("unused image removal failed")
		}
	}
}

func (b *Bridge) fullUpdateAll(ctx context.Context) {
	snap := b.snapshots.Current()
	for _, c := range snap.Containers {
		if b.isSelf(c) {
			continue
		}
		if c.Update == nil || c.Update.State != domain.UpdateAvailable {
			continue
		}
		pending, err := b.commands.Submit(ctx, c.ID, domain.ActionFullUpdate, false)
		if err != nil {
			b.log.WithField("container", c.Name).WithError(err).Warn("bulk update submit failed")
			continue
		}
		// Updates run one after another: each container's old instance
		// must be gone before the next pull competes for bandwidth.
		if _, err := pending.Wait(ctx); err != nil {
			b.log.WithField("container", c.Name).WithError(err).Warn("bulk update wait aborted")
			return
		}
	}
}

// isSelf filters the bridge's own container out of the published set, so
// the hub never gets a switch that can stop the bridge itself.
func (b *Bridge) isSelf(c domain.ContainerSnapshot) bool {
	name := strings.ToLower(c.Name)
	if name == "" {
		return false
	}
	known := map[string]bool{
		strings.ToLower(b.cfg.NodeID):    true,
		strings.ToLower(b.cfg.BaseTopic): true,
		"stackwatch":                     true,
	}
	delete(known, "")
	if known[name] {
		return true
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool {
		return r == '.' || r == '/' || r == ':' || r == '_' || r == '-'
	}) {
		if known[part] {
			return true
		}
	}
	return false
}

// History returns the most recent publish records, newest last.
func (b *Bridge) History(limit int) []PublishRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.history
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]PublishRecord, len(entries))
	copy(out, entries)
	return out
}
