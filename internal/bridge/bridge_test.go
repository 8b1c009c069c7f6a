package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"

	"github.com/stackwatch/stackwatch/internal/core/domain"
	"github.com/stackwatch/stackwatch/internal/dispatch"
	"github.com/stackwatch/stackwatch/internal/enginetest"
	"github.com/stackwatch/stackwatch/internal/prefs"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

// fakeClient records publishes; everything else is a connected no-op.
type fakeClient struct {
	mu       sync.Mutex
	payloads map[string]string
	retained map[string]bool
	topics   []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{payloads: map[string]string{}, retained: map[string]bool{}}
}

func (c *fakeClient) payload(topic string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.payloads[topic]
	return p, ok
}

func (c *fakeClient) publishCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool  { return true }
func (c *fakeClient) Connect() mqtt.Token     { return &fakeToken{} }
func (c *fakeClient) Disconnect(uint)         {}
func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads[topic] = fmt.Sprintf("%v", payload)
	c.retained[topic] = retained
	c.topics = append(c.topics, topic)
	return &fakeToken{}
}
func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return &fakeToken{} }
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token          { return &fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)      {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader   { return mqtt.ClientOptionsReader{} }

type fakeMessage struct {
	topic   string
	payload string
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return []byte(m.payload) }
func (m fakeMessage) Ack()              {}

type stubSnapshots struct {
	snap *domain.Snapshot
	sub  chan struct{}
}

func (s *stubSnapshots) Current() *domain.Snapshot  { return s.snap }
func (s *stubSnapshots) Subscribe() <-chan struct{} { return s.sub }

type recordedSubmit struct {
	resource domain.ResourceID
	action   domain.Action
	force    bool
}

type stubCommander struct {
	mu      sync.Mutex
	submits []recordedSubmit
	err     error
}

func (c *stubCommander) Submit(_ context.Context, resource domain.ResourceID, action domain.Action, force bool) (*dispatch.Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits = append(c.submits, recordedSubmit{resource, action, force})
	return nil, c.err
}

func fleetSnapshot() *domain.Snapshot {
	return &domain.Snapshot{
		Generation: 3,
		Containers: []domain.ContainerSnapshot{
			{
				ID:    "aaa111aaa111aaa111",
				Name:  "web",
				Stack: "shop",
				State: domain.StateRunning, Status: "running",
				Update: &domain.UpdateStatus{State: domain.UpdateAvailable, RemoteVersion: "2.0"},
			},
			{ID: "bbb222bbb222bbb222", Name: "db", Stack: "shop", State: domain.StateExited, Status: "exited"},
		},
		Images: []domain.ImageSnapshot{
			{ID: "img-used", Tags: []string{"web:latest"}, UsedBy: []string{"web"}},
			{ID: "img-orphan", Tags: []string{"old:latest"}},
		},
	}
}

func testBridge(t *testing.T, snap *domain.Snapshot) (*Bridge, *fakeClient, *stubCommander, *enginetest.Fake) {
	t.Helper()
	client := newFakeClient()
	commander := &stubCommander{}
	engine := &enginetest.Fake{}
	prefStore := prefs.NewStore(filepath.Join(t.TempDir(), "prefs.json"), testLogger())

	b := New(Config{
		Broker:          "broker.lan",
		Port:            1883,
		BaseTopic:       "fleet",
		DiscoveryPrefix: "homeassistant",
		NodeID:          "node1",
		StateInterval:   5 * time.Minute,
		Debounce:        time.Second,
	}, &stubSnapshots{snap: snap, sub: make(chan struct{}, 1)}, commander, engine, prefStore, testclock.NewClock(time.Now()), testLogger())
	b.client = client
	b.hostName = "testhost"
	return b, client, commander, engine
}

func TestPublishAllDiscoveryTopics(t *testing.T) {
	b, client, _, _ := testBridge(t, fleetSnapshot())
	b.publishAll(context.Background())

	slug := domain.Slug("web", "aaa111aaa111aaa111")

	raw, ok := client.payload("homeassistant/sensor/node1/" + slug + "_status/config")
	assert.Assert(t, ok)
	var conf map[string]interface{}
	assert.NilError(t, json.Unmarshal([]byte(raw), &conf))
	assert.Equal(t, conf["unique_id"], "stackwatch_shop_web_status")
	assert.Equal(t, conf["state_topic"], "fleet/"+slug+"/state")

	state, ok := client.payload("fleet/" + slug + "/state")
	assert.Assert(t, ok)
	assert.Equal(t, state, "running")

	attrRaw, ok := client.payload("fleet/" + slug + "/attributes")
	assert.Assert(t, ok)
	var attrs map[string]interface{}
	assert.NilError(t, json.Unmarshal([]byte(attrRaw), &attrs))
	assert.Equal(t, attrs["stack"], "shop")
	assert.Equal(t, attrs["update_state"], string(domain.UpdateAvailable))
	assert.Equal(t, attrs["remote_version"], "2.0")

	// One button per advertised action, keyed by stable id.
	for _, action := range domain.Actions {
		raw, ok := client.payload(fmt.Sprintf("homeassistant/button/node1/%s_%s/config", slug, action))
		assert.Assert(t, ok, "missing button config for %s", action)
		var button map[string]interface{}
		assert.NilError(t, json.Unmarshal([]byte(raw), &button))
		assert.Equal(t, button["command_topic"], fmt.Sprintf("fleet/%s/set/%s", slug, action))
		assert.Equal(t, button["unique_id"], fmt.Sprintf("stackwatch_shop_web_%s", action))
	}

	// Every published topic is retained.
	client.mu.Lock()
	for topic, retained := range client.retained {
		assert.Assert(t, retained, "topic %s not retained", topic)
	}
	client.mu.Unlock()
}

func TestPublishAllGlobalEntities(t *testing.T) {
	b, client, _, _ := testBridge(t, fleetSnapshot())
	b.publishAll(context.Background())

	state, ok := client.payload("fleet/docker/state")
	assert.Assert(t, ok)
	assert.Equal(t, state, "on")

	raw, ok := client.payload("fleet/docker/attributes")
	assert.Assert(t, ok)
	var attrs map[string]interface{}
	assert.NilError(t, json.Unmarshal([]byte(raw), &attrs))
	assert.Equal(t, attrs["active_containers"], 1.0)
	assert.Equal(t, attrs["inactive_containers"], 1.0)
	assert.Equal(t, attrs["total_containers"], 2.0)
	assert.Equal(t, attrs["updates_pending"], 1.0)
	assert.Equal(t, attrs["unused_images"], 1.0)

	count, ok := client.payload("fleet/docker/updates/state")
	assert.Assert(t, ok)
	assert.Equal(t, count, "1")

	_, ok = client.payload("homeassistant/button/node1/docker_delete_unused_images/config")
	assert.Assert(t, ok)
	_, ok = client.payload("homeassistant/button/node1/docker_full_update_all/config")
	assert.Assert(t, ok)
}

func TestDisabledPrefsClearRetainedTopics(t *testing.T) {
	b, client, _, _ := testBridge(t, fleetSnapshot())
	p := b.prefs.For("shop_web")
	p.State = false
	p.Actions["delete"] = false
	assert.NilError(t, b.prefs.Set("shop_web", p))

	b.publishAll(context.Background())

	slug := domain.Slug("web", "aaa111aaa111aaa111")
	state, _ := client.payload("fleet/" + slug + "/state")
	assert.Equal(t, state, "")
	conf, _ := client.payload("homeassistant/sensor/node1/" + slug + "_status/config")
	assert.Equal(t, conf, "")
	deleteConf, _ := client.payload("homeassistant/button/node1/" + slug + "_delete/config")
	assert.Equal(t, deleteConf, "")

	// Other actions stay advertised.
	startConf, _ := client.payload("homeassistant/button/node1/" + slug + "_start/config")
	assert.Assert(t, startConf != "")
}

func TestVanishedContainerClearedFromBus(t *testing.T) {
	snap := fleetSnapshot()
	b, client, _, _ := testBridge(t, snap)
	b.publishAll(context.Background())

	slug := domain.Slug("db", "bbb222bbb222bbb222")
	state, _ := client.payload("fleet/" + slug + "/state")
	assert.Equal(t, state, "exited")

	// db disappears; its retained topics are emptied on the next publish.
	snap.Containers = snap.Containers[:1]
	b.publishAll(context.Background())

	state, _ = client.payload("fleet/" + slug + "/state")
	assert.Equal(t, state, "")
	conf, _ := client.payload("homeassistant/sensor/node1/" + slug + "_status/config")
	assert.Equal(t, conf, "")

	b.mu.Lock()
	_, known := b.slugMap[slug]
	b.mu.Unlock()
	assert.Assert(t, !known)
}

func TestSelfContainerNeverPublished(t *testing.T) {
	snap := fleetSnapshot()
	snap.Containers = append(snap.Containers, domain.ContainerSnapshot{
		ID: "ccc333ccc333ccc333", Name: "node1", State: domain.StateRunning, Status: "running",
	})
	b, client, _, _ := testBridge(t, snap)
	b.publishAll(context.Background())

	slug := domain.Slug("node1", "ccc333ccc333ccc333")
	_, ok := client.payload("fleet/" + slug + "/state")
	assert.Assert(t, !ok)
}

func TestInboundCommandRouting(t *testing.T) {
	b, _, commander, _ := testBridge(t, fleetSnapshot())
	b.publishAll(context.Background())

	slug := domain.Slug("web", "aaa111aaa111aaa111")
	b.onMessage(nil, fakeMessage{topic: "fleet/" + slug + "/set/restart"})

	assert.Equal(t, len(commander.submits), 1)
	assert.Equal(t, commander.submits[0].resource, domain.ResourceID("aaa111aaa111aaa111"))
	assert.Equal(t, commander.submits[0].action, domain.ActionRestart)
	assert.Assert(t, !commander.submits[0].force)

	// Delete from the hub is always forced.
	b.onMessage(nil, fakeMessage{topic: "fleet/" + slug + "/set/delete"})
	assert.Equal(t, commander.submits[1].action, domain.ActionDelete)
	assert.Assert(t, commander.submits[1].force)
}

func TestInboundCommandDropsUnknown(t *testing.T) {
	b, _, commander, _ := testBridge(t, fleetSnapshot())
	b.publishAll(context.Background())

	b.onMessage(nil, fakeMessage{topic: "fleet/ghost_123/set/start"})
	b.onMessage(nil, fakeMessage{topic: "fleet/" + domain.Slug("web", "aaa111aaa111aaa111") + "/set/selfdestruct"})
	b.onMessage(nil, fakeMessage{topic: "elsewhere/web/set/start"})

	assert.Equal(t, len(commander.submits), 0)
}

func TestGlobalDeleteUnusedImages(t *testing.T) {
	b, _, _, engine := testBridge(t, fleetSnapshot())

	b.onMessage(nil, fakeMessage{topic: "fleet/docker/set/delete_unused_images"})

	calls := engine.Calls()
	assert.Assert(t, len(calls) == 1, "calls: %v", calls)
	assert.Assert(t, strings.HasPrefix(calls[0], "remove-image img-orphan"))
}

func TestGlobalCommandsHonorPrefs(t *testing.T) {
	b, _, commander, engine := testBridge(t, fleetSnapshot())
	assert.NilError(t, b.prefs.SetGlobal(prefs.GlobalPrefs{}))

	b.onMessage(nil, fakeMessage{topic: "fleet/docker/set/delete_unused_images"})
	b.onMessage(nil, fakeMessage{topic: "fleet/docker/set/full_update_all"})

	assert.Equal(t, len(engine.Calls()), 0)
	assert.Equal(t, len(commander.submits), 0)
}

func TestRuntimeDisableClearsTopicsAndDropsCommands(t *testing.T) {
	b, client, commander, _ := testBridge(t, fleetSnapshot())
	b.enabled = true
	ctx := context.Background()
	b.publishAll(ctx)

	slug := domain.Slug("web", "aaa111aaa111aaa111")
	state, _ := client.payload("fleet/" + slug + "/state")
	assert.Equal(t, state, "running")

	assert.NilError(t, b.SetEnabled(ctx, false))
	assert.Assert(t, !b.Enabled())

	// Every retained topic is emptied so the hub drops the entities.
	state, _ = client.payload("fleet/" + slug + "/state")
	assert.Equal(t, state, "")
	conf, _ := client.payload("homeassistant/sensor/node1/" + slug + "_status/config")
	assert.Equal(t, conf, "")
	engineConf, _ := client.payload("homeassistant/binary_sensor/node1/docker_status/config")
	assert.Equal(t, engineConf, "")
	button, _ := client.payload("homeassistant/button/node1/docker_delete_unused_images/config")
	assert.Equal(t, button, "")

	// Inbound commands are dropped and publishing is inert while disabled.
	b.onMessage(nil, fakeMessage{topic: "fleet/" + slug + "/set/restart"})
	assert.Equal(t, len(commander.submits), 0)
	b.publishAll(ctx)
	state, _ = client.payload("fleet/" + slug + "/state")
	assert.Equal(t, state, "")

	// Re-enabling restores discovery, state and command intake.
	assert.NilError(t, b.SetEnabled(ctx, true))
	assert.Assert(t, b.Enabled())
	state, _ = client.payload("fleet/" + slug + "/state")
	assert.Equal(t, state, "running")
	b.onMessage(nil, fakeMessage{topic: "fleet/" + slug + "/set/restart"})
	assert.Equal(t, len(commander.submits), 1)
}

func TestSetEnabledWithoutBroker(t *testing.T) {
	b, _, _, _ := testBridge(t, fleetSnapshot())
	err := b.SetEnabled(context.Background(), true)
	assert.Assert(t, errors.Is(err, domain.ErrBrokerUnavailable))
}

func TestLoopDebouncesSnapshotBursts(t *testing.T) {
	b, client, _, _ := testBridge(t, fleetSnapshot())
	clk := testclock.NewClock(time.Now())
	b.clock = clk
	// An unbuffered channel makes every signal send a handshake with the
	// loop, so the burst is fully consumed before the clock advances.
	sub := make(chan struct{})
	b.snapshots = &stubSnapshots{snap: fleetSnapshot(), sub: sub}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.loop(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		sub <- struct{}{}
	}

	// Two timers are armed now: the state interval and the debounce
	// window opened by the burst. One window later there is exactly one
	// publish batch for the ten changes.
	stateTopic := "fleet/docker/state"
	assert.NilError(t, clk.WaitAdvance(time.Second, 5*time.Second, 2))
	waitForCount(t, client, stateTopic, 1)
	assert.Equal(t, client.publishCount(stateTopic), 1)

	// The next batch comes from the periodic state tick.
	assert.NilError(t, clk.WaitAdvance(5*time.Minute-time.Second, 5*time.Second, 1))
	waitForCount(t, client, stateTopic, 2)

	cancel()
	<-done
}

func waitForCount(t *testing.T, client *fakeClient, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for client.publishCount(topic) < want {
		if time.Now().After(deadline) {
			t.Fatalf("topic %s published %d times, want %d", topic, client.publishCount(topic), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGlobalDeleteToleratesUntaggedImages(t *testing.T) {
	snap := fleetSnapshot()
	snap.Images = append(snap.Images, domain.ImageSnapshot{ID: "img-untagged"})
	b, _, _, engine := testBridge(t, snap)
	engine.RemoveImageFunc = func(context.Context, domain.ResourceID) error {
		return fmt.Errorf("image held by a stopped container")
	}

	b.onMessage(nil, fakeMessage{topic: "fleet/docker/set/delete_unused_images"})

	// Both unused images were attempted, failures logged, no panic on
	// the tagless one.
	calls := engine.Calls()
	assert.Equal(t, len(calls), 2, "calls: %v", calls)
}

func TestHistoryKeepsRecentPublishes(t *testing.T) {
	b, _, _, _ := testBridge(t, fleetSnapshot())
	b.publishAll(context.Background())

	all := b.History(0)
	assert.Assert(t, len(all) > 0)
	limited := b.History(3)
	assert.Equal(t, len(limited), 3)
	assert.Equal(t, limited[len(limited)-1].Topic, all[len(all)-1].Topic)
}
