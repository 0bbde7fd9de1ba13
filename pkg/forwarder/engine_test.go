package forwarder

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomquist/hame-relay/pkg/brokercfg"
	"github.com/tomquist/hame-relay/pkg/logger"
	"github.com/tomquist/hame-relay/pkg/registry"
)

type publishedMessage struct {
	topic   string
	payload []byte
}

// fakeTransport is an in-memory Transport double; no network I/O.
type fakeTransport struct {
	mu        sync.Mutex
	published []publishedMessage
	connected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (f *fakeTransport) Connect() error { f.connected = true; return nil }
func (f *fakeTransport) Subscribe(string, func(string, []byte)) error { return nil }

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.published = append(f.published, publishedMessage{topic: topic, payload: cp})

	return nil
}

func (f *fakeTransport) Disconnect()      { f.connected = false }
func (f *fakeTransport) Connected() bool  { return f.connected }

func (f *fakeTransport) publishes() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]publishedMessage, len(f.published))
	copy(out, f.published)

	return out
}

func testDevice() *registry.Device {
	return &registry.Device{
		DeviceID: "d1234567890122233344455",
		MAC:      "aabbccddeeff",
		Type:     "HMA-1",
		RemoteID: "R123",
	}
}

func newTestEngine(t *testing.T, devices []*registry.Device) (*Engine, *fakeTransport, *fakeTransport) {
	t.Helper()

	broker := &brokercfg.Definition{ID: "b1", TopicPrefix: "hame_energy/"}
	local := newFakeTransport()
	cloud := newFakeTransport()

	e := New("b1", broker, devices, false, local, cloud, logger.NewTest())

	return e, local, cloud
}

// Scenario 3: forwarding, non-inverse, app -> device.
func TestHandleMessage_AppToDeviceNonInverse(t *testing.T) {
	d := testDevice()
	e, local, _ := newTestEngine(t, []*registry.Device{d})

	e.HandleMessage(Cloud, "hame_energy/HMA-1/App/R123/ctrl", []byte("cd=01,foo"), "")

	pubs := local.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "hame_energy/HMA-1/App/aabbccddeeff/ctrl", pubs[0].topic)
	assert.Equal(t, "cd=01,foo", string(pubs[0].payload))
}

// Scenario 4: correlation window.
func TestHandleMessage_CorrelationWindow(t *testing.T) {
	d := testDevice()
	e, _, cloud := newTestEngine(t, []*registry.Device{d})

	e.HandleMessage(Cloud, "hame_energy/HMA-1/App/R123/ctrl", []byte("cd=01,foo"), "")

	e.HandleMessage(Local, "hame_energy/HMA-1/device/aabbccddeeff/ctrl", []byte("cd=02"), "")

	pubs := cloud.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "hame_energy/HMA-1/device/R123/ctrl", pubs[0].topic)

	// A second device-originated message within the same window is dropped:
	// the correlation entry was consumed by the first.
	e.HandleMessage(Local, "hame_energy/HMA-1/device/aabbccddeeff/ctrl", []byte("cd=03"), "")

	pubs = cloud.publishes()
	assert.Len(t, pubs, 1, "second device message must be dropped, entry already consumed")
}

func TestHandleMessage_DeviceResponseOutsideWindowDropped(t *testing.T) {
	d := testDevice()
	e, _, cloud := newTestEngine(t, []*registry.Device{d})

	e.mu.Lock()
	e.appMessageHistory[d.Key()] = time.Now().Add(-2 * time.Second)
	e.mu.Unlock()

	e.HandleMessage(Local, "hame_energy/HMA-1/device/aabbccddeeff/ctrl", []byte("cd=02"), "")

	assert.Empty(t, cloud.publishes())
}

// Scenario 5: rate limiter.
func TestHandleMessage_RateLimiter(t *testing.T) {
	d := testDevice()
	e, _, cloud := newTestEngine(t, []*registry.Device{d})

	e.HandleMessage(Cloud, "hame_energy/HMA-1/App/R123/ctrl", []byte("cd=0001"), "")
	assert.Len(t, cloud.publishes(), 0, "app messages forward locally, not to cloud")

	// Drive the same rate-limited code twice in immediate succession toward
	// the cloud by simulating local->cloud app traffic (inverse direction
	// keeps the "towards cloud" policy straightforward to set up here).
	invDevice := testDevice()
	inv := true
	invDevice.InverseForwarding = &inv

	e2, _, cloud2 := newTestEngine(t, []*registry.Device{invDevice})

	e2.HandleMessage(Local, "hame_energy/HMA-1/App/aabbccddeeff/ctrl", []byte("cd=0001"), "")
	require.Len(t, cloud2.publishes(), 1)

	// Simulate the second emission arriving 2s later, past the 1-s loop
	// cache window, so only the rate limiter can suppress it.
	e2.mu.Lock()
	for k := range e2.processedMessages {
		e2.processedMessages[k] = time.Now().Add(-2 * time.Second)
	}
	e2.mu.Unlock()

	e2.HandleMessage(Local, "hame_energy/HMA-1/App/aabbccddeeff/ctrl", []byte("cd=0001"), "")
	assert.Len(t, cloud2.publishes(), 1, "second emission within 59.9s must be suppressed")

	e2.mu.Lock()
	for k := range e2.rateLimitedMessages {
		e2.rateLimitedMessages[k] = time.Now().Add(-60 * time.Second)
	}
	for k := range e2.processedMessages {
		e2.processedMessages[k] = time.Now().Add(-60 * time.Second)
	}
	e2.mu.Unlock()

	e2.HandleMessage(Local, "hame_energy/HMA-1/App/aabbccddeeff/ctrl", []byte("cd=0001"), "")
	assert.Len(t, cloud2.publishes(), 2, "third emission after the window reopens must be forwarded")
}

// Scenario 6: loop break via relayInstanceId.
func TestHandleMessage_LoopBreakViaRelayInstanceID(t *testing.T) {
	d := testDevice()
	e, local, cloud := newTestEngine(t, []*registry.Device{d})

	e.HandleMessage(Cloud, "hame_energy/HMA-1/App/R123/ctrl", []byte("cd=01"), "deadbeef")

	assert.Empty(t, local.publishes())
	assert.Empty(t, cloud.publishes())
}

func TestHandleMessage_LoopBreakViaFingerprintCache(t *testing.T) {
	d := testDevice()
	e, local, _ := newTestEngine(t, []*registry.Device{d})

	payload := []byte("cd=01,foo")
	e.HandleMessage(Cloud, "hame_energy/HMA-1/App/R123/ctrl", payload, "")
	require.Len(t, local.publishes(), 1)

	// The echo of our own publish arriving back on the source side within
	// the loop-cache window must not be forwarded again.
	e.HandleMessage(Cloud, "hame_energy/HMA-1/App/R123/ctrl", payload, "")
	assert.Len(t, local.publishes(), 1)
}

func TestHandleMessage_DirectionPolicyRejectsMismatch(t *testing.T) {
	d := testDevice()
	e, local, _ := newTestEngine(t, []*registry.Device{d})

	// role=device arriving from cloud with inv=false must be rejected by
	// direction policy before ever reaching the correlation-window check.
	e.HandleMessage(Cloud, "hame_energy/HMA-1/device/R123/ctrl", []byte("x"), "")
	assert.Empty(t, local.publishes())
}

func TestHandleMessage_NoDeviceMatchDrops(t *testing.T) {
	d := testDevice()
	e, local, cloud := newTestEngine(t, []*registry.Device{d})

	e.HandleMessage(Cloud, "hame_energy/OTHER-1/App/R123/ctrl", []byte("x"), "")

	assert.Empty(t, local.publishes())
	assert.Empty(t, cloud.publishes())
}
