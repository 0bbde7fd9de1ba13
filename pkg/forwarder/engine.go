package forwarder

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomquist/hame-relay/pkg/brokercfg"
	"github.com/tomquist/hame-relay/pkg/logger"
	"github.com/tomquist/hame-relay/pkg/registry"
)

const correlationWindow = 1 * time.Second

// rateLimitedCodes is the set of cd=0*<code> values the rate limiter
// applies to (spec.md §4.5).
var rateLimitedCodes = map[int]bool{
	1: true, 13: true, 15: true, 16: true, 21: true, 26: true, 28: true, 30: true,
}

var rateLimitPattern = regexp.MustCompile(`cd=0*(\d+)`)

// Transport is the thing an Engine publishes to and receives messages from.
// It abstracts over the underlying MQTT client so the message-handling
// logic in this file is testable without a broker.
type Transport interface {
	Connect() error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Publish(topic string, payload []byte) error
	Disconnect()
	Connected() bool
}

// Engine is one Forwarder: the pair of connections for a single cloud
// broker, its device set, and the three expiring maps from spec.md §3.
type Engine struct {
	brokerID   string
	broker     *brokercfg.Definition
	devices    []*registry.Device
	inverse    bool
	local      Transport
	cloud      Transport
	instanceTag string
	log        logger.Logger

	matchers map[Side][]*deviceMatcher

	mu                  sync.Mutex
	appMessageHistory   map[string]time.Time
	rateLimitedMessages map[string]time.Time
	processedMessages   map[string]time.Time
}

// New builds an Engine for one broker and its assigned devices. local and
// cloud are already-constructed (but not yet connected) transports.
func New(brokerID string, broker *brokercfg.Definition, devices []*registry.Device, forwarderInverse bool, local, cloud Transport, log logger.Logger) *Engine {
	e := &Engine{
		brokerID:            brokerID,
		broker:              broker,
		devices:             devices,
		inverse:             forwarderInverse,
		local:               local,
		cloud:               cloud,
		instanceTag:         uuid.NewString()[:8],
		log:                 log,
		matchers:            map[Side][]*deviceMatcher{Local: nil, Cloud: nil},
		appMessageHistory:   make(map[string]time.Time),
		rateLimitedMessages: make(map[string]time.Time),
		processedMessages:   make(map[string]time.Time),
	}

	for _, d := range devices {
		e.matchers[Local] = append(e.matchers[Local], newDeviceMatcher(d, Local, broker))
		e.matchers[Cloud] = append(e.matchers[Cloud], newDeviceMatcher(d, Cloud, broker))
	}

	return e
}

// BrokerID returns the cloud broker id this Engine serves.
func (e *Engine) BrokerID() string {
	return e.brokerID
}

// LocalConnected and CloudConnected back the Health Reflector's per-broker
// status map.
func (e *Engine) LocalConnected() bool { return e.local.Connected() }
func (e *Engine) CloudConnected() bool { return e.cloud.Connected() }

// Start connects both sessions and issues the one-time subscription set.
func (e *Engine) Start() error {
	if err := e.local.Connect(); err != nil {
		return fmt.Errorf("forwarder[%s]: connect local: %w", e.brokerID, err)
	}

	if err := e.cloud.Connect(); err != nil {
		return fmt.Errorf("forwarder[%s]: connect cloud: %w", e.brokerID, err)
	}

	for _, d := range e.devices {
		localTopic := SubscriptionTopic(d, Local, e.broker, e.inverse)
		if err := e.local.Subscribe(localTopic, e.onMessage(Local)); err != nil {
			return fmt.Errorf("forwarder[%s]: subscribe local %q: %w", e.brokerID, localTopic, err)
		}

		cloudTopic := SubscriptionTopic(d, Cloud, e.broker, e.inverse)
		if err := e.cloud.Subscribe(cloudTopic, e.onMessage(Cloud)); err != nil {
			return fmt.Errorf("forwarder[%s]: subscribe cloud %q: %w", e.brokerID, cloudTopic, err)
		}
	}

	return nil
}

// Stop ends both client sessions. No graceful drain is performed.
func (e *Engine) Stop() {
	e.local.Disconnect()
	e.cloud.Disconnect()
}

func (e *Engine) onMessage(source Side) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		e.HandleMessage(source, topic, payload, "")
	}
}

// HandleMessage runs spec.md §4.4's pipeline for one inbound message.
// relayInstanceID is the value of the message's relayInstanceId property,
// if the transport carries one ("" for transports that cannot). Every
// message is also checked against the payload fingerprint cache in
// loopcache.go, which is what breaks loops when no marker is carried.
func (e *Engine) HandleMessage(source Side, topic string, payload []byte, relayInstanceID string) {
	if relayInstanceID != "" {
		e.log.Debug().Str("topic", topic).Str("relay_instance_id", relayInstanceID).
			Msg("dropping message carrying a relay loop marker")

		return
	}

	if e.seenRecently(payload) {
		e.log.Debug().Str("topic", topic).Msg("dropping message matching our own recent publish (loop cache)")

		return
	}

	d, role, ok := e.matchDevice(source, topic)
	if !ok {
		e.log.Debug().Str("topic", topic).Str("source", source.String()).Msg("no device matched topic, dropping")

		return
	}

	inv := effectiveDirection(d, e.inverse)
	if directionRejected(source, role, inv) {
		e.log.Debug().Str("topic", topic).Str("role", role).Msg("direction policy rejected message, dropping")

		return
	}

	deviceKey := d.Key()
	target, targetSide := e.cloud, Cloud

	if source == Cloud {
		target, targetSide = e.local, Local
	}

	switch role {
	case roleApp:
		e.recordAppMessage(deviceKey)

		if targetSide == Cloud {
			if !e.allowRateLimited(deviceKey, payload) {
				return
			}
		}
	case roleDevice:
		if !e.consumeCorrelation(deviceKey) {
			e.log.Debug().Str("device_key", deviceKey).Msg("device response outside correlation window, dropping")

			return
		}
	}

	destTopic := PublishTopic(d, targetSide, e.broker, role)

	e.rememberPublished(payload)

	if err := target.Publish(destTopic, payload); err != nil {
		e.log.Warn().Str("topic", destTopic).Err(err).Msg("publish failed")
	}
}

func (e *Engine) matchDevice(source Side, topic string) (*registry.Device, string, bool) {
	for _, m := range e.matchers[source] {
		if role, ok := m.match(topic); ok {
			return m.device, role, true
		}
	}

	return nil, "", false
}

// directionRejected implements spec.md §4.4 step 3's table.
func directionRejected(source Side, role string, inv bool) bool {
	switch {
	case source == Cloud && role == roleDevice && !inv:
		return true
	case source == Cloud && role == roleApp && inv:
		return true
	case source == Local && role == roleDevice && inv:
		return true
	case source == Local && role == roleApp && !inv:
		return true
	default:
		return false
	}
}

func (e *Engine) recordAppMessage(deviceKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.appMessageHistory[deviceKey] = time.Now()
}

// consumeCorrelation reports whether deviceKey has a live app-message
// correlation entry, deleting it on success (at-most-one device response
// per app request).
func (e *Engine) consumeCorrelation(deviceKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.appMessageHistory[deviceKey]
	if !ok || time.Since(t) > correlationWindow {
		return false
	}

	delete(e.appMessageHistory, deviceKey)

	return true
}

// allowRateLimited implements spec.md §4.5. Returns false if the message
// must be suppressed.
func (e *Engine) allowRateLimited(deviceKey string, payload []byte) bool {
	match := rateLimitPattern.FindSubmatch(payload)
	if match == nil {
		return true
	}

	code, err := strconv.Atoi(string(match[1]))
	if err != nil || !rateLimitedCodes[code] {
		return true
	}

	key := deviceKey + ":" + strconv.Itoa(code)

	e.mu.Lock()
	defer e.mu.Unlock()

	last, seen := e.rateLimitedMessages[key]
	if seen && time.Since(last) < 59900*time.Millisecond {
		e.log.Info().Str("device_key", deviceKey).Int("code", code).
			Dur("remaining", 59900*time.Millisecond-time.Since(last)).
			Msg("suppressing rate-limited app message")

		return false
	}

	e.rateLimitedMessages[key] = time.Now()

	return true
}

// Sweep removes expired entries from all three maps, per spec.md §4.6.
// Best-effort: correctness never depends on it running.
func (e *Engine) Sweep() {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for k, t := range e.appMessageHistory {
		if now.Sub(t) > 2*correlationWindow {
			delete(e.appMessageHistory, k)
		}
	}

	for k, t := range e.rateLimitedMessages {
		if now.Sub(t) > 2*59900*time.Millisecond {
			delete(e.rateLimitedMessages, k)
		}
	}

	for k, t := range e.processedMessages {
		if now.Sub(t) > 2*correlationWindow {
			delete(e.processedMessages, k)
		}
	}
}
