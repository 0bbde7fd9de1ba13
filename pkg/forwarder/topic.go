// Package forwarder implements the core of the bridge: per-broker dual
// connections, topic rewriting, the correlation window, the rate limiter,
// and loop prevention (spec.md §4).
package forwarder

import (
	"fmt"
	"regexp"

	"github.com/tomquist/hame-relay/pkg/brokercfg"
	"github.com/tomquist/hame-relay/pkg/registry"
)

// Side names one of the bridge's two connections.
type Side int

const (
	Local Side = iota
	Cloud
)

func (s Side) String() string {
	if s == Cloud {
		return "cloud"
	}

	return "local"
}

const (
	roleDevice = "device"
	roleApp    = "App"
)

// effectiveDirection resolves spec.md §4.3's inv flag: device override,
// else forwarder-level default, else false.
func effectiveDirection(d *registry.Device, forwarderDefault bool) bool {
	if d.InverseForwarding != nil {
		return *d.InverseForwarding
	}

	return forwarderDefault
}

// prefix implements spec.md §4.3's prefix(d, S) table.
func prefix(d *registry.Device, s Side, broker *brokercfg.Definition) string {
	switch {
	case s == Cloud:
		return broker.EffectiveTopicPrefix()
	case d.UseRemoteTopicID:
		return broker.EffectiveTopicPrefix()
	default:
		return broker.EffectiveLocalTopicPrefix()
	}
}

// topicID implements spec.md §4.3's id(d, S) table.
func topicID(d *registry.Device, s Side) string {
	switch {
	case s == Cloud:
		return d.RemoteID
	case d.UseRemoteTopicID:
		return d.RemoteID
	default:
		return d.MAC
	}
}

// subscriptionRole returns the role token the Forwarder subscribes for on
// side s, given inv.
func subscriptionRole(s Side, inv bool) string {
	if s == Cloud {
		if inv {
			return roleDevice
		}

		return roleApp
	}

	if inv {
		return roleApp
	}

	return roleDevice
}

// SubscriptionTopic builds the single topic the Forwarder subscribes to
// for device d on side s.
func SubscriptionTopic(d *registry.Device, s Side, broker *brokercfg.Definition, forwarderInverse bool) string {
	inv := effectiveDirection(d, forwarderInverse)
	role := subscriptionRole(s, inv)

	return fmt.Sprintf("%s%s/%s/%s/ctrl", prefix(d, s, broker), d.Type, role, topicID(d, s))
}

// PublishTopic builds the topic a message for device d should be published
// to on side s, preserving role (the direction is never flipped during
// publish — only prefix/id are rewritten).
func PublishTopic(d *registry.Device, s Side, broker *brokercfg.Definition, role string) string {
	return fmt.Sprintf("%s%s/%s/%s/ctrl", prefix(d, s, broker), d.Type, role, topicID(d, s))
}

// deviceMatcher is a precompiled topic pattern for one (device, side) pair,
// implementing spec.md §4.4 step 2's match regex:
// ^<escape(prefix)>([^/]+)/(device|App)/(.*)/ctrl$, accepting only matches
// where group1 == d.Type and group3 == id(d, side).
type deviceMatcher struct {
	device *registry.Device
	side   Side
	re     *regexp.Regexp
	wantID string
}

func newDeviceMatcher(d *registry.Device, s Side, broker *brokercfg.Definition) *deviceMatcher {
	pattern := "^" + regexp.QuoteMeta(prefix(d, s, broker)) + `([^/]+)/(device|App)/(.*)/ctrl$`

	return &deviceMatcher{
		device: d,
		side:   s,
		re:     regexp.MustCompile(pattern),
		wantID: topicID(d, s),
	}
}

// match reports whether topic belongs to this matcher's device, returning
// the role token captured from the topic.
func (m *deviceMatcher) match(topic string) (role string, ok bool) {
	groups := m.re.FindStringSubmatch(topic)
	if groups == nil {
		return "", false
	}

	if groups[1] != m.device.Type || groups[3] != m.wantID {
		return "", false
	}

	return groups[2], true
}
