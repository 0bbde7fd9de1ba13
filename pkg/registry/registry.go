package registry

import (
	"fmt"

	"github.com/tomquist/hame-relay/pkg/logger"
)

// RejectedDevice records a device that failed validation and why, so
// bootstrap can log every rejection without treating it as fatal.
type RejectedDevice struct {
	DeviceID string
	Reason   error
}

// Registry is the validated, immutable set of devices the bridge knows
// about, grouped by the broker each one is bound to. It is built once
// during bootstrap (config + vendor API + identity resolution) and never
// mutated afterwards.
type Registry struct {
	devices  []*Device
	byBroker map[string][]*Device
	rejected []RejectedDevice
}

// New validates every device in devices, drops the ones that fail, and
// groups the survivors by BrokerID. Devices must already have BrokerID and
// RemoteID populated by the identity resolver before calling New; see
// pkg/identity. Returns an error only if zero devices survive, per the
// data model's invariant that startup fails only then.
func New(devices []*Device, log logger.Logger) (*Registry, error) {
	r := &Registry{byBroker: make(map[string][]*Device)}

	seen := make(map[string]struct{}, len(devices))

	for _, d := range devices {
		if err := d.Validate(); err != nil {
			r.rejected = append(r.rejected, RejectedDevice{DeviceID: d.DeviceID, Reason: err})
			log.Warn().Str("device_id", d.DeviceID).Err(err).Msg("dropping invalid device")

			continue
		}

		identityKey := d.DeviceID + "|" + d.RemoteID
		if _, dup := seen[identityKey]; dup {
			r.rejected = append(r.rejected, RejectedDevice{DeviceID: d.DeviceID, Reason: fmt.Errorf("duplicate (device_id, remote_id) pair")})
			continue
		}

		seen[identityKey] = struct{}{}

		r.devices = append(r.devices, d)
		r.byBroker[d.BrokerID] = append(r.byBroker[d.BrokerID], d)
	}

	if len(r.devices) == 0 {
		return nil, errNoDevices
	}

	return r, nil
}

// All returns every surviving device.
func (r *Registry) All() []*Device {
	return r.devices
}

// ForBroker returns the devices bound to brokerID. Returns nil (not an
// error) if no device is bound there.
func (r *Registry) ForBroker(brokerID string) []*Device {
	return r.byBroker[brokerID]
}

// BrokerIDs returns every broker id actually used by at least one device,
// so bootstrap knows exactly which Forwarders to construct.
func (r *Registry) BrokerIDs() []string {
	ids := make([]string, 0, len(r.byBroker))
	for id := range r.byBroker {
		ids = append(ids, id)
	}

	return ids
}

// Rejected returns every device dropped during validation, for startup
// diagnostics.
func (r *Registry) Rejected() []RejectedDevice {
	return r.rejected
}
