package registry

import (
	"encoding/json"

	"github.com/tomquist/hame-relay/pkg/bridgeconfig"
	"github.com/tomquist/hame-relay/pkg/vendorapi"
)

// BuildDevices merges the vendor API's device list with the config
// document's static devices[] entries (spec.md §6). An entry whose
// device_id matches an API record overrides that record's forwarding
// fields (inverse_forwarding, broker_id, remote_id, use_remote_topic_id);
// an entry with no matching API record is taken as a wholly static
// device. inverseIDs (from inverse_forwarding_device_ids) sets the
// inverse-forwarding override for any device not already overridden
// individually.
func BuildDevices(apiRecords []vendorapi.DeviceRecord, overrides []bridgeconfig.DeviceEntry, inverseIDs map[string]bool) []*Device {
	byID := make(map[string]*Device, len(apiRecords))

	var ordered []*Device

	for _, rec := range apiRecords {
		d := fromAPIRecord(rec)
		byID[d.DeviceID] = d
		ordered = append(ordered, d)
	}

	for _, entry := range overrides {
		if d, ok := byID[entry.DeviceID]; ok {
			applyOverride(d, entry)
			continue
		}

		d := fromStaticEntry(entry)
		byID[d.DeviceID] = d
		ordered = append(ordered, d)
	}

	for _, d := range ordered {
		if d.InverseForwarding == nil && inverseIDs[d.DeviceID] {
			inv := true
			d.InverseForwarding = &inv
		}
	}

	return ordered
}

func fromAPIRecord(rec vendorapi.DeviceRecord) *Device {
	d := &Device{
		DeviceID: rec.DeviceID,
		MAC:      rec.MAC,
		Type:     rec.Type,
		Salt:     rec.Salt,
		Name:     rec.Name,
	}

	if len(rec.Version) > 0 {
		var v interface{}
		if err := json.Unmarshal(rec.Version, &v); err == nil {
			if version, ok := ParseVersion(v); ok {
				d.Version, d.HasVersion = version, true
			}
		}
	}

	return d
}

func fromStaticEntry(entry bridgeconfig.DeviceEntry) *Device {
	d := &Device{
		DeviceID:                 entry.DeviceID,
		MAC:                      entry.MAC,
		Type:                     entry.Type,
		InverseForwarding:        entry.InverseForwarding,
		BrokerID:                 entry.BrokerID,
		RemoteID:                 entry.RemoteID,
		UseRemoteTopicIDOverride: entry.UseRemoteTopicID,
	}

	if version, ok := ParseVersion(entry.Version); ok {
		d.Version, d.HasVersion = version, true
	}

	return d
}

func applyOverride(d *Device, entry bridgeconfig.DeviceEntry) {
	if entry.InverseForwarding != nil {
		d.InverseForwarding = entry.InverseForwarding
	}

	if entry.BrokerID != "" {
		d.BrokerID = entry.BrokerID
	}

	if entry.RemoteID != "" {
		d.RemoteID = entry.RemoteID
	}

	if entry.UseRemoteTopicID != nil {
		d.UseRemoteTopicIDOverride = entry.UseRemoteTopicID
	}

	if version, ok := ParseVersion(entry.Version); ok {
		d.Version, d.HasVersion = version, true
	}
}
