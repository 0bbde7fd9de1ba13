// Package registry holds the validated, immutable set of devices the
// bridge forwards traffic for, plus the per-device identifiers a Forwarder
// needs to build subscriptions.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	errDeviceIDEmpty   = errors.New("registry: device_id is required")
	errDeviceIDLength  = errors.New("registry: device_id must be 12 or 22-24 characters")
	errMACLength       = errors.New("registry: mac must be 12 hex characters after normalization")
	errTypeEmpty       = errors.New("registry: type is required")
	errNoDevices       = errors.New("registry: no devices survived validation")
)

var macChars = regexp.MustCompile(`^[0-9a-f]{12}$`)

// Device is the unit of forwarding. Fields not sourced from config are
// filled in during bootstrap by the vendor API client and the identity
// resolver; after that the Device is frozen for the process lifetime.
type Device struct {
	DeviceID          string
	MAC               string
	Type              string
	Version           float64
	HasVersion        bool
	InverseForwarding *bool
	BrokerID          string
	RemoteID          string
	// UseRemoteTopicIDOverride carries an explicit use_remote_topic_id from
	// config, if any; nil means "let the identity resolver decide".
	UseRemoteTopicIDOverride *bool
	UseRemoteTopicID         bool
	Salt                     string
	Name                     string
}

// deviceJSON mirrors the §6 config schema for one devices[] entry; Version
// is decoded leniently since the vendor API and
// the config file disagree on whether firmware version is numeric or
// stringly-typed.
type deviceJSON struct {
	DeviceID          string          `json:"device_id"`
	MAC               string          `json:"mac"`
	Type              string          `json:"type"`
	Version           json.RawMessage `json:"version,omitempty"`
	InverseForwarding *bool           `json:"inverse_forwarding,omitempty"`
	BrokerID          string          `json:"broker_id,omitempty"`
	RemoteID          string          `json:"remote_id,omitempty"`
	UseRemoteTopicID  *bool           `json:"use_remote_topic_id,omitempty"`
	Salt              string          `json:"salt,omitempty"`
	Name              string          `json:"name,omitempty"`
}

func (d *Device) UnmarshalJSON(data []byte) error {
	var raw deviceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	d.DeviceID = raw.DeviceID
	d.MAC = raw.MAC
	d.Type = raw.Type
	d.InverseForwarding = raw.InverseForwarding
	d.BrokerID = raw.BrokerID
	d.RemoteID = raw.RemoteID
	d.UseRemoteTopicIDOverride = raw.UseRemoteTopicID
	d.Salt = raw.Salt
	d.Name = raw.Name

	if len(raw.Version) > 0 {
		var v interface{}
		if err := json.Unmarshal(raw.Version, &v); err != nil {
			return fmt.Errorf("registry: decode version: %w", err)
		}

		if version, ok := ParseVersion(v); ok {
			d.Version, d.HasVersion = version, true
		}
	}

	return nil
}

func (d Device) MarshalJSON() ([]byte, error) {
	raw := deviceJSON{
		DeviceID:          d.DeviceID,
		MAC:               d.MAC,
		Type:              d.Type,
		InverseForwarding: d.InverseForwarding,
		BrokerID:          d.BrokerID,
		RemoteID:          d.RemoteID,
		UseRemoteTopicID:  d.UseRemoteTopicIDOverride,
		Salt:              d.Salt,
		Name:              d.Name,
	}

	if d.HasVersion {
		raw.Version = json.RawMessage(strconv.FormatFloat(d.Version, 'f', -1, 64))
	}

	return json.Marshal(raw)
}

// Family returns the prefix of Type before the final '-', e.g. "HMG" from
// "HMG-50". Devices whose Type carries no '-' return the type unchanged.
func (d *Device) Family() string {
	idx := strings.LastIndex(d.Type, "-")
	if idx < 0 {
		return d.Type
	}

	return d.Type[:idx]
}

// SaltMaterial returns the first comma-separated token of Salt, the value
// actually used by the CQ derivation; empty if no salt is set.
func (d *Device) SaltMaterial() string {
	if d.Salt == "" {
		return ""
	}

	return strings.SplitN(d.Salt, ",", 2)[0]
}

// Key returns the stable composite key used throughout the Forwarder to
// correlate app and device traffic for this device.
func (d *Device) Key() string {
	return fmt.Sprintf("%s:%s:%s", d.Type, d.DeviceID, d.MAC)
}

// normalize trims/lowercases fields the way the bridge expects them at
// ingest, ahead of Validate.
func (d *Device) normalize() {
	d.DeviceID = strings.TrimSpace(d.DeviceID)
	d.MAC = strings.ToLower(strings.ReplaceAll(d.MAC, ":", ""))
	d.Type = strings.TrimSpace(d.Type)
}

// Validate checks the structural invariants from the data model: device_id
// length, mac normalization, and presence of a type. It does not check
// cross-device uniqueness; Registry does that once all devices are known.
func (d *Device) Validate() error {
	d.normalize()

	if d.DeviceID == "" {
		return errDeviceIDEmpty
	}

	n := len(d.DeviceID)
	if n != 12 && !(n >= 22 && n <= 24) {
		return errDeviceIDLength
	}

	if !macChars.MatchString(d.MAC) {
		return errMACLength
	}

	if d.Type == "" {
		return errTypeEmpty
	}

	return nil
}

// ParseVersion converts a raw JSON number/string into a firmware version,
// reporting ok=false for anything else or an unparsable string. The
// config and the vendor API both hand back firmware versions inconsistently
// typed, so callers funnel through this helper instead of float64(v) directly.
func ParseVersion(raw interface{}) (version float64, ok bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}

		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}

		return parsed, true
	default:
		return 0, false
	}
}
