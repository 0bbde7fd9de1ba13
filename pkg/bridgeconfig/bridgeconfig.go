// Package bridgeconfig loads and validates the bridge's inbound JSON
// configuration document (spec.md §6): the local broker to bind to,
// vendor credentials, and any statically-declared devices.
package bridgeconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	errBrokerURLRequired = errors.New("bridgeconfig: broker_url is required")
	errCredentialsRequired = errors.New("bridgeconfig: username and password are required")
)

// DeviceEntry is one statically-declared device in the config document.
// It mirrors registry.Device's JSON shape but lives here because the
// config document is the only place it is decoded from.
type DeviceEntry struct {
	DeviceID               string      `json:"device_id"`
	MAC                    string      `json:"mac"`
	Type                   string      `json:"type"`
	Version                interface{} `json:"version,omitempty"`
	InverseForwarding      *bool       `json:"inverse_forwarding,omitempty"`
	BrokerID               string      `json:"broker_id,omitempty"`
	RemoteID               string      `json:"remote_id,omitempty"`
	UseRemoteTopicID       *bool       `json:"use_remote_topic_id,omitempty"`
}

// Config is the decoded and validated inbound configuration document.
type Config struct {
	BrokerURL                  string        `json:"broker_url"`
	Username                   string        `json:"username"`
	Password                   string        `json:"password"`
	DefaultBrokerID            string        `json:"default_broker_id,omitempty"`
	InverseForwarding          bool          `json:"inverse_forwarding,omitempty"`
	InverseForwardingDeviceIDs string        `json:"inverse_forwarding_device_ids,omitempty"`
	Devices                    []DeviceEntry `json:"devices,omitempty"`
}

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bridgeconfig: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("bridgeconfig: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the fields spec.md §6 marks required.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errBrokerURLRequired
	}

	if c.Username == "" || c.Password == "" {
		return errCredentialsRequired
	}

	return nil
}

// InverseForwardingDeviceIDSet parses the comma-separated
// inverse_forwarding_device_ids field into a lookup set.
func (c *Config) InverseForwardingDeviceIDSet() map[string]bool {
	set := make(map[string]bool)

	for _, id := range strings.Split(c.InverseForwardingDeviceIDs, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			set[id] = true
		}
	}

	return set
}
