// Package brokercfg loads the broker catalog: the per-cloud-broker
// configuration (URL, client certificate trio, topic prefixes, firmware
// gates) that the identity resolver and Forwarder are built from.
package brokercfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	errEmptyURL = errors.New("brokercfg: url is required")
)

// Definition is one entry of the broker catalog — spec.md §3 "Broker
// Definition".
type Definition struct {
	ID                       string
	URL                      string             `json:"url"`
	CA                       string             `json:"ca"`
	Cert                     string             `json:"cert"`
	Key                      string             `json:"key"`
	ClientIDPrefix           string             `json:"client_id_prefix"`
	TopicPrefix              string             `json:"topic_prefix"`
	LocalTopicPrefix         string             `json:"local_topic_prefix"`
	TopicEncryptionKey       string             `json:"topic_encryption_key"`
	MinVersions              map[string]float64 `json:"min_versions"`
	UseRemoteTopicIDVersions map[string][]float64 `json:"use_remote_topic_id_versions"`
}

const defaultTopicPrefix = "hame_energy/"

// EffectiveTopicPrefix returns TopicPrefix, defaulting to "hame_energy/"
// per spec.md §4.3.
func (d *Definition) EffectiveTopicPrefix() string {
	if d.TopicPrefix == "" {
		return defaultTopicPrefix
	}

	return d.TopicPrefix
}

// EffectiveLocalTopicPrefix returns LocalTopicPrefix, falling back to
// EffectiveTopicPrefix when unset.
func (d *Definition) EffectiveLocalTopicPrefix() string {
	if d.LocalTopicPrefix == "" {
		return d.EffectiveTopicPrefix()
	}

	return d.LocalTopicPrefix
}

// EffectiveClientIDPrefix returns ClientIDPrefix, defaulting to "hm_".
func (d *Definition) EffectiveClientIDPrefix() string {
	if d.ClientIDPrefix == "" {
		return "hm_"
	}

	return d.ClientIDPrefix
}

// UsesRemoteTopicID reports whether family/version is listed under
// UseRemoteTopicIDVersions, gating the local-side mirroring rule in
// spec.md §4.1.
func (d *Definition) UsesRemoteTopicID(family string, version float64) bool {
	versions, ok := d.UseRemoteTopicIDVersions[family]
	if !ok {
		return false
	}

	for _, v := range versions {
		if v == version {
			return true
		}
	}

	return false
}

func (d *Definition) Validate() error {
	if strings.TrimSpace(d.URL) == "" {
		return errEmptyURL
	}

	return nil
}

// Catalog is the broker id -> Definition map loaded from BROKERS_PATH.
type Catalog map[string]*Definition

// Load reads the broker catalog JSON at path, resolving any string field
// beginning with "@" to the contents of the referenced file (resolved
// relative to path's directory) — used to inline certificate/key material
// without inlining it directly in the catalog JSON. The catalog is loaded
// once at startup.
func Load(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("brokercfg: read %s: %w", path, err)
	}

	var generic map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("brokercfg: parse %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	catalog := make(Catalog, len(generic))

	for id, fields := range generic {
		def := &Definition{ID: id}
		if err := resolveIndirection(fields, baseDir); err != nil {
			return nil, fmt.Errorf("brokercfg: %s: %w", id, err)
		}

		merged, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("brokercfg: remarshal %s: %w", id, err)
		}

		if err := json.Unmarshal(merged, def); err != nil {
			return nil, fmt.Errorf("brokercfg: decode %s: %w", id, err)
		}

		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("brokercfg: %s: %w", id, err)
		}

		catalog[id] = def
	}

	return catalog, nil
}

// resolveIndirection rewrites every string field of the form "@relative/path"
// in place with the contents of the referenced file.
func resolveIndirection(fields map[string]json.RawMessage, baseDir string) error {
	for key, raw := range fields {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue // not a string field, nothing to indirect
		}

		if !strings.HasPrefix(s, "@") {
			continue
		}

		refPath := strings.TrimPrefix(s, "@")
		if !filepath.IsAbs(refPath) {
			refPath = filepath.Join(baseDir, refPath)
		}

		content, err := os.ReadFile(refPath)
		if err != nil {
			return fmt.Errorf("load %s for field %s: %w", refPath, key, err)
		}

		encoded, err := json.Marshal(string(content))
		if err != nil {
			return err
		}

		fields[key] = encoded
	}

	return nil
}
