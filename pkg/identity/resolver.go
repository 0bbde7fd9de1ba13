package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/tomquist/hame-relay/pkg/brokercfg"
	"github.com/tomquist/hame-relay/pkg/logger"
	"github.com/tomquist/hame-relay/pkg/registry"
)

var errNoBrokerResolved = errors.New("identity: no broker could be resolved for device and no default_broker_id is configured")

// saltGateRule gates whether the salted (CQ) derivation is available for a
// device, per spec.md §4.1's firmware-gate table. A rule matches either an
// exact Type or a Family; MinVersion is ignored (any firmware qualifies)
// when Unconditional is true.
type saltGateRule struct {
	exactType     string
	family        string
	minVersion    float64
	unconditional bool
}

// saltGateTable is the firmware-gate table from spec.md §4.1, in match
// order: exact-type rules first (they're more specific than the family
// rules that otherwise would have claimed the same HME family).
var saltGateTable = []saltGateRule{
	{exactType: "HME-2", minVersion: 122.0},
	{exactType: "HME-4", minVersion: 122.0},
	{exactType: "TPM-CN", minVersion: 122.0},
	{exactType: "HME-3", minVersion: 120.0},
	{exactType: "HME-5", minVersion: 120.0},
	{family: "JPLS", minVersion: 136.0},
	{family: "HMM", minVersion: 136.0},
	{family: "HMN", minVersion: 136.0},
	{family: "HMB", minVersion: 230.0},
	{family: "HMA", minVersion: 230.0},
	{family: "HMK", minVersion: 230.0},
	{family: "HMF", minVersion: 230.0},
	{family: "HMJ", minVersion: 116.0},
	{family: "HMI", minVersion: 126.0},
	{family: "HMG", minVersion: 154.0},
	{family: "VNSE3", unconditional: true},
}

// Resolver implements spec.md §4.1: broker auto-selection, remote id
// derivation, and local-topic mirroring.
type Resolver struct {
	catalog           brokercfg.Catalog
	defaultBrokerID   string
	log               logger.Logger
}

// NewResolver builds a Resolver over the given broker catalog. defaultBrokerID
// is used when no device rule and no min_versions entry resolves a broker.
func NewResolver(catalog brokercfg.Catalog, defaultBrokerID string, log logger.Logger) *Resolver {
	return &Resolver{catalog: catalog, defaultBrokerID: defaultBrokerID, log: log}
}

// Resolve fills in d.BrokerID, d.RemoteID, and d.UseRemoteTopicID in place,
// per the priority rules in spec.md §4.1.
func (r *Resolver) Resolve(d *registry.Device) error {
	if err := r.resolveBroker(d); err != nil {
		return err
	}

	broker := r.catalog[d.BrokerID]

	if d.RemoteID == "" {
		d.RemoteID = r.deriveRemoteID(d, broker)
	}

	if d.UseRemoteTopicIDOverride != nil {
		d.UseRemoteTopicID = *d.UseRemoteTopicIDOverride
	} else if broker != nil && d.HasVersion {
		d.UseRemoteTopicID = broker.UsesRemoteTopicID(d.Family(), d.Version)
	}

	return nil
}

// resolveBroker picks the broker id for d: an explicit d.BrokerID wins;
// otherwise the broker whose min_versions[family] is the greatest value
// not exceeding d.Version; ties broken by ascending broker id (see
// SPEC_FULL.md §12 — the original is silent on ties).
func (r *Resolver) resolveBroker(d *registry.Device) error {
	if d.BrokerID != "" {
		return nil
	}

	if d.HasVersion {
		if id, ok := r.autoSelectBroker(d.Family(), d.Version); ok {
			d.BrokerID = id
			return nil
		}
	}

	if r.defaultBrokerID != "" {
		d.BrokerID = r.defaultBrokerID
		return nil
	}

	return fmt.Errorf("%w (device_id=%s)", errNoBrokerResolved, d.DeviceID)
}

func (r *Resolver) autoSelectBroker(family string, version float64) (string, bool) {
	type candidate struct {
		id        string
		threshold float64
	}

	var candidates []candidate

	for id, def := range r.catalog {
		threshold, ok := def.MinVersions[family]
		if !ok || threshold > version {
			continue
		}

		candidates = append(candidates, candidate{id: id, threshold: threshold})
	}

	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].threshold != candidates[j].threshold {
			return candidates[i].threshold > candidates[j].threshold
		}

		return candidates[i].id < candidates[j].id
	})

	return candidates[0].id, true
}

// deriveRemoteID implements the three-scheme priority order: salted CQ,
// then AES-keyed MAC, then device_id fallback.
func (r *Resolver) deriveRemoteID(d *registry.Device, broker *brokercfg.Definition) string {
	if salt := d.SaltMaterial(); salt != "" && r.saltDerivationEnabled(d) {
		if id := CQ(salt, d.MAC, d.Type); id != "" {
			return id
		}

		r.log.Warn().Str("device_id", d.DeviceID).Msg("CQ derivation failed despite salt being present, falling back")
	}

	if broker != nil && broker.TopicEncryptionKey != "" {
		id, err := keyedMACRemoteID(broker.TopicEncryptionKey, d.MAC)
		if err != nil {
			r.log.Warn().Str("device_id", d.DeviceID).Err(err).Msg("keyed MAC derivation failed, falling back to device_id")
		} else {
			return id
		}
	}

	return d.DeviceID
}

func (r *Resolver) saltDerivationEnabled(d *registry.Device) bool {
	family := d.Family()

	for _, rule := range saltGateTable {
		matches := (rule.exactType != "" && rule.exactType == d.Type) ||
			(rule.family != "" && rule.family == family)

		if !matches {
			continue
		}

		if rule.unconditional {
			return true
		}

		return d.HasVersion && d.Version >= rule.minVersion
	}

	return false
}

// keyedMACRemoteID implements the AES-128-CBC keyed-MAC scheme: encrypt
// the ASCII MAC under the broker's topic_encryption_key with an all-zero
// IV and PKCS#7 padding, returning lowercase hex ciphertext.
func keyedMACRemoteID(hexKey, mac string) (string, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", fmt.Errorf("identity: decode topic_encryption_key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("identity: init AES cipher: %w", err)
	}

	plaintext := pkcs7Pad([]byte(mac), block.BlockSize())

	iv := make([]byte, block.BlockSize())
	ciphertext := make([]byte, len(plaintext))

	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, plaintext)

	return hex.EncodeToString(ciphertext), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)

	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	return padded
}
