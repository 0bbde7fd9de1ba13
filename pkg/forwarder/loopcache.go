package forwarder

import (
	"crypto/md5" //nolint:gosec // content-addressing for dedup, not a security boundary
	"encoding/hex"
	"time"
)

const loopCacheWindow = 1 * time.Second

// fingerprint implements the fallback loop cache spec.md §9 calls for when
// the wire transport cannot carry a relayInstanceId property: md5(payload)
// of each published message, stored with its publish timestamp and checked
// against a 1-s window. This is
// the mechanism that actually breaks cycles in production, since
// paho.mqtt.golang's MQTT 3.1.1 client exposes no per-message properties —
// see mqtt_transport.go.
func fingerprint(payload []byte) string {
	sum := md5.Sum(payload) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

// rememberPublished records that payload was just emitted by this Engine,
// so that its eventual echo back from the mirror side is recognized as a
// loop instead of forwarded again.
func (e *Engine) rememberPublished(payload []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.processedMessages[fingerprint(payload)] = time.Now()
}

// seenRecently reports whether payload was published by this Engine within
// the loop-cache window.
func (e *Engine) seenRecently(payload []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.processedMessages[fingerprint(payload)]
	if !ok {
		return false
	}

	return time.Since(t) <= loopCacheWindow
}
