package forwarder

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tomquist/hame-relay/pkg/logger"
)

const keepAlive = 30 * time.Second

// mqttTransport adapts paho.mqtt.golang's classic (MQTT 3.1.1) client to the
// Transport interface. The library carries no per-message properties, so
// relayInstanceId never travels over the wire here — loop prevention for
// this transport is the fingerprint cache in loopcache.go instead.
type mqttTransport struct {
	opts   *mqtt.ClientOptions
	client mqtt.Client
	log    logger.Logger
	label  string
}

// newLocalTransport builds the transport for the user's local broker.
func newLocalTransport(brokerURL string, log logger.Logger) (*mqttTransport, error) {
	clientID, err := randomClientID("config_")
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	return newTransport(opts, "local", log), nil
}

// newCloudTransport builds the transport for a broker catalog entry's cloud
// endpoint, using its embedded TLS material.
func newCloudTransport(brokerID, url, clientIDPrefix string, tlsCfg *tls.Config, log logger.Logger) (*mqttTransport, error) {
	clientID, err := randomClientID(clientIDPrefix)
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(clientID).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetTLSConfig(tlsCfg)

	return newTransport(opts, "cloud:"+brokerID, log), nil
}

func newTransport(opts *mqtt.ClientOptions, label string, log logger.Logger) *mqttTransport {
	t := &mqttTransport{opts: opts, log: log, label: label}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		t.log.Info().Str("transport", t.label).Msg("connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.log.Warn().Str("transport", t.label).Err(err).Msg("connection lost")
	})

	t.client = mqtt.NewClient(opts)

	return t
}

func (t *mqttTransport) Connect() error {
	token := t.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt[%s]: connect timed out", t.label)
	}

	return token.Error()
}

func (t *mqttTransport) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := t.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt[%s]: subscribe %q timed out", t.label, topic)
	}

	return token.Error()
}

func (t *mqttTransport) Publish(topic string, payload []byte) error {
	token := t.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt[%s]: publish %q timed out", t.label, topic)
	}

	return token.Error()
}

func (t *mqttTransport) Disconnect() {
	t.client.Disconnect(250)
}

func (t *mqttTransport) Connected() bool {
	return t.client.IsConnectionOpen()
}

func randomClientID(prefix string) (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}

	return prefix + hex.EncodeToString(buf), nil
}
