package forwarder

import (
	"fmt"

	"github.com/tomquist/hame-relay/pkg/brokercfg"
	"github.com/tomquist/hame-relay/pkg/logger"
	"github.com/tomquist/hame-relay/pkg/registry"
)

// Build constructs an Engine for one cloud broker: its local and cloud
// transports, wired with the broker's TLS material, ready for Start.
func Build(localBrokerURL string, brokerID string, broker *brokercfg.Definition, devices []*registry.Device, forwarderInverse bool, log logger.Logger) (*Engine, error) {
	local, err := newLocalTransport(localBrokerURL, log.WithComponent("forwarder."+brokerID+".local"))
	if err != nil {
		return nil, fmt.Errorf("forwarder[%s]: build local transport: %w", brokerID, err)
	}

	tlsCfg, err := broker.ClientTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("forwarder[%s]: build cloud TLS config: %w", brokerID, err)
	}

	cloud, err := newCloudTransport(brokerID, broker.URL, broker.EffectiveClientIDPrefix(), tlsCfg, log.WithComponent("forwarder."+brokerID+".cloud"))
	if err != nil {
		return nil, fmt.Errorf("forwarder[%s]: build cloud transport: %w", brokerID, err)
	}

	return New(brokerID, broker, devices, forwarderInverse, local, cloud, log.WithComponent("forwarder."+brokerID)), nil
}
