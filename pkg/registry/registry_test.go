package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomquist/hame-relay/pkg/logger"
)

func TestRegistry_New_DropsInvalidKeepsValid(t *testing.T) {
	devices := []*Device{
		{DeviceID: "123456789012", MAC: "aabbccddeeff", Type: "HMG-50", BrokerID: "b1", RemoteID: "r1"},
		{DeviceID: "", MAC: "aabbccddeeff", Type: "HMG-50", BrokerID: "b1", RemoteID: "r2"},
	}

	reg, err := New(devices, logger.NewTest())
	require.NoError(t, err)
	assert.Len(t, reg.All(), 1)
	assert.Len(t, reg.Rejected(), 1)
}

func TestRegistry_New_AllInvalidFails(t *testing.T) {
	devices := []*Device{
		{DeviceID: "", MAC: "aabbccddeeff", Type: "HMG-50"},
	}

	_, err := New(devices, logger.NewTest())
	require.ErrorIs(t, err, errNoDevices)
}

func TestRegistry_New_DedupesByDeviceIDAndRemoteID(t *testing.T) {
	devices := []*Device{
		{DeviceID: "123456789012", MAC: "aabbccddeeff", Type: "HMG-50", BrokerID: "b1", RemoteID: "r1"},
		{DeviceID: "123456789012", MAC: "aabbccddeeff", Type: "HMG-50", BrokerID: "b1", RemoteID: "r1"},
	}

	reg, err := New(devices, logger.NewTest())
	require.NoError(t, err)
	assert.Len(t, reg.All(), 1)
}

func TestRegistry_ForBrokerAndBrokerIDs(t *testing.T) {
	devices := []*Device{
		{DeviceID: "123456789012", MAC: "aabbccddeeff", Type: "HMG-50", BrokerID: "b1", RemoteID: "r1"},
		{DeviceID: "223456789012", MAC: "112233445566", Type: "HMG-50", BrokerID: "b2", RemoteID: "r2"},
	}

	reg, err := New(devices, logger.NewTest())
	require.NoError(t, err)

	assert.Len(t, reg.ForBroker("b1"), 1)
	assert.Len(t, reg.ForBroker("b2"), 1)
	assert.Nil(t, reg.ForBroker("missing"))
	assert.ElementsMatch(t, []string{"b1", "b2"}, reg.BrokerIDs())
}
