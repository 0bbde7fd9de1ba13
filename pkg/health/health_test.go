package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomquist/hame-relay/pkg/logger"
)

type fakeSource struct {
	brokerID string
	local    bool
	cloud    bool
}

func (f fakeSource) BrokerID() string     { return f.brokerID }
func (f fakeSource) LocalConnected() bool { return f.local }
func (f fakeSource) CloudConnected() bool { return f.cloud }

func TestHandleHealth_AllUp(t *testing.T) {
	r := New(":0", []Source{
		fakeSource{brokerID: "main", local: true, cloud: true},
		fakeSource{brokerID: "backup", local: true, cloud: true},
	}, logger.NewTest())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Brokers["main"])
	assert.True(t, body.Brokers["backup"])
	assert.True(t, body.Brokers["local"])
	assert.NotEmpty(t, body.Timestamp)
}

func TestHandleHealth_LocalDownIfAnyForwarderLocalDown(t *testing.T) {
	r := New(":0", []Source{
		fakeSource{brokerID: "main", local: true, cloud: true},
		fakeSource{brokerID: "backup", local: false, cloud: true},
	}, logger.NewTest())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)

	var body status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.False(t, body.Brokers["local"])
	assert.True(t, body.Brokers["backup"], "cloud connection state is independent of local health")
}

func TestHandleHealth_PerBrokerCloudState(t *testing.T) {
	r := New(":0", []Source{
		fakeSource{brokerID: "main", local: true, cloud: false},
	}, logger.NewTest())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)

	var body status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.False(t, body.Brokers["main"])
}

func TestHandleHealth_UnknownPathNotFound(t *testing.T) {
	r := New(":0", nil, logger.NewTest())

	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	rec := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth_NoForwardersLocalDefaultsUp(t *testing.T) {
	r := New(":0", nil, logger.NewTest())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(rec, req)

	var body status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.True(t, body.Brokers["local"], "vacuous AND over zero forwarders is true")
}
