package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"aldesbridge/internal/aldes"
	"aldesbridge/internal/device"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeBridge is a scriptable Bridge.
type fakeBridge struct {
	snapshots   []*device.Snapshot
	healthy     bool
	lastSuccess time.Time
	commandErr  error
	refreshErr  error

	observers []func(string, *device.Snapshot)

	lastTemperature struct {
		deviceID string
		zoneID   string
		value    float64
	}
	lastMode  device.Mode
	lastFrost bool
	refreshed int
}

func (f *fakeBridge) Snapshots() []*device.Snapshot { return f.snapshots }

func (f *fakeBridge) Snapshot(deviceID string) (*device.Snapshot, bool) {
	for _, s := range f.snapshots {
		if s.DeviceID == deviceID {
			return s, true
		}
	}
	return nil, false
}

func (f *fakeBridge) Healthy() bool          { return f.healthy }
func (f *fakeBridge) LastSuccess() time.Time { return f.lastSuccess }

func (f *fakeBridge) ForceRefresh(ctx context.Context) error {
	f.refreshed++
	return f.refreshErr
}

func (f *fakeBridge) SetTemperature(ctx context.Context, deviceID, zoneID string, value float64) error {
	f.lastTemperature.deviceID = deviceID
	f.lastTemperature.zoneID = zoneID
	f.lastTemperature.value = value
	return f.commandErr
}

func (f *fakeBridge) SetMode(ctx context.Context, deviceID string, mode device.Mode) error {
	f.lastMode = mode
	return f.commandErr
}

func (f *fakeBridge) SetVacation(ctx context.Context, deviceID string, start, end *time.Time) error {
	return f.commandErr
}

func (f *fakeBridge) SetFrostProtection(ctx context.Context, deviceID string, enabled bool) error {
	f.lastFrost = enabled
	return f.commandErr
}

func (f *fakeBridge) Subscribe(obs func(deviceID string, snap *device.Snapshot)) {
	f.observers = append(f.observers, obs)
}

func (f *fakeBridge) publish(deviceID string, snap *device.Snapshot) {
	for _, obs := range f.observers {
		obs(deviceID, snap)
	}
}

func testBridge() *fakeBridge {
	return &fakeBridge{
		healthy:     true,
		lastSuccess: time.Date(2024, 12, 20, 12, 0, 0, 0, time.UTC),
		snapshots: []*device.Snapshot{
			{
				DeviceID:    "mod-1",
				Name:        "Maison",
				ProductType: device.ProductAquaAir,
				Connected:   true,
				AirMode:     device.ModeHeat,
				Zones: []device.Zone{
					{ID: "salon", Name: "Salon", Current: 19.5, Setpoint: 20, Mode: device.ModeHeat},
				},
			},
		},
	}
}

func doRequest(t *testing.T, bridge *fakeBridge, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(bridge, zap.NewNop(), ":0")

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListDevices(t *testing.T) {
	rec := doRequest(t, testBridge(), http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snaps []device.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "mod-1", snaps[0].DeviceID)
	assert.Equal(t, device.ModeHeat, snaps[0].AirMode)
}

func TestGetDevice(t *testing.T) {
	rec := doRequest(t, testBridge(), http.MethodGet, "/api/devices/mod-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap device.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "Maison", snap.Name)

	rec = doRequest(t, testBridge(), http.MethodGet, "/api/devices/mod-9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetTemperature(t *testing.T) {
	bridge := testBridge()
	rec := doRequest(t, bridge, http.MethodPost, "/api/devices/mod-1/temperature",
		`{"zone_id":"salon","value":21.5}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "mod-1", bridge.lastTemperature.deviceID)
	assert.Equal(t, "salon", bridge.lastTemperature.zoneID)
	assert.Equal(t, 21.5, bridge.lastTemperature.value)
}

func TestSetMode(t *testing.T) {
	bridge := testBridge()
	rec := doRequest(t, bridge, http.MethodPost, "/api/devices/mod-1/mode", `{"mode":"cool"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, device.ModeCool, bridge.lastMode)
}

func TestSetFrost(t *testing.T) {
	bridge := testBridge()
	rec := doRequest(t, bridge, http.MethodPost, "/api/devices/mod-1/frost", `{"enabled":true}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, bridge.lastFrost)
}

func TestMalformedBody(t *testing.T) {
	rec := doRequest(t, testBridge(), http.MethodPost, "/api/devices/mod-1/mode", `{"mode":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &aldes.ValidationError{Field: "value", Reason: "out of range"}, http.StatusUnprocessableEntity},
		{"busy", &aldes.BusyError{DeviceID: "mod-1"}, http.StatusConflict},
		{"auth", &aldes.AuthError{Reason: "rejected"}, http.StatusUnauthorized},
		{"transport", &aldes.TransportError{Op: "send command", Status: 502}, http.StatusBadGateway},
		{"unclassified", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bridge := testBridge()
			bridge.commandErr = tc.err
			rec := doRequest(t, bridge, http.MethodPost, "/api/devices/mod-1/mode", `{"mode":"off"}`)
			assert.Equal(t, tc.want, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestHealth(t *testing.T) {
	bridge := testBridge()
	rec := doRequest(t, bridge, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["devices"])

	bridge.healthy = false
	rec = doRequest(t, bridge, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
}

func TestRefresh(t *testing.T) {
	bridge := testBridge()
	rec := doRequest(t, bridge, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, bridge.refreshed)

	bridge.refreshErr = &aldes.TransportError{Op: "fetch products", Status: 502}
	rec = doRequest(t, bridge, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	rec := doRequest(t, testBridge(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebsocketStreamsSnapshots(t *testing.T) {
	bridge := testBridge()
	srv := NewServer(bridge, zap.NewNop(), ":0")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The dialer can return before the handler registers the connection.
	require.Eventually(t, func() bool {
		srv.hub.mu.Lock()
		defer srv.hub.mu.Unlock()
		return len(srv.hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	bridge.publish("mod-1", bridge.snapshots[0])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event struct {
		Type     string          `json:"type"`
		DeviceID string          `json:"device_id"`
		Snapshot device.Snapshot `json:"snapshot"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "snapshot", event.Type)
	assert.Equal(t, "mod-1", event.DeviceID)
	assert.Equal(t, "Maison", event.Snapshot.Name)
}

func TestWebsocketConcurrentBroadcasts(t *testing.T) {
	bridge := testBridge()
	srv := NewServer(bridge, zap.NewNop(), ":0")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		srv.hub.mu.Lock()
		defer srv.hub.mu.Unlock()
		return len(srv.hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	// Overlapping refresh cycles broadcast from separate goroutines; the
	// per-connection write lock must keep this panic-free.
	const writers, perWriter = 4, 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				srv.hub.broadcastSnapshot("mod-1", bridge.snapshots[0])
			}
		}()
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < writers*perWriter; i++ {
		var event snapshotEvent
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, "mod-1", event.DeviceID)
	}
	wg.Wait()
}
