// Package integration exercises the whole bridge against a mock of the
// aldesiotsuite cloud API: real client, decoder, coordinator, and HTTP
// surface, fake vendor.
package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockVendorServer imitates the vendor cloud: a token endpoint, a product
// list, and the two command endpoints. Tests mutate its product state to
// simulate the device reacting to commands.
type MockVendorServer struct {
	Username string
	Password string

	mu           sync.Mutex
	products     []map[string]interface{}
	commands     []RecordedCommand
	failFetches  int
	productCalls int

	server *httptest.Server
}

// RecordedCommand is one write the mock received.
type RecordedCommand struct {
	Method string
	Path   string
	Body   string
}

// NewMockVendorServer starts the mock with one connected T.One AquaAIR.
func NewMockVendorServer(username, password string) *MockVendorServer {
	m := &MockVendorServer{
		Username: username,
		Password: password,
		products: []map[string]interface{}{defaultProduct()},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", m.handleToken)
	mux.HandleFunc("/aldesoc/v5/users/me/products", m.handleProducts)
	mux.HandleFunc("/aldesoc/v5/users/me/products/", m.handleCommand)
	m.server = httptest.NewServer(mux)
	return m
}

func defaultProduct() map[string]interface{} {
	return map[string]interface{}{
		"modem":       "modem-001",
		"serial_number": "SER-001",
		"reference":   "TONE_AQUA_AIR",
		"type":        "TONE_AQUA_AIR",
		"name":        "Maison",
		"isConnected": true,
		"indicator": map[string]interface{}{
			"tmp_principal":    20.5,
			"qte_eau_chaude":   160.0,
			"current_air_mode": "B",
			"current_water_mode": "A",
			"thermostats": []map[string]interface{}{
				{
					"ThermostatId":       "salon",
					"Name":               "Salon",
					"CurrentTemperature": 19.5,
					"TemperatureSet":     20,
				},
			},
			"date_debut_vac": "",
			"date_fin_vac":   "",
		},
	}
}

// URL returns the mock's base URL.
func (m *MockVendorServer) URL() string { return m.server.URL }

// Stop shuts the mock down.
func (m *MockVendorServer) Stop() { m.server.Close() }

// SetAirMode changes the reported air mode, as if the device applied a
// command.
func (m *MockVendorServer) SetAirMode(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ind := m.products[0]["indicator"].(map[string]interface{})
	ind["current_air_mode"] = code
}

// SetThermostatSetpoint changes the reported setpoint for the first
// thermostat.
func (m *MockVendorServer) SetThermostatSetpoint(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ind := m.products[0]["indicator"].(map[string]interface{})
	ths := ind["thermostats"].([]map[string]interface{})
	ths[0]["TemperatureSet"] = value
}

// FailNextFetches makes the next n product fetches return 500.
func (m *MockVendorServer) FailNextFetches(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFetches = n
}

// Commands returns a copy of the recorded writes.
func (m *MockVendorServer) Commands() []RecordedCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedCommand(nil), m.commands...)
}

// ProductCalls returns how many product fetches reached the mock.
func (m *MockVendorServer) ProductCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.productCalls
}

func (m *MockVendorServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.PostFormValue("username") != m.Username || r.PostFormValue("password") != m.Password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": "integration-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (m *MockVendorServer) handleProducts(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.productCalls++
	if m.failFetches > 0 {
		m.failFetches--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(m.products)
}

func (m *MockVendorServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.commands = append(m.commands, RecordedCommand{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   string(body),
	})
	m.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}
