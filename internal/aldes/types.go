package aldes

import "encoding/json"

// Raw wire types for the aldesiotsuite API. Field names mirror the vendor
// JSON, including its mixed casing; these types never leave the transport
// and decode layers.

// tokenResponse is the body of a successful OAuth2 password grant.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Product is one appliance as returned by GET users/me/products.
type Product struct {
	Modem           string     `json:"modem"`
	Serial          string     `json:"serial_number"`
	Reference       string     `json:"reference"`
	Type            string     `json:"type"`
	Name            string     `json:"name"`
	IsConnected     bool       `json:"isConnected"`
	GPSLatitude     float64    `json:"gpsLatitude"`
	GPSLongitude    float64    `json:"gpsLongitude"`
	LastUpdatedDate string     `json:"lastUpdatedDate"`
	Indicator       *Indicator `json:"indicator"`
}

// Indicator carries the live telemetry block of a product.
type Indicator struct {
	MainTemperature  *float64     `json:"tmp_principal"`
	HotWaterQuantity *float64     `json:"qte_eau_chaude"`
	CurrentAirMode   string       `json:"current_air_mode"`
	CurrentWaterMode string       `json:"current_water_mode"`
	Thermostats      []Thermostat `json:"thermostats"`
	VacationStart    string       `json:"date_debut_vac"`
	VacationEnd      string       `json:"date_fin_vac"`
	AirPlanning      string       `json:"planning_air"`
	WaterPlanning    string       `json:"planning_eau"`
	Settings         *Settings    `json:"settings"`
}

// FlexID is a vendor identifier that arrives as a JSON string or number
// depending on the firmware generation.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// Thermostat is one zone as reported by the vendor.
type Thermostat struct {
	ThermostatID       FlexID  `json:"ThermostatId"`
	Name               string  `json:"Name"`
	CurrentTemperature float64 `json:"CurrentTemperature"`
	TemperatureSet     float64 `json:"TemperatureSet"`
}

// Settings is the household configuration block.
type Settings struct {
	People int `json:"people"`
}

// ThermostatUpdate is one entry of the updateThermostats PATCH body. The
// vendor only accepts whole-degree setpoints on this endpoint.
type ThermostatUpdate struct {
	ThermostatID   string `json:"ThermostatId"`
	Name           string `json:"Name"`
	TemperatureSet int    `json:"TemperatureSet"`
}

// changeModeRequest is the POST body of the commands endpoint.
type changeModeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
}

// CommandKind selects the vendor endpoint a payload targets.
type CommandKind string

const (
	// CommandSetTemperature patches thermostat setpoints.
	CommandSetTemperature CommandKind = "set_temperature"
	// CommandChangeMode posts a changeMode command string (air mode,
	// vacation window, frost protection all travel this way).
	CommandChangeMode CommandKind = "change_mode"
)

// CommandPayload is a fully validated, ready-to-send command. Fingerprint
// is deterministic over (device, target, desired value) so the coordinator
// can recognize an identical in-flight retry; ID is unique per attempt and
// only used for logging.
type CommandPayload struct {
	ID          string
	Fingerprint string
	DeviceID    string
	Kind        CommandKind

	Thermostats []ThermostatUpdate // CommandSetTemperature
	ModeParam   string             // CommandChangeMode
}
