// Package device holds the normalized model of an Aldes appliance. All raw
// vendor payloads are converted into these types at the decoder boundary;
// nothing outside internal/aldes and internal/decode sees vendor encodings.
package device

import "time"

// Mode is the normalized operating mode of a device or zone.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeHeat    Mode = "heat"
	ModeCool    Mode = "cool"
	ModeAuto    Mode = "auto"
	ModeUnknown Mode = "unknown"
)

// ProductType identifies the appliance family.
type ProductType string

const (
	ProductAir     ProductType = "TONE_AIR"
	ProductAquaAir ProductType = "TONE_AQUA_AIR"
)

// FriendlyName returns the marketing name for known product types.
func (p ProductType) FriendlyName() string {
	switch p {
	case ProductAir:
		return "T.One AIR"
	case ProductAquaAir:
		return "T.One AquaAIR"
	default:
		return string(p)
	}
}

// Metric is a scalar reading that may be absent on some product variants
// (e.g. hot-water quantity on a tank-less unit). Applicable distinguishes
// "the device does not report this" from a genuine zero reading.
type Metric struct {
	Value      float64 `json:"value"`
	Applicable bool    `json:"applicable"`
}

// Zone is one controllable thermostat area within a device.
type Zone struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Current  float64 `json:"current_temperature"`
	Setpoint float64 `json:"setpoint"`
	Mode     Mode    `json:"mode"`
}

// PlanningEntry is one decoded weekly-planning slot: the mode the vendor
// schedule applies on a given day and time slot. Planning is read-only.
type PlanningEntry struct {
	Day  int    `json:"day"`  // 1 (Monday) .. 7 (Sunday)
	Slot string `json:"slot"` // vendor slot index, single character
	Mode Mode   `json:"mode"`
}

// VacationWindow is a scheduled reduced-profile period. Both bounds are
// always set; an inactive window is represented by a nil *VacationWindow.
type VacationWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Snapshot is the immutable decoded state of one device at one poll
// instant. The coordinator replaces it atomically on each successful poll
// and never mutates it in place.
type Snapshot struct {
	DeviceID    string      `json:"device_id"` // vendor modem identifier
	Serial      string      `json:"serial"`
	Name        string      `json:"name"`
	ProductType ProductType `json:"product_type"`
	Reference   string      `json:"reference"`

	Connected bool `json:"connected"`

	AirMode   Mode   `json:"air_mode"`
	WaterMode Mode   `json:"water_mode"`
	Zones     []Zone `json:"zones"`

	MainTemperature  Metric `json:"main_temperature"`
	HotWaterQuantity Metric `json:"hot_water_quantity"`

	// Occupants is the household size configured on the vendor account,
	// used by the appliance to size hot-water production. Zero when the
	// settings block is absent.
	Occupants int `json:"occupants"`

	// Zone setpoint limits advertised for this product.
	MinSetpoint  float64 `json:"min_setpoint"`
	MaxSetpoint  float64 `json:"max_setpoint"`
	SetpointStep float64 `json:"setpoint_step"`

	VacationActive bool            `json:"vacation_active"`
	FrostActive    bool            `json:"frost_active"`
	Vacation       *VacationWindow `json:"vacation,omitempty"`

	AirPlanning   []PlanningEntry `json:"air_planning,omitempty"`
	WaterPlanning []PlanningEntry `json:"water_planning,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// Zone returns the zone with the given ID, or nil if the device has no
// such zone.
func (s *Snapshot) Zone(id string) *Zone {
	for i := range s.Zones {
		if s.Zones[i].ID == id {
			return &s.Zones[i]
		}
	}
	return nil
}
