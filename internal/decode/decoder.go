// Package decode converts raw aldesiotsuite payloads into the normalized
// device model. Field-level anomalies (unknown mode codes, malformed
// planning tokens, absent optional readings) degrade gracefully; only a
// payload with no usable telemetry block at all fails a decode.
package decode

import (
	"fmt"
	"strings"
	"time"

	"aldesbridge/internal/aldes"
	"aldesbridge/internal/clock"
	"aldesbridge/internal/device"

	"go.uber.org/zap"
)

// Zone setpoint limits for the T.One product families.
const (
	minSetpoint  = 16.0
	maxSetpoint  = 31.0
	setpointStep = 0.5
)

// modeByLetter is the fixed mapping from vendor mode letters to the
// normalized enum. Letters outside this table decode to ModeUnknown.
var modeByLetter = map[byte]device.Mode{
	'A': device.ModeOff,
	'B': device.ModeHeat,
	'C': device.ModeHeat,
	'D': device.ModeAuto,
	'E': device.ModeAuto,
	'F': device.ModeCool,
	'G': device.ModeCool,
	'H': device.ModeAuto,
	'I': device.ModeAuto,
}

// vendorTimeLayouts covers the date spellings seen in vacation fields.
var vendorTimeLayouts = []string{
	"2006-01-02 15:04:05Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
}

// Decoder turns one raw product payload into a Snapshot.
type Decoder struct {
	logger *zap.Logger
	clock  clock.Clock
}

// NewDecoder creates a decoder. The clock fixes "now" for the
// vacation-active derivation, keeping tests deterministic.
func NewDecoder(logger *zap.Logger, clk clock.Clock) *Decoder {
	return &Decoder{
		logger: logger.Named("decode"),
		clock:  clk,
	}
}

// ModeFromCode maps a vendor mode letter to the normalized enum. An
// unknown code yields ModeUnknown rather than an error, so one
// unrecognized field never blocks the rest of a snapshot.
func ModeFromCode(code string) device.Mode {
	if len(code) != 1 {
		return device.ModeUnknown
	}
	if m, ok := modeByLetter[code[0]]; ok {
		return m
	}
	return device.ModeUnknown
}

// Decode converts one raw product into a snapshot. It returns a
// DecodeError only when the payload carries no telemetry block or no
// device identifier; everything else decodes with explicit unknown or
// not-applicable markers.
func (d *Decoder) Decode(raw aldes.Product) (*device.Snapshot, error) {
	if raw.Modem == "" || raw.Modem == "N/A" {
		return nil, &aldes.DecodeError{
			DeviceID: raw.Modem,
			Fragment: fmt.Sprintf("type=%q name=%q", raw.Type, raw.Name),
			Err:      fmt.Errorf("missing modem identifier"),
		}
	}
	if raw.Indicator == nil {
		return nil, &aldes.DecodeError{
			DeviceID: raw.Modem,
			Err:      fmt.Errorf("payload has no indicator block"),
		}
	}

	ind := raw.Indicator
	now := d.clock.Now()

	snap := &device.Snapshot{
		DeviceID:     raw.Modem,
		Serial:       raw.Serial,
		Name:         raw.Name,
		ProductType:  device.ProductType(raw.Type),
		Reference:    raw.Reference,
		Connected:    raw.IsConnected,
		AirMode:      ModeFromCode(ind.CurrentAirMode),
		WaterMode:    ModeFromCode(ind.CurrentWaterMode),
		MinSetpoint:  minSetpoint,
		MaxSetpoint:  maxSetpoint,
		SetpointStep: setpointStep,
		FetchedAt:    now,
	}

	if snap.AirMode == device.ModeUnknown && ind.CurrentAirMode != "" {
		d.logger.Warn("Unknown air mode code",
			zap.String("device_id", raw.Modem),
			zap.String("code", ind.CurrentAirMode))
	}

	snap.MainTemperature = metricFrom(ind.MainTemperature)
	snap.HotWaterQuantity = metricFrom(ind.HotWaterQuantity)
	if ind.Settings != nil {
		snap.Occupants = ind.Settings.People
	}

	snap.Zones = d.decodeZones(raw.Modem, ind, snap.AirMode)
	d.decodeVacation(snap, ind, now)

	snap.AirPlanning = d.decodePlanning(raw.Modem, "air", ind.AirPlanning)
	snap.WaterPlanning = d.decodePlanning(raw.Modem, "water", ind.WaterPlanning)

	return snap, nil
}

// metricFrom maps an optional vendor reading to the explicit
// not-applicable marker when the field is absent.
func metricFrom(v *float64) device.Metric {
	if v == nil {
		return device.Metric{Applicable: false}
	}
	return device.Metric{Value: *v, Applicable: true}
}

func (d *Decoder) decodeZones(deviceID string, ind *aldes.Indicator, airMode device.Mode) []device.Zone {
	zones := make([]device.Zone, 0, len(ind.Thermostats))
	for _, t := range ind.Thermostats {
		id := string(t.ThermostatID)
		if id == "" {
			d.logger.Warn("Skipping thermostat without identifier",
				zap.String("device_id", deviceID))
			continue
		}
		name := t.Name
		if name == "" {
			name = "Thermostat " + id
		}
		// The vendor reports one air mode per device; zones inherit it.
		zones = append(zones, device.Zone{
			ID:       id,
			Name:     name,
			Current:  t.CurrentTemperature,
			Setpoint: t.TemperatureSet,
			Mode:     airMode,
		})
	}
	return zones
}

// decodeVacation derives the vacation and frost flags from the two date
// fields, per the fixed mapping:
//
//	both dates valid and after year 1     -> vacation window, active if
//	                                         now lies inside it
//	start valid, end absent/zero sentinel -> frost protection engaged
//	anything else                         -> both inactive
func (d *Decoder) decodeVacation(snap *device.Snapshot, ind *aldes.Indicator, now time.Time) {
	start, startOK := parseVendorTime(ind.VacationStart)
	end, endOK := parseVendorTime(ind.VacationEnd)

	startSet := startOK && !isClearSentinel(start)
	endSet := endOK && !isClearSentinel(end)

	switch {
	case startSet && endSet:
		snap.Vacation = &device.VacationWindow{Start: start, End: end}
		snap.VacationActive = !now.Before(start) && !now.After(end)
	case startSet:
		snap.FrostActive = true
	}
}

// decodePlanning parses a weekly planning string into ordered entries.
// Each entry is a 3-character token: day digit 1..7, vendor slot index,
// mode letter. Malformed tokens are skipped, never a hard failure, since
// planning is read-only and advisory.
func (d *Decoder) decodePlanning(deviceID, table, raw string) []device.PlanningEntry {
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == ',' || r == ';' {
			return -1
		}
		return r
	}, raw)
	if compact == "" {
		return nil
	}

	entries := make([]device.PlanningEntry, 0, len(compact)/3)
	skipped := 0
	for i := 0; i+3 <= len(compact); i += 3 {
		token := compact[i : i+3]
		entry, ok := parsePlanningToken(token)
		if !ok {
			skipped++
			d.logger.Debug("Skipping malformed planning token",
				zap.String("device_id", deviceID),
				zap.String("table", table),
				zap.String("token", token))
			continue
		}
		entries = append(entries, entry)
	}
	if rem := len(compact) % 3; rem != 0 {
		skipped++
	}

	if skipped > 0 {
		d.logger.Warn("Planning table decoded with anomalies",
			zap.String("device_id", deviceID),
			zap.String("table", table),
			zap.Int("skipped", skipped),
			zap.Int("decoded", len(entries)))
	}
	return entries
}

// parsePlanningToken validates one 3-character token positionally. The
// day must be a digit 1..7 and the mode letter must be known; the slot
// index is vendor-defined and kept verbatim.
func parsePlanningToken(token string) (device.PlanningEntry, bool) {
	if len(token) != 3 {
		return device.PlanningEntry{}, false
	}
	day := int(token[0] - '0')
	if day < 1 || day > 7 {
		return device.PlanningEntry{}, false
	}
	mode, ok := modeByLetter[token[2]]
	if !ok {
		return device.PlanningEntry{}, false
	}
	return device.PlanningEntry{
		Day:  day,
		Slot: string(token[1]),
		Mode: mode,
	}, true
}

// parseVendorTime accepts the vendor's date spellings.
func parseVendorTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range vendorTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// isClearSentinel reports whether a parsed date is the vendor's
// "no window" placeholder (year 1 or earlier).
func isClearSentinel(t time.Time) bool {
	return t.Year() <= 1
}
