// Package command translates normalized user intents into vendor command
// payloads. Every precondition is checked here, before any network call;
// an invalid intent never reaches the transport layer.
package command

import (
	"fmt"
	"time"

	"aldesbridge/internal/aldes"
	"aldesbridge/internal/device"

	"github.com/google/uuid"
)

// vendorStamp is the timestamp spelling inside changeMode command strings.
const vendorStamp = "20060102150405"

// clearSentinel is the designed "no window" command: both dates set to the
// year-1 placeholder. Disabling vacation or frost mode sends this, there
// is no separate endpoint.
const clearSentinel = "W00010101000000Z00010101000000Z"

// frostEndSentinel marks an open-ended frost-protection window.
const frostEndSentinel = "00000000000000"

// modeLetter maps normalized modes to the vendor command letter. The
// vendor distinguishes several sub-modes per family (B/C, F/G, D/E/H/I);
// commands always use the canonical letter of each family.
var modeLetter = map[device.Mode]string{
	device.ModeOff:  "A",
	device.ModeHeat: "B",
	device.ModeCool: "F",
	device.ModeAuto: "E",
}

// SetTemperature encodes a setpoint change for one zone. The value must
// lie within the snapshot's advertised range; out-of-range values are
// rejected, never clamped.
func SetTemperature(snap *device.Snapshot, zoneID string, value float64) (aldes.CommandPayload, error) {
	zone := snap.Zone(zoneID)
	if zone == nil {
		return aldes.CommandPayload{}, &aldes.ValidationError{
			Field:  "zone_id",
			Reason: fmt.Sprintf("device %q has no zone %q", snap.DeviceID, zoneID),
		}
	}
	if value < snap.MinSetpoint || value > snap.MaxSetpoint {
		return aldes.CommandPayload{}, &aldes.ValidationError{
			Field: "value",
			Reason: fmt.Sprintf("%.1f outside advertised range %.1f..%.1f",
				value, snap.MinSetpoint, snap.MaxSetpoint),
		}
	}

	return aldes.CommandPayload{
		ID:          uuid.NewString(),
		Fingerprint: fmt.Sprintf("%s/temperature/%s=%g", snap.DeviceID, zoneID, value),
		DeviceID:    snap.DeviceID,
		Kind:        aldes.CommandSetTemperature,
		Thermostats: []aldes.ThermostatUpdate{{
			ThermostatID: zoneID,
			Name:         zone.Name,
			// The updateThermostats endpoint only takes whole degrees.
			TemperatureSet: int(value),
		}},
	}, nil
}

// SetMode encodes an operating-mode change for a device.
func SetMode(deviceID string, mode device.Mode) (aldes.CommandPayload, error) {
	letter, ok := modeLetter[mode]
	if !ok {
		return aldes.CommandPayload{}, &aldes.ValidationError{
			Field:  "mode",
			Reason: fmt.Sprintf("mode %q cannot be commanded", mode),
		}
	}

	return aldes.CommandPayload{
		ID:          uuid.NewString(),
		Fingerprint: fmt.Sprintf("%s/mode=%s", deviceID, letter),
		DeviceID:    deviceID,
		Kind:        aldes.CommandChangeMode,
		ModeParam:   letter,
	}, nil
}

// SetVacation encodes a vacation window. Both bounds nil clears the
// window; exactly one bound is invalid input; a present window requires
// start strictly before end.
func SetVacation(deviceID string, start, end *time.Time) (aldes.CommandPayload, error) {
	var param string
	switch {
	case start == nil && end == nil:
		param = clearSentinel
	case start == nil || end == nil:
		return aldes.CommandPayload{}, &aldes.ValidationError{
			Field:  "vacation window",
			Reason: "start and end must both be set, or both be empty",
		}
	case !start.Before(*end):
		return aldes.CommandPayload{}, &aldes.ValidationError{
			Field:  "vacation window",
			Reason: "start must be before end",
		}
	default:
		param = fmt.Sprintf("W%sZ%sZ",
			start.UTC().Format(vendorStamp), end.UTC().Format(vendorStamp))
	}

	return aldes.CommandPayload{
		ID:          uuid.NewString(),
		Fingerprint: fmt.Sprintf("%s/vacation=%s", deviceID, param),
		DeviceID:    deviceID,
		Kind:        aldes.CommandChangeMode,
		ModeParam:   param,
	}, nil
}

// SetFrostProtection encodes enabling or disabling frost/away mode.
// Enabling opens a window from now with the open-ended sentinel;
// disabling sends the clear sentinel.
func SetFrostProtection(deviceID string, enabled bool, now time.Time) (aldes.CommandPayload, error) {
	param := clearSentinel
	if enabled {
		param = fmt.Sprintf("W%sZ%sZ", now.UTC().Format(vendorStamp), frostEndSentinel)
	}

	return aldes.CommandPayload{
		ID:          uuid.NewString(),
		Fingerprint: fmt.Sprintf("%s/frost=%t", deviceID, enabled),
		DeviceID:    deviceID,
		Kind:        aldes.CommandChangeMode,
		ModeParam:   param,
	}, nil
}
