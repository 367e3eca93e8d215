package bridge

import "strings"

// UnknownModel is reported for devices whose listing has no model attribute.
const UnknownModel = "Unknown Device"

// StateDevice is the listing state of an authorized, online device.
const StateDevice = "device"

// Device is one entry of the device listing.
type Device struct {
	ID          string            `json:"id"`
	Model       string            `json:"model"`
	State       string            `json:"state,omitempty"`
	Product     string            `json:"product,omitempty"`
	TransportID string            `json:"transportId,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

// Online reports whether the device can accept commands.
func (d Device) Online() bool { return d.State == StateDevice }

// parseDevices parses the output of `adb devices -l`. Lines look like
//
//	R58M123ABC  device usb:1-1 product:beyond1 model:SM_G973F device:beyond1 transport_id:3
//
// Entries in every state are returned.
func parseDevices(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		d := Device{ID: fields[0], State: fields[1], Model: UnknownModel}
		for _, f := range fields[2:] {
			key, value, ok := strings.Cut(f, ":")
			if !ok || value == "" {
				continue
			}
			switch key {
			case "model":
				d.Model = value
			case "product":
				d.Product = value
			case "transport_id":
				d.TransportID = value
			default:
				if d.Attrs == nil {
					d.Attrs = make(map[string]string)
				}
				d.Attrs[key] = value
			}
		}
		devices = append(devices, d)
	}
	return devices
}
