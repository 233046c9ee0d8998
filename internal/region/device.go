package region

import "strings"

// Device is the coarse device class derived from a user-agent string.
type Device string

const (
	DeviceTablet  Device = "tablet"
	DeviceMobile  Device = "mobile"
	DeviceDesktop Device = "desktop"
	DeviceUnknown Device = "unknown"
)

// Valid reports whether d is one of the four device classes.
func (d Device) Valid() bool {
	switch d {
	case DeviceTablet, DeviceMobile, DeviceDesktop, DeviceUnknown:
		return true
	}
	return false
}

// devicePatterns is checked in order; the first class with a matching
// substring wins, so tablets are never reported as mobile.
var devicePatterns = []struct {
	device   Device
	patterns []string
}{
	{DeviceTablet, []string{"ipad", "tablet"}},
	{DeviceMobile, []string{"iphone", "android", "mobile"}},
	{DeviceDesktop, []string{"windows", "macintosh", "linux"}},
}

// ClassifyDevice maps a user-agent string to a device class using ordered,
// case-insensitive substring matching.
func ClassifyDevice(userAgent string) Device {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return DeviceUnknown
	}
	for _, dp := range devicePatterns {
		for _, p := range dp.patterns {
			if strings.Contains(ua, p) {
				return dp.device
			}
		}
	}
	return DeviceUnknown
}
