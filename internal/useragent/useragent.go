// Package useragent classifies visitor devices from user-agent
// strings.
package useragent

import (
	"strings"

	"github.com/Sreyas62/AffiHub/internal/model"
)

// rule pairs a lowercase substring with the device it indicates.
type rule struct {
	pattern string
	device  model.DeviceType
}

// rules is matched in order. Tablet patterns come first: an iPad UA
// also contains "mobile", so reordering this table changes results.
var rules = []rule{
	{"ipad", model.DeviceTablet},
	{"tablet", model.DeviceTablet},
	{"kindle", model.DeviceTablet},
	{"mobile", model.DeviceMobile},
	{"android", model.DeviceMobile},
	{"iphone", model.DeviceMobile},
	{"ipod", model.DeviceMobile},
	{"blackberry", model.DeviceMobile},
	{"windows phone", model.DeviceMobile},
	{"palm", model.DeviceMobile},
	{"symbian", model.DeviceMobile},
}

// DetectDevice returns the device type for a user-agent string. An
// empty UA is unknown; a present but unmatched UA is desktop.
func DetectDevice(userAgent string) model.DeviceType {
	if userAgent == "" {
		return model.DeviceUnknown
	}

	ua := strings.ToLower(userAgent)
	for _, r := range rules {
		if strings.Contains(ua, r.pattern) {
			return r.device
		}
	}
	return model.DeviceDesktop
}
