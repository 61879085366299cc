package router

import (
	"strings"

	"github.com/menta2k/visionhub/pkg/capability"
	"github.com/menta2k/visionhub/pkg/types"
)

// SmallModelBytes is the size under which a model counts as small for
// constrained devices.
const SmallModelBytes = 50 * 1024 * 1024

var constrainedDevices = []string{"mobile", "edge", "embedded"}

// PreferSmallOnDevice favours small models when the request comes from a
// constrained device class.
var PreferSmallOnDevice = Rule{
	Name:     "prefer-small-on-device",
	Priority: 20,
	Apply: func(d capability.Descriptor, c Constraints) float64 {
		if !isConstrained(c.DeviceClass) {
			return 1.0
		}
		if d.SizeBytes > 0 && d.SizeBytes <= SmallModelBytes {
			return 1.5
		}
		return 1.0
	},
}

// PreferRealtimeLatency favours models whose latency class is realtime when
// the request is latency sensitive.
var PreferRealtimeLatency = Rule{
	Name:     "prefer-realtime-latency",
	Priority: 10,
	Apply: func(d capability.Descriptor, c Constraints) float64 {
		if c.RealTime && d.LatencyClass == capability.LatencyRealtime {
			return 1.5
		}
		return 1.0
	},
}

// DefaultRules returns the rule set installed by New, keyed by task
func DefaultRules() map[string][]Rule {
	return map[string][]Rule{
		types.TaskObjectDetection: {PreferSmallOnDevice, PreferRealtimeLatency},
	}
}

func isConstrained(deviceClass string) bool {
	for _, dc := range constrainedDevices {
		if strings.EqualFold(dc, deviceClass) {
			return true
		}
	}
	return false
}
