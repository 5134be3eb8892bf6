package audio

import (
	"fmt"
	"math"
	"strings"
)

// DataFlow selects render (output) or capture (input) endpoints
type DataFlow uint32

const (
	FlowRender DataFlow = iota
	FlowCapture
	FlowAll
)

func (f DataFlow) String() string {
	switch f {
	case FlowRender:
		return "render"
	case FlowCapture:
		return "capture"
	case FlowAll:
		return "all"
	}

	return fmt.Sprintf("flow(%d)", uint32(f))
}

// ParseDataFlow accepts the names produced by DataFlow.String
func ParseDataFlow(s string) (DataFlow, error) {
	switch strings.ToLower(s) {
	case "render", "output":
		return FlowRender, nil
	case "capture", "input":
		return FlowCapture, nil
	case "all", "both":
		return FlowAll, nil
	}

	return 0, fmt.Errorf("unknown data flow %q", s)
}

// Role is the device role a default endpoint is resolved for
type Role uint32

const (
	RoleConsole Role = iota
	RoleMultimedia
	RoleCommunications
)

func (r Role) String() string {
	switch r {
	case RoleConsole:
		return "console"
	case RoleMultimedia:
		return "multimedia"
	case RoleCommunications:
		return "communications"
	}

	return fmt.Sprintf("role(%d)", uint32(r))
}

// ParseRole accepts the names produced by Role.String
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "console":
		return RoleConsole, nil
	case "multimedia", "":
		return RoleMultimedia, nil
	case "communications":
		return RoleCommunications, nil
	}

	return 0, fmt.Errorf("unknown device role %q", s)
}

// DeviceState is a bit set of endpoint lifecycle states, using the OS values
type DeviceState uint32

const (
	DeviceStateActive     DeviceState = 0x1
	DeviceStateDisabled   DeviceState = 0x2
	DeviceStateNotPresent DeviceState = 0x4
	DeviceStateUnplugged  DeviceState = 0x8
	DeviceStateAll        DeviceState = 0xF
)

func (s DeviceState) String() string {
	names := []string{}

	if s&DeviceStateActive != 0 {
		names = append(names, "active")
	}
	if s&DeviceStateDisabled != 0 {
		names = append(names, "disabled")
	}
	if s&DeviceStateNotPresent != 0 {
		names = append(names, "not-present")
	}
	if s&DeviceStateUnplugged != 0 {
		names = append(names, "unplugged")
	}

	if len(names) == 0 {
		return "none"
	}

	return strings.Join(names, "|")
}

// PropertyKey identifies one endpoint property. FormatID is a lowercase braced GUID string
type PropertyKey struct {
	FormatID   string
	PropertyID uint32
}

func (k PropertyKey) String() string {
	if name, ok := knownPropertyNames[k]; ok {
		return name
	}

	return fmt.Sprintf("%s,%d", k.FormatID, k.PropertyID)
}

// NewPropertyKey normalizes the GUID so keys from different sources compare equal
func NewPropertyKey(formatID string, propertyID uint32) PropertyKey {
	formatID = strings.ToLower(strings.TrimSpace(formatID))
	if !strings.HasPrefix(formatID, "{") {
		formatID = "{" + formatID + "}"
	}

	return PropertyKey{FormatID: formatID, PropertyID: propertyID}
}

var (
	KeyDeviceDescription       = NewPropertyKey("{a45c254e-df1c-4efd-8020-67d146a850e0}", 2)
	KeyDeviceFriendlyName      = NewPropertyKey("{a45c254e-df1c-4efd-8020-67d146a850e0}", 14)
	KeyInterfaceFriendlyName   = NewPropertyKey("{026e516e-b814-414b-83cd-856d6fef4822}", 2)
	KeyAudioEndpointFormFactor = NewPropertyKey("{1da5d803-d492-4edd-8c23-e0c0ffee7f0e}", 0)
	KeyAudioEndpointGUID       = NewPropertyKey("{1da5d803-d492-4edd-8c23-e0c0ffee7f0e}", 4)
)

var knownPropertyNames = map[PropertyKey]string{
	KeyDeviceDescription:       "Device.DeviceDesc",
	KeyDeviceFriendlyName:      "Device.FriendlyName",
	KeyInterfaceFriendlyName:   "DeviceInterface.FriendlyName",
	KeyAudioEndpointFormFactor: "AudioEndpoint.FormFactor",
	KeyAudioEndpointGUID:       "AudioEndpoint.GUID",
}

// Endpoint is a snapshot of one audio device
type Endpoint struct {
	ID         string
	State      DeviceState
	Flow       DataFlow
	Properties map[PropertyKey]Variant

	// PropertyErrors holds the properties that are present but couldn't be decoded
	PropertyErrors map[PropertyKey]error
}

// Property returns the decoded value of key, the decode error if it had one, or an empty variant
func (e Endpoint) Property(key PropertyKey) (Variant, error) {
	if err, ok := e.PropertyErrors[key]; ok {
		return Variant{}, err
	}

	return e.Properties[key], nil
}

// FriendlyName returns e.g. "Headphones (Realtek Audio)", or the ID if the device has none
func (e Endpoint) FriendlyName() string {
	if v, ok := e.Properties[KeyDeviceFriendlyName]; ok {
		if s, ok := v.Text(); ok && s != "" {
			return s
		}
	}

	return e.ID
}

// Description returns e.g. "Headphones"
func (e Endpoint) Description() string {
	if v, ok := e.Properties[KeyDeviceDescription]; ok {
		if s, ok := v.Text(); ok {
			return s
		}
	}

	return ""
}

// SessionState mirrors AudioSessionState
type SessionState uint32

const (
	SessionStateInactive SessionState = iota
	SessionStateActive
	SessionStateExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionStateInactive:
		return "inactive"
	case SessionStateActive:
		return "active"
	case SessionStateExpired:
		return "expired"
	}

	return fmt.Sprintf("state(%d)", uint32(s))
}

// SessionInfo is the metadata of one process's audio session
type SessionInfo struct {
	ProcessID    uint32
	DisplayName  string
	IconPath     string
	GroupingID   string
	SystemSounds bool
	State        SessionState
}

// SessionStatus is a SessionInfo together with its current level, for listings
type SessionStatus struct {
	SessionInfo

	Level float32
	Muted bool
}

// MasterState is one read of every attribute of the master endpoint control
type MasterState struct {
	EndpointID    string
	Level         float32
	Decibels      float32
	Muted         bool
	ChannelLevels []float32
	Step          uint32
	StepCount     uint32
}

func clampScalar(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return 0
	}

	return float32(math.Max(0, math.Min(1, float64(v))))
}

func clampPercent(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return 0
	}

	return float32(math.Max(0, math.Min(100, float64(v))))
}

// clampDelta bounds a step to [-100, 100]
func clampDelta(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return 0
	}

	return float32(math.Max(-100, math.Min(100, float64(v))))
}

func toScalar(percent float32) float32 {
	return clampScalar(clampPercent(percent) / 100)
}

func toPercent(scalar float32) float32 {
	return clampScalar(scalar) * 100
}
