package audio

// Backend is the entry point into an OS audio subsystem.
// every handle it hands out is reference counted and must be released exactly once by whoever acquired it.
// handles are only valid inside the function passed to Do
type Backend interface {
	// Do runs fn on the thread that owns the backend's handles and waits for it to return
	Do(fn func() error) error

	// EnumerateEndpoints takes one snapshot of the endpoints matching flow and any of the given states
	EnumerateEndpoints(flow DataFlow, states DeviceState) (DeviceCollection, error)

	// DefaultEndpoint returns ErrNoDefaultDevice if the OS has none configured for flow and role
	DefaultEndpoint(flow DataFlow, role Role) (Device, error)

	Close() error
}

// DeviceChangeNotifier is implemented by backends that can tell when the default device changes
type DeviceChangeNotifier interface {
	DefaultDeviceChanges() <-chan struct{}
}

type DeviceCollection interface {
	Count() (int, error)
	Item(index int) (Device, error)
	Release()
}

// Device is one endpoint. Its capabilities are activated on demand and released separately from it
type Device interface {
	ID() (string, error)
	State() (DeviceState, error)
	Flow() (DataFlow, error)

	OpenPropertyStore() (PropertyStore, error)
	ActivateEndpointVolume() (EndpointVolume, error)
	ActivateSessionManager() (SessionManager, error)

	Release()
}

// PropertyStore is a read-only view of an endpoint's properties
type PropertyStore interface {
	Count() (int, error)
	KeyAt(index int) (PropertyKey, error)

	// Value returns EmptyVariant for keys the store doesn't have
	Value(key PropertyKey) (Variant, error)

	Release()
}

type SessionManager interface {
	Sessions() (SessionCollection, error)
	Release()
}

type SessionCollection interface {
	Count() (int, error)
	Item(index int) (SessionHandle, error)
	Release()
}

// SessionHandle is one audio session. Info and Volume both read from the same underlying session
type SessionHandle interface {
	Info() (SessionInfo, error)

	// Volume hands out a separately released control for this session
	Volume() (SessionVolume, error)

	Release()
}

// EndpointVolume is the master volume control of one endpoint. Levels are scalars in [0, 1].
// eventContext identifies the writer to other audio consumers and may be empty
type EndpointVolume interface {
	Scalar() (float32, error)
	SetScalar(level float32, eventContext string) error
	Decibels() (float32, error)

	Mute() (bool, error)
	SetMute(mute bool, eventContext string) error

	ChannelCount() (uint32, error)
	ChannelScalar(channel uint32) (float32, error)

	// StepInfo returns the current step and the number of steps in the volume range
	StepInfo() (step uint32, count uint32, err error)

	Release()
}

// SessionVolume is the volume control of one application session
type SessionVolume interface {
	Scalar() (float32, error)
	SetScalar(level float32, eventContext string) error

	Mute() (bool, error)
	SetMute(mute bool, eventContext string) error

	Release()
}
