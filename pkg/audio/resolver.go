package audio

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const (
	capabilityEndpointVolume = "endpoint volume"
	capabilitySessionManager = "session manager"
)

// Resolver walks the device hierarchy of a Backend down to volume controls.
// its methods must run inside Backend.Do, and everything they acquire on the way is released before they return
type Resolver struct {
	logger  *zap.SugaredLogger
	backend Backend
}

// NewResolver creates a Resolver instance
func NewResolver(logger *zap.SugaredLogger, backend Backend) *Resolver {
	logger = logger.Named("resolver")

	r := &Resolver{
		logger:  logger,
		backend: backend,
	}

	logger.Debug("Created resolver instance")

	return r
}

// EndpointIterator lazily walks one snapshot of endpoints. It can't be restarted.
// the current device is released on the next call to Next or on Close, unless the caller took it
type EndpointIterator struct {
	collection DeviceCollection
	count      int
	index      int

	current Device
	err     error
	closed  bool
}

// Next advances to the next endpoint and reports whether there is one
func (it *EndpointIterator) Next() bool {
	it.releaseCurrent()

	if it.closed || it.err != nil || it.index >= it.count {
		return false
	}

	index := it.index
	it.index++

	device, err := it.collection.Item(index)
	if err != nil {
		it.err = fmt.Errorf("get endpoint %d from collection: %w", index, err)
		return false
	}

	it.current = device

	return true
}

// Device returns the current endpoint, still owned by the iterator
func (it *EndpointIterator) Device() Device {
	return it.current
}

// Take transfers ownership of the current endpoint to the caller
func (it *EndpointIterator) Take() Device {
	device := it.current
	it.current = nil

	return device
}

func (it *EndpointIterator) Err() error {
	return it.err
}

// Close releases the snapshot and any endpoint that wasn't taken. It's safe to call more than once
func (it *EndpointIterator) Close() {
	if it.closed {
		return
	}

	it.releaseCurrent()
	it.collection.Release()
	it.closed = true
}

func (it *EndpointIterator) releaseCurrent() {
	if it.current != nil {
		it.current.Release()
		it.current = nil
	}
}

// Session pairs a session's metadata with its volume control
type Session struct {
	Info   SessionInfo
	Volume SessionVolume
}

// Release releases the session's volume control
func (s *Session) Release() {
	if s.Volume != nil {
		s.Volume.Release()
		s.Volume = nil
	}
}

// SessionIterator lazily walks one snapshot of an endpoint's sessions, with the same ownership rules as EndpointIterator
type SessionIterator struct {
	logger *zap.SugaredLogger

	manager    SessionManager
	collection SessionCollection
	count      int
	index      int

	current *Session
	err     error
	closed  bool
}

// Next advances to the next readable session. Sessions that vanish mid-scan are skipped
func (it *SessionIterator) Next() bool {
	it.releaseCurrent()

	for !it.closed && it.err == nil && it.index < it.count {
		index := it.index
		it.index++

		handle, err := it.collection.Item(index)
		if err != nil {
			it.err = fmt.Errorf("get session %d from collection: %w", index, err)
			return false
		}

		session, err := resolveSession(handle)
		handle.Release()

		if err != nil {
			// this could just mean the process exited and the session will be cleaned up later by the OS
			it.logger.Debugw("Skipping unreadable session", "sessionIdx", index, "error", err)
			continue
		}

		it.current = session

		return true
	}

	return false
}

// reads metadata and activates the control from the same handle, so both refer to one session
func resolveSession(handle SessionHandle) (*Session, error) {
	info, err := handle.Info()
	if err != nil {
		return nil, fmt.Errorf("read session info: %w", err)
	}

	volume, err := handle.Volume()
	if err != nil {
		return nil, fmt.Errorf("get session volume: %w", err)
	}

	return &Session{Info: info, Volume: volume}, nil
}

// Session returns the current session, still owned by the iterator
func (it *SessionIterator) Session() *Session {
	return it.current
}

// Take transfers ownership of the current session to the caller
func (it *SessionIterator) Take() *Session {
	session := it.current
	it.current = nil

	return session
}

func (it *SessionIterator) Err() error {
	return it.err
}

// Close releases the snapshot and any session that wasn't taken. It's safe to call more than once
func (it *SessionIterator) Close() {
	if it.closed {
		return
	}

	it.releaseCurrent()
	it.collection.Release()
	it.manager.Release()
	it.closed = true
}

func (it *SessionIterator) releaseCurrent() {
	if it.current != nil {
		it.current.Release()
		it.current = nil
	}
}

// ListActiveEndpoints enumerates active endpoints of the given flow. The caller must Close the iterator
func (r *Resolver) ListActiveEndpoints(flow DataFlow) (*EndpointIterator, error) {
	collection, err := r.backend.EnumerateEndpoints(flow, DeviceStateActive)
	if err != nil {
		r.logger.Warnw("Failed to enumerate active audio endpoints", "flow", flow, "error", err)
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}

	count, err := collection.Count()
	if err != nil {
		collection.Release()

		r.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	return &EndpointIterator{collection: collection, count: count}, nil
}

// DefaultRenderEndpoint resolves the default output device for role
func (r *Resolver) DefaultRenderEndpoint(role Role) (Device, error) {
	device, err := r.backend.DefaultEndpoint(FlowRender, role)
	if err != nil {
		if !errors.Is(err, ErrNoDefaultDevice) {
			r.logger.Warnw("Failed to get default audio endpoint", "role", role, "error", err)
		}

		return nil, fmt.Errorf("get default render endpoint (%s): %w", role, err)
	}

	return device, nil
}

// ActivateMasterVolumeControl activates the endpoint volume capability on device.
// the device stays owned by the caller
func (r *Resolver) ActivateMasterVolumeControl(device Device) (EndpointVolume, error) {
	volume, err := device.ActivateEndpointVolume()
	if err != nil {
		r.logger.Warnw("Failed to activate endpoint volume", "error", err)
		return nil, activationError(device, capabilityEndpointVolume, err)
	}

	return volume, nil
}

// ListSessions enumerates the sessions currently open on device. The caller must Close the iterator
func (r *Resolver) ListSessions(device Device) (*SessionIterator, error) {
	manager, err := device.ActivateSessionManager()
	if err != nil {
		r.logger.Warnw("Failed to activate session manager", "error", err)
		return nil, activationError(device, capabilitySessionManager, err)
	}

	collection, err := manager.Sessions()
	if err != nil {
		manager.Release()

		r.logger.Warnw("Failed to get session enumerator", "error", err)
		return nil, fmt.Errorf("get session enumerator: %w", err)
	}

	count, err := collection.Count()
	if err != nil {
		collection.Release()
		manager.Release()

		r.logger.Warnw("Failed to get session count from session enumerator", "error", err)
		return nil, fmt.Errorf("get session count: %w", err)
	}

	r.logger.Debugw("Got session count from session enumerator", "count", count)

	return &SessionIterator{
		logger:     r.logger,
		manager:    manager,
		collection: collection,
		count:      count,
	}, nil
}

// FindSessionByProcessID returns the volume control of the first session owned by pid.
// a process without a session is reported as (nil, false, nil)
func (r *Resolver) FindSessionByProcessID(device Device, pid uint32) (SessionVolume, bool, error) {
	sessions, err := r.ListSessions(device)
	if err != nil {
		return nil, false, err
	}
	defer sessions.Close()

	for sessions.Next() {
		if sessions.Session().Info.ProcessID != pid {
			continue
		}

		return sessions.Take().Volume, true, nil
	}

	if err := sessions.Err(); err != nil {
		return nil, false, fmt.Errorf("scan sessions for pid %d: %w", pid, err)
	}

	return nil, false, nil
}

// DescribeEndpoint reads the identity and every property of device. Properties of a kind that can't be
// decoded end up in Endpoint.PropertyErrors instead of failing the whole endpoint
func (r *Resolver) DescribeEndpoint(device Device) (Endpoint, error) {
	id, err := device.ID()
	if err != nil {
		return Endpoint{}, fmt.Errorf("get endpoint id: %w", err)
	}

	state, err := device.State()
	if err != nil {
		return Endpoint{}, fmt.Errorf("get endpoint %s state: %w", id, err)
	}

	flow, err := device.Flow()
	if err != nil {
		return Endpoint{}, fmt.Errorf("get endpoint %s data flow: %w", id, err)
	}

	store, err := device.OpenPropertyStore()
	if err != nil {
		r.logger.Warnw("Failed to open property store for endpoint", "endpointID", id, "error", err)
		return Endpoint{}, fmt.Errorf("open endpoint %s property store: %w", id, err)
	}
	defer store.Release()

	count, err := store.Count()
	if err != nil {
		return Endpoint{}, fmt.Errorf("get endpoint %s property count: %w", id, err)
	}

	endpoint := Endpoint{
		ID:         id,
		State:      state,
		Flow:       flow,
		Properties: make(map[PropertyKey]Variant, count),
	}

	for i := 0; i < count; i++ {
		key, err := store.KeyAt(i)
		if err != nil {
			return Endpoint{}, fmt.Errorf("get endpoint %s property key %d: %w", id, i, err)
		}

		value, err := store.Value(key)
		if errors.Is(err, ErrUnsupportedVariantKind) {
			// stores routinely hold kinds we don't decode, they only fail that one property
			r.logger.Debugw("Skipping endpoint property of unsupported kind",
				"endpointID", id,
				"property", key,
				"error", err)

			if endpoint.PropertyErrors == nil {
				endpoint.PropertyErrors = map[PropertyKey]error{}
			}
			endpoint.PropertyErrors[key] = err

			continue
		}

		if err != nil {
			r.logger.Warnw("Failed to read endpoint property",
				"endpointID", id,
				"property", key,
				"error", err)

			return Endpoint{}, fmt.Errorf("read endpoint %s property %s: %w", id, key, err)
		}

		endpoint.Properties[key] = value
	}

	r.logger.Debugw("Enumerated device info",
		"endpointID", id,
		"deviceDescription", endpoint.Description(),
		"deviceFriendlyName", endpoint.FriendlyName(),
		"dataFlow", flow)

	return endpoint, nil
}

// MasterVolumeControl resolves the endpoint volume of the default output device for role
func (r *Resolver) MasterVolumeControl(role Role) (EndpointVolume, error) {
	device, err := r.DefaultRenderEndpoint(role)
	if err != nil {
		return nil, err
	}
	defer device.Release()

	return r.ActivateMasterVolumeControl(device)
}

// SessionVolumeControl resolves the session volume of pid on the default output device for role.
// returns ErrSessionNotFound if the process has no session there
func (r *Resolver) SessionVolumeControl(role Role, pid uint32) (SessionVolume, error) {
	device, err := r.DefaultRenderEndpoint(role)
	if err != nil {
		return nil, err
	}
	defer device.Release()

	volume, found, err := r.FindSessionByProcessID(device, pid)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("find session for pid %d: %w", pid, ErrSessionNotFound)
	}

	return volume, nil
}

func activationError(device Device, capability string, err error) error {
	var activationErr *ActivationError
	if errors.As(err, &activationErr) {
		return err
	}

	id, idErr := device.ID()
	if idErr != nil {
		id = "unknown"
	}

	return &ActivationError{EndpointID: id, Capability: capability, Err: err}
}
