// Package audiotest provides an in-memory audio.Backend that counts handle references,
// so tests can check that every acquired handle is released exactly once.
package audiotest

import (
	"fmt"
	"sync"

	"github.com/nik9play/volumelock/pkg/audio"
)

// Point names a backend call that can be made to fail with FailOn
type Point string

const (
	FailEnumerate          Point = "EnumerateEndpoints"
	FailDefaultEndpoint    Point = "DefaultEndpoint"
	FailDeviceCount        Point = "DeviceCollection.Count"
	FailDeviceItem         Point = "DeviceCollection.Item"
	FailDeviceID           Point = "Device.ID"
	FailOpenPropertyStore  Point = "Device.OpenPropertyStore"
	FailActivateVolume     Point = "Device.ActivateEndpointVolume"
	FailActivateSessions   Point = "Device.ActivateSessionManager"
	FailPropertyCount      Point = "PropertyStore.Count"
	FailPropertyValue      Point = "PropertyStore.Value"
	FailSessions           Point = "SessionManager.Sessions"
	FailSessionCount       Point = "SessionCollection.Count"
	FailSessionItem        Point = "SessionCollection.Item"
	FailSessionVolume      Point = "SessionHandle.Volume"
	FailGetScalar          Point = "EndpointVolume.Scalar"
	FailSetScalar          Point = "EndpointVolume.SetScalar"
	FailGetMute            Point = "EndpointVolume.Mute"
	FailSetMute            Point = "EndpointVolume.SetMute"
	FailSessionGetScalar   Point = "SessionVolume.Scalar"
	FailSessionSetScalar   Point = "SessionVolume.SetScalar"
	FailChannelScalar      Point = "EndpointVolume.ChannelScalar"
	FailStepInfo           Point = "EndpointVolume.StepInfo"
	FailSessionMuteRead    Point = "SessionVolume.Mute"
	FailSessionMuteWrite   Point = "SessionVolume.SetMute"
	FailEndpointVolumeRead Point = "EndpointVolume.Decibels"
)

// Property is one entry of a fake endpoint's property store.
// when RawTag is set the value is decoded from Raw with audio.DecodeVariant on every read
type Property struct {
	Key   audio.PropertyKey
	Value audio.Variant

	RawTag audio.VarType
	Raw    []byte
}

// Session is a fake application session
type Session struct {
	Info  audio.SessionInfo
	Level float32
	Muted bool

	// InfoErr makes Info fail, as if the session ended mid-scan
	InfoErr error
}

// Endpoint is a fake audio device
type Endpoint struct {
	ID         string
	State      audio.DeviceState
	Flow       audio.DataFlow
	Properties []Property

	Level     float32
	Decibels  float32
	Muted     bool
	Channels  []float32
	Step      uint32
	StepCount uint32

	Sessions []*Session
}

// Backend is an in-memory audio.Backend. All exported state is guarded by the backend's lock;
// use the methods to change it while other goroutines may be calling in
type Backend struct {
	doMu sync.Mutex
	mu   sync.Mutex

	endpoints []*Endpoint
	defaults  map[audio.DataFlow]string

	failures map[Point]error
	calls    map[Point]int

	outstanding  int
	overReleased int
	lastEventCtx string
	changes      chan struct{}
	closed       bool
}

var _ audio.Backend = (*Backend)(nil)

// NewBackend creates a backend with the given endpoints.
// the first render endpoint becomes the default render device
func NewBackend(endpoints ...*Endpoint) *Backend {
	b := &Backend{
		endpoints: endpoints,
		defaults:  map[audio.DataFlow]string{},
		failures:  map[Point]error{},
		calls:     map[Point]int{},
		changes:   make(chan struct{}, 1),
	}

	for _, e := range endpoints {
		if _, ok := b.defaults[e.Flow]; !ok && e.State == audio.DeviceStateActive {
			b.defaults[e.Flow] = e.ID
		}
	}

	return b
}

// NewSpeakers returns an active two-channel render endpoint at the given level
func NewSpeakers(id string, level float32, sessions ...*Session) *Endpoint {
	return &Endpoint{
		ID:    id,
		State: audio.DeviceStateActive,
		Flow:  audio.FlowRender,
		Properties: []Property{
			{Key: audio.KeyDeviceFriendlyName, Value: audio.StringVariant("Speakers (" + id + ")")},
			{Key: audio.KeyDeviceDescription, Value: audio.StringVariant("Speakers")},
			{Key: audio.KeyAudioEndpointFormFactor, Value: audio.Uint32Variant(1)},
		},
		Level:     level,
		Decibels:  -10,
		Channels:  []float32{level, level},
		StepCount: 51,
		Sessions:  sessions,
	}
}

// FailOn makes every following call at point fail with err. A nil err clears the failure
func (b *Backend) FailOn(point Point, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.failures, point)
		return
	}

	b.failures[point] = err
}

// Calls returns how many times point was called
func (b *Backend) Calls(point Point) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calls[point]
}

// Outstanding returns the number of acquired handles that haven't been released
func (b *Backend) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.outstanding
}

// OverReleased returns how many times an already released handle was released again
func (b *Backend) OverReleased() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.overReleased
}

// LastEventContext returns the event context passed to the most recent write
func (b *Backend) LastEventContext() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastEventCtx
}

// SetDefault makes the endpoint with the given id the default for flow. An empty id removes the default
func (b *Backend) SetDefault(flow audio.DataFlow, id string) {
	b.mu.Lock()
	if id == "" {
		delete(b.defaults, flow)
	} else {
		b.defaults[flow] = id
	}
	b.mu.Unlock()

	select {
	case b.changes <- struct{}{}:
	default:
	}
}

// DefaultDeviceChanges implements audio.DeviceChangeNotifier
func (b *Backend) DefaultDeviceChanges() <-chan struct{} {
	return b.changes
}

// Endpoint returns a snapshot of the fake endpoint with the given id
func (b *Backend) Endpoint(id string) Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.endpoints {
		if e.ID == id {
			return *e
		}
	}

	return Endpoint{}
}

// SetLevel changes an endpoint's level from outside, like a user dragging a slider
func (b *Backend) SetLevel(id string, level float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.endpoints {
		if e.ID == id {
			e.Level = level
		}
	}
}

// AddSession opens a new session on the endpoint with the given id
func (b *Backend) AddSession(id string, session *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.endpoints {
		if e.ID == id {
			e.Sessions = append(e.Sessions, session)
		}
	}
}

func (b *Backend) Do(fn func() error) error {
	b.doMu.Lock()
	defer b.doMu.Unlock()

	if b.isClosed() {
		return fmt.Errorf("backend closed")
	}

	return fn()
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	return nil
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

func (b *Backend) EnumerateEndpoints(flow audio.DataFlow, states audio.DeviceState) (audio.DeviceCollection, error) {
	if err := b.call(FailEnumerate); err != nil {
		return nil, err
	}

	b.mu.Lock()
	matching := []*Endpoint{}
	for _, e := range b.endpoints {
		if (flow == audio.FlowAll || e.Flow == flow) && e.State&states != 0 {
			matching = append(matching, e)
		}
	}
	b.mu.Unlock()

	return &deviceCollection{handle: b.acquire(), endpoints: matching}, nil
}

func (b *Backend) DefaultEndpoint(flow audio.DataFlow, _ audio.Role) (audio.Device, error) {
	if err := b.call(FailDefaultEndpoint); err != nil {
		return nil, err
	}

	b.mu.Lock()
	id, ok := b.defaults[flow]
	var endpoint *Endpoint
	for _, e := range b.endpoints {
		if e.ID == id {
			endpoint = e
		}
	}
	b.mu.Unlock()

	if !ok || endpoint == nil {
		return nil, audio.ErrNoDefaultDevice
	}

	return &device{handle: b.acquire(), endpoint: endpoint}, nil
}

func (b *Backend) call(point Point) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[point]++

	return b.failures[point]
}

func (b *Backend) acquire() handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.outstanding++

	return handle{backend: b, released: new(bool)}
}

type handle struct {
	backend  *Backend
	released *bool
}

func (h handle) Release() {
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()

	if *h.released {
		h.backend.overReleased++
		return
	}

	*h.released = true
	h.backend.outstanding--
}

type deviceCollection struct {
	handle
	endpoints []*Endpoint
}

func (c *deviceCollection) Count() (int, error) {
	if err := c.backend.call(FailDeviceCount); err != nil {
		return 0, err
	}

	return len(c.endpoints), nil
}

func (c *deviceCollection) Item(index int) (audio.Device, error) {
	if err := c.backend.call(FailDeviceItem); err != nil {
		return nil, err
	}

	if index < 0 || index >= len(c.endpoints) {
		return nil, fmt.Errorf("device index %d out of range", index)
	}

	return &device{handle: c.backend.acquire(), endpoint: c.endpoints[index]}, nil
}

type device struct {
	handle
	endpoint *Endpoint
}

func (d *device) ID() (string, error) {
	if err := d.backend.call(FailDeviceID); err != nil {
		return "", err
	}

	return d.endpoint.ID, nil
}

func (d *device) State() (audio.DeviceState, error) {
	return d.endpoint.State, nil
}

func (d *device) Flow() (audio.DataFlow, error) {
	return d.endpoint.Flow, nil
}

func (d *device) OpenPropertyStore() (audio.PropertyStore, error) {
	if err := d.backend.call(FailOpenPropertyStore); err != nil {
		return nil, err
	}

	return &propertyStore{handle: d.backend.acquire(), properties: d.endpoint.Properties}, nil
}

func (d *device) ActivateEndpointVolume() (audio.EndpointVolume, error) {
	if err := d.backend.call(FailActivateVolume); err != nil {
		return nil, err
	}

	return &endpointVolume{handle: d.backend.acquire(), endpoint: d.endpoint}, nil
}

func (d *device) ActivateSessionManager() (audio.SessionManager, error) {
	if err := d.backend.call(FailActivateSessions); err != nil {
		return nil, err
	}

	return &sessionManager{handle: d.backend.acquire(), endpoint: d.endpoint}, nil
}

type propertyStore struct {
	handle
	properties []Property
}

func (s *propertyStore) Count() (int, error) {
	if err := s.backend.call(FailPropertyCount); err != nil {
		return 0, err
	}

	return len(s.properties), nil
}

func (s *propertyStore) KeyAt(index int) (audio.PropertyKey, error) {
	if index < 0 || index >= len(s.properties) {
		return audio.PropertyKey{}, fmt.Errorf("property index %d out of range", index)
	}

	return s.properties[index].Key, nil
}

func (s *propertyStore) Value(key audio.PropertyKey) (audio.Variant, error) {
	if err := s.backend.call(FailPropertyValue); err != nil {
		return audio.Variant{}, err
	}

	for _, p := range s.properties {
		if p.Key != key {
			continue
		}

		if p.RawTag != 0 {
			return audio.DecodeVariant(p.RawTag, p.Raw, nil)
		}

		return p.Value, nil
	}

	return audio.EmptyVariant, nil
}

type endpointVolume struct {
	handle
	endpoint *Endpoint
}

func (v *endpointVolume) Scalar() (float32, error) {
	if err := v.backend.call(FailGetScalar); err != nil {
		return 0, err
	}

	v.backend.mu.Lock()
	defer v.backend.mu.Unlock()

	return v.endpoint.Level, nil
}

func (v *endpointVolume) SetScalar(level float32, eventContext string) error {
	if err := v.backend.call(FailSetScalar); err != nil {
		return err
	}

	if level < 0 || level > 1 {
		return fmt.Errorf("level %f out of range", level)
	}

	v.backend.mu.Lock()
	defer v.backend.mu.Unlock()

	v.endpoint.Level = level
	for i := range v.endpoint.Channels {
		v.endpoint.Channels[i] = level
	}
	v.backend.lastEventCtx = eventContext

	return nil
}

func (v *endpointVolume) Decibels() (float32, error) {
	if err := v.backend.call(FailEndpointVolumeRead); err != nil {
		return 0, err
	}

	return v.endpoint.Decibels, nil
}

func (v *endpointVolume) Mute() (bool, error) {
	if err := v.backend.call(FailGetMute); err != nil {
		return false, err
	}

	v.backend.mu.Lock()
	defer v.backend.mu.Unlock()

	return v.endpoint.Muted, nil
}

func (v *endpointVolume) SetMute(mute bool, eventContext string) error {
	if err := v.backend.call(FailSetMute); err != nil {
		return err
	}

	v.backend.mu.Lock()
	defer v.backend.mu.Unlock()

	v.endpoint.Muted = mute
	v.backend.lastEventCtx = eventContext

	return nil
}

func (v *endpointVolume) ChannelCount() (uint32, error) {
	return uint32(len(v.endpoint.Channels)), nil
}

func (v *endpointVolume) ChannelScalar(channel uint32) (float32, error) {
	if err := v.backend.call(FailChannelScalar); err != nil {
		return 0, err
	}

	v.backend.mu.Lock()
	defer v.backend.mu.Unlock()

	if int(channel) >= len(v.endpoint.Channels) {
		return 0, fmt.Errorf("channel %d out of range", channel)
	}

	return v.endpoint.Channels[channel], nil
}

func (v *endpointVolume) StepInfo() (uint32, uint32, error) {
	if err := v.backend.call(FailStepInfo); err != nil {
		return 0, 0, err
	}

	return v.endpoint.Step, v.endpoint.StepCount, nil
}

type sessionManager struct {
	handle
	endpoint *Endpoint
}

func (m *sessionManager) Sessions() (audio.SessionCollection, error) {
	if err := m.backend.call(FailSessions); err != nil {
		return nil, err
	}

	m.backend.mu.Lock()
	sessions := append([]*Session(nil), m.endpoint.Sessions...)
	m.backend.mu.Unlock()

	return &sessionCollection{handle: m.backend.acquire(), sessions: sessions}, nil
}

type sessionCollection struct {
	handle
	sessions []*Session
}

func (c *sessionCollection) Count() (int, error) {
	if err := c.backend.call(FailSessionCount); err != nil {
		return 0, err
	}

	return len(c.sessions), nil
}

func (c *sessionCollection) Item(index int) (audio.SessionHandle, error) {
	if err := c.backend.call(FailSessionItem); err != nil {
		return nil, err
	}

	if index < 0 || index >= len(c.sessions) {
		return nil, fmt.Errorf("session index %d out of range", index)
	}

	return &sessionHandle{handle: c.backend.acquire(), session: c.sessions[index]}, nil
}

type sessionHandle struct {
	handle
	session *Session
}

func (h *sessionHandle) Info() (audio.SessionInfo, error) {
	if h.session.InfoErr != nil {
		return audio.SessionInfo{}, h.session.InfoErr
	}

	return h.session.Info, nil
}

func (h *sessionHandle) Volume() (audio.SessionVolume, error) {
	if err := h.backend.call(FailSessionVolume); err != nil {
		return nil, err
	}

	return &sessionVolume{handle: h.backend.acquire(), session: h.session}, nil
}

type sessionVolume struct {
	handle
	session *Session
}

func (v *sessionVolume) Scalar() (float32, error) {
	if err := v.backend.call(FailSessionGetScalar); err != nil {
		return 0, err
	}

	v.backend.mu.Lock()
	defer v.backend.mu.Unlock()

	return v.session.Level, nil
}

func (v *sessionVolume) SetScalar(level float32, eventContext string) error {
	if err := v.backend.call(FailSessionSetScalar); err != nil {
		return err
	}

	if level < 0 || level > 1 {
		return fmt.Errorf("level %f out of range", level)
	}

	v.backend.mu.Lock()
	defer v.backend.mu.Unlock()

	v.session.Level = level
	v.backend.lastEventCtx = eventContext

	return nil
}

func (v *sessionVolume) Mute() (bool, error) {
	if err := v.backend.call(FailSessionMuteRead); err != nil {
		return false, err
	}

	v.backend.mu.Lock()
	defer v.backend.mu.Unlock()

	return v.session.Muted, nil
}

func (v *sessionVolume) SetMute(mute bool, eventContext string) error {
	if err := v.backend.call(FailSessionMuteWrite); err != nil {
		return err
	}

	v.backend.mu.Lock()
	defer v.backend.mu.Unlock()

	v.session.Muted = mute
	v.backend.lastEventCtx = eventContext

	return nil
}
