package audio

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const (
	// PA_VOLUME_NORM
	maxVolume = 0x10000

	paClientName = "volumelock"
)

// PulseAudio has no property store, so sink and source fields are exposed under the usual keys
var (
	paKeyDescription = KeyDeviceDescription
	paKeyName        = KeyDeviceFriendlyName
	paKeyProduct     = KeyInterfaceFriendlyName
)

var errNoCaptureSessions = errors.New("capture endpoints have no application sessions")

type paBackend struct {
	logger *zap.SugaredLogger

	mu     sync.Mutex
	client *proto.Client
	conn   net.Conn
	closed bool
}

// NewBackend creates the PulseAudio backend. The connection is made on first use and
// dropped whenever a request fails, so a restarted server is picked up on the next call
func NewBackend(logger *zap.SugaredLogger) (Backend, error) {
	b := &paBackend{
		logger: logger.Named("pulse"),
	}

	b.logger.Debug("Created PA backend instance")

	return b, nil
}

func (b *paBackend) connect() error {
	client, conn, err := proto.Connect("")
	if err != nil {
		return fmt.Errorf("connect to PulseAudio: %w", err)
	}

	if err := client.Request(&proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString(paClientName),
		},
	}, &proto.SetClientNameReply{}); err != nil {
		conn.Close()
		return fmt.Errorf("set client name: %w", err)
	}

	b.client = client
	b.conn = conn

	b.logger.Debug("Connected to PulseAudio")

	return nil
}

func (b *paBackend) disconnect() {
	if b.conn != nil {
		b.conn.Close()
	}

	b.client = nil
	b.conn = nil
}

func (b *paBackend) Do(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("audio backend closed")
	}

	if b.client == nil {
		if err := b.connect(); err != nil {
			return unavailable(err)
		}
	}

	return fn()
}

// request is only called from within Do
func (b *paBackend) request(op string, req proto.RequestArgs, reply proto.Reply) error {
	if b.client == nil {
		return unavailable(errors.New("not connected to PulseAudio"))
	}

	if err := b.client.Request(req, reply); err != nil {
		b.logger.Debugw("PulseAudio request failed, dropping connection", "op", op, "error", err)
		b.disconnect()

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (b *paBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.disconnect()

	b.logger.Debug("Released PA backend instance")

	return nil
}

func (b *paBackend) EnumerateEndpoints(flow DataFlow, states DeviceState) (DeviceCollection, error) {
	var devices []*paDevice

	// PulseAudio only reports devices that exist, and all of them are usable
	if states&DeviceStateActive == 0 {
		return &paDeviceCollection{backend: b}, nil
	}

	if flow == FlowRender || flow == FlowAll {
		sinks := proto.GetSinkInfoListReply{}
		if err := b.request("GetSinkInfoList", &proto.GetSinkInfoList{}, &sinks); err != nil {
			return nil, err
		}

		for _, sink := range sinks {
			devices = append(devices, sinkDevice(sink))
		}
	}

	if flow == FlowCapture || flow == FlowAll {
		sources := proto.GetSourceInfoListReply{}
		if err := b.request("GetSourceInfoList", &proto.GetSourceInfoList{}, &sources); err != nil {
			return nil, err
		}

		for _, source := range sources {
			// monitors mirror a sink, they aren't capture devices of their own
			if source.MonitorSourceIndex != proto.Undefined {
				continue
			}

			devices = append(devices, sourceDevice(source))
		}
	}

	return &paDeviceCollection{backend: b, devices: devices}, nil
}

func (b *paBackend) DefaultEndpoint(flow DataFlow, _ Role) (Device, error) {
	server := proto.GetServerInfoReply{}
	if err := b.request("GetServerInfo", &proto.GetServerInfo{}, &server); err != nil {
		return nil, err
	}

	switch flow {
	case FlowRender:
		if server.DefaultSinkName == "" {
			return nil, ErrNoDefaultDevice
		}

		sink := proto.GetSinkInfoReply{}
		if err := b.request("GetSinkInfo", &proto.GetSinkInfo{
			SinkIndex: proto.Undefined,
			SinkName:  server.DefaultSinkName,
		}, &sink); err != nil {
			return nil, err
		}

		return b.attach(sinkDevice(&sink)), nil

	case FlowCapture:
		if server.DefaultSourceName == "" {
			return nil, ErrNoDefaultDevice
		}

		source := proto.GetSourceInfoReply{}
		if err := b.request("GetSourceInfo", &proto.GetSourceInfo{
			SourceIndex: proto.Undefined,
			SourceName:  server.DefaultSourceName,
		}, &source); err != nil {
			return nil, err
		}

		return b.attach(sourceDevice(&source)), nil
	}

	return nil, fmt.Errorf("no default endpoint for flow %s", flow)
}

func (b *paBackend) attach(d *paDevice) *paDevice {
	d.backend = b
	return d
}

func sinkDevice(sink *proto.GetSinkInfoReply) *paDevice {
	return &paDevice{
		flow:        FlowRender,
		index:       sink.SinkIndex,
		name:        sink.SinkName,
		description: sink.Device,
		product:     propString(sink.Properties, "device.product.name"),
		channels:    sink.Channels,
		steps:       sink.NumVolumeSteps,
	}
}

func sourceDevice(source *proto.GetSourceInfoReply) *paDevice {
	return &paDevice{
		flow:        FlowCapture,
		index:       source.SourceIndex,
		name:        source.SourceName,
		description: source.Device,
		product:     propString(source.Properties, "device.product.name"),
		channels:    source.Channels,
		steps:       source.NumVolumeSteps,
	}
}

type paDeviceCollection struct {
	backend *paBackend
	devices []*paDevice
}

func (c *paDeviceCollection) Count() (int, error) {
	return len(c.devices), nil
}

func (c *paDeviceCollection) Item(index int) (Device, error) {
	if index < 0 || index >= len(c.devices) {
		return nil, fmt.Errorf("device index %d out of range", index)
	}

	// hand out a copy so releasing it doesn't touch the collection
	d := *c.devices[index]
	return c.backend.attach(&d), nil
}

func (c *paDeviceCollection) Release() {}

type paDevice struct {
	backend *paBackend

	flow        DataFlow
	index       uint32
	name        string
	description string
	product     string
	channels    byte
	steps       uint32
}

func (d *paDevice) ID() (string, error) {
	return d.name, nil
}

func (d *paDevice) State() (DeviceState, error) {
	return DeviceStateActive, nil
}

func (d *paDevice) Flow() (DataFlow, error) {
	return d.flow, nil
}

func (d *paDevice) OpenPropertyStore() (PropertyStore, error) {
	store := &paPropertyStore{values: map[PropertyKey]string{
		paKeyDescription: d.description,
		paKeyName:        d.description,
	}}
	store.keys = []PropertyKey{paKeyDescription, paKeyName}

	if d.product != "" {
		store.values[paKeyProduct] = d.product
		store.keys = append(store.keys, paKeyProduct)
	}

	return store, nil
}

func (d *paDevice) ActivateEndpointVolume() (EndpointVolume, error) {
	return &paEndpointVolume{device: d}, nil
}

func (d *paDevice) ActivateSessionManager() (SessionManager, error) {
	if d.flow != FlowRender {
		return nil, errNoCaptureSessions
	}

	return &paSessionManager{device: d}, nil
}

func (d *paDevice) Release() {}

type paPropertyStore struct {
	keys   []PropertyKey
	values map[PropertyKey]string
}

func (s *paPropertyStore) Count() (int, error) {
	return len(s.keys), nil
}

func (s *paPropertyStore) KeyAt(index int) (PropertyKey, error) {
	if index < 0 || index >= len(s.keys) {
		return PropertyKey{}, fmt.Errorf("property index %d out of range", index)
	}

	return s.keys[index], nil
}

func (s *paPropertyStore) Value(key PropertyKey) (Variant, error) {
	value, ok := s.values[key]
	if !ok {
		return EmptyVariant, nil
	}

	return StringVariant(value), nil
}

func (s *paPropertyStore) Release() {}

type paEndpointVolume struct {
	device *paDevice
}

// volumes are re-read on every call since anything else may change them
func (v *paEndpointVolume) volumes() ([]uint32, bool, error) {
	b := v.device.backend

	if v.device.flow == FlowCapture {
		reply := proto.GetSourceInfoReply{}
		if err := b.request("GetSourceInfo", &proto.GetSourceInfo{SourceIndex: v.device.index}, &reply); err != nil {
			return nil, false, err
		}

		return reply.ChannelVolumes, reply.Mute, nil
	}

	reply := proto.GetSinkInfoReply{}
	if err := b.request("GetSinkInfo", &proto.GetSinkInfo{SinkIndex: v.device.index}, &reply); err != nil {
		return nil, false, err
	}

	return reply.ChannelVolumes, reply.Mute, nil
}

func (v *paEndpointVolume) Scalar() (float32, error) {
	volumes, _, err := v.volumes()
	if err != nil {
		return 0, err
	}

	return parseChannelVolumes(volumes), nil
}

func (v *paEndpointVolume) SetScalar(level float32, _ string) error {
	volumes := createChannelVolumes(v.device.channels, level)
	b := v.device.backend

	if v.device.flow == FlowCapture {
		return b.request("SetSourceVolume", &proto.SetSourceVolume{
			SourceIndex:    v.device.index,
			ChannelVolumes: volumes,
		}, nil)
	}

	return b.request("SetSinkVolume", &proto.SetSinkVolume{
		SinkIndex:      v.device.index,
		ChannelVolumes: volumes,
	}, nil)
}

func (v *paEndpointVolume) Decibels() (float32, error) {
	level, err := v.Scalar()
	if err != nil {
		return 0, err
	}

	return scalarToDecibels(level), nil
}

func (v *paEndpointVolume) Mute() (bool, error) {
	_, muted, err := v.volumes()
	return muted, err
}

func (v *paEndpointVolume) SetMute(mute bool, _ string) error {
	b := v.device.backend

	if v.device.flow == FlowCapture {
		return b.request("SetSourceMute", &proto.SetSourceMute{
			SourceIndex: v.device.index,
			Mute:        mute,
		}, nil)
	}

	return b.request("SetSinkMute", &proto.SetSinkMute{
		SinkIndex: v.device.index,
		Mute:      mute,
	}, nil)
}

func (v *paEndpointVolume) ChannelCount() (uint32, error) {
	volumes, _, err := v.volumes()
	if err != nil {
		return 0, err
	}

	return uint32(len(volumes)), nil
}

func (v *paEndpointVolume) ChannelScalar(channel uint32) (float32, error) {
	volumes, _, err := v.volumes()
	if err != nil {
		return 0, err
	}

	if int(channel) >= len(volumes) {
		return 0, fmt.Errorf("channel %d out of range", channel)
	}

	return float32(volumes[channel]) / float32(maxVolume), nil
}

func (v *paEndpointVolume) StepInfo() (uint32, uint32, error) {
	if v.device.steps == 0 {
		return 0, 0, nil
	}

	level, err := v.Scalar()
	if err != nil {
		return 0, 0, err
	}

	last := v.device.steps - 1
	return uint32(math.Round(float64(level) * float64(last))), v.device.steps, nil
}

func (v *paEndpointVolume) Release() {}

type paSessionManager struct {
	device *paDevice
}

func (m *paSessionManager) Sessions() (SessionCollection, error) {
	reply := proto.GetSinkInputInfoListReply{}
	if err := m.device.backend.request("GetSinkInputInfoList", &proto.GetSinkInputInfoList{}, &reply); err != nil {
		return nil, err
	}

	inputs := make([]*proto.GetSinkInputInfoReply, 0, len(reply))
	for _, info := range reply {
		if info.SinkIndex == m.device.index {
			inputs = append(inputs, info)
		}
	}

	return &paSessionCollection{backend: m.device.backend, inputs: inputs}, nil
}

func (m *paSessionManager) Release() {}

type paSessionCollection struct {
	backend *paBackend
	inputs  []*proto.GetSinkInputInfoReply
}

func (c *paSessionCollection) Count() (int, error) {
	return len(c.inputs), nil
}

func (c *paSessionCollection) Item(index int) (SessionHandle, error) {
	if index < 0 || index >= len(c.inputs) {
		return nil, fmt.Errorf("session index %d out of range", index)
	}

	return &paSessionHandle{backend: c.backend, info: c.inputs[index]}, nil
}

func (c *paSessionCollection) Release() {}

type paSessionHandle struct {
	backend *paBackend
	info    *proto.GetSinkInputInfoReply
}

func (h *paSessionHandle) Info() (SessionInfo, error) {
	props := h.info.Properties

	info := SessionInfo{
		DisplayName: propString(props, "application.name"),
		IconPath:    propString(props, "application.icon_name"),
		GroupingID:  strconv.FormatUint(uint64(h.info.ClientIndex), 10),
		State:       SessionStateActive,
	}

	if h.info.Corked {
		info.State = SessionStateInactive
	}

	// event sounds are the closest thing to a system sounds session
	info.SystemSounds = propString(props, "media.role") == "event"

	if pid := propString(props, "application.process.id"); pid != "" {
		parsed, err := strconv.ParseUint(pid, 10, 32)
		if err != nil {
			return SessionInfo{}, fmt.Errorf("parse process id %q: %w", pid, err)
		}

		info.ProcessID = uint32(parsed)
	}

	return info, nil
}

func (h *paSessionHandle) Volume() (SessionVolume, error) {
	return &paSessionVolume{backend: h.backend, index: h.info.SinkInputIndex, channels: h.info.Channels}, nil
}

func (h *paSessionHandle) Release() {}

type paSessionVolume struct {
	backend  *paBackend
	index    uint32
	channels byte
}

func (v *paSessionVolume) info() (*proto.GetSinkInputInfoReply, error) {
	reply := proto.GetSinkInputInfoReply{}
	if err := v.backend.request("GetSinkInputInfo", &proto.GetSinkInputInfo{SinkInputIndex: v.index}, &reply); err != nil {
		return nil, err
	}

	return &reply, nil
}

func (v *paSessionVolume) Scalar() (float32, error) {
	info, err := v.info()
	if err != nil {
		return 0, err
	}

	return parseChannelVolumes(info.ChannelVolumes), nil
}

func (v *paSessionVolume) SetScalar(level float32, _ string) error {
	return v.backend.request("SetSinkInputVolume", &proto.SetSinkInputVolume{
		SinkInputIndex: v.index,
		ChannelVolumes: createChannelVolumes(v.channels, level),
	}, nil)
}

func (v *paSessionVolume) Mute() (bool, error) {
	info, err := v.info()
	if err != nil {
		return false, err
	}

	return info.Muted, nil
}

func (v *paSessionVolume) SetMute(mute bool, _ string) error {
	return v.backend.request("SetSinkInputMute", &proto.SetSinkInputMute{
		SinkInputIndex: v.index,
		Mute:           mute,
	}, nil)
}

func (v *paSessionVolume) Release() {}

func propString(props proto.PropList, key string) string {
	value, ok := props[key]
	if !ok {
		return ""
	}

	return value.String()
}

func createChannelVolumes(channels byte, volume float32) []uint32 {
	volumes := make([]uint32, channels)

	for i := range volumes {
		volumes[i] = uint32(clampScalar(volume) * maxVolume)
	}

	return volumes
}

func parseChannelVolumes(volumes []uint32) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var level uint64
	for _, volume := range volumes {
		level += uint64(volume)
	}

	return float32(level/uint64(len(volumes))) / float32(maxVolume)
}

// PulseAudio volumes are cubic
func scalarToDecibels(level float32) float32 {
	if level <= 0 {
		return float32(math.Inf(-1))
	}

	return float32(60 * math.Log10(float64(level)))
}
