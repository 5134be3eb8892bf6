package audio

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca/pkg/wca"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/win"
)

const (
	// undocumented success code GetProcessId returns for the system sounds session and for some UWP apps
	audclntSNoCurrentProcess = 0x0889000D

	// the endpoint was removed or disabled while we held it
	audclntEDeviceInvalidated = 0x88890004

	// HRESULT_FROM_WIN32(ERROR_NOT_FOUND), returned when there is no default device
	eNotFound = 0x80070490

	// the notification client will call this multiple times in quick succession based on the
	// default device's assigned media roles, so we need to filter out the extraneous calls
	minDefaultDeviceChangeThreshold = 100 * time.Millisecond
)

var errBackendClosed = errors.New("audio backend closed")

type wcaBackend struct {
	logger *zap.SugaredLogger

	// needed for device change notifications
	mmDeviceEnumerator      *wca.IMMDeviceEnumerator
	mmNotificationClient    *wca.IMMNotificationClient
	lastDefaultDeviceChange time.Time
	changes                 chan struct{}

	eventContexts map[string]*ole.GUID

	lock sync.Mutex

	reqChannel chan func() error
	resChannel chan error

	workerCtx    context.Context
	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// NewBackend creates the Windows Core Audio backend. All COM calls happen on one dedicated thread
func NewBackend(logger *zap.SugaredLogger) (Backend, error) {
	ctx, cancel := context.WithCancel(context.Background())

	b := &wcaBackend{
		logger:        logger.Named("wca"),
		changes:       make(chan struct{}, 1),
		eventContexts: map[string]*ole.GUID{},
		reqChannel:    make(chan func() error),
		resChannel:    make(chan error),
		workerCtx:     ctx,
		workerCancel:  cancel,
		workerDone:    make(chan struct{}),
	}

	go b.worker(ctx)

	b.logger.Debug("Created WCA backend instance")

	return b, nil
}

func (b *wcaBackend) initializeCOMLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("COM initializing stopping")
			return errors.New("com initializing stopped")
		default:
			err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)

			if err == nil {
				return nil
			}

			// S_FALSE means COM was already initialized on this thread, which is fine
			const sFalse = 1
			oleError := &ole.OleError{}

			if errors.As(err, &oleError) && oleError.Code() == sFalse {
				return nil
			}

			b.logger.Warnw("Failed to call CoInitializeEx. Retrying...", "error", err)

			time.Sleep(2 * time.Second)
		}
	}
}

// all COM objects are created and used on this goroutine's locked thread
func (b *wcaBackend) worker(ctx context.Context) {
	defer close(b.workerDone)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := b.initializeCOMLoop(ctx); err != nil {
		return
	}
	b.logger.Info("COM initialized for audio backend")
	defer ole.CoUninitialize()

	for {
		select {
		case <-ctx.Done():
			b.releaseDeviceEnumerator()
			b.logger.Info("Audio backend worker stopping")
			return
		case fn := <-b.reqChannel:
			start := time.Now()

			err := b.ensureDeviceEnumerator()
			if err == nil {
				err = fn()
			}

			b.resChannel <- err

			b.logger.Debugf("Audio request took %s", time.Since(start))
		}
	}
}

func (b *wcaBackend) Do(fn func() error) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	select {
	case <-b.workerCtx.Done():
		return errBackendClosed
	case b.reqChannel <- fn:
	}

	return <-b.resChannel
}

func (b *wcaBackend) Close() error {
	b.workerCancel()
	<-b.workerDone

	b.logger.Debug("Released WCA backend instance")

	return nil
}

// DefaultDeviceChanges implements DeviceChangeNotifier
func (b *wcaBackend) DefaultDeviceChanges() <-chan struct{} {
	return b.changes
}

func (b *wcaBackend) ensureDeviceEnumerator() error {
	if b.mmDeviceEnumerator != nil {
		return nil
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&b.mmDeviceEnumerator,
	); err != nil {
		b.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return foreignError("CoCreateInstance", err)
	}

	// receive notifications whenever the default device changes (only do this once)
	if b.mmNotificationClient == nil {
		b.mmNotificationClient = wca.NewIMMNotificationClient(wca.IMMNotificationClientCallback{
			OnDefaultDeviceChanged: b.defaultDeviceChangedCallback,
		})

		if err := b.mmDeviceEnumerator.RegisterEndpointNotificationCallback(b.mmNotificationClient); err != nil {
			// enforcement still works without it, just slower to react
			b.logger.Warnw("Failed to call RegisterEndpointNotificationCallback", "error", err)
		}
	}

	return nil
}

func (b *wcaBackend) releaseDeviceEnumerator() {
	// skip unregistering the mmnotificationclient, as it's not implemented in go-wca
	if b.mmDeviceEnumerator != nil {
		b.mmDeviceEnumerator.Release()
		b.mmDeviceEnumerator = nil
	}
}

//nolint:revive
func (b *wcaBackend) defaultDeviceChangedCallback(flow wca.EDataFlow, role wca.ERole, pwstrDeviceId string) error {
	// filter out calls that happen in rapid succession
	now := time.Now()

	if b.lastDefaultDeviceChange.Add(minDefaultDeviceChangeThreshold).After(now) {
		return nil
	}

	b.lastDefaultDeviceChange = now

	b.logger.Debugw("Default audio device changed", "deviceID", pwstrDeviceId)

	select {
	case b.changes <- struct{}{}:
	default:
	}

	return nil
}

func (b *wcaBackend) eventContext(guid string) *ole.GUID {
	if guid == "" {
		return nil
	}

	if ctx, ok := b.eventContexts[guid]; ok {
		return ctx
	}

	ctx := ole.NewGUID(guid)
	b.eventContexts[guid] = ctx

	return ctx
}

func (b *wcaBackend) EnumerateEndpoints(flow DataFlow, states DeviceState) (DeviceCollection, error) {
	var deviceCollection *wca.IMMDeviceCollection

	if err := b.mmDeviceEnumerator.EnumAudioEndpoints(uint32(flow), uint32(states), &deviceCollection); err != nil {
		return nil, foreignError("EnumAudioEndpoints", err)
	}

	return &wcaDeviceCollection{backend: b, collection: deviceCollection}, nil
}

func (b *wcaBackend) DefaultEndpoint(flow DataFlow, role Role) (Device, error) {
	var mmDevice *wca.IMMDevice

	if err := b.mmDeviceEnumerator.GetDefaultAudioEndpoint(uint32(flow), uint32(role), &mmDevice); err != nil {
		if code, ok := hresult(err); ok && code == eNotFound {
			return nil, ErrNoDefaultDevice
		}

		return nil, foreignError("GetDefaultAudioEndpoint", err)
	}

	return &wcaDevice{backend: b, mmd: mmDevice}, nil
}

func hresult(err error) (uint32, bool) {
	oleError := &ole.OleError{}
	if errors.As(err, &oleError) {
		return uint32(oleError.Code()), true
	}

	return 0, false
}

func foreignError(op string, err error) error {
	code, ok := hresult(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}

	return &ForeignCallError{Op: op, Code: code}
}

type wcaDeviceCollection struct {
	backend    *wcaBackend
	collection *wca.IMMDeviceCollection
}

func (c *wcaDeviceCollection) Count() (int, error) {
	var count uint32

	if err := c.collection.GetCount(&count); err != nil {
		return 0, foreignError("IMMDeviceCollection::GetCount", err)
	}

	return int(count), nil
}

func (c *wcaDeviceCollection) Item(index int) (Device, error) {
	var mmDevice *wca.IMMDevice

	if err := c.collection.Item(uint32(index), &mmDevice); err != nil {
		return nil, foreignError("IMMDeviceCollection::Item", err)
	}

	return &wcaDevice{backend: c.backend, mmd: mmDevice}, nil
}

func (c *wcaDeviceCollection) Release() {
	c.collection.Release()
}

type wcaDevice struct {
	backend *wcaBackend
	mmd     *wca.IMMDevice
}

func (d *wcaDevice) ID() (string, error) {
	var id string

	if err := d.mmd.GetId(&id); err != nil {
		return "", foreignError("IMMDevice::GetId", err)
	}

	return id, nil
}

func (d *wcaDevice) State() (DeviceState, error) {
	var state uint32

	if err := d.mmd.GetState(&state); err != nil {
		return 0, foreignError("IMMDevice::GetState", err)
	}

	return DeviceState(state), nil
}

func (d *wcaDevice) Flow() (DataFlow, error) {
	dispatch, err := d.mmd.QueryInterface(wca.IID_IMMEndpoint)
	if err != nil {
		return 0, foreignError("IMMDevice::QueryInterface(IMMEndpoint)", err)
	}

	// receive a useful object instead of our dispatch
	endpointType := (*wca.IMMEndpoint)(unsafe.Pointer(dispatch))
	defer endpointType.Release()

	var dataFlow uint32
	if err := endpointType.GetDataFlow(&dataFlow); err != nil {
		return 0, foreignError("IMMEndpoint::GetDataFlow", err)
	}

	return DataFlow(dataFlow), nil
}

func (d *wcaDevice) OpenPropertyStore() (PropertyStore, error) {
	var propertyStore *wca.IPropertyStore

	if err := d.mmd.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return nil, foreignError("IMMDevice::OpenPropertyStore", err)
	}

	return &wcaPropertyStore{store: propertyStore}, nil
}

func (d *wcaDevice) ActivateEndpointVolume() (EndpointVolume, error) {
	var audioEndpointVolume *wca.IAudioEndpointVolume

	if err := win.Activate(d.mmd, wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, &audioEndpointVolume); err != nil {
		return nil, foreignError("IMMDevice::Activate(IAudioEndpointVolume)", err)
	}

	return &wcaEndpointVolume{backend: d.backend, aev: audioEndpointVolume}, nil
}

func (d *wcaDevice) ActivateSessionManager() (SessionManager, error) {
	var audioSessionManager2 *wca.IAudioSessionManager2

	if err := win.Activate(d.mmd, wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, &audioSessionManager2); err != nil {
		return nil, foreignError("IMMDevice::Activate(IAudioSessionManager2)", err)
	}

	return &wcaSessionManager{backend: d.backend, manager: audioSessionManager2}, nil
}

func (d *wcaDevice) Release() {
	d.mmd.Release()
}

type wcaPropertyStore struct {
	store *wca.IPropertyStore
}

func (s *wcaPropertyStore) Count() (int, error) {
	var count uint32

	if err := s.store.GetCount(&count); err != nil {
		return 0, foreignError("IPropertyStore::GetCount", err)
	}

	return int(count), nil
}

func (s *wcaPropertyStore) KeyAt(index int) (PropertyKey, error) {
	key := win.PROPERTYKEY{}

	if err := win.PropertyStoreGetAt(s.store, uint32(index), &key); err != nil {
		return PropertyKey{}, foreignError("IPropertyStore::GetAt", err)
	}

	return NewPropertyKey(key.FmtID.String(), key.PID), nil
}

func (s *wcaPropertyStore) Value(key PropertyKey) (Variant, error) {
	fmtID := ole.NewGUID(key.FormatID)
	if fmtID == nil {
		return Variant{}, fmt.Errorf("invalid property format id %q", key.FormatID)
	}

	rawKey := win.PROPERTYKEY{FmtID: *fmtID, PID: key.PropertyID}
	value := win.PROPVARIANT{}

	if err := win.PropertyStoreGetValue(s.store, &rawKey, &value); err != nil {
		return Variant{}, foreignError("IPropertyStore::GetValue", err)
	}

	// the store allocated whatever the variant points to, and it's ours to free once decoded
	defer func() { _ = win.PropVariantClear(&value) }()

	return DecodeVariant(VarType(value.VT), value.Payload(), win.MemoryReader{})
}

func (s *wcaPropertyStore) Release() {
	s.store.Release()
}

type wcaEndpointVolume struct {
	backend *wcaBackend
	aev     *wca.IAudioEndpointVolume
}

func (v *wcaEndpointVolume) Scalar() (float32, error) {
	var level float32

	if err := v.aev.GetMasterVolumeLevelScalar(&level); err != nil {
		return 0, endpointVolumeError("GetMasterVolumeLevelScalar", err)
	}

	return level, nil
}

func (v *wcaEndpointVolume) SetScalar(level float32, eventContext string) error {
	if err := v.aev.SetMasterVolumeLevelScalar(clampScalar(level), v.backend.eventContext(eventContext)); err != nil {
		return endpointVolumeError("SetMasterVolumeLevelScalar", err)
	}

	return nil
}

func (v *wcaEndpointVolume) Decibels() (float32, error) {
	var level float32

	if err := v.aev.GetMasterVolumeLevel(&level); err != nil {
		return 0, endpointVolumeError("GetMasterVolumeLevel", err)
	}

	return level, nil
}

func (v *wcaEndpointVolume) Mute() (bool, error) {
	var muted bool

	if err := v.aev.GetMute(&muted); err != nil {
		return false, endpointVolumeError("GetMute", err)
	}

	return muted, nil
}

func (v *wcaEndpointVolume) SetMute(mute bool, eventContext string) error {
	if err := v.aev.SetMute(mute, v.backend.eventContext(eventContext)); err != nil {
		return endpointVolumeError("SetMute", err)
	}

	return nil
}

func (v *wcaEndpointVolume) ChannelCount() (uint32, error) {
	var count uint32

	if err := v.aev.GetChannelCount(&count); err != nil {
		return 0, endpointVolumeError("GetChannelCount", err)
	}

	return count, nil
}

func (v *wcaEndpointVolume) ChannelScalar(channel uint32) (float32, error) {
	var level float32

	if err := v.aev.GetChannelVolumeLevelScalar(channel, &level); err != nil {
		return 0, endpointVolumeError("GetChannelVolumeLevelScalar", err)
	}

	return level, nil
}

func (v *wcaEndpointVolume) StepInfo() (uint32, uint32, error) {
	var step, count uint32

	if err := v.aev.GetVolumeStepInfo(&step, &count); err != nil {
		return 0, 0, endpointVolumeError("GetVolumeStepInfo", err)
	}

	return step, count, nil
}

func (v *wcaEndpointVolume) Release() {
	v.aev.Release()
}

func endpointVolumeError(method string, err error) error {
	if code, ok := hresult(err); ok && code == audclntEDeviceInvalidated {
		return unavailable(fmt.Errorf("IAudioEndpointVolume::%s: device invalidated", method))
	}

	return foreignError("IAudioEndpointVolume::"+method, err)
}

type wcaSessionManager struct {
	backend *wcaBackend
	manager *wca.IAudioSessionManager2
}

func (m *wcaSessionManager) Sessions() (SessionCollection, error) {
	var sessionEnumerator *wca.IAudioSessionEnumerator

	if err := m.manager.GetSessionEnumerator(&sessionEnumerator); err != nil {
		return nil, foreignError("IAudioSessionManager2::GetSessionEnumerator", err)
	}

	return &wcaSessionCollection{backend: m.backend, enumerator: sessionEnumerator}, nil
}

func (m *wcaSessionManager) Release() {
	m.manager.Release()
}

type wcaSessionCollection struct {
	backend    *wcaBackend
	enumerator *wca.IAudioSessionEnumerator
}

func (c *wcaSessionCollection) Count() (int, error) {
	var count int

	if err := c.enumerator.GetCount(&count); err != nil {
		return 0, foreignError("IAudioSessionEnumerator::GetCount", err)
	}

	return count, nil
}

func (c *wcaSessionCollection) Item(index int) (SessionHandle, error) {
	var audioSessionControl *wca.IAudioSessionControl

	if err := c.enumerator.GetSession(index, &audioSessionControl); err != nil {
		return nil, foreignError("IAudioSessionEnumerator::GetSession", err)
	}

	// query its IAudioSessionControl2, then we no longer need the IAudioSessionControl
	dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)
	audioSessionControl.Release()

	if err != nil {
		return nil, foreignError("IAudioSessionControl::QueryInterface(IAudioSessionControl2)", err)
	}

	return &wcaSessionHandle{
		backend: c.backend,
		control: (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch)),
	}, nil
}

func (c *wcaSessionCollection) Release() {
	c.enumerator.Release()
}

type wcaSessionHandle struct {
	backend *wcaBackend
	control *wca.IAudioSessionControl2
}

func (h *wcaSessionHandle) Info() (SessionInfo, error) {
	info := SessionInfo{
		SystemSounds: h.control.IsSystemSoundsSession() == nil,
	}

	if err := h.control.GetProcessId(&info.ProcessID); err != nil {
		// the system sounds session and UWP apps report AUDCLNT_S_NO_CURRENT_PROCESS
		// while still filling in the pid, which is fine
		if code, ok := hresult(err); !info.SystemSounds && (!ok || code != audclntSNoCurrentProcess) {
			return SessionInfo{}, foreignError("IAudioSessionControl2::GetProcessId", err)
		}
	}

	var state uint32
	if err := h.control.GetState(&state); err != nil {
		return SessionInfo{}, foreignError("IAudioSessionControl2::GetState", err)
	}
	info.State = SessionState(state)

	if info.State == SessionStateExpired {
		return SessionInfo{}, fmt.Errorf("session of pid %d expired", info.ProcessID)
	}

	// cosmetic attributes; some sessions simply don't set them
	if err := h.control.GetDisplayName(&info.DisplayName); err != nil {
		h.backend.logger.Debugw("Failed to get session display name", "pid", info.ProcessID, "error", err)
	}

	if err := h.control.GetIconPath(&info.IconPath); err != nil {
		h.backend.logger.Debugw("Failed to get session icon path", "pid", info.ProcessID, "error", err)
	}

	grouping := ole.GUID{}
	if err := h.control.GetGroupingParam(&grouping); err == nil {
		info.GroupingID = grouping.String()
	}

	return info, nil
}

func (h *wcaSessionHandle) Volume() (SessionVolume, error) {
	dispatch, err := h.control.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		return nil, foreignError("IAudioSessionControl2::QueryInterface(ISimpleAudioVolume)", err)
	}

	return &wcaSessionVolume{
		backend: h.backend,
		volume:  (*wca.ISimpleAudioVolume)(unsafe.Pointer(dispatch)),
	}, nil
}

func (h *wcaSessionHandle) Release() {
	h.control.Release()
}

type wcaSessionVolume struct {
	backend *wcaBackend
	volume  *wca.ISimpleAudioVolume
}

func (v *wcaSessionVolume) Scalar() (float32, error) {
	var level float32

	if err := v.volume.GetMasterVolume(&level); err != nil {
		return 0, foreignError("ISimpleAudioVolume::GetMasterVolume", err)
	}

	return level, nil
}

func (v *wcaSessionVolume) SetScalar(level float32, eventContext string) error {
	if err := v.volume.SetMasterVolume(clampScalar(level), v.backend.eventContext(eventContext)); err != nil {
		return foreignError("ISimpleAudioVolume::SetMasterVolume", err)
	}

	return nil
}

func (v *wcaSessionVolume) Mute() (bool, error) {
	var muted bool

	if err := v.volume.GetMute(&muted); err != nil {
		return false, foreignError("ISimpleAudioVolume::GetMute", err)
	}

	return muted, nil
}

func (v *wcaSessionVolume) SetMute(mute bool, eventContext string) error {
	if err := v.volume.SetMute(mute, v.backend.eventContext(eventContext)); err != nil {
		return foreignError("ISimpleAudioVolume::SetMute", err)
	}

	return nil
}

func (v *wcaSessionVolume) Release() {
	v.volume.Release()
}
