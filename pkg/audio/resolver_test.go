package audio_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/audio"
	"github.com/nik9play/volumelock/pkg/audio/audiotest"
)

var errBoom = errors.New("boom")

func newResolver(backend *audiotest.Backend) *audio.Resolver {
	return audio.NewResolver(zap.NewNop().Sugar(), backend)
}

func assertNoLeaks(t *testing.T, backend *audiotest.Backend) {
	t.Helper()

	assert.Zero(t, backend.Outstanding(), "outstanding handles")
	assert.Zero(t, backend.OverReleased(), "handles released twice")
}

func TestResolver_ListActiveEndpoints(t *testing.T) {
	disabled := audiotest.NewSpeakers("disabled", 0.1)
	disabled.State = audio.DeviceStateDisabled

	mic := audiotest.NewSpeakers("mic", 0.1)
	mic.Flow = audio.FlowCapture

	backend := audiotest.NewBackend(audiotest.NewSpeakers("a", 0.5), disabled, mic, audiotest.NewSpeakers("b", 0.5))
	r := newResolver(backend)

	it, err := r.ListActiveEndpoints(audio.FlowRender)
	require.NoError(t, err)

	ids := []string{}
	for it.Next() {
		id, err := it.Device().ID()
		require.NoError(t, err)

		ids = append(ids, id)
	}
	require.NoError(t, it.Err())

	// exhausted iterators stay exhausted
	assert.False(t, it.Next())

	it.Close()
	it.Close()

	assert.Equal(t, []string{"a", "b"}, ids)
	assertNoLeaks(t, backend)
}

func TestResolver_ListActiveEndpoints_All(t *testing.T) {
	mic := audiotest.NewSpeakers("mic", 0.1)
	mic.Flow = audio.FlowCapture

	backend := audiotest.NewBackend(audiotest.NewSpeakers("a", 0.5), mic)
	r := newResolver(backend)

	it, err := r.ListActiveEndpoints(audio.FlowAll)
	require.NoError(t, err)
	defer it.Close()

	count := 0
	for it.Next() {
		count++
	}

	assert.Equal(t, 2, count)
}

func TestResolver_EndpointIterator_Take(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("a", 0.5), audiotest.NewSpeakers("b", 0.5))
	r := newResolver(backend)

	it, err := r.ListActiveEndpoints(audio.FlowRender)
	require.NoError(t, err)

	require.True(t, it.Next())
	taken := it.Take()

	// stopping early releases the snapshot but not the taken device
	it.Close()
	assert.Equal(t, 1, backend.Outstanding())

	taken.Release()
	assertNoLeaks(t, backend)
}

func TestResolver_ListActiveEndpoints_Failures(t *testing.T) {
	for _, point := range []audiotest.Point{audiotest.FailEnumerate, audiotest.FailDeviceCount} {
		t.Run(string(point), func(t *testing.T) {
			backend := audiotest.NewBackend(audiotest.NewSpeakers("a", 0.5))
			backend.FailOn(point, errBoom)

			_, err := newResolver(backend).ListActiveEndpoints(audio.FlowRender)

			assert.ErrorIs(t, err, errBoom)
			assertNoLeaks(t, backend)
		})
	}
}

func TestResolver_EndpointIterator_ItemFailure(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("a", 0.5))
	backend.FailOn(audiotest.FailDeviceItem, errBoom)

	it, err := newResolver(backend).ListActiveEndpoints(audio.FlowRender)
	require.NoError(t, err)

	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), errBoom)

	it.Close()
	assertNoLeaks(t, backend)
}

func TestResolver_DefaultRenderEndpoint_None(t *testing.T) {
	mic := audiotest.NewSpeakers("mic", 0.1)
	mic.Flow = audio.FlowCapture

	backend := audiotest.NewBackend(mic)

	_, err := newResolver(backend).DefaultRenderEndpoint(audio.RoleMultimedia)

	assert.ErrorIs(t, err, audio.ErrNoDefaultDevice)
	assertNoLeaks(t, backend)
}

func TestResolver_ActivateMasterVolumeControl_Refused(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5))
	backend.FailOn(audiotest.FailActivateVolume, errBoom)
	r := newResolver(backend)

	device, err := r.DefaultRenderEndpoint(audio.RoleMultimedia)
	require.NoError(t, err)

	_, err = r.ActivateMasterVolumeControl(device)
	device.Release()

	require.ErrorIs(t, err, audio.ErrActivationFailed)
	assert.ErrorIs(t, err, errBoom)

	var activationErr *audio.ActivationError
	require.ErrorAs(t, err, &activationErr)
	assert.Equal(t, "speakers", activationErr.EndpointID)

	assertNoLeaks(t, backend)
}

func TestResolver_ListSessions_SkipsEndedSessions(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 10, DisplayName: "first"}, Level: 0.1},
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 11}, InfoErr: errBoom},
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 12}, Level: 0.3},
	))
	r := newResolver(backend)

	device, err := r.DefaultRenderEndpoint(audio.RoleMultimedia)
	require.NoError(t, err)
	defer device.Release()

	it, err := r.ListSessions(device)
	require.NoError(t, err)

	pids := []uint32{}
	for it.Next() {
		session := it.Session()
		pids = append(pids, session.Info.ProcessID)

		level, err := session.Volume.Scalar()
		require.NoError(t, err)
		assert.Greater(t, level, float32(0))
	}
	require.NoError(t, it.Err())
	it.Close()

	assert.Equal(t, []uint32{10, 12}, pids)
	assert.Equal(t, 1, backend.Outstanding(), "only the device should remain")
}

func TestResolver_ListSessions_Failures(t *testing.T) {
	points := []audiotest.Point{
		audiotest.FailActivateSessions,
		audiotest.FailSessions,
		audiotest.FailSessionCount,
	}

	for _, point := range points {
		t.Run(string(point), func(t *testing.T) {
			backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
				&audiotest.Session{Info: audio.SessionInfo{ProcessID: 10}},
			))
			backend.FailOn(point, errBoom)
			r := newResolver(backend)

			device, err := r.DefaultRenderEndpoint(audio.RoleMultimedia)
			require.NoError(t, err)

			_, err = r.ListSessions(device)
			device.Release()

			assert.ErrorIs(t, err, errBoom)
			assertNoLeaks(t, backend)
		})
	}
}

func TestResolver_FindSessionByProcessID(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 10}, Level: 0.1},
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 20}, Level: 0.2},
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 20}, Level: 0.9},
	))
	r := newResolver(backend)

	device, err := r.DefaultRenderEndpoint(audio.RoleMultimedia)
	require.NoError(t, err)
	defer device.Release()

	volume, found, err := r.FindSessionByProcessID(device, 20)
	require.NoError(t, err)
	require.True(t, found)

	// first match in enumeration order wins
	level, err := volume.Scalar()
	require.NoError(t, err)
	assert.Equal(t, float32(0.2), level)

	volume.Release()
	assert.Equal(t, 1, backend.Outstanding())
}

func TestResolver_FindSessionByProcessID_NotFound(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 10}},
	))
	r := newResolver(backend)

	device, err := r.DefaultRenderEndpoint(audio.RoleMultimedia)
	require.NoError(t, err)

	volume, found, err := r.FindSessionByProcessID(device, 4242)
	device.Release()

	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, volume)
	assertNoLeaks(t, backend)
}

func TestResolver_FindSessionByProcessID_ItemFailure(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 10}},
	))
	backend.FailOn(audiotest.FailSessionItem, errBoom)
	r := newResolver(backend)

	device, err := r.DefaultRenderEndpoint(audio.RoleMultimedia)
	require.NoError(t, err)

	_, found, err := r.FindSessionByProcessID(device, 10)
	device.Release()

	assert.ErrorIs(t, err, errBoom)
	assert.False(t, found)
	assertNoLeaks(t, backend)
}

func TestResolver_DescribeEndpoint(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5))
	r := newResolver(backend)

	device, err := r.DefaultRenderEndpoint(audio.RoleMultimedia)
	require.NoError(t, err)

	endpoint, err := r.DescribeEndpoint(device)
	device.Release()
	require.NoError(t, err)

	assert.Equal(t, "speakers", endpoint.ID)
	assert.Equal(t, audio.DeviceStateActive, endpoint.State)
	assert.Equal(t, audio.FlowRender, endpoint.Flow)
	assert.Equal(t, "Speakers (speakers)", endpoint.FriendlyName())
	assert.Equal(t, "Speakers", endpoint.Description())
	assert.Len(t, endpoint.Properties, 3)
	assertNoLeaks(t, backend)
}

func TestResolver_DescribeEndpoint_UnsupportedVariantPropagates(t *testing.T) {
	exotic := audio.NewPropertyKey("b3f8fa53-0004-438e-9003-51a46e139bfc", 6)

	speakers := audiotest.NewSpeakers("speakers", 0.5)
	speakers.Properties = append(speakers.Properties, audiotest.Property{
		Key:    exotic,
		RawTag: 9999,
		Raw:    make([]byte, 16),
	})

	backend := audiotest.NewBackend(speakers)
	r := newResolver(backend)

	device, err := r.DefaultRenderEndpoint(audio.RoleMultimedia)
	require.NoError(t, err)

	endpoint, err := r.DescribeEndpoint(device)
	device.Release()
	require.NoError(t, err)

	// the other properties are still there
	assert.Equal(t, "Speakers (speakers)", endpoint.FriendlyName())
	assert.Len(t, endpoint.Properties, 3)
	assert.NotContains(t, endpoint.Properties, exotic)

	_, err = endpoint.Property(exotic)

	var kindErr *audio.UnsupportedVariantKindError
	require.ErrorAs(t, err, &kindErr)
	assert.Equal(t, audio.VarType(9999), kindErr.Tag)

	value, err := endpoint.Property(audio.KeyDeviceDescription)
	require.NoError(t, err)
	assert.Equal(t, "Speakers", value.String())

	assertNoLeaks(t, backend)
}

func TestResolver_DescribeEndpoint_Failures(t *testing.T) {
	points := []audiotest.Point{
		audiotest.FailOpenPropertyStore,
		audiotest.FailPropertyCount,
		audiotest.FailPropertyValue,
	}

	for _, point := range points {
		t.Run(string(point), func(t *testing.T) {
			backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5))
			backend.FailOn(point, errBoom)
			r := newResolver(backend)

			device, err := r.DefaultRenderEndpoint(audio.RoleMultimedia)
			require.NoError(t, err)

			_, err = r.DescribeEndpoint(device)
			device.Release()

			assert.ErrorIs(t, err, errBoom)
			assertNoLeaks(t, backend)
		})
	}
}

func TestResolver_SessionVolumeControl_NotFound(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5))

	_, err := newResolver(backend).SessionVolumeControl(audio.RoleMultimedia, 1)

	assert.ErrorIs(t, err, audio.ErrSessionNotFound)
	assertNoLeaks(t, backend)
}

func TestResolver_MasterVolumeControl(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.25))

	volume, err := newResolver(backend).MasterVolumeControl(audio.RoleConsole)
	require.NoError(t, err)

	// the device was released on the way, only the control remains
	assert.Equal(t, 1, backend.Outstanding())

	level, err := volume.Scalar()
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), level)

	volume.Release()
	assertNoLeaks(t, backend)
}
