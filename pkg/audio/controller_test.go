package audio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/audio"
	"github.com/nik9play/volumelock/pkg/audio/audiotest"
)

const tolerance = 0.01

func newController(backend *audiotest.Backend, opts ...audio.ControllerOption) *audio.Controller {
	return audio.NewController(zap.NewNop().Sugar(), backend, opts...)
}

func TestController_MasterVolumeRoundTrip(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5))
	c := newController(backend)

	tests := []struct {
		set  float32
		want float32
	}{
		{set: 0, want: 0},
		{set: 64, want: 64},
		{set: 33.3, want: 33.3},
		{set: 100, want: 100},
		{set: 150, want: 100},
		{set: -20, want: 0},
	}

	for _, tt := range tests {
		require.NoError(t, c.SetMasterVolume(tt.set))

		got, err := c.MasterVolume()
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, tolerance, "set %v", tt.set)
	}

	assertNoLeaks(t, backend)
}

func TestController_ToggleMasterMuteIsInvolution(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5))
	c := newController(backend)

	original, err := c.MasterMute()
	require.NoError(t, err)

	first, err := c.ToggleMasterMute()
	require.NoError(t, err)
	assert.Equal(t, !original, first)

	second, err := c.ToggleMasterMute()
	require.NoError(t, err)
	assert.Equal(t, original, second)

	require.NoError(t, c.SetMasterMute(true))
	muted, err := c.MasterMute()
	require.NoError(t, err)
	assert.True(t, muted)

	assertNoLeaks(t, backend)
}

func TestController_StepMasterVolume(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.4))
	c := newController(backend)

	up, err := c.StepMasterVolume(15)
	require.NoError(t, err)
	assert.InDelta(t, 55, up, tolerance)

	down, err := c.StepMasterVolume(-15)
	require.NoError(t, err)
	assert.InDelta(t, 40, down, tolerance)

	got, err := c.MasterVolume()
	require.NoError(t, err)
	assert.InDelta(t, 40, got, tolerance)

	assertNoLeaks(t, backend)
}

func TestController_StepMasterVolume_Clamps(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.8))
	c := newController(backend)

	up, err := c.StepMasterVolume(50)
	require.NoError(t, err)
	assert.InDelta(t, 100, up, tolerance)

	// stepping back does not return to 80 once the boundary clamped
	down, err := c.StepMasterVolume(-50)
	require.NoError(t, err)
	assert.InDelta(t, 50, down, tolerance)

	low, err := c.StepMasterVolume(-500)
	require.NoError(t, err)
	assert.InDelta(t, 0, low, tolerance)

	high, err := c.StepMasterVolume(500)
	require.NoError(t, err)
	assert.InDelta(t, 100, high, tolerance)

	assertNoLeaks(t, backend)
}

func TestController_MasterState(t *testing.T) {
	speakers := audiotest.NewSpeakers("speakers", 0.5)
	speakers.Step = 25

	backend := audiotest.NewBackend(speakers)
	c := newController(backend)

	state, err := c.MasterState()
	require.NoError(t, err)

	assert.Equal(t, "speakers", state.EndpointID)
	assert.InDelta(t, 50, state.Level, tolerance)
	assert.Equal(t, float32(-10), state.Decibels)
	assert.False(t, state.Muted)
	assert.Len(t, state.ChannelLevels, 2)
	assert.Equal(t, uint32(25), state.Step)
	assert.Equal(t, uint32(51), state.StepCount)
	assertNoLeaks(t, backend)
}

func TestController_MasterUnavailable(t *testing.T) {
	tests := []struct {
		point     audiotest.Point
		readFails bool
		setFails  bool
	}{
		{point: audiotest.FailDefaultEndpoint, readFails: true, setFails: true},
		{point: audiotest.FailActivateVolume, readFails: true, setFails: true},
		{point: audiotest.FailGetScalar, readFails: true, setFails: false},
		{point: audiotest.FailSetScalar, readFails: false, setFails: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.point), func(t *testing.T) {
			backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5))
			backend.FailOn(tt.point, errBoom)
			c := newController(backend)

			_, getErr := c.MasterVolume()
			_, stateErr := c.MasterState()
			setErr := c.SetMasterVolume(10)
			_, stepErr := c.StepMasterVolume(10)

			if tt.readFails {
				assert.ErrorIs(t, getErr, audio.ErrUnavailable)
				assert.ErrorIs(t, getErr, errBoom)
				assert.ErrorIs(t, stateErr, audio.ErrUnavailable)
			} else {
				assert.NoError(t, getErr)
				assert.NoError(t, stateErr)
			}

			if tt.setFails {
				assert.ErrorIs(t, setErr, audio.ErrUnavailable)
				assert.ErrorIs(t, setErr, errBoom)
			} else {
				assert.NoError(t, setErr)
			}

			// stepping both reads and writes
			assert.ErrorIs(t, stepErr, audio.ErrUnavailable)
			assertNoLeaks(t, backend)
		})
	}
}

func TestController_NoDefaultDevice(t *testing.T) {
	backend := audiotest.NewBackend()
	c := newController(backend)

	_, err := c.MasterVolume()

	assert.ErrorIs(t, err, audio.ErrUnavailable)
	assert.ErrorIs(t, err, audio.ErrNoDefaultDevice)
}

func TestController_ApplicationVolume(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 1000, DisplayName: "player"}, Level: 0.3},
	))
	c := newController(backend, audio.WithEventContext("{1ec920a1-7db8-44ba-9779-e5d28ed9f330}"))

	level, err := c.ApplicationVolume(1000)
	require.NoError(t, err)
	assert.InDelta(t, 30, level, tolerance)

	require.NoError(t, c.SetApplicationVolume(1000, 120))
	level, err = c.ApplicationVolume(1000)
	require.NoError(t, err)
	assert.InDelta(t, 100, level, tolerance)
	assert.Equal(t, "{1ec920a1-7db8-44ba-9779-e5d28ed9f330}", backend.LastEventContext())

	require.NoError(t, c.SetApplicationMute(1000, true))
	muted, err := c.ApplicationMute(1000)
	require.NoError(t, err)
	assert.True(t, muted)

	assertNoLeaks(t, backend)
}

func TestController_ApplicationNotFound(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 1000}},
	))
	c := newController(backend)

	_, err := c.ApplicationVolume(4242)
	assert.ErrorIs(t, err, audio.ErrSessionNotFound)
	assert.NotErrorIs(t, err, audio.ErrUnavailable)

	assert.ErrorIs(t, c.SetApplicationVolume(4242, 50), audio.ErrSessionNotFound)

	_, err = c.ApplicationMute(4242)
	assert.ErrorIs(t, err, audio.ErrSessionNotFound)

	assert.ErrorIs(t, c.SetApplicationMute(4242, true), audio.ErrSessionNotFound)
	assertNoLeaks(t, backend)
}

func TestController_ApplicationUnavailable(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 1000}},
	))
	backend.FailOn(audiotest.FailActivateSessions, errBoom)
	c := newController(backend)

	_, err := c.ApplicationVolume(1000)

	assert.ErrorIs(t, err, audio.ErrUnavailable)
	assert.ErrorIs(t, err, audio.ErrActivationFailed)
	assertNoLeaks(t, backend)
}

func TestController_Sessions(t *testing.T) {
	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
		&audiotest.Session{Info: audio.SessionInfo{SystemSounds: true}, Level: 1},
		&audiotest.Session{Info: audio.SessionInfo{ProcessID: 1000, DisplayName: "player"}, Level: 0.3, Muted: true},
	))
	c := newController(backend)

	sessions, err := c.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.True(t, sessions[0].SystemSounds)
	assert.Equal(t, uint32(1000), sessions[1].ProcessID)
	assert.InDelta(t, 30, sessions[1].Level, tolerance)
	assert.True(t, sessions[1].Muted)
	assertNoLeaks(t, backend)
}

func TestController_Endpoints(t *testing.T) {
	mic := audiotest.NewSpeakers("mic", 0.1)
	mic.Flow = audio.FlowCapture

	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5), mic)
	c := newController(backend)

	endpoints, err := c.Endpoints(audio.FlowCapture)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "mic", endpoints[0].ID)

	endpoints, err = c.Endpoints(audio.FlowAll)
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)
	assertNoLeaks(t, backend)
}

func TestController_Endpoints_UndecodablePropertyKeepsListing(t *testing.T) {
	hdmi := audiotest.NewSpeakers("hdmi", 0.5)
	hdmi.Properties = append(hdmi.Properties, audiotest.Property{
		Key:    audio.NewPropertyKey("{b3f8fa53-0004-438e-9003-51a46e139bfc}", 2),
		RawTag: 72,
		Raw:    make([]byte, 16),
	})

	backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5), hdmi)
	c := newController(backend)

	endpoints, err := c.Endpoints(audio.FlowRender)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	assert.Empty(t, endpoints[0].PropertyErrors)
	assert.Equal(t, "hdmi", endpoints[1].ID)
	assert.Equal(t, "Speakers (hdmi)", endpoints[1].FriendlyName())
	assert.Len(t, endpoints[1].PropertyErrors, 1)
	assertNoLeaks(t, backend)
}

func TestController_EveryFailurePointReleasesEverything(t *testing.T) {
	points := []audiotest.Point{
		audiotest.FailEnumerate, audiotest.FailDefaultEndpoint, audiotest.FailDeviceCount,
		audiotest.FailDeviceItem, audiotest.FailDeviceID, audiotest.FailOpenPropertyStore,
		audiotest.FailActivateVolume, audiotest.FailActivateSessions, audiotest.FailPropertyCount,
		audiotest.FailPropertyValue, audiotest.FailSessions, audiotest.FailSessionCount,
		audiotest.FailSessionItem, audiotest.FailSessionVolume, audiotest.FailGetScalar,
		audiotest.FailSetScalar, audiotest.FailGetMute, audiotest.FailSetMute,
		audiotest.FailSessionGetScalar, audiotest.FailSessionSetScalar, audiotest.FailChannelScalar,
		audiotest.FailStepInfo, audiotest.FailSessionMuteRead, audiotest.FailSessionMuteWrite,
		audiotest.FailEndpointVolumeRead,
	}

	for _, point := range points {
		t.Run(string(point), func(t *testing.T) {
			backend := audiotest.NewBackend(audiotest.NewSpeakers("speakers", 0.5,
				&audiotest.Session{Info: audio.SessionInfo{ProcessID: 1000}, Level: 0.5},
			))
			backend.FailOn(point, errBoom)
			c := newController(backend)

			_, _ = c.MasterVolume()
			_ = c.SetMasterVolume(30)
			_, _ = c.StepMasterVolume(5)
			_, _ = c.ToggleMasterMute()
			_, _ = c.MasterState()
			_, _ = c.ApplicationVolume(1000)
			_ = c.SetApplicationVolume(1000, 30)
			_, _ = c.ApplicationMute(1000)
			_ = c.SetApplicationMute(1000, true)
			_, _ = c.Sessions()
			_, _ = c.Endpoints(audio.FlowAll)

			assertNoLeaks(t, backend)
		})
	}
}
