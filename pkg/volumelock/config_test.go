package volumelock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/nik9play/volumelock/pkg/audio"
	"github.com/nik9play/volumelock/pkg/enforcer"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title string, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.titles...)
}

func testLocalizer() *i18n.Localizer {
	return i18n.NewLocalizer(i18n.NewBundle(language.English), "en")
}

func writeConfig(t *testing.T, path string, contents string) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func newTestConfig(t *testing.T, contents string) (*CanonicalConfig, *recordingNotifier, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if contents != "" {
		writeConfig(t, path, contents)
	}

	notifier := &recordingNotifier{}

	cc, err := NewConfig(zap.NewNop().Sugar(), notifier, path)
	require.NoError(t, err)

	return cc, notifier, path
}

func TestConfig_CreatesDefaults(t *testing.T) {
	cc, _, path := newTestConfig(t, "")

	require.NoError(t, cc.Load(testLocalizer()))

	assert.FileExists(t, path)
	assert.Equal(t, float32(64), cc.TargetVolume)
	assert.Equal(t, time.Second, cc.PollInterval)
	assert.Equal(t, float32(0.5), cc.Tolerance)
	assert.Equal(t, audio.RoleMultimedia, cc.DeviceRole)
	assert.Empty(t, cc.AppLocks)
	assert.True(t, cc.Notifications)
	assert.Equal(t, "auto", cc.Language)

	// the written defaults load back the same
	again, err := NewConfig(zap.NewNop().Sugar(), &recordingNotifier{}, path)
	require.NoError(t, err)
	require.NoError(t, again.Load(testLocalizer()))
	assert.Equal(t, cc.TargetVolume, again.TargetVolume)
	assert.Equal(t, cc.PollInterval, again.PollInterval)
}

func TestConfig_ParsesValues(t *testing.T) {
	cc, _, _ := newTestConfig(t, `
target_volume: 30.5
poll_interval: 250ms
tolerance: 1
device_role: console
notifications: false
language: RU
app_locks:
  Player.exe: 20
  chat.exe: 35
`)

	require.NoError(t, cc.Load(testLocalizer()))

	assert.Equal(t, float32(30.5), cc.TargetVolume)
	assert.Equal(t, 250*time.Millisecond, cc.PollInterval)
	assert.Equal(t, float32(1), cc.Tolerance)
	assert.Equal(t, audio.RoleConsole, cc.DeviceRole)
	assert.False(t, cc.Notifications)
	assert.Equal(t, "ru", cc.Language)
	assert.Equal(t, []enforcer.AppLock{
		{Name: "chat.exe", Target: 35},
		{Name: "player.exe", Target: 20},
	}, cc.AppLocks)
}

func TestConfig_EnvOverride(t *testing.T) {
	t.Setenv("VOLUMELOCK_TARGET_VOLUME", "42")

	cc, _, _ := newTestConfig(t, "target_volume: 64\n")

	require.NoError(t, cc.Load(testLocalizer()))
	assert.Equal(t, float32(42), cc.TargetVolume)
}

func TestConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{name: "target too high", contents: "target_volume: 150\n"},
		{name: "target negative", contents: "target_volume: -1\n"},
		{name: "interval too short", contents: "poll_interval: 10ms\n"},
		{name: "negative tolerance", contents: "tolerance: -0.5\n"},
		{name: "unknown role", contents: "device_role: speakers\n"},
		{name: "app lock out of range", contents: "app_locks:\n  player.exe: 101\n"},
		{name: "target not a number", contents: "target_volume: .nan\n"},
		{name: "tolerance not a number", contents: "tolerance: .nan\n"},
		{name: "app lock not a number", contents: "app_locks:\n  player.exe: .nan\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, _, _ := newTestConfig(t, tt.contents)

			assert.Error(t, cc.Load(testLocalizer()))
		})
	}
}

func TestConfig_InvalidYAMLNotifies(t *testing.T) {
	cc, notifier, _ := newTestConfig(t, "target_volume: [64\n")

	require.Error(t, cc.Load(testLocalizer()))
	assert.Equal(t, []string{"Invalid configuration!"}, notifier.Titles())
}

func TestConfig_ReloadKeepsStartupValues(t *testing.T) {
	cc, notifier, path := newTestConfig(t, `
target_volume: 64
app_locks:
  player.exe: 20
`)

	require.NoError(t, cc.Load(testLocalizer()))

	changes := cc.SubscribeToChanges()

	writeConfig(t, path, `
target_volume: 10
notifications: false
app_locks:
  chat.exe: 50
`)
	cc.reload(testLocalizer())

	assert.Equal(t, float32(64), cc.TargetVolume, "target only applies on start")
	assert.Equal(t, []enforcer.AppLock{{Name: "chat.exe", Target: 50}}, cc.AppLocks)
	assert.False(t, cc.Notifications)
	assert.Equal(t, []string{"Configuration reloaded!"}, notifier.Titles())

	select {
	case <-changes:
	default:
		t.Fatal("subscriber was not notified")
	}
}

func TestConfig_FailedReloadKeepsValues(t *testing.T) {
	cc, notifier, path := newTestConfig(t, "app_locks:\n  player.exe: 20\n")

	require.NoError(t, cc.Load(testLocalizer()))
	changes := cc.SubscribeToChanges()

	writeConfig(t, path, "app_locks:\n  player.exe: 500\n")
	cc.reload(testLocalizer())

	assert.Equal(t, []enforcer.AppLock{{Name: "player.exe", Target: 20}}, cc.AppLocks)
	assert.Empty(t, notifier.Titles())
	assert.Empty(t, changes)
}

func TestConfig_StopWithoutWatcher(t *testing.T) {
	cc, _, _ := newTestConfig(t, "")

	assert.NotPanics(t, cc.StopWatchingConfigFile)
}
