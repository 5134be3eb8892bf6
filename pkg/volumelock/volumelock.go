// Package volumelock is the desktop host around the enforcer: it loads the config,
// sets up the audio backend and keeps the master volume locked until asked to quit
package volumelock

import (
	"context"
	"embed"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeandeaual/go-locale"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/nik9play/volumelock/pkg/audio"
	"github.com/nik9play/volumelock/pkg/enforcer"
	"github.com/nik9play/volumelock/pkg/icon"
	"github.com/nik9play/volumelock/pkg/notify"
	"github.com/nik9play/volumelock/pkg/volumelock/util"
)

const (

	// when this is set to anything, volumelock won't use a tray icon
	envNoTray = "VOLUMELOCK_NO_TRAY_ICON"

	// passed along with every volume write so other listeners can tell our changes apart
	eventContextGUID = "{1ec920a1-7db8-44ba-9779-e5d28ed9f330}"

	// how long stop waits for an in-flight enforcement tick
	stopTimeout = 5 * time.Second
)

// VolumeLock is the main entity managing access to all sub-components
type VolumeLock struct {
	logger     *zap.SugaredLogger
	notifier   *notify.ToastNotifier
	config     *CanonicalConfig
	backend    audio.Backend
	controller *audio.Controller
	enforcer   *enforcer.Enforcer
	processes  *processCache
	bundle     *i18n.Bundle
	localizer  atomic.Pointer[i18n.Localizer]

	ctx    context.Context
	cancel context.CancelFunc

	stopChannel chan bool
	trayRunning bool
	version     string
	verbose     bool
}

//go:embed lang/active.*.toml
var langFS embed.FS

// NewVolumeLock creates a VolumeLock instance
func NewVolumeLock(logger *zap.SugaredLogger, verbose bool, configPath string) (*VolumeLock, error) {
	logger = logger.Named("volumelock")

	bundle, err := newBundle()
	if err != nil {
		logger.Errorw("Failed to open ru message file", "error", err)
		return nil, fmt.Errorf("load message file: %w", err)
	}

	notifier, err := notify.NewToastNotifier(logger, icon.Logo)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	v := &VolumeLock{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		processes:   newProcessCache(logger),
		bundle:      bundle,
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created volumelock instance")

	return v, nil
}

func newBundle() (*i18n.Bundle, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	if _, err := bundle.LoadMessageFileFS(langFS, "lang/active.ru.toml"); err != nil {
		return nil, err
	}

	return bundle, nil
}

// Initialize sets up components and starts to run in the background
func (v *VolumeLock) Initialize() error {
	v.logger.Debug("Initializing")

	// create temp initialLocalizer because we don't know the language yet
	initialLocalizer := v.GetSystemLocalizer()

	// load the config for the first time
	if err := v.config.Load(initialLocalizer); err != nil {
		v.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	v.updateLocalizer()
	v.notifier.SetEnabled(v.config.Notifications)

	backend, err := audio.NewBackend(v.logger)
	if err != nil {
		v.logger.Errorw("Failed to create audio backend", "error", err)
		return fmt.Errorf("create audio backend: %w", err)
	}

	v.setupAudio(backend)

	// decide whether to run with/without tray
	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet {

		v.logger.Debugw("Running without tray icon", "reason", "envvar set")

		// run in main thread while waiting on ctrl+C
		v.setupInterruptHandler()
		v.run()

	} else {
		v.setupInterruptHandler()
		v.initializeTray(v.run)
	}

	return nil
}

// setupAudio wires the controller and enforcer to backend. The config must be loaded
func (v *VolumeLock) setupAudio(backend audio.Backend) {
	v.backend = backend

	v.controller = audio.NewController(v.logger, backend,
		audio.WithRole(v.config.DeviceRole),
		audio.WithEventContext(eventContextGUID))

	v.enforcer = enforcer.New(v.logger, v.controller, v.config.TargetVolume,
		enforcer.WithInterval(v.config.PollInterval),
		enforcer.WithTolerance(v.config.Tolerance),
		enforcer.WithPIDResolver(v.processes.PIDs),
		enforcer.WithAppLocks(v.config.AppLocks))
}

// GetSystemLocalizer returns a localizer for the OS language, falling back to english
func (v *VolumeLock) GetSystemLocalizer() *i18n.Localizer {
	lang, err := locale.GetLanguage()
	if err != nil {
		v.logger.Warnw("Failed to get system locale", "error", err)
		lang = "en"
	}

	return i18n.NewLocalizer(v.bundle, lang, "en")
}

func (v *VolumeLock) updateLocalizer() {
	lang := v.config.Language
	if lang == defaultLanguage || lang == "" {
		var err error
		lang, err = locale.GetLanguage()

		if err != nil {
			v.logger.Warnw("Failed to get system locale", "error", err)
			lang = "en"
		}
	}

	v.logger.Infof("Selected language: %s", lang)
	v.localizer.Store(i18n.NewLocalizer(v.bundle, lang, "en"))
}

// localize uses the current localizer, which is swapped when the language setting is reloaded
func (v *VolumeLock) localize(config *i18n.LocalizeConfig) string {
	return v.localizer.Load().MustLocalize(config)
}

// SetVersion causes volumelock to add a version string to its tray menu if called before Initialize
func (v *VolumeLock) SetVersion(version string) {
	v.version = version
}

// Verbose returns a boolean indicating whether volumelock is running in verbose mode
func (v *VolumeLock) Verbose() bool {
	return v.verbose
}

func (v *VolumeLock) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		v.logger.Debugw("Interrupted", "signal", signal)
		v.signalStop()
	}()
}

// applies the hot-reloadable part of the config whenever the file changes
func (v *VolumeLock) setupOnConfigReload() {
	configReloadedChannel := v.config.SubscribeToChanges()

	go func() {
		for {
			select {
			case <-v.ctx.Done():
				return
			case <-configReloadedChannel:
				v.applyReloadedConfig()
			}
		}
	}()
}

func (v *VolumeLock) applyReloadedConfig() {
	v.logger.Debug("Applying reloaded config")

	v.enforcer.SetAppLocks(v.config.AppLocks)
	v.notifier.SetEnabled(v.config.Notifications)
	v.updateLocalizer()
}

// enforce right away when the default device changes instead of waiting for the next tick
func (v *VolumeLock) setupOnDeviceChange() {
	notifier, ok := v.backend.(audio.DeviceChangeNotifier)
	if !ok {
		v.logger.Debug("Audio backend has no device change notifications")
		return
	}

	changes := notifier.DefaultDeviceChanges()

	go func() {
		for {
			select {
			case <-v.ctx.Done():
				return
			case <-changes:
				v.logger.Info("Default audio device changed, enforcing now")
				v.enforcer.Nudge()
			}
		}
	}()
}

func (v *VolumeLock) run() {
	v.logger.Info("Run loop starting")

	// watch the config file for changes
	go v.config.WatchConfigFileChanges(v.localizer.Load())

	v.setupOnConfigReload()
	v.setupOnDeviceChange()

	if err := v.enforcer.Start(v.ctx); err != nil {
		v.logger.Errorw("Failed to start enforcer", "error", err)
	} else {
		v.notifyLocked()
	}

	// wait until stopped (gracefully)
	<-v.stopChannel
	v.logger.Debug("Stop channel signaled, terminating")

	if err := v.stop(); err != nil {
		v.logger.Warnw("Failed to stop volumelock", "error", err)
		os.Exit(1)
	}
	// exit with 0
	os.Exit(0)
}

func (v *VolumeLock) notifyLocked() {
	v.notifier.Notify(
		v.localize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "VolumeLockedTitle",
				Other: "Volume locked",
			},
		}),
		v.localize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "VolumeLockedDescription",
				Other: "Master volume is kept at {{.Target}}%",
			},
			TemplateData: map[string]interface{}{
				"Target": util.NormalizePercent(v.enforcer.Target()),
			},
		}))
}

func (v *VolumeLock) signalStop() {
	v.logger.Debug("Signalling stop channel")
	v.stopChannel <- true
}

func (v *VolumeLock) stop() error {
	v.logger.Info("Stopping")

	v.config.StopWatchingConfigFile()

	var err error

	if v.enforcer != nil {
		v.enforcer.Stop()

		select {
		case <-v.enforcer.Done():
		case <-time.After(stopTimeout):
			err = multierr.Append(err, fmt.Errorf("enforcer didn't stop within %s", stopTimeout))
		}

		stats := v.enforcer.Stats()
		v.logger.Infow("Enforcer stopped",
			"ticks", stats.Ticks,
			"corrections", stats.Corrections,
			"failures", stats.Failures)
	}

	v.cancel()

	if v.backend != nil {
		if closeErr := v.backend.Close(); closeErr != nil {
			v.logger.Errorw("Failed to close audio backend", "error", closeErr)
			err = multierr.Append(err, fmt.Errorf("close audio backend: %w", closeErr))
		}
	}

	v.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = v.logger.Sync()

	return err
}
