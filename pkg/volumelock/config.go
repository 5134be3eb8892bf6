package volumelock

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/audio"
	"github.com/nik9play/volumelock/pkg/enforcer"
	"github.com/nik9play/volumelock/pkg/notify"
	"github.com/nik9play/volumelock/pkg/volumelock/util"
)

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for volumelock's configuration file
type CanonicalConfig struct {
	TargetVolume  float32
	PollInterval  time.Duration
	Tolerance     float32
	DeviceRole    audio.Role
	AppLocks      []enforcer.AppLock
	Notifications bool
	Language      string

	logger     *zap.SugaredLogger
	notifier   notify.Notifier
	configPath string

	// set after the first successful load; these fields only apply on start
	loaded bool

	lock               sync.Mutex
	stopWatcherChannel chan bool
	reloadConsumers    []chan bool

	userConfig *viper.Viper
}

const (
	// DefaultConfigPath is used when no config file is given on the command line
	DefaultConfigPath = "config.yaml"

	configType = "yaml"

	configKeyTargetVolume  = "target_volume"
	configKeyPollInterval  = "poll_interval"
	configKeyTolerance     = "tolerance"
	configKeyDeviceRole    = "device_role"
	configKeyAppLocks      = "app_locks"
	configKeyNotifications = "notifications"
	configKeyLanguage      = "language"

	envPrefix = "VOLUMELOCK"

	defaultTargetVolume = 64
	defaultPollInterval = time.Second
	defaultTolerance    = enforcer.DefaultTolerance
	defaultDeviceRole   = "multimedia"
	defaultLanguage     = "auto"

	// anything faster just burns CPU for no benefit
	minPollInterval = 50 * time.Millisecond
)

// NewConfig creates a config instance for volumelock and sets up viper instances for volumelock's config files
func NewConfig(logger *zap.SugaredLogger, notifier notify.Notifier, configPath string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	if configPath == "" {
		configPath = DefaultConfigPath
	}

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		configPath:         configPath,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// "::" so that dotted process names (player.exe) stay single keys under app_locks
	userConfig := viper.NewWithOptions(viper.KeyDelimiter("::"))
	userConfig.SetConfigFile(configPath)
	userConfig.SetConfigType(configType)

	userConfig.SetEnvPrefix(envPrefix)
	userConfig.AutomaticEnv()

	userConfig.SetDefault(configKeyTargetVolume, defaultTargetVolume)
	userConfig.SetDefault(configKeyPollInterval, defaultPollInterval.String())
	userConfig.SetDefault(configKeyTolerance, defaultTolerance)
	userConfig.SetDefault(configKeyDeviceRole, defaultDeviceRole)
	userConfig.SetDefault(configKeyAppLocks, map[string]float32{})
	userConfig.SetDefault(configKeyNotifications, true)
	userConfig.SetDefault(configKeyLanguage, defaultLanguage)

	cc.userConfig = userConfig

	logger.Debugw("Created config instance", "path", configPath)

	return cc, nil
}

// Path returns the config file location
func (cc *CanonicalConfig) Path() string {
	return cc.configPath
}

// Load reads volumelock's config files from disk and tries to parse them. A missing
// config file is created with the default values
func (cc *CanonicalConfig) Load(localizer *i18n.Localizer) error {
	cc.logger.Debugw("Loading config", "path", cc.configPath)

	if !util.FileExists(cc.configPath) {
		if err := cc.writeDefaults(); err != nil {
			cc.logger.Warnw("Failed to create default config file", "path", cc.configPath, "error", err)

			cc.notifier.Notify(
				localizer.MustLocalize(&i18n.LocalizeConfig{
					DefaultMessage: &i18n.Message{
						ID:    "ConfigNotFoundTitle",
						Other: "Can't find configuration!",
					},
				}),
				localizer.MustLocalize(&i18n.LocalizeConfig{
					DefaultMessage: &i18n.Message{
						ID:    "ConfigNotFoundDescription",
						Other: "{{.ConfigFilepath}} must be in the same directory as volumelock. Please re-launch",
					},
					TemplateData: map[string]string{
						"ConfigFilepath": cc.configPath,
					},
				}))

			return fmt.Errorf("config file doesn't exist: %s", cc.configPath)
		}
	}

	// parse the config file
	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if errors.As(err, &viper.ConfigParseError{}) {
			cc.notifier.Notify(
				localizer.MustLocalize(&i18n.LocalizeConfig{
					DefaultMessage: &i18n.Message{
						ID:    "InvalidConfigTitle",
						Other: "Invalid configuration!",
					},
				}),
				localizer.MustLocalize(&i18n.LocalizeConfig{
					DefaultMessage: &i18n.Message{
						ID:    "InvalidConfigDescription",
						Other: "Please make sure {{.ConfigFilepath}} is in a valid YAML format.",
					},
					TemplateData: map[string]string{
						"ConfigFilepath": cc.configPath,
					},
				}))
		}

		return fmt.Errorf("read user config: %w", err)
	}

	// canonize the configuration with viper's helpers
	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"targetVolume", cc.TargetVolume,
		"pollInterval", cc.PollInterval,
		"tolerance", cc.Tolerance,
		"deviceRole", cc.DeviceRole,
		"appLocks", cc.AppLocks,
		"notifications", cc.Notifications,
		"language", cc.Language)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.lock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.lock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges(localizer *i18n.Localizer) {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.configPath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				cc.reload(localizer)

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	cc.userConfig.WatchConfig()

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
		// nobody is watching
	}
}

func (cc *CanonicalConfig) reload(localizer *i18n.Localizer) {
	if err := cc.Load(localizer); err != nil {
		cc.logger.Warnw("Failed to reload config file", "error", err)
		return
	}

	cc.logger.Info("Reloaded config successfully")

	cc.notifier.Notify(
		localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ConfigReloadedTitle",
				Other: "Configuration reloaded!",
			},
		}),
		localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ConfigReloadedDescription",
				Other: "Your changes have been applied.",
			},
		}))

	cc.onConfigReloaded()
}

func (cc *CanonicalConfig) writeDefaults() error {
	if err := util.EnsureDirExists(filepath.Dir(cc.configPath)); err != nil {
		return err
	}

	if err := cc.userConfig.SafeWriteConfigAs(cc.configPath); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	cc.logger.Infow("Created default config file", "path", cc.configPath)

	return nil
}

func (cc *CanonicalConfig) populateFromVipers() error {
	targetVolume := float32(cc.userConfig.GetFloat64(configKeyTargetVolume))
	if !validPercent(targetVolume) {
		return fmt.Errorf("%s must be between 0 and 100, got %v", configKeyTargetVolume, targetVolume)
	}

	pollInterval := cc.userConfig.GetDuration(configKeyPollInterval)
	if pollInterval < minPollInterval {
		return fmt.Errorf("%s must be at least %s, got %s", configKeyPollInterval, minPollInterval, pollInterval)
	}

	tolerance := float32(cc.userConfig.GetFloat64(configKeyTolerance))
	if math.IsNaN(float64(tolerance)) || tolerance < 0 {
		return fmt.Errorf("%s must be a non-negative number, got %v", configKeyTolerance, tolerance)
	}

	deviceRole, err := audio.ParseRole(cc.userConfig.GetString(configKeyDeviceRole))
	if err != nil {
		return fmt.Errorf("parse %s: %w", configKeyDeviceRole, err)
	}

	appLocks, err := cc.parseAppLocks()
	if err != nil {
		return err
	}

	if !cc.loaded {
		cc.TargetVolume = targetVolume
		cc.PollInterval = pollInterval
		cc.Tolerance = tolerance
		cc.DeviceRole = deviceRole
	} else {
		cc.warnIfChanged(configKeyTargetVolume, cc.TargetVolume, targetVolume)
		cc.warnIfChanged(configKeyPollInterval, cc.PollInterval, pollInterval)
		cc.warnIfChanged(configKeyTolerance, cc.Tolerance, tolerance)
		cc.warnIfChanged(configKeyDeviceRole, cc.DeviceRole, deviceRole)
	}

	cc.AppLocks = appLocks
	cc.Notifications = cc.userConfig.GetBool(configKeyNotifications)
	cc.Language = strings.ToLower(cc.userConfig.GetString(configKeyLanguage))

	cc.loaded = true

	return nil
}

func (cc *CanonicalConfig) warnIfChanged(key string, current, updated interface{}) {
	if current != updated {
		cc.logger.Warnw("Config value changed, restart volumelock to apply it",
			"key", key,
			"current", current,
			"new", updated)
	}
}

func (cc *CanonicalConfig) parseAppLocks() ([]enforcer.AppLock, error) {
	levels := map[string]float32{}

	if err := cc.userConfig.UnmarshalKey(configKeyAppLocks, &levels); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configKeyAppLocks, err)
	}

	// process names are matched case-insensitively, so "Player.exe" and "player.exe" are the same lock
	normalized := map[string]float32{}
	for name, level := range levels {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}

		if !validPercent(level) {
			return nil, fmt.Errorf("%s.%s must be between 0 and 100, got %v", configKeyAppLocks, name, level)
		}

		normalized[name] = level
	}

	names := funk.Keys(normalized).([]string)
	sort.Strings(names)

	locks := make([]enforcer.AppLock, 0, len(names))
	for _, name := range names {
		locks = append(locks, enforcer.AppLock{Name: name, Target: normalized[name]})
	}

	return locks, nil
}

// validPercent rejects NaN as well, which slips through plain range comparisons
func validPercent(v float32) bool {
	return !math.IsNaN(float64(v)) && v >= 0 && v <= 100
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.lock.Lock()
	defer cc.lock.Unlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already pending for this consumer
		}
	}
}
