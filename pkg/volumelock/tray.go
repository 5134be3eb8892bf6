package volumelock

import (
	"fmt"
	"time"

	"github.com/getlantern/systray"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	"github.com/nik9play/volumelock/pkg/icon"
	"github.com/nik9play/volumelock/pkg/volumelock/util"
)

// how often the status line under the tray icon is refreshed
const trayStatusRefreshInterval = 5 * time.Second

func (v *VolumeLock) initializeTray(onDone func()) {
	logger := v.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")
		v.trayRunning = true

		systray.SetTemplateIcon(icon.Logo, icon.Logo)
		systray.SetTitle("volumelock")
		systray.SetTooltip(v.statusText())

		status := systray.AddMenuItem(v.statusText(), "")
		status.Disable()

		systray.AddSeparator()

		configTitle := v.localize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "EditConfigTitle",
				Other: "Edit configuration",
			},
		})
		configDescription := v.localize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "EditConfigDescription",
				Other: "Open config file with the default editor",
			},
		})
		editConfig := systray.AddMenuItem(configTitle, configDescription)
		editConfig.SetIcon(icon.EditConfig)

		if v.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(v.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()

		quitTitle := v.localize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "QuitTitle",
				Other: "Close",
			},
		})
		quitDescription := v.localize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "QuitDescription",
				Other: "Stop locking the volume and quit",
			},
		})
		quit := systray.AddMenuItem(quitTitle, quitDescription)

		refresh := time.NewTicker(trayStatusRefreshInterval)

		// wait on things to happen
		go func() {
			defer refresh.Stop()

			for {
				select {

				// quit
				case <-quit.ClickedCh:
					logger.Info("Close menu item clicked, stopping")

					v.signalStop()

					return

				// edit config
				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					if err := util.OpenExternal(logger, v.config.Path()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				// keep the status line current
				case <-refresh.C:
					text := v.statusText()

					status.SetTitle(text)
					systray.SetTooltip(text)
				}
			}
		}()

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (v *VolumeLock) statusText() string {
	target := util.NormalizePercent(v.enforcer.Target())

	return v.localize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{
			ID:    "StatusTitle",
			One:   "Locked at {{.Target}}%, {{.Corrections}} correction",
			Other: "Locked at {{.Target}}%, {{.Corrections}} corrections",
		},
		TemplateData: map[string]interface{}{
			"Target":      fmt.Sprintf("%v", target),
			"Corrections": v.enforcer.Stats().Corrections,
		},
		PluralCount: int(v.enforcer.Stats().Corrections),
	})
}

func (v *VolumeLock) stopTray() {
	if !v.trayRunning {
		return
	}

	v.logger.Debug("Quitting tray")
	systray.Quit()
}
