package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier shows a desktop notification
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier sends notifications through the OS notification center
type ToastNotifier struct {
	logger      *zap.SugaredLogger
	appIconPath string
	enabled     atomic.Bool

	// swapped in tests
	send func(title, message, appIcon string) error
	busy func() bool
}

// NewToastNotifier creates a notifier. appIcon is written next to other temp files so the
// notification center has a path to show it from; an empty icon means no icon
func NewToastNotifier(logger *zap.SugaredLogger, appIcon []byte) (*ToastNotifier, error) {
	logger = logger.Named("notifier")

	tn := &ToastNotifier{
		logger: logger,
		send:   sendBeeep,
		busy:   userBusy,
	}
	tn.enabled.Store(true)

	if len(appIcon) > 0 {
		tn.appIconPath = filepath.Join(os.TempDir(), "volumelock.ico")

		if err := os.WriteFile(tn.appIconPath, appIcon, 0o644); err != nil {
			return nil, fmt.Errorf("write notification icon: %w", err)
		}
	}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// SetEnabled turns notifications on or off
func (tn *ToastNotifier) SetEnabled(enabled bool) {
	if tn.enabled.Swap(enabled) != enabled {
		tn.logger.Debugw("Notifications toggled", "enabled", enabled)
	}
}

// Notify sends a notification unless they're disabled or the user is busy
func (tn *ToastNotifier) Notify(title string, message string) {
	if !tn.enabled.Load() {
		tn.logger.Debugw("Notifications disabled, dropping", "title", title)
		return
	}

	if tn.busy() {
		tn.logger.Debugw("User busy, dropping notification", "title", title)
		return
	}

	if err := tn.send(title, message, tn.appIconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}

func sendBeeep(title, message, appIcon string) error {
	return beeep.Notify(title, message, appIcon)
}
