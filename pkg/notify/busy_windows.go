package notify

import "github.com/nik9play/volumelock/pkg/win"

// full screen games and presentations shouldn't be interrupted by toasts
func userBusy() bool {
	var state uint32

	if err := win.SHQueryUserNotificationState(&state); err != nil {
		return false
	}

	switch state {
	case win.QUNS_BUSY, win.QUNS_RUNNING_D3D_FULL_SCREEN, win.QUNS_PRESENTATION_MODE, win.QUNS_QUIET_TIME:
		return true
	}

	return false
}
