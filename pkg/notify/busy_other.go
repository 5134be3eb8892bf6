//go:build !windows

package notify

func userBusy() bool {
	return false
}
