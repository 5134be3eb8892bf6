package util

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

// OpenExternal opens a file using the default associated program
func OpenExternal(logger *zap.SugaredLogger, filename string) error {
	command := getOpenExternalCommand(filename)

	if err := command.Start(); err != nil {
		logger.Warnw("Failed to open file",
			"filename", filename,
			"error", err)
		return fmt.Errorf("open file proc: %w", err)
	}

	// don't leave a zombie behind once the editor exits
	go func() { _ = command.Wait() }()

	return nil
}

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// NormalizePercent trims a percentage to 1 point of precision (e.g. 63.99999 -> 64)
func NormalizePercent(v float32) float32 {
	return float32(math.Round(float64(v)*10) / 10.0)
}

// ProcessName returns the executable name of pid, or an empty string if it's gone
func ProcessName(pid uint32) string {
	process, err := ps.FindProcess(int(pid))
	if err != nil || process == nil {
		return ""
	}

	return process.Executable()
}

// ProcessIDsByName returns the ids of every running process whose executable matches name, ignoring case
func ProcessIDsByName(name string) ([]uint32, error) {
	processes, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	return MatchProcesses(processes, name), nil
}

// MatchProcesses filters processes by executable name, ignoring case
func MatchProcesses(processes []ps.Process, name string) []uint32 {
	var pids []uint32

	for _, process := range processes {
		if strings.EqualFold(process.Executable(), name) {
			pids = append(pids, uint32(process.Pid()))
		}
	}

	return pids
}
