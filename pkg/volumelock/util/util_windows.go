package util

import (
	"os"
	"os/exec"
	"path/filepath"
)

func getOpenExternalCommand(filename string) *exec.Cmd {
	return exec.Command(filepath.Join(os.Getenv("SYSTEMROOT"), "System32", "rundll32.exe"), "url.dll,FileProtocolHandler", filename)
}
