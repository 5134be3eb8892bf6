//go:build !windows && !linux

package audio

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// NewBackend fails on platforms without a supported audio stack
func NewBackend(logger *zap.SugaredLogger) (Backend, error) {
	return nil, fmt.Errorf("no audio backend for %s: %w", runtime.GOOS, ErrUnavailable)
}
