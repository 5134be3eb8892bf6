package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/volumelock"
)

func newRunCommand(opts *globalOptions, logger func() *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Lock the master volume until stopped (default)",
		Long: `Lock the master volume at the configured target until the tray menu's
Close item is clicked or the process is interrupted.

Set VOLUMELOCK_NO_TRAY_ICON to run without a tray icon.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			named := logger()

			named.Infow("Version info",
				"gitCommit", gitCommit,
				"versionTag", versionTag,
				"buildType", buildType)

			v, err := volumelock.NewVolumeLock(named, opts.verbose, opts.configPath)
			if err != nil {
				named.Errorw("Failed to create volumelock object", "error", err)
				return fmt.Errorf("create volumelock: %w", err)
			}

			// if injected by build process, set version info to show up in the tray
			if buildType != "" && (versionTag != "" || gitCommit != "") {
				v.SetVersion(fmt.Sprintf("Version %s", versionString()))
			}

			// onwards, to glory
			if err := v.Initialize(); err != nil {
				named.Errorw("Failed to initialize volumelock", "error", err)
				return fmt.Errorf("initialize volumelock: %w", err)
			}

			return nil
		},
	}
}
