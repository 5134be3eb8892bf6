package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/audio"
	"github.com/nik9play/volumelock/pkg/volumelock"
	"github.com/nik9play/volumelock/pkg/volumelock/util"
)

// Build-time variables (set via ldflags)
var (
	gitCommit  string
	versionTag string
	buildType  string
)

// swapped in tests
var (
	newBackend  = audio.NewBackend
	resolvePIDs = util.ProcessIDsByName
)

type globalOptions struct {
	verbose    bool
	configPath string
	role       string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	var logger *zap.SugaredLogger

	rootCmd := &cobra.Command{
		Use:   "volumelock",
		Short: "Keep the master volume locked at a fixed level",
		Long: `volumelock keeps the master output volume pinned to the level set in its
config file, undoing any change made by other programs or the volume keys.

Running volumelock without a subcommand starts it in the system tray.
The master, app and devices subcommands inspect and change volumes once and exit.`,
		Version:      versionString(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error

			logger, err = volumelock.NewLogger(buildType, opts.verbose)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}

			logger = logger.Named("main")
			logger.Debug("Created logger")

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false,
		"Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", volumelock.DefaultConfigPath,
		"Path to the config file")
	rootCmd.PersistentFlags().StringVar(&opts.role, "role", "multimedia",
		"Device role of the default endpoint (console, multimedia, communications)")

	loggerFn := func() *zap.SugaredLogger { return logger }

	runCmd := newRunCommand(opts, loggerFn)
	rootCmd.RunE = runCmd.RunE

	rootCmd.AddCommand(
		runCmd,
		newMasterCommand(opts, loggerFn),
		newAppCommand(opts, loggerFn),
		newDevicesCommand(opts, loggerFn),
	)

	return rootCmd
}

func versionString() string {
	if versionTag == "" && gitCommit == "" {
		return "dev"
	}

	if buildType != "" {
		return fmt.Sprintf("%s-%s (%s)", versionTag, gitCommit, buildType)
	}

	return fmt.Sprintf("%s-%s", versionTag, gitCommit)
}

// withController runs fn against a controller on a freshly opened backend
func withController(opts *globalOptions, logger *zap.SugaredLogger, fn func(c *audio.Controller) error) error {
	role, err := audio.ParseRole(opts.role)
	if err != nil {
		return err
	}

	backend, err := newBackend(logger)
	if err != nil {
		return fmt.Errorf("create audio backend: %w", err)
	}

	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warnw("Failed to close audio backend", "error", err)
		}
	}()

	return fn(audio.NewController(logger, backend, audio.WithRole(role)))
}
