package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/audio"
	"github.com/nik9play/volumelock/pkg/volumelock/util"
)

type appTarget struct {
	pid  uint32
	name string
}

// pids resolves the target to process ids. An explicit pid wins over a name
func (t *appTarget) pids() ([]uint32, error) {
	if t.pid != 0 {
		return []uint32{t.pid}, nil
	}

	if t.name == "" {
		return nil, errors.New("either --pid or --name is required")
	}

	pids, err := resolvePIDs(t.name)
	if err != nil {
		return nil, fmt.Errorf("find processes named %q: %w", t.name, err)
	}

	if len(pids) == 0 {
		return nil, fmt.Errorf("no running process named %q", t.name)
	}

	return pids, nil
}

func (t *appTarget) bind(cmd *cobra.Command) {
	cmd.Flags().Uint32Var(&t.pid, "pid", 0, "Process id of the application")
	cmd.Flags().StringVarP(&t.name, "name", "n", "", "Executable name of the application (e.g. chrome.exe)")
	cmd.MarkFlagsMutuallyExclusive("pid", "name")
}

func newAppCommand(opts *globalOptions, logger func() *zap.SugaredLogger) *cobra.Command {
	appCmd := &cobra.Command{
		Use:   "app",
		Short: "Inspect or change per-application volumes",
		Long: `Inspect or change the volume of applications playing on the default output device.

Applications are selected with --pid or by executable name with --name, in which
case every running process with that name is affected.`,
	}

	getTarget := &appTarget{}
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print an application's volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pids, err := getTarget.pids()
			if err != nil {
				return err
			}

			return withController(opts, logger(), func(c *audio.Controller) error {
				return forEachSession(pids, func(pid uint32) error {
					level, err := c.ApplicationVolume(pid)
					if err != nil {
						return err
					}

					muted, err := c.ApplicationMute(pid)
					if err != nil {
						return err
					}

					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", pid, formatPercent(level), formatMuted(muted))
					return nil
				})
			})
		},
	}
	getTarget.bind(getCmd)

	setTarget := &appTarget{}
	setCmd := &cobra.Command{
		Use:   "set <level>",
		Short: "Set an application's volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parsePercent(args[0])
			if err != nil {
				return err
			}

			pids, err := setTarget.pids()
			if err != nil {
				return err
			}

			return withController(opts, logger(), func(c *audio.Controller) error {
				return forEachSession(pids, func(pid uint32) error {
					if err := c.SetApplicationVolume(pid, level); err != nil {
						return err
					}

					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", pid, formatPercent(clamp(level)))
					return nil
				})
			})
		},
	}
	setTarget.bind(setCmd)

	appCmd.AddCommand(
		getCmd,
		setCmd,
		newAppMuteCommand(opts, logger, "mute", "Mute an application", true),
		newAppMuteCommand(opts, logger, "unmute", "Unmute an application", false),
		newAppListCommand(opts, logger),
	)

	return appCmd
}

func newAppMuteCommand(opts *globalOptions, logger func() *zap.SugaredLogger, use, short string, mute bool) *cobra.Command {
	target := &appTarget{}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pids, err := target.pids()
			if err != nil {
				return err
			}

			return withController(opts, logger(), func(c *audio.Controller) error {
				return forEachSession(pids, func(pid uint32) error {
					if err := c.SetApplicationMute(pid, mute); err != nil {
						return err
					}

					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", pid, formatMuted(mute))
					return nil
				})
			})
		},
	}
	target.bind(cmd)

	return cmd
}

func newAppListCommand(opts *globalOptions, logger func() *zap.SugaredLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the audio sessions on the default output device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(opts, logger(), func(c *audio.Controller) error {
				sessions, err := c.Sessions()
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PID\tPROCESS\tNAME\tSTATE\tVOLUME\tMUTE")

				for _, session := range sessions {
					process := util.ProcessName(session.ProcessID)
					if session.SystemSounds {
						process = "system"
					}

					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
						session.ProcessID,
						process,
						session.DisplayName,
						session.State,
						formatPercent(session.Level),
						formatMuted(session.Muted))
				}

				return w.Flush()
			})
		},
	}
}

// forEachSession runs fn for every pid. Processes without a session are skipped
// unless none of them has one
func forEachSession(pids []uint32, fn func(pid uint32) error) error {
	var (
		result error
		found  bool
	)

	for _, pid := range pids {
		err := fn(pid)
		if errors.Is(err, audio.ErrSessionNotFound) {
			continue
		}

		found = true
		result = multierr.Append(result, err)
	}

	if !found {
		return fmt.Errorf("no audio session for pid(s) %v: %w", pids, audio.ErrSessionNotFound)
	}

	return result
}

func clamp(level float32) float32 {
	if level < 0 {
		return 0
	}

	if level > 100 {
		return 100
	}

	return level
}
