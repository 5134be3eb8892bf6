package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/audio"
	"github.com/nik9play/volumelock/pkg/volumelock/util"
)

func newMasterCommand(opts *globalOptions, logger func() *zap.SugaredLogger) *cobra.Command {
	masterCmd := &cobra.Command{
		Use:   "master",
		Short: "Inspect or change the master volume",
		Long: `Inspect or change the volume of the default output device.

Levels are percentages between 0 and 100. Values outside that range are clamped.`,
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the master volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(opts, logger(), func(c *audio.Controller) error {
				level, err := c.MasterVolume()
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), formatPercent(level))
				return nil
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <level>",
		Short: "Set the master volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parsePercent(args[0])
			if err != nil {
				return err
			}

			return withController(opts, logger(), func(c *audio.Controller) error {
				if err := c.SetMasterVolume(level); err != nil {
					return err
				}

				current, err := c.MasterVolume()
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), formatPercent(current))
				return nil
			})
		},
	}

	stepCmd := &cobra.Command{
		Use:   "step <delta>",
		Short: "Raise or lower the master volume by delta percent",
		Example: `  volumelock master step 5
  volumelock master step -- -10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := parsePercent(args[0])
			if err != nil {
				return err
			}

			return withController(opts, logger(), func(c *audio.Controller) error {
				level, err := c.StepMasterVolume(delta)
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), formatPercent(level))
				return nil
			})
		},
	}

	muteCmd := newMasterMuteCommand(opts, logger, "mute", "Mute the master volume", true)
	unmuteCmd := newMasterMuteCommand(opts, logger, "unmute", "Unmute the master volume", false)

	toggleCmd := &cobra.Command{
		Use:   "toggle",
		Short: "Toggle the master mute",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(opts, logger(), func(c *audio.Controller) error {
				muted, err := c.ToggleMasterMute()
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), formatMuted(muted))
				return nil
			})
		},
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Print everything known about the master volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(opts, logger(), func(c *audio.Controller) error {
				state, err := c.MasterState()
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()

				channels := make([]string, len(state.ChannelLevels))
				for i, level := range state.ChannelLevels {
					channels[i] = formatPercent(level)
				}

				fmt.Fprintf(out, "Endpoint:  %s\n", state.EndpointID)
				fmt.Fprintf(out, "Volume:    %s (%.2f dB)\n", formatPercent(state.Level), state.Decibels)
				fmt.Fprintf(out, "Mute:      %s\n", formatMuted(state.Muted))
				fmt.Fprintf(out, "Channels:  %s\n", strings.Join(channels, " "))

				if state.StepCount > 0 {
					fmt.Fprintf(out, "Step:      %d/%d\n", state.Step, state.StepCount-1)
				}

				return nil
			})
		},
	}

	masterCmd.AddCommand(getCmd, setCmd, stepCmd, muteCmd, unmuteCmd, toggleCmd, infoCmd)

	return masterCmd
}

func newMasterMuteCommand(opts *globalOptions, logger func() *zap.SugaredLogger, use, short string, mute bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(opts, logger(), func(c *audio.Controller) error {
				if err := c.SetMasterMute(mute); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), formatMuted(mute))
				return nil
			})
		},
	}
}

func parsePercent(s string) (float32, error) {
	value, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 32)
	if err != nil {
		return 0, fmt.Errorf("invalid level %q: %w", s, err)
	}

	return float32(value), nil
}

func formatPercent(level float32) string {
	return strconv.FormatFloat(float64(util.NormalizePercent(level)), 'f', -1, 32) + "%"
}

func formatMuted(muted bool) string {
	if muted {
		return "muted"
	}

	return "unmuted"
}
