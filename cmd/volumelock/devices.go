package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nik9play/volumelock/pkg/audio"
)

func newDevicesCommand(opts *globalOptions, logger func() *zap.SugaredLogger) *cobra.Command {
	var (
		flowName       string
		showProperties bool
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List active audio devices",
		Example: `  volumelock devices
  volumelock devices --flow capture --properties`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := audio.ParseDataFlow(flowName)
			if err != nil {
				return err
			}

			return withController(opts, logger(), func(c *audio.Controller) error {
				endpoints, err := c.Endpoints(flow)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()

				if len(endpoints) == 0 {
					fmt.Fprintln(out, "No active devices")
					return nil
				}

				for _, endpoint := range endpoints {
					fmt.Fprintf(out, "%s [%s]\n", endpoint.FriendlyName(), endpoint.Flow)
					fmt.Fprintf(out, "  id: %s\n", endpoint.ID)

					if !showProperties {
						continue
					}

					keys := make([]audio.PropertyKey, 0, len(endpoint.Properties)+len(endpoint.PropertyErrors))
					for key := range endpoint.Properties {
						keys = append(keys, key)
					}
					for key := range endpoint.PropertyErrors {
						keys = append(keys, key)
					}

					sort.Slice(keys, func(i, j int) bool {
						return keys[i].String() < keys[j].String()
					})

					for _, key := range keys {
						value, err := endpoint.Property(key)
						if err != nil {
							fmt.Fprintf(out, "  %s: <%v>\n", key, err)
							continue
						}

						fmt.Fprintf(out, "  %s (%s): %s\n", key, value.Type(), value)
					}
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&flowName, "flow", "render", "Which devices to list (render, capture, all)")
	cmd.Flags().BoolVarP(&showProperties, "properties", "p", false, "Print every property of each device")

	return cmd
}
