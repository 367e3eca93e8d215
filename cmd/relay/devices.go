package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mirror-relay/relay/internal/bridge"
	"github.com/mirror-relay/relay/internal/session"
)

func newDevicesCmd(root *rootOptions) *cobra.Command {
	var (
		asJSON   bool
		mockMode bool
	)
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			runner, cleanup, err := newRunner(cfg, mockMode)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			devices, err := bridge.New(runner, cfg.Bridge.CommandTimeout).ListDevices(ctx)
			if err != nil {
				return err
			}
			filter := session.DeviceFilter{Allowed: cfg.Bridge.AllowedDevices, Blocked: cfg.Bridge.BlockedDevices}
			devices = filter.Filter(devices)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			}
			fmt.Fprintln(out, renderDevices(devices))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	cmd.Flags().BoolVar(&mockMode, "mock", false, "List simulated devices")
	return cmd
}

func renderDevices(devices []bridge.Device) string {
	if len(devices) == 0 {
		return "No devices attached."
	}
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{d.ID, d.Model, d.State, d.Product})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SERIAL", "MODEL", "STATE", "PRODUCT").
		Rows(rows...).
		String()
}
