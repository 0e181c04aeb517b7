package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/blockplug/internal/output"
)

func newFormatter() (output.Formatter, error) {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}

var disksCmd = &cobra.Command{
	Use:   "disks",
	Short: "List the disks the guest sees",
	Long: `List the disks visible inside the guest, as reported by the QEMU guest
agent. The guest agent must be running in the domain.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		e, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		disks, err := e.session.ListDisks(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list guest disks: %w", err)
		}

		result, err := formatter.FormatDisks(disks.Names())
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Print(result)
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Show the device topology of the domain",
	Long: `Show the devices blockplug knows about: the PCI and SCSI devices of the
live domain XML plus the chains of images plugged by earlier runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := newFormatter()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		e, err := openPlugger(cmd.Context(), cfg, openOptions{})
		if err != nil {
			return err
		}
		defer e.Close()

		result, err := formatter.FormatDevices(output.DevicesFromTopology(e.topo))
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		fmt.Print(result)
		return nil
	},
}
