package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/jbweber/blockplug/internal/config"
	"github.com/jbweber/blockplug/internal/output"
	"github.com/jbweber/blockplug/internal/plug"
	"github.com/jbweber/blockplug/internal/qdev"
)

// Batch flags.
var (
	threaded bool
	busID    string
	interval time.Duration
	timeout  time.Duration
)

func addBatchFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&threaded, "threaded", false, "Spread the images over parallel workers and all channels")
	cmd.Flags().StringVar(&busID, "bus", "", "Attach frontends to this bus (e.g. scsi0.0)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Pause after every device (default: config interval)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long the guest may take to see the change (default: config postcondition timeout)")
}

func init() {
	addBatchFlags(plugCmd)
	addBatchFlags(unplugCmd)
}

var plugCmd = &cobra.Command{
	Use:   "plug [image...]",
	Short: "Hotplug images into the domain",
	Long: `Hotplug the named images, or every configured image when none is given.

Images are plugged one after the other over the first channel unless
--threaded is set. The command succeeds once QEMU confirmed every device and
the guest reports exactly one new disk per image.

Output formats:
  -o table  Human-readable table (default)
  -o yaml   YAML list of command results
  -o json   JSON list of command results`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd.Context(), plug.ActionHotplug, args)
	},
}

var unplugCmd = &cobra.Command{
	Use:   "unplug [image...]",
	Short: "Unplug images from the domain",
	Long: `Unplug the named images, or every configured image when none is given.

Controllers created for the images are unplugged once their bus is empty.
Volumes of images marked remove_image are deleted afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd.Context(), plug.ActionUnplug, args)
	},
}

func runBatch(ctx context.Context, action plug.Action, args []string) error {
	formatter, err := newFormatter()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	images, err := selectImages(cfg, args)
	if err != nil {
		return err
	}

	scope := images
	if scope == nil {
		scope = cfg.ImageNames()
	}
	e, err := openPlugger(ctx, cfg, openOptions{
		watch:  action == plug.ActionUnplug,
		images: scope,
		create: action == plug.ActionHotplug,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	opts, err := batchOptions(e, cfg)
	if err != nil {
		return err
	}
	wait := timeout
	if wait == 0 {
		wait = cfg.Timeouts.Postcondition
	}

	var batchErr error
	switch {
	case action == plug.ActionHotplug && threaded:
		batchErr = e.plugger.HotplugThreaded(ctx, images, wait, opts...)
	case action == plug.ActionHotplug:
		batchErr = e.plugger.HotplugSerial(ctx, images, wait, opts...)
	case threaded:
		batchErr = e.plugger.UnplugThreaded(ctx, images, wait, opts...)
	default:
		batchErr = e.plugger.UnplugSerial(ctx, images, wait, opts...)
	}

	result, err := formatter.FormatOutcomes(output.RecordsFromOutcomes(e.plugger.Results()))
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(result)

	if batchErr != nil {
		return fmt.Errorf("failed to %s images: %w", action, batchErr)
	}
	if disks := e.plugger.PluggedDisks(); len(disks) > 0 {
		e.log.Infof("Guest disks changed by %s: %v", action, disks)
	}

	if action == plug.ActionUnplug {
		if err := e.volumes.RemoveImages(ctx, cfg.StoragePool, e.params, scope); err != nil {
			return fmt.Errorf("failed to remove image volumes: %w", err)
		}
	}
	return nil
}

// selectImages checks the requested images against the configuration. No
// arguments selects every configured image.
func selectImages(cfg *config.Config, args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	known := cfg.ImageNames()
	var errs []error
	for _, img := range args {
		if !lo.Contains(known, img) {
			errs = append(errs, fmt.Errorf("image %q is not configured", img))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return lo.Uniq(args), nil
}

func batchOptions(e *env, cfg *config.Config) ([]plug.BatchOption, error) {
	var opts []plug.BatchOption

	pause := interval
	if pause == 0 {
		pause = cfg.Interval
	}
	if pause > 0 {
		opts = append(opts, plug.WithInterval(pause))
	}

	if busID != "" {
		bus, ok := lo.Find(e.topo.Buses(qdev.BusSelector{}), func(b *qdev.Bus) bool {
			return b.ID == busID
		})
		if !ok {
			return nil, fmt.Errorf("bus %s not found in domain %s", busID, cfg.Domain)
		}
		opts = append(opts, plug.WithBus(bus))
	}
	return opts, nil
}
