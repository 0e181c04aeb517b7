package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/blockplug/internal/config"
	"github.com/jbweber/blockplug/internal/libvirt"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Flags shared by every command.
var (
	configPath   string
	outputFormat string
	noHeaders    bool
	logLevel     string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blockplug",
	Short: "Blockplug - block device hotplug for running libvirt domains",
	Long: `Blockplug hotplugs and unplugs block devices on a running QEMU domain.

Every image of the configuration becomes a chain of QEMU objects (secret,
block nodes, frontend) that is plugged over the domain's QMP monitor. Each
command is verified against QEMU and the guest disk list is checked through
the guest agent once a batch completed.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "blockplug.yaml", "Path to the hotplug configuration")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml or json")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false, "Omit table headers")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(plugCmd)
	rootCmd.AddCommand(unplugCmd)
	rootCmd.AddCommand(disksCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(testConnCmd)
}

// loadConfig reads the configuration and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := setupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test libvirt connection",
	Long: `Test connectivity to the libvirt daemon and display version information.

When the configuration file exists, its socket is used and the configured
domain is checked as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		socket := ""
		var cfg *config.Config
		if _, err := os.Stat(configPath); err == nil {
			if cfg, err = loadConfig(); err != nil {
				return err
			}
			socket = cfg.Socket
		}

		fmt.Println("Testing libvirt connection...")

		client, err := libvirt.ConnectWithContext(cmd.Context(), socket, 5*time.Second)
		if err != nil {
			return fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
			}
		}()

		fmt.Println("✓ Connected to libvirt daemon")

		if err := client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		// libvirt returns versions as major*1000000 + minor*1000 + micro.
		libVersion, err := client.Libvirt().ConnectGetLibVersion()
		if err != nil {
			return fmt.Errorf("failed to get libvirt version: %w", err)
		}
		fmt.Printf("✓ Libvirt version: %d.%d.%d\n", libVersion/1000000, (libVersion%1000000)/1000, libVersion%1000)

		qemuVersion, err := client.HypervisorVersion()
		if err != nil {
			return err
		}
		fmt.Printf("✓ QEMU version: %s\n", qemuVersion)

		uri, err := client.Libvirt().ConnectGetUri()
		if err != nil {
			return fmt.Errorf("failed to get connection URI: %w", err)
		}
		fmt.Printf("✓ Connection URI: %s\n", uri)

		if cfg != nil {
			if _, err := client.LookupDomain(cfg.Domain); err != nil {
				return err
			}
			fmt.Printf("✓ Domain %s is running\n", cfg.Domain)
		}

		fmt.Println("\nConnection test successful!")
		return nil
	},
}
