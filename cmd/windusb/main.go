// Package main implements the windusb command, which writes a Windows
// installer image onto a USB drive so that UEFI firmware can boot it.
//
// The flash command runs the Detect, Prepare, Partition, Format, Mount,
// Extract, Split and Finalize phases through the flash controller and
// renders progress either in a Bubble Tea view or as plain lines.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Broly1/windusb/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	log     = logrus.New()
	v       = viper.New()
	cfgFile string
	conf    *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "windusb",
		Short:         "Create a bootable Windows installer USB drive",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "", "log format (json, text)")
	cmd.PersistentFlags().String("log-file", "", "write logs to this file")

	_ = v.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", cmd.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("log.file", cmd.PersistentFlags().Lookup("log-file"))

	cmd.AddCommand(
		newFlashCmd(),
		newListCmd(),
		newCheckImageCmd(),
		newVersionCmd(),
	)
	return cmd
}

func initConfig() error {
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	conf = c
	return setupLogger(log, conf.Log)
}

// setupLogger configures the formatter, level and output of logger.
func setupLogger(logger *logrus.Logger, lc config.LogConfig) error {
	switch lc.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	}

	lvl, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)

	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
	}
	return nil
}

// quietLogs stops log lines from corrupting the full-screen view. Logs
// that already go to a file are left alone.
func quietLogs(logger *logrus.Logger, lc config.LogConfig) {
	if lc.File == "" {
		logger.SetOutput(io.Discard)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the windusb version",
		// Skip config loading so version works without root or a valid file.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "windusb %s\n", version)
		},
	}
}
