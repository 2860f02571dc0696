package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Broly1/windusb"
	"github.com/Broly1/windusb/cleanup"
	"github.com/Broly1/windusb/disktool"
	"github.com/Broly1/windusb/drives"
	"github.com/Broly1/windusb/estimator"
	"github.com/Broly1/windusb/flash"
	"github.com/Broly1/windusb/perf"
	"github.com/Broly1/windusb/safeguards"
	"github.com/Broly1/windusb/tui"
	"github.com/Broly1/windusb/writeback"
)

var errCancelled = errors.New("cancelled")

type flashOptions struct {
	drive string
	image string
	yes   bool
	plain bool
	quiet bool
}

func newFlashCmd() *cobra.Command {
	var opts flashOptions
	cmd := &cobra.Command{
		Use:   "flash --drive /dev/sdX --image windows.iso",
		Short: "Erase a drive and write a Windows installer image to it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFlash(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.drive, "drive", "", "target drive, e.g. /dev/sdb")
	cmd.Flags().StringVar(&opts.image, "image", "", "Windows installer ISO")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "plain line output instead of the full-screen view")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "no progress output in plain mode")
	_ = cmd.MarkFlagRequired("drive")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func runFlash(cmd *cobra.Command, opts flashOptions) error {
	if _, err := os.Stat(opts.image); err != nil {
		return fmt.Errorf("image not readable: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	preflight := safeguards.NewPreflight(safeguards.PreflightOptions{
		ProcRoot:   conf.ProcRoot,
		ExtraTools: []string{conf.SevenZip, conf.Wimlib},
		Logger:     log,
	})
	if err := preflight.CheckAll(ctx, opts.drive); err != nil {
		return err
	}
	warnIfNotUSB(log, opts.drive)

	lock := flock.New(conf.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", conf.LockFile, err)
	}
	if !locked {
		return fmt.Errorf("another windusb instance is running (lock %s)", conf.LockFile)
	}
	defer func() { _ = lock.Unlock() }()

	if !opts.yes {
		ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), opts.drive)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted. Nothing was written.")
			return nil
		}
	}

	interactive := !opts.plain && term.IsTerminal(int(os.Stdout.Fd()))
	if interactive {
		quietLogs(log, conf.Log)
	}

	registry := cleanup.NewRegistry()
	cleaner := cleanup.New(cleanup.Options{
		Registry:     registry,
		MountPrefix:  conf.MountPrefix,
		KillOwnGroup: conf.KillOwnGroup,
		Logger:       log,
	})

	toolOpts := conf.DiskTool()
	toolOpts.Tracker = registry
	tools := disktool.New(toolOpts)
	tools.SetLogger(log)

	dirty, err := writeback.NewProcReader(conf.ProcRoot)
	if err != nil {
		return err
	}

	ctrl := flash.NewController(flash.Dependencies{
		Tools:    tools,
		Guard:    safeguards.NewDeviceGuard(),
		Dirty:    dirty,
		Samplers: estimator.DefaultFactory{Dirty: dirty},
		Logger:   log,
	}, conf.Flash())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := perf.NewPipelineMetrics()
	runCtx = perf.WithMetrics(runCtx, metrics)

	job := ctrl.NewJob(opts.drive, opts.image)
	entry := log.WithFields(logrus.Fields{
		"job_id": job.ID.String(),
		"drive":  job.Drive,
		"image":  job.ImagePath,
	})
	entry.Info("starting flash")

	start := time.Now()
	events := ctrl.Run(runCtx, job)

	var final windusb.ProgressEvent
	var terminal bool
	if interactive {
		final, terminal, err = runTUI(job, events, cancel, entry)
	} else {
		renderer := tui.NewCLIProgress(opts.quiet, !term.IsTerminal(int(os.Stdout.Fd())))
		renderer.SetWriter(cmd.OutOrStdout())
		renderer.PrintHeader(job.Drive, job.ImagePath)
		final, terminal = tui.Pump(events, renderer.Callback(), tui.LogCallback(entry))
		if !terminal {
			defer renderer.PrintCancelled()
		}
	}

	entry.WithFields(logrus.Fields{
		"outcome": metrics.Outcome,
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	}).Info(metrics.Summary())
	writeMetrics(entry, metrics)

	// The controller only tears down its own mounts on terminal events;
	// a cancelled job leaves helpers and mounts to the cleaner.
	cleaner.Run()

	switch {
	case err != nil:
		return err
	case !terminal:
		return errCancelled
	case final.Kind == windusb.EventError:
		return errors.New(final.Message)
	}
	return nil
}

// runTUI shows the full-screen view until the job ends or the user quits.
// Quitting cancels the job; the stream is drained before returning.
func runTUI(job *windusb.FlashJob, events <-chan windusb.ProgressEvent, cancel context.CancelFunc, logger logrus.FieldLogger) (windusb.ProgressEvent, bool, error) {
	model := tui.NewProgressModel(job.Drive, job.ImagePath, cancel)
	program := tea.NewProgram(model)

	type result struct {
		event    windusb.ProgressEvent
		terminal bool
	}
	pumped := make(chan result, 1)
	go func() {
		ev, ok := tui.Pump(events, tui.TeaCallback(program), tui.LogCallback(logger))
		if !ok {
			program.Send(tui.StreamClosedMsg{})
		}
		pumped <- result{ev, ok}
	}()

	_, err := program.Run()
	if err != nil {
		cancel()
	}
	// The controller has returned once the stream is drained.
	res := <-pumped
	if err != nil {
		return res.event, res.terminal, fmt.Errorf("TUI error: %w", err)
	}
	return res.event, res.terminal, nil
}

// confirm asks before anything on drive is destroyed. Only "y" or "yes"
// proceeds.
func confirm(in io.Reader, out io.Writer, drive string) (bool, error) {
	fmt.Fprintf(out, "WARNING: ALL DATA on %s will be DELETED. Proceed? [y/N] ", drive)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// warnIfNotUSB logs when drive is not one of the attached USB disks.
// Enumeration failures are not fatal; preflight already checked the node.
func warnIfNotUSB(logger logrus.FieldLogger, drive string) {
	list, err := drives.List()
	if err != nil {
		logger.WithError(err).Debug("drive enumeration failed")
		return
	}
	if _, ok := drives.Find(list, drive); !ok {
		logger.WithField("drive", drive).Warn("drive is not attached over USB")
	}
}

func writeMetrics(logger logrus.FieldLogger, m *perf.PipelineMetrics) {
	if conf.MetricsTextfile == "" {
		return
	}
	if err := perf.NewCollectors().WriteTextfile(conf.MetricsTextfile, m); err != nil {
		logger.WithError(err).Warn("failed to write metrics textfile")
	}
}
