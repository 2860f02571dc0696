// Package disktool runs the external programs that do the actual disk work
// for the flash pipeline: 7z, sgdisk, wipefs, mkfs.fat, mount, wimlib-imagex.
//
// Every invocation is blocking, has no retries, and is logged with its
// arguments, duration and exit code. Each child runs in its own process
// group and is registered with a ProcessTracker for its lifetime, so a
// cleanup path can kill it (and anything it forked) by handle.
//
// # Usage Example
//
//	client := disktool.New(disktool.Options{Tracker: registry})
//	client.SetLogger(logger)
//
//	listing, err := client.ListImage(ctx, "/isos/Win11.iso")
//	if err != nil {
//		return err
//	}
//	if err := client.FormatFAT32(ctx, "/dev/sdb1"); err != nil {
//		var toolErr *disktool.ToolError
//		if errors.As(err, &toolErr) {
//			log.Printf("%s exited %d", toolErr.Tool, toolErr.ExitCode)
//		}
//	}
//
// # Error Handling
//
// A spawn failure or non-zero exit is returned as *ToolError. Callers decide
// what the failure means; the client never interprets tool-specific codes.
package disktool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Broly1/windusb/perf"
)

// ProcessTracker records live helper processes.
type ProcessTracker interface {
	Track(pid int)
	Untrack(pid int)
}

type nopTracker struct{}

func (nopTracker) Track(int)   {}
func (nopTracker) Untrack(int) {}

// Options configures a Client.
type Options struct {
	// SevenZip is the archive tool. Defaults to SevenZipPath(os.Getenv("APPDIR")).
	SevenZip string
	// Wimlib is the WIM splitter. Defaults to "wimlib-imagex".
	Wimlib string
	// ProcRoot is where /proc/mounts is read from. Defaults to "/proc".
	ProcRoot string
	Tracker  ProcessTracker
}

// Client runs external disk tools.
type Client struct {
	logger   *logrus.Logger
	tracker  ProcessTracker
	sevenZip string
	wimlib   string
	procRoot string

	// unmountBackoff builds the retry policy for best-effort unmounts.
	unmountBackoff func() backoff.BackOff
}

// New creates a new disk tool client.
func New(opts Options) *Client {
	if opts.SevenZip == "" {
		opts.SevenZip = SevenZipPath(os.Getenv("APPDIR"))
	}
	if opts.Wimlib == "" {
		opts.Wimlib = "wimlib-imagex"
	}
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.Tracker == nil {
		opts.Tracker = nopTracker{}
	}
	return &Client{
		logger:   logrus.New(),
		tracker:  opts.Tracker,
		sevenZip: opts.SevenZip,
		wimlib:   opts.Wimlib,
		procRoot: opts.ProcRoot,
		unmountBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), 3)
		},
	}
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// SuppressLogs disables all log output from the client.
// Used in TUI mode where log lines would corrupt the display.
func (c *Client) SuppressLogs() {
	c.logger.SetOutput(io.Discard)
}

// SevenZipPath resolves the archive tool. A bundled build sets APPDIR and
// ships 7z under $APPDIR/bin-local; otherwise 7z comes from PATH.
func SevenZipPath(appDir string) string {
	if appDir != "" {
		return filepath.Join(appDir, "bin-local", "7z")
	}
	return "7z"
}

// ToolError is returned when an external tool cannot be started or exits
// non-zero.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int // -1 if the process never ran to completion
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s %s failed: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v (output: %s)", e.Tool, strings.Join(e.Args, " "), e.Err, out)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// IsToolError checks if an error is a ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// Run executes name with args and waits for it. Only the exit status matters.
func (c *Client) Run(ctx context.Context, name string, args ...string) error {
	_, err := c.exec(ctx, name, args)
	return err
}

// Output executes name with args and returns its standard output.
func (c *Client) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return c.exec(ctx, name, args)
}

func (c *Client) exec(ctx context.Context, name string, args []string) ([]byte, error) {
	logger := c.logger.WithFields(logrus.Fields{
		"command": name,
		"args":    args,
	})
	logger.Debug("executing command")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Own process group, so one kill reaches the helper and its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		logger.WithError(err).Debug("command failed to start")
		return nil, &ToolError{Tool: name, Args: args, ExitCode: -1, Err: err}
	}

	pid := cmd.Process.Pid
	c.tracker.Track(pid)
	err := cmd.Wait()
	c.tracker.Untrack(pid)
	duration := time.Since(startTime)
	perf.MetricsFromContext(ctx).RecordTool(filepath.Base(name), duration)

	logger.WithFields(logrus.Fields{
		"pid":         pid,
		"duration_ms": duration.Milliseconds(),
		"exit_code":   cmd.ProcessState.ExitCode(),
		"stderr":      stderr.String(),
	}).Debug("command completed")

	if err != nil {
		return stdout.Bytes(), &ToolError{
			Tool:     name,
			Args:     args,
			ExitCode: cmd.ProcessState.ExitCode(),
			Output:   combined(stdout.String(), stderr.String()),
			Err:      err,
		}
	}
	return stdout.Bytes(), nil
}

func combined(stdout, stderr string) string {
	const limit = 2048
	s := strings.TrimSpace(stderr)
	if s == "" {
		s = strings.TrimSpace(stdout)
	}
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}

// ListImage lists the contents of a disc image with 7z.
func (c *Client) ListImage(ctx context.Context, imagePath string) (string, error) {
	out, err := c.Output(ctx, c.sevenZip, "l", imagePath)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// FlushBuffers drops the kernel's buffer cache for the device.
func (c *Client) FlushBuffers(ctx context.Context, drive string) error {
	return c.Run(ctx, "blockdev", "--flushbufs", drive)
}

// WipeSignatures erases every filesystem and partition-table signature.
func (c *Client) WipeSignatures(ctx context.Context, drive string) error {
	return c.Run(ctx, "wipefs", "-af", drive)
}

// ZapPartitions destroys the GPT and MBR structures.
func (c *Client) ZapPartitions(ctx context.Context, drive string) error {
	return c.Run(ctx, "sgdisk", "-Z", drive)
}

// CreatePartition creates one partition spanning the disk, typed as
// Microsoft basic data (0700).
func (c *Client) CreatePartition(ctx context.Context, drive string) error {
	return c.Run(ctx, "sgdisk", "-n=1:0:0", "-t=1:0700", drive)
}

// RereadPartitions asks the kernel to re-read the partition table.
func (c *Client) RereadPartitions(ctx context.Context, drive string) error {
	return c.Run(ctx, "partprobe", drive)
}

// FormatFAT32 creates a FAT32 filesystem. -I allows formatting a whole
// device or a partition that mkfs considers in use.
func (c *Client) FormatFAT32(ctx context.Context, partition string) error {
	return c.Run(ctx, "mkfs.fat", "-F32", "-I", partition)
}

// Mount mounts device read-write at mountPoint.
func (c *Client) Mount(ctx context.Context, device, mountPoint string) error {
	return c.Run(ctx, "mount", device, mountPoint)
}

// MountLoopRO attaches an image read-only through a loop device.
func (c *Client) MountLoopRO(ctx context.Context, imagePath, mountPoint string) error {
	return c.Run(ctx, "mount", "-o", "loop,ro", imagePath, mountPoint)
}

// Extract unpacks the whole image into dest except files named exclude.
func (c *Client) Extract(ctx context.Context, imagePath, dest, exclude string) error {
	return c.Run(ctx, c.sevenZip, "x", imagePath, "-o"+dest, "-xr!"+exclude, "-y")
}

// SplitWIM splits a WIM/ESD into parts of at most chunkMB megabytes.
// dst names the first part; later parts are numbered by wimlib.
func (c *Client) SplitWIM(ctx context.Context, src, dst string, chunkMB int) error {
	return c.Run(ctx, c.wimlib, "split", src, dst, strconv.Itoa(chunkMB))
}

// Sync flushes every filesystem buffer to disk.
func (c *Client) Sync(ctx context.Context) error {
	return c.Run(ctx, "sync")
}

// LazyUnmount detaches a mountpoint with umount -l. A path that is not
// mounted is not an error.
func (c *Client) LazyUnmount(ctx context.Context, mountPoint string) error {
	err := c.Run(ctx, "umount", "-l", mountPoint)
	var te *ToolError
	if errors.As(err, &te) && (strings.Contains(te.Output, "not mounted") || strings.Contains(te.Output, "no mount point")) {
		return nil
	}
	return err
}

// UnmountBestEffort lazily unmounts mountPoint, retrying a few times.
// Failure is logged and swallowed: callers use it for hygiene only.
func (c *Client) UnmountBestEffort(ctx context.Context, mountPoint string) {
	logger := c.logger.WithField("mount", mountPoint)

	op := func() error {
		return c.LazyUnmount(ctx, mountPoint)
	}
	if err := backoff.Retry(op, backoff.WithContext(c.unmountBackoff(), ctx)); err != nil {
		logger.WithError(err).Warn("best-effort unmount failed")
		return
	}
	logger.Debug("unmounted")
}

// MountedPartitions returns the mountpoints of every mounted filesystem
// whose source device is drive or one of its partitions.
func (c *Client) MountedPartitions(drive string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot, "mounts"))
	if err != nil {
		return nil, fmt.Errorf("failed to read mounts: %w", err)
	}
	return parseMounts(string(data), drive), nil
}

// IsMounted checks if a mount point is currently mounted.
func (c *Client) IsMounted(mountPoint string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot, "mounts"))
	if err != nil {
		return false, fmt.Errorf("failed to read mounts: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && unescapeMount(fields[1]) == mountPoint {
			return true, nil
		}
	}
	return false, nil
}

func parseMounts(data, drive string) []string {
	var mounts []string
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(unescapeMount(fields[0]), drive) {
			mounts = append(mounts, unescapeMount(fields[1]))
		}
	}
	return mounts
}

// unescapeMount decodes the octal escapes (\040 for space) used in
// /proc/mounts.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
