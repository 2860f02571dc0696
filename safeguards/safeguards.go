// Package safeguards provides the device-presence guard, panic recovery for
// the flash worker, and preflight checks that refuse to start a destructive
// job on an unsafe target.
package safeguards

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DeviceGuard answers whether a device path currently exists. It never
// caches: a USB stick can be pulled between any two calls.
type DeviceGuard struct {
	stat func(string) (os.FileInfo, error)
}

// NewDeviceGuard creates a guard backed by os.Stat.
func NewDeviceGuard() *DeviceGuard {
	return &DeviceGuard{stat: os.Stat}
}

// Exists reports whether path is present as a filesystem entry.
func (g *DeviceGuard) Exists(path string) bool {
	_, err := g.stat(path)
	return err == nil
}

// Check returns a *DeviceDisconnectedError carrying message when drive is
// gone, nil otherwise.
func (g *DeviceGuard) Check(drive, message string) error {
	if g.Exists(drive) {
		return nil
	}
	return &DeviceDisconnectedError{Drive: drive, Message: message}
}

// DeviceDisconnectedError is returned when the target drive disappears.
type DeviceDisconnectedError struct {
	Drive   string
	Message string
}

func (e *DeviceDisconnectedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("drive disconnected: %s", e.Drive)
}

// IsDeviceDisconnected checks if an error is a DeviceDisconnectedError.
func IsDeviceDisconnected(err error) bool {
	var de *DeviceDisconnectedError
	return errors.As(err, &de)
}

// RecoverableOperation wraps a function with panic recovery.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}

// RequiredTools are the programs a flash job invokes by name.
var RequiredTools = []string{
	"blockdev", "wipefs", "sgdisk", "partprobe", "mkfs.fat",
	"mount", "umount", "sync",
}

// Preflight checks the host and the target drive before anything is
// written.
type Preflight struct {
	logger   logrus.FieldLogger
	procRoot string
	tools    []string

	geteuid  func() int
	lookPath func(string) (string, error)
	statMode func(string) (uint32, error)
}

// PreflightOptions configures a Preflight.
type PreflightOptions struct {
	// ProcRoot is where /proc/mounts is read from. Defaults to "/proc".
	ProcRoot string
	// ExtraTools are checked in addition to RequiredTools (7z and wimlib
	// paths come from configuration).
	ExtraTools []string
	Logger     logrus.FieldLogger
}

// NewPreflight creates a preflight checker.
func NewPreflight(opts PreflightOptions) *Preflight {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	tools := append(append([]string{}, RequiredTools...), opts.ExtraTools...)
	return &Preflight{
		logger:   opts.Logger.WithField("component", "preflight"),
		procRoot: opts.ProcRoot,
		tools:    tools,
		geteuid:  os.Geteuid,
		lookPath: exec.LookPath,
		statMode: func(path string) (uint32, error) {
			var st unix.Stat_t
			if err := unix.Stat(path, &st); err != nil {
				return 0, err
			}
			return st.Mode, nil
		},
	}
}

// CheckAll performs all checks against drive.
func (p *Preflight) CheckAll(ctx context.Context, drive string) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.CheckRoot(); err != nil {
		return err
	}
	if err := p.CheckTools(checkCtx); err != nil {
		return err
	}
	if err := p.CheckBlockDevice(drive); err != nil {
		return err
	}
	return p.CheckNotSystemDisk(drive)
}

// CheckRoot requires an effective uid of 0.
func (p *Preflight) CheckRoot() error {
	if p.geteuid() != 0 {
		return fmt.Errorf("windusb must run as root to partition and mount drives")
	}
	return nil
}

// CheckTools verifies every required program resolves.
func (p *Preflight) CheckTools(ctx context.Context) error {
	var missing []string
	for _, tool := range p.tools {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := p.lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		p.logger.WithField("missing", missing).Warn("required tools not found")
		return fmt.Errorf("required tools not found: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CheckBlockDevice requires drive to be a block device node.
func (p *Preflight) CheckBlockDevice(drive string) error {
	mode, err := p.statMode(drive)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", drive, err)
	}
	if mode&unix.S_IFMT != unix.S_IFBLK {
		return fmt.Errorf("%s is not a block device", drive)
	}
	return nil
}

var systemMounts = map[string]bool{
	"/":         true,
	"/boot":     true,
	"/boot/efi": true,
	"/usr":      true,
	"/home":     true,
}

// CheckNotSystemDisk refuses a drive that backs a system mountpoint.
func (p *Preflight) CheckNotSystemDisk(drive string) error {
	data, err := os.ReadFile(filepath.Join(p.procRoot, "mounts"))
	if err != nil {
		p.logger.WithError(err).Debug("cannot read mounts, skipping system disk check")
		return nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[0], drive) && systemMounts[fields[1]] {
			return fmt.Errorf("%s backs %s; refusing to erase a system disk", drive, fields[1])
		}
	}
	return nil
}
