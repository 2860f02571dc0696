// Package cleanup tears down everything a flash job may have left running.
//
// The flash pipeline has no cooperative cancellation inside a subprocess
// call: an extractor or splitter that is halfway through a write can only be
// killed. Cleanup does that from any control path (signal handler, UI quit,
// explicit cancel) without taking a lock the worker goroutine could hold:
//
//  1. SIGKILL the process group of every helper registered in the Registry
//  2. pkill -9 the known helper names, for anything the registry missed
//  3. lazy-unmount every "<prefix>*" mountpoint and remove the empty dirs
//  4. optionally SIGKILL the application's own process group
//
// Run is idempotent. Only the first call does any work.
package cleanup

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultHelperNames are the long-running helpers the pipeline spawns.
var DefaultHelperNames = []string{"wimlib-imagex", "7z"}

// Registry tracks the pids of live helper processes. It is safe for
// concurrent use and never blocks.
type Registry struct {
	pids sync.Map // pid -> struct{}
	live atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Track records a started helper.
func (r *Registry) Track(pid int) {
	if _, loaded := r.pids.LoadOrStore(pid, struct{}{}); !loaded {
		r.live.Add(1)
	}
}

// Untrack forgets a helper that has exited.
func (r *Registry) Untrack(pid int) {
	if _, loaded := r.pids.LoadAndDelete(pid); loaded {
		r.live.Add(-1)
	}
}

// Len returns the number of tracked helpers.
func (r *Registry) Len() int {
	return int(r.live.Load())
}

// PIDs returns the tracked pids in ascending order.
func (r *Registry) PIDs() []int {
	var pids []int
	r.pids.Range(func(key, _ any) bool {
		pids = append(pids, key.(int))
		return true
	})
	sort.Ints(pids)
	return pids
}

// Options configures a Cleaner. Zero-valued hooks use the real system calls.
type Options struct {
	Registry    *Registry
	MountPrefix string
	HelperNames []string
	// KillOwnGroup makes Run finish by killing the caller's process group.
	KillOwnGroup bool
	Logger       logrus.FieldLogger

	KillGroup  func(pid int) error
	KillByName func(name string) error
	Unmount    func(path string) error
	RemoveDir  func(path string) error
	KillSelf   func() error
}

// Report summarizes one cleanup pass.
type Report struct {
	Killed    []int
	Unmounted []string
}

// Cleaner runs the teardown protocol once.
type Cleaner struct {
	opts   Options
	logger logrus.FieldLogger
	ran    atomic.Bool
}

// New creates a Cleaner.
func New(opts Options) *Cleaner {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.HelperNames == nil {
		opts.HelperNames = DefaultHelperNames
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.KillGroup == nil {
		opts.KillGroup = killGroup
	}
	if opts.KillByName == nil {
		opts.KillByName = pkill
	}
	if opts.Unmount == nil {
		opts.Unmount = lazyUnmount
	}
	if opts.RemoveDir == nil {
		opts.RemoveDir = os.Remove
	}
	if opts.KillSelf == nil {
		opts.KillSelf = killOwnGroup
	}
	return &Cleaner{
		opts:   opts,
		logger: opts.Logger.WithField("component", "cleanup"),
	}
}

// Registry returns the registry helpers should be tracked in.
func (c *Cleaner) Registry() *Registry {
	return c.opts.Registry
}

// Done reports whether Run has already been called.
func (c *Cleaner) Done() bool {
	return c.ran.Load()
}

// Run performs the teardown. The second and later calls return an empty
// report and touch nothing.
func (c *Cleaner) Run() Report {
	var report Report
	if !c.ran.CompareAndSwap(false, true) {
		return report
	}

	for _, pid := range c.opts.Registry.PIDs() {
		if err := c.opts.KillGroup(pid); err != nil {
			c.logger.WithError(err).WithField("pid", pid).Debug("failed to kill helper group")
			continue
		}
		c.opts.Registry.Untrack(pid)
		report.Killed = append(report.Killed, pid)
	}

	for _, name := range c.opts.HelperNames {
		// pkill exits 1 when nothing matched
		_ = c.opts.KillByName(name)
	}

	if c.opts.MountPrefix != "" {
		matches, err := filepath.Glob(c.opts.MountPrefix + "*")
		if err != nil {
			c.logger.WithError(err).WithField("prefix", c.opts.MountPrefix).Warn("invalid mount prefix")
		}
		for _, mp := range matches {
			if err := c.opts.Unmount(mp); err != nil {
				c.logger.WithError(err).WithField("mount", mp).Debug("lazy unmount failed")
			} else {
				report.Unmounted = append(report.Unmounted, mp)
			}
			// Only succeeds once the directory is empty and detached.
			if err := c.opts.RemoveDir(mp); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.WithError(err).WithField("mount", mp).Debug("mountpoint left in place")
			}
		}
	}

	c.logger.WithFields(logrus.Fields{
		"killed":    len(report.Killed),
		"unmounted": len(report.Unmounted),
	}).Info("cleanup completed")

	if c.opts.KillOwnGroup {
		if err := c.opts.KillSelf(); err != nil {
			c.logger.WithError(err).Warn("failed to kill own process group")
		}
	}

	return report
}

func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		// group already gone; fall back to the pid itself
		err = unix.Kill(pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}

func pkill(name string) error {
	return exec.Command("pkill", "-9", "-x", name).Run()
}

func lazyUnmount(path string) error {
	err := unix.Unmount(path, unix.MNT_DETACH)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		// not a mountpoint (any more)
		return nil
	}
	return err
}

func killOwnGroup() error {
	return unix.Kill(-unix.Getpgrp(), unix.SIGKILL)
}
