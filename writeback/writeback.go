// Package writeback reads the kernel's page-cache writeback backlog.
//
// The backlog is the sum of the Dirty and Writeback fields of /proc/meminfo:
// bytes a process has written that are not yet on stable storage. The flash
// pipeline treats it as advisory telemetry only.
package writeback

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// DefaultProcRoot is where procfs is normally mounted.
const DefaultProcRoot = procfs.DefaultMountPoint

// Reader returns the current writeback backlog in bytes.
type Reader interface {
	DirtyBytes() (uint64, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func() (uint64, error)

// DirtyBytes calls f.
func (f ReaderFunc) DirtyBytes() (uint64, error) {
	return f()
}

// ProcReader reads the backlog from a procfs mount.
type ProcReader struct {
	fs procfs.FS
}

// NewProcReader opens procfs at procRoot (usually /proc).
func NewProcReader(procRoot string) (*ProcReader, error) {
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procRoot, err)
	}
	return &ProcReader{fs: fs}, nil
}

// DirtyBytes returns (Dirty + Writeback) * 1024. Missing fields count as zero.
func (r *ProcReader) DirtyBytes() (uint64, error) {
	mi, err := r.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read meminfo: %w", err)
	}
	var kb uint64
	if mi.Dirty != nil {
		kb += *mi.Dirty
	}
	if mi.Writeback != nil {
		kb += *mi.Writeback
	}
	return kb * 1024, nil
}

// Sample reads r and returns zero on error.
func Sample(r Reader) uint64 {
	if r == nil {
		return 0
	}
	n, err := r.DirtyBytes()
	if err != nil {
		return 0
	}
	return n
}
