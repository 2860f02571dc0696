package writeback

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const meminfoFixture = `MemTotal:       16316412 kB
MemFree:         1024000 kB
MemAvailable:    8000000 kB
Buffers:          204800 kB
Cached:          4096000 kB
Dirty:            102400 kB
Writeback:          2048 kB
`

func writeMeminfo(t *testing.T, contents string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "meminfo"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write meminfo: %v", err)
	}
	return root
}

func TestProcReaderDirtyBytes(t *testing.T) {
	r, err := NewProcReader(writeMeminfo(t, meminfoFixture))
	if err != nil {
		t.Fatalf("NewProcReader: %v", err)
	}

	got, err := r.DirtyBytes()
	if err != nil {
		t.Fatalf("DirtyBytes: %v", err)
	}
	want := uint64(102400+2048) * 1024
	if got != want {
		t.Errorf("DirtyBytes() = %d, want %d", got, want)
	}
}

func TestProcReaderMissingFields(t *testing.T) {
	r, err := NewProcReader(writeMeminfo(t, "MemTotal:       16316412 kB\n"))
	if err != nil {
		t.Fatalf("NewProcReader: %v", err)
	}
	got, err := r.DirtyBytes()
	if err != nil {
		t.Fatalf("DirtyBytes: %v", err)
	}
	if got != 0 {
		t.Errorf("DirtyBytes() = %d, want 0", got)
	}
}

func TestProcReaderMissingFile(t *testing.T) {
	r, err := NewProcReader(t.TempDir())
	if err != nil {
		t.Fatalf("NewProcReader: %v", err)
	}
	if _, err := r.DirtyBytes(); err == nil {
		t.Fatal("expected error when meminfo is missing")
	}
}

func TestSample(t *testing.T) {
	if got := Sample(ReaderFunc(func() (uint64, error) { return 42, nil })); got != 42 {
		t.Errorf("Sample() = %d, want 42", got)
	}
	if got := Sample(ReaderFunc(func() (uint64, error) { return 7, errors.New("boom") })); got != 0 {
		t.Errorf("Sample() on error = %d, want 0", got)
	}
	if got := Sample(nil); got != 0 {
		t.Errorf("Sample(nil) = %d, want 0", got)
	}
}
