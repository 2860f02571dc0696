// cleanup_test.go - Tests for the teardown protocol.

package cleanup

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type recorder struct {
	mu        sync.Mutex
	killed    []int
	pkilled   []string
	unmounted []string
	removed   []string
	selfKills int
}

func (r *recorder) options(prefix string) Options {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return Options{
		MountPrefix:  prefix,
		Logger:       logger,
		KillOwnGroup: true,
		KillGroup: func(pid int) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.killed = append(r.killed, pid)
			return nil
		},
		KillByName: func(name string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.pkilled = append(r.pkilled, name)
			return nil
		},
		Unmount: func(path string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.unmounted = append(r.unmounted, path)
			return nil
		},
		RemoveDir: func(path string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.removed = append(r.removed, path)
			return os.Remove(path)
		},
		KillSelf: func() error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.selfKills++
			return nil
		},
	}
}

func TestRegistryTrackUntrack(t *testing.T) {
	r := NewRegistry()
	r.Track(30)
	r.Track(10)
	r.Track(10)
	r.Track(20)

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	if got := r.PIDs(); !reflect.DeepEqual(got, []int{10, 20, 30}) {
		t.Errorf("PIDs() = %v", got)
	}

	r.Untrack(20)
	r.Untrack(20)
	if r.Len() != 2 {
		t.Errorf("Len() after untrack = %d, want 2", r.Len())
	}
}

func TestCleanerRun(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(root, "windusb_")
	for _, name := range []string{"windusb_usb_a", "windusb_iso_a"} {
		if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	// Not ours, must be left alone.
	if err := os.Mkdir(filepath.Join(root, "other"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	rec := &recorder{}
	opts := rec.options(prefix)
	opts.Registry = NewRegistry()
	opts.Registry.Track(4242)
	opts.Registry.Track(4243)

	c := New(opts)
	report := c.Run()

	if !reflect.DeepEqual(rec.killed, []int{4242, 4243}) {
		t.Errorf("killed = %v", rec.killed)
	}
	if !reflect.DeepEqual(report.Killed, []int{4242, 4243}) {
		t.Errorf("report.Killed = %v", report.Killed)
	}
	if opts.Registry.Len() != 0 {
		t.Errorf("registry still tracks %d pids", opts.Registry.Len())
	}
	if !reflect.DeepEqual(rec.pkilled, DefaultHelperNames) {
		t.Errorf("pkilled = %v, want %v", rec.pkilled, DefaultHelperNames)
	}
	if len(rec.unmounted) != 2 {
		t.Fatalf("unmounted = %v, want 2 mountpoints", rec.unmounted)
	}
	for _, mp := range rec.unmounted {
		if filepath.Dir(mp) != root || filepath.Base(mp) == "other" {
			t.Errorf("unexpected unmount of %s", mp)
		}
		if _, err := os.Stat(mp); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("mountpoint %s not removed", mp)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "other")); err != nil {
		t.Errorf("unrelated dir removed: %v", err)
	}
	if rec.selfKills != 1 {
		t.Errorf("selfKills = %d, want 1", rec.selfKills)
	}
	if !c.Done() {
		t.Error("Done() = false after Run")
	}
}

func TestCleanerRunIdempotent(t *testing.T) {
	root := t.TempDir()
	prefix := filepath.Join(root, "windusb_")
	if err := os.Mkdir(prefix+"usb_x", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	rec := &recorder{}
	opts := rec.options(prefix)
	opts.Registry = NewRegistry()
	opts.Registry.Track(99)
	c := New(opts)

	c.Run()
	killed, pkilled, unmounted, selfKills := len(rec.killed), len(rec.pkilled), len(rec.unmounted), rec.selfKills

	second := c.Run()
	if len(second.Killed) != 0 || len(second.Unmounted) != 0 {
		t.Errorf("second Run reported work: %+v", second)
	}
	if len(rec.killed) != killed || len(rec.pkilled) != pkilled ||
		len(rec.unmounted) != unmounted || rec.selfKills != selfKills {
		t.Error("second Run had side effects")
	}
}

func TestCleanerConcurrentRun(t *testing.T) {
	rec := &recorder{}
	opts := rec.options("")
	opts.Registry = NewRegistry()
	opts.Registry.Track(7)
	c := New(opts)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run()
		}()
	}
	wg.Wait()

	if len(rec.killed) != 1 || rec.selfKills != 1 {
		t.Errorf("killed = %v, selfKills = %d, want a single pass", rec.killed, rec.selfKills)
	}
}

func TestCleanerKillFailureKeepsPid(t *testing.T) {
	rec := &recorder{}
	opts := rec.options("")
	opts.KillOwnGroup = false
	opts.Registry = NewRegistry()
	opts.Registry.Track(5)
	opts.KillGroup = func(pid int) error { return errors.New("operation not permitted") }

	report := New(opts).Run()
	if len(report.Killed) != 0 {
		t.Errorf("report.Killed = %v, want none", report.Killed)
	}
	if opts.Registry.Len() != 1 {
		t.Errorf("failed kill untracked the pid")
	}
	if rec.selfKills != 0 {
		t.Errorf("own group killed with KillOwnGroup=false")
	}
}
