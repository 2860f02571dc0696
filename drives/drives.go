// Package drives enumerates USB disks that can be flashed.
package drives

import (
	"fmt"
	"sort"
	"strings"

	units "github.com/docker/go-units"
	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/block"
)

// Drive is one whole USB disk.
type Drive struct {
	Path      string
	Model     string
	Vendor    string
	Serial    string
	SizeBytes uint64
	Removable bool
}

// Size renders the capacity in decimal units, the way drive labels do.
func (d Drive) Size() string {
	return units.HumanSize(float64(d.SizeBytes))
}

// Label is the one-line description shown in pickers.
func (d Drive) Label() string {
	desc := strings.TrimSpace(strings.Join([]string{d.Vendor, d.Model}, " "))
	if desc == "" {
		desc = "unknown device"
	}
	return fmt.Sprintf("%s  %s  %s", d.Path, d.Size(), desc)
}

// List returns the USB disks attached to the machine.
func List() ([]Drive, error) {
	info, err := ghw.Block(ghw.WithDisableWarnings())
	if err != nil {
		return nil, fmt.Errorf("failed to read block devices: %w", err)
	}
	return FromDisks(info.Disks), nil
}

// FromDisks keeps the disks attached over USB that have media, sorted by
// path.
func FromDisks(disks []*block.Disk) []Drive {
	var out []Drive
	for _, d := range disks {
		if d == nil || d.SizeBytes == 0 || !strings.Contains(d.BusPath, "usb") {
			continue
		}
		out = append(out, Drive{
			Path:      "/dev/" + d.Name,
			Model:     clean(d.Model),
			Vendor:    clean(d.Vendor),
			Serial:    clean(d.SerialNumber),
			SizeBytes: d.SizeBytes,
			Removable: d.IsRemovable,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Find returns the drive at path.
func Find(drives []Drive, path string) (Drive, bool) {
	for _, d := range drives {
		if d.Path == path {
			return d, true
		}
	}
	return Drive{}, false
}

// clean drops ghw's placeholder for unknown fields and sysfs underscores.
func clean(s string) string {
	if s == "unknown" {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "_", " "))
}
