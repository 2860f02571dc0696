package windusb

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Phase is one step of the flash pipeline. Phases run in declaration order
// and are never revisited within a job.
type Phase int

const (
	PhaseDetect Phase = iota
	PhasePrepare
	PhasePartition
	PhaseFormat
	PhaseMount
	PhaseExtract
	PhaseSplit
	PhaseFinalize
)

// Phases lists every phase in execution order.
var Phases = []Phase{
	PhaseDetect,
	PhasePrepare,
	PhasePartition,
	PhaseFormat,
	PhaseMount,
	PhaseExtract,
	PhaseSplit,
	PhaseFinalize,
}

func (p Phase) String() string {
	switch p {
	case PhaseDetect:
		return "detect"
	case PhasePrepare:
		return "prepare"
	case PhasePartition:
		return "partition"
	case PhaseFormat:
		return "format"
	case PhaseMount:
		return "mount"
	case PhaseExtract:
		return "extract"
	case PhaseSplit:
		return "split"
	case PhaseFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Title is the human label used by the front ends.
func (p Phase) Title() string {
	switch p {
	case PhasePartition:
		return "Wipe & Partition"
	case PhaseFinalize:
		return "Sync"
	default:
		s := p.String()
		return strings.ToUpper(s[:1]) + s[1:]
	}
}

// EventKind identifies the variant of a ProgressEvent.
type EventKind int

const (
	EventUpdate EventKind = iota
	EventFinished
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventFinished:
		return "finished"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// FinishedMessage is shown when a job completes successfully.
const FinishedMessage = "Installation Finished! You can now safely unplug the drive."

// InvalidImageMessage is reported when the image has no installation payload.
const InvalidImageMessage = "Invalid ISO: install.wim/esd not found"

// ProgressEvent is the only value crossing from the pipeline to a front end.
// A job emits any number of updates followed by at most one terminal event
// (Finished or Error), which is always the last one.
type ProgressEvent struct {
	Kind     EventKind
	Phase    Phase
	Message  string
	Fraction float64 // 0.0 to 1.0
	Time     time.Time
}

// Terminal reports whether the event ends the stream.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventFinished || e.Kind == EventError
}

// Update builds a progress update.
func Update(phase Phase, message string, fraction float64) ProgressEvent {
	return ProgressEvent{Kind: EventUpdate, Phase: phase, Message: message, Fraction: fraction, Time: time.Now()}
}

// Finished builds the success terminal event.
func Finished() ProgressEvent {
	return ProgressEvent{Kind: EventFinished, Phase: PhaseFinalize, Message: FinishedMessage, Fraction: 1, Time: time.Now()}
}

// Failed builds the error terminal event.
func Failed(phase Phase, message string) ProgressEvent {
	return ProgressEvent{Kind: EventError, Phase: phase, Message: message, Time: time.Now()}
}

const (
	wimPayload = "sources/install.wim"
	esdPayload = "sources/install.esd"
)

// InstallPayload is the oversized installation file found inside the image.
type InstallPayload struct {
	// Path is relative to the image root, e.g. "sources/install.wim".
	Path string
	// SplitExt is the extension of the split parts written to the target.
	SplitExt string
}

// DetectPayload picks the installation payload from a 7z listing of the image.
// A WIM payload wins over an ESD one when both appear.
func DetectPayload(listing string) (InstallPayload, bool) {
	// 7z prints Windows-style separators for some image types
	normalized := strings.ReplaceAll(listing, `\`, "/")
	switch {
	case strings.Contains(normalized, wimPayload):
		return InstallPayload{Path: wimPayload, SplitExt: "swm"}, true
	case strings.Contains(normalized, esdPayload):
		return InstallPayload{Path: esdPayload, SplitExt: strings.TrimPrefix(path.Ext(esdPayload), ".")}, true
	default:
		return InstallPayload{}, false
	}
}

// Name is the payload file name, used as the extraction exclusion.
func (p InstallPayload) Name() string {
	return path.Base(p.Path)
}

// SourceIn returns the payload location under a mounted image.
func (p InstallPayload) SourceIn(imageRoot string) string {
	return filepath.Join(imageRoot, filepath.FromSlash(p.Path))
}

// SplitDest returns the first split part path under the mounted target.
func (p InstallPayload) SplitDest(targetRoot string) string {
	return filepath.Join(targetRoot, "sources", "install."+p.SplitExt)
}

// FlashJob is one run of the pipeline against one drive.
type FlashJob struct {
	ID         ulid.ULID
	Drive      string
	ImagePath  string
	USBMount   string
	ImageMount string
	Payload    InstallPayload
	CreatedAt  time.Time
}

// DefaultMountPrefix is the naming prefix of every ephemeral mountpoint.
// Cleanup finds leftovers by globbing it.
const DefaultMountPrefix = "/tmp/windusb_"

// NewFlashJob creates a job with fresh mountpoint names under prefix.
func NewFlashJob(drive, imagePath, prefix string) *FlashJob {
	if prefix == "" {
		prefix = DefaultMountPrefix
	}
	id := ulid.Make()
	suffix := MountSuffix(id)
	return &FlashJob{
		ID:         id,
		Drive:      drive,
		ImagePath:  imagePath,
		USBMount:   prefix + "usb_" + suffix,
		ImageMount: prefix + "iso_" + suffix,
		CreatedAt:  time.Now(),
	}
}

// PartitionPath derives the first partition node of a drive by naming
// convention: NVMe-style names take a "p" separator.
func PartitionPath(drive string) string {
	if strings.Contains(drive, "nvme") {
		return drive + "p1"
	}
	return drive + "1"
}
