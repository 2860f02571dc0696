// Package flash runs the pipeline that turns a Windows installer image into
// a bootable USB drive.
//
// A job walks a fixed sequence of phases: Detect, Prepare, Wipe & Partition,
// Format, Mount, Extract, Split, Finalize. Progress leaves the package only
// as windusb.ProgressEvent values on the channel returned by Run. The drive
// is re-checked before every destructive step so a pulled stick fails fast
// with a message instead of a cascade of tool errors.
package flash

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Broly1/windusb"
	"github.com/Broly1/windusb/disktool"
	"github.com/Broly1/windusb/estimator"
	"github.com/Broly1/windusb/perf"
	"github.com/Broly1/windusb/safeguards"
	"github.com/Broly1/windusb/writeback"
)

// ErrInvalidImage is wrapped when the image carries no installation payload.
var ErrInvalidImage = errors.New("no install.wim or install.esd in image")

// Tools is the external tool surface the controller drives.
// *disktool.Client implements it.
type Tools interface {
	ListImage(ctx context.Context, imagePath string) (string, error)
	FlushBuffers(ctx context.Context, drive string) error
	WipeSignatures(ctx context.Context, drive string) error
	ZapPartitions(ctx context.Context, drive string) error
	CreatePartition(ctx context.Context, drive string) error
	RereadPartitions(ctx context.Context, drive string) error
	FormatFAT32(ctx context.Context, partition string) error
	Mount(ctx context.Context, device, mountPoint string) error
	MountLoopRO(ctx context.Context, imagePath, mountPoint string) error
	Extract(ctx context.Context, imagePath, dest, exclude string) error
	SplitWIM(ctx context.Context, src, dst string, chunkMB int) error
	Sync(ctx context.Context) error
	UnmountBestEffort(ctx context.Context, mountPoint string)
	MountedPartitions(drive string) ([]string, error)
	IsMounted(mountPoint string) (bool, error)
}

// Guard fails with a *safeguards.DeviceDisconnectedError carrying message
// when the drive node is gone. *safeguards.DeviceGuard implements it.
type Guard interface {
	Check(drive, message string) error
}

// Dependencies holds external dependencies for the controller.
type Dependencies struct {
	Tools    Tools
	Guard    Guard
	Dirty    writeback.Reader
	Samplers estimator.Factory
	Logger   logrus.FieldLogger

	// Sleep waits for d or until ctx ends. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Config tunes a Controller.
type Config struct {
	// SplitChunkMB is the largest split part, below the FAT32 file limit.
	SplitChunkMB int
	// SettleDelay follows partprobe so the kernel can create the partition node.
	SettleDelay    time.Duration
	PollInterval   time.Duration
	FlushInterval  time.Duration
	DirtyThreshold uint64
	MountPrefix    string
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		SplitChunkMB:   3400,
		SettleDelay:    2 * time.Second,
		PollInterval:   500 * time.Millisecond,
		FlushInterval:  200 * time.Millisecond,
		DirtyThreshold: estimator.DefaultDirtyThreshold,
		MountPrefix:    windusb.DefaultMountPrefix,
	}
}

// PhaseError is a fatal failure with the message shown to the user.
type PhaseError struct {
	Phase   windusb.Phase
	Message string
	Err     error
}

func (e *PhaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Phase, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Phase, e.Message)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func fail(phase windusb.Phase, message string, err error) error {
	return &PhaseError{Phase: phase, Message: message, Err: err}
}

// Controller runs flash jobs.
type Controller struct {
	deps   Dependencies
	cfg    Config
	logger logrus.FieldLogger
}

// NewController creates a controller. Zero config fields take defaults,
// except SettleDelay: zero there means no settle wait.
func NewController(deps Dependencies, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.SplitChunkMB <= 0 {
		cfg.SplitChunkMB = def.SplitChunkMB
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.DirtyThreshold == 0 {
		cfg.DirtyThreshold = def.DirtyThreshold
	}
	if cfg.MountPrefix == "" {
		cfg.MountPrefix = def.MountPrefix
	}
	if deps.Guard == nil {
		deps.Guard = safeguards.NewDeviceGuard()
	}
	if deps.Samplers == nil {
		deps.Samplers = estimator.DefaultFactory{Dirty: deps.Dirty}
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Controller{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.WithField("component", "flash"),
	}
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// NewJob creates a job with mountpoints under the configured prefix.
func (c *Controller) NewJob(drive, imagePath string) *windusb.FlashJob {
	return windusb.NewFlashJob(drive, imagePath, c.cfg.MountPrefix)
}

// Inspect lists the image and returns its installation payload.
func (c *Controller) Inspect(ctx context.Context, imagePath string) (windusb.InstallPayload, error) {
	listing, err := c.deps.Tools.ListImage(ctx, imagePath)
	if err != nil {
		return windusb.InstallPayload{}, fmt.Errorf("list image: %w", err)
	}
	payload, ok := windusb.DetectPayload(listing)
	if !ok {
		return windusb.InstallPayload{}, ErrInvalidImage
	}
	return payload, nil
}

// Run starts job on its own goroutine and returns its event stream.
//
// The stream carries updates followed by exactly one Finished or Error
// event, then closes. If ctx is cancelled the stream closes without a
// terminal event; killing helpers and unmounting is the caller's cleanup.
func (c *Controller) Run(ctx context.Context, job *windusb.FlashJob) <-chan windusb.ProgressEvent {
	out := make(chan windusb.ProgressEvent, 64)
	go func() {
		defer close(out)
		c.run(ctx, job, estimator.NewEmitter(ctx, out))
	}()
	return out
}

func (c *Controller) run(ctx context.Context, job *windusb.FlashJob, em *estimator.Emitter) {
	logger := c.logger.WithFields(logrus.Fields{
		"job_id": job.ID.String(),
		"drive":  job.Drive,
		"image":  job.ImagePath,
	})
	metrics := perf.MetricsFromContext(ctx)
	start := time.Now()

	r := &jobRun{c: c, job: job, em: em, logger: logger, metrics: metrics, phase: windusb.PhaseDetect}
	err := safeguards.RecoverableOperation(logger, "flash", func() error {
		return r.execute(ctx)
	})

	switch {
	case ctx.Err() != nil:
		logger.WithField("phase", r.phase.String()).Warn("flash cancelled")
		metrics.Finish(time.Since(start), "cancelled", r.flushed)
		return
	case err != nil:
		var pe *PhaseError
		if !errors.As(err, &pe) {
			pe = &PhaseError{Phase: r.phase, Message: fmt.Sprintf("Unexpected failure during %s.", r.phase.Title()), Err: err}
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"phase": pe.Phase.String(),
			"cause": failureCause(err),
		}).Error("flash failed")
		r.teardown(ctx)
		metrics.Finish(time.Since(start), "error", r.flushed)
		em.Fail(pe.Phase, pe.Message)
	default:
		r.teardown(ctx)
		d := time.Since(start)
		metrics.Finish(d, "finished", r.flushed)
		logger.WithField("duration_ms", d.Milliseconds()).Info("flash finished")
		em.Finish()
	}
}

// jobRun is the mutable state of one job.
type jobRun struct {
	c       *Controller
	job     *windusb.FlashJob
	em      *estimator.Emitter
	logger  logrus.FieldLogger
	metrics *perf.PipelineMetrics

	phase       windusb.Phase
	phaseStart  time.Time
	payloadSize int64
	mounted     []string
	madeDirs    []string
	flushed     uint64
}

type step struct {
	phase windusb.Phase
	fn    func(ctx context.Context) error
}

func (r *jobRun) execute(ctx context.Context) error {
	steps := []step{
		{windusb.PhaseDetect, r.detect},
		{windusb.PhasePrepare, r.prepare},
		{windusb.PhasePartition, r.partition},
		{windusb.PhaseFormat, r.format},
		{windusb.PhaseMount, r.mount},
		{windusb.PhaseExtract, r.extract},
		{windusb.PhaseSplit, r.split},
		{windusb.PhaseFinalize, r.finalize},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.enter(s.phase)
		r.em.Update(s.phase, r.startMessage(s.phase), startFraction[s.phase])
		err := s.fn(ctx)
		r.leave()
		if err != nil {
			return err
		}
	}
	return nil
}

var startFraction = map[windusb.Phase]float64{
	windusb.PhaseDetect:    0,
	windusb.PhasePrepare:   0.02,
	windusb.PhasePartition: 0.02,
	windusb.PhaseFormat:    0.03,
	windusb.PhaseMount:     0.04,
	windusb.PhaseExtract:   estimator.ExtractStart,
	windusb.PhaseSplit:     estimator.SplitStart,
	windusb.PhaseFinalize:  estimator.FlushStart,
}

func (r *jobRun) startMessage(phase windusb.Phase) string {
	switch phase {
	case windusb.PhaseDetect:
		return "Inspecting installer image..."
	case windusb.PhasePrepare:
		return fmt.Sprintf("Formatting drive %s...", r.job.Drive)
	case windusb.PhasePartition:
		return "Partitioning drive..."
	case windusb.PhaseFormat:
		return "Creating FAT32 filesystem..."
	case windusb.PhaseMount:
		return "Mounting drive and image..."
	case windusb.PhaseExtract:
		return "Extracting boot files..."
	case windusb.PhaseSplit:
		return fmt.Sprintf("Splitting %s...", r.job.Payload.Name())
	default:
		return "Flushing cache..."
	}
}

func (r *jobRun) enter(phase windusb.Phase) {
	r.phase = phase
	r.phaseStart = time.Now()
	r.logger.WithField("phase", phase.String()).Info("phase started")
}

func (r *jobRun) leave() {
	d := time.Since(r.phaseStart)
	r.metrics.RecordPhase(r.phase, d)
	r.logger.WithFields(logrus.Fields{
		"phase":       r.phase.String(),
		"duration_ms": d.Milliseconds(),
	}).Debug("phase completed")
}

// check fails the current phase if the drive node is gone.
func (r *jobRun) check(message string) error {
	if err := r.c.deps.Guard.Check(r.job.Drive, message); err != nil {
		return fail(r.phase, message, err)
	}
	return nil
}

// failureCause classifies a fatal error for the failure log line.
func failureCause(err error) string {
	switch {
	case safeguards.IsDeviceDisconnected(err):
		return "device_lost"
	case errors.Is(err, ErrInvalidImage):
		return "invalid_image"
	case disktool.IsToolError(err):
		return "tool_failure"
	default:
		return "internal"
	}
}

func (r *jobRun) detect(ctx context.Context) error {
	payload, err := r.c.Inspect(ctx, r.job.ImagePath)
	if err != nil {
		return fail(windusb.PhaseDetect, windusb.InvalidImageMessage, err)
	}
	r.job.Payload = payload
	r.logger.WithField("payload", payload.Path).Info("installation payload detected")
	return nil
}

func (r *jobRun) prepare(ctx context.Context) error {
	mounts, err := r.c.deps.Tools.MountedPartitions(r.job.Drive)
	if err != nil {
		r.logger.WithError(err).Warn("could not list mounted partitions")
	}
	for _, mp := range mounts {
		r.c.deps.Tools.UnmountBestEffort(ctx, mp)
	}
	return r.check("Drive disconnected before formatting")
}

func (r *jobRun) partition(ctx context.Context) error {
	if err := r.check("Drive disconnected before formatting"); err != nil {
		return err
	}
	tools := r.c.deps.Tools
	drive := r.job.Drive
	for _, op := range []func(context.Context, string) error{
		tools.FlushBuffers,
		tools.WipeSignatures,
		tools.ZapPartitions,
		tools.CreatePartition,
		tools.RereadPartitions,
	} {
		if err := op(ctx, drive); err != nil {
			return fail(windusb.PhasePartition, "Partitioning failed. Drive may have been removed.", err)
		}
	}

	t := perf.Start("settle", r.logger)
	err := r.c.deps.Sleep(ctx, r.c.cfg.SettleDelay)
	r.metrics.RecordSettle(t.Stop())
	return err
}

func (r *jobRun) format(ctx context.Context) error {
	if err := r.check("Drive disconnected before formatting"); err != nil {
		return err
	}
	if err := r.c.deps.Tools.FormatFAT32(ctx, windusb.PartitionPath(r.job.Drive)); err != nil {
		return fail(windusb.PhaseFormat, "Formatting failed. Drive may have been removed.", err)
	}
	return nil
}

func (r *jobRun) mount(ctx context.Context) error {
	if err := r.check("Drive disconnected before mounting"); err != nil {
		return err
	}
	for _, dir := range []string{r.job.USBMount, r.job.ImageMount} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(windusb.PhaseMount, "Failed to mount USB drive.", fmt.Errorf("create mountpoint: %w", err))
		}
		r.madeDirs = append(r.madeDirs, dir)
	}

	tools := r.c.deps.Tools
	if err := tools.Mount(ctx, windusb.PartitionPath(r.job.Drive), r.job.USBMount); err != nil {
		return fail(windusb.PhaseMount, "Failed to mount USB drive.", err)
	}
	r.mounted = append(r.mounted, r.job.USBMount)

	if err := tools.MountLoopRO(ctx, r.job.ImagePath, r.job.ImageMount); err != nil {
		return fail(windusb.PhaseMount, "Failed to mount installer image.", err)
	}
	r.mounted = append(r.mounted, r.job.ImageMount)

	r.payloadSize = estimator.DefaultPayloadSize
	if fi, err := os.Stat(r.job.Payload.SourceIn(r.job.ImageMount)); err == nil {
		r.payloadSize = fi.Size()
	} else {
		r.logger.WithError(err).Warn("could not stat payload, assuming default size")
	}
	return nil
}

func (r *jobRun) extract(ctx context.Context) error {
	const msg = "Drive removed or 7z error during extraction."
	if err := r.check("Drive disconnected before extraction"); err != nil {
		return err
	}
	sampler := r.c.deps.Samplers.ExtractSampler(r.job)
	err := r.withMonitor(ctx, sampler, func(ctx context.Context) error {
		return r.c.deps.Tools.Extract(ctx, r.job.ImagePath, r.job.USBMount, r.job.Payload.Name())
	})
	if err != nil {
		return fail(windusb.PhaseExtract, msg, err)
	}
	return r.check(msg)
}

func (r *jobRun) split(ctx context.Context) error {
	const msg = "Drive removed or wimlib error during split."
	if err := r.check("Drive disconnected before split"); err != nil {
		return err
	}
	sampler := r.c.deps.Samplers.SplitSampler(r.job, r.payloadSize)
	src := r.job.Payload.SourceIn(r.job.ImageMount)
	dst := r.job.Payload.SplitDest(r.job.USBMount)
	err := r.withMonitor(ctx, sampler, func(ctx context.Context) error {
		return r.c.deps.Tools.SplitWIM(ctx, src, dst, r.c.cfg.SplitChunkMB)
	})
	if err != nil {
		return fail(windusb.PhaseSplit, msg, err)
	}
	return r.check(msg)
}

// withMonitor runs fn with a progress monitor alongside it. The monitor is
// stopped and joined before withMonitor returns.
func (r *jobRun) withMonitor(ctx context.Context, sampler estimator.Sampler, fn func(context.Context) error) error {
	m := estimator.NewMonitor(r.phase, sampler, r.em, r.c.cfg.PollInterval, r.logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Run(gctx)
	})
	g.Go(func() error {
		defer m.Stop()
		return fn(ctx)
	})
	err := g.Wait()
	r.logger.WithField("samples", m.Samples()).Debug("monitor joined")
	return err
}

func (r *jobRun) finalize(ctx context.Context) error {
	initial := writeback.Sample(r.c.deps.Dirty)
	gauge := estimator.NewFlushGauge(initial, r.c.cfg.DirtyThreshold)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- r.c.deps.Tools.Sync(ctx)
	}()

	ticker := time.NewTicker(r.c.cfg.FlushInterval)
	defer ticker.Stop()

	var syncFailure error
	last := initial
loop:
	for {
		select {
		case syncFailure = <-syncErr:
			break loop
		case <-ticker.C:
		}
		if err := r.check(syncLostMessage); err != nil {
			return err
		}
		last = writeback.Sample(r.c.deps.Dirty)
		reading := gauge.Reading(last)
		r.em.Update(windusb.PhaseFinalize, reading.Message, reading.Fraction)
	}

	if initial > last {
		r.flushed = initial - last
	} else {
		r.flushed = initial
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// sync can return before the first tick; a missing drive still wins.
	if err := r.check(syncLostMessage); err != nil {
		return err
	}
	if syncFailure != nil {
		return fail(windusb.PhaseFinalize, "Sync failed. Drive was likely unplugged.", syncFailure)
	}
	return nil
}

const syncLostMessage = "Drive disconnected during final sync."

// teardown unmounts what the job mounted, newest first, and removes the
// mountpoint directories. Only empty directories are removed; a failed
// unmount leaves its directory in place.
func (r *jobRun) teardown(ctx context.Context) {
	tools := r.c.deps.Tools
	for i := len(r.mounted) - 1; i >= 0; i-- {
		mp := r.mounted[i]
		if ok, err := tools.IsMounted(mp); err == nil && !ok {
			r.logger.WithField("mount", mp).Debug("already detached")
			continue
		}
		tools.UnmountBestEffort(ctx, mp)
	}
	r.mounted = nil
	for _, dir := range r.madeDirs {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.WithError(err).WithField("dir", dir).Warn("could not remove mountpoint")
		}
	}
	r.madeDirs = nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
