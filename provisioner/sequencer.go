package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/esp-provisioning-station/espcmd"
	"github.com/ruteri/esp-provisioning-station/fuse"
	"github.com/ruteri/esp-provisioning-station/interfaces"
)

// Observer receives step and run outcomes, e.g. for metrics.
type Observer interface {
	ObserveStep(step string, ok bool, d time.Duration)
	ObserveRun(outcome string, d time.Duration)
}

// Deps are the collaborators of a Sequencer.
type Deps struct {
	Runner interfaces.ProcessRunner
	Serial interfaces.TokenStore
	// Key is required for strategies that burn the key.
	Key interfaces.TokenStore
	// Records is optional; when set every run that reached the device is archived.
	Records  interfaces.RecordStore
	Observer Observer
	Log      *slog.Logger
}

// Sequencer runs the provisioning pipeline against one device:
//
//	load serial → bounds check → (load key) → flash → burn serial → (burn key) → advance serial → cleanup
//
// Every step runs only if all previous ones succeeded. The serial counter is
// written back only after all fuse burns succeeded.
type Sequencer struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// NewSequencer validates cfg and returns a sequencer.
func NewSequencer(cfg Config, deps Deps) (*Sequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("%w: process runner is required", interfaces.ErrConfig)
	}
	if deps.Serial == nil {
		return nil, fmt.Errorf("%w: serial token store is required", interfaces.ErrConfig)
	}
	if cfg.Strategy.BurnsKey() && deps.Key == nil {
		return nil, fmt.Errorf("%w: key token store is required for %s", interfaces.ErrConfig, cfg.Strategy)
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	return &Sequencer{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log,
		now:  time.Now,
	}, nil
}

// Config returns the sequencer's configuration.
func (s *Sequencer) Config() Config {
	return s.cfg
}

// run holds the state of one pipeline execution.
type run struct {
	*Sequencer
	log     *slog.Logger
	record  *Record
	raw     string
	serial  interfaces.SerialNumber
	next    interfaces.SerialNumber
	bits    fuse.BitSet
	keyBits fuse.BitSet
	scratch string
}

// Run executes the pipeline once. The returned record is never nil; on
// failure the error wraps one of interfaces.ErrConfig, ErrValidation,
// ErrExternalTool or ErrPersistence.
func (s *Sequencer) Run(ctx context.Context) (*Record, error) {
	runID := uuid.New().String()
	r := &run{
		Sequencer: s,
		log:       s.log.With("run_id", runID),
		record: &Record{
			RunID:     runID,
			StartedAt: s.now().UTC(),
			Port:      s.cfg.Port,
			Chip:      s.cfg.Chip,
			Strategy:  s.cfg.Strategy.String(),
		},
	}

	r.log.Info("Provisioning started",
		slog.String("port", s.cfg.Port),
		slog.String("strategy", s.cfg.Strategy.String()),
		slog.Bool("dry_run", s.cfg.DryRun))

	err := r.execute(ctx)
	r.cleanup()
	r.finish(ctx, err)

	return r.record, err
}

func (r *run) execute(ctx context.Context) error {
	if err := r.step(StepLoadSerial, r.loadSerial(ctx)); err != nil {
		return err
	}
	if err := r.step(StepBoundsCheck, r.boundsCheck()); err != nil {
		return err
	}
	if r.cfg.Strategy.BurnsKey() {
		if err := r.step(StepLoadKey, r.loadKey(ctx)); err != nil {
			return err
		}
	}

	if err := r.tool(ctx, StepFlashFirmware, "esptool", r.cfg.Tools.WriteFlash(r.cfg.flashOpts())); err != nil {
		return err
	}

	if r.cfg.Strategy != interfaces.ByteBlockWrite && len(r.bits) == 0 {
		// burn_bit needs at least one position; an all-zero value is already in the fuses
		r.log.Info("Serial has no bits set, nothing to burn", slog.String("serial", r.serial.String()))
		r.step(StepBurnSerial, nil)
	} else {
		serialCmd, err := r.serialBurnCommand()
		if err != nil {
			return r.step(StepBurnSerial, err)
		}
		if err := r.tool(ctx, StepBurnSerial, "espefuse", serialCmd); err != nil {
			return err
		}
	}

	if r.cfg.Strategy.BurnsKey() {
		if len(r.keyBits) == 0 {
			r.log.Info("Key has no bits set, nothing to burn")
			r.step(StepBurnKey, nil)
		} else {
			keyCmd := r.cfg.Tools.BurnBit(r.cfg.efuseOpts(true), r.cfg.KeyBlock, r.keyBits.Args())
			if err := r.tool(ctx, StepBurnKey, "espefuse", keyCmd); err != nil {
				return err
			}
			r.record.KeyBurned = !r.cfg.DryRun
		}
	}

	if r.cfg.DryRun {
		r.log.Info("Dry run, serial counter left unchanged", slog.String("next_serial", r.next.String()))
		return nil
	}

	return r.step(StepAdvanceSerial, r.advance(ctx))
}

func (r *run) loadSerial(ctx context.Context) error {
	data, err := r.deps.Serial.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: cannot read serial number from %s: %w", interfaces.ErrConfig, r.deps.Serial.LocationURI(), err)
	}

	serial, err := fuse.ParseSerial(string(data), r.cfg.LenientSerial)
	if err != nil {
		return fmt.Errorf("serial number from %s: %w", r.deps.Serial.LocationURI(), err)
	}

	r.raw = string(data)
	r.serial = serial
	r.record.Serial = serial.String()
	r.log.Info("Loaded serial number", slog.String("serial", serial.String()))
	return nil
}

// boundsCheck also settles the next counter value, so a device is never
// burned with a serial that cannot be advanced.
func (r *run) boundsCheck() error {
	if r.cfg.Strategy == interfaces.ByteBlockWrite {
		if err := fuse.CheckByteLength(r.raw, r.cfg.LenientSerial, fuse.SerialBytes); err != nil {
			return err
		}
	}

	bits, err := fuse.SerialBitSet(r.serial)
	if err != nil {
		return err
	}

	next, err := fuse.Increment(r.serial, r.cfg.Overflow)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrValidation, err)
	}

	r.bits = bits
	r.next = next
	r.record.SerialBits = bits
	r.record.NextSerial = next.String()
	return nil
}

func (r *run) loadKey(ctx context.Context) error {
	data, err := r.deps.Key.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: cannot read key from %s: %w", interfaces.ErrConfig, r.deps.Key.LocationURI(), err)
	}

	key, err := fuse.ParseKey(string(data), r.cfg.KeyBits)
	if err != nil {
		return fmt.Errorf("key from %s: %w", r.deps.Key.LocationURI(), err)
	}

	bits, err := fuse.KeyBitSet(key, r.cfg.KeyBits)
	if err != nil {
		return err
	}
	r.keyBits = bits
	r.log.Debug("Loaded key", slog.String("key", key.String()))
	return nil
}

func (r *run) serialBurnCommand() (interfaces.Command, error) {
	if r.cfg.Strategy != interfaces.ByteBlockWrite {
		return r.cfg.Tools.BurnBit(r.cfg.efuseOpts(r.cfg.ForceBurn), r.cfg.SerialBlock, r.bits.Args()), nil
	}

	f, err := os.CreateTemp(r.cfg.ScratchDir, "serial_number-*.bin")
	if err != nil {
		return interfaces.Command{}, fmt.Errorf("%w: cannot create scratch file: %w", interfaces.ErrConfig, err)
	}
	r.scratch = f.Name()

	_, err = f.Write(r.serial.Bytes())
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return interfaces.Command{}, fmt.Errorf("%w: cannot write scratch file: %w", interfaces.ErrConfig, err)
	}

	return r.cfg.Tools.BurnBlockData(r.cfg.efuseOpts(false), r.cfg.SerialBlock, r.cfg.SerialOffset, r.scratch), nil
}

func (r *run) advance(ctx context.Context) error {
	if err := r.deps.Serial.Save(ctx, []byte(r.next.String())); err != nil {
		// The fuses are already burned; only the operator can reconcile the counter now.
		r.log.Error("Device provisioned but serial counter was not advanced",
			slog.String("serial", r.serial.String()),
			slog.String("next_serial", r.next.String()),
			"err", err)
		return fmt.Errorf("%w: cannot write serial %s to %s: %w", interfaces.ErrPersistence, r.next, r.deps.Serial.LocationURI(), err)
	}
	r.log.Info("Advanced serial number", slog.String("next_serial", r.next.String()))
	return nil
}

func (r *run) tool(ctx context.Context, name, tool string, cmd interfaces.Command) error {
	r.log.Debug("Running tool", slog.String("step", name), slog.String("cmd", cmd.String()))

	start := r.now()
	res, err := espcmd.Check(ctx, r.deps.Runner, tool, cmd)
	exitCode := res.ExitCode
	r.record.Steps = append(r.record.Steps, stepResult(name, &exitCode, r.now().Sub(start), err))
	r.observe(name, err == nil, r.now().Sub(start))

	if err != nil {
		r.log.Error("Step failed", slog.String("step", name), slog.Int("exit_code", exitCode), "err", err)
		if len(res.Output) > 0 {
			r.log.Debug("Tool output", slog.String("step", name), slog.String("output", string(res.Output)))
		}
		return err
	}
	return nil
}

// step records a step that does not involve an external tool. The step's
// work has already run; err is its result.
func (r *run) step(name string, err error) error {
	r.record.Steps = append(r.record.Steps, stepResult(name, nil, 0, err))
	r.observe(name, err == nil, 0)
	if err != nil {
		r.log.Error("Step failed", slog.String("step", name), "err", err)
	}
	return err
}

func (r *run) observe(name string, ok bool, d time.Duration) {
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveStep(name, ok, d)
	}
}

func (r *run) cleanup() {
	if r.scratch == "" {
		return
	}
	err := os.Remove(r.scratch)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	r.record.Steps = append(r.record.Steps, stepResult(StepCleanup, nil, 0, err))
	if err != nil {
		r.log.Warn("Could not remove scratch file", slog.String("path", r.scratch), "err", err)
	}
}

func (r *run) finish(ctx context.Context, err error) {
	r.record.FinishedAt = r.now().UTC()
	duration := r.record.FinishedAt.Sub(r.record.StartedAt)

	switch {
	case err != nil:
		r.record.Outcome = OutcomeAborted
		r.record.Error = err.Error()
		r.log.Error("Provisioning aborted", "err", err, slog.Duration("duration", duration))
	case r.cfg.DryRun:
		r.record.Outcome = OutcomeDryRun
	default:
		r.record.Outcome = OutcomeSuccess
		r.log.Info("Provisioning finished",
			slog.String("serial", r.serial.String()),
			slog.String("next_serial", r.next.String()),
			slog.Duration("duration", duration))
	}

	if r.deps.Observer != nil {
		r.deps.Observer.ObserveRun(r.record.Outcome, duration)
	}

	if r.deps.Records == nil || r.cfg.DryRun || !r.record.hardwareTouched() {
		return
	}

	data, merr := r.record.Marshal()
	if merr != nil {
		r.log.Warn("Could not encode provisioning record", "err", merr)
		return
	}
	id, serr := r.deps.Records.Store(ctx, data)
	if serr != nil {
		r.log.Warn("Could not archive provisioning record", "err", serr)
		return
	}
	r.record.ContentID = id.String()
}

func stepResult(name string, exitCode *int, d time.Duration, err error) StepResult {
	res := StepResult{Name: name, OK: err == nil, ExitCode: exitCode, Duration: d}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
