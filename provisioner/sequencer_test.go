package provisioner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/esp-provisioning-station/espcmd"
	"github.com/ruteri/esp-provisioning-station/interfaces"
	"github.com/ruteri/esp-provisioning-station/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner records commands and fails the call whose subcommand matches failOn.
type scriptedRunner struct {
	commands []interfaces.Command
	failOn   string
	onRun    func(cmd interfaces.Command)
}

func (r *scriptedRunner) Run(ctx context.Context, cmd interfaces.Command) (interfaces.ProcessResult, error) {
	r.commands = append(r.commands, cmd)
	if r.onRun != nil {
		r.onRun(cmd)
	}
	if r.failOn != "" && containsArg(cmd, r.failOn) {
		return interfaces.ProcessResult{ExitCode: 2, Output: []byte("A fatal error occurred")}, nil
	}
	return interfaces.ProcessResult{ExitCode: 0}, nil
}

func (r *scriptedRunner) subcommands() []string {
	var subs []string
	for _, c := range r.commands {
		for _, a := range c.Args {
			if a == "write_flash" || a == "burn_bit" || a == "burn_block_data" {
				subs = append(subs, a)
			}
		}
	}
	return subs
}

func containsArg(cmd interfaces.Command, arg string) bool {
	for _, a := range cmd.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// readOnlyToken loads a fixed value and refuses writes.
type readOnlyToken struct {
	data string
}

func (t *readOnlyToken) Load(ctx context.Context) ([]byte, error) { return []byte(t.data), nil }
func (t *readOnlyToken) Save(ctx context.Context, data []byte) error {
	return errors.New("disk full")
}
func (t *readOnlyToken) LocationURI() string { return "mem://read-only" }

type testEnv struct {
	dir        string
	serialPath string
	keyPath    string
	runner     *scriptedRunner
	records    *storage.FileBackend
	cfg        Config
	logger     *slog.Logger
}

func newTestEnv(t *testing.T, serial string) *testEnv {
	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		serialPath: filepath.Join(dir, "serial_number.txt"),
		keyPath:    filepath.Join(dir, "key.txt"),
		runner:     &scriptedRunner{},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	require.NoError(t, os.WriteFile(env.serialPath, []byte(serial), 0644))

	records, err := storage.NewFileBackend(filepath.Join(dir, "records"), env.logger)
	require.NoError(t, err)
	env.records = records

	env.cfg = DefaultConfig()
	env.cfg.Port = "COM9"
	env.cfg.Firmware = "ecocomfort_essential.bin"
	env.cfg.SerialLocation = env.serialPath
	env.cfg.KeyLocation = env.keyPath
	env.cfg.ScratchDir = dir
	env.cfg.Strategy = interfaces.BitBurn
	return env
}

func (e *testEnv) sequencer(t *testing.T) *Sequencer {
	deps := Deps{
		Runner:  e.runner,
		Serial:  storage.NewFileToken(e.serialPath),
		Records: e.records,
		Log:     e.logger,
	}
	if e.cfg.Strategy.BurnsKey() {
		deps.Key = storage.NewFileToken(e.keyPath)
	}
	seq, err := NewSequencer(e.cfg, deps)
	require.NoError(t, err)
	return seq
}

func (e *testEnv) serialFile(t *testing.T) string {
	data, err := os.ReadFile(e.serialPath)
	require.NoError(t, err)
	return string(data)
}

func TestRunBitBurnSuccess(t *testing.T) {
	env := newTestEnv(t, "000004D2\n")

	record, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "000004D3", env.serialFile(t))
	assert.Equal(t, OutcomeSuccess, record.Outcome)
	assert.Equal(t, "000004D2", record.Serial)
	assert.Equal(t, "000004D3", record.NextSerial)
	assert.Equal(t, []int{1, 4, 6, 7, 10}, record.SerialBits)
	assert.False(t, record.KeyBurned)

	require.Len(t, env.runner.commands, 2)
	assert.Equal(t, []string{
		"esptool.py", "--port", "COM9", "--baud", "1152000", "--chip", "esp32c3", "write_flash",
		"0x0", "bootloader.bin", "0x8000", "partition-table.bin", "0x10000", "ecocomfort_essential.bin",
	}, env.runner.commands[0].Args)
	assert.Equal(t, []string{
		"espefuse.py", "--port", "COM9", "--chip", "esp32c3", "burn_bit", "BLOCK3", "1", "4", "6", "7", "10",
	}, env.runner.commands[1].Args)

	var names []string
	for _, s := range record.Steps {
		names = append(names, s.Name)
		assert.True(t, s.OK, s.Name)
	}
	assert.Equal(t, []string{StepLoadSerial, StepBoundsCheck, StepFlashFirmware, StepBurnSerial, StepAdvanceSerial}, names)

	require.NotEmpty(t, record.ContentID)
	id, err := interfaces.NewContentIDFromHex(record.ContentID)
	require.NoError(t, err)
	archived, err := env.records.Fetch(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, string(archived), `"outcome": "success"`)
	assert.NotContains(t, string(archived), "content_id")
}

func TestRunForcedSerialBurn(t *testing.T) {
	env := newTestEnv(t, "00000001")
	env.cfg.ForceBurn = true
	env.cfg.DoNotConfirm = true

	_, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, env.runner.commands, 2)
	assert.Equal(t, []string{
		"espefuse.py", "--port", "COM9", "--chip", "esp32c3", "--do-not-confirm", "--force-write-always", "burn_bit", "BLOCK3", "0",
	}, env.runner.commands[1].Args)
}

func TestRunFlashFailure(t *testing.T) {
	env := newTestEnv(t, "000004D2")
	env.runner.failOn = "write_flash"

	record, err := env.sequencer(t).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrExternalTool)

	var toolErr *espcmd.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "esptool", toolErr.Tool)

	assert.Equal(t, []string{"write_flash"}, env.runner.subcommands(), "no fuse burn after a failed flash")
	assert.Equal(t, "000004D2", env.serialFile(t))
	assert.Equal(t, OutcomeAborted, record.Outcome)

	step, ok := record.Step(StepFlashFirmware)
	require.True(t, ok)
	assert.False(t, step.OK)
	require.NotNil(t, step.ExitCode)
	assert.Equal(t, 2, *step.ExitCode)
	assert.NotEmpty(t, record.ContentID, "aborted runs that reached the device are archived")
}

func TestRunSerialBurnFailure(t *testing.T) {
	env := newTestEnv(t, "000004D2")
	env.runner.failOn = "burn_bit"

	record, err := env.sequencer(t).Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrExternalTool)
	assert.Equal(t, "000004D2", env.serialFile(t))
	assert.Equal(t, OutcomeAborted, record.Outcome)
	_, advanced := record.Step(StepAdvanceSerial)
	assert.False(t, advanced)
}

func TestRunByteBlockWrite(t *testing.T) {
	env := newTestEnv(t, "000004D2")
	env.cfg.Strategy = interfaces.ByteBlockWrite

	var scratch string
	var scratchData []byte
	env.runner.onRun = func(cmd interfaces.Command) {
		if containsArg(cmd, "burn_block_data") {
			scratch = cmd.Args[len(cmd.Args)-1]
			scratchData, _ = os.ReadFile(scratch)
		}
	}

	record, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, env.runner.commands, 2)
	args := env.runner.commands[1].Args
	assert.Equal(t, []string{"espefuse.py", "--port", "COM9", "--chip", "esp32c3", "burn_block_data", "--offset", "28", "BLOCK3"}, args[:len(args)-1])
	assert.Equal(t, []byte{0x00, 0x00, 0x04, 0xD2}, scratchData)
	assert.Equal(t, env.dir, filepath.Dir(scratch))

	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err), "scratch file must be removed")

	step, ok := record.Step(StepCleanup)
	require.True(t, ok)
	assert.True(t, step.OK)
	assert.Equal(t, "000004D3", env.serialFile(t))
}

func TestRunByteBlockWriteCleansUpOnFailure(t *testing.T) {
	env := newTestEnv(t, "000004D2")
	env.cfg.Strategy = interfaces.ByteBlockWrite
	env.runner.failOn = "burn_block_data"

	_, err := env.sequencer(t).Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrExternalTool)

	matches, err := filepath.Glob(filepath.Join(env.dir, "serial_number-*.bin"))
	require.NoError(t, err)
	assert.Empty(t, matches)
	assert.Equal(t, "000004D2", env.serialFile(t))
}

func TestRunBitBurnWithKey(t *testing.T) {
	env := newTestEnv(t, "0000000F")
	env.cfg.Strategy = interfaces.BitBurnWithKey
	require.NoError(t, os.WriteFile(env.keyPath, []byte("a5\n"), 0600))

	record, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, env.runner.commands, 3)
	assert.Equal(t, []string{
		"espefuse.py", "--port", "COM9", "--chip", "esp32c3", "--force-write-always", "burn_bit", "BLOCK_KEY0", "0", "2", "5", "7",
	}, env.runner.commands[2].Args)
	assert.True(t, record.KeyBurned)
	assert.Equal(t, "00000010", env.serialFile(t))

	archived, err := os.ReadDir(filepath.Join(env.dir, "records"))
	require.NoError(t, err)
	require.Len(t, archived, 1)
	data, err := os.ReadFile(filepath.Join(env.dir, "records", archived[0].Name()))
	require.NoError(t, err)
	assert.NotContains(t, strings.ToLower(string(data)), `"a5"`)
}

func TestRunKeyBurnFailure(t *testing.T) {
	env := newTestEnv(t, "0000000F")
	env.cfg.Strategy = interfaces.BitBurnWithKey
	require.NoError(t, os.WriteFile(env.keyPath, []byte("a5"), 0600))
	env.runner.failOn = "BLOCK_KEY0"

	_, err := env.sequencer(t).Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrExternalTool)
	assert.Equal(t, "0000000F", env.serialFile(t))
}

func TestRunMissingKeyNeverTouchesDevice(t *testing.T) {
	env := newTestEnv(t, "0000000F")
	env.cfg.Strategy = interfaces.BitBurnWithKey

	record, err := env.sequencer(t).Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrConfig)
	assert.Empty(t, env.runner.commands)
	assert.Empty(t, record.ContentID)
}

func TestRunSerialErrors(t *testing.T) {
	tests := []struct {
		name    string
		serial  *string
		lenient bool
		wantErr error
	}{
		{name: "missing file", wantErr: interfaces.ErrConfig},
		{name: "not hex", serial: ptr("hello"), wantErr: interfaces.ErrConfig},
		{name: "noise in strict mode", serial: ptr("1a-2b"), wantErr: interfaces.ErrConfig},
		{name: "wider than fuse field", serial: ptr("100000000"), lenient: true, wantErr: interfaces.ErrValidation},
		{name: "counter cannot advance", serial: ptr("FFFFFFFF"), lenient: true, wantErr: interfaces.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			if tt.serial == nil {
				require.NoError(t, os.Remove(env.serialPath))
			} else {
				require.NoError(t, os.WriteFile(env.serialPath, []byte(*tt.serial), 0644))
			}
			env.cfg.LenientSerial = tt.lenient

			_, err := env.sequencer(t).Run(context.Background())
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, env.runner.commands, "hardware must not be contacted")
		})
	}
}

func TestRunLenientSerial(t *testing.T) {
	env := newTestEnv(t, " 1a-2b \n")

	record, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "00001A2B", record.Serial)
	assert.Equal(t, "00001A2C", env.serialFile(t))
}

func TestRunOverflowWrap(t *testing.T) {
	env := newTestEnv(t, "FFFFFFFF")
	env.cfg.Overflow = interfaces.OverflowWrap

	_, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "00000000", env.serialFile(t))
}

func TestRunPersistenceFailure(t *testing.T) {
	env := newTestEnv(t, "")
	seq, err := NewSequencer(env.cfg, Deps{
		Runner: env.runner,
		Serial: &readOnlyToken{data: "000004D2"},
		Log:    env.logger,
	})
	require.NoError(t, err)

	record, err := seq.Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrPersistence)
	assert.Equal(t, []string{"write_flash", "burn_bit"}, env.runner.subcommands())
	assert.Equal(t, OutcomeAborted, record.Outcome)
}

func TestRunDryRun(t *testing.T) {
	env := newTestEnv(t, "000004D2")
	env.cfg.DryRun = true
	dry := &espcmd.DryRunner{}

	seq, err := NewSequencer(env.cfg, Deps{
		Runner:  dry,
		Serial:  storage.NewFileToken(env.serialPath),
		Records: env.records,
		Log:     env.logger,
	})
	require.NoError(t, err)

	record, err := seq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, record.Outcome)
	assert.Len(t, dry.Commands, 2)
	assert.Equal(t, "000004D2", env.serialFile(t))
	assert.Empty(t, record.ContentID)
}

type countingObserver struct {
	steps    map[string]bool
	outcomes []string
}

func (o *countingObserver) ObserveStep(step string, ok bool, _ time.Duration) { o.steps[step] = ok }
func (o *countingObserver) ObserveRun(outcome string, _ time.Duration)        { o.outcomes = append(o.outcomes, outcome) }

func TestRunObserver(t *testing.T) {
	env := newTestEnv(t, "000004D2")
	env.runner.failOn = "burn_bit"
	obs := &countingObserver{steps: map[string]bool{}}

	seq, err := NewSequencer(env.cfg, Deps{
		Runner:   env.runner,
		Serial:   storage.NewFileToken(env.serialPath),
		Observer: obs,
		Log:      env.logger,
	})
	require.NoError(t, err)

	_, err = seq.Run(context.Background())
	require.Error(t, err)
	assert.True(t, obs.steps[StepFlashFirmware])
	assert.False(t, obs.steps[StepBurnSerial])
	assert.Equal(t, []string{OutcomeAborted}, obs.outcomes)
}

func TestNewSequencerValidation(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewSequencer(cfg, Deps{Runner: &scriptedRunner{}, Serial: &readOnlyToken{}})
	assert.ErrorIs(t, err, interfaces.ErrConfig, "port is required")

	cfg.Port = "COM9"
	cfg.Strategy = interfaces.BitBurnWithKey
	_, err = NewSequencer(cfg, Deps{Runner: &scriptedRunner{}, Serial: &readOnlyToken{}})
	assert.ErrorIs(t, err, interfaces.ErrConfig, "key location is required")

	cfg.KeyLocation = "key.txt"
	_, err = NewSequencer(cfg, Deps{Runner: &scriptedRunner{}, Serial: &readOnlyToken{}})
	assert.ErrorIs(t, err, interfaces.ErrConfig, "key store is required")

	cfg.KeyBlock = cfg.SerialBlock
	assert.ErrorIs(t, cfg.Validate(), interfaces.ErrConfig)

	cfg = DefaultConfig()
	cfg.Port = "COM9"
	_, err = NewSequencer(cfg, Deps{Serial: &readOnlyToken{}})
	assert.ErrorIs(t, err, interfaces.ErrConfig, "runner is required")
}

func ptr(s string) *string { return &s }

func TestDefaultStrategyWritesFirmwareSerialField(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, interfaces.ByteBlockWrite, cfg.Strategy)
	assert.Equal(t, "BLOCK3", cfg.SerialBlock)
	assert.Equal(t, 28, cfg.SerialOffset, "bits 224..255 of BLOCK3")
}

func TestRunZeroSerialBitBurn(t *testing.T) {
	env := newTestEnv(t, "00000000")

	record, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"write_flash"}, env.runner.subcommands(), "burn_bit without positions is invalid")
	step, ok := record.Step(StepBurnSerial)
	require.True(t, ok)
	assert.True(t, step.OK)
	assert.Nil(t, step.ExitCode)
	assert.Empty(t, record.SerialBits)
	assert.Equal(t, "00000001", env.serialFile(t))
}

func TestRunZeroSerialByteBlock(t *testing.T) {
	env := newTestEnv(t, "00000000")
	env.cfg.Strategy = interfaces.ByteBlockWrite

	var scratchData []byte
	env.runner.onRun = func(cmd interfaces.Command) {
		if containsArg(cmd, "burn_block_data") {
			scratchData, _ = os.ReadFile(cmd.Args[len(cmd.Args)-1])
		}
	}

	_, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"write_flash", "burn_block_data"}, env.runner.subcommands())
	assert.Equal(t, []byte{0, 0, 0, 0}, scratchData)
	assert.Equal(t, "00000001", env.serialFile(t))
}

func TestRunZeroKey(t *testing.T) {
	env := newTestEnv(t, "0000000F")
	env.cfg.Strategy = interfaces.BitBurnWithKey
	require.NoError(t, os.WriteFile(env.keyPath, []byte("0"), 0600))

	record, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, env.runner.commands, 2)
	assert.False(t, containsArg(env.runner.commands[1], "BLOCK_KEY0"))
	step, ok := record.Step(StepBurnKey)
	require.True(t, ok)
	assert.True(t, step.OK)
	assert.False(t, record.KeyBurned)
	assert.Equal(t, "00000010", env.serialFile(t))
}

func TestRunByteBlockCountsTokenBytes(t *testing.T) {
	env := newTestEnv(t, "0000000000FF")
	env.cfg.Strategy = interfaces.ByteBlockWrite

	_, err := env.sequencer(t).Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrValidation)
	assert.Empty(t, env.runner.commands, "hardware must not be contacted")
	assert.Equal(t, "0000000000FF", env.serialFile(t))

	// bit burns only care whether the value fits in 32 bits
	env = newTestEnv(t, "0000000000FF")
	record, err := env.sequencer(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "000000FF", record.Serial)
}
