package provisioner

import (
	"encoding/json"
	"time"
)

// Step names, in pipeline order.
const (
	StepLoadSerial    = "load_serial"
	StepBoundsCheck   = "bounds_check"
	StepLoadKey       = "load_key"
	StepFlashFirmware = "flash_firmware"
	StepBurnSerial    = "burn_serial"
	StepBurnKey       = "burn_key"
	StepAdvanceSerial = "advance_serial"
	StepCleanup       = "cleanup"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeAborted = "aborted"
	OutcomeDryRun  = "dry-run"
)

// StepResult is the outcome of one pipeline step.
type StepResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Record describes one provisioning run. It never contains key material.
type Record struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Port       string       `json:"port"`
	Chip       string       `json:"chip"`
	Strategy   string       `json:"strategy"`
	Serial     string       `json:"serial,omitempty"`
	NextSerial string       `json:"next_serial,omitempty"`
	SerialBits []int        `json:"serial_bits,omitempty"`
	KeyBurned  bool         `json:"key_burned"`
	Steps      []StepResult `json:"steps"`
	Outcome    string       `json:"outcome"`
	Error      string       `json:"error,omitempty"`

	// ContentID is where the record was archived; it is not part of the archived bytes.
	ContentID string `json:"content_id,omitempty"`
}

// Marshal encodes the record for archiving.
func (r *Record) Marshal() ([]byte, error) {
	archived := *r
	archived.ContentID = ""
	return json.MarshalIndent(archived, "", "  ")
}

// Step returns the named step result, if the step ran.
func (r *Record) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

func (r *Record) hardwareTouched() bool {
	_, ok := r.Step(StepFlashFirmware)
	return ok
}
