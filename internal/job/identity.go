// Package job describes the job/step/task identity a lifecycle callback runs
// for.
package job

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved step identifiers. The batch script and the extern container are
// pseudo-steps: they stand for the job as a whole rather than a parallel step.
const (
	StepBatch  uint32 = 0xfffffffb
	StepExtern uint32 = 0xfffffffc
	NoVal      uint32 = 0xfffffffe
)

// Identity is read from the host scheduler once per callback invocation and is
// never modified afterwards.
type Identity struct {
	JobID  uint32
	StepID uint32
	TaskID uint32
	UID    int
	GID    int
}

// IsPseudoStep reports whether the step is the batch or extern pseudo-step.
func (id Identity) IsPseudoStep() bool {
	return IsPseudoStep(id.StepID)
}

// StepString renders the step id, using names for the pseudo-steps.
func (id Identity) StepString() string {
	return FormatStepID(id.StepID)
}

func (id Identity) String() string {
	return fmt.Sprintf("%d.%s.%d", id.JobID, id.StepString(), id.TaskID)
}

// IsPseudoStep reports whether step is one of the reserved pseudo-step ids.
func IsPseudoStep(step uint32) bool {
	return step == StepBatch || step == StepExtern
}

// FormatStepID renders step the way ParseStepID accepts it.
func FormatStepID(step uint32) string {
	switch step {
	case StepBatch:
		return "batch"
	case StepExtern:
		return "extern"
	}
	return strconv.FormatUint(uint64(step), 10)
}

// ParseStepID accepts "batch", "extern" or a decimal step number.
func ParseStepID(s string) (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "batch":
		return StepBatch, nil
	case "extern":
		return StepExtern, nil
	case "":
		return 0, fmt.Errorf("step id is empty")
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid step id %q: %w", s, err)
	}
	return uint32(v), nil
}
