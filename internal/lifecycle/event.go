package lifecycle

import (
	"fmt"
	"strings"
)

// Event is an abstract host-scheduler callback point, in firing order.
type Event int

const (
	OptionRegistration Event = iota
	LocalSetup
	RemoteSetup
	TaskStart
	TaskExit
	JobExit
)

var eventNames = [...]string{
	OptionRegistration: "option-registration",
	LocalSetup:         "local-setup",
	RemoteSetup:        "remote-setup",
	TaskStart:          "task-start",
	TaskExit:           "task-exit",
	JobExit:            "job-exit",
}

func (e Event) String() string {
	if e >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Events lists every event in firing order.
func Events() []Event {
	return []Event{OptionRegistration, LocalSetup, RemoteSetup, TaskStart, TaskExit, JobExit}
}

// ParseEvent accepts the names String produces.
func ParseEvent(s string) (Event, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, e := range Events() {
		if eventNames[e] == name {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle event %q", s)
}

// ExecutionSide reports whether e fires on the compute node, where the
// policy has to be rebuilt from the environment.
func (e Event) ExecutionSide() bool {
	return e >= RemoteSetup
}

// ExitPath reports whether e tears directories down.
func (e Event) ExitPath() bool {
	return e == TaskExit || e == JobExit
}
