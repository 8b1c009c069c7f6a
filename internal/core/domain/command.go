package domain

import "time"

// Action is a mutating operation on a container.
type Action string

const (
	ActionStart      Action = "start"
	ActionStop       Action = "stop"
	ActionRestart    Action = "restart"
	ActionPause      Action = "pause"
	ActionUnpause    Action = "unpause"
	ActionDelete     Action = "delete"
	ActionFullUpdate Action = "full_update"
)

// Actions lists every dispatchable action, in the order the bus bridge
// advertises them.
var Actions = []Action{
	ActionStart,
	ActionPause,
	ActionStop,
	ActionRestart,
	ActionDelete,
	ActionFullUpdate,
}

// ParseAction validates an action name coming off the wire.
func ParseAction(s string) (Action, bool) {
	for _, a := range Actions {
		if string(a) == s {
			return a, true
		}
	}
	if s == string(ActionUnpause) {
		return ActionUnpause, true
	}
	return "", false
}

// OutcomeState is the lifecycle of a submitted command.
type OutcomeState string

const (
	OutcomeInProgress OutcomeState = "in_progress"
	OutcomeSucceeded  OutcomeState = "succeeded"
	OutcomeFailed     OutcomeState = "failed"
)

// CommandRequest is one accepted mutating operation. Owned by the
// dispatcher for the duration of its execution; callers observe it
// through polling or waiting, never by mutation.
type CommandRequest struct {
	ID          string       `json:"id"`
	Resource    ResourceID   `json:"resource"`
	Action      Action       `json:"action"`
	Force       bool         `json:"force,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	State       OutcomeState `json:"state"`
	Reason      string       `json:"reason,omitempty"`
}
