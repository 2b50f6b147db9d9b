package turn

import "github.com/krshsl/praxis/proctor/protocol"

// Event is anything the dispatch loop consumes.
type Event interface {
	turnEvent()
}

// Enter starts the attempt (idle → connecting).
type Enter struct{}

// AskQuestion requests that q be read by the agent. Delivery waits for the
// agent's first agent_ready.
type AskQuestion struct{ Question Question }

// Control wraps a decoded agent control event.
type Control struct{ Event protocol.ControlEvent }

// Transcript is a filtered candidate transcript fragment.
type Transcript struct{ Text string }

// Submit is the candidate's explicit "next" action.
type Submit struct{}

// Saved reports that the turn was recorded and the cursor advanced. A nil
// Next means the interview is finished.
type Saved struct{ Next *Question }

type SaveFailed struct{ Err error }

type TransportFailed struct{ Err error }

// Retry is the manual recovery from StateError.
type Retry struct{}

// Forfeit ends the attempt for a candidate-caused reason.
type Forfeit struct{ Reason string }

type budgetExpired struct{ episode int }

func (Enter) turnEvent()           {}
func (AskQuestion) turnEvent()     {}
func (Control) turnEvent()         {}
func (Transcript) turnEvent()      {}
func (Submit) turnEvent()          {}
func (Saved) turnEvent()           {}
func (SaveFailed) turnEvent()      {}
func (TransportFailed) turnEvent() {}
func (Retry) turnEvent()           {}
func (Forfeit) turnEvent()         {}
func (budgetExpired) turnEvent()   {}
