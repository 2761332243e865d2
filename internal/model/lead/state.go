package lead

import "time"

// State is the position of a sender in the lead capture dialogue.
type State string

const (
	Idle                 State = "idle"
	AwaitingConfirmation State = "awaiting_confirmation"
	AwaitingDetails      State = "awaiting_details"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Idle, AwaitingConfirmation, AwaitingDetails:
		return true
	default:
		return false
	}
}

// Quick reply payloads attached to the confirmation buttons.
const (
	PayloadAccept  = "YES_CONTACT"
	PayloadDecline = "NO_CONTACT"
)

// Capture is the free-text contact details a sender returned after
// accepting to be contacted. Parsing the text is left to the CRM.
type Capture struct {
	SenderID   string    `json:"senderId"`
	Details    string    `json:"details"`
	Language   string    `json:"language"`
	ReceivedAt time.Time `json:"receivedAt"`
}
