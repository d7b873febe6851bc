package engine

// ParticipantStatus is what a client shows next to a participant.
type ParticipantStatus string

const (
	StatusIdle         ParticipantStatus = "idle"
	StatusConnected    ParticipantStatus = "connected"
	StatusTyping       ParticipantStatus = "typing"
	StatusSubmitted    ParticipantStatus = "submitted"
	StatusDisconnected ParticipantStatus = "disconnected"
)

// Presence is the raw signal set a status is derived from.
type Presence struct {
	Joined    bool
	Connected bool
	Typing    bool
	Submitted bool
	// Dropped is set by an explicit disconnect notice and cleared on reconnect.
	Dropped bool
}

// DeriveStatus folds presence into one status. A submission outranks
// connectivity: a participant who leaves after submitting still shows
// submitted.
func DeriveStatus(p Presence) ParticipantStatus {
	switch {
	case p.Submitted:
		return StatusSubmitted
	case !p.Joined:
		return StatusIdle
	case p.Dropped:
		return StatusDisconnected
	case p.Typing && p.Connected:
		return StatusTyping
	case p.Connected:
		return StatusConnected
	default:
		return StatusIdle
	}
}
