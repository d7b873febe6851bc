package engine

import "fmt"

// Phase is the closed set of battle stages. Server phases come first, then the
// pseudo-phases only a client ever renders. PhaseUnknown keeps server values
// this build does not model yet.
type Phase uint8

const (
	PhaseUnset Phase = iota
	PhaseWaiting
	PhaseCountdown
	PhaseActive
	PhaseChallengerTurn
	PhaseOpponentTurn
	PhaseGenerating
	PhaseJudging
	PhaseReveal
	PhaseComplete

	PhaseExpired
	PhaseConnectionLost
	PhaseInvalid
	PhaseUnknown

	phaseCount
)

var phaseNames = [phaseCount]string{
	PhaseUnset:          "",
	PhaseWaiting:        "waiting",
	PhaseCountdown:      "countdown",
	PhaseActive:         "active",
	PhaseChallengerTurn: "challenger_turn",
	PhaseOpponentTurn:   "opponent_turn",
	PhaseGenerating:     "generating",
	PhaseJudging:        "judging",
	PhaseReveal:         "reveal",
	PhaseComplete:       "complete",
	PhaseExpired:        "expired",
	PhaseConnectionLost: "connection_lost",
	PhaseInvalid:        "invalid",
	PhaseUnknown:        "unknown",
}

func (p Phase) String() string {
	if p >= phaseCount {
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
	return phaseNames[p]
}

// MarshalText encodes a phase by name. Stored battles never hold ordinals.
func (p Phase) MarshalText() ([]byte, error) {
	if p >= phaseCount {
		return nil, fmt.Errorf("engine: cannot encode phase(%d)", uint8(p))
	}
	return []byte(phaseNames[p]), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	*p = ParsePhase(string(b))
	return nil
}

// ParsePhase maps a wire value to a Phase. Only server phases parse; anything
// else, including the client pseudo-phases, is PhaseUnknown.
func ParsePhase(s string) Phase {
	for p := PhaseWaiting; p <= PhaseComplete; p++ {
		if phaseNames[p] == s {
			return p
		}
	}
	if s == "" {
		return PhaseUnset
	}
	return PhaseUnknown
}

// Phases lists every modeled phase, pseudo-phases included.
func Phases() []Phase {
	out := make([]Phase, 0, phaseCount)
	for p := PhaseUnset; p < phaseCount; p++ {
		out = append(out, p)
	}
	return out
}

// rank orders server phases along the battle lifecycle. The three play
// phases share a rank because a battle moves between them laterally.
func rank(p Phase) int {
	switch p {
	case PhaseUnset:
		return -1
	case PhaseWaiting:
		return 0
	case PhaseCountdown:
		return 1
	case PhaseActive, PhaseChallengerTurn, PhaseOpponentTurn:
		return 2
	case PhaseGenerating:
		return 3
	case PhaseJudging:
		return 4
	case PhaseReveal:
		return 5
	case PhaseComplete:
		return 6
	case PhaseExpired, PhaseConnectionLost, PhaseInvalid, PhaseUnknown:
		return -1
	default:
		panic(fmt.Sprintf("engine: unmodeled phase %d", uint8(p)))
	}
}

// IsServerPhase reports whether p can be sent by the server.
func (p Phase) IsServerPhase() bool { return p >= PhaseWaiting && p <= PhaseComplete }

// IsLocal reports whether p is a client-only pseudo-phase.
func (p Phase) IsLocal() bool {
	switch p {
	case PhaseExpired, PhaseConnectionLost, PhaseInvalid, PhaseUnknown, PhaseUnset:
		return true
	}
	return false
}

func (p Phase) IsTerminal() bool { return p == PhaseComplete }

// IsTurnPhase reports whether p is one of the asynchronous turn phases.
func (p Phase) IsTurnPhase() bool { return p == PhaseChallengerTurn || p == PhaseOpponentTurn }

// IsPlay reports whether participants may still be writing prompts.
func (p Phase) IsPlay() bool { return rank(p) == 2 }

// Decided reports whether the winner field is meaningful in this phase.
func (p Phase) Decided() bool { return p == PhaseReveal || p == PhaseComplete }

// Source says where a phase value came from.
type Source uint8

const (
	// SourceEvent is an incremental server event; it may only move forward.
	SourceEvent Source = iota
	// SourceResync is an explicit authoritative resend or REST reconciliation;
	// it may reveal a phase behind a locally assumed one.
	SourceResync
)

// Decision is the outcome of Transition.
type Decision struct {
	Phase    Phase
	Changed  bool
	Rejected bool
}

// Transition decides the next phase for one client's render. Repeated
// identical phases are no-ops and complete is terminal for every source.
func Transition(from, to Phase, src Source) Decision {
	keep := Decision{Phase: from}
	switch {
	case to == PhaseUnset:
		keep.Rejected = true
		return keep
	case from == to:
		return keep
	case from == PhaseComplete:
		keep.Rejected = true
		return keep
	case to == PhaseExpired || to == PhaseConnectionLost || to == PhaseInvalid:
		// Pseudo-phases are derived locally, never delivered.
		keep.Rejected = true
		return keep
	}

	switch from {
	case PhaseUnset, PhaseUnknown, PhaseExpired, PhaseConnectionLost, PhaseInvalid:
		return Decision{Phase: to, Changed: true}
	case PhaseWaiting, PhaseCountdown, PhaseActive, PhaseChallengerTurn, PhaseOpponentTurn,
		PhaseGenerating, PhaseJudging, PhaseReveal:
		if to == PhaseUnknown || src == SourceResync || rank(to) >= rank(from) {
			return Decision{Phase: to, Changed: true}
		}
		keep.Rejected = true
		return keep
	default:
		panic(fmt.Sprintf("engine: unmodeled phase %d", uint8(from)))
	}
}
