package engine

// TurnPhaseFor is the phase shown while role holds an invitation turn.
func TurnPhaseFor(role Role) Phase {
	if role == RoleOpponent {
		return PhaseOpponentTurn
	}
	return PhaseChallengerTurn
}

// deriveInvitationPhase computes the battle-level phase of an invitation
// battle that is still collecting prompts. The challenger's turn is listed
// first; the opponent's turn follows once the challenger is done or when the
// opponent begins on their own.
func deriveInvitationPhase(b Battle) Phase {
	if b.bothSubmitted() {
		return PhaseGenerating
	}
	_, chDone := b.Submissions[b.Challenger.ID]
	_, chStarted := b.Turns[b.Challenger.ID]
	_, opStarted := b.Turns[b.Opponent.ID]
	switch {
	case chDone:
		return PhaseOpponentTurn
	case chStarted:
		return PhaseChallengerTurn
	case b.Opponent.ID != 0 && opStarted:
		return PhaseOpponentTurn
	default:
		return PhaseWaiting
	}
}

// ViewerPhase is the phase viewerID sees. In an invitation battle a viewer
// who is in the middle of their own turn sees their own turn phase even when
// the other side is also playing.
func ViewerPhase(b Battle, viewerID int64) Phase {
	if b.Source != SourceInvitation || !(b.Phase == PhaseWaiting || b.Phase.IsTurnPhase()) {
		return b.Phase
	}
	role, ok := b.RoleOf(viewerID)
	if !ok {
		return b.Phase
	}
	_, started := b.Turns[viewerID]
	_, done := b.Submissions[viewerID]
	if started && !done {
		return TurnPhaseFor(role)
	}
	return b.Phase
}
