package engine

import "time"

func NewBattle(id int64, source MatchSource, challenger Participant, challenge Challenge, durationSec int, now time.Time) Battle {
	return Battle{
		ID:          id,
		Phase:       PhaseWaiting,
		Challenge:   challenge,
		DurationSec: durationSec,
		Source:      source,
		Challenger:  challenger,
		Submissions: map[int64]Submission{},
		Turns:       map[int64]Turn{},
		CreatedAt:   now,
	}
}

// Clone copies the battle deep enough that Apply never aliases maps.
func (b Battle) Clone() Battle {
	nb := b
	nb.Submissions = make(map[int64]Submission, len(b.Submissions))
	for k, v := range b.Submissions {
		nb.Submissions[k] = v
	}
	nb.Turns = make(map[int64]Turn, len(b.Turns))
	for k, v := range b.Turns {
		nb.Turns[k] = v
	}
	if b.WinnerID != nil {
		w := *b.WinnerID
		nb.WinnerID = &w
	}
	return nb
}

func (b Battle) RoleOf(participantID int64) (Role, bool) {
	switch {
	case participantID == 0:
		return "", false
	case participantID == b.Challenger.ID:
		return RoleChallenger, true
	case participantID == b.Opponent.ID:
		return RoleOpponent, true
	}
	return "", false
}

// Other returns the participant facing participantID.
func (b Battle) Other(participantID int64) Participant {
	if participantID == b.Challenger.ID {
		return b.Opponent
	}
	return b.Challenger
}

func (b Battle) Self(participantID int64) Participant {
	if participantID == b.Opponent.ID && b.Opponent.ID != 0 {
		return b.Opponent
	}
	return b.Challenger
}

func (b Battle) bothSubmitted() bool {
	if b.Opponent.ID == 0 {
		return false
	}
	_, a := b.Submissions[b.Challenger.ID]
	_, o := b.Submissions[b.Opponent.ID]
	return a && o
}

func (b Battle) HasSubmitted(participantID int64) bool {
	_, ok := b.Submissions[participantID]
	return ok
}

// TurnRemaining is the whole seconds left on an invitation turn, never negative.
func TurnRemaining(t Turn, now time.Time) int {
	left := t.RemainingAtStart - int(now.Sub(t.StartedAt)/time.Second)
	if left < 0 {
		return 0
	}
	return left
}

// TimeRemaining is what the server reports to viewerID at now.
func TimeRemaining(b Battle, viewerID int64, now time.Time) int {
	switch {
	case b.Source == SourceInvitation:
		if t, ok := b.Turns[viewerID]; ok {
			return TurnRemaining(t, now)
		}
		return b.DurationSec
	case b.Phase == PhaseActive:
		left := int(b.Deadline.Sub(now).Round(time.Second) / time.Second)
		if left < 0 {
			return 0
		}
		return left
	case b.Phase == PhaseWaiting || b.Phase == PhaseCountdown:
		return b.DurationSec
	default:
		return 0
	}
}

// ContainsEvent reports whether events carries an event of eventType.
func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
