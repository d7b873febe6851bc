// Package session owns one client's view of one battle. Live channel state
// and REST snapshots are kept in separate holders and merged by a pure
// function; an actor goroutine serializes every input.
package session

import (
	"time"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// State is the canonical per-viewer battle shape both sources normalize to.
type State struct {
	BattleID      int64
	Phase         engine.Phase
	RawPhase      string
	Challenge     string
	ChallengeType types.ChallengeType
	Duration      int
	TimeRemaining int
	MatchSource   engine.MatchSource
	// WinnerID is only meaningful when Phase.Decided(); nil there means a tie.
	WinnerID     *int64
	InviteURL    string
	ChallengerID int64

	Me       Participant
	Opponent Participant

	MySubmission       *types.Submission
	OpponentSubmission *types.Submission
	// TurnStarted is the server's flag that the viewer holds the turn.
	TurnStarted bool
}

type Participant struct {
	ID          int64
	DisplayName string
	AvatarURL   string
	Connected   bool
	Typing      bool
	Dropped     bool
	IsGuest     bool
}

// FromBattleState converts the channel/authenticated REST shape.
func FromBattleState(bs types.BattleState) State {
	return State{
		BattleID:           bs.ID,
		Phase:              engine.ParsePhase(bs.Phase),
		RawPhase:           bs.Phase,
		Challenge:          bs.Challenge,
		ChallengeType:      bs.ChallengeType,
		Duration:           bs.Duration,
		TimeRemaining:      max(bs.TimeRemaining, 0),
		MatchSource:        engine.MatchSource(bs.MatchSource),
		WinnerID:           bs.WinnerID,
		InviteURL:          bs.InviteURL,
		ChallengerID:       bs.ChallengerID,
		Me:                 participantFrom(bs.Me),
		Opponent:           participantFrom(bs.Opponent),
		MySubmission:       bs.MySubmission,
		OpponentSubmission: bs.OpponentSubmission,
		TurnStarted:        bs.TurnStarted,
	}
}

func participantFrom(p types.ParticipantState) Participant {
	return Participant{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Connected:   p.Connected,
		Typing:      p.Typing,
		Dropped:     p.Dropped,
		IsGuest:     p.IsGuest,
	}
}

// IsChallenger reports whether the viewer created the battle.
func (s State) IsChallenger() bool { return s.Me.ID != 0 && s.Me.ID == s.ChallengerID }

// Role is the viewer's side.
func (s State) Role() engine.Role {
	if s.IsChallenger() {
		return engine.RoleChallenger
	}
	return engine.RoleOpponent
}

type Origin uint8

const (
	OriginNone Origin = iota
	OriginLive
	OriginREST
)

func (o Origin) String() string {
	switch o {
	case OriginLive:
		return "live"
	case OriginREST:
		return "rest"
	default:
		return "none"
	}
}

// Holder is one source's latest state. Live state belongs to one transport
// epoch and goes stale when that connection drops.
type Holder struct {
	State      State
	Present    bool
	Stale      bool
	Epoch      uint64
	ReceivedAt time.Time
}

// Merge picks the state to render. Fresh live state always wins; REST only
// bridges while live is absent or stale; stale live beats nothing.
func Merge(live, rest Holder) (State, Origin, bool) {
	switch {
	case live.Present && !live.Stale:
		return live.State, OriginLive, true
	case rest.Present:
		return rest.State, OriginREST, true
	case live.Present:
		return live.State, OriginLive, true
	default:
		return State{}, OriginNone, false
	}
}
