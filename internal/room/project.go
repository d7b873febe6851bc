package room

import (
	"errors"
	"time"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// Project renders b from viewerID's side. The opponent's prompt stays hidden
// until the battle is decided; scores are only shown once decided.
func Project(b engine.Battle, viewerID int64, now time.Time, presence map[int64]engine.Presence, inviteURL string) types.BattleState {
	phase := engine.ViewerPhase(b, viewerID)
	me := b.Self(viewerID)
	opp := b.Other(me.ID)

	bs := types.BattleState{
		ID:            b.ID,
		Phase:         phase.String(),
		Challenge:     b.Challenge.Text,
		ChallengeType: types.ChallengeType{Key: b.Challenge.Type.Key, Name: b.Challenge.Type.Name},
		Duration:      b.DurationSec,
		TimeRemaining: engine.TimeRemaining(b, viewerID, now),
		MatchSource:   string(b.Source),
		ChallengerID:  b.Challenger.ID,
		Me:            participantState(me, presence),
		Opponent:      participantState(opp, presence),
	}
	if phase.Decided() && b.WinnerID != nil {
		w := *b.WinnerID
		bs.WinnerID = &w
	}
	if b.Source == engine.SourceInvitation && b.Opponent.ID == 0 && viewerID == b.Challenger.ID {
		bs.InviteURL = inviteURL
	}
	_, bs.TurnStarted = b.Turns[me.ID]

	decided := phase.Decided()
	if s, ok := b.Submissions[me.ID]; ok && me.ID != 0 {
		bs.MySubmission = submission(s, true, decided)
	}
	if s, ok := b.Submissions[opp.ID]; ok && opp.ID != 0 {
		bs.OpponentSubmission = submission(s, decided, decided)
	}
	return bs
}

func participantState(p engine.Participant, presence map[int64]engine.Presence) types.ParticipantState {
	ps := types.ParticipantState{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		IsGuest:     p.IsGuest,
	}
	if p.IsAI {
		ps.Connected = true
		return ps
	}
	if pr, ok := presence[p.ID]; ok {
		ps.Connected = pr.Connected
		ps.Typing = pr.Typing && pr.Connected
		ps.Dropped = pr.Dropped && !pr.Connected
	}
	return ps
}

func submission(s engine.Submission, showPrompt, showScore bool) *types.Submission {
	out := &types.Submission{OutputURL: s.OutputURL}
	if showPrompt {
		out.Prompt = s.Prompt
	}
	if showScore {
		out.Score = s.Score
		out.CriteriaScores = s.Criteria
		out.Feedback = s.Feedback
	}
	return out
}

// ErrorCode maps a rejected command to the code sent to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, engine.ErrNotParticipant):
		return types.CodeAccessDenied
	case errors.Is(err, engine.ErrNotYourTurn):
		return types.CodeNotYourTurn
	case errors.Is(err, engine.ErrAlreadySubmitted):
		return types.CodeAlreadySubmitted
	default:
		return types.CodeInvalidRequest
	}
}
