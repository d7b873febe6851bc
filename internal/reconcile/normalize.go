// Package reconcile fetches a battle over REST when the live channel has not
// produced state in time, and normalizes both REST shapes into session.State.
package reconcile

import (
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/session"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// NormalizePublic maps the public view. The viewer's own side becomes "me"
// when they took part; anyone else sees the battle from the challenger's side.
func NormalizePublic(pb types.PublicBattle, viewerID int64) session.State {
	st := session.State{
		BattleID:      pb.BattleID,
		Phase:         publicPhase(pb),
		RawPhase:      pb.Status,
		Challenge:     pb.PromptText,
		ChallengeType: types.ChallengeType{Key: pb.Category.Slug, Name: pb.Category.Label},
		Duration:      pb.DurationSeconds,
		MatchSource:   engine.MatchSource(pb.Source),
		ChallengerID:  pb.Challenger.UserID,
	}

	me, opp := pb.Challenger, pb.Opponent
	mySub, oppSub := pb.ChallengerSubmission, pb.OpponentSubmission
	if viewerID != 0 && viewerID == pb.Opponent.UserID {
		me, opp = opp, me
		mySub, oppSub = oppSub, mySub
	}
	st.Me = publicParticipant(me)
	st.Opponent = publicParticipant(opp)
	st.MySubmission = publicSubmission(mySub)
	st.OpponentSubmission = publicSubmission(oppSub)

	if st.Phase.Decided() && pb.WinnerUserID != nil {
		w := *pb.WinnerUserID
		st.WinnerID = &w
	}
	if st.Phase == engine.PhaseWaiting || st.Phase.IsPlay() {
		st.TimeRemaining = pb.DurationSeconds
	}
	return st
}

// NormalizeAuthenticated maps the per-viewer view, which already has the
// canonical field names.
func NormalizeAuthenticated(bs types.BattleState) session.State {
	st := session.FromBattleState(bs)
	if !st.Phase.Decided() {
		st.WinnerID = nil
	}
	return st
}

// publicPhase maps a public status. A completed battle with a verdict is
// shown as reveal so a viewer who never saw the result gets the reveal
// screen; the live channel moves it on to complete.
func publicPhase(pb types.PublicBattle) engine.Phase {
	switch pb.Status {
	case types.PublicStatusWaiting:
		return engine.PhaseWaiting
	case types.PublicStatusInProgress:
		if engine.MatchSource(pb.Source) == engine.SourceInvitation {
			return engine.PhaseWaiting
		}
		return engine.PhaseActive
	case types.PublicStatusGenerating:
		return engine.PhaseGenerating
	case types.PublicStatusJudging:
		return engine.PhaseJudging
	case types.PublicStatusCompleted:
		if pb.WinnerUserID != nil || scored(pb.ChallengerSubmission) || scored(pb.OpponentSubmission) {
			return engine.PhaseReveal
		}
		return engine.PhaseComplete
	default:
		return engine.PhaseUnknown
	}
}

func scored(s *types.PublicSubmission) bool { return s != nil && s.TotalScore != nil }

func publicParticipant(p types.PublicParticipant) session.Participant {
	return session.Participant{ID: p.UserID, DisplayName: p.Username, AvatarURL: p.AvatarURL}
}

func publicSubmission(s *types.PublicSubmission) *types.Submission {
	if s == nil {
		return nil
	}
	return &types.Submission{
		Prompt:         s.Prompt,
		OutputURL:      s.ImageURL,
		Score:          s.TotalScore,
		CriteriaScores: s.Criteria,
		Feedback:       s.Feedback,
	}
}
