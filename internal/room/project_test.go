package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

func TestProject_ViewerSides(t *testing.T) {
	now := time.Now()
	score := 7.5
	url := "https://img.test/1.png"
	b := engine.NewBattle(5, engine.SourceRandom, engine.Participant{ID: 1, DisplayName: "Ada"}, testChallenge, 60, now)
	b.Opponent = engine.Participant{ID: 2, DisplayName: "Grace"}
	b.Phase = engine.PhaseJudging
	b.Submissions[1] = engine.Submission{Prompt: "mine", OutputURL: &url, Score: &score}
	b.Submissions[2] = engine.Submission{Prompt: "theirs", Score: &score}
	w := int64(2)
	b.WinnerID = &w

	presence := map[int64]engine.Presence{2: {Joined: true, Connected: true, Typing: true}}

	ada := Project(b, 1, now, presence, "")
	assert.Equal(t, int64(1), ada.Me.ID)
	assert.Equal(t, int64(2), ada.Opponent.ID)
	assert.True(t, ada.Opponent.Typing)
	assert.Equal(t, "mine", ada.MySubmission.Prompt)
	assert.Equal(t, &url, ada.MySubmission.OutputURL)
	assert.Nil(t, ada.MySubmission.Score, "scores wait for the reveal")
	assert.Empty(t, ada.OpponentSubmission.Prompt)
	assert.Nil(t, ada.WinnerID, "winner is meaningless before the reveal")

	b.Phase = engine.PhaseReveal
	grace := Project(b, 2, now, presence, "")
	assert.Equal(t, int64(2), grace.Me.ID)
	assert.Equal(t, "theirs", grace.MySubmission.Prompt)
	assert.Equal(t, "mine", grace.OpponentSubmission.Prompt)
	assert.Equal(t, &score, grace.OpponentSubmission.Score)
	assert.Equal(t, int64(2), *grace.WinnerID)
	assert.Equal(t, "mythical-creatures", grace.ChallengeType.Key)
}

func TestProject_InvitationTurns(t *testing.T) {
	now := time.Now()
	b := engine.NewBattle(5, engine.SourceInvitation, engine.Participant{ID: 1}, testChallenge, 60, now)

	open := Project(b, 1, now, nil, "https://pb.test/invite/x")
	assert.Equal(t, "https://pb.test/invite/x", open.InviteURL)
	assert.Equal(t, "waiting", open.Phase)
	assert.False(t, open.TurnStarted)
	assert.Equal(t, 60, open.TimeRemaining)

	b.Opponent = engine.Participant{ID: 2}
	b.Turns[2] = engine.Turn{StartedAt: now.Add(-10 * time.Second), RemainingAtStart: 60}
	b.Phase = engine.PhaseOpponentTurn

	opp := Project(b, 2, now, nil, "https://pb.test/invite/x")
	assert.Empty(t, opp.InviteURL)
	assert.True(t, opp.TurnStarted)
	assert.Equal(t, 50, opp.TimeRemaining)
	assert.Equal(t, "opponent_turn", opp.Phase)

	ch := Project(b, 1, now, nil, "")
	assert.False(t, ch.TurnStarted)
	assert.Equal(t, 60, ch.TimeRemaining)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, types.CodeNotYourTurn, ErrorCode(engine.ErrNotYourTurn))
	assert.Equal(t, types.CodeAlreadySubmitted, ErrorCode(engine.ErrAlreadySubmitted))
	assert.Equal(t, types.CodeAccessDenied, ErrorCode(engine.ErrNotParticipant))
	assert.Equal(t, types.CodeInvalidRequest, ErrorCode(engine.ErrEmptyPrompt))
}

func TestProject_DroppedOpponent(t *testing.T) {
	now := time.Now()
	b := engine.NewBattle(5, engine.SourceRandom, engine.Participant{ID: 1}, testChallenge, 60, now)
	b.Opponent = engine.Participant{ID: 2}

	gone := Project(b, 1, now, map[int64]engine.Presence{2: {Joined: true, Dropped: true}}, "")
	assert.False(t, gone.Opponent.Connected)
	assert.True(t, gone.Opponent.Dropped)

	back := Project(b, 1, now, map[int64]engine.Presence{2: {Joined: true, Connected: true}}, "")
	assert.False(t, back.Opponent.Dropped)
}
