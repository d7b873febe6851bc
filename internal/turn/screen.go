package turn

import (
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/session"
)

type Screen uint8

const (
	ScreenLoading Screen = iota
	ScreenInvalid
	ScreenConnectionLost
	ScreenFallback
	ScreenWaitingForOpponent
	// ScreenChallengeReady is an invitation battle nobody has accepted yet:
	// the invite link plus the start control.
	ScreenChallengeReady
	ScreenStartTurn
	ScreenCountdown
	ScreenPlay
	ScreenExpired
	ScreenSubmitted
	ScreenJudging
	ScreenResults
)

var screenNames = map[Screen]string{
	ScreenLoading:            "loading",
	ScreenInvalid:            "invalid",
	ScreenConnectionLost:     "connection_lost",
	ScreenFallback:           "fallback",
	ScreenWaitingForOpponent: "waiting_for_opponent",
	ScreenChallengeReady:     "challenge_ready",
	ScreenStartTurn:          "start_turn",
	ScreenCountdown:          "countdown",
	ScreenPlay:               "play",
	ScreenExpired:            "expired",
	ScreenSubmitted:          "submitted",
	ScreenJudging:            "judging",
	ScreenResults:            "results",
}

func (s Screen) String() string { return screenNames[s] }

// NeedsStartScreen combines every condition for showing the start control:
// an invitation battle in a turn-taking phase where neither the server nor
// a local confirmation says the viewer holds the turn and nothing was
// submitted yet.
func NeedsStartScreen(v session.View) bool {
	st := v.State
	if st.MatchSource != engine.SourceInvitation {
		return false
	}
	if !(v.Phase == engine.PhaseWaiting || v.Phase.IsTurnPhase()) {
		return false
	}
	return v.Turn == session.TurnNotStarted && st.MySubmission == nil
}

// ScreenFor maps a view to the screen a renderer shows.
func ScreenFor(v session.View) Screen {
	switch v.Phase {
	case engine.PhaseInvalid:
		return ScreenInvalid
	case engine.PhaseConnectionLost:
		return ScreenConnectionLost
	}
	if !v.HasState {
		return ScreenLoading
	}

	switch v.Phase {
	case engine.PhaseUnknown:
		return ScreenFallback
	case engine.PhaseExpired:
		return ScreenExpired
	case engine.PhaseGenerating, engine.PhaseJudging:
		return ScreenJudging
	case engine.PhaseReveal, engine.PhaseComplete:
		return ScreenResults
	case engine.PhaseCountdown:
		return ScreenCountdown
	}

	st := v.State
	if st.MySubmission != nil {
		return ScreenSubmitted
	}
	if st.MatchSource == engine.SourceInvitation {
		if NeedsStartScreen(v) {
			if st.Opponent.ID == 0 && st.IsChallenger() {
				return ScreenChallengeReady
			}
			return ScreenStartTurn
		}
		return ScreenPlay
	}
	if v.Phase == engine.PhaseWaiting {
		return ScreenWaitingForOpponent
	}
	return ScreenPlay
}
