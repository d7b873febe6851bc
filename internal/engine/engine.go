package engine

import (
	"errors"
	"strings"
	"time"
)

var ErrNotParticipant = errors.New("not a participant")
var ErrWrongPhase = errors.New("command not allowed in this phase")
var ErrNotYourTurn = errors.New("turn not started")
var ErrTurnExpired = errors.New("turn expired")
var ErrEmptyPrompt = errors.New("empty prompt")
var ErrRefreshNotAllowed = errors.New("challenge refresh not allowed")
var ErrAlreadySubmitted = errors.New("already submitted")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrBattleCompleted = errors.New("battle already completed")
var ErrSeatTaken = errors.New("opponent seat already taken")

type MatchSource string

const (
	SourceRandom     MatchSource = "random"
	SourceAI         MatchSource = "ai_opponent"
	SourceInvitation MatchSource = "invitation"
)

type Role string

const (
	RoleChallenger Role = "challenger"
	RoleOpponent   Role = "opponent"
)

type ChallengeType struct {
	Key  string
	Name string
}

type Challenge struct {
	Text string
	Type ChallengeType
}

type Participant struct {
	ID          int64
	DisplayName string
	AvatarURL   string
	IsGuest     bool
	IsAI        bool
}

type Submission struct {
	Prompt      string
	OutputURL   *string
	Score       *float64
	Criteria    map[string]int
	Feedback    string
	Forfeit     bool
	SubmittedAt time.Time
}

// Turn is one side's clock in an invitation battle.
type Turn struct {
	StartedAt        time.Time
	RemainingAtStart int
}

type Battle struct {
	ID          int64
	Phase       Phase
	Challenge   Challenge
	DurationSec int
	Source      MatchSource
	Challenger  Participant
	Opponent    Participant // ID 0 until someone takes the seat
	Submissions map[int64]Submission
	Turns       map[int64]Turn
	Deadline    time.Time // shared deadline of a synchronous battle
	WinnerID    *int64
	InviteToken string
	CreatedAt   time.Time
	CompletedAt time.Time
}

type CommandType string

const (
	CmdJoin             CommandType = "Join"
	CmdStartCountdown   CommandType = "StartCountdown"
	CmdActivate         CommandType = "Activate"
	CmdSubmit           CommandType = "Submit"
	CmdStartTurn        CommandType = "StartTurn"
	CmdRefreshChallenge CommandType = "RefreshChallenge"
	CmdTimeout          CommandType = "Timeout"
	CmdGenerated        CommandType = "Generated"
	CmdJudged           CommandType = "Judged"
	CmdComplete         CommandType = "Complete"
)

/*
	CmdJoin             -> EvtJoined
	CmdStartCountdown   -> EvtCountdownStarted
	CmdActivate         -> EvtActivated
	CmdSubmit           -> EvtSubmitted | EvtSubmissionUpdated -> EvtGenerationStarted once both are in
	CmdStartTurn        -> EvtTurnStarted | EvtTurnAlreadyStarted
	CmdRefreshChallenge -> EvtChallengeRefreshed
	CmdTimeout          -> EvtTurnExpired (forfeit) -> EvtGenerationStarted
	CmdGenerated        -> EvtJudgingStarted
	CmdJudged           -> EvtJudged (winner decided, reveal)
	CmdComplete         -> EvtCompleted
*/

type Command struct {
	Type          CommandType
	ParticipantID int64
	Participant   Participant
	Prompt        string
	Challenge     Challenge
	Outputs       map[int64]string
	Verdict       Verdict
	Now           time.Time
}

// Verdict is what the judging service decided.
type Verdict struct {
	WinnerID *int64
	Scores   map[int64]Score
}

type Score struct {
	Total    float64
	Criteria map[string]int
	Feedback string
}

type EventType string

const (
	EvtJoined             EventType = "Joined"
	EvtCountdownStarted   EventType = "CountdownStarted"
	EvtActivated          EventType = "Activated"
	EvtSubmitted          EventType = "Submitted"
	EvtSubmissionUpdated  EventType = "SubmissionUpdated"
	EvtTurnStarted        EventType = "TurnStarted"
	EvtTurnAlreadyStarted EventType = "TurnAlreadyStarted"
	EvtChallengeRefreshed EventType = "ChallengeRefreshed"
	EvtTurnExpired        EventType = "TurnExpired"
	EvtGenerationStarted  EventType = "GenerationStarted"
	EvtJudgingStarted     EventType = "JudgingStarted"
	EvtJudged             EventType = "Judged"
	EvtCompleted          EventType = "Completed"
)

type Event struct {
	Type          EventType
	ParticipantID int64
	TimeRemaining int
}

// Apply validates cmd against b and returns the resulting events and battle.
// b is never mutated.
func Apply(b Battle, cmd Command) ([]Event, Battle, error) {
	if b.Phase == PhaseComplete {
		return nil, b, ErrBattleCompleted
	}
	nb := b.Clone()

	switch cmd.Type {
	case CmdJoin:
		if cmd.Participant.ID == b.Challenger.ID || cmd.Participant.ID == b.Opponent.ID {
			return nil, b, nil
		}
		if b.Opponent.ID != 0 {
			return nil, b, ErrSeatTaken
		}
		nb.Opponent = cmd.Participant
		return []Event{{Type: EvtJoined, ParticipantID: cmd.Participant.ID}}, nb, nil

	case CmdStartCountdown:
		if b.Source == SourceInvitation || b.Phase != PhaseWaiting || b.Opponent.ID == 0 {
			return nil, b, ErrWrongPhase
		}
		nb.Phase = PhaseCountdown
		return []Event{{Type: EvtCountdownStarted}}, nb, nil

	case CmdActivate:
		if b.Phase != PhaseCountdown {
			return nil, b, ErrWrongPhase
		}
		nb.Phase = PhaseActive
		nb.Deadline = cmd.Now.Add(time.Duration(b.DurationSec) * time.Second)
		return []Event{{Type: EvtActivated, TimeRemaining: b.DurationSec}}, nb, nil

	case CmdSubmit:
		return applySubmit(b, nb, cmd)

	case CmdStartTurn:
		if _, ok := b.RoleOf(cmd.ParticipantID); !ok {
			return nil, b, ErrNotParticipant
		}
		if b.Source != SourceInvitation || !(b.Phase == PhaseWaiting || b.Phase.IsTurnPhase()) {
			return nil, b, ErrWrongPhase
		}
		if t, ok := b.Turns[cmd.ParticipantID]; ok {
			return []Event{{Type: EvtTurnAlreadyStarted, ParticipantID: cmd.ParticipantID, TimeRemaining: t.RemainingAtStart}}, b, nil
		}
		if _, done := b.Submissions[cmd.ParticipantID]; done {
			return nil, b, ErrAlreadySubmitted
		}
		nb.Turns[cmd.ParticipantID] = Turn{StartedAt: cmd.Now, RemainingAtStart: b.DurationSec}
		nb.Phase = deriveInvitationPhase(nb)
		return []Event{{Type: EvtTurnStarted, ParticipantID: cmd.ParticipantID, TimeRemaining: b.DurationSec}}, nb, nil

	case CmdRefreshChallenge:
		if _, ok := b.RoleOf(cmd.ParticipantID); !ok {
			return nil, b, ErrNotParticipant
		}
		if !canRefresh(b, cmd.ParticipantID) {
			return nil, b, ErrRefreshNotAllowed
		}
		nb.Challenge = cmd.Challenge
		if b.Source == SourceInvitation {
			if _, started := b.Turns[cmd.ParticipantID]; started {
				nb.Turns[cmd.ParticipantID] = Turn{StartedAt: cmd.Now, RemainingAtStart: b.DurationSec}
			}
		} else if b.Phase == PhaseActive {
			nb.Deadline = cmd.Now.Add(time.Duration(b.DurationSec) * time.Second)
		}
		return []Event{{Type: EvtChallengeRefreshed, ParticipantID: cmd.ParticipantID, TimeRemaining: b.DurationSec}}, nb, nil

	case CmdTimeout:
		return applyTimeout(b, nb, cmd)

	case CmdGenerated:
		if b.Phase != PhaseGenerating {
			return nil, b, ErrWrongPhase
		}
		for id, url := range cmd.Outputs {
			if s, ok := nb.Submissions[id]; ok {
				u := url
				s.OutputURL = &u
				nb.Submissions[id] = s
			}
		}
		nb.Phase = PhaseJudging
		return []Event{{Type: EvtJudgingStarted}}, nb, nil

	case CmdJudged:
		if b.Phase != PhaseJudging {
			return nil, b, ErrWrongPhase
		}
		for id, sc := range cmd.Verdict.Scores {
			if s, ok := nb.Submissions[id]; ok {
				total := sc.Total
				s.Score = &total
				s.Criteria = sc.Criteria
				s.Feedback = sc.Feedback
				nb.Submissions[id] = s
			}
		}
		if w := cmd.Verdict.WinnerID; w != nil {
			id := *w
			nb.WinnerID = &id
		}
		nb.Phase = PhaseReveal
		return []Event{{Type: EvtJudged}}, nb, nil

	case CmdComplete:
		if b.Phase != PhaseReveal {
			return nil, b, ErrWrongPhase
		}
		nb.Phase = PhaseComplete
		nb.CompletedAt = cmd.Now
		return []Event{{Type: EvtCompleted}}, nb, nil

	default:
		return nil, b, ErrUnsupportedCommand
	}
}

func applySubmit(b, nb Battle, cmd Command) ([]Event, Battle, error) {
	if _, ok := b.RoleOf(cmd.ParticipantID); !ok {
		return nil, b, ErrNotParticipant
	}
	prompt := strings.TrimSpace(cmd.Prompt)
	if prompt == "" {
		return nil, b, ErrEmptyPrompt
	}

	if b.Source == SourceInvitation {
		t, started := b.Turns[cmd.ParticipantID]
		if !started {
			return nil, b, ErrNotYourTurn
		}
		if !(b.Phase == PhaseWaiting || b.Phase.IsTurnPhase()) {
			return nil, b, ErrWrongPhase
		}
		if TurnRemaining(t, cmd.Now) <= 0 {
			return nil, b, ErrTurnExpired
		}
	} else if b.Phase != PhaseActive {
		return nil, b, ErrWrongPhase
	}

	evt := EvtSubmitted
	prev, exists := b.Submissions[cmd.ParticipantID]
	if exists {
		if prev.Forfeit {
			return nil, b, ErrAlreadySubmitted
		}
		evt = EvtSubmissionUpdated
	}
	nb.Submissions[cmd.ParticipantID] = Submission{Prompt: prompt, SubmittedAt: cmd.Now}
	events := []Event{{Type: evt, ParticipantID: cmd.ParticipantID}}

	if nb.bothSubmitted() {
		nb.Phase = PhaseGenerating
		events = append(events, Event{Type: EvtGenerationStarted})
	} else if b.Source == SourceInvitation {
		nb.Phase = deriveInvitationPhase(nb)
	}
	return events, nb, nil
}

func applyTimeout(b, nb Battle, cmd Command) ([]Event, Battle, error) {
	var events []Event
	if b.Source == SourceInvitation {
		for id, t := range b.Turns {
			if _, done := b.Submissions[id]; done {
				continue
			}
			if TurnRemaining(t, cmd.Now) <= 0 {
				nb.Submissions[id] = Submission{Forfeit: true, SubmittedAt: cmd.Now}
				events = append(events, Event{Type: EvtTurnExpired, ParticipantID: id})
			}
		}
		if len(events) == 0 {
			return nil, b, nil
		}
		if nb.bothSubmitted() {
			nb.Phase = PhaseGenerating
			events = append(events, Event{Type: EvtGenerationStarted})
		} else {
			nb.Phase = deriveInvitationPhase(nb)
		}
		return events, nb, nil
	}

	if b.Phase != PhaseActive || cmd.Now.Before(b.Deadline) {
		return nil, b, nil
	}
	for _, id := range []int64{b.Challenger.ID, b.Opponent.ID} {
		if _, done := b.Submissions[id]; !done {
			nb.Submissions[id] = Submission{Forfeit: true, SubmittedAt: cmd.Now}
			events = append(events, Event{Type: EvtTurnExpired, ParticipantID: id})
		}
	}
	nb.Phase = PhaseGenerating
	events = append(events, Event{Type: EvtGenerationStarted})
	return events, nb, nil
}

func canRefresh(b Battle, participantID int64) bool {
	if _, done := b.Submissions[participantID]; done {
		return false
	}
	switch b.Source {
	case SourceAI:
		return b.Phase == PhaseCountdown || b.Phase == PhaseActive
	case SourceInvitation:
		return b.Phase == PhaseWaiting || b.Phase.IsTurnPhase()
	default:
		return false
	}
}
