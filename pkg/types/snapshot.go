package types

// BattleState is always rendered from one viewer's side: "me" and "opponent",
// never a symmetric pair. The same shape is returned by the authenticated REST
// view and carried by the "state" / "phase_changed" channel messages.
type BattleState struct {
	ID                 int64            `json:"id"`
	Phase              string           `json:"phase"`
	Challenge          string           `json:"challenge"`
	ChallengeType      ChallengeType    `json:"challenge_type"`
	Duration           int              `json:"duration"`
	TimeRemaining      int              `json:"time_remaining"`
	MatchSource        string           `json:"match_source"`
	WinnerID           *int64           `json:"winner_id"`
	InviteURL          string           `json:"invite_url,omitempty"`
	ChallengerID       int64            `json:"challenger_id"`
	Me                 ParticipantState `json:"me"`
	Opponent           ParticipantState `json:"opponent"`
	MySubmission       *Submission      `json:"my_submission,omitempty"`
	OpponentSubmission *Submission      `json:"opponent_submission,omitempty"`
	TurnStarted        bool             `json:"turn_started"`
}

type ChallengeType struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type ParticipantState struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Connected   bool   `json:"connected"`
	Typing      bool   `json:"typing,omitempty"`
	Dropped     bool   `json:"dropped,omitempty"`
	IsGuest     bool   `json:"is_guest,omitempty"`
}

type Submission struct {
	Prompt         string         `json:"prompt"`
	OutputURL      *string        `json:"output_url"`
	Score          *float64       `json:"score"`
	CriteriaScores map[string]int `json:"criteria_scores,omitempty"`
	Feedback       string         `json:"feedback,omitempty"`
}
