package types

import "time"

// PublicBattle is the unauthenticated battle view. Field names follow the
// public API, not BattleState; clients normalize between the two.
type PublicBattle struct {
	BattleID             int64             `json:"battle_id"`
	Status               string            `json:"status"`
	PromptText           string            `json:"prompt_text"`
	Category             PublicCategory    `json:"category"`
	DurationSeconds      int               `json:"duration_seconds"`
	Source               string            `json:"source"`
	WinnerUserID         *int64            `json:"winner_user_id"`
	Challenger           PublicParticipant `json:"challenger"`
	Opponent             PublicParticipant `json:"opponent"`
	ChallengerSubmission *PublicSubmission `json:"challenger_submission,omitempty"`
	OpponentSubmission   *PublicSubmission `json:"opponent_submission,omitempty"`
}

type PublicCategory struct {
	Slug  string `json:"slug"`
	Label string `json:"label"`
}

type PublicParticipant struct {
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type PublicSubmission struct {
	Prompt     string         `json:"prompt"`
	ImageURL   *string        `json:"image_url"`
	TotalScore *float64       `json:"total_score"`
	Criteria   map[string]int `json:"criteria,omitempty"`
	Feedback   string         `json:"feedback,omitempty"`
}

// Public status values.
const (
	PublicStatusWaiting    = "waiting"
	PublicStatusInProgress = "in_progress"
	PublicStatusGenerating = "generating"
	PublicStatusJudging    = "judging"
	PublicStatusCompleted  = "completed"
)

type StartTurnResponse struct {
	Status        string `json:"status"` // "started" | "already_started"
	TimeRemaining int    `json:"time_remaining"`
}

const (
	TurnStarted        = "started"
	TurnAlreadyStarted = "already_started"
)

type RefreshChallengeResponse struct {
	Challenge     string        `json:"challenge"`
	ChallengeType ChallengeType `json:"challenge_type"`
	TimeRemaining int           `json:"time_remaining"`
}

type Invitation struct {
	Token     string        `json:"token"`
	Sender    Account       `json:"sender"`
	Battle    BattleSummary `json:"battle"`
	ExpiresAt time.Time     `json:"expires_at"`
	Cancelled bool          `json:"cancelled"`
}

type BattleSummary struct {
	ID            int64         `json:"id"`
	Challenge     string        `json:"challenge"`
	ChallengeType ChallengeType `json:"challenge_type"`
	Duration      int           `json:"duration"`
	Phase         string        `json:"phase"`
}

type CreateInvitationRequest struct {
	Duration int `json:"duration,omitempty"`
}

type CreateInvitationResponse struct {
	BattleID  int64     `json:"battle_id"`
	Token     string    `json:"token"`
	InviteURL string    `json:"invite_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

type AcceptInvitationResponse struct {
	BattleID        int64    `json:"battle_id"`
	AlreadyAccepted bool     `json:"already_accepted"`
	Account         *Account `json:"account,omitempty"`
	Token           string   `json:"token,omitempty"` // set when a guest session was created
}

type Account struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Email       string `json:"email,omitempty"`
	IsGuest     bool   `json:"is_guest"`
}

type SessionRequest struct {
	DisplayName string `json:"display_name"`
}

type SessionResponse struct {
	Account Account `json:"account"`
	Token   string  `json:"token"`
}

type ConvertGuestRequest struct {
	Email    string `json:"email"`
	Provider string `json:"provider"`
}

type ConvertGuestResponse struct {
	Redirect string  `json:"redirect"`
	Account  Account `json:"account"`
}

// ErrorResponse is the body of every non-2xx REST reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried by ErrorResponse.Code and the redirect query.
const (
	CodeAccessDenied           = "access_denied"
	CodeNotFound               = "not_found"
	CodeInvitationExpired      = "invitation_expired"
	CodeInvitationCancelled    = "invitation_cancelled"
	CodeInvitationUnknown      = "invitation_unknown"
	CodeNotYourTurn            = "not_your_turn"
	CodeAlreadySubmitted       = "already_submitted"
	CodeInvalidRequest         = "invalid_request"
	CodeUnauthorized           = "unauthorized"
	CodeEmailAlreadyRegistered = "email_already_registered"
	CodeMissingEmail           = "missing_email"
	CodeProviderFailed         = "provider_failed"
	CodeConversionFailed       = "conversion_failed"
	CodeNotGuest               = "not_guest"
)
