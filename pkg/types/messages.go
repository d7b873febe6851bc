package types

// Client -> Server
// typing:
//   typing: boolean
//
// submit_prompt:
//   prompt: string
//
// request_state: {}            // forces an authoritative "state" reply
//
// queue_join:
//   mode: "ai" | "active_user"
//
// queue_leave: {}
// queue_status: {}             // asks whether the caller is still queued
// keepalive: {}
//
// preference:
//   mode: "ai" | "active_user"

// Server -> Client
// phase_changed:   phase, battle?
// opponent_status: participant_id, status ("typing" | "submitted" | "disconnected" | "connected" | "idle")
// countdown_tick:  time_remaining
// match_complete:  winner_id?, battle?
// state:           battle (reply to request_state and first message after join)
// queue_status:    queue
// match_found:     battle_id
// error:           error, code

type ClientMessageType string

const (
	ClientTyping       ClientMessageType = "typing"
	ClientSubmitPrompt ClientMessageType = "submit_prompt"
	ClientRequestState ClientMessageType = "request_state"
	ClientQueueJoin    ClientMessageType = "queue_join"
	ClientQueueLeave   ClientMessageType = "queue_leave"
	ClientQueueStatus  ClientMessageType = "queue_status"
	ClientKeepalive    ClientMessageType = "keepalive"
	ClientPreference   ClientMessageType = "preference"
)

type ServerMessageType string

const (
	ServerPhaseChanged   ServerMessageType = "phase_changed"
	ServerOpponentStatus ServerMessageType = "opponent_status"
	ServerCountdownTick  ServerMessageType = "countdown_tick"
	ServerMatchComplete  ServerMessageType = "match_complete"
	ServerState          ServerMessageType = "state"
	ServerQueueStatus    ServerMessageType = "queue_status"
	ServerMatchFound     ServerMessageType = "match_found"
	ServerError          ServerMessageType = "error"
)

// MatchMode selects who the matchmaker pairs the caller with.
type MatchMode string

const (
	ModeAI         MatchMode = "ai"
	ModeActiveUser MatchMode = "active_user"
)

type ClientMessage struct {
	Type   ClientMessageType `json:"type"`
	Typing bool              `json:"typing,omitempty"`
	Prompt string            `json:"prompt,omitempty"`
	Mode   MatchMode         `json:"mode,omitempty"`
}

type ServerMessage struct {
	Type          ServerMessageType `json:"type"`
	Version       int               `json:"version,omitempty"`
	BattleID      int64             `json:"battle_id,omitempty"`
	Phase         string            `json:"phase,omitempty"`
	Battle        *BattleState      `json:"battle,omitempty"`
	ParticipantID int64             `json:"participant_id,omitempty"`
	Status        string            `json:"status,omitempty"`
	TimeRemaining *int              `json:"time_remaining,omitempty"`
	WinnerID      *int64            `json:"winner_id,omitempty"`
	Queue         *QueueStatus      `json:"queue,omitempty"`
	Error         string            `json:"error,omitempty"`
	Code          string            `json:"code,omitempty"`
}

type QueueState string

const (
	QueueIdle            QueueState = "idle"
	QueueQueued          QueueState = "queued"
	QueueOpponentWaiting QueueState = "opponent_waiting"
	QueueMatched         QueueState = "matched"
)

type QueueStatus struct {
	State    QueueState `json:"state"`
	Mode     MatchMode  `json:"mode,omitempty"`
	Position int        `json:"position,omitempty"`
	Notified int        `json:"notified,omitempty"`
}

// IntPtr is a small helper for the optional numeric fields above.
func IntPtr(v int) *int { return &v }

func Int64Ptr(v int64) *int64 { return &v }
