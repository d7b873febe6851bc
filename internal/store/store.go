// Package store persists accounts, battles and invitations. MemoryStore backs
// tests and single-process runs; GormStore backs Postgres deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

type Account struct {
	ID          int64
	DisplayName string
	AvatarURL   string
	Email       string
	IsGuest     bool
	CreatedAt   time.Time
}

type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationCancelled InvitationStatus = "cancelled"
	InvitationExpired   InvitationStatus = "expired"
)

type Invitation struct {
	Token      string
	BattleID   int64
	SenderID   int64
	AcceptedBy int64
	Status     InvitationStatus
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// EffectiveStatus folds the expiry time into the stored status.
func (inv Invitation) EffectiveStatus(now time.Time) InvitationStatus {
	if inv.Status == InvitationPending && !now.Before(inv.ExpiresAt) {
		return InvitationExpired
	}
	return inv.Status
}

type Store interface {
	CreateAccount(ctx context.Context, a Account) (Account, error)
	Account(ctx context.Context, id int64) (Account, error)
	AccountByEmail(ctx context.Context, email string) (Account, error)
	UpdateAccount(ctx context.Context, a Account) error

	// CreateBattle assigns the battle an id.
	CreateBattle(ctx context.Context, b engine.Battle) (engine.Battle, error)
	SaveBattle(ctx context.Context, b engine.Battle) error
	Battle(ctx context.Context, id int64) (engine.Battle, error)
	// LatestBattleFor returns the most recent battle participantID took part in.
	LatestBattleFor(ctx context.Context, participantID int64) (engine.Battle, error)

	CreateInvitation(ctx context.Context, inv Invitation) error
	Invitation(ctx context.Context, token string) (Invitation, error)
	InvitationForBattle(ctx context.Context, battleID int64) (Invitation, error)
	UpdateInvitation(ctx context.Context, inv Invitation) error
	// ExpireInvitations marks pending invitations past their expiry and
	// returns how many changed.
	ExpireInvitations(ctx context.Context, now time.Time) (int, error)

	Close() error
}
