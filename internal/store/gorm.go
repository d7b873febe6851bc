package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
)

type accountRow struct {
	ID          int64   `gorm:"primaryKey;autoIncrement"`
	DisplayName string  `gorm:"not null"`
	AvatarURL   string
	Email       *string `gorm:"uniqueIndex"`
	IsGuest     bool    `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (accountRow) TableName() string { return "accounts" }

type battleRow struct {
	ID           int64         `gorm:"primaryKey;autoIncrement"`
	Phase        string        `gorm:"index;not null"`
	Source       string        `gorm:"not null"`
	ChallengerID int64         `gorm:"index"`
	OpponentID   int64         `gorm:"index"`
	State        engine.Battle `gorm:"serializer:json"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (battleRow) TableName() string { return "battles" }

type invitationRow struct {
	Token      string `gorm:"primaryKey"`
	BattleID   int64  `gorm:"uniqueIndex;not null"`
	SenderID   int64  `gorm:"not null"`
	AcceptedBy int64
	Status     string    `gorm:"index;not null;default:'pending'"`
	ExpiresAt  time.Time `gorm:"index"`
	CreatedAt  time.Time
}

func (invitationRow) TableName() string { return "invitations" }

type GormStore struct {
	db *gorm.DB
}

// OpenPostgres connects and migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an open handle and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&accountRow{}, &battleRow{}, &invitationRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func toAccountRow(a Account) accountRow {
	row := accountRow{ID: a.ID, DisplayName: a.DisplayName, AvatarURL: a.AvatarURL, IsGuest: a.IsGuest, CreatedAt: a.CreatedAt}
	if a.Email != "" {
		e := strings.ToLower(a.Email)
		row.Email = &e
	}
	return row
}

func fromAccountRow(row accountRow) Account {
	a := Account{ID: row.ID, DisplayName: row.DisplayName, AvatarURL: row.AvatarURL, IsGuest: row.IsGuest, CreatedAt: row.CreatedAt}
	if row.Email != nil {
		a.Email = *row.Email
	}
	return a
}

func (s *GormStore) CreateAccount(ctx context.Context, a Account) (Account, error) {
	row := toAccountRow(a)
	row.ID = 0
	if row.Email != nil {
		if _, err := s.AccountByEmail(ctx, *row.Email); err == nil {
			return Account{}, ErrEmailTaken
		}
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return fromAccountRow(row), nil
}

func (s *GormStore) Account(ctx context.Context, id int64) (Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return Account{}, notFound(err)
	}
	return fromAccountRow(row), nil
}

func (s *GormStore) AccountByEmail(ctx context.Context, email string) (Account, error) {
	var row accountRow
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&row).Error
	if err != nil {
		return Account{}, notFound(err)
	}
	return fromAccountRow(row), nil
}

func (s *GormStore) UpdateAccount(ctx context.Context, a Account) error {
	row := toAccountRow(a)
	if row.Email != nil {
		if other, err := s.AccountByEmail(ctx, *row.Email); err == nil && other.ID != a.ID {
			return ErrEmailTaken
		}
	}
	res := s.db.WithContext(ctx).Model(&accountRow{ID: a.ID}).Select("display_name", "avatar_url", "email", "is_guest").Updates(&row)
	if res.Error != nil {
		return fmt.Errorf("update account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateBattle(ctx context.Context, b engine.Battle) (engine.Battle, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := battleRow{Phase: b.Phase.String(), Source: string(b.Source), ChallengerID: b.Challenger.ID, OpponentID: b.Opponent.ID, State: b}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		b.ID = row.ID
		row.State = b
		return tx.Model(&row).Select("state").Updates(&row).Error
	})
	if err != nil {
		return engine.Battle{}, fmt.Errorf("create battle: %w", err)
	}
	return b, nil
}

func (s *GormStore) SaveBattle(ctx context.Context, b engine.Battle) error {
	res := s.db.WithContext(ctx).Model(&battleRow{ID: b.ID}).
		Select("phase", "opponent_id", "state").
		Updates(battleRow{Phase: b.Phase.String(), OpponentID: b.Opponent.ID, State: b})
	if res.Error != nil {
		return fmt.Errorf("save battle %d: %w", b.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Battle(ctx context.Context, id int64) (engine.Battle, error) {
	var row battleRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return engine.Battle{}, notFound(err)
	}
	b := row.State
	b.ID = row.ID
	return b.Clone(), nil
}

func (s *GormStore) LatestBattleFor(ctx context.Context, participantID int64) (engine.Battle, error) {
	var row battleRow
	err := s.db.WithContext(ctx).
		Where("challenger_id = ? OR opponent_id = ?", participantID, participantID).
		Order("id DESC").
		First(&row).Error
	if err != nil {
		return engine.Battle{}, notFound(err)
	}
	b := row.State
	b.ID = row.ID
	return b.Clone(), nil
}

func toInvitationRow(inv Invitation) invitationRow {
	return invitationRow{
		Token:      inv.Token,
		BattleID:   inv.BattleID,
		SenderID:   inv.SenderID,
		AcceptedBy: inv.AcceptedBy,
		Status:     string(inv.Status),
		ExpiresAt:  inv.ExpiresAt,
		CreatedAt:  inv.CreatedAt,
	}
}

func fromInvitationRow(row invitationRow) Invitation {
	return Invitation{
		Token:      row.Token,
		BattleID:   row.BattleID,
		SenderID:   row.SenderID,
		AcceptedBy: row.AcceptedBy,
		Status:     InvitationStatus(row.Status),
		ExpiresAt:  row.ExpiresAt,
		CreatedAt:  row.CreatedAt,
	}
}

func (s *GormStore) CreateInvitation(ctx context.Context, inv Invitation) error {
	row := toInvitationRow(inv)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}

func (s *GormStore) Invitation(ctx context.Context, token string) (Invitation, error) {
	var row invitationRow
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		return Invitation{}, notFound(err)
	}
	return fromInvitationRow(row), nil
}

func (s *GormStore) InvitationForBattle(ctx context.Context, battleID int64) (Invitation, error) {
	var row invitationRow
	if err := s.db.WithContext(ctx).Where("battle_id = ?", battleID).First(&row).Error; err != nil {
		return Invitation{}, notFound(err)
	}
	return fromInvitationRow(row), nil
}

func (s *GormStore) UpdateInvitation(ctx context.Context, inv Invitation) error {
	res := s.db.WithContext(ctx).Model(&invitationRow{Token: inv.Token}).Updates(map[string]any{
		"accepted_by": inv.AcceptedBy,
		"status":      string(inv.Status),
		"expires_at":  inv.ExpiresAt,
	})
	if res.Error != nil {
		return fmt.Errorf("update invitation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ExpireInvitations(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Model(&invitationRow{}).
		Where("status = ? AND expires_at <= ?", string(InvitationPending), now).
		Update("status", string(InvitationExpired))
	if res.Error != nil {
		return 0, fmt.Errorf("expire invitations: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
