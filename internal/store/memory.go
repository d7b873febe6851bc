package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
)

type MemoryStore struct {
	mu          sync.Mutex
	nextAccount int64
	nextBattle  int64
	accounts    map[int64]Account
	battles     map[int64]engine.Battle
	invitations map[string]Invitation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[int64]Account),
		battles:     make(map[int64]engine.Battle),
		invitations: make(map[string]Invitation),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Email != "" && s.emailTaken(a.Email, 0) {
		return Account{}, ErrEmailTaken
	}
	s.nextAccount++
	a.ID = s.nextAccount
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *MemoryStore) Account(_ context.Context, id int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) AccountByEmail(_ context.Context, email string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Email != "" && strings.EqualFold(a.Email, email) {
			return a, nil
		}
	}
	return Account{}, ErrNotFound
}

func (s *MemoryStore) UpdateAccount(_ context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; !ok {
		return ErrNotFound
	}
	if a.Email != "" && s.emailTaken(a.Email, a.ID) {
		return ErrEmailTaken
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *MemoryStore) emailTaken(email string, except int64) bool {
	for id, a := range s.accounts {
		if id != except && a.Email != "" && strings.EqualFold(a.Email, email) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateBattle(_ context.Context, b engine.Battle) (engine.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBattle++
	b.ID = s.nextBattle
	s.battles[b.ID] = b.Clone()
	return b, nil
}

func (s *MemoryStore) SaveBattle(_ context.Context, b engine.Battle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.battles[b.ID]; !ok {
		return ErrNotFound
	}
	s.battles[b.ID] = b.Clone()
	return nil
}

func (s *MemoryStore) Battle(_ context.Context, id int64) (engine.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[id]
	if !ok {
		return engine.Battle{}, ErrNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) LatestBattleFor(_ context.Context, participantID int64) (engine.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *engine.Battle
	for _, b := range s.battles {
		if b.Challenger.ID != participantID && b.Opponent.ID != participantID {
			continue
		}
		if latest == nil || b.ID > latest.ID {
			latest = &b
		}
	}
	if latest == nil {
		return engine.Battle{}, ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) CreateInvitation(_ context.Context, inv Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	s.invitations[inv.Token] = inv
	return nil
}

func (s *MemoryStore) Invitation(_ context.Context, token string) (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invitations[token]
	if !ok {
		return Invitation{}, ErrNotFound
	}
	return inv, nil
}

func (s *MemoryStore) InvitationForBattle(_ context.Context, battleID int64) (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invitations {
		if inv.BattleID == battleID {
			return inv, nil
		}
	}
	return Invitation{}, ErrNotFound
}

func (s *MemoryStore) UpdateInvitation(_ context.Context, inv Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invitations[inv.Token]; !ok {
		return ErrNotFound
	}
	s.invitations[inv.Token] = inv
	return nil
}

func (s *MemoryStore) ExpireInvitations(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tok, inv := range s.invitations {
		if inv.Status == InvitationPending && !now.Before(inv.ExpiresAt) {
			inv.Status = InvitationExpired
			s.invitations[tok] = inv
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
