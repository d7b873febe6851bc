package guest

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/prompt-battle/internal/failure"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

func openTempStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite(" ")
	assert.Error(t, err)
}

func TestStores_ConsumeClears(t *testing.T) {
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": openTempStore(t),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := s.Get(ctx, KeyActiveBattle)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, KeyActiveBattle, "41"))
			require.NoError(t, s.Set(ctx, KeyActiveBattle, "42"))
			v, ok, err := s.Get(ctx, KeyActiveBattle)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "42", v)

			v, ok, err = s.Consume(ctx, KeyActiveBattle)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "42", v)

			_, ok, err = s.Consume(ctx, KeyActiveBattle)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, KeySessionToken, "tok"))
			require.NoError(t, s.Delete(ctx, KeySessionToken))
			_, ok, _ = s.Get(ctx, KeySessionToken)
			assert.False(t, ok)
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), KeyActiveBattle, "42"))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()
	v, ok, err := reopened.Get(context.Background(), KeyActiveBattle)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", v)
}

type fakeAPI struct {
	token      string
	accept     types.AcceptInvitationResponse
	acceptErr  error
	invitation types.Invitation
	convertErr error
	me         types.Account
}

func (f *fakeAPI) Invitation(ctx context.Context, token string) (types.Invitation, error) {
	return f.invitation, nil
}

func (f *fakeAPI) AcceptInvitation(ctx context.Context, token string) (types.AcceptInvitationResponse, error) {
	if f.acceptErr != nil {
		return types.AcceptInvitationResponse{}, f.acceptErr
	}
	if f.accept.Token != "" {
		f.token = f.accept.Token
	}
	return f.accept, nil
}

func (f *fakeAPI) Me(ctx context.Context) (types.Account, error) { return f.me, nil }

func (f *fakeAPI) ConvertGuest(ctx context.Context, req types.ConvertGuestRequest) (types.ConvertGuestResponse, error) {
	if f.convertErr != nil {
		return types.ConvertGuestResponse{}, f.convertErr
	}
	f.me.IsGuest = false
	f.me.Email = req.Email
	return types.ConvertGuestResponse{Redirect: "/battles/42?converted=true", Account: f.me}, nil
}

func (f *fakeAPI) SetToken(token string) { f.token = token }
func (f *fakeAPI) Token() string         { return f.token }

func TestManager_GuestReturnsToBattleAfterConversion(t *testing.T) {
	ctx := context.Background()
	store := openTempStore(t)
	api := &fakeAPI{
		accept: types.AcceptInvitationResponse{BattleID: 42, Token: "guest-token", Account: &types.Account{ID: 9, IsGuest: true}},
		me:     types.Account{ID: 9, DisplayName: "guest-9", IsGuest: true},
	}
	m := NewManager(api, store, nil)

	acc, err := m.Accept(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(42), acc.BattleID)
	assert.True(t, acc.Guest)

	redirect, err := m.Convert(ctx, "guest@example.com", "google")
	require.NoError(t, err)

	// the redirect reloads the app: a fresh client restores from storage
	reloaded := &fakeAPI{me: api.me}
	m2 := NewManager(reloaded, store, nil)
	found, err := m2.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "guest-token", reloaded.Token())

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	out, err := m2.Resume(ctx, u.Query())
	require.NoError(t, err)
	assert.True(t, out.Converted)
	assert.Equal(t, int64(42), out.BattleID)
	assert.Equal(t, ConvertedBanner, out.Banner)
	assert.Nil(t, out.Failure)

	_, ok, err := m2.ActiveBattle(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "pointer is cleared once consumed")
}

func TestManager_ConversionErrorsHaveDistinctCopy(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&fakeAPI{}, NewMemoryStore(), nil)
	require.NoError(t, m.Remember(ctx, 42))

	seen := map[string]bool{}
	for _, reason := range []string{
		failure.ReasonEmailAlreadyRegistered,
		failure.ReasonMissingEmail,
		failure.ReasonProviderFailed,
		failure.ReasonConversionFailed,
	} {
		out, err := m.Resume(ctx, url.Values{"conversion_error": {reason}})
		require.NoError(t, err)
		require.NotNil(t, out.Failure)
		assert.Equal(t, int64(42), out.BattleID)
		assert.False(t, seen[out.Failure.Text], reason)
		seen[out.Failure.Text] = true
	}

	// the pointer survives a failed attempt
	id, ok, err := m.ActiveBattle(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestManager_AcceptErrorsKeepTheirKind(t *testing.T) {
	api := &fakeAPI{acceptErr: failure.WithReason(failure.InvitationExpired, "accept invitation", types.CodeInvitationExpired, nil)}
	m := NewManager(api, NewMemoryStore(), nil)

	_, err := m.Accept(context.Background(), "abc123")
	require.Error(t, err)
	assert.Equal(t, failure.RecoveryRequestLink, failure.Present(err).Recovery)

	_, ok, _ := m.ActiveBattle(context.Background())
	assert.False(t, ok)
}

func TestManager_PreviewRejectsCancelled(t *testing.T) {
	m := NewManager(&fakeAPI{invitation: types.Invitation{Token: "abc123", Cancelled: true}}, NewMemoryStore(), nil)
	_, err := m.Preview(context.Background(), "abc123")
	assert.Equal(t, failure.InvitationCancelled, failure.KindOf(err))
}
