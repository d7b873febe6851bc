// Package apiclient is the REST client for the battle server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/failure"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

var ErrInvalidBaseURL = errors.New("invalid base url")

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client is safe for concurrent use. The session token can change while the
// client is in use, e.g. when a guest session is created on invitation accept.
type Client struct {
	base *url.URL
	http *http.Client
	log  *zap.Logger

	mu    sync.RWMutex
	token string
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}
	c := &Client{
		base: u,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Authenticated reports whether requests carry a session token.
func (c *Client) Authenticated() bool { return c.Token() != "" }

// WebsocketURL maps path onto the ws/wss origin of the server.
func (c *Client) WebsocketURL(path string) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// AuthHeader returns the header a websocket dial should carry.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	if tok := c.Token(); tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

func battlePath(id int64, suffix string) string {
	return "/api/battles/" + strconv.FormatInt(id, 10) + suffix
}

// PublicBattle fetches the unauthenticated view. In-progress battles are
// refused with failure.AccessDeniedInProgress.
func (c *Client) PublicBattle(ctx context.Context, id int64) (types.PublicBattle, error) {
	var out types.PublicBattle
	err := c.do(ctx, "public battle", http.MethodGet, battlePath(id, "/public"), nil, &out, false)
	return out, err
}

// Battle fetches the authenticated, per-viewer view.
func (c *Client) Battle(ctx context.Context, id int64) (types.BattleState, error) {
	var out types.BattleState
	err := c.do(ctx, "battle", http.MethodGet, battlePath(id, ""), nil, &out, true)
	return out, err
}

func (c *Client) StartTurn(ctx context.Context, id int64) (types.StartTurnResponse, error) {
	var out types.StartTurnResponse
	err := c.do(ctx, "start turn", http.MethodPost, battlePath(id, "/start-turn"), nil, &out, true)
	return out, err
}

func (c *Client) RefreshChallenge(ctx context.Context, id int64) (types.RefreshChallengeResponse, error) {
	var out types.RefreshChallengeResponse
	err := c.do(ctx, "refresh challenge", http.MethodPost, battlePath(id, "/refresh-challenge"), nil, &out, true)
	return out, err
}

func (c *Client) CreateInvitation(ctx context.Context, req types.CreateInvitationRequest) (types.CreateInvitationResponse, error) {
	var out types.CreateInvitationResponse
	err := c.do(ctx, "create invitation", http.MethodPost, "/api/invitations", req, &out, true)
	return out, err
}

func (c *Client) Invitation(ctx context.Context, token string) (types.Invitation, error) {
	var out types.Invitation
	err := c.do(ctx, "fetch invitation", http.MethodGet, "/api/invitations/"+url.PathEscape(token), nil, &out, false)
	return out, err
}

// AcceptInvitation accepts with the current session, or anonymously. An
// anonymous accept returns a guest token which is adopted by the client.
func (c *Client) AcceptInvitation(ctx context.Context, token string) (types.AcceptInvitationResponse, error) {
	var out types.AcceptInvitationResponse
	err := c.do(ctx, "accept invitation", http.MethodPost, "/api/invitations/"+url.PathEscape(token)+"/accept", nil, &out, false)
	if err == nil && out.Token != "" {
		c.SetToken(out.Token)
	}
	return out, err
}

func (c *Client) CancelInvitation(ctx context.Context, token string) error {
	return c.do(ctx, "cancel invitation", http.MethodDelete, "/api/invitations/"+url.PathEscape(token), nil, nil, true)
}

// Me is the "who am I" call.
func (c *Client) Me(ctx context.Context) (types.Account, error) {
	var out types.Account
	err := c.do(ctx, "who am i", http.MethodGet, "/api/me", nil, &out, true)
	return out, err
}

// Session signs in with a display name and adopts the returned token.
func (c *Client) Session(ctx context.Context, displayName string) (types.SessionResponse, error) {
	var out types.SessionResponse
	err := c.do(ctx, "session", http.MethodPost, "/api/session", types.SessionRequest{DisplayName: displayName}, &out, false)
	if err == nil {
		c.SetToken(out.Token)
	}
	return out, err
}

func (c *Client) ConvertGuest(ctx context.Context, req types.ConvertGuestRequest) (types.ConvertGuestResponse, error) {
	var out types.ConvertGuestResponse
	err := c.do(ctx, "convert guest", http.MethodPost, "/api/guest/convert", req, &out, true)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any, needAuth bool) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return failure.New(failure.Unexpected, op, err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return failure.New(failure.Unexpected, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	tok := c.Token()
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	} else if needAuth {
		return failure.New(failure.Unauthorized, op, errors.New("no session token"))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("request failed", zap.String("op", op), zap.String("path", path), zap.Error(err))
		return failure.New(failure.TransportUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError(op, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return failure.New(failure.Unexpected, op, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

func (c *Client) statusError(op, path string, resp *http.Response) error {
	var er types.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er)
	cause := fmt.Errorf("%s %s: status %d: %s", resp.Request.Method, path, resp.StatusCode, er.Error)
	kind := kindFor(resp.StatusCode, er.Code)
	if kind == failure.Unexpected || kind == failure.TransportUnavailable {
		c.log.Warn("request rejected",
			zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("code", er.Code))
	}
	return failure.WithReason(kind, op, er.Code, cause)
}

func kindFor(status int, code string) failure.Kind {
	switch code {
	case types.CodeInvitationExpired:
		return failure.InvitationExpired
	case types.CodeInvitationCancelled:
		return failure.InvitationCancelled
	case types.CodeInvitationUnknown:
		return failure.InvitationUnknown
	case types.CodeAccessDenied:
		return failure.AccessDeniedInProgress
	case types.CodeNotFound:
		return failure.NotFound
	case types.CodeUnauthorized:
		return failure.Unauthorized
	case types.CodeEmailAlreadyRegistered, types.CodeMissingEmail, types.CodeProviderFailed, types.CodeConversionFailed:
		return failure.ConversionFailed
	case types.CodeNotYourTurn, types.CodeAlreadySubmitted, types.CodeNotGuest:
		return failure.Conflict
	}
	switch {
	case status == http.StatusForbidden:
		return failure.AccessDeniedInProgress
	case status == http.StatusNotFound:
		return failure.NotFound
	case status == http.StatusUnauthorized:
		return failure.Unauthorized
	case status == http.StatusConflict:
		return failure.Conflict
	case status >= 500:
		return failure.TransportUnavailable
	default:
		return failure.Unexpected
	}
}
