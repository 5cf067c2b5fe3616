// Package session holds the client-side authentication state machine and the
// route guard that decides what a navigation may show.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/neurotutor/neurotutor/internal/api"
	"github.com/neurotutor/neurotutor/internal/model"
)

// ErrNotAuthenticated is returned by operations that need a signed-in user.
var ErrNotAuthenticated = errors.New("not authenticated")

// AuthService is the part of the auth API the guard depends on.
// *api.Client implements it.
type AuthService interface {
	Login(ctx context.Context, email, password string) (*model.RawProfile, error)
	Me(ctx context.Context, token string) (*model.RawProfile, error)
	CompleteDiagnostic(ctx context.Context, token string, score int, level model.Level) error
}

// Guard tracks one client's session. It starts in LOADING and settles on
// ANONYMOUS or AUTHENTICATED after Start. It is safe for concurrent use;
// network calls run outside the lock and the last response wins.
type Guard struct {
	store Store
	auth  AuthService

	startMu sync.Mutex

	mu      sync.Mutex
	started bool
	token   string
	user    *model.UserProfile
	status  model.Status
}

// NewGuard creates a guard in the LOADING state.
func NewGuard(store Store, auth AuthService) *Guard {
	return &Guard{store: store, auth: auth, status: model.StatusLoading}
}

// Session returns a snapshot of the current state.
func (g *Guard) Session() model.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Guard) snapshotLocked() model.Session {
	s := model.Session{Token: g.token, Status: g.status}
	if g.user != nil {
		u := *g.user
		s.User = &u
	}
	return s
}

// Start reads the persisted token and resolves the profile, then returns
// the current snapshot. Once the session has settled later calls do no
// work. A profile fetch that fails for any reason other than a rejected
// token leaves the session ANONYMOUS with the token still persisted, and
// the next call tries again.
func (g *Guard) Start(ctx context.Context) model.Session {
	g.startMu.Lock()
	defer g.startMu.Unlock()

	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if !started && g.start(ctx) {
		g.mu.Lock()
		g.started = true
		g.mu.Unlock()
	}
	return g.Session()
}

// start reports whether the session settled for good.
func (g *Guard) start(ctx context.Context) bool {
	token, ok, err := g.store.Get(KeyToken)
	if err != nil {
		slog.Error("read persisted token", "error", err)
	}
	if !ok || token == "" {
		g.settleAnonymous()
		return err == nil
	}

	g.mu.Lock()
	g.token = token
	g.status = model.StatusLoading
	g.mu.Unlock()

	raw, err := g.auth.Me(ctx, token)
	if err != nil {
		settled := errors.Is(err, api.ErrSessionExpired)
		if settled {
			slog.Info("persisted session rejected", "error", err)
			g.clearPersisted()
		} else {
			slog.Warn("profile fetch failed at startup, will retry", "error", err)
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.token == token {
			g.token = ""
			g.user = nil
			g.status = model.StatusAnonymous
		}
		return settled
	}

	p := NormalizeProfile(*raw)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != token {
		return true
	}
	g.setUserLocked(p)
	g.status = model.StatusAuthenticated
	return true
}

// Login exchanges credentials for a token, persists it and fetches the
// profile. When the profile fetch fails the session is still established
// with a profile built from the login response.
func (g *Guard) Login(ctx context.Context, email, password string) (model.Session, error) {
	raw, err := g.auth.Login(ctx, email, password)
	if err != nil {
		return g.Session(), fmt.Errorf("login: %w", err)
	}
	if err := g.store.Set(KeyToken, raw.Token); err != nil {
		return g.Session(), fmt.Errorf("persist token: %w", err)
	}

	g.mu.Lock()
	g.token = raw.Token
	g.user = nil
	g.status = model.StatusLoading
	g.mu.Unlock()

	var p model.UserProfile
	me, err := g.auth.Me(ctx, raw.Token)
	if err != nil {
		slog.Warn("profile fetch after login failed, using login response", "error", err)
		p = fallbackProfile(*raw)
	} else {
		p = NormalizeProfile(*me)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != raw.Token {
		// Logged out or replaced while the profile was in flight.
		return g.snapshotLocked(), nil
	}
	g.setUserLocked(p)
	g.status = model.StatusAuthenticated
	g.started = true
	slog.Info("user logged in", "user_id", p.ID, "role", p.Role)
	return g.snapshotLocked(), nil
}

// Logout clears the session and every persisted key.
func (g *Guard) Logout() error {
	g.settleAnonymous()
	if err := g.store.Clear(AllKeys...); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Invalidate ends a session whose token was rejected by a service.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	wasAuthenticated := g.token != ""
	g.mu.Unlock()
	if wasAuthenticated {
		slog.Info("session invalidated")
	}
	g.clearPersisted()
	g.settleAnonymous()
}

// ObserveError invalidates the session when err reports an auth failure and
// reports whether it did.
func (g *Guard) ObserveError(err error) bool {
	if err == nil || !errors.Is(err, api.ErrSessionExpired) {
		return false
	}
	g.Invalidate()
	return true
}

// RefreshProfile refetches the profile. It only changes status when the
// token is rejected, in which case the session ends and ErrSessionExpired
// is returned.
func (g *Guard) RefreshProfile(ctx context.Context) (model.Session, error) {
	g.mu.Lock()
	token, status := g.token, g.status
	g.mu.Unlock()
	if status != model.StatusAuthenticated {
		return g.Session(), ErrNotAuthenticated
	}

	raw, err := g.auth.Me(ctx, token)
	if err != nil {
		if g.ObserveError(err) {
			return g.Session(), fmt.Errorf("refresh profile: %w", api.ErrSessionExpired)
		}
		return g.Session(), fmt.Errorf("refresh profile: %w", err)
	}

	p := NormalizeProfile(*raw)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == token && g.status == model.StatusAuthenticated {
		g.setUserLocked(p)
	}
	return g.snapshotLocked(), nil
}

// CompleteDiagnostic records a finished placement test: the score and level
// are posted to the auth service and cached locally, then the profile is
// refreshed. If only the refresh fails, the cached profile is marked
// completed so the student is not sent back to the test.
func (g *Guard) CompleteDiagnostic(ctx context.Context, result model.DiagnosticResult) (model.Session, error) {
	g.mu.Lock()
	token, status := g.token, g.status
	g.mu.Unlock()
	if status != model.StatusAuthenticated {
		return g.Session(), ErrNotAuthenticated
	}

	score, level := result.ScorePercent(), result.EffectiveLevel()
	if err := g.auth.CompleteDiagnostic(ctx, token, score, level); err != nil {
		if g.ObserveError(err) {
			return g.Session(), fmt.Errorf("complete diagnostic: %w", api.ErrSessionExpired)
		}
		return g.Session(), fmt.Errorf("complete diagnostic: %w", err)
	}

	if err := g.store.Set(KeyUserLevel, string(level)); err != nil {
		slog.Warn("cache user level", "error", err)
	}
	if data, err := json.Marshal(result); err == nil {
		if err := g.store.Set(KeyDiagnosticResult, string(data)); err != nil {
			slog.Warn("cache diagnostic result", "error", err)
		}
	}

	s, err := g.RefreshProfile(ctx)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, api.ErrSessionExpired) {
		return s, err
	}
	slog.Warn("profile refresh after diagnostic failed", "error", err)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.user != nil && g.token == token {
		u := *g.user
		u.DiagnosticCompleted = true
		u.DiagnosticScore = &score
		u.Level = level
		g.setUserLocked(u)
	}
	return g.snapshotLocked(), nil
}

// CachedDiagnostic returns the last diagnostic result stored by
// CompleteDiagnostic, if any.
func (g *Guard) CachedDiagnostic() (*model.DiagnosticResult, error) {
	data, ok, err := g.store.Get(KeyDiagnosticResult)
	if err != nil || !ok {
		return nil, err
	}
	var r model.DiagnosticResult
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decode cached diagnostic: %w", err)
	}
	return &r, nil
}

func (g *Guard) setUserLocked(p model.UserProfile) {
	g.user = &p
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := g.store.Set(KeyUser, string(data)); err != nil {
		slog.Warn("persist user profile", "error", err)
	}
}

func (g *Guard) settleAnonymous() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.token = ""
	g.user = nil
	g.status = model.StatusAnonymous
}

func (g *Guard) clearPersisted() {
	if err := g.store.Clear(AllKeys...); err != nil {
		slog.Error("clear persisted session", "error", err)
	}
}
