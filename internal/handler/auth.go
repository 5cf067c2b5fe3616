package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/neurotutor/neurotutor/internal/api"
	appI18n "github.com/neurotutor/neurotutor/internal/i18n"
	"github.com/neurotutor/neurotutor/internal/model"
	"github.com/neurotutor/neurotutor/internal/session"
	"github.com/neurotutor/neurotutor/internal/store"
)

const clientCookieName = "neurotutor_client"

type guardCtxKey struct{}

func guardFromContext(ctx context.Context) *session.Guard {
	g, _ := ctx.Value(guardCtxKey{}).(*session.Guard)
	return g
}

// clientMiddleware attaches the browser's started guard and session snapshot
// to the request context. Browsers without a known client cookie are served
// an anonymous session and get no guard; a client is only created by a
// successful login.
func (h *Handler) clientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sess := model.Session{Status: model.StatusAnonymous}
		if clientID := h.knownClient(r); clientID != "" {
			if err := h.store.TouchClient(clientID); err != nil {
				slog.Error("failed to record client activity", "error", err)
			}
			g := h.guardFor(clientID)
			sess = g.Start(ctx)
			ctx = model.ContextWithClientID(ctx, clientID)
			ctx = context.WithValue(ctx, guardCtxKey{}, g)
		}
		ctx = model.ContextWithSession(ctx, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// knownClient returns the client ID carried by the request cookie when the
// client is live in memory or in the store, and "" otherwise.
func (h *Handler) knownClient(r *http.Request) string {
	c, err := r.Cookie(clientCookieName)
	if err != nil {
		return ""
	}
	id, err := uuid.Parse(c.Value)
	if err != nil {
		return ""
	}
	clientID := id.String()
	if h.hasGuard(clientID) {
		return clientID
	}
	seen, err := h.store.ClientLastSeen(clientID)
	if err != nil {
		slog.Error("failed to look up client", "client_id", clientID, "error", err)
		return ""
	}
	if seen.IsZero() {
		return ""
	}
	return clientID
}

func (h *Handler) setClientCookie(w http.ResponseWriter, clientID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookieName,
		Value:    clientID,
		Path:     h.cookiePath(),
		MaxAge:   int(store.DefaultClientTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// remoteIP is the request's peer address without the port. Behind a proxy
// chi's RealIP middleware has already replaced RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireAuth rejects API calls from clients without an authenticated session.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := model.SessionFromContext(r.Context())
		if sess.Status != model.StatusAuthenticated || sess.User == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Error:    appI18n.T(r.Context(), "NotSignedIn"),
				Redirect: h.path(session.LoginPath),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sessionResponse struct {
	Status   model.Status       `json:"status"`
	User     *model.UserProfile `json:"user,omitempty"`
	Home     string             `json:"home,omitempty"`
	ReturnTo string             `json:"returnTo,omitempty"`
	Message  string             `json:"message,omitempty"`
}

func (h *Handler) sessionBody(s model.Session) sessionResponse {
	out := sessionResponse{Status: s.Status, User: s.User}
	if s.Status == model.StatusAuthenticated && s.User != nil {
		out.Home = h.path(session.RootPath(*s.User))
	}
	return out
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessionBody(model.SessionFromContext(r.Context())))
}

// handleLoginPage sends signed-in users home and otherwise describes the
// login form's state.
func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	sess := model.SessionFromContext(r.Context())
	if sess.Status == model.StatusAuthenticated && sess.User != nil {
		http.Redirect(w, r, h.path(session.RootPath(*sess.User)), http.StatusSeeOther)
		return
	}
	body := h.sessionBody(sess)
	body.ReturnTo = safeReturnTo(r.URL.Query().Get("returnTo"))
	writeJSON(w, http.StatusOK, body)
}

type loginForm struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	ReturnTo string `json:"returnTo"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := model.ClientIDFromContext(ctx)
	g := guardFromContext(ctx)
	asJSON := isJSON(r)

	ip := remoteIP(r)
	if !h.loginLimiter(ip).Allow() {
		h.metrics.Logins.WithLabelValues("throttled").Inc()
		slog.Warn("login throttled", "remote_ip", ip)
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: appI18n.T(ctx, "TooManyAttempts")})
		return
	}

	var form loginForm
	if asJSON {
		if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(ctx, "InvalidRequest")})
			return
		}
	} else {
		form = loginForm{
			Email:    r.FormValue("email"),
			Password: r.FormValue("password"),
			ReturnTo: r.FormValue("returnTo"),
		}
	}
	form.Email = strings.TrimSpace(form.Email)

	newClient := g == nil
	if newClient {
		clientID = uuid.NewString()
		g = h.guardFor(clientID)
		g.Start(ctx)
	}

	sess, err := g.Login(ctx, form.Email, form.Password)
	if err != nil {
		if newClient {
			h.forget(clientID)
		}
		h.metrics.Logins.WithLabelValues("failure").Inc()
		slog.Info("login failed", "client_id", clientID, "remote_ip", ip, "error", err)
		status := http.StatusUnauthorized
		var netErr *api.NetworkError
		if errors.As(err, &netErr) {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorResponse{Error: loginErrorMessage(ctx, err)})
		return
	}
	h.metrics.Logins.WithLabelValues("success").Inc()
	if newClient {
		if err := h.store.TouchClient(clientID); err != nil {
			slog.Error("failed to record client activity", "error", err)
		}
		h.setClientCookie(w, clientID)
	}

	dest := h.path(session.RootPathURL)
	if rt := safeReturnTo(form.ReturnTo); rt != "" {
		dest = h.path(rt)
	}
	if !asJSON {
		http.Redirect(w, r, dest, http.StatusSeeOther)
		return
	}
	body := h.sessionBody(sess)
	body.ReturnTo = dest
	if sess.User != nil {
		body.Message = appI18n.Td(ctx, "LoginSucceeded", map[string]any{"Name": sess.User.DisplayName()})
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if g := guardFromContext(ctx); g != nil {
		if err := g.Logout(); err != nil {
			slog.Error("logout failed", "client_id", model.ClientIDFromContext(ctx), "error", err)
		}
	}
	if !isJSON(r) {
		http.Redirect(w, r, h.path(session.LoginPath), http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Status: model.StatusAnonymous, Message: appI18n.T(ctx, "LoggedOut")})
}

// loginErrorMessage shows the server's own message for rejected
// credentials. A 401 here means bad credentials, not an expired session.
func loginErrorMessage(ctx context.Context, err error) string {
	var (
		apiErr *api.APIError
		netErr *api.NetworkError
	)
	switch {
	case errors.As(err, &apiErr) && apiErr.Message != "" && apiErr.Message != http.StatusText(apiErr.Status):
		return apiErr.Message
	case errors.As(err, &netErr):
		return appI18n.T(ctx, "NetworkError")
	default:
		return appI18n.T(ctx, "LoginFailed")
	}
}

// safeReturnTo keeps only local absolute paths. Backslashes and control
// characters are refused: browsers read "/\host" as "//host".
func safeReturnTo(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.ContainsRune(p, '\\') || hasControl(p) {
		return ""
	}
	u, err := url.Parse(p)
	if err != nil || u.IsAbs() || u.Host != "" || u.User != nil {
		return ""
	}
	if strings.HasPrefix(u.Path, "//") || strings.ContainsRune(u.Path, '\\') || hasControl(u.Path) {
		return ""
	}
	if u.Path == session.LoginPath {
		return ""
	}
	return p
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

func isJSON(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == "application/json"
}
