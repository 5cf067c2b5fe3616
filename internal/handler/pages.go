package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/neurotutor/neurotutor/internal/api"
	appI18n "github.com/neurotutor/neurotutor/internal/i18n"
	"github.com/neurotutor/neurotutor/internal/model"
	"github.com/neurotutor/neurotutor/internal/session"
)

type pageResponse struct {
	Page string             `json:"page"`
	User *model.UserProfile `json:"user"`
	Data any                `json:"data,omitempty"`
}

type dashboardData struct {
	Exercises  []model.Exercise        `json:"exercises"`
	Summary    string                  `json:"summary"`
	Diagnostic *model.DiagnosticResult `json:"diagnostic,omitempty"`
}

type exerciseListData struct {
	Exercises []model.Exercise `json:"exercises"`
	Summary   string           `json:"summary"`
}

type diagnosticPageData struct {
	Completed  bool                    `json:"completed"`
	LastResult *model.DiagnosticResult `json:"lastResult,omitempty"`
}

type profileData struct {
	Level      model.Level             `json:"level,omitempty"`
	Diagnostic *model.DiagnosticResult `json:"diagnostic,omitempty"`
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	d := session.ResolveRoot(model.SessionFromContext(r.Context()), h.routes)
	h.metrics.GuardDecisions.WithLabelValues(session.RootPathURL, d.Kind.String()).Inc()
	h.apply(w, r, d, func() {})
}

// handlePage guards one route of the table and renders its page data.
func (h *Handler) handlePage(rule session.RouteRule) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requested := strings.TrimPrefix(r.URL.Path, h.config.BasePath)
		if r.URL.RawQuery != "" {
			requested += "?" + r.URL.RawQuery
		}
		sess := model.SessionFromContext(r.Context())
		d := session.Decide(sess, rule, requested)
		h.metrics.GuardDecisions.WithLabelValues(rule.Path, d.Kind.String()).Inc()

		h.apply(w, r, d, func() {
			data, err := h.pageData(r, rule, *sess.User)
			if err != nil {
				h.writeServiceError(w, r, err)
				return
			}
			// The dashboard may have refreshed the profile.
			user := sess.User
			if g := guardFromContext(r.Context()); g != nil {
				if cur := g.Session(); cur.User != nil {
					user = cur.User
				}
			}
			writeJSON(w, http.StatusOK, pageResponse{Page: rule.Path, User: user, Data: data})
		})
	}
}

// apply carries out a guard decision; render runs only for Render.
func (h *Handler) apply(w http.ResponseWriter, r *http.Request, d session.Decision, render func()) {
	switch d.Kind {
	case session.ShowLoading:
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, sessionResponse{Status: model.StatusLoading})
	case session.Redirect:
		to := h.path(d.To)
		if d.To == session.LoginPath && d.ReturnTo != "" {
			to += "?returnTo=" + url.QueryEscape(d.ReturnTo)
		}
		http.Redirect(w, r, to, http.StatusFound)
	case session.Forbidden:
		writeJSON(w, http.StatusForbidden, errorResponse{Error: appI18n.T(r.Context(), "NoAccess")})
	default:
		render()
	}
}

func (h *Handler) pageData(r *http.Request, rule session.RouteRule, user model.UserProfile) (any, error) {
	ctx := r.Context()
	token := model.SessionFromContext(ctx).Token
	g := guardFromContext(ctx)

	switch rule.Path {
	case session.DashboardPath:
		return h.dashboard(ctx, g, token, user)

	case "/exercises", "/teacher", "/teacher/exercises":
		q := r.URL.Query()
		list, err := h.client.ListExercises(ctx, token, model.ExerciseFilter{
			Level:      q.Get("level"),
			Difficulty: q.Get("difficulty"),
			Topic:      q.Get("topic"),
		})
		if err != nil {
			return nil, err
		}
		return exerciseListData{
			Exercises: visibleExercises(list, user.Role),
			Summary:   appI18n.Tp(ctx, "ExercisesAvailable", len(list)),
		}, nil

	case "/exercise/{id}":
		ex, err := h.client.GetExercise(ctx, token, chi.URLParam(r, "id"))
		if err != nil {
			return nil, err
		}
		return visibleExercises([]model.Exercise{*ex}, user.Role)[0], nil

	case session.DiagnosticPath:
		last, err := g.CachedDiagnostic()
		if err != nil {
			return nil, err
		}
		return diagnosticPageData{Completed: user.DiagnosticCompleted, LastResult: last}, nil

	case "/profile":
		last, err := g.CachedDiagnostic()
		if err != nil {
			return nil, err
		}
		return profileData{Level: user.Level, Diagnostic: last}, nil
	}
	return nil, nil
}

// dashboard refreshes the profile and fetches exercises and the last
// diagnostic result concurrently.
func (h *Handler) dashboard(ctx context.Context, g *session.Guard, token string, user model.UserProfile) (dashboardData, error) {
	var out dashboardData
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		_, err := g.RefreshProfile(egCtx)
		if err != nil && !errors.Is(err, api.ErrSessionExpired) {
			// Transient failures keep the cached profile.
			return nil
		}
		return err
	})
	eg.Go(func() error {
		list, err := h.client.ListExercises(egCtx, token, model.ExerciseFilter{Level: string(user.Level)})
		if err != nil {
			return err
		}
		out.Exercises = visibleExercises(list, user.Role)
		return nil
	})
	if user.Role == model.RoleStudent {
		eg.Go(func() error {
			res, err := h.client.DiagnosticResult(egCtx, token, user.ID)
			if err != nil {
				return err
			}
			out.Diagnostic = res
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return dashboardData{}, err
	}
	out.Summary = appI18n.Tp(ctx, "ExercisesAvailable", len(out.Exercises))
	return out, nil
}

// visibleExercises hides reference solutions from students. Answers are
// checked server-side.
func visibleExercises(list []model.Exercise, role model.Role) []model.Exercise {
	if role != model.RoleStudent {
		return list
	}
	out := make([]model.Exercise, len(list))
	for i, ex := range list {
		ex.Solution = ""
		ex.Steps = nil
		out[i] = ex
	}
	return out
}
