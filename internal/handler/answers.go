package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/neurotutor/neurotutor/internal/answer"
	appI18n "github.com/neurotutor/neurotutor/internal/i18n"
	"github.com/neurotutor/neurotutor/internal/metrics"
	"github.com/neurotutor/neurotutor/internal/model"
	"github.com/neurotutor/neurotutor/internal/session"
)

// Submission modes.
const (
	ModeSimple = "SIMPLE"
	ModeSteps  = "STEPS"
)

const defaultPoints = 10

type checkRequest struct {
	Answer   string `json:"answer"`
	Expected string `json:"expected"`
	Steps    string `json:"steps"`
}

type checkResponse struct {
	answer.Verdict
	Message   string `json:"message"`
	StepsNote string `json:"stepsNote"`
}

// handleCheckAnswer runs the local pre-check on an answer. It needs no
// session and calls no service.
func (h *Handler) handleCheckAnswer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Expected) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(ctx, "InvalidRequest")})
		return
	}

	v := answer.Check(req.Answer, req.Expected)
	v.Steps = answer.ResolveSteps(req.Steps, req.Answer)
	h.metrics.AnswerChecks.WithLabelValues(metrics.Verdict(v.Correct)).Inc()

	writeJSON(w, http.StatusOK, checkResponse{
		Verdict:   v,
		Message:   verdictMessage(r, v.Correct),
		StepsNote: appI18n.Tp(ctx, "StepsExtracted", len(v.Steps)),
	})
}

type submitRequest struct {
	Mode   string `json:"mode"`
	Answer string `json:"answer"`
	Steps  string `json:"steps"`
}

type submitResponse struct {
	Correct                bool                 `json:"correct"`
	VerdictSource          string               `json:"verdictSource"`
	Message                string               `json:"message"`
	UserAnswer             string               `json:"userAnswer"`
	Expected               string               `json:"expected,omitempty"`
	EarnedPoints           int                  `json:"earnedPoints"`
	AIGlobalScore          *float64             `json:"aiGlobalScore,omitempty"`
	Steps                  []string             `json:"steps,omitempty"`
	StepsFeedback          []model.StepFeedback `json:"stepsFeedback,omitempty"`
	GeneratedSolutionSteps []string             `json:"generatedSolutionSteps,omitempty"`
}

// handleSubmit sends an answer to the exercise service. In steps mode the
// final answer is extracted from the raw text and the steps come from the
// explicit list or, failing that, from the text itself.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := model.SessionFromContext(ctx)
	exerciseID := chi.URLParam(r, "exerciseID")

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(ctx, "InvalidRequest")})
		return
	}
	text := strings.TrimSpace(req.Answer)
	mode := strings.ToUpper(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = ModeSimple
	}

	sub, userAnswer, ok := BuildSubmission(mode, text, req.Steps, SubmitterID(*sess.User))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(ctx, "InvalidRequest")})
		return
	}

	ex, err := h.client.GetExercise(ctx, sess.Token, exerciseID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res, err := h.client.Submit(ctx, sess.Token, exerciseID, sub)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	correct, earned, source := Grade(res, userAnswer, ex.Solution, ex.Points)
	h.metrics.AnswerChecks.WithLabelValues(metrics.Verdict(correct)).Inc()

	out := submitResponse{
		Correct:                correct,
		VerdictSource:          source,
		Message:                verdictMessage(r, correct),
		UserAnswer:             userAnswer,
		Expected:               ex.Solution,
		EarnedPoints:           earned,
		AIGlobalScore:          res.AIGlobalScore,
		Steps:                  sub.Steps,
		StepsFeedback:          res.StepsFeedback,
		GeneratedSolutionSteps: res.GeneratedSolutionSteps,
	}

	if mode == ModeSteps && len(out.StepsFeedback) == 0 && h.steps != nil && h.config.StepFeedback {
		fb, err := h.steps.EvaluateSteps(ctx, *ex, sub.FinalAnswer, sub.Steps)
		if err != nil {
			slog.Warn("step feedback unavailable", "exercise_id", exerciseID, "error", err)
		} else {
			out.StepsFeedback = fb
		}
	}

	slog.Info("answer submitted",
		"exercise_id", exerciseID,
		"user_id", sess.User.ID,
		"mode", mode,
		"correct", correct,
		"source", source,
	)
	writeJSON(w, http.StatusOK, out)
}

// BuildSubmission shapes the request body for a mode. It reports false when
// the input is incomplete for that mode.
func BuildSubmission(mode, text, explicitSteps, userID string) (model.SubmissionRequest, string, bool) {
	switch mode {
	case ModeSteps:
		steps := answer.ResolveSteps(explicitSteps, text)
		if text == "" || len(steps) == 0 {
			return model.SubmissionRequest{}, "", false
		}
		final := answer.ExtractFinalAnswer(text)
		return model.SubmissionRequest{UserID: userID, FinalAnswer: final, Steps: steps}, final, true
	case ModeSimple:
		if text == "" {
			return model.SubmissionRequest{}, "", false
		}
		cleaned := answer.ExtractFinalAnswer(text)
		if cleaned == "" {
			cleaned = text
		}
		return model.SubmissionRequest{UserID: userID, Answer: cleaned}, text, true
	default:
		return model.SubmissionRequest{}, "", false
	}
}

// Grade settles the verdict. The service's verdict wins when it gives one;
// otherwise the local equivalence check decides. Points default to the
// exercise's value for a correct answer.
func Grade(res *model.SubmissionResult, userAnswer, expected string, points int) (correct bool, earned int, source string) {
	if res.Correct != nil {
		correct, source = *res.Correct, "service"
	} else {
		correct, source = answer.Equivalent(userAnswer, expected), "local"
	}
	if points <= 0 {
		points = defaultPoints
	}
	switch {
	case res.ScoreEarned != nil:
		earned = *res.ScoreEarned
	case correct:
		earned = points
	}
	return correct, earned, source
}

// SubmitterID is the user identifier the submissions endpoint expects.
func SubmitterID(u model.UserProfile) string {
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

func verdictMessage(r *http.Request, correct bool) string {
	if correct {
		return appI18n.T(r.Context(), "AnswerCorrect")
	}
	return appI18n.T(r.Context(), "AnswerIncorrect")
}

func (h *Handler) handleDiagnosticStart(w http.ResponseWriter, r *http.Request) {
	sess := model.SessionFromContext(r.Context())
	test, err := h.client.StartDiagnostic(r.Context(), sess.Token, sess.User.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

type diagnosticSubmitRequest struct {
	Answers []string `json:"answers"`
}

type diagnosticSubmitResponse struct {
	Result  model.DiagnosticResult `json:"result"`
	Score   int                    `json:"score"`
	Level   model.Level            `json:"level"`
	Message string                 `json:"message"`
	Next    string                 `json:"next"`
}

// handleDiagnosticSubmit grades a placement test and records the outcome on
// the user's profile.
func (h *Handler) handleDiagnosticSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := model.SessionFromContext(ctx)

	var req diagnosticSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: appI18n.T(ctx, "InvalidRequest")})
		return
	}

	res, err := h.client.SubmitDiagnostic(ctx, sess.Token, chi.URLParam(r, "testID"), model.DiagnosticSubmission{
		StudentID: sess.User.ID,
		Answers:   req.Answers,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	updated, err := guardFromContext(ctx).CompleteDiagnostic(ctx, *res)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	next := session.DashboardPath
	if updated.User != nil {
		next = session.RootPath(*updated.User)
	}
	score, level := res.ScorePercent(), res.EffectiveLevel()
	writeJSON(w, http.StatusOK, diagnosticSubmitResponse{
		Result:  *res,
		Score:   score,
		Level:   level,
		Message: appI18n.Td(ctx, "DiagnosticCompleted", map[string]any{"Score": score, "Level": level}),
		Next:    h.path(next),
	})
}

func (h *Handler) handleRefreshProfile(w http.ResponseWriter, r *http.Request) {
	s, err := guardFromContext(r.Context()).RefreshProfile(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessionBody(s))
}
