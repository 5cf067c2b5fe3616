package model

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Role is a user's access level as reported by the auth service.
type Role string

const (
	// RoleStudent is a student user role.
	RoleStudent Role = "STUDENT"
	// RoleTeacher is a teacher user role.
	RoleTeacher Role = "TEACHER"
	// RoleAdmin is an admin user role.
	RoleAdmin Role = "ADMIN"
	// RoleParent is a parent user role.
	RoleParent Role = "PARENT"
)

// Status is the authentication state of a client session.
type Status string

const (
	StatusLoading       Status = "LOADING"
	StatusAnonymous     Status = "ANONYMOUS"
	StatusAuthenticated Status = "AUTHENTICATED"
)

// Level is a difficulty level assigned by the diagnostic test.
type Level string

const (
	LevelBeginner     Level = "BEGINNER"
	LevelIntermediate Level = "INTERMEDIATE"
	LevelAdvanced     Level = "ADVANCED"
)

// UserProfile is the canonical user shape, whatever endpoint it came from.
type UserProfile struct {
	ID                  string `json:"id"`
	Email               string `json:"email"`
	FirstName           string `json:"firstName"`
	LastName            string `json:"lastName"`
	Role                Role   `json:"role"`
	DiagnosticCompleted bool   `json:"diagnosticCompleted"`
	DiagnosticScore     *int   `json:"diagnosticScore,omitempty"`
	Level               Level  `json:"level,omitempty"`
}

// DisplayName returns "First Last", falling back to the email.
func (u UserProfile) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.Email
	}
}

// Session is a point-in-time snapshot of a client session.
type Session struct {
	Token  string       `json:"-"`
	User   *UserProfile `json:"user,omitempty"`
	Status Status       `json:"status"`
}

// Exercise is an exercise as served by the exercise service.
type Exercise struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	ProblemStatement string   `json:"problemStatement"`
	Difficulty       string   `json:"difficulty"`
	Topics           []string `json:"topics"`
	Points           int      `json:"points"`
	EstimatedTime    int      `json:"estimatedTime"`
	Hints            []string `json:"hints"`
	Steps            []string `json:"steps"`
	Solution         string   `json:"solution"`
	ResponseTypes    []string `json:"responseTypes"`
}

// ExerciseFilter narrows an exercise listing. Empty fields are not sent.
type ExerciseFilter struct {
	Level      string
	Difficulty string
	Topic      string
}

// SubmissionRequest is the body posted to the submissions endpoint.
// Simple mode sends Answer; steps mode sends FinalAnswer and Steps.
type SubmissionRequest struct {
	UserID      string   `json:"userId" validate:"required"`
	Answer      string   `json:"answer,omitempty" validate:"required_without=FinalAnswer"`
	FinalAnswer string   `json:"finalAnswer,omitempty" validate:"required_without=Answer"`
	Steps       []string `json:"steps,omitempty"`
}

// StepFeedback is the verdict on one reasoning step. Index is the 0-based
// position of the step in the submission.
type StepFeedback struct {
	Index         int    `json:"index"`
	Step          string `json:"step"`
	Correct       bool   `json:"correct"`
	Feedback      string `json:"feedback,omitempty"`
	Hint          string `json:"hint,omitempty"`
	CorrectedStep string `json:"correctedStep,omitempty"`
}

// UnmarshalJSON accepts both the camelCase shape and the snake_case one the
// evaluation service emits (is_correct, corrected_step).
func (f *StepFeedback) UnmarshalJSON(b []byte) error {
	var aux struct {
		Index              *int    `json:"index"`
		Step               string  `json:"step"`
		Correct            *bool   `json:"correct"`
		IsCorrect          *bool   `json:"is_correct"`
		Feedback           string  `json:"feedback"`
		Hint               *string `json:"hint"`
		CorrectedStep      *string `json:"correctedStep"`
		CorrectedStepSnake *string `json:"corrected_step"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return fmt.Errorf("decode step feedback: %w", err)
	}
	*f = StepFeedback{Step: aux.Step, Feedback: aux.Feedback}
	if aux.Index != nil {
		f.Index = *aux.Index
	}
	switch {
	case aux.IsCorrect != nil:
		f.Correct = *aux.IsCorrect
	case aux.Correct != nil:
		f.Correct = *aux.Correct
	}
	if aux.Hint != nil {
		f.Hint = *aux.Hint
	}
	switch {
	case aux.CorrectedStep != nil:
		f.CorrectedStep = *aux.CorrectedStep
	case aux.CorrectedStepSnake != nil:
		f.CorrectedStep = *aux.CorrectedStepSnake
	}
	return nil
}

// SubmissionResult is the exercise service's verdict on a submission.
// Correct is a pointer because the service may omit it. AIGlobalScore is
// the step evaluator's overall score in [0, 1], when one ran.
type SubmissionResult struct {
	Correct                *bool          `json:"correct"`
	ScoreEarned            *int           `json:"scoreEarned"`
	AIGlobalScore          *float64       `json:"aiGlobalScore,omitempty"`
	StepsFeedback          []StepFeedback `json:"stepsFeedback,omitempty"`
	GeneratedSolutionSteps []string       `json:"generatedSolutionSteps,omitempty"`
}

// DiagnosticQuestion is one multiple-choice placement question.
type DiagnosticQuestion struct {
	ID           string   `json:"id"`
	QuestionText string   `json:"questionText"`
	Options      []string `json:"options"`
}

// DiagnosticTest is a started placement test.
type DiagnosticTest struct {
	ID        string               `json:"id"`
	StudentID string               `json:"studentId"`
	Questions []DiagnosticQuestion `json:"questions"`
}

// DiagnosticResult is the outcome of a submitted placement test.
// Score is a ratio in [0, 1].
type DiagnosticResult struct {
	Score               float64 `json:"score"`
	LevelRecommendation Level   `json:"levelRecommendation"`
}

// ScorePercent converts the 0..1 score into the integer percentage the auth
// service stores.
func (r DiagnosticResult) ScorePercent() int {
	pct := r.Score * 100
	if pct < 0 {
		return 0
	}
	return int(pct + 0.5)
}

// EffectiveLevel returns the recommended level, BEGINNER when absent.
func (r DiagnosticResult) EffectiveLevel() Level {
	if r.LevelRecommendation == "" {
		return LevelBeginner
	}
	return r.LevelRecommendation
}

// Config holds runtime parameters set via CLI flags.
type Config struct {
	AuthURL        string
	ExerciseURL    string
	HTTPTimeout    time.Duration
	SecureCookies  bool   // Set Secure flag on cookies (disable for local dev)
	BasePath       string // URL prefix for sub-path deployments
	StepFeedback   bool   // Ask the LLM for step feedback when the service gives none
	LoginPerMinute int
}

type sessionCtxKey struct{}

// ContextWithSession stores a session snapshot in the request context.
func ContextWithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

// SessionFromContext retrieves the session snapshot from context.
// The zero value has an empty status.
func SessionFromContext(ctx context.Context) Session {
	s, _ := ctx.Value(sessionCtxKey{}).(Session)
	return s
}

type clientIDCtxKey struct{}

// ContextWithClientID stores the browser client identifier in context.
func ContextWithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDCtxKey{}, id)
}

// ClientIDFromContext retrieves the client identifier from context.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDCtxKey{}).(string)
	return id
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

// LooseID decodes identifiers that the services send either as JSON strings
// or as numbers.
type LooseID string

// UnmarshalJSON accepts a string, a number or null.
func (id *LooseID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = LooseID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode id %s: %w", b, err)
	}
	*id = LooseID(n.String())
	return nil
}

// RawProfile is the profile shape of both the login response and /me.
// Field names differ between endpoints (userId vs id), and role may carry
// a ROLE_ prefix; session.NormalizeProfile turns it into a UserProfile.
type RawProfile struct {
	Token               string  `json:"token,omitempty"`
	RefreshToken        string  `json:"refreshToken,omitempty"`
	UserID              LooseID `json:"userId,omitempty"`
	ID                  LooseID `json:"id,omitempty"`
	Email               string  `json:"email"`
	FirstName           string  `json:"firstName"`
	LastName            string  `json:"lastName"`
	Role                string  `json:"role"`
	DiagnosticCompleted *bool   `json:"diagnosticCompleted,omitempty"`
	DiagnosticScore     *int    `json:"diagnosticScore,omitempty"`
	Level               string  `json:"level,omitempty"`
}

// LoginRequest is the credential exchange body.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// DiagnosticCompletion records a finished placement test on the auth service.
type DiagnosticCompletion struct {
	Score int   `json:"score" validate:"min=0,max=100"`
	Level Level `json:"level" validate:"required,oneof=BEGINNER INTERMEDIATE ADVANCED"`
}

// DiagnosticSubmission carries a student's answers to a placement test.
type DiagnosticSubmission struct {
	StudentID string   `json:"studentId" validate:"required"`
	Answers   []string `json:"answers" validate:"required,min=1"`
}
