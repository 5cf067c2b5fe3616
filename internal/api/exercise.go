package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/neurotutor/neurotutor/internal/model"
)

// ListExercises returns the exercises matching the filter.
func (c *Client) ListExercises(ctx context.Context, token string, f model.ExerciseFilter) ([]model.Exercise, error) {
	q := url.Values{}
	if f.Level != "" {
		q.Set("level", f.Level)
	}
	if f.Difficulty != "" {
		q.Set("difficulty", f.Difficulty)
	}
	if f.Topic != "" {
		q.Set("topic", f.Topic)
	}
	u := c.exerciseURL + "/api/v1/exercises"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var out []model.Exercise
	if err := c.do(ctx, "list exercises", http.MethodGet, u, token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetExercise returns one exercise by ID.
func (c *Client) GetExercise(ctx context.Context, token, id string) (*model.Exercise, error) {
	var out model.Exercise
	u := c.exerciseURL + "/api/v1/exercises/" + url.PathEscape(id)
	if err := c.do(ctx, "get exercise", http.MethodGet, u, token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit posts an answer for grading.
func (c *Client) Submit(ctx context.Context, token, exerciseID string, req model.SubmissionRequest) (*model.SubmissionResult, error) {
	const op = "submit answer"
	if err := c.check(op, req); err != nil {
		return nil, err
	}
	var out model.SubmissionResult
	u := c.exerciseURL + "/api/v1/submissions/" + url.PathEscape(exerciseID)
	if err := c.do(ctx, op, http.MethodPost, u, token, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartDiagnostic creates a placement test for the student.
func (c *Client) StartDiagnostic(ctx context.Context, token, studentID string) (*model.DiagnosticTest, error) {
	body := struct {
		StudentID string `json:"studentId"`
	}{studentID}
	var out model.DiagnosticTest
	if err := c.do(ctx, "start diagnostic", http.MethodPost, c.exerciseURL+"/api/v1/diagnostic/start", token, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitDiagnostic sends the student's answers and returns the score.
func (c *Client) SubmitDiagnostic(ctx context.Context, token, testID string, sub model.DiagnosticSubmission) (*model.DiagnosticResult, error) {
	const op = "submit diagnostic"
	if err := c.check(op, sub); err != nil {
		return nil, err
	}
	var out model.DiagnosticResult
	u := c.exerciseURL + "/api/v1/diagnostic/submit/" + url.PathEscape(testID)
	if err := c.do(ctx, op, http.MethodPost, u, token, sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DiagnosticResult returns the student's last placement result, or nil if
// the student has none.
func (c *Client) DiagnosticResult(ctx context.Context, token, studentID string) (*model.DiagnosticResult, error) {
	var out model.DiagnosticResult
	u := c.exerciseURL + "/api/v1/diagnostic/result/" + url.PathEscape(studentID)
	err := c.do(ctx, "diagnostic result", http.MethodGet, u, token, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
