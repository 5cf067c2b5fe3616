// Package llm asks an OpenAI-compatible model for feedback on solution steps.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/neurotutor/neurotutor/internal/llm/prompts"
	"github.com/neurotutor/neurotutor/internal/model"
)

// ErrNoSteps is returned when there is nothing to review.
var ErrNoSteps = errors.New("no steps to review")

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.Variant
}

// New creates a new LLM client. An unknown variant falls back to standard.
func New(baseURL, apiKey, modelName, variant string) (*Client, error) {
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	v := prompts.Standard
	if prompts.IsValidVariant(variant) {
		v = prompts.Variant(variant)
	} else if variant != "" {
		slog.Warn("unknown prompt variant, using standard", "variant", variant)
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: v,
	}, nil
}

// EvaluateSteps reviews the student's steps for an exercise and returns one
// feedback entry per step, in order.
func (c *Client) EvaluateSteps(ctx context.Context, ex model.Exercise, finalAnswer string, steps []string) ([]model.StepFeedback, error) {
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	prompt, err := prompts.BuildStepsPrompt(c.variant, prompts.StepsData{
		ProblemStatement: firstNonEmpty(ex.ProblemStatement, ex.Description, ex.Title),
		Solution:         ex.Solution,
		ExpectedSteps:    ex.Steps,
		FinalAnswer:      finalAnswer,
		Steps:            steps,
	})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return parseStepFeedback(raw, steps)
}

// parseStepFeedback decodes the model's JSON and lines it up with the
// submitted steps. Missing entries are reported as unreviewed.
func parseStepFeedback(raw string, steps []string) ([]model.StepFeedback, error) {
	var payload struct {
		Steps []model.StepFeedback `json:"steps"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}

	out := make([]model.StepFeedback, len(steps))
	for i, s := range steps {
		out[i] = model.StepFeedback{Index: i, Step: s, Feedback: "No feedback for this step."}
		if i >= len(payload.Steps) {
			continue
		}
		got := payload.Steps[i]
		out[i].Correct = got.Correct
		if fb := strings.TrimSpace(got.Feedback); fb != "" {
			out[i].Feedback = fb
		}
		if !got.Correct {
			out[i].Hint = strings.TrimSpace(got.Hint)
			out[i].CorrectedStep = strings.TrimSpace(got.CorrectedStep)
		}
	}
	return out, nil
}

// stripFences removes a ```json fence some models wrap around JSON output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
