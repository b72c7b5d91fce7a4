package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/care/formcoach/internal/types"
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend
type OpenAIConfig struct {
	// BaseURL defaults to https://api.openai.com/v1
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	HTTPClient *http.Client
}

// OpenAIClient asks a vision-capable chat model for a verdict
type OpenAIClient struct {
	cfg OpenAIConfig
}

// NewOpenAIClient creates a chat completions client
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("inference: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("inference: model is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAIClient{cfg: cfg}, nil
}

// Analyze implements Client
func (c *OpenAIClient) Analyze(ctx context.Context, frame *types.Frame, exercise string) (types.Verdict, error) {
	const op = "chat completion"
	if err := validateInput(op, frame, exercise); err != nil {
		return types.Verdict{}, err
	}

	body, err := json.Marshal(map[string]any{
		"model":      c.cfg.Model,
		"max_tokens": c.cfg.MaxTokens,
		"response_format": map[string]string{
			"type": "json_object",
		},
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": Prompt(exercise)},
					{"type": "image_url", "image_url": map[string]string{"url": frame.DataURL()}},
				},
			},
		},
	})
	if err != nil {
		return types.Verdict{}, &RemoteError{Op: op, Message: "could not encode the request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return types.Verdict{}, &RemoteError{Op: op, Message: "could not build the request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return types.Verdict{}, transportError(op, err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return types.Verdict{}, transportError(op, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		slog.Warn("inference: chat completion rejected",
			"status", res.StatusCode,
			"model", c.cfg.Model,
			"trace_id", frame.TraceID,
		)
		return types.Verdict{}, rejectedError(op, errorMessage(res.StatusCode, payload))
	}

	if !gjson.ValidBytes(payload) {
		return types.Verdict{}, malformedError(op, "response is not JSON")
	}

	choice := gjson.GetBytes(payload, "choices.0")
	if !choice.Exists() {
		return types.Verdict{}, malformedError(op, "no choices")
	}
	if refusal := choice.Get("message.refusal"); refusal.Type == gjson.String && refusal.Str != "" {
		return types.Verdict{}, rejectedError(op, refusal.Str)
	}

	verdict, err := parseVerdictContent(choice.Get("message.content").String())
	if err != nil {
		return types.Verdict{}, malformedError(op, err.Error())
	}

	slog.Debug("inference: chat completion verdict",
		"model", c.cfg.Model,
		"form_correct", verdict.FormCorrect,
		"tokens", gjson.GetBytes(payload, "usage.total_tokens").Int(),
		"trace_id", frame.TraceID,
	)
	return verdict, nil
}

// parseVerdictContent extracts the verdict object from model output, which
// may be wrapped in prose or a code fence.
func parseVerdictContent(content string) (types.Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return types.Verdict{}, fmt.Errorf("no JSON object in model output")
	}
	obj := content[start : end+1]
	if !gjson.Valid(obj) {
		return types.Verdict{}, fmt.Errorf("invalid JSON object in model output")
	}

	correct := gjson.Get(obj, "formCorrect")
	if correct.Type != gjson.True && correct.Type != gjson.False {
		return types.Verdict{}, fmt.Errorf("formCorrect missing or not a boolean")
	}
	feedback := gjson.Get(obj, "feedback")
	if feedback.Type != gjson.String {
		return types.Verdict{}, fmt.Errorf("feedback missing or not a string")
	}

	return types.Verdict{FormCorrect: correct.Bool(), Feedback: feedback.Str}, nil
}
