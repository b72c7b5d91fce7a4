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

// maxResponseBytes bounds how much of a response body is read
const maxResponseBytes = 1 << 20

// EndpointConfig configures a hosted analysis endpoint speaking the
// {video, exerciseType} → {formCorrect, feedback} contract.
type EndpointConfig struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// EndpointClient posts frames to a hosted analysis endpoint
type EndpointClient struct {
	cfg EndpointConfig
}

// NewEndpointClient creates an endpoint client
func NewEndpointClient(cfg EndpointConfig) (*EndpointClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("inference: endpoint url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &EndpointClient{cfg: cfg}, nil
}

// Analyze implements Client
func (c *EndpointClient) Analyze(ctx context.Context, frame *types.Frame, exercise string) (types.Verdict, error) {
	const op = "analyze"
	if err := validateInput(op, frame, exercise); err != nil {
		return types.Verdict{}, err
	}

	body, err := json.Marshal(NewAnalyzeRequest(frame, exercise))
	if err != nil {
		return types.Verdict{}, &RemoteError{Op: op, Message: "could not encode the request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return types.Verdict{}, &RemoteError{Op: op, Message: "could not build the request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

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
		slog.Warn("inference: endpoint rejected request",
			"status", res.StatusCode,
			"exercise", exercise,
			"trace_id", frame.TraceID,
		)
		return types.Verdict{}, rejectedError(op, errorMessage(res.StatusCode, payload))
	}

	var wire AnalyzeResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return types.Verdict{}, malformedError(op, err.Error())
	}
	if wire.Error != "" {
		return types.Verdict{}, rejectedError(op, wire.Error)
	}
	verdict, err := wire.Verdict()
	if err != nil {
		return types.Verdict{}, malformedError(op, err.Error())
	}
	return verdict, nil
}

// errorMessage extracts a human readable message from an error body
func errorMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
				return fmt.Sprintf("analysis service error (%d): %s", status, r.Str)
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		return fmt.Sprintf("analysis service error (%d): %s", status, text)
	}
	return fmt.Sprintf("analysis service error (%d)", status)
}
