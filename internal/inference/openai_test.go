package inference

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/care/formcoach/internal/types"
)

func chatServer(t *testing.T, status int, body string, inspect func(req []byte)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		if inspect != nil {
			inspect(raw)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIClient_Success(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":"{\"formCorrect\": true, \"feedback\": \"Great depth\"}"}}],"usage":{"total_tokens":42}}`
	srv := chatServer(t, http.StatusOK, body, func(req []byte) {
		if m := gjson.GetBytes(req, "model").String(); m != "gpt-4o-mini" {
			t.Errorf("model = %q", m)
		}
		if url := gjson.GetBytes(req, "messages.0.content.1.image_url.url").String(); !strings.HasPrefix(url, "data:image/jpeg;base64,") {
			t.Errorf("image url = %q", url)
		}
		if text := gjson.GetBytes(req, "messages.0.content.0.text").String(); !strings.Contains(text, `"Squat"`) {
			t.Errorf("prompt does not mention exercise: %q", text)
		}
	})

	client, err := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatal(err)
	}

	verdict, err := client.Analyze(context.Background(), testFrame(), "Squat")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if want := (types.Verdict{FormCorrect: true, Feedback: "Great depth"}); verdict != want {
		t.Errorf("verdict = %+v, want %+v", verdict, want)
	}
}

func TestOpenAIClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"api error", http.StatusUnauthorized, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`, ErrRejected},
		{"refusal", http.StatusOK, `{"choices":[{"message":{"content":null,"refusal":"I can't help with that"}}]}`, ErrRejected},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrMalformedResponse},
		{"prose only", http.StatusOK, `{"choices":[{"message":{"content":"Looks fine to me"}}]}`, ErrMalformedResponse},
		{"not json", http.StatusOK, `oops`, ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.body, nil)
			client, _ := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "k", Model: "m"})

			_, err := client.Analyze(context.Background(), testFrame(), "Squat")
			var remote *RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("error %v is not a *RemoteError", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseVerdictContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    types.Verdict
		wantErr bool
	}{
		{"plain", `{"formCorrect": false, "feedback": "Keep your back straight"}`, types.Verdict{Feedback: "Keep your back straight"}, false},
		{"fenced", "```json\n{\"formCorrect\": true, \"feedback\": \"Nice\"}\n```", types.Verdict{FormCorrect: true, Feedback: "Nice"}, false},
		{"with prose", `Here you go: {"formCorrect": true, "feedback": "Good"} hope it helps`, types.Verdict{FormCorrect: true, Feedback: "Good"}, false},
		{"string bool", `{"formCorrect": "true", "feedback": "x"}`, types.Verdict{}, true},
		{"missing feedback", `{"formCorrect": true}`, types.Verdict{}, true},
		{"no object", `no`, types.Verdict{}, true},
		{"broken", `{"formCorrect": true,`, types.Verdict{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVerdictContent(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseVerdictContent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseVerdictContent() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewOpenAIClient_Validation(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{Model: "m"}); err == nil {
		t.Error("missing api key should fail")
	}
	if _, err := NewOpenAIClient(OpenAIConfig{APIKey: "k"}); err == nil {
		t.Error("missing model should fail")
	}
}
