package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// perCallTimeout bounds one summarization call.
const perCallTimeout = 60 * time.Second

// Ollama summarizes through an Ollama-compatible chat API.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama creates a summarizer calling baseURL's /api/chat with model.
func NewOllama(baseURL, model string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Summarize implements Summarizer.
func (o *Ollama) Summarize(ctx context.Context, in Input) (Summary, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: formatPrompt(in)},
		},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("%w: marshal request: %v", ErrMalformed, err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(req.Header))

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Summary{}, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Summary{}, fmt.Errorf("%w: decode response: %v", ErrMalformed, err)
	}
	return ParseResponse(result.Message.Content)
}

const systemPrompt = `You write short fraud-investigation summaries.
Reply with exactly two lines:
SCORE: <final risk score between 0 and 1>
SUMMARY: <two or three sentences for an analyst>`

func formatPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity type: %s\n", in.EntityType)
	fmt.Fprintf(&b, "Aggregate risk score: %.3f\n", in.AggregateScore)
	b.WriteString("Domains:\n")
	for _, d := range in.Domains {
		fmt.Fprintf(&b, "- %s: %s\n", d.Domain, d.Status)
	}
	return b.String()
}

// ParseResponse extracts the SCORE and SUMMARY lines. A missing or
// out-of-range score wraps ErrMalformed.
func ParseResponse(text string) (Summary, error) {
	var (
		scoreText string
		narrative string
	)
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "score:"):
			scoreText = strings.Trim(strings.TrimSpace(trimmed[len("score:"):]), "[]* ")
		case strings.HasPrefix(lower, "summary:"):
			narrative = strings.TrimSpace(trimmed[len("summary:"):])
		}
	}
	if scoreText == "" {
		return Summary{}, fmt.Errorf("%w: no SCORE line in response", ErrMalformed)
	}
	score, err := strconv.ParseFloat(scoreText, 64)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: score %q: %v", ErrMalformed, scoreText, err)
	}
	if score < 0 || score > 1 {
		return Summary{}, fmt.Errorf("%w: score %v outside [0,1]", ErrMalformed, score)
	}
	if narrative == "" {
		return Summary{}, fmt.Errorf("%w: no SUMMARY line in response", ErrMalformed)
	}
	return Summary{Score: score, Narrative: narrative}, nil
}
