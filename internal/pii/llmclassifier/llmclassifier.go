// Package llmclassifier provides a pii.Detector that asks a local
// OpenAI-compatible LLM (e.g. Ollama) for sensitive values that patterns and
// NER miss, such as credentials or free-form identifiers.
//
// The model is asked to return the values verbatim together with a kind,
// not byte offsets, because small models get offsets wrong. The Go side
// locates every occurrence in the original text itself.
//
// The model must run inside the trust boundary: it sees raw prompt text.
package llmclassifier

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

	"github.com/gonkalabs/piigate/internal/pii"
)

// confidence is reported for every located value. It sits below the rule
// detectors so a validated pattern match wins an exact tie.
const confidence = 0.8

const systemPrompt = `Extract personal and sensitive data from the text. Return a JSON array of objects {"kind": KIND, "value": EXACT_STRING}. Return [] if nothing sensitive is found.

KIND is one of: PERSON, EMAIL, PHONE, SSN, CREDIT_CARD, IBAN, LOCATION, PASSPORT, SECRET.
- PERSON: full person names (e.g. John Smith, Иван Иванов)
- SECRET: API keys, tokens, passwords (e.g. sk-abc123, ghp_xyz789)
- the others as named

Do NOT flag placeholders like <EMAIL_1>, city names alone, common words, dates, regular numbers.

Return ONLY the JSON array. No explanation.

Examples:
Input: "my api key is sk-abc123xyz789"
Output: [{"kind":"SECRET","value":"sk-abc123xyz789"}]

Input: "call me at +79997899900, John Smith"
Output: [{"kind":"PHONE","value":"+79997899900"},{"kind":"PERSON","value":"John Smith"}]

Input: "how are you?"
Output: []`

// Classifier calls a local LLM to detect semantically sensitive values.
type Classifier struct {
	url    string
	model  string
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Classifier) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Classifier.
// baseURL is the Ollama (or any OpenAI-compatible) server, e.g. "http://ollama:11434".
func New(baseURL, model string, opts ...Option) *Classifier {
	c := &Classifier{
		url:   strings.TrimRight(baseURL, "/") + "/v1/chat/completions",
		model: model,
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	// Hint to disable chain-of-thought on models that support it.
	// stripThinkBlock handles models that ignore it.
	Think bool `json:"think"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			Reasoning        string `json:"reasoning"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// finding is one value reported by the model.
type finding struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Name implements pii.Detector.
func (c *Classifier) Name() string { return "llm" }

// Detect sends text to the LLM and returns sensitive spans.
// It is safe for concurrent use.
func (c *Classifier) Detect(ctx context.Context, text string) ([]pii.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Text to classify:\n" + text + "\n/no_think"},
		},
		Temperature: 0,
		MaxTokens:   2048,
	})
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: LLM unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("llmclassifier: unexpected status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llmclassifier: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, nil
	}

	choice := out.Choices[0]
	if choice.FinishReason == "length" {
		c.logger.Warn("llmclassifier: response truncated by token limit")
	}

	// Thinking models may leave content empty and put the answer in the
	// reasoning field.
	raw := strings.TrimSpace(choice.Message.Content)
	if raw == "" {
		raw = strings.TrimSpace(choice.Message.Reasoning)
	}
	if raw == "" {
		raw = strings.TrimSpace(choice.Message.ReasoningContent)
	}

	findings, err := parseFindings(raw)
	if err != nil {
		return nil, fmt.Errorf("llmclassifier: parse output: %w", err)
	}

	spans := locate(text, findings)
	if len(spans) > 0 {
		c.logger.Debug("llmclassifier: detected spans", "spans", len(spans), "values", len(findings))
	}
	return spans, nil
}

// parseFindings extracts the JSON array from the model output. Bare strings
// are accepted and reported as SECRET.
func parseFindings(raw string) ([]finding, error) {
	content := extractJSONArray(stripCodeFence(stripThinkBlock(raw)))

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(content), &items); err != nil {
		return nil, err
	}
	out := make([]finding, 0, len(items))
	for _, item := range items {
		var f finding
		if err := json.Unmarshal(item, &f); err == nil {
			out = append(out, f)
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, finding{Kind: string(pii.KindSecret), Value: s})
		}
	}
	return out, nil
}

// locate finds every whole-word occurrence of each finding in text.
func locate(text string, findings []finding) []pii.Span {
	var spans []pii.Span
	for _, f := range findings {
		val := strings.TrimSpace(f.Value)
		if val == "" || pii.IsPlaceholder(val) {
			continue
		}
		kind := pii.NormalizeKind(f.Kind)
		if !kind.Valid() {
			kind = pii.KindSecret
		}
		start := 0
		for {
			idx := strings.Index(text[start:], val)
			if idx < 0 {
				break
			}
			abs := start + idx
			end := abs + len(val)
			start = end
			if isInsideToken(text, abs, end) {
				continue
			}
			spans = append(spans, pii.Span{Kind: kind, Start: abs, End: end, Confidence: confidence})
		}
	}
	return spans
}

// isInsideToken reports whether span [start,end) sits inside a larger word.
// For example "sd@yandex.ru" inside "asd@yandex.ru" would return true.
func isInsideToken(text string, start, end int) bool {
	if start > 0 && !isBoundary(text[start-1]) {
		return true
	}
	if end < len(text) && !isBoundary(text[end]) {
		return true
	}
	return false
}

// isBoundary reports whether byte b is a word-boundary character.
func isBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '<', '>', ',', ';', ':', '.', '!', '?', '(', ')', '[', ']', '{', '}', '"', '\'', '`':
		return true
	}
	return false
}

// extractJSONArray returns the outermost [...] substring of s, or s.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	if start < 0 {
		return s
	}
	end := strings.LastIndex(s, "]")
	if end < start {
		return s
	}
	return s[start : end+1]
}

// stripThinkBlock removes a leading <think>...</think> block.
func stripThinkBlock(s string) string {
	const open, close = "<think>", "</think>"
	start := strings.Index(s, open)
	if start < 0 {
		return s
	}
	end := strings.Index(s, close)
	if end < 0 {
		// Unclosed block - drop everything from <think> onwards.
		return strings.TrimSpace(s[:start])
	}
	return strings.TrimSpace(s[:start] + s[end+len(close):])
}

// stripCodeFence removes ```json ... ``` or ``` ... ``` wrappers.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
