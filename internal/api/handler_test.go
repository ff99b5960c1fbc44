package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/piigate/internal/auth"
	"github.com/gonkalabs/piigate/internal/gateway"
	"github.com/gonkalabs/piigate/internal/metrics"
	"github.com/gonkalabs/piigate/internal/pii"
	"github.com/gonkalabs/piigate/internal/pii/pattern"
	"github.com/gonkalabs/piigate/internal/ratelimit"
	"github.com/gonkalabs/piigate/internal/upstream"
)

var secret = []byte("api-test-secret")

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func token(t *testing.T, tenant string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"org_id": tenant,
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	return tok
}

func verifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier(secret)
	require.NoError(t, err)
	return v
}

type stack struct {
	srv      *httptest.Server
	mr       *miniredis.Miniredis
	upstream *httptest.Server
	sent     chan string
}

// newStack wires the real gateway, limiter and pattern detector behind the
// router. The fake upstream echoes the sanitized user content back.
func newStack(t *testing.T, capacity float64) *stack {
	t.Helper()
	st := &stack{sent: make(chan string, 16)}

	st.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"tiny"}]}`))
			return
		}
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		content := req.Messages[len(req.Messages)-1].Content
		st.sent <- content
		out, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "Got: " + content}}},
			"usage":   map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
		_, _ = w.Write(out)
	}))
	t.Cleanup(st.upstream.Close)

	st.mr = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: st.mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := ratelimit.New(rdb, ratelimit.UniformPolicies(ratelimit.Policy{Capacity: capacity, RefillRate: 0.001}),
		ratelimit.WithTimeout(200*time.Millisecond), ratelimit.WithLogger(silentLogger()))

	det, err := pattern.New()
	require.NoError(t, err)
	composite := pii.NewComposite([]pii.Detector{det}, pii.WithLogger(silentLogger()))

	pool, err := upstream.NewPool([]upstream.Credential{upstream.NewBearerKey("k0", "sk-test")})
	require.NoError(t, err)
	client := upstream.New(st.upstream.URL, pool, upstream.WithLogger(silentLogger()))

	reg := prometheus.NewRegistry()
	gw := gateway.New(composite, limiter, client,
		gateway.WithMetrics(metrics.NewMetrics(reg)), gateway.WithLogger(silentLogger()))

	h := New(gw, verifier(t),
		WithModels(client),
		WithHealthCheck(limiter),
		WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		WithVersion("test"),
		WithMaxBodyBytes(4096),
		WithLogger(silentLogger()),
	)
	st.srv = httptest.NewServer(h.Routes())
	t.Cleanup(st.srv.Close)
	return st
}

func (st *stack) post(t *testing.T, tok, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, st.srv.URL+"/v1/chat/completions", strings.NewReader(body))
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

const contactBody = `{"model":"tiny","messages":[{"role":"user","content":"Contact me at john@example.com"}]}`

func TestChatCompletions_EndToEnd(t *testing.T) {
	st := newStack(t, 5)

	resp := st.post(t, token(t, "org_1"), contactBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "4", resp.Header.Get("X-RateLimit-Remaining"))

	assert.Equal(t, "Contact me at <EMAIL_1>", <-st.sent)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "Got: Contact me at john@example.com", out.Choices[0].Message.Content)
}

func TestChatCompletions_Unauthorized(t *testing.T) {
	st := newStack(t, 5)

	for _, tok := range []string{"", "garbage"} {
		resp := st.post(t, tok, contactBody)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
		assert.Equal(t, "unauthorized", decodeError(t, resp)["type"])
	}
	assert.Empty(t, st.sent)
}

func TestChatCompletions_RateLimited(t *testing.T) {
	st := newStack(t, 1)
	tok := token(t, "org_1")

	require.Equal(t, http.StatusOK, st.post(t, tok, contactBody).StatusCode)
	<-st.sent

	resp := st.post(t, tok, contactBody)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	e := decodeError(t, resp)
	assert.Equal(t, "rate_limited", e["type"])
	assert.Equal(t, float64(0), e["remaining"])
	assert.Greater(t, e["retry_after_ms"], float64(0))

	// Another tenant has its own bucket.
	assert.Equal(t, http.StatusOK, st.post(t, token(t, "org_2"), contactBody).StatusCode)
}

func TestChatCompletions_StoreDownFailsClosed(t *testing.T) {
	st := newStack(t, 5)
	st.mr.Close()

	resp := st.post(t, token(t, "org_1"), contactBody)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "limiter_unavailable", decodeError(t, resp)["type"])
}

func TestChatCompletions_BadBodies(t *testing.T) {
	st := newStack(t, 50)
	tok := token(t, "org_1")

	resp := st.post(t, tok, `{"messages":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_input", decodeError(t, resp)["type"])

	resp = st.post(t, tok, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = st.post(t, tok, `{"messages":[{"role":"user","content":"`+strings.Repeat("a", 5000)+`"}]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	st := newStack(t, 5)

	resp, err := http.Get(st.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, map[string]string{"status": "ok", "version": "test", "redis_status": "ok"}, body)

	st.mr.Close()
	resp2, err := http.Get(st.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	assert.Equal(t, "unreachable", body["redis_status"])
}

func TestModels(t *testing.T) {
	st := newStack(t, 5)

	req, _ := http.NewRequest(http.MethodGet, st.srv.URL+"/v1/models", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer "+token(t, "org_1"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"object":"list","data":[{"id":"tiny"}]}`, string(b))
}

func TestMetricsEndpoint(t *testing.T) {
	st := newStack(t, 5)
	require.Equal(t, http.StatusOK, st.post(t, token(t, "org_1"), contactBody).StatusCode)
	<-st.sent

	resp, err := http.Get(st.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `piigate_requests_total{outcome="ok"} 1`)
	assert.Contains(t, string(b), `piigate_redacted_spans_total{kind="EMAIL"} 1`)
}

// stubGateway returns a fixed error.
type stubGateway struct{ err error }

func (g stubGateway) HandleRequest(context.Context, gateway.Request) (*gateway.Response, error) {
	return nil, g.err
}

type allowAuth struct{}

func (allowAuth) VerifyHeader(string) (auth.Identity, error) {
	return auth.Identity{Tenant: "org_1"}, nil
}

func TestWriteGatewayErr_StatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		typ    string
	}{
		{&gateway.Error{Kind: gateway.ErrLimiterUnavailable}, http.StatusServiceUnavailable, "limiter_unavailable"},
		{&gateway.Error{Kind: gateway.ErrMalformedInput, Err: errors.New("messages is empty")}, http.StatusBadRequest, "malformed_input"},
		{&gateway.Error{Kind: gateway.ErrUpstreamTimeout}, http.StatusGatewayTimeout, "upstream_timeout"},
		{&gateway.Error{Kind: gateway.ErrUpstream, UpstreamStatus: 500}, http.StatusBadGateway, "upstream_error"},
		{errors.New("surprise"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			h := New(stubGateway{err: tt.err}, allowAuth{}, WithLogger(silentLogger()))
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`)))

			assert.Equal(t, tt.status, rec.Code)
			var body struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.typ, body.Error.Type)
			assert.NotContains(t, body.Error.Message, "messages is empty")
		})
	}
}

func TestWriteGatewayErr_RateLimitHeaders(t *testing.T) {
	h := New(stubGateway{err: &gateway.Error{Kind: gateway.ErrRateLimited, RetryAfter: 1200 * time.Millisecond, Remaining: 0}}, allowAuth{}, WithLogger(silentLogger()))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"retry_after_ms":1200`)
}

func TestWriteGatewayErr_CanceledWritesNothing(t *testing.T) {
	h := New(stubGateway{err: &gateway.Error{Kind: gateway.ErrCanceled}}, allowAuth{}, WithLogger(silentLogger()))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`)))
	assert.Empty(t, rec.Body.String())
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(300*time.Millisecond))
	assert.Equal(t, 3, retryAfterSeconds(2001*time.Millisecond))
}
