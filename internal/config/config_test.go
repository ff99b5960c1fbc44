package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/piigate/internal/ratelimit"
)

func lookup(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func minimal() map[string]string {
	return map[string]string{
		"JWT_SECRET_KEY": "s3cret",
		"OPENAI_API_KEY": "sk-one",
	}
}

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv(lookup(minimal()))
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.ListenAddr)
	assert.Equal(t, int64(1<<20), c.MaxBodyBytes)
	assert.Equal(t, "https://api.openai.com", c.UpstreamBaseURL)
	assert.Equal(t, AuthBearer, c.UpstreamAuth)
	assert.Equal(t, []string{"sk-one"}, c.UpstreamAPIKeys)
	assert.Equal(t, 30*time.Second, c.UpstreamTimeout)
	assert.Equal(t, 2, c.UpstreamMaxAttempts)
	assert.Equal(t, "redis://localhost:6379", c.RedisURL)
	assert.Equal(t, ratelimit.FailClosed, c.RateLimitMode)
	assert.Equal(t, 100*time.Millisecond, c.RateLimitTimeout)
	assert.Equal(t, ratelimit.DefaultPolicy, c.RateLimitPolicies.Default)
	assert.Equal(t, []byte("s3cret"), c.JWTSecret)
	assert.Equal(t, "HS256", c.JWTAlgorithm)
	assert.Equal(t, "org_id", c.JWTTenantClaim)
	assert.True(t, c.DetectPatterns)
	assert.False(t, c.DetectNER)
	assert.False(t, c.DetectLLM)
	assert.Equal(t, 0.5, c.DetectMinConfidence)
	assert.Empty(t, c.AuditDatabaseURL)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "json", c.LogFormat)
}

func TestFromEnvOverrides(t *testing.T) {
	vars := minimal()
	vars["PORT"] = "9090"
	vars["UPSTREAM_BASE_URL"] = "http://llm.internal/"
	vars["UPSTREAM_API_KEYS"] = " sk-a , sk-b ,,"
	vars["UPSTREAM_TIMEOUT"] = "5s"
	vars["RATE_LIMIT_CAPACITY"] = "10"
	vars["RATE_LIMIT_REFILL_RATE"] = "0.5"
	vars["RATE_LIMIT_FAILURE_MODE"] = "OPEN"
	vars["DETECT_NER"] = "true"
	vars["DETECT_MIN_CONFIDENCE"] = "0.8"
	vars["LOG_FORMAT"] = "TEXT"

	c, err := FromEnv(lookup(vars))
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.ListenAddr)
	assert.Equal(t, "http://llm.internal", c.UpstreamBaseURL)
	assert.Equal(t, []string{"sk-a", "sk-b"}, c.UpstreamAPIKeys, "UPSTREAM_API_KEYS wins over OPENAI_API_KEY")
	assert.Equal(t, 5*time.Second, c.UpstreamTimeout)
	assert.Equal(t, ratelimit.Policy{Capacity: 10, RefillRate: 0.5}, c.RateLimitPolicies.Default)
	assert.Equal(t, ratelimit.FailOpen, c.RateLimitMode)
	assert.True(t, c.DetectNER)
	assert.Equal(t, 0.8, c.DetectMinConfidence)
	assert.Equal(t, "text", c.LogFormat)
}

func TestFromEnvSigningKeys(t *testing.T) {
	vars := map[string]string{
		"JWT_SECRET_KEY":            "s3cret",
		"UPSTREAM_AUTH":             "secp256k1",
		"UPSTREAM_SIGNING_KEYS":     "0xaaa:gonka1first, bbb ,ccc:gonka1third",
		"UPSTREAM_TRANSFER_ADDRESS": "gonka1transfer",
	}
	c, err := FromEnv(lookup(vars))
	require.NoError(t, err)

	assert.Equal(t, []SigningKeyCfg{
		{PrivateKey: "0xaaa", Address: "gonka1first"},
		{PrivateKey: "bbb"},
		{PrivateKey: "ccc", Address: "gonka1third"},
	}, c.UpstreamSigningKeys)
	assert.Empty(t, c.UpstreamAPIKeys)
}

func TestFromEnvCollectsErrors(t *testing.T) {
	vars := map[string]string{
		"UPSTREAM_TIMEOUT":        "soon",
		"RATE_LIMIT_CAPACITY":     "-1",
		"RATE_LIMIT_FAILURE_MODE": "maybe",
		"DETECT_NER":              "perhaps",
	}
	_, err := FromEnv(lookup(vars))
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"OPENAI_API_KEY",
		"UPSTREAM_TIMEOUT",
		"rate limit",
		"RATE_LIMIT_FAILURE_MODE",
		"JWT_SECRET_KEY",
		"DETECT_NER",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestFromEnvRejects(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]string
		want string
	}{
		{"unknown auth", map[string]string{"UPSTREAM_AUTH": "mtls"}, "UPSTREAM_AUTH"},
		{"signing without keys", map[string]string{"UPSTREAM_AUTH": "secp256k1", "UPSTREAM_TRANSFER_ADDRESS": "x"}, "UPSTREAM_SIGNING_KEYS"},
		{"signing without transfer", map[string]string{"UPSTREAM_AUTH": "secp256k1", "UPSTREAM_SIGNING_KEYS": "aa"}, "UPSTREAM_TRANSFER_ADDRESS"},
		{"empty private key", map[string]string{"UPSTREAM_AUTH": "secp256k1", "UPSTREAM_SIGNING_KEYS": ":addr", "UPSTREAM_TRANSFER_ADDRESS": "x"}, "empty private key"},
		{"bad body limit", map[string]string{"MAX_BODY_BYTES": "lots"}, "MAX_BODY_BYTES"},
		{"missing classes file", map[string]string{"RATE_LIMIT_CLASSES_FILE": "/nonexistent/classes.yaml"}, "rate limit classes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := minimal()
			for k, v := range tt.set {
				vars[k] = v
			}
			_, err := FromEnv(lookup(vars))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadReadsProcessEnv(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("PORT", "7070")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", c.ListenAddr)
	assert.Equal(t, []byte("from-env"), c.JWTSecret)
}

func TestLoadDetectorsNeedsNoCredentials(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DETECT_LLM", "1")

	c, err := LoadDetectors()
	require.NoError(t, err)
	assert.True(t, c.DetectPatterns)
	assert.True(t, c.DetectLLM)
	assert.Equal(t, "qwen2.5:0.5b", c.DetectLLMModel)
}

const classesYAML = `
default:
  capacity: 20
  refill_rate: 2
classes:
  enterprise: {capacity: 600, refill_rate: 10}
  free: {capacity: 5, refill_rate: 0.1}
tenants:
  org_big: enterprise
  org_small: free
`

func TestParseClasses(t *testing.T) {
	ps, err := ParseClasses([]byte(classesYAML), ratelimit.DefaultPolicy)
	require.NoError(t, err)

	assert.Equal(t, ratelimit.Policy{Capacity: 20, RefillRate: 2}, ps.Default)

	p, class := ps.Resolve("org_big", "")
	assert.Equal(t, "enterprise", class)
	assert.Equal(t, 600.0, p.Capacity)

	p, class = ps.Resolve("org_big", "free")
	assert.Equal(t, "free", class, "tier from the credential wins")
	assert.Equal(t, 5.0, p.Capacity)

	p, _ = ps.Resolve("org_unknown", "")
	assert.Equal(t, ps.Default, p)
}

func TestParseClassesFallsBackToDefault(t *testing.T) {
	def := ratelimit.Policy{Capacity: 3, RefillRate: 1}
	ps, err := ParseClasses([]byte("classes:\n  pro: {capacity: 9, refill_rate: 3}\n"), def)
	require.NoError(t, err)
	assert.Equal(t, def, ps.Default)
}

func TestParseClassesRejects(t *testing.T) {
	tests := map[string]string{
		"unknown class":   "tenants:\n  org_a: gold\n",
		"unknown field":   "defaults:\n  capacity: 1\n",
		"zero capacity":   "classes:\n  bad: {capacity: 0, refill_rate: 1}\n",
		"not a document":  "- just\n- a list\n",
		"negative refill": "default: {capacity: 1, refill_rate: -1}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClasses([]byte(doc), ratelimit.DefaultPolicy)
			assert.Error(t, err)
		})
	}
}

func TestFromEnvClassesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(classesYAML), 0o600))

	vars := minimal()
	vars["RATE_LIMIT_CLASSES_FILE"] = path
	c, err := FromEnv(lookup(vars))
	require.NoError(t, err)
	assert.Len(t, c.RateLimitPolicies.Classes, 2)
	assert.Equal(t, "free", c.RateLimitPolicies.Tenants["org_small"])
}
