package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gonkalabs/piigate/internal/ratelimit"
)

// Upstream auth modes.
const (
	AuthBearer    = "bearer"
	AuthSecp256k1 = "secp256k1"
)

// SigningKeyCfg holds the credentials for one signing key.
type SigningKeyCfg struct {
	PrivateKey string // hex secp256k1 private key (with or without 0x)
	Address    string // requester address (derived if empty)
}

// Cfg holds all runtime configuration loaded from environment variables.
type Cfg struct {
	// Server
	ListenAddr   string // e.g. :8080
	MaxBodyBytes int64

	// Upstream model API
	UpstreamBaseURL         string
	UpstreamAuth            string // bearer or secp256k1
	UpstreamAPIKeys         []string
	UpstreamSigningKeys     []SigningKeyCfg
	UpstreamTransferAddress string
	UpstreamTimeout         time.Duration
	UpstreamMaxAttempts     int

	// Rate limiting
	RedisURL          string
	RateLimitPolicies *ratelimit.Policies
	RateLimitMode     ratelimit.FailureMode
	RateLimitTimeout  time.Duration
	RateLimitPrefix   string

	// Inbound auth
	JWTSecret      []byte
	JWTAlgorithm   string
	JWTTenantClaim string

	// Detectors
	DetectPatterns      bool
	DetectNER           bool
	DetectNERURL        string // e.g. http://presidio-analyzer:3000
	DetectNERLanguage   string
	DetectLLM           bool
	DetectLLMURL        string // e.g. http://ollama:11434
	DetectLLMModel      string
	DetectMinConfidence float64
	DetectBudget        time.Duration

	// Audit
	AuditDatabaseURL string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads .env (if present) then environment variables and returns Cfg.
func Load() (*Cfg, error) {
	// Best-effort: load .env from current directory
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// LoadDetectors reads only the settings the offline scanner needs, so it
// works without JWT or upstream credentials.
func LoadDetectors() (*Cfg, error) {
	_ = godotenv.Load()
	e := &env{get: os.Getenv}
	c := &Cfg{}
	e.detectors(c)
	e.logging(c)
	return c, e.err()
}

// FromEnv builds Cfg from a lookup function such as os.Getenv.
func FromEnv(getenv func(string) string) (*Cfg, error) {
	e := &env{get: getenv}
	c := &Cfg{}

	c.ListenAddr = ":" + e.str("PORT", "8080")
	c.MaxBodyBytes = int64(e.int("MAX_BODY_BYTES", 1<<20))

	c.UpstreamBaseURL = strings.TrimRight(e.str("UPSTREAM_BASE_URL", "https://api.openai.com"), "/")
	c.UpstreamAuth = strings.ToLower(e.str("UPSTREAM_AUTH", AuthBearer))
	c.UpstreamTransferAddress = e.str("UPSTREAM_TRANSFER_ADDRESS", "")
	c.UpstreamTimeout = e.duration("UPSTREAM_TIMEOUT", 30*time.Second)
	c.UpstreamMaxAttempts = e.int("UPSTREAM_MAX_ATTEMPTS", 2)
	switch c.UpstreamAuth {
	case AuthBearer:
		keys := e.str("UPSTREAM_API_KEYS", "")
		if keys == "" {
			keys = e.str("OPENAI_API_KEY", "")
		}
		c.UpstreamAPIKeys = splitList(keys)
		if len(c.UpstreamAPIKeys) == 0 {
			e.fail("either UPSTREAM_API_KEYS or OPENAI_API_KEY must be set")
		}
	case AuthSecp256k1:
		keys, err := parseSigningKeys(e.str("UPSTREAM_SIGNING_KEYS", ""))
		if err != nil {
			e.fail(err.Error())
		}
		c.UpstreamSigningKeys = keys
		if c.UpstreamTransferAddress == "" {
			e.fail("UPSTREAM_TRANSFER_ADDRESS is required when UPSTREAM_AUTH=secp256k1")
		}
	default:
		e.fail(fmt.Sprintf("UPSTREAM_AUTH must be %q or %q, got %q", AuthBearer, AuthSecp256k1, c.UpstreamAuth))
	}

	c.RedisURL = e.str("REDIS_URL", "redis://localhost:6379")
	c.RateLimitTimeout = e.duration("RATE_LIMIT_STORE_TIMEOUT", 100*time.Millisecond)
	c.RateLimitPrefix = e.str("RATE_LIMIT_KEY_PREFIX", "ratelimit:")
	mode, err := ratelimit.ParseFailureMode(strings.ToLower(e.str("RATE_LIMIT_FAILURE_MODE", "closed")))
	if err != nil {
		e.fail("RATE_LIMIT_FAILURE_MODE: " + err.Error())
	}
	c.RateLimitMode = mode

	def := ratelimit.Policy{
		Capacity:   e.float("RATE_LIMIT_CAPACITY", ratelimit.DefaultPolicy.Capacity),
		RefillRate: e.float("RATE_LIMIT_REFILL_RATE", ratelimit.DefaultPolicy.RefillRate),
	}
	if path := e.str("RATE_LIMIT_CLASSES_FILE", ""); path != "" {
		ps, err := LoadClasses(path, def)
		if err != nil {
			e.fail(err.Error())
		}
		c.RateLimitPolicies = ps
	} else {
		c.RateLimitPolicies = ratelimit.UniformPolicies(def)
		if err := c.RateLimitPolicies.Validate(); err != nil {
			e.fail("rate limit: " + err.Error())
		}
	}

	secret := e.str("JWT_SECRET_KEY", "")
	if secret == "" {
		e.fail("JWT_SECRET_KEY must be set")
	}
	c.JWTSecret = []byte(secret)
	c.JWTAlgorithm = strings.ToUpper(e.str("JWT_ALGORITHM", "HS256"))
	c.JWTTenantClaim = e.str("JWT_TENANT_CLAIM", "org_id")

	e.detectors(c)
	c.AuditDatabaseURL = e.str("AUDIT_DATABASE_URL", "")
	e.logging(c)

	if err := e.err(); err != nil {
		return nil, err
	}
	return c, nil
}

// env reads typed values and collects every problem instead of stopping at
// the first one.
type env struct {
	get  func(string) string
	errs []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) bool(key string, def bool) bool {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(fmt.Sprintf("%s: invalid boolean %q", key, raw))
		return def
	}
	return v
}

func (e *env) int(key string, def int) int {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(fmt.Sprintf("%s: invalid integer %q", key, raw))
		return def
	}
	return v
}

func (e *env) float(key string, def float64) float64 {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.fail(fmt.Sprintf("%s: invalid number %q", key, raw))
		return def
	}
	return v
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		e.fail(fmt.Sprintf("%s: invalid duration %q", key, raw))
		return def
	}
	return v
}

func (e *env) fail(msg string) { e.errs = append(e.errs, msg) }

func (e *env) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(e.errs, "; "))
}

func (e *env) detectors(c *Cfg) {
	c.DetectPatterns = e.bool("DETECT_PATTERNS", true)
	c.DetectNER = e.bool("DETECT_NER", false)
	c.DetectNERURL = e.str("DETECT_NER_URL", "http://presidio-analyzer:3000")
	c.DetectNERLanguage = e.str("DETECT_NER_LANGUAGE", "en")
	c.DetectLLM = e.bool("DETECT_LLM", false)
	c.DetectLLMURL = e.str("DETECT_LLM_URL", "http://ollama:11434")
	c.DetectLLMModel = e.str("DETECT_LLM_MODEL", "qwen2.5:0.5b")
	c.DetectMinConfidence = e.float("DETECT_MIN_CONFIDENCE", 0.5)
	c.DetectBudget = e.duration("DETECT_BUDGET", 10*time.Second)
}

func (e *env) logging(c *Cfg) {
	c.LogLevel = strings.ToLower(e.str("LOG_LEVEL", "info"))
	c.LogFormat = strings.ToLower(e.str("LOG_FORMAT", "json"))
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSigningKeys parses "key1:addr1,key2:addr2,key3" into SigningKeyCfg
// slices. The address part is optional and will be derived if omitted.
func parseSigningKeys(raw string) ([]SigningKeyCfg, error) {
	var keys []SigningKeyCfg
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// Split on first colon only (private keys may have 0x prefix but no colons)
		pk, addr, _ := strings.Cut(part, ":")
		pk, addr = strings.TrimSpace(pk), strings.TrimSpace(addr)
		if pk == "" {
			return nil, fmt.Errorf("signing key entry %d has empty private key", i+1)
		}
		keys = append(keys, SigningKeyCfg{PrivateKey: pk, Address: addr})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("UPSTREAM_SIGNING_KEYS must contain at least one key when UPSTREAM_AUTH=secp256k1")
	}
	return keys, nil
}
