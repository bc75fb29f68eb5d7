package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
	"github.com/rcourtman/pulse-cloudstack/internal/utils"
	"github.com/rcourtman/pulse-cloudstack/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

const (
	// MinInterval is the smallest poll interval accepted outside debug mode.
	MinInterval = 300 * time.Second

	DefaultTag      = "cloudstack"
	DefaultPath     = "/client/api"
	DefaultProtocol = "https"
	DefaultPort     = 443
	DefaultPageSize = 500

	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds all configuration for the CloudStack poller.
type Config struct {
	Host      string
	APIKey    string
	SecretKey string
	Path      string
	Protocol  string
	Port      int
	DomainID  string
	Tag       string
	SSLVerify bool
	// TLSFingerprint pins the management server certificate (SHA256 hex).
	TLSFingerprint string
	DebugMode      bool
	Interval       time.Duration

	PageSize       int
	RequestTimeout time.Duration
	DNSCacheTTL    time.Duration

	StateDir     string
	StateBackend string
	Output       string
	HTTPAddr     string
	// AllowedOrigins restricts browser origins for the record stream.
	AllowedOrigins []string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// EventTag is the tag for per-event records.
func (c *Config) EventTag() string {
	return c.Tag + ".event"
}

// UsageTag is the tag for events_flow and usage snapshot records.
func (c *Config) UsageTag() string {
	return c.Tag + ".usages"
}

// Namespace is the key under which durable state for this instance lives.
func (c *Config) Namespace() string {
	return c.Tag
}

// BaseURL assembles the API endpoint from protocol, host, port and path.
func (c *Config) BaseURL() string {
	path := c.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", c.Protocol, c.Host, c.Port, path)
}

// Load reads configuration from the environment. A .env file in the state
// directory and one in the working directory are loaded if present.
func Load() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadState reads configuration for commands that only touch durable state.
// CloudStack credentials are not required.
func LoadState() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateState(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read() (*Config, error) {
	stateDir := envOrDefault("PULSE_CS_STATE_DIR", "logs")

	envFile := filepath.Join(stateDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	port, err := envOrDefaultInt("CLOUDSTACK_PORT", DefaultPort)
	if err != nil {
		return nil, err
	}
	intervalSecs, err := envOrDefaultInt("CLOUDSTACK_INTERVAL", int(MinInterval/time.Second))
	if err != nil {
		return nil, err
	}
	pageSize, err := envOrDefaultInt("CLOUDSTACK_PAGE_SIZE", DefaultPageSize)
	if err != nil {
		return nil, err
	}
	timeoutSecs, err := envOrDefaultInt("CLOUDSTACK_REQUEST_TIMEOUT", 60)
	if err != nil {
		return nil, err
	}
	dnsTTLSecs, err := envOrDefaultInt("CLOUDSTACK_DNS_CACHE_TTL", 300)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:           utils.GetenvTrim("CLOUDSTACK_HOST"),
		APIKey:         utils.GetenvTrim("CLOUDSTACK_API_KEY"),
		SecretKey:      utils.GetenvTrim("CLOUDSTACK_SECRET_KEY"),
		Path:           envOrDefault("CLOUDSTACK_PATH", DefaultPath),
		Protocol:       strings.ToLower(envOrDefault("CLOUDSTACK_PROTOCOL", DefaultProtocol)),
		Port:           port,
		DomainID:       utils.GetenvTrim("CLOUDSTACK_DOMAIN_ID"),
		Tag:            envOrDefault("CLOUDSTACK_TAG", DefaultTag),
		SSLVerify:      utils.GetenvBool("CLOUDSTACK_SSL_VERIFY", true),
		TLSFingerprint: utils.GetenvTrim("CLOUDSTACK_TLS_FINGERPRINT"),
		DebugMode:      utils.GetenvBool("CLOUDSTACK_DEBUG_MODE", false),
		Interval:       time.Duration(intervalSecs) * time.Second,
		PageSize:       pageSize,
		RequestTimeout: time.Duration(timeoutSecs) * time.Second,
		DNSCacheTTL:    time.Duration(dnsTTLSecs) * time.Second,
		StateDir:       stateDir,
		StateBackend:   strings.ToLower(envOrDefault("PULSE_CS_STATE_BACKEND", BackendFile)),
		Output:         envOrDefault("PULSE_CS_OUTPUT", "stdout"),
		HTTPAddr:       envOrDefault("PULSE_CS_HTTP_ADDR", "127.0.0.1:9091"),
		AllowedOrigins: splitList(utils.GetenvTrim("PULSE_CS_ALLOWED_ORIGINS")),
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("LOG_FORMAT", "auto"),
		LogFile:        utils.GetenvTrim("LOG_FILE"),
	}
	if v, ok := os.LookupEnv("PULSE_CS_HTTP_ADDR"); ok && strings.TrimSpace(v) == "" {
		cfg.HTTPAddr = ""
	}
	return cfg, nil
}

// Validate reports the first configuration problem that must stop startup.
func (c *Config) Validate() error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "CLOUDSTACK_HOST")
	}
	if c.APIKey == "" {
		missing = append(missing, "CLOUDSTACK_API_KEY")
	}
	if c.SecretKey == "" {
		missing = append(missing, "CLOUDSTACK_SECRET_KEY")
	}
	if len(missing) > 0 {
		return internalerrors.NewValidationError("validate_config", "'host' and 'apikey' and 'secretkey' must be all specified (missing %s)", strings.Join(missing, ", "))
	}

	if c.Protocol != "http" && c.Protocol != "https" {
		return internalerrors.NewValidationError("validate_config", "CLOUDSTACK_PROTOCOL must be http or https, got %q", c.Protocol)
	}
	if c.Port < 1 || c.Port > 65535 {
		return internalerrors.NewValidationError("validate_config", "CLOUDSTACK_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TLSFingerprint != "" && !isSHA256Hex(c.TLSFingerprint) {
		return internalerrors.NewValidationError("validate_config", "CLOUDSTACK_TLS_FINGERPRINT must be a SHA256 hex digest")
	}
	if c.PageSize <= 0 {
		return internalerrors.NewValidationError("validate_config", "CLOUDSTACK_PAGE_SIZE must be greater than 0, got %d", c.PageSize)
	}
	if c.RequestTimeout <= 0 {
		return internalerrors.NewValidationError("validate_config", "CLOUDSTACK_REQUEST_TIMEOUT must be greater than 0")
	}
	if err := c.validateState(); err != nil {
		return err
	}
	return ValidateInterval(c.Interval, c.DebugMode)
}

func (c *Config) validateState() error {
	if strings.TrimSpace(c.Tag) == "" {
		return internalerrors.NewValidationError("validate_config", "CLOUDSTACK_TAG must not be empty")
	}
	if c.StateBackend != BackendFile && c.StateBackend != BackendSQLite {
		return internalerrors.NewValidationError("validate_config", "PULSE_CS_STATE_BACKEND must be %q or %q, got %q", BackendFile, BackendSQLite, c.StateBackend)
	}
	return nil
}

func isSHA256Hex(fp string) bool {
	fp = tlsutil.NormalizeFingerprint(fp)
	if len(fp) != 64 {
		return false
	}
	for _, r := range fp {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// ValidateInterval enforces MinInterval unless debugMode is set.
func ValidateInterval(interval time.Duration, debugMode bool) error {
	if interval <= 0 {
		return internalerrors.NewValidationError("validate_interval", "'interval' must be positive, got %s", interval)
	}
	if !debugMode && interval < MinInterval {
		return internalerrors.NewValidationError("validate_interval", "'interval' must be over %d", int(MinInterval/time.Second))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := utils.GetenvTrim(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := utils.GetenvTrim(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, internalerrors.NewValidationError("load_config", "%s must be a valid integer: %v", key, err)
		}
		return n, nil
	}
	return fallback, nil
}
