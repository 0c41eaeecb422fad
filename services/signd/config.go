package signd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls runtime behaviour for the signing service. Values come
// from an optional YAML file (SIGND_CONFIG) with environment variables
// layered on top.
type Config struct {
	Listen  string `yaml:"listen"`
	BaseURL string `yaml:"base_url"`
	DataDir string `yaml:"data_dir"`

	// TokenSecret signs the ephemeral password carrier. At least 32 bytes.
	TokenSecret string `yaml:"token_secret"`

	Store       string `yaml:"store"` // memory or postgres
	DatabaseURL string `yaml:"database_url"`

	JobTTL           time.Duration `yaml:"job_ttl"`
	CredentialTTL    time.Duration `yaml:"credential_ttl"`
	PasswordTokenTTL time.Duration `yaml:"password_token_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`

	SignerBin   string        `yaml:"signer_bin"`
	SignTimeout time.Duration `yaml:"sign_timeout"`

	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// Optional integrations.
	NATSURL      string `yaml:"nats_url"`
	AgeIdentity  string `yaml:"age_identity"`
	MirrorBucket string `yaml:"mirror_bucket"`
}

// Load builds the configuration from defaults, the optional YAML file, and
// the environment, in that order.
func Load() (Config, error) {
	cfg := Config{
		Listen:           ":8080",
		DataDir:          "files",
		Store:            "memory",
		JobTTL:           24 * time.Hour,
		CredentialTTL:    24 * time.Hour,
		PasswordTokenTTL: DefaultPasswordTokenTTL,
		SweepInterval:    5 * time.Second,
		SignerBin:        "zsign",
		SignTimeout:      5 * time.Minute,
		MaxUploadBytes:   5 << 30,
	}

	if path := os.Getenv("SIGND_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Listen = getEnv("SIGND_LISTEN", cfg.Listen)
	cfg.BaseURL = getEnv("SIGND_BASE_URL", cfg.BaseURL)
	cfg.DataDir = getEnv("SIGND_DATA_DIR", cfg.DataDir)
	cfg.TokenSecret = getEnv("SIGND_TOKEN_SECRET", cfg.TokenSecret)
	cfg.Store = getEnv("SIGND_STORE", cfg.Store)
	cfg.DatabaseURL = getEnv("SIGND_DATABASE_URL", cfg.DatabaseURL)
	cfg.SignerBin = getEnv("SIGND_SIGNER_BIN", cfg.SignerBin)
	cfg.NATSURL = getEnv("SIGND_NATS_URL", cfg.NATSURL)
	cfg.AgeIdentity = getEnv("SIGND_AGE_IDENTITY", cfg.AgeIdentity)
	cfg.MirrorBucket = getEnv("SIGND_MIRROR_BUCKET", cfg.MirrorBucket)

	var err error
	if cfg.JobTTL, err = getEnvDuration("SIGND_JOB_TTL", cfg.JobTTL); err != nil {
		return Config{}, err
	}
	if cfg.CredentialTTL, err = getEnvDuration("SIGND_CREDENTIAL_TTL", cfg.CredentialTTL); err != nil {
		return Config{}, err
	}
	if cfg.PasswordTokenTTL, err = getEnvDuration("SIGND_PASSWORD_TOKEN_TTL", cfg.PasswordTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = getEnvDuration("SIGND_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.SignTimeout, err = getEnvDuration("SIGND_SIGN_TIMEOUT", cfg.SignTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxUploadBytes, err = getEnvInt64("SIGND_MAX_UPLOAD_BYTES", cfg.MaxUploadBytes); err != nil {
		return Config{}, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("SIGND_BASE_URL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("SIGND_BASE_URL must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if len(c.TokenSecret) < 32 {
		return fmt.Errorf("SIGND_TOKEN_SECRET must be at least 32 bytes")
	}
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("SIGND_DATABASE_URL is required when SIGND_STORE=postgres")
		}
	default:
		return fmt.Errorf("SIGND_STORE must be memory or postgres, got %q", c.Store)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
