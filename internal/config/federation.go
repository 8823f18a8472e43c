package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Federation is the policy handed to every federation component at construction.
type Federation struct {
	// BaseURL is the public root of this server; callback and feed URLs hang off it.
	BaseURL string `yaml:"base_url"`

	FallbackHub         string `yaml:"fallback_hub"`
	FallbackHubUser     string `yaml:"fallback_hub_user"`
	FallbackHubPassword string `yaml:"fallback_hub_password"`
	// AllowNoHub puts hubless feeds into the polling state instead of rejecting them.
	AllowNoHub bool `yaml:"allow_no_hub"`

	// SecretLength is the number of random bytes in a subscription secret.
	SecretLength int `yaml:"secret_length"`

	MinLease time.Duration `yaml:"min_lease"`
	MaxLease time.Duration `yaml:"max_lease"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	MaxUnbatched int `yaml:"max_unbatched"`
	BatchSize    int `yaml:"batch_size"`
	HubRetries   int `yaml:"hub_retries"`

	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	PollEvery   time.Duration `yaml:"poll_every"`

	KeyBits       int    `yaml:"key_bits"`
	KeySealSecret string `yaml:"key_seal_secret"`

	RequireChallengeEcho bool   `yaml:"require_challenge_echo"`
	AllowPrivateNetworks bool   `yaml:"allow_private_networks"`
	LocalPushHub         string `yaml:"local_push_hub"`
	UserAgent            string `yaml:"user_agent"`
}

func DefaultFederation() Federation {
	return Federation{
		BaseURL:              "http://localhost:8080",
		SecretLength:         32,
		MinLease:             24 * time.Hour,
		MaxLease:             30 * 24 * time.Hour,
		ConnectTimeout:       5 * time.Second,
		RequestTimeout:       30 * time.Second,
		MaxUnbatched:         50,
		BatchSize:            1000,
		HubRetries:           3,
		Workers:              8,
		MaxAttempts:          5,
		PollEvery:            15 * time.Minute,
		KeyBits:              1024,
		RequireChallengeEcho: true,
		UserAgent:            "ostatus/0.1",
	}
}

// Validate reports the first inconsistent setting.
func (f Federation) Validate() error {
	u, err := url.Parse(f.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base_url must be an absolute http(s) URL", ErrInvalidConfig)
	}
	if f.FallbackHub != "" {
		if hu, err := url.Parse(f.FallbackHub); err != nil || hu.Host == "" {
			return fmt.Errorf("%w: fallback_hub is not a valid URL", ErrInvalidConfig)
		}
	}
	if f.SecretLength < 16 {
		return fmt.Errorf("%w: secret_length must be at least 16 bytes", ErrInvalidConfig)
	}
	if f.MinLease <= 0 || f.MaxLease < f.MinLease {
		return fmt.Errorf("%w: lease bounds %v..%v", ErrInvalidConfig, f.MinLease, f.MaxLease)
	}
	if f.MaxUnbatched < 1 || f.BatchSize < 1 {
		return fmt.Errorf("%w: max_unbatched and batch_size must be positive", ErrInvalidConfig)
	}
	if f.KeyBits < 512 {
		return fmt.Errorf("%w: key_bits too small", ErrInvalidConfig)
	}
	if f.Workers < 1 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	return nil
}

// URL joins path onto BaseURL.
func (f Federation) URL(path string) string {
	return strings.TrimRight(f.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
