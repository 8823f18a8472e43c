// Save as: internal/config/environment.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port       int        `yaml:"port"`
	DBPath     string     `yaml:"db_path"`
	DataPath   string     `yaml:"data_path"`
	LogFile    string     `yaml:"log_file"`
	Operator   Operator   `yaml:"operator"`
	Federation Federation `yaml:"federation"`
}

// Operator holds the credentials accepted by the admin API.
type Operator struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

func defaultConfig() Config {
	return Config{
		Port:       8080, // default port
		DBPath:     "data/ostatus.db",
		DataPath:   "data",
		Operator:   Operator{Username: "admin"},
		Federation: DefaultFederation(),
	}
}

// GetConfig returns the defaults overridden by OSTATUS_* environment variables.
func GetConfig() Config {
	config := defaultConfig()
	applyEnv(&config)
	return config
}

// Load layers defaults, the optional YAML file and then the environment.
func Load(path string) (Config, error) {
	config := defaultConfig()
	if path != "" {
		if err := LoadFile(path, &config); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&config)
	return config, nil
}

func applyEnv(config *Config) {
	// Override with environment variables if present
	if port := os.Getenv("OSTATUS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}

	if dbPath := os.Getenv("OSTATUS_DB_PATH"); dbPath != "" {
		config.DBPath = dbPath
	}

	if dataPath := os.Getenv("OSTATUS_DATA_PATH"); dataPath != "" {
		config.DataPath = dataPath
	}

	if logFile := os.Getenv("OSTATUS_LOG_FILE"); logFile != "" {
		config.LogFile = logFile
	}

	if user := os.Getenv("OSTATUS_OPERATOR_USER"); user != "" {
		config.Operator.Username = user
	}
	if hash := os.Getenv("OSTATUS_OPERATOR_PASSWORD_HASH"); hash != "" {
		config.Operator.PasswordHash = hash
	}

	applyFederationEnv(&config.Federation)
}

func applyFederationEnv(f *Federation) {
	if v := os.Getenv("OSTATUS_BASE_URL"); v != "" {
		f.BaseURL = v
	}
	if v := os.Getenv("OSTATUS_FALLBACK_HUB"); v != "" {
		f.FallbackHub = v
	}
	if v := os.Getenv("OSTATUS_FALLBACK_HUB_USER"); v != "" {
		f.FallbackHubUser = v
	}
	if v := os.Getenv("OSTATUS_FALLBACK_HUB_PASSWORD"); v != "" {
		f.FallbackHubPassword = v
	}
	if v := os.Getenv("OSTATUS_LOCAL_PUSH_HUB"); v != "" {
		f.LocalPushHub = v
	}
	if v := os.Getenv("OSTATUS_KEY_SEAL_SECRET"); v != "" {
		f.KeySealSecret = v
	}
	if v, ok := envBool("OSTATUS_ALLOW_NO_HUB"); ok {
		f.AllowNoHub = v
	}
	if v, ok := envBool("OSTATUS_REQUIRE_CHALLENGE_ECHO"); ok {
		f.RequireChallengeEcho = v
	}
	if v, ok := envBool("OSTATUS_ALLOW_PRIVATE_NETWORKS"); ok {
		f.AllowPrivateNetworks = v
	}
	if v, ok := envInt("OSTATUS_WORKERS"); ok {
		f.Workers = v
	}
	if v, ok := envInt("OSTATUS_HUB_RETRIES"); ok {
		f.HubRetries = v
	}
	if v, ok := envInt("OSTATUS_KEY_BITS"); ok {
		f.KeyBits = v
	}
	if v := os.Getenv("OSTATUS_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			f.RequestTimeout = d
		}
	}
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func (c Config) GetAddress() string {
	return fmt.Sprintf(":%d", c.Port)
}
