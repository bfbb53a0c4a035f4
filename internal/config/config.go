// Package config holds the server's JSON configuration. Secrets can be
// overlaid from the environment (or a .env file) so config files stay safe
// to commit.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/parley-chat/parley/internal/util"
)

type Config struct {
	Server   Server   `json:"server"`
	Auth     Auth     `json:"auth"`
	Storage  Storage  `json:"storage"`
	Realtime Realtime `json:"realtime"`
}

type Server struct {
	HTTPAddr string `json:"http_addr"`
}

type Auth struct {
	// TokenSecret signs access tokens. Usually left empty in the file and
	// supplied via PARLEY_TOKEN_SECRET.
	TokenSecret   string `json:"token_secret"`
	TokenTTLHours int    `json:"token_ttl_hours"`
}

type Storage struct {
	DataDir string `json:"data_dir"`
}

type Realtime struct {
	// QueueSize is the per-connection outbound event buffer. A consumer
	// that falls this far behind is evicted.
	QueueSize int `json:"queue_size"`
}

func Default() Config {
	return Config{
		Server: Server{
			HTTPAddr: "127.0.0.1:8790",
		},
		Auth: Auth{
			TokenSecret:   "",
			TokenTTLHours: 24,
		},
		Storage: Storage{
			DataDir: "data",
		},
		Realtime: Realtime{
			QueueSize: 64,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return errors.New("server.http_addr is required")
	}
	if c.Auth.TokenTTLHours <= 0 {
		return errors.New("auth.token_ttl_hours must be > 0")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return errors.New("storage.data_dir is required")
	}
	if c.Realtime.QueueSize < 0 {
		return errors.New("realtime.queue_size must be >= 0")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables, loading a .env file first when
// one is present beside the process.
func (c *Config) applyEnv() {
	_ = godotenv.Load()
	if v := os.Getenv("PARLEY_TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := os.Getenv("PARLEY_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("PARLEY_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.applyEnv()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
