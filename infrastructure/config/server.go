package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// LoadServerConfig loads the server configuration from path (TOML),
// falling back to DefaultServerConfig when path does not exist, then
// layers a `.env` file (if present) and `ACTEON_*` environment variables
// on top. Environment always wins over the file, matching the teacher's
// EnvOrSecret precedence with the TEE-secret tier dropped.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse server config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// No file: defaults plus environment only.
		default:
			return nil, fmt.Errorf("read server config %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode server config environment overrides: %w", err)
	}

	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid server config: %s", strings.Join(problems, "; "))
	}

	return cfg, nil
}
