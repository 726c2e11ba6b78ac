package session

import (
	"os"

	"github.com/matheus3301/heartline/internal/config"
)

const DefaultSessionName = "main"

// EnvSession selects the session when no --session flag is given.
const EnvSession = "HEARTLINE_SESSION"

// Resolve picks the session name: the --session flag, then
// HEARTLINE_SESSION, then default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvSession); env != "" {
		return env
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
