package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// EnvToken holds the session credential.
const EnvToken = "HEARTLINE_TOKEN"

// Credential loads the session's .env file, if any, and returns
// HEARTLINE_TOKEN. Variables already set in the process environment win.
func Credential(envPath string) (string, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("load %s: %w", envPath, err)
		}
	}
	token := os.Getenv(EnvToken)
	if token == "" {
		return "", fmt.Errorf("%s is not set", EnvToken)
	}
	return token, nil
}
