package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// APIKeyEnv is the environment variable holding the Model Service
// credential.
const APIKeyEnv = "ANTHROPIC_API_KEY"

// DefaultEnvFiles are loaded in order by LoadEnvFiles. Earlier files
// win because godotenv never overrides a variable that is already set.
var DefaultEnvFiles = []string{".env.local", ".env"}

// LoadEnvFiles loads KEY=VALUE pairs from each file that exists into the
// process environment. Variables already present in the environment are
// left untouched. Missing files are skipped.
func LoadEnvFiles(files ...string) ([]string, error) {
	var loaded []string
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return loaded, fmt.Errorf("load env file %s: %w", f, err)
		}
		loaded = append(loaded, f)
	}
	return loaded, nil
}

// ResolveAPIKey fills Anthropic.APIKey from the environment when the
// config file did not set one, and fails when neither source has it.
func (c *Config) ResolveAPIKey() error {
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv(APIKeyEnv)
	}
	if !c.Anthropic.Configured() {
		return fmt.Errorf("%s not found in environment, .env.local, or config", APIKeyEnv)
	}
	return nil
}
