package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadSecretsEnv reads $XDG_CONFIG_HOME/squall/secrets.env (or
// ~/.config/squall/secrets.env) and returns key/value pairs. Lines starting
// with # are ignored. Format: KEY=VALUE. A missing file is not an error.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "squall", "secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			out[k] = v
		}
	}
	return out, s.Err()
}

// ApplySecrets exports provider credentials from the secrets file into the
// environment, where the AWS SDK credential chain and the az CLI find
// them. Values already set in the environment win.
func ApplySecrets(secrets map[string]string) {
	for _, key := range []string{
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"AWS_DEFAULT_REGION",
	} {
		if v, ok := secrets[key]; ok && v != "" && os.Getenv(key) == "" {
			os.Setenv(key, v)
		}
	}
}
