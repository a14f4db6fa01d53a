// Package envfile provides the small text transforms the executor and CLI
// need: .env-style override files and shell-ish expansion of the source
// locator argument.
package envfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the per-job override file looked up in the working directory.
const FileName = ".env"

// Load reads dir/.env into a key=value map. A missing file is not an error
// and yields an empty map. Blank lines and #-comments are skipped; values may
// be wrapped in single or double quotes, which are stripped.
func Load(dir string) (map[string]string, error) {
	path := filepath.Join(dir, FileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		vars[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return vars, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Merged returns the process environment with vars layered on top, in the
// KEY=VALUE form exec.Cmd expects. Override keys win over inherited ones.
func Merged(vars map[string]string) []string {
	env := os.Environ()
	if len(vars) == 0 {
		return env
	}
	out := make([]string, 0, len(env)+len(vars))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := vars[key]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}

// ExpandString expands a leading ~ and $VAR references in a CLI argument.
func ExpandString(s string) string {
	if s == "~" || strings.HasPrefix(s, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			s = home + strings.TrimPrefix(s, "~")
		}
	}
	return os.ExpandEnv(s)
}
