package channels

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/nanoclaw/internal/shared"
)

// ReadEnvFile parses KEY=VALUE lines from path and returns the requested
// keys. Channels must read credentials this way, never from the process
// environment — os.Getenv is never called for channel secrets, so that
// credentials never leak into the environment of a spawned agent container.
func ReadEnvFile(path string, keys []string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("channels: read env file %s: %w", path, err)
	}

	all := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}
		all[key] = value
	}

	if keys == nil {
		return all, nil
	}
	out := make(map[string]string, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := all[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		out[k] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("channels: missing required keys in %s: %s", path, strings.Join(missing, ", "))
	}
	for k, v := range out {
		slog.Default().Debug("channels: loaded env credential", "path", path, "key", k, "value", shared.RedactEnvValue(k, v))
	}
	return out, nil
}
