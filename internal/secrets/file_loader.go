package secrets

import (
	"fmt"
	"os"
	"strings"
)

// FileLoader returns a Loader that reads each named secret from its file, for
// secrets mounted by an orchestrator and rotated in place. A name with no file
// falls back to its fixed value. Surrounding whitespace is trimmed.
func FileLoader(files, fixed map[string]string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(fixed)+len(files))
		for name, v := range fixed {
			if v != "" {
				vals[name] = v
			}
		}
		for name, path := range files {
			if path == "" {
				continue
			}
			data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied path
			if err != nil {
				return nil, fmt.Errorf("read secret %s: %w", name, err)
			}
			vals[name] = strings.TrimSpace(string(data))
		}
		return vals, nil
	}
}
