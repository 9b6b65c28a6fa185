package prompt

import (
	_ "embed"
	"strings"
)

//go:embed template/system.txt
var systemRaw string

// Load returns the trimmed system prompt. The embed is compile-time, so
// this is safe to call concurrently.
func Load() string {
	return strings.TrimSpace(systemRaw)
}
