package outboxsvc

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// ResolveOwner returns configured when set, otherwise hostname-<8 hex chars>,
// falling back to unknown-<8 hex chars> when the hostname is unavailable.
func ResolveOwner(configured string) string {
	if owner := strings.TrimSpace(configured); owner != "" {
		return owner
	}

	suffix := uuid.NewString()[:8]
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown-" + suffix
	}

	return host + "-" + suffix
}
