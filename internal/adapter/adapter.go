// Package adapter normalizes platform webhook payloads into canonical
// task-completion events. Signature verification happens at the HTTP
// boundary; adapters only parse.
package adapter

import (
	"fmt"

	"streampay/internal/domain"
)

type Adapter interface {
	Platform() string
	// Normalize parses a verified payload. eventType carries the
	// platform's event-kind hint (e.g. the X-GitHub-Event header) and may
	// be empty for platforms that encode the kind in the body.
	Normalize(eventType string, payload []byte) (domain.CanonicalEvent, error)
}

// ForPlatform resolves the adapter for a platform name.
func ForPlatform(platform string) (Adapter, error) {
	switch platform {
	case "github":
		return GitHub{}, nil
	case "trello":
		return Trello{}, nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}
}
