package web

import (
	"strings"

	"github.com/mileusna/useragent"
)

// shortUserAgent condenses a raw User-Agent header into a human label like
// "Firefox - Linux" for display next to a registered authenticator.
func shortUserAgent(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	ua := useragent.Parse(raw)
	parts := make([]string, 0, 3)
	for _, part := range []string{ua.Name, ua.OS, ua.Device} {
		if strings.TrimSpace(part) != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return "Unknown"
	}
	return strings.Join(parts, " - ")
}
