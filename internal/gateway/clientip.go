package gateway

import (
	"net/http"
	"strings"
)

// ClientIP returns the raw client address of r. Forwarding headers are only
// consulted when trustForwarded is set; the key builder normalises the result.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return r.RemoteAddr
}
