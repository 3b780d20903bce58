// internal/handlers/utils.go
package handlers

import "strings"

// extractCookieToken pulls a named cookie's value out of a raw Cookie
// header, or returns empty if not present.
func extractCookieToken(cookieHeader, cookieName string) string {
	for _, part := range strings.Split(cookieHeader, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, cookieName+"=") {
			return strings.TrimPrefix(part, cookieName+"=")
		}
	}
	return ""
}
