package dispatch

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// extractAuthKey implements spec.md §4.7's header parsing contract: the
// accepted forms, in priority order, are "Bearer <key>", "ApiKey <key>",
// and "<key>" (raw). The scheme prefix is matched case-insensitively;
// everything after it is trimmed once (so "Bearer  k" yields "k", not
// " k").
func extractAuthKey(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	lower := strings.ToLower(header)
	for _, scheme := range []string{"bearer", "apikey"} {
		if len(lower) > len(scheme) && lower[:len(scheme)] == scheme && isSpace(lower[len(scheme)]) {
			return strings.TrimSpace(header[len(scheme):])
		}
	}
	return header
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }

// checkAdminKey reports whether r carries a valid admin Authorization
// header, compared byte-exact (constant-time) against want.
func checkAdminKey(r *http.Request, want string) bool {
	key := extractAuthKey(r.Header.Get("Authorization"))
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1
}
