package auth

import (
	"net/http"
	"strings"
)

// Authorization schemes accepted for access tokens.
const (
	SchemeJMAP   = "X-JMAP"
	SchemeBearer = "Bearer"
)

// TokenFromRequest extracts the access token from the Authorization
// header. It accepts the X-JMAP and Bearer schemes, case-insensitively.
func TokenFromRequest(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok {
		return ""
	}
	if !strings.EqualFold(scheme, SchemeJMAP) && !strings.EqualFold(scheme, SchemeBearer) {
		return ""
	}
	return strings.TrimSpace(token)
}
