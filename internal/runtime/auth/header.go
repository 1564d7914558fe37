package auth

import (
	"net/http"
	"strconv"
	"strings"
)

// CredentialFromRequest reads the Authorization header of an HTTP request.
// Basic carries a username and password. Bearer carries an API key when it
// has the "<id>-<secret>" shape and an auth token otherwise.
func CredentialFromRequest(r *http.Request) (Credential, bool) {
	if username, password, ok := r.BasicAuth(); ok {
		return PasswordCredential(username, password), true
	}
	token := ExtractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return Credential{}, false
	}
	if looksLikeAPIKey(token) {
		return APIKeyCredential("", token), true
	}
	return TokenCredential(token), true
}

func looksLikeAPIKey(token string) bool {
	idPart, secret, ok := strings.Cut(token, "-")
	if !ok || secret == "" {
		return false
	}
	_, err := strconv.ParseInt(idPart, 10, 64)
	return err == nil
}
