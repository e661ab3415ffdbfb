// Package auth resolves gateway tokens on inbound requests and guards
// route execution with the tenant manager.
package auth

import (
	"net/http"
	"strings"
)

// Header names recognized for gateway tokens.
const (
	HeaderGatewayToken  = "X-Gateway-Token"
	HeaderAuthorization = "Authorization"
)

// ExtractGatewayToken returns the gateway token offered by a request.
// Precedence: the explicit connect payload, then X-Gateway-Token, then
// Authorization: Bearer. The second return reports whether any source
// produced a token.
func ExtractGatewayToken(payloadToken string, header http.Header) (string, bool) {
	if token := strings.TrimSpace(payloadToken); token != "" {
		return token, true
	}
	if token := strings.TrimSpace(header.Get(HeaderGatewayToken)); token != "" {
		return token, true
	}
	return bearerToken(header.Get(HeaderAuthorization))
}

func bearerToken(authorization string) (string, bool) {
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
