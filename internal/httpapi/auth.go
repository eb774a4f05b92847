package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

const tokenAudience = "recon-tasks"

// tokenClaims is what a verified bearer token tells the server about the
// caller: who it is and which task scopes it holds.
type tokenClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Exp     int64
}

func (c tokenClaims) has(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

// tokenPayload is the wire form of the claims. Scopes may be a JSON array or
// a space separated string.
type tokenPayload struct {
	Subject  string          `json:"sub"`
	Audience string          `json:"aud"`
	Exp      json.Number     `json:"exp"`
	Scopes   json.RawMessage `json:"scopes"`
}

// authorizeBearer verifies an HS256 token and that it grants requiredScope.
func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	payload, authErr := verifyHS256(strings.TrimSpace(raw), jwtSecret)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	claims, authErr := payload.claims(now)
	if authErr != nil {
		return tokenClaims{}, authErr
	}
	if requiredScope != "" && !claims.has(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

// verifyHS256 checks the header algorithm and signature of a compact JWS and
// returns its decoded payload.
func verifyHS256(token, secret string) (tokenPayload, *authError) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tokenPayload{}, unauthorized("invalid jwt format")
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return tokenPayload{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenPayload{}, unauthorized("unsupported jwt algorithm")
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenPayload{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return tokenPayload{}, unauthorized("jwt signature mismatch")
	}

	var payload tokenPayload
	if err := decodeSegment(parts[1], &payload); err != nil {
		return tokenPayload{}, unauthorized("invalid jwt payload")
	}
	return payload, nil
}

func decodeSegment(segment string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (p tokenPayload) claims(now time.Time) (tokenClaims, *authError) {
	if p.Subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := p.Exp.Int64()
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if p.Audience != tokenAudience {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := parseScopes(p.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{Subject: p.Subject, Scopes: scopes, Exp: exp}, nil
}

func parseScopes(raw json.RawMessage) map[string]struct{} {
	out := map[string]struct{}{}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		var joined string
		if err := json.Unmarshal(raw, &joined); err != nil {
			return out
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope != "" {
			out[scope] = struct{}{}
		}
	}
	return out
}
