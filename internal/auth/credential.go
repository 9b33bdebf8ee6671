package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
)

// Credential is what a client presents to open a session: the token and an
// optional initial terminal size.
type Credential struct {
	Token string `json:"token"`
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
}

// TokenFromRequest returns an out-of-band token from the Authorization header
// or the "token" query parameter, in that order. It returns "" when neither
// is present and the token must arrive as the first message.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return r.URL.Query().Get("token")
}

// ParseCredential decodes the first in-band message. It accepts either the
// bare token text or a JSON object {"token": "...", "cols": n, "rows": n}.
func ParseCredential(msg []byte) Credential {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var c Credential
		if err := json.Unmarshal(trimmed, &c); err == nil {
			c.Token = strings.TrimSpace(c.Token)
			return c
		}
	}
	return Credential{Token: string(trimmed)}
}
