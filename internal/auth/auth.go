// Package auth verifies the bearer tokens that open terminal sessions.
//
// Tokens are HMAC-signed JWTs issued by an external collaborator. The
// gateway only checks the signature and expiry and decodes the spawn
// parameters carried in the claims; it applies no further policy.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth is wrapped by every verification failure. Bad signatures, expired
// or malformed tokens and unsupported algorithms are all reported the same
// way to the client.
var ErrAuth = errors.New("authentication failed")

// Mode selects where the terminal runs.
type Mode string

const (
	// ModeRoot spawns a local login shell on the gateway host.
	ModeRoot Mode = "root"
	// ModeScoped spawns a shell inside an execution target.
	ModeScoped Mode = "scoped"
)

// allowedMethods lists the accepted signing algorithms. Anything else,
// including "none" and asymmetric algorithms, is rejected.
var allowedMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Claims are the spawn parameters carried by a verified token.
type Claims struct {
	Mode   Mode   `json:"mode"`
	Target string `json:"target,omitempty"`
	Cwd    string `json:"cwd,omitempty"`
	// ExecutionTargetID and WorkingDirectory are the long-form keys some
	// issuers use. They fill Target and Cwd when those are empty.
	ExecutionTargetID string `json:"executionTargetId,omitempty"`
	WorkingDirectory  string `json:"workingDirectory,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) normalize() {
	if c.Target == "" {
		c.Target = c.ExecutionTargetID
	}
	if c.Cwd == "" {
		c.Cwd = c.WorkingDirectory
	}
	c.ExecutionTargetID, c.WorkingDirectory = "", ""
}

func (c *Claims) validateSpawn() error {
	switch c.Mode {
	case ModeRoot:
		return nil
	case ModeScoped:
		if strings.TrimSpace(c.Target) == "" {
			return errors.New("scoped token without target")
		}
		return nil
	case "":
		return errors.New("token without mode")
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
}

// Verifier checks tokens against a shared secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier returns a Verifier for the given HMAC secret. leeway allows for
// clock skew between the issuer and the gateway.
func NewVerifier(secret []byte, leeway time.Duration) *Verifier {
	return &Verifier{secret: secret, leeway: leeway, now: time.Now}
}

// Verify checks the token's signature and expiry and returns its claims.
// Every failure wraps ErrAuth.
func (v *Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrAuth)
	}
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no secret configured", ErrAuth)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods(allowedMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	claims.normalize()
	if err := claims.validateSpawn(); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrAuth, jwt.ErrTokenMalformed, err)
	}
	return claims, nil
}

// Issue signs claims with HS256 and an expiry ttl from now. Production tokens
// come from the external auth service; this exists for the CLI and tests.
func (v *Verifier) Issue(c Claims, ttl time.Duration) (string, error) {
	c.normalize()
	if err := c.validateSpawn(); err != nil {
		return "", err
	}
	now := v.now()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &c).SignedString(v.secret)
}
