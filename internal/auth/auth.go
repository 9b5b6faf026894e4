// Package auth verifies bearer tokens issued by the hosted identity
// provider and carries the resulting identity through request contexts.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"

	"github.com/ycm360/cafemx/internal/model"
)

var (
	// ErrMissingToken is returned when the Authorization header is absent or not a bearer token.
	ErrMissingToken = eris.New("Missing or invalid authorization header")
	// ErrInvalidToken is returned when the token fails signature or claim checks.
	ErrInvalidToken = eris.New("Invalid or expired token")
)

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*model.Identity, error)
}

// Claims are the token claims the identity provider issues.
type Claims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// JWTVerifier checks HS256 tokens against a shared secret.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewJWTVerifier creates a JWTVerifier. Empty issuer or audience skips that check.
func NewJWTVerifier(secret, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Verify validates the token and returns the identity in its claims.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*model.Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, eris.Wrap(ErrInvalidToken, errString(err))
	}
	if claims.Subject == "" {
		return nil, eris.Wrap(ErrInvalidToken, "auth: token has no subject")
	}

	return &model.Identity{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Metadata: claims.UserMetadata,
	}, nil
}

func errString(err error) string {
	if err == nil {
		return "auth: token invalid"
	}
	return "auth: " + err.Error()
}

// Sign issues a token for id that expires after ttl. Used by tests and the
// CLI to mint local development tokens.
func (v *JWTVerifier) Sign(id model.Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:        id.Email,
		UserMetadata: id.Metadata,
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	return s, eris.Wrap(err, "auth: sign token")
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *model.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity, or nil.
func IdentityFrom(ctx context.Context) *model.Identity {
	id, _ := ctx.Value(ctxKey{}).(*model.Identity)
	return id
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, status int, msg string)

// Middleware rejects requests without a valid bearer token and stores the
// verified identity in the request context.
func Middleware(v Verifier, writeErr ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeErr(w, http.StatusUnauthorized, ErrMissingToken.Error())
				return
			}
			id, err := v.Verify(r.Context(), token)
			if err != nil {
				writeErr(w, http.StatusUnauthorized, ErrInvalidToken.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
