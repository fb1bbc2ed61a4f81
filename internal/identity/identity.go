// Package identity authenticates websocket and REST callers by bearer token.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ashureev/focus-guardian/internal/domain"
	"github.com/ashureev/focus-guardian/internal/store"
)

const (
	// TokenQueryParam is the query parameter browsers use to pass the token
	// on the websocket upgrade request.
	TokenQueryParam = "token"
	secretBytes     = 24
)

var (
	// ErrNoToken means the caller presented no credential at all.
	ErrNoToken = errors.New("no token provided")
	// ErrInvalidToken means the credential was malformed or did not match.
	ErrInvalidToken = errors.New("invalid token")

	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

// Authenticator resolves a token to the user it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.UserIdentity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, token string) (*domain.UserIdentity, error)

// Authenticate calls fn.
func (fn AuthenticatorFunc) Authenticate(ctx context.Context, token string) (*domain.UserIdentity, error) {
	return fn(ctx, token)
}

// TokenAuthenticator checks "<userID>.<secret>" tokens against the bcrypt
// hash stored on the user record.
type TokenAuthenticator struct {
	repo store.Repository
}

// NewTokenAuthenticator creates an authenticator backed by repo.
func NewTokenAuthenticator(repo store.Repository) *TokenAuthenticator {
	return &TokenAuthenticator{repo: repo}
}

// Authenticate returns ErrNoToken, ErrInvalidToken, or a wrapped store error
// when the lookup itself fails.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (*domain.UserIdentity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoToken
	}
	userID, secret, ok := strings.Cut(token, ".")
	if !ok || userID == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	user, err := a.repo.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.TokenHash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	id := user.Identity()
	return &id, nil
}

// IssueToken creates a user and returns its token. The token is only
// available here; the store keeps the hash.
func IssueToken(ctx context.Context, repo store.Repository, username string) (string, *domain.User, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return "", nil, fmt.Errorf("invalid username %q", username)
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash secret: %w", err)
	}

	now := time.Now()
	user := &domain.User{
		UserID:    uuid.NewString(),
		Username:  username,
		TokenHash: string(hash),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.CreateUser(ctx, user); err != nil {
		return "", nil, fmt.Errorf("create user: %w", err)
	}
	return user.UserID + "." + secret, user, nil
}

// TokenFromRequest returns the token from the query string or the
// Authorization header, or "" when neither carries one.
func TokenFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

type contextKey int

const userKey contextKey = iota

// WithUser stores the authenticated identity on ctx.
func WithUser(ctx context.Context, u *domain.UserIdentity) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext extracts the authenticated identity from the request context.
func UserFromContext(ctx context.Context) (*domain.UserIdentity, bool) {
	u, ok := ctx.Value(userKey).(*domain.UserIdentity)
	return u, ok && u != nil
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if u, ok := UserFromContext(ctx); ok {
		return u.UserID
	}
	return ""
}

// Middleware rejects REST requests without a valid bearer token.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := auth.Authenticate(r.Context(), TokenFromRequest(r))
			switch {
			case errors.Is(err, ErrNoToken), errors.Is(err, ErrInvalidToken):
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			case err != nil:
				writeError(w, http.StatusInternalServerError, "authentication unavailable")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
