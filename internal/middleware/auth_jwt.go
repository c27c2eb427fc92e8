package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"visionbatch/internal/domain"
)

// TokenIssuer is stamped into every token this service signs.
const TokenIssuer = "visionbatch"

// TokenClaims carries the account identity. The subject is the user id.
type TokenClaims struct {
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type userKey string

const (
	userIDKey   userKey = "user_id"
	userRoleKey userKey = "user_role"
	userNameKey userKey = "user_name"
)

// NewTokenClaims builds claims for userID valid for ttl.
func NewTokenClaims(userID, name string, role domain.UserRole, ttl time.Duration) TokenClaims {
	now := time.Now()
	return TokenClaims{
		Role: string(role),
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func SignJWT(secret string, claims TokenClaims) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func VerifyJWT(secret, token string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(TokenIssuer), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	switch role := domain.UserRole(claims.Role); {
	case role == "":
		claims.Role = string(domain.UserRoleUser)
	case !role.Valid():
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

func AuthJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization", http.StatusUnauthorized)
				return
			}
			claims, err := VerifyJWT(secret, strings.TrimSpace(parts[1]))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := ContextWithUser(r.Context(), claims.Subject, domain.UserRole(claims.Role))
			if claims.Name != "" {
				ctx = context.WithValue(ctx, userNameKey, claims.Name)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects callers whose token does not carry the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RoleFromContext(r.Context()) != domain.UserRoleAdmin {
			http.Error(w, "admin only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func RoleFromContext(ctx context.Context) domain.UserRole {
	if v, ok := ctx.Value(userRoleKey).(domain.UserRole); ok {
		return v
	}
	return ""
}

func UserNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userNameKey).(string); ok {
		return v
	}
	return ""
}

func ContextWithUser(ctx context.Context, userID string, role domain.UserRole) context.Context {
	if strings.TrimSpace(userID) == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, userIDKey, userID)
	if role != "" {
		ctx = context.WithValue(ctx, userRoleKey, role)
	}
	return ctx
}
