// Package auth issues and verifies API tokens of workers and operators
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sre-norns/verdandi/pkg/task"
)

type Role string

const (
	// RoleWorker may report progress and results of executions
	RoleWorker Role = "worker"
	// RoleOperator may manage tasks, cookies and executions
	RoleOperator Role = "operator"
)

const (
	Issuer = "verdandi"

	claimsKey = "authClaims"

	minSecretLength = 16
)

var (
	ErrWeakSecret        = fmt.Errorf("signing secret must be at least %d characters", minSecretLength)
	ErrUnknownRole       = fmt.Errorf("unknown role")
	ErrInvalidAuthHeader = fmt.Errorf("invalid Authorization header")
	ErrForbidden         = fmt.Errorf("token role is not allowed")
)

func ParseRole(value string) (Role, error) {
	switch r := Role(value); r {
	case RoleWorker, RoleOperator:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, value)
}

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Authority signs tokens with a shared HS256 secret
type Authority struct {
	secret []byte
	now    func() time.Time
}

func NewAuthority(secret string) (*Authority, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}

	return &Authority{secret: []byte(secret), now: time.Now}, nil
}

// Issue creates a token for a subject. Zero ttl makes a token that never expires.
func (a *Authority) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return "", err
	}

	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   Issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authority) Verify(token string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Claims{}, err
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return Claims{}, err
	}

	return claims, nil
}

func extractAuthBearer(ctx *gin.Context) (string, error) {
	authorization := ctx.Request.Header.Get("Authorization")
	if authorization == "" {
		// Browsers can not set headers on websocket requests
		if token := ctx.Query("token"); token != "" {
			return token, nil
		}
		return "", ErrInvalidAuthHeader
	}

	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", ErrInvalidAuthHeader
	}

	return token, nil
}

// Middleware admits requests bearing a valid token of one of the roles
func (a *Authority) Middleware(roles ...Role) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token, err := extractAuthBearer(ctx)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, task.NewErrorResponse(http.StatusUnauthorized, err))
			return
		}

		claims, err := a.Verify(token)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, task.NewErrorResponse(http.StatusUnauthorized, err))
			return
		}
		if len(roles) > 0 && !slices.Contains(roles, claims.Role) {
			ctx.AbortWithStatusJSON(http.StatusForbidden, task.NewErrorResponse(http.StatusForbidden, fmt.Errorf("%w: %q", ErrForbidden, claims.Role)))
			return
		}

		ctx.Set(claimsKey, claims)
		ctx.Next()
	}
}

// ClaimsFrom returns claims of a request admitted by the middleware
func ClaimsFrom(ctx *gin.Context) (Claims, bool) {
	value, ok := ctx.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := value.(Claims)
	return claims, ok
}

// IsExpired tells if err is caused by an expired token
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
