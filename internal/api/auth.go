package api

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsContextKey = "Claims"

// OperatorClaims represents JWT claims for API operators. An empty Accounts
// list grants access to every account.
type OperatorClaims struct {
	Operator string   `json:"op"`
	Accounts []string `json:"accounts,omitempty"`
	jwt.RegisteredClaims
}

// CanAccess reports whether the token is scoped to the account.
func (c *OperatorClaims) CanAccess(accountID string) bool {
	return len(c.Accounts) == 0 || slices.Contains(c.Accounts, accountID)
}

// GenerateToken signs an HS256 operator token valid for ttl.
func GenerateToken(operator string, accounts []string, secret string, ttl time.Duration) (string, time.Time, error) {
	if operator == "" {
		return "", time.Time{}, errors.New("operator is required")
	}
	if secret == "" {
		return "", time.Time{}, errors.New("jwt secret is empty")
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := OperatorClaims{
		Operator: operator,
		Accounts: accounts,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	return signed, expiresAt, err
}

func parseToken(tokenStr, secret string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &OperatorClaims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*OperatorClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

// AuthMiddleware enforces JWT auth for protected routes. Browsers cannot set
// headers on websocket upgrades, so a token query parameter is accepted too.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				respondAbort(c, http.StatusUnauthorized, "INVALID_AUTH_HEADER", "invalid Authorization header")
				return
			}
			tokenStr = parts[1]
		}
		if tokenStr == "" {
			respondAbort(c, http.StatusUnauthorized, "MISSING_TOKEN", "missing Authorization header")
			return
		}

		claims, err := parseToken(tokenStr, secret)
		if err != nil {
			respondAbort(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// AccountScopeMiddleware rejects requests for accounts outside the token's scope.
func AccountScopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := CurrentClaims(c)
		if claims == nil {
			respondAbort(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
			return
		}
		if !claims.CanAccess(c.Param("id")) {
			respondAbort(c, http.StatusForbidden, "FORBIDDEN", "account is outside the token scope")
			return
		}
		c.Next()
	}
}

// CurrentClaims returns the authenticated operator claims from context.
func CurrentClaims(c *gin.Context) *OperatorClaims {
	if v, ok := c.Get(claimsContextKey); ok {
		if claims, okCast := v.(*OperatorClaims); okCast {
			return claims
		}
	}
	return nil
}

// CurrentOperator returns the authenticated operator name.
func CurrentOperator(c *gin.Context) string {
	if claims := CurrentClaims(c); claims != nil {
		return claims.Operator
	}
	return ""
}
