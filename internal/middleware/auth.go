package middleware

import (
	stdErrors "errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jwalitptl/palliative-api/internal/service/audit"
	"github.com/jwalitptl/palliative-api/pkg/errors"
	"github.com/jwalitptl/palliative-api/pkg/httputil"
)

const ContextActor = "actor"

type AuthConfig struct {
	Secret string
	Issuer string
}

// Claims is the bearer token payload. The subject names the staff member
// recorded as actor in the audit trail.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type AuthMiddleware struct {
	config AuthConfig
	parser *jwt.Parser
}

func NewAuthMiddleware(config AuthConfig) *AuthMiddleware {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	return &AuthMiddleware{config: config, parser: jwt.NewParser(opts...)}
}

// Authenticate verifies the bearer token and puts its subject on the request
// context as the acting user.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httputil.RespondWithError(c, errors.Unauthorized(stdErrors.New("missing authorization header")))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.RespondWithError(c, errors.Unauthorized(stdErrors.New("invalid authorization format")))
			return
		}

		claims, err := m.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			httputil.RespondWithError(c, errors.Unauthorized(err))
			return
		}

		c.Set(ContextActor, claims.Subject)
		c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

func (m *AuthMiddleware) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(m.config.Secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, stdErrors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, stdErrors.New("token has no subject")
	}
	return claims, nil
}

// IssueToken signs a token for subject. Used by the token command and tests.
func (m *AuthMiddleware) IssueToken(subject, name string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.config.Secret))
}
