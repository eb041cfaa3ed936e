package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gwicho38/lsh/internal/domain"
)

const (
	ctxActorKey = "lsh.actor"
	ctxScopeKey = "lsh.scope"

	scopeRead  = "read"
	scopeWrite = "write"
)

// authClaims is the JWT claim set accepted by the API.
type authClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// authenticate validates the bearer credential and stores the actor and
// scope on the request context. The static API key grants full access;
// JWT tokens carry their scope in the claims.
func (s *Server) authenticate(c *gin.Context) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		respondKind(c, domain.KindUnauthorized, "missing bearer credential")
		return
	}

	if s.cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) == 1 {
		c.Set(ctxActorKey, "api-key")
		c.Set(ctxScopeKey, scopeWrite)
		c.Next()
		return
	}

	if s.cfg.JWTSecret == "" {
		respondKind(c, domain.KindUnauthorized, "credential rejected")
		return
	}

	claims := &authClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.E(domain.KindUnauthorized, "unexpected signing method %q", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		respondKind(c, domain.KindUnauthorized, "credential rejected")
		return
	}

	actor := claims.Subject
	if actor == "" {
		actor = "jwt"
	}
	scope := claims.Scope
	if scope == "" {
		scope = scopeRead
	}
	c.Set(ctxActorKey, actor)
	c.Set(ctxScopeKey, scope)
	c.Next()
}

// requireWrite rejects mutating requests whose credential carries a
// read-only scope.
func requireWrite(c *gin.Context) {
	if c.GetString(ctxScopeKey) != scopeWrite {
		respondKind(c, domain.KindForbidden, "write scope required")
		return
	}
	c.Next()
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func actorOf(c *gin.Context) string {
	if actor := c.GetString(ctxActorKey); actor != "" {
		return actor
	}
	return "anonymous"
}
