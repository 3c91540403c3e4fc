// Package auth guards the WebSocket boundary: session-cookie validation
// with idle and absolute timeouts, the document visibility check, and
// bearer-token middleware for the internal hook routes.
package auth

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/teamspace/backend/internal/models"
)

// SessionCookie is the cookie carrying the session token.
const SessionCookie = "session_token"

var (
	ErrNoSession      = errors.New("no session")
	ErrSessionExpired = errors.New("session expired")
)

// SessionStore is the slice of the storage layer the session gate
// needs. *db.DB satisfies it.
type SessionStore interface {
	GetSession(ctx context.Context, token string) (*models.Session, error)
	TouchSession(ctx context.Context, token string) error
	DeleteSession(ctx context.Context, token string) error
}

// SessionGate validates sessions at WebSocket upgrade.
type SessionGate struct {
	store SessionStore
	now   func() time.Time
}

func NewSessionGate(store SessionStore) *SessionGate {
	return &SessionGate{store: store, now: time.Now}
}

// ValidateRequest resolves the request's session cookie to a principal.
// Expired sessions are deleted and rejected; valid ones get their
// last-activity bumped.
func (g *SessionGate) ValidateRequest(r *http.Request) (*models.Principal, error) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoSession
	}
	return g.Validate(r.Context(), cookie.Value)
}

// Validate checks a raw session token.
func (g *SessionGate) Validate(ctx context.Context, token string) (*models.Principal, error) {
	session, err := g.store.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoSession
	}
	if session.Expired(g.now()) {
		// best-effort cleanup; there is no background reaper
		_ = g.store.DeleteSession(ctx, token)
		return nil, ErrSessionExpired
	}
	if err := g.store.TouchSession(ctx, token); err != nil {
		return nil, err
	}
	return &models.Principal{UserID: session.UserID, WorkspaceID: session.WorkspaceID}, nil
}

// AccessStore is the storage slice the access gate needs.
type AccessStore interface {
	GetCollabDocument(ctx context.Context, id uuid.UUID) (*models.CollabDocument, error)
	GetWorkspaceRole(ctx context.Context, workspaceID, userID uuid.UUID) (string, error)
}

// CanAccessDocument resolves whether a principal may open a document:
// same workspace, and workspace-visible OR creator OR workspace admin.
// Missing documents are denied.
func CanAccessDocument(ctx context.Context, store AccessStore, docID uuid.UUID, p *models.Principal) (bool, error) {
	doc, err := store.GetCollabDocument(ctx, docID)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, nil
	}
	return CanAccessLoaded(ctx, store, doc, p)
}

// CanAccessLoaded applies the visibility rules to an already-fetched
// document row.
func CanAccessLoaded(ctx context.Context, store AccessStore, doc *models.CollabDocument, p *models.Principal) (bool, error) {
	if doc.WorkspaceID != p.WorkspaceID {
		return false, nil
	}
	if doc.Visibility == models.VisibilityWorkspace {
		return true, nil
	}
	if doc.CreatedBy == p.UserID {
		return true, nil
	}
	role, err := store.GetWorkspaceRole(ctx, doc.WorkspaceID, p.UserID)
	if err != nil {
		return false, err
	}
	return role == models.RoleAdmin, nil
}

// Service tokens for the internal hook routes

// ServiceClaims are the claims on a service bearer token.
type ServiceClaims struct {
	Service string `json:"svc"`
	jwt.RegisteredClaims
}

func jwtSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "local-dev-secret-change-in-production"
	}
	return []byte(secret)
}

// GenerateServiceToken issues a token for a calling service.
func GenerateServiceToken(service string) (string, error) {
	claims := ServiceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "teamspace",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

// ValidateServiceToken validates a service bearer token.
func ValidateServiceToken(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return jwtSecret(), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*ServiceClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// ServiceAuthMiddleware guards the internal hook routes with a bearer
// service token.
func ServiceAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := ValidateServiceToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token: " + err.Error()})
			c.Abort()
			return
		}

		c.Set("service", claims.Service)
		c.Next()
	}
}
