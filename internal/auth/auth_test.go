package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamspace/backend/internal/models"
)

type fakeSessionStore struct {
	sessions map[string]*models.Session
	touched  []string
	deleted  []string
	err      error
}

func (f *fakeSessionStore) GetSession(_ context.Context, token string) (*models.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sessions[token], nil
}

func (f *fakeSessionStore) TouchSession(_ context.Context, token string) error {
	f.touched = append(f.touched, token)
	return nil
}

func (f *fakeSessionStore) DeleteSession(_ context.Context, token string) error {
	f.deleted = append(f.deleted, token)
	delete(f.sessions, token)
	return nil
}

func sessionRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/collaboration/wiki:x", nil)
	if token != "" {
		r.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}
	return r
}

func TestValidateRequestMissingCookie(t *testing.T) {
	g := NewSessionGate(&fakeSessionStore{sessions: map[string]*models.Session{}})
	_, err := g.ValidateRequest(sessionRequest(""))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestValidateUnknownToken(t *testing.T) {
	g := NewSessionGate(&fakeSessionStore{sessions: map[string]*models.Session{}})
	_, err := g.Validate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestValidateStoreError(t *testing.T) {
	boom := errors.New("db down")
	g := NewSessionGate(&fakeSessionStore{err: boom})
	_, err := g.Validate(context.Background(), "tok")
	assert.ErrorIs(t, err, boom)
}

func TestValidateIdleExpiredSessionIsDeleted(t *testing.T) {
	now := time.Now()
	store := &fakeSessionStore{sessions: map[string]*models.Session{
		"tok": {
			Token:        "tok",
			UserID:       uuid.New(),
			WorkspaceID:  uuid.New(),
			CreatedAt:    now.Add(-time.Hour),
			LastActivity: now.Add(-models.SessionIdleTimeout - time.Minute),
		},
	}}
	g := NewSessionGate(store)
	g.now = func() time.Time { return now }

	_, err := g.Validate(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, []string{"tok"}, store.deleted)
	assert.Empty(t, store.touched)
}

func TestValidateAbsoluteTimeoutTrumpsActivity(t *testing.T) {
	now := time.Now()
	store := &fakeSessionStore{sessions: map[string]*models.Session{
		"tok": {
			Token:        "tok",
			UserID:       uuid.New(),
			WorkspaceID:  uuid.New(),
			CreatedAt:    now.Add(-models.SessionAbsoluteTimeout - time.Minute),
			LastActivity: now, // still active, expired anyway
		},
	}}
	g := NewSessionGate(store)
	g.now = func() time.Time { return now }

	_, err := g.Validate(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, []string{"tok"}, store.deleted)
}

func TestValidateSuccessTouchesSession(t *testing.T) {
	now := time.Now()
	userID := uuid.New()
	workspaceID := uuid.New()
	store := &fakeSessionStore{sessions: map[string]*models.Session{
		"tok": {
			Token:        "tok",
			UserID:       userID,
			WorkspaceID:  workspaceID,
			CreatedAt:    now.Add(-time.Hour),
			LastActivity: now.Add(-time.Minute),
		},
	}}
	g := NewSessionGate(store)
	g.now = func() time.Time { return now }

	principal, err := g.ValidateRequest(sessionRequest("tok"))
	require.NoError(t, err)
	assert.Equal(t, userID, principal.UserID)
	assert.Equal(t, workspaceID, principal.WorkspaceID)
	assert.Equal(t, []string{"tok"}, store.touched)
	assert.Empty(t, store.deleted)
}

type fakeAccessStore struct {
	doc   *models.CollabDocument
	roles map[uuid.UUID]string
	err   error
}

func (f *fakeAccessStore) GetCollabDocument(_ context.Context, id uuid.UUID) (*models.CollabDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

func (f *fakeAccessStore) GetWorkspaceRole(_ context.Context, _, userID uuid.UUID) (string, error) {
	return f.roles[userID], nil
}

func TestCanAccessDocument(t *testing.T) {
	workspaceID := uuid.New()
	creatorID := uuid.New()
	adminID := uuid.New()
	memberID := uuid.New()
	docID := uuid.New()

	doc := func(visibility string) *models.CollabDocument {
		return &models.CollabDocument{
			ID:          docID,
			Visibility:  visibility,
			CreatedBy:   creatorID,
			WorkspaceID: workspaceID,
		}
	}
	roles := map[uuid.UUID]string{
		adminID:  models.RoleAdmin,
		memberID: models.RoleMember,
	}
	principal := func(userID uuid.UUID) *models.Principal {
		return &models.Principal{UserID: userID, WorkspaceID: workspaceID}
	}

	cases := []struct {
		name string
		doc  *models.CollabDocument
		p    *models.Principal
		want bool
	}{
		{"missing document", nil, principal(creatorID), false},
		{"workspace visible member", doc(models.VisibilityWorkspace), principal(memberID), true},
		{"private creator", doc(models.VisibilityPrivate), principal(creatorID), true},
		{"private admin", doc(models.VisibilityPrivate), principal(adminID), true},
		{"private member", doc(models.VisibilityPrivate), principal(memberID), false},
		{"private non-member", doc(models.VisibilityPrivate), principal(uuid.New()), false},
		{
			"other workspace",
			doc(models.VisibilityWorkspace),
			&models.Principal{UserID: memberID, WorkspaceID: uuid.New()},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeAccessStore{doc: tc.doc, roles: roles}
			got, err := CanAccessDocument(context.Background(), store, docID, tc.p)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCanAccessDocumentStoreError(t *testing.T) {
	store := &fakeAccessStore{err: errors.New("db down")}
	_, err := CanAccessDocument(context.Background(), store, uuid.New(), &models.Principal{})
	assert.Error(t, err)
}

func TestServiceTokenRoundTrip(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	token, err := GenerateServiceToken("rest-api")
	require.NoError(t, err)

	claims, err := ValidateServiceToken(token)
	require.NoError(t, err)
	assert.Equal(t, "rest-api", claims.Service)
	assert.Equal(t, "teamspace", claims.Issuer)
}

func TestServiceTokenRejectsTampering(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	token, err := GenerateServiceToken("rest-api")
	require.NoError(t, err)

	_, err = ValidateServiceToken(token + "x")
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "different-secret")
	_, err = ValidateServiceToken(token)
	assert.Error(t, err)
}

func TestServiceAuthMiddleware(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(ServiceAuthMiddleware())
	router.POST("/hook", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": c.GetString("service")})
	})

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hook", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/hook", nil)
		r.Header.Set("Authorization", "Basic abc")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		token, err := GenerateServiceToken("rest-api")
		require.NoError(t, err)

		r := httptest.NewRequest(http.MethodPost, "/hook", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "rest-api")
	})
}
