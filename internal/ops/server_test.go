package ops

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpgateway/gateway/internal/acp"
	"github.com/acpgateway/gateway/internal/pool"
)

func spawnCat(ctx context.Context, userID, topicID int64) (*acp.Client, error) {
	return acp.NewClient("cat", nil, "", nil, nil)
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(1, time.Hour, spawnCat, nil)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(p.Shutdown)
	return p
}

func TestStatusEndpointUnauthenticatedWithoutSecret(t *testing.T) {
	p := newTestPool(t)
	s := New(p, ":0", "", nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.server.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpointRejectsMissingTokenWhenSecretSet(t *testing.T) {
	p := newTestPool(t)
	s := New(p, ":0", "sekret", nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.server.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusEndpointAcceptsValidToken(t *testing.T) {
	p := newTestPool(t)
	secret := "sekret"
	s := New(p, ":0", secret, nil)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	s.server.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
