package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiplane/poiplane/internal/config"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret", defaultArgon2Params)
	require.NoError(t, err)

	assert.True(t, VerifyPassword("s3cret", hash))
	assert.False(t, VerifyPassword("wrong", hash))
	assert.False(t, VerifyPassword("s3cret", "argon2id$bad"))
	assert.False(t, VerifyPassword("s3cret", "bcrypt$whatever"))
}

func guardedServer(cfg config.Config) http.Handler {
	s := &Server{Cfg: cfg}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s.AdminGuard()(ok)
}

func TestAdminGuardPlainPassword(t *testing.T) {
	h := guardedServer(config.Config{AdminUsername: "ops", AdminPassword: "s3cret"})

	req := httptest.NewRequest(http.MethodGet, "/admin/api/keys", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req = httptest.NewRequest(http.MethodGet, "/admin/api/keys", nil)
	req.SetBasicAuth("ops", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/api/keys", nil)
	req.SetBasicAuth("ops", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminGuardHashedPasswordWins(t *testing.T) {
	hash, err := HashPassword("fromhash", defaultArgon2Params)
	require.NoError(t, err)
	h := guardedServer(config.Config{
		AdminUsername:     "ops",
		AdminPassword:     "ignored-when-hash-set",
		AdminPasswordHash: hash,
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/api/keys", nil)
	req.SetBasicAuth("ops", "fromhash")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/api/keys", nil)
	req.SetBasicAuth("ops", "ignored-when-hash-set")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
