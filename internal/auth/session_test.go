package auth

import (
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)

	player := uuid.New()
	token, err := iss.CreateJWT(player)
	require.NoError(t, err)

	got, err := iss.AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, player, got)
}

func TestExpiredTokenRejected(t *testing.T) {
	iss, err := NewIssuer(time.Hour)
	require.NoError(t, err)
	token, err := iss.CreateJWT(uuid.New())
	require.NoError(t, err)

	iss.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = iss.AuthenticateJWT(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestForeignKeyRejected(t *testing.T) {
	a, err := NewIssuer(0)
	require.NoError(t, err)
	b, err := NewIssuer(0)
	require.NoError(t, err)

	token, err := a.CreateJWT(uuid.New())
	require.NoError(t, err)
	_, err = b.AuthenticateJWT(token)
	assert.Error(t, err)
}

func TestNonPlayerSubjectRejected(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{"sub": "admin"}).SignedString(iss.privateKey)
	require.NoError(t, err)

	_, err = iss.AuthenticateJWT(token)
	assert.Error(t, err)
}

func TestAuthenticateRequest(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)
	player := uuid.New()
	token, err := iss.CreateJWT(player)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err = iss.Authenticate(r)
	assert.ErrorIs(t, err, ErrNoToken)

	r.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	got, err := iss.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, player, got)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	got, err = iss.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, player, got)

	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	_, err = iss.Authenticate(r)
	assert.Error(t, err)
}

func TestIssuerFromPath(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	dir := t.TempDir()
	privPath := filepath.Join(dir, "key")
	pubPath := filepath.Join(dir, "key.pub")
	require.NoError(t, os.WriteFile(privPath, priv, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pub, 0o600))

	iss, err := NewIssuerFromPath(privPath, pubPath, 0)
	require.NoError(t, err)
	token, err := iss.CreateJWT(uuid.New())
	require.NoError(t, err)
	_, err = iss.AuthenticateJWT(token)
	assert.NoError(t, err)

	_, err = NewIssuerFromPath(filepath.Join(dir, "missing"), pubPath, 0)
	assert.Error(t, err)
}
