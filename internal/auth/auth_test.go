package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alexjbarnes/chatsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testKey = "cs_0123456789abcdef"

func testVerifier(t *testing.T) *KeyVerifier {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)

	v, err := NewKeyVerifier(string(hash))
	require.NoError(t, err)

	return v
}

// --- keys ---

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)

	b, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, APIKeyPrefix))
	assert.Len(t, a, len(APIKeyPrefix)+2*apiKeyBytes)
	assert.NotEqual(t, a, b)
}

func TestHashAPIKey(t *testing.T) {
	hash, err := HashAPIKey("  " + testKey + "\n")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(testKey)))

	_, err = HashAPIKey("   ")
	assert.Error(t, err)
}

func TestNewKeyVerifier_RejectsNonBcrypt(t *testing.T) {
	_, err := NewKeyVerifier("plaintext")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	v := testVerifier(t)

	assert.False(t, v.Verify(""))
	assert.False(t, v.Verify("cs_wrong"))
	assert.True(t, v.Verify(testKey))

	// Second check takes the cached path and must still reject others.
	assert.True(t, v.Verify(testKey))
	assert.False(t, v.Verify("cs_wrong"))
}

// --- Middleware ---

func TestMiddleware_ValidBearer(t *testing.T) {
	mw := Middleware(testVerifier(t), logging.Discard())

	var keyID, ip string

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID = RequestKeyID(r.Context())
		ip = RequestRemoteIP(r.Context())
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Len(t, keyID, 8)
	assert.Equal(t, "192.0.2.1", ip)
}

func TestMiddleware_HeaderKey(t *testing.T) {
	mw := Middleware(testVerifier(t), logging.Discard())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddleware_MissingKey(t *testing.T) {
	mw := Middleware(testVerifier(t), logging.Discard())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
}

func TestMiddleware_InvalidKey(t *testing.T) {
	mw := Middleware(testVerifier(t), logging.Discard())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer cs_nope")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}
