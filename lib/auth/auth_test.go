package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTokenGeneratesAndPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "browserforce")

	tok, err := EnsureToken(dir)
	require.NoError(t, err)
	require.Len(t, string(tok), 64)

	info, err := os.Stat(filepath.Join(dir, TokenFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := EnsureToken(dir)
	require.NoError(t, err)
	assert.Equal(t, tok, again, "second load must return the persisted token")
}

func TestEnsureTokenReplacesMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TokenFileName), []byte("not-a-token\n"), 0o600))

	tok, err := EnsureToken(dir)
	require.NoError(t, err)
	require.Len(t, string(tok), 64)
	assert.NotEqual(t, "not-a-token", string(tok))
}

func TestTokenMatches(t *testing.T) {
	tok := Token("aa11")
	assert.True(t, tok.Matches("aa11"))
	assert.False(t, tok.Matches("aa12"))
	assert.False(t, tok.Matches(""))
}

func TestPublishReadRemoveURL(t *testing.T) {
	dir := t.TempDir()
	url := ConnectURL("127.0.0.1", 19222, Token("deadbeef"))
	assert.Equal(t, "ws://127.0.0.1:19222/cdp?token=deadbeef", url)

	require.NoError(t, PublishURL(dir, url))

	got, err := ReadURL(dir)
	require.NoError(t, err)
	assert.Equal(t, url, got)

	info, err := os.Stat(filepath.Join(dir, URLFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// No stray temp files once the rename lands.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, RemoveURL(dir))
	_, err = ReadURL(dir)
	require.Error(t, err)

	// Removing twice is fine.
	require.NoError(t, RemoveURL(dir))
}

func TestPublishURLOverwritesPrevious(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, PublishURL(dir, "ws://127.0.0.1:1/cdp?token=a"))
	require.NoError(t, PublishURL(dir, "ws://127.0.0.1:2/cdp?token=b"))

	got, err := ReadURL(dir)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:2/cdp?token=b", got)
}

func TestRequireMiddleware(t *testing.T) {
	tok := Token("s3cret")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := Require(tok)(next)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Bearer nope", "", http.StatusUnauthorized},
		{"valid bearer", "Bearer s3cret", "", http.StatusNoContent},
		{"valid query", "", "s3cret", http.StatusNoContent},
		{"header beats query", "Bearer nope", "s3cret", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			target := "/extension/reload"
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodPost, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
