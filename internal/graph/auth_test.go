package graph

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/odmirror/odmirror/internal/tokenfile"
)

func authLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCloudFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		wantBase string
	}{
		{name: "worldwide", endpoint: "", wantBase: DefaultBaseURL},
		{name: "us government", endpoint: "USL4", wantBase: "https://graph.microsoft.us/v1.0"},
		{name: "us dod", endpoint: "USL5", wantBase: "https://dod-graph.microsoft.us/v1.0"},
		{name: "germany", endpoint: "DE", wantBase: "https://graph.microsoft.de/v1.0"},
		{name: "china", endpoint: "CN", wantBase: "https://microsoftgraph.chinacloudapi.cn/v1.0"},
		{name: "unknown falls back", endpoint: "XX", wantBase: DefaultBaseURL},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.wantBase, CloudFor(tt.endpoint).BaseURL)
		})
	}
}

func TestNationalCloudsUseOwnAuthHosts(t *testing.T) {
	t.Parallel()

	for _, endpoint := range []string{"USL4", "USL5", "DE", "CN"} {
		cloud := CloudFor(endpoint)
		assert.NotEmpty(t, cloud.AuthURL, endpoint)
		assert.NotEmpty(t, cloud.TokenURL, endpoint)
	}

	// The worldwide cloud relies on the library's standard endpoint.
	assert.Empty(t, CloudFor("").AuthURL)
}

func TestTokenSourceFromPathMissingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")

	_, err := TokenSourceFromPath(context.Background(), path, "", authLogger())
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestTokenSourceFromPathReturnsSavedToken(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	saved := &oauth2.Token{
		AccessToken: "saved-access-token",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}
	require.NoError(t, tokenfile.Save(path, saved, nil))

	ts, err := TokenSourceFromPath(context.Background(), path, "", authLogger())
	require.NoError(t, err)

	// A valid token is served from disk without a refresh round trip.
	got, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "saved-access-token", got)
}

func TestLogoutRemovesTokenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, tokenfile.Save(path, &oauth2.Token{AccessToken: "x"}, nil))

	require.NoError(t, Logout(path, authLogger()))

	tok, _, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestLogoutMissingFileIsNotAnError(t *testing.T) {
	t.Parallel()

	require.NoError(t, Logout(filepath.Join(t.TempDir(), "token.json"), authLogger()))
}
