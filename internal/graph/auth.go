package graph

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/odmirror/odmirror/internal/tokenfile"
)

// Azure AD application registered for odmirror (public client,
// multi-tenant + personal accounts).
const defaultClientID = "6f7e2b4d-8a31-4c0e-9f52-3d9b1c64ae07"

var defaultScopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// ErrNotLoggedIn is returned when no saved token exists.
var ErrNotLoggedIn = errors.New("graph: not logged in")

// Cloud describes one Azure deployment: where to authenticate and
// where the Graph API lives. National clouds run their own hosts.
type Cloud struct {
	AuthURL  string
	TokenURL string
	BaseURL  string
}

// clouds maps the azure_ad_endpoint config value to its deployment.
// The empty key is the worldwide cloud.
var clouds = map[string]Cloud{
	"": {
		BaseURL: DefaultBaseURL,
	},
	"USL4": {
		AuthURL:  "https://login.microsoftonline.us/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.us/common/oauth2/v2.0/token",
		BaseURL:  "https://graph.microsoft.us/v1.0",
	},
	"USL5": {
		AuthURL:  "https://login.microsoftonline.us/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.us/common/oauth2/v2.0/token",
		BaseURL:  "https://dod-graph.microsoft.us/v1.0",
	},
	"DE": {
		AuthURL:  "https://login.microsoftonline.de/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.microsoftonline.de/common/oauth2/v2.0/token",
		BaseURL:  "https://graph.microsoft.de/v1.0",
	},
	"CN": {
		AuthURL:  "https://login.chinacloudapi.cn/common/oauth2/v2.0/authorize",
		TokenURL: "https://login.chinacloudapi.cn/common/oauth2/v2.0/token",
		BaseURL:  "https://microsoftgraph.chinacloudapi.cn/v1.0",
	},
}

// CloudFor resolves the deployment for an azure_ad_endpoint value,
// falling back to the worldwide cloud for unknown names.
func CloudFor(endpoint string) Cloud {
	if cloud, ok := clouds[endpoint]; ok {
		return cloud
	}

	return clouds[""]
}

// DeviceAuth holds the device code response fields the CLI displays.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

// Login performs the device code OAuth2 flow: request a code, hand it
// to display for the user, poll until authorized, and persist the
// token at tokenPath. The returned TokenSource refreshes silently and
// re-persists on every refresh; ctx must outlive it.
func Login(ctx context.Context, tokenPath, endpoint string,
	display func(DeviceAuth), logger *slog.Logger) (TokenSource, error) {
	cfg := oauthConfig(endpoint)

	return doLogin(ctx, tokenPath, cfg, display, logger)
}

// doLogin implements the device code flow against a pre-built config
// so tests can inject a mock endpoint.
func doLogin(ctx context.Context, tokenPath string, cfg *oauth2.Config,
	display func(DeviceAuth), logger *slog.Logger) (TokenSource, error) {
	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: device auth request failed: %w", err)
	}

	logger.Info("device code received, waiting for user authorization")

	display(DeviceAuth{
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
	})

	tok, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("graph: device code authorization failed: %w", err)
	}

	if err := tokenfile.Save(tokenPath, tok, nil); err != nil {
		return nil, fmt.Errorf("graph: saving token: %w", err)
	}

	logger.Info("login successful",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	return newPersistingSource(ctx, cfg, tok, tokenPath, nil, logger), nil
}

// TokenSourceFromPath loads a saved token and returns a TokenSource
// with silent refresh and re-persistence. Returns ErrNotLoggedIn when
// no token file exists.
func TokenSourceFromPath(ctx context.Context, tokenPath, endpoint string, logger *slog.Logger) (TokenSource, error) {
	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	expired := !tok.Expiry.IsZero() && tok.Expiry.Before(time.Now())
	logger.Debug("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
		slog.Bool("expired", expired),
	)

	return newPersistingSource(ctx, oauthConfig(endpoint), tok, tokenPath, meta, logger), nil
}

// Logout removes the saved token file. Removing an absent file is not
// an error; the user is already logged out.
func Logout(tokenPath string, logger *slog.Logger) error {
	err := os.Remove(tokenPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return err
	}

	logger.Info("removed token file", slog.String("path", tokenPath))

	return nil
}

func oauthConfig(endpoint string) *oauth2.Config {
	cloud := CloudFor(endpoint)

	ep := microsoft.AzureADEndpoint("common")
	if cloud.AuthURL != "" {
		ep = oauth2.Endpoint{AuthURL: cloud.AuthURL, TokenURL: cloud.TokenURL}
	}

	return &oauth2.Config{
		ClientID: defaultClientID,
		Scopes:   defaultScopes,
		Endpoint: ep,
	}
}

// persistingSource adapts oauth2.TokenSource to TokenSource, writing
// the token file back whenever the library refreshes it so the next
// process start does not need a fresh refresh-token exchange.
type persistingSource struct {
	src       oauth2.TokenSource
	tokenPath string
	meta      map[string]string
	logger    *slog.Logger

	mu   sync.Mutex
	last string // last persisted access token
}

func newPersistingSource(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token,
	tokenPath string, meta map[string]string, logger *slog.Logger) *persistingSource {
	return &persistingSource{
		src:       cfg.TokenSource(ctx, tok),
		tokenPath: tokenPath,
		meta:      meta,
		logger:    logger,
		last:      tok.AccessToken,
	}
}

func (p *persistingSource) Token() (string, error) {
	t, err := p.src.Token()
	if err != nil {
		return "", fmt.Errorf("graph: obtaining token: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if t.AccessToken != p.last {
		p.logger.Debug("token refreshed", slog.Time("expiry", t.Expiry))

		if err := tokenfile.Save(p.tokenPath, t, p.meta); err != nil {
			p.logger.Warn("failed to persist refreshed token",
				slog.String("path", p.tokenPath),
				slog.String("error", err.Error()),
			)
		} else {
			p.last = t.AccessToken
		}
	}

	return t.AccessToken, nil
}
