package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// SpotifyScopes are requested on every authorization.
var SpotifyScopes = []string{
	"user-read-private",
	"user-read-email",
	"user-top-read",
	"playlist-modify-public",
	"playlist-modify-private",
}

const (
	// SpotifyAuthURL is the Spotify authorization endpoint.
	SpotifyAuthURL = "https://accounts.spotify.com/authorize"
	// SpotifyTokenURL is the Spotify token endpoint.
	SpotifyTokenURL = "https://accounts.spotify.com/api/token"
	// SpotifyAPIBaseURL is the Spotify Web API root.
	SpotifyAPIBaseURL = "https://api.spotify.com/v1"

	identityResponseLimit = 1 << 20
)

// Identity is the typed provider profile of the authenticated account.
type Identity struct {
	ProviderID   string
	DisplayName  string
	Email        string
	ProfileImage string
}

// TokenSet is the outcome of a code exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IdentityProvider performs the OAuth exchange with the music provider.
type IdentityProvider interface {
	AuthorizationURL(state string) string
	Exchange(ctx context.Context, code string) (TokenSet, error)
	FetchIdentity(ctx context.Context, accessToken string) (Identity, error)
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// ProviderConfig configures SpotifyProvider. Empty endpoints fall back to Spotify's.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	Scopes       []string
	HTTPClient   *http.Client
}

// SpotifyProvider implements IdentityProvider against the Spotify accounts service.
type SpotifyProvider struct {
	oauthConfig *oauth2.Config
	apiBaseURL  string
	httpClient  *http.Client
}

// NewSpotifyProvider validates credentials and builds the OAuth client configuration.
func NewSpotifyProvider(configuration ProviderConfig) (*SpotifyProvider, error) {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, errors.New("provider.missing_client_id")
	}
	if strings.TrimSpace(configuration.ClientSecret) == "" {
		return nil, errors.New("provider.missing_client_secret")
	}
	if strings.TrimSpace(configuration.RedirectURL) == "" {
		return nil, errors.New("provider.missing_redirect_url")
	}
	authURL := firstNonEmpty(configuration.AuthURL, SpotifyAuthURL)
	tokenURL := firstNonEmpty(configuration.TokenURL, SpotifyTokenURL)
	apiBaseURL := strings.TrimRight(firstNonEmpty(configuration.APIBaseURL, SpotifyAPIBaseURL), "/")
	scopes := configuration.Scopes
	if len(scopes) == 0 {
		scopes = SpotifyScopes
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SpotifyProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
	}, nil
}

// AuthorizationURL builds the consent URL carrying state.
func (provider *SpotifyProvider) AuthorizationURL(state string) string {
	return provider.oauthConfig.AuthCodeURL(state, oauth2.SetAuthURLParam("show_dialog", "true"))
}

// Exchange trades an authorization code for tokens. Codes are single-use, so failures are not retried.
func (provider *SpotifyProvider) Exchange(ctx context.Context, code string) (TokenSet, error) {
	if strings.TrimSpace(code) == "" {
		return TokenSet{}, ErrMissingCode
	}
	token, err := provider.oauthConfig.Exchange(provider.clientContext(ctx), code)
	if err != nil {
		return TokenSet{}, fmt.Errorf("provider.exchange: %w", translateOAuthError(err))
	}
	return tokenSetFrom(token), nil
}

// Refresh obtains a new access token. The previous refresh token is kept unless the provider rotates it.
func (provider *SpotifyProvider) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenSet{}, ErrMissingRefreshToken
	}
	tokenSource := provider.oauthConfig.TokenSource(provider.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := tokenSource.Token()
	if err != nil {
		return TokenSet{}, fmt.Errorf("provider.refresh: %w", translateOAuthError(err))
	}
	return tokenSetFrom(token), nil
}

type spotifyProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Images      []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// FetchIdentity loads /me with the access token and maps it to a typed Identity.
func (provider *SpotifyProvider) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.apiBaseURL+"/me", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("provider.identity: %w", err)
	}
	client := oauth2.NewClient(provider.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	response, err := client.Do(request)
	if err != nil {
		return Identity{}, fmt.Errorf("provider.identity: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, identityResponseLimit))
	if readErr != nil {
		return Identity{}, fmt.Errorf("provider.identity: %w", readErr)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return Identity{}, fmt.Errorf("provider.identity: %w", &ProviderError{
			StatusCode: response.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		})
	}
	var profile spotifyProfile
	if decodeErr := json.Unmarshal(body, &profile); decodeErr != nil {
		return Identity{}, fmt.Errorf("provider.identity: %w: %v", ErrInvalidIdentity, decodeErr)
	}
	if strings.TrimSpace(profile.ID) == "" {
		return Identity{}, fmt.Errorf("provider.identity: %w: missing id", ErrInvalidIdentity)
	}
	identity := Identity{
		ProviderID:  profile.ID,
		DisplayName: profile.DisplayName,
		Email:       profile.Email,
	}
	if len(profile.Images) > 0 {
		identity.ProfileImage = profile.Images[0].URL
	}
	return identity, nil
}

func (provider *SpotifyProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, provider.httpClient)
}

func tokenSetFrom(token *oauth2.Token) TokenSet {
	return TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}
}

func translateOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return err
	}
	message := retrieveErr.ErrorDescription
	if message == "" {
		message = strings.TrimSpace(string(retrieveErr.Body))
	}
	return &ProviderError{
		StatusCode: retrieveErr.Response.StatusCode,
		Code:       retrieveErr.ErrorCode,
		Message:    message,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
