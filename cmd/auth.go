package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"

	"melonsync/internal/shared"
)

const (
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
)

// oauthResult carries the outcome of the callback exchange.
type oauthResult struct {
	token *oauth2.Token
	err   error
}

// oauthConfig builds the OAuth2 configuration from Spotify credentials.
func oauthConfig(creds shared.SpotifyConfig) *oauth2.Config {
	redirectURI := creds.RedirectURI
	if redirectURI == "" {
		redirectURI = "http://localhost:8080/callback"
	}

	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes: []string{
			"user-read-private",
			"playlist-read-private",
			"playlist-modify-public",
			"playlist-modify-private",
		},
		Endpoint: oauth2.Endpoint{
			AuthURL:  spotifyAuthURL,
			TokenURL: spotifyTokenURL,
		},
	}
}

// Auth performs the OAuth2 authorization flow for Spotify.
//
// Starts a local HTTP server on the redirect URI's address, opens the browser
// for user authorization, and exchanges the auth code for tokens.
func (r *Runner) Auth(ctx context.Context, cmd *cli.Command) error {
	r.loadConfig(cmd)

	creds := r.config.Credentials.Spotify
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return fmt.Errorf("%w: Spotify client_id and client_secret must be set in config.toml", shared.ErrMissingCredentials)
	}

	config := oauthConfig(creds)

	state, err := shared.GenerateState()
	if err != nil {
		return fmt.Errorf("failed to generate state token: %w", err)
	}

	redirect, err := url.Parse(config.RedirectURL)
	if err != nil {
		return fmt.Errorf("%w: invalid redirect_uri: %v", shared.ErrInvalidConfig, err)
	}

	results := make(chan oauthResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, req *http.Request) {
		query := req.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			results <- oauthResult{err: fmt.Errorf("%w: state mismatch", shared.ErrAuthFailed)}
			return
		}
		if errCode := query.Get("error"); errCode != "" {
			http.Error(w, "authorization denied", http.StatusForbidden)
			results <- oauthResult{err: fmt.Errorf("%w: %s", shared.ErrAuthFailed, errCode)}
			return
		}

		token, err := config.Exchange(req.Context(), query.Get("code"))
		if err != nil {
			http.Error(w, "token exchange failed", http.StatusBadGateway)
			results <- oauthResult{err: fmt.Errorf("failed to exchange auth code: %w", err)}
			return
		}

		fmt.Fprintln(w, "Authorization successful. You can close this tab.")
		results <- oauthResult{token: token}
	})

	httpServer := &http.Server{Addr: redirect.Host, Handler: mux}
	serverErrors := make(chan error, 1)
	go func() {
		r.logger.Info("starting OAuth callback server", "addr", redirect.Host)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	time.Sleep(100 * time.Millisecond)

	authURL := config.AuthCodeURL(state, oauth2.AccessTypeOffline)
	if err := shared.OpenBrowser(authURL); err != nil {
		r.logger.Warn("failed to open browser automatically", "error", err)
		fmt.Fprintf(r.output, "Open this URL in your browser:\n%s\n\n", authURL)
	}

	timeout := time.NewTimer(2 * time.Minute)
	defer timeout.Stop()

	var result oauthResult
	select {
	case result = <-results:
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-timeout.C:
		return fmt.Errorf("%w: authorization timed out after 2 minutes", shared.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("error shutting down server", "error", err)
	}

	if result.err != nil {
		return result.err
	}

	fmt.Fprintln(r.output, "Authorization successful.")
	fmt.Fprintf(r.output, "export SPOTIFY_ACCESS_TOKEN=%s\n", result.token.AccessToken)
	if result.token.RefreshToken != "" {
		fmt.Fprintf(r.output, "# refresh token: %s\n", result.token.RefreshToken)
	}

	return nil
}
