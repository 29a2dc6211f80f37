package gmail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailcache/internal/remote"
)

// loopbackRedirect is the redirect URI registered for installed apps. The
// browser lands on it with the authorization code in the query string.
const loopbackRedirect = "http://127.0.0.1"

// TokenStore persists OAuth tokens between runs.
type TokenStore interface {
	LoadToken(key string) (*oauth2.Token, error)
	SaveToken(key string, tok *oauth2.Token) error
}

// OAuthConfig returns the installed-app OAuth configuration for the
// scopes the sync engine needs.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  loopbackRedirect,
		Scopes:       []string{gmailapi.GmailModifyScope},
	}
}

// TokenSource returns a token source that refreshes through cfg and writes
// every refreshed token back to store under key.
func TokenSource(
	ctx context.Context,
	cfg *oauth2.Config,
	store TokenStore,
	key string,
	logger *slog.Logger,
) (oauth2.TokenSource, error) {
	tok, err := store.LoadToken(key)
	if err != nil {
		return nil, &remote.AuthError{
			Service: serviceName,
			Message: fmt.Sprintf("no stored token (run `mailcache login`): %v", err),
		}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &persistingTokenSource{
		base:   cfg.TokenSource(ctx, tok),
		store:  store,
		key:    key,
		last:   tok.AccessToken,
		logger: logger,
	}, nil
}

type persistingTokenSource struct {
	base   oauth2.TokenSource
	store  TokenStore
	key    string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, &remote.AuthError{Service: serviceName, Message: retrieveErr.Error()}
		}
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := p.store.SaveToken(p.key, tok); err != nil {
			p.logger.Warn("persisting refreshed token failed", "err", err)
		} else {
			p.last = tok.AccessToken
		}
	}
	return tok, nil
}
