package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"

	"github.com/nhle/mailcache/internal/credential"
	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote/gmail"
)

func runLogin(args []string) error {
	fset, configPath := commonFlags("login")
	_ = fset.Parse(args)

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Remote.ClientID == "" {
		return errors.New("remote.client_id is not configured")
	}

	creds, err := credential.Open()
	if err != nil {
		return err
	}

	oauthCfg := gmail.OAuthConfig(cfg.Remote.ClientID, cfg.Remote.ClientSecret)
	state, err := randomState()
	if err != nil {
		return err
	}
	verifier := oauth2.GenerateVerifier()
	authURL := oauthCfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	fmt.Printf("Open this URL in a browser and approve access:\n\n  %s\n\n", authURL)
	fmt.Print("Paste the URL you were redirected to (or just the code): ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading authorization code: %w", err)
	}
	code, err := extractCode(strings.TrimSpace(line), state)
	if err != nil {
		return err
	}

	tok, err := oauthCfg.Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	if err := creds.SaveToken(cfg.Remote.CredentialKey, tok); err != nil {
		return err
	}

	fmt.Println("Token stored in the system keyring.")
	return nil
}

// extractCode accepts either a bare code or the full redirect URL.
func extractCode(input, state string) (string, error) {
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URL: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization denied: %s", e)
	}
	if got := q.Get("state"); got != state {
		return "", errors.New("state mismatch in redirect URL")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect URL carries no code")
	}
	return code, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
