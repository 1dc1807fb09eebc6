package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/FeiNiaoBF/MailMind/internal/mail"
)

// TokenClient fetches provider OAuth tokens from the BetterAuth server.
// BetterAuth owns storage and refresh; tokens are cached here until they
// expire
type TokenClient struct {
	baseURL    string
	serviceKey string
	client     *http.Client

	mu    sync.Mutex
	cache map[string]*oauth2.Token
}

// NewTokenClient creates client to fetch tokens from BetterAuth
func NewTokenClient(authServerURL, serviceKey string) *TokenClient {
	return &TokenClient{
		baseURL:    strings.TrimRight(authServerURL, "/"),
		serviceKey: serviceKey,
		client:     &http.Client{Timeout: 10 * time.Second},
		cache:      make(map[string]*oauth2.Token),
	}
}

// Token returns a valid access token for the account's mailbox
func (c *TokenClient) Token(ctx context.Context, acct mail.Account) (*oauth2.Token, error) {
	c.mu.Lock()
	if tok, ok := c.cache[acct.ID]; ok && tok.Valid() {
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	tok, err := c.fetch(ctx, acct)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[acct.ID] = tok
	c.mu.Unlock()
	return tok, nil
}

// Forget drops a cached token, e.g. after the provider rejected it
func (c *TokenClient) Forget(accountID string) {
	c.mu.Lock()
	delete(c.cache, accountID)
	c.mu.Unlock()
}

func (c *TokenClient) fetch(ctx context.Context, acct mail.Account) (*oauth2.Token, error) {
	const op = "fetch provider token"

	u := fmt.Sprintf("%s/api/auth/accounts/%s/token?accountId=%s",
		c.baseURL, url.PathEscape(string(acct.Provider)), url.QueryEscape(acct.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, mail.Fatal(op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, mail.Fatal(op, ctx.Err())
		}
		return nil, mail.Transient(op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, mail.Fatal(op, fmt.Errorf("no %s account connected for %s", acct.Provider, acct.ID))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, mail.Fatal(op, fmt.Errorf("auth server rejected service key: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, mail.Transient(op, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body)))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, mail.Fatal(op, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body)))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, mail.Fatal(op, fmt.Errorf("decode response: %w", err))
	}
	if result.AccessToken == "" {
		return nil, mail.Fatal(op, errors.New("auth server returned an empty access token"))
	}

	tok := &oauth2.Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}
