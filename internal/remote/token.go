package remote

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/oauth2"
)

const tokenCacheSize = 64

// TokenCache shares reusable token sources across templates, keyed by a
// fingerprint of the credentials they were built from
type TokenCache struct {
	mu      sync.Mutex
	skew    time.Duration
	sources *simplelru.LRU[string, oauth2.TokenSource]
}

// NewTokenCache refreshes tokens expiring within skew
func NewTokenCache(skew time.Duration) *TokenCache {
	sources, err := simplelru.NewLRU[string, oauth2.TokenSource](tokenCacheSize, nil)
	if err != nil {
		// only fails for a non-positive size
		panic(err)
	}
	return &TokenCache{skew: skew, sources: sources}
}

// Token returns a valid token for key, building the source on first use
func (c *TokenCache) Token(key string, newSource func() oauth2.TokenSource) (*oauth2.Token, error) {
	c.mu.Lock()
	src, ok := c.sources.Get(key)
	if !ok {
		src = oauth2.ReuseTokenSourceWithExpiry(nil, newSource(), c.skew)
		c.sources.Add(key, src)
	}
	c.mu.Unlock()

	return src.Token()
}

// Invalidate forces the next Token call for key to fetch a fresh token
func (c *TokenCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources.Remove(key)
}

// SecretFunc yields decrypted credentials for the duration of one grant
type SecretFunc func() (clientSecret, password string, err error)

// PasswordGrant is an OAuth2 resource-owner password token source.
// Secrets are decrypted per grant and not retained.
func PasswordGrant(tokenURL, clientID, username string, scopes []string, secrets SecretFunc, client *http.Client, timeout time.Duration) oauth2.TokenSource {
	return &passwordSource{
		tokenURL: tokenURL,
		clientID: clientID,
		username: username,
		scopes:   scopes,
		secrets:  secrets,
		client:   client,
		timeout:  timeout,
	}
}

type passwordSource struct {
	tokenURL string
	clientID string
	username string
	scopes   []string
	secrets  SecretFunc
	client   *http.Client
	timeout  time.Duration
}

func (s *passwordSource) Token() (*oauth2.Token, error) {
	clientSecret, password, err := s.secrets()
	if err != nil {
		return nil, err
	}

	cfg := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.tokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		Scopes:       s.scopes,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if s.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	}
	return cfg.PasswordCredentialsToken(ctx, s.username, password)
}
