package tokens

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"tablebridge/engine/internal/engine"
)

// Static serves fixed tokens per provider, for single-tenant deployments
// where credentials come from the environment. The user id is ignored.
type Static struct {
	byProvider map[string]string
}

var _ engine.TokenProvider = (*Static)(nil)

// NewStatic builds a provider from a provider-name to token map.
func NewStatic(byProvider map[string]string) *Static {
	return &Static{byProvider: byProvider}
}

func (s *Static) ForUser(_ context.Context, _ string, provider string) (string, error) {
	token, ok := s.byProvider[provider]
	if !ok || token == "" {
		return "", fmt.Errorf("no token configured for provider %s", provider)
	}
	return token, nil
}

// OAuth serves tokens from registered oauth2 token sources, one per user
// and provider. Sources refresh themselves; callers always get a live
// access token.
type OAuth struct {
	mu      sync.RWMutex
	sources map[string]oauth2.TokenSource
}

var _ engine.TokenProvider = (*OAuth)(nil)

// NewOAuth builds an empty registry.
func NewOAuth() *OAuth {
	return &OAuth{sources: make(map[string]oauth2.TokenSource)}
}

func sourceKey(userID, provider string) string {
	return userID + "/" + provider
}

// Register installs a token source for one user and provider. A reuse
// wrapper keeps refreshes to one per expiry.
func (o *OAuth) Register(userID, provider string, ts oauth2.TokenSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[sourceKey(userID, provider)] = oauth2.ReuseTokenSource(nil, ts)
}

func (o *OAuth) ForUser(_ context.Context, userID, provider string) (string, error) {
	o.mu.RLock()
	ts, ok := o.sources[sourceKey(userID, provider)]
	o.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no %s credentials for user %s", provider, userID)
	}
	token, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("refreshing %s token for user %s: %w", provider, userID, err)
	}
	return token.AccessToken, nil
}
