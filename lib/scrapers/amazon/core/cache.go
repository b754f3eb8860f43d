package core

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CredentialSource hands out the credentials for an account on demand,
// e.g. from a config file or a secret store.
type CredentialSource interface {
	Credentials(ctx context.Context, account string) (Credentials, error)
}

// ClientCache reuses authenticated clients across accounts so that
// multi-account callers do not redo the login flow on every use.
// Entries expire so a long-idle client re-authenticates instead of
// running on stale cookies.
type ClientCache struct {
	cache       *expirable.LRU[string, *Client]
	credentials CredentialSource
	options     ClientOptions
}

func NewClientCache(credentials CredentialSource, options ClientOptions) *ClientCache {
	return &ClientCache{
		cache:       expirable.NewLRU[string, *Client](2048, nil, time.Minute*15),
		credentials: credentials,
		options:     options,
	}
}

// Get returns a logged-in client for the account, creating and
// authenticating one on cache miss.
func (s *ClientCache) Get(ctx context.Context, account string) (*Client, error) {
	cached, hit := s.cache.Get(account)
	if hit {
		return cached, nil
	}

	creds, err := s.credentials.Credentials(ctx, account)
	if err != nil {
		return nil, err
	}

	options := s.options
	options.Credentials = creds
	client, err := NewClient(ctx, options)
	if err != nil {
		return nil, err
	}
	_, err = client.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	s.cache.Add(account, client)
	return client, nil
}

// Evict drops an account's client, forcing a fresh login on next use.
func (s *ClientCache) Evict(account string) {
	s.cache.Remove(account)
}
