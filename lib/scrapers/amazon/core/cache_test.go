package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticCredentials map[string]Credentials

func (s staticCredentials) Credentials(ctx context.Context, account string) (Credentials, error) {
	creds, ok := s[account]
	if !ok {
		return Credentials{}, fmt.Errorf("no credentials for account %q", account)
	}
	return creds, nil
}

func TestClientCacheReusesLogin(t *testing.T) {
	s, server := newSite(t)

	cache := NewClientCache(staticCredentials{
		"bob": {Username: testEmail, Password: testPassword},
	}, ClientOptions{BaseUrl: server.URL})

	first, err := cache.Get(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	second, err := cache.Get(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	require.Same(t, first, second)
	require.Equal(t, 1, s.logins)

	cache.Evict("bob")
	_, err = cache.Get(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 2, s.logins)
}

func TestClientCacheUnknownAccount(t *testing.T) {
	_, server := newSite(t)

	cache := NewClientCache(staticCredentials{}, ClientOptions{BaseUrl: server.URL})
	_, err := cache.Get(context.Background(), "nobody")
	require.Error(t, err)
}
