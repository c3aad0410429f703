package designapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchCommentThreadParsesComments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"comments":[{"id":"c1","author":{"handle":"pat"},"message":"hi"}]}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	comments, err := client.FetchCommentThread(context.Background(), "tok", "file1", "c1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "pat", comments[0].Author)
}

func TestResolveSlugTenantFallsBackToSlug(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	tenant, err := client.ResolveSlugTenant(context.Background(), "tok", "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant)
}

func TestVerifyTokenFailsOnErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL), func(c *Client) { c.retry.MaxAttempts = 1 })
	err := client.VerifyToken(context.Background(), "bad-token")
	assert.Error(t, err)
}
