package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/core/internal/domain"
)

func thread() domain.Thread {
	return domain.Thread{
		Root:    domain.ThreadMessage{ID: "m1", Author: "alice", Content: "the button is broken on mobile"},
		Replies: []domain.ThreadMessage{{ID: "m2", Author: "bob", Content: "confirmed, repros on iOS"}},
	}
}

func TestGenerateSummaryParsesValidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"summary\":\"mobile button bug\",\"keyPoints\":[\"broken on mobile\"]}"}}]}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	result, err := client.GenerateSummary(context.Background(), thread(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "mobile button bug", result.Summary)
	assert.Equal(t, []string{"broken on mobile"}, result.KeyPoints)
	assert.False(t, result.Cached)
}

func TestGenerateSummaryFallsBackOnMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"not json at all"}}]}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	result, err := client.GenerateSummary(context.Background(), thread(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "not json at all", result.Summary)
}

func TestGenerateSummaryCachesByOrderedMessageIDs(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"summary\":\"s\"}"}}]}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	first, err := client.GenerateSummary(context.Background(), thread(), "", "")
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := client.GenerateSummary(context.Background(), thread(), "", "")
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGenerateSummaryDegradesOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL), func(c *Client) { c.retry.MaxAttempts = 1 })
	_, err := client.GenerateSummary(context.Background(), thread(), "", "")
	require.Error(t, err)
}

func TestGenerateSummarySendsBearerTokenWhenAPIKeySet(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"choices":[{"message":{"content":"not json"}}]}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL), WithAPIKey("secret-key"))
	_, err := client.GenerateSummary(context.Background(), thread(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestDetectTasksParsesMultiTaskResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"isMultiTask\":true,\"tasks\":[{\"id\":\"t1\",\"title\":\"fix header\",\"description\":\"d1\",\"priority\":\"high\"},{\"title\":\"fix footer\",\"description\":\"d2\",\"priority\":\"bogus\"}],\"overallContext\":\"layout bugs\"}"}}]}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	result, err := client.DetectTasks(context.Background(), "fix the header and update the footer", "", "", "")
	require.NoError(t, err)
	assert.True(t, result.IsMultiTask)
	require.Len(t, result.Tasks, 2)
	assert.Equal(t, "t1", result.Tasks[0].ID)
	assert.Equal(t, "high", result.Tasks[0].Priority)
	assert.NotEmpty(t, result.Tasks[1].ID)
	assert.Equal(t, "medium", result.Tasks[1].Priority, "invalid priority coerces to medium")
	assert.Equal(t, "layout bugs", result.OverallContext)
}

func TestDetectTasksTruncatesLongTitles(t *testing.T) {
	longTitle := strings.Repeat("x", 80)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"choices":[{"message":{"content":"{\"tasks\":[{\"title\":\"%s\",\"description\":\"d\"}]}"}}]}`, longTitle)
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	result, err := client.DetectTasks(context.Background(), "comment", "", "", "")
	require.NoError(t, err)
	require.Len(t, result.Tasks, 1)
	assert.Len(t, []rune(result.Tasks[0].Title), 50)
}

func TestDetectTasksSynthesisesSingleTaskWhenModelReturnsZeroTasks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"isMultiTask\":false,\"tasks\":[],\"overallContext\":\"nothing actionable\"}"}}]}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	result, err := client.DetectTasks(context.Background(), "just a heads up, no action needed", "", "", "")
	require.NoError(t, err)
	assert.False(t, result.IsMultiTask)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "just a heads up, no action needed", result.Tasks[0].Description)
}

func TestDetectTasksFallsBackToSingleTaskOnMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"not json at all"}}]}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	result, err := client.DetectTasks(context.Background(), "fix the thing", "", "", "")
	require.NoError(t, err)
	assert.False(t, result.IsMultiTask)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "fix the thing", result.Tasks[0].Description)
	assert.Equal(t, "medium", result.Tasks[0].Priority)
	assert.NotEmpty(t, result.Tasks[0].ID)
}

func TestDetectTasksCachesByCommentTextHash(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"tasks\":[{\"title\":\"t\",\"description\":\"d\"}]}"}}]}`))
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	_, err := client.DetectTasks(context.Background(), "same comment", "thread A", "", "")
	require.NoError(t, err)
	_, err = client.DetectTasks(context.Background(), "same comment", "thread B", "", "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
