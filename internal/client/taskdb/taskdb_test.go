package taskdb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbridge/core/internal/domain"
)

func TestBuildPropertiesOmitsUnmappedFields(t *testing.T) {
	mapping := domain.FieldMapping{Title: "Name"}
	props := BuildProperties(mapping, TaskProperties{Title: "Fix the thing"})
	assert.Equal(t, map[string]any{"Name": "Fix the thing"}, props)
}

func TestBuildPropertiesMapsPriorityAssigneeDueAndTags(t *testing.T) {
	mapping := domain.FieldMapping{Priority: "Priority", Assignee: "Assignee", Due: "Due Date", Tags: "Tags"}
	props := BuildProperties(mapping, TaskProperties{Priority: "high", Assignee: "alice", Due: "2026-08-01", Tags: "bug,mobile"})
	assert.Equal(t, map[string]any{
		"Priority": "high",
		"Assignee": "alice",
		"Due Date": "2026-08-01",
		"Tags":     "bug,mobile",
	}, props)
}

func TestBuildBlocksFromThread(t *testing.T) {
	thread := domain.Thread{
		Root:         domain.ThreadMessage{Author: "alice", Content: "root"},
		Replies:      []domain.ThreadMessage{{Author: "bob", Content: "reply"}},
		Participants: []string{"alice", "bob"},
	}
	blocks := BuildBlocks(thread, "a summary", "https://source/thread")

	var types []string
	for _, b := range blocks {
		types = append(types, b.Type)
	}
	assert.Equal(t, []string{"callout", "divider", "paragraph", "paragraph", "divider", "metadata", "link"}, types)
	assert.Equal(t, "alice", blocks[2].Author)
	assert.Equal(t, "bob", blocks[3].Author)
}

func TestBuildBlocksOmitsSummaryDividerWhenNoSummary(t *testing.T) {
	thread := domain.Thread{Root: domain.ThreadMessage{Author: "alice", Content: "root"}}
	blocks := BuildBlocks(thread, "", "")

	var types []string
	for _, b := range blocks {
		types = append(types, b.Type)
	}
	assert.Equal(t, []string{"paragraph", "divider"}, types)
}

func TestFindDuplicateByURLCachesPositiveAndNegativeLookups(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"results":     []map[string]string{{"id": "page-1", "url": "https://taskdb/page-1"}},
			"has_more":    false,
			"next_cursor": "",
		})
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))

	id, found, err := client.FindDuplicateByURL(context.Background(), "db1", "https://source/thread-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "page-1", id)

	_, _, err = client.FindDuplicateByURL(context.Background(), "db1", "https://source/thread-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second lookup must not call upstream")
}

func TestFindDuplicateByURLCachesMisses(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]string{}, "has_more": false})
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))

	_, found, err := client.FindDuplicateByURL(context.Background(), "db1", "https://source/unseen")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = client.FindDuplicateByURL(context.Background(), "db1", "https://source/unseen")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "negative result must also be cached")
}

func TestCreateTasksCreatesOnePagePerTask(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("page-%d", n), "url": "https://taskdb/page"})
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	tasks := []TaskInput{
		{Title: "fix header", Description: "d1", Priority: "high"},
		{Title: "fix footer", Description: "d2", Priority: "medium"},
	}
	pages, err := client.CreateTasks(context.Background(), "db1", domain.FieldMapping{Title: "Name"}, "https://source/thread", "summary", tasks)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCreateTasksReportsPartialSuccessOnFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("page-%d", n), "url": "https://taskdb/page"})
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL), func(c *Client) { c.retry.MaxAttempts = 1 })
	tasks := []TaskInput{
		{Title: "one", Description: "d1"},
		{Title: "two", Description: "d2"},
		{Title: "three", Description: "d3"},
	}
	pages, err := client.CreateTasks(context.Background(), "db1", domain.FieldMapping{Title: "Name"}, "", "", tasks)
	require.Error(t, err)
	require.Len(t, pages, 1, "only the task created before the failure is returned")
}

func TestRetrieveDatabaseUsedByTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "db1", "name": "Tasks"})
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	require.NoError(t, client.TestConnection(context.Background(), "db1"))
}

func TestCreatePageDedupesByKey(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]string{"id": "page-1", "url": "https://taskdb/page-1"})
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	req := CreatePageRequest{DatabaseID: "db1", Properties: map[string]any{"Name": "x"}}

	first, err := client.CreatePage(context.Background(), "dedupe-key", req)
	require.NoError(t, err)
	assert.Equal(t, "page-1", first.ID)

	second, err := client.CreatePage(context.Background(), "dedupe-key", req)
	require.NoError(t, err)
	assert.Equal(t, "page-1", second.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreatePageSendsBearerTokenWhenAPIKeySet(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"id": "page-1", "url": "https://taskdb/page-1"})
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL), WithAPIKey("secret-key"))
	_, err := client.CreatePage(context.Background(), "dedupe-key-auth", CreatePageRequest{DatabaseID: "db1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestCreatePageCollapsesConcurrentCallsForSameKey(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		json.NewEncoder(w).Encode(map[string]string{"id": "page-1", "url": "https://taskdb/page-1"})
	}))
	defer server.Close()

	client := New(nil, WithBaseURL(server.URL))
	req := CreatePageRequest{DatabaseID: "db1"}

	var wg sync.WaitGroup
	results := make([]Page, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			page, err := client.CreatePage(context.Background(), "concurrent-key", req)
			require.NoError(t, err)
			results[i] = page
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, page := range results {
		assert.Equal(t, "page-1", page.ID)
	}
}
