package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diffcritic/internal/config"
	"github.com/diffcritic/internal/retry"
	"github.com/diffcritic/pkg/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.GitLabConfig{
		Token:          "secret-token",
		APIURL:         server.URL,
		TimeoutSeconds: 5,
	}, config.RetryConfig{MaxRetries: 1, DelaySeconds: 0.001, BackoffFactor: 1})
}

func TestGetMergeRequest(t *testing.T) {
	var gotPath, gotAuth string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{
			"iid": 42,
			"title": "Add parser",
			"state": "opened",
			"source_branch": "feature",
			"target_branch": "main",
			"sha": "fallback",
			"diff_refs": {"base_sha": "b1", "start_sha": "s1", "head_sha": "h1"}
		}`)
	}))

	mr, err := client.GetMergeRequest(context.Background(), models.MergeRequestRef{ProjectID: "group/repo", MRIID: 42})
	require.NoError(t, err)

	assert.Equal(t, "/projects/group%2Frepo/merge_requests/42", gotPath)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "group/repo", mr.ProjectID)
	assert.Equal(t, 42, mr.IID)
	assert.Equal(t, "h1", mr.HeadSHA)
	assert.Equal(t, models.DiffRefs{BaseSHA: "b1", StartSHA: "s1", HeadSHA: "h1"}, mr.DiffRefs)
}

func TestGetMergeRequestHeadSHAFallsBackToSHA(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"iid": 1, "sha": "abc123"}`)
	}))

	mr, err := client.GetMergeRequest(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 1})
	require.NoError(t, err)
	assert.Equal(t, "abc123", mr.HeadSHA)
}

func TestGetMergeRequestDiffsPaginates(t *testing.T) {
	pages := map[string][]models.RawFileDiff{
		"1": make([]models.RawFileDiff, perPage),
		"2": {{NewPath: "last.go", Diff: "@@ -1 +1 @@\n-a\n+b\n"}},
	}
	for i := range pages["1"] {
		pages["1"][i] = models.RawFileDiff{NewPath: fmt.Sprintf("file%d.go", i)}
	}

	var requested []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		requested = append(requested, page)
		require.NoError(t, json.NewEncoder(w).Encode(pages[page]))
	}))

	diffs, err := client.GetMergeRequestDiffs(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 7})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2"}, requested)
	assert.Len(t, diffs, perPage+1)
	assert.Equal(t, "last.go", diffs[perPage].NewPath)
}

func TestAPIErrorCarriesStatusAndBody(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "404 Not Found"}`)
	}))

	_, err := client.GetMergeRequest(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 1})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "get_merge_request", apiErr.Endpoint)
	assert.Contains(t, apiErr.Body, "404 Not Found")
	assert.False(t, apiErr.Retriable())
	assert.Equal(t, 1, calls, "client errors are not retried")
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"iid": 1, "sha": "abc"}`)
	}))

	mr, err := client.GetMergeRequest(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 1})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, "abc", mr.HeadSHA)
}

func TestDoResendsBodyOnRetry(t *testing.T) {
	var bodies []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(raw))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 7, "body": "hello"}`)
	}))

	_, err := client.CreateNote(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 2}, "hello")
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1])
	assert.Contains(t, bodies[1], "hello")
}

func TestDoGivesUpAfterRetryBudget(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.GetMergeRequest(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 1})

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, calls)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestAPIErrorRetriableStatuses(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		err := &APIError{Status: tt.status}
		assert.Equal(t, tt.want, err.Retriable(), "status %d", tt.status)
	}
}

func TestCreateNote(t *testing.T) {
	var gotBody createNoteRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 99, "body": "hello"}`)
	}))

	note, err := client.CreateNote(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 2}, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", gotBody.Body)
	assert.Equal(t, 99, note.ID)
}

func TestCreateDiscussionSendsPosition(t *testing.T) {
	var got createDiscussionRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "d1", "notes": [{"id": 5}]}`)
	}))

	oldLine := 11
	newLine := 11
	position := &NotePosition{
		BaseSHA:      "b1",
		StartSHA:     "s1",
		HeadSHA:      "h1",
		PositionType: "text",
		OldPath:      "a.py",
		NewPath:      "a.py",
		OldLine:      &oldLine,
		NewLine:      &newLine,
		LineCode:     "abc_11_11",
	}

	discussion, err := client.CreateDiscussion(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 2}, "note body", position)
	require.NoError(t, err)

	assert.Equal(t, "d1", discussion.ID)
	require.NotNil(t, got.Position)
	assert.Equal(t, "text", got.Position.PositionType)
	assert.Equal(t, "abc_11_11", got.Position.LineCode)
	require.NotNil(t, got.Position.OldLine)
	assert.Equal(t, 11, *got.Position.OldLine)
}

func TestCreateDiscussionClassifiesPositionRejection(t *testing.T) {
	bodies := []string{
		`{"message": {"notes.line_code": ["can't be blank"]}}`,
		`{"message": "line_code must be a valid line code"}`,
		`{"error": "400 Bad request - Note {:line_code=>[\"can't be blank\"]}"}`,
	}

	for _, body := range bodies {
		responseBody := body
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, responseBody)
		}))

		_, err := client.CreateDiscussion(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 2}, "x", &NotePosition{})

		var rejected *PositionRejectedError
		require.ErrorAs(t, err, &rejected, "body %q", responseBody)
		assert.Equal(t, http.StatusBadRequest, rejected.Status)
		assert.False(t, rejected.Retriable())

		var apiErr *APIError
		assert.ErrorAs(t, err, &apiErr)
	}
}

func TestCreateDiscussionLeavesOtherErrorsAlone(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message": "403 Forbidden"}`)
	}))

	_, err := client.CreateDiscussion(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 2}, "x", &NotePosition{})

	var rejected *PositionRejectedError
	assert.False(t, errors.As(err, &rejected))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestResolveDiscussion(t *testing.T) {
	var gotMethod, gotPath, gotResolved string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotResolved = r.URL.Query().Get("resolved")
		fmt.Fprint(w, `{"id": "d1"}`)
	}))

	err := client.ResolveDiscussion(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 2}, "d1")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/projects/1/merge_requests/2/discussions/d1", gotPath)
	assert.Equal(t, "true", gotResolved)
}

func TestDeleteDiscussionNote(t *testing.T) {
	var gotMethod, gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))

	err := client.DeleteDiscussionNote(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 2}, "abcdef", 31)
	require.NoError(t, err)

	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/projects/1/merge_requests/2/discussions/abcdef/notes/31", gotPath)
}

func TestListNotes(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id": 1, "body": "summary", "author": {"id": 7, "username": "critic-bot"}},
			{"id": 2, "type": "DiffNote", "body": "inline", "author": {"id": 7, "username": "critic-bot"},
			 "position": {"new_path": "a.py", "new_line": 3}}
		]`)
	}))

	notes, err := client.ListNotes(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 2})
	require.NoError(t, err)
	require.Len(t, notes, 2)

	assert.False(t, notes[0].Inline())
	assert.True(t, notes[1].Inline())
	assert.Equal(t, "critic-bot", notes[1].Author.Username)
}

func TestGetDiscussionFirstNote(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/1/merge_requests/2/discussions/deadbeef", r.URL.Path)
		fmt.Fprint(w, `{"id": "deadbeef", "notes": [
			{"id": 10, "author": {"username": "critic-bot"}},
			{"id": 11, "author": {"username": "human"}}
		]}`)
	}))

	discussion, err := client.GetDiscussion(context.Background(), models.MergeRequestRef{ProjectID: "1", MRIID: 2}, "deadbeef")
	require.NoError(t, err)

	first, ok := discussion.FirstNote()
	require.True(t, ok)
	assert.Equal(t, "critic-bot", first.Author.Username)
}
