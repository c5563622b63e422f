package staging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/raphaelgruber/moduleconv/internal/metrics"
	"github.com/raphaelgruber/moduleconv/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Method string
	Path   string
	Body   map[string]any
}

// fakeGitHub answers the subset of the GitHub REST API used by the client.
// Responses can be overridden per "METHOD /path" key.
type fakeGitHub struct {
	t         *testing.T
	mu        sync.Mutex
	calls     []recordedCall
	blobCount int
	failures  map[string]int
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	f := &fakeGitHub{t: t, failures: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeGitHub) fail(method, path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method+" "+path] = status
}

func (f *fakeGitHub) serve(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "Bearer test-token", r.Header.Get("Authorization"))
	assert.Equal(f.t, "application/vnd.github+json", r.Header.Get("Accept"))
	assert.Equal(f.t, "2022-11-28", r.Header.Get("X-GitHub-Api-Version"))

	var body map[string]any
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		require.NoError(f.t, json.Unmarshal(data, &body))
	}

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: body})
	key := r.Method + " " + r.URL.Path
	status, failing := f.failures[key]
	f.mu.Unlock()

	if failing {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "simulated failure"})
		return
	}

	const repo = "/repos/acme/modules"
	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/user":
		writeJSON(w, 200, map[string]any{"login": "bot"})
	case r.Method == http.MethodGet && path == repo:
		writeJSON(w, 200, map[string]any{"name": "modules", "full_name": "acme/modules", "default_branch": "main"})
	case r.Method == http.MethodGet && strings.HasPrefix(path, repo+"/branches/"):
		name := strings.TrimPrefix(path, repo+"/branches/")
		writeJSON(w, 200, map[string]any{"name": name, "commit": map[string]any{"sha": "head-" + name}})
	case r.Method == http.MethodPost && path == repo+"/git/refs":
		writeJSON(w, 201, map[string]any{"ref": body["ref"]})
	case r.Method == http.MethodDelete && strings.HasPrefix(path, repo+"/git/refs/heads/"):
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.HasPrefix(path, repo+"/git/ref/heads/"):
		writeJSON(w, 200, map[string]any{"object": map[string]any{"sha": "head-sha"}})
	case r.Method == http.MethodGet && path == repo+"/git/commits/head-sha":
		writeJSON(w, 200, map[string]any{"sha": "head-sha", "tree": map[string]any{"sha": "base-tree"}})
	case r.Method == http.MethodPost && path == repo+"/git/blobs":
		f.mu.Lock()
		f.blobCount++
		n := f.blobCount
		f.mu.Unlock()
		writeJSON(w, 201, map[string]any{"sha": "blob-" + string(rune('0'+n))})
	case r.Method == http.MethodPost && path == repo+"/git/trees":
		writeJSON(w, 201, map[string]any{"sha": "new-tree"})
	case r.Method == http.MethodPost && path == repo+"/git/commits":
		writeJSON(w, 201, map[string]any{
			"sha": "new-commit", "message": body["message"], "url": "https://api/commit",
			"author": map[string]any{"name": "bot", "date": "2025-01-02T03:04:05Z"},
		})
	case r.Method == http.MethodPatch && strings.HasPrefix(path, repo+"/git/refs/heads/"):
		writeJSON(w, 200, map[string]any{"object": map[string]any{"sha": body["sha"]}})
	case r.Method == http.MethodGet && strings.HasPrefix(path, repo+"/contents/"):
		writeJSON(w, 200, map[string]any{
			"sha":     "file-sha",
			"content": base64.StdEncoding.EncodeToString([]byte("hello world"))[:8] + "\n" + base64.StdEncoding.EncodeToString([]byte("hello world"))[8:],
		})
	case r.Method == http.MethodPut && strings.HasPrefix(path, repo+"/contents/"):
		writeJSON(w, 201, map[string]any{"commit": map[string]any{
			"sha": "put-commit", "message": body["message"],
			"author": map[string]any{"name": "bot", "date": "2025-01-02T03:04:05Z"},
		}})
	case r.Method == http.MethodPost && path == repo+"/pulls":
		writeJSON(w, 201, pullJSON(7, body["title"], body["head"], body["base"]))
	case r.Method == http.MethodGet && path == repo+"/pulls/7":
		writeJSON(w, 200, pullJSON(7, "t", "h", "main"))
	case r.Method == http.MethodPatch && path == repo+"/pulls/7":
		writeJSON(w, 200, pullJSON(7, body["title"], "h", "main"))
	case r.Method == http.MethodPost && path == repo+"/issues/7/labels":
		writeJSON(w, 200, []any{})
	case r.Method == http.MethodPost && path == repo+"/issues/7/comments":
		writeJSON(w, 201, map[string]any{"id": 1})
	case r.Method == http.MethodPost && path == repo+"/pulls/7/requested_reviewers":
		writeJSON(w, 201, pullJSON(7, "t", "h", "main"))
	case r.Method == http.MethodPut && path == repo+"/pulls/7/merge":
		writeJSON(w, 200, map[string]any{"merged": true})
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGitHub) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func (f *fakeGitHub) sequence() []string {
	var out []string
	for _, c := range f.recorded() {
		out = append(out, c.Method+" "+c.Path)
	}
	return out
}

func pullJSON(number int, title, head, base any) map[string]any {
	return map[string]any{
		"number": number, "title": title, "state": "open",
		"url":      "https://api.github.com/repos/acme/modules/pulls/7",
		"html_url": "https://github.com/acme/modules/pull/7",
		"head":     map[string]any{"ref": head},
		"base":     map[string]any{"ref": base},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testFiles() []File {
	return []File{
		{Path: "modules/a.py", Content: "a"},
		{Path: "modules/b.py", Content: "b"},
		{Path: "modules/c.py", Content: "c"},
	}
}

func TestCreateFilesInCommitSequence(t *testing.T) {
	fake, srv := newFakeGitHub(t)
	c := New("test-token", srv.URL)

	commit, err := c.CreateFilesInCommit(context.Background(), "acme", "modules", "feature", testFiles(), "add modules")
	require.NoError(t, err)
	assert.Equal(t, "new-commit", commit.SHA)
	assert.Equal(t, "bot", commit.Author)

	assert.Equal(t, []string{
		"GET /repos/acme/modules/git/ref/heads/feature",
		"GET /repos/acme/modules/git/commits/head-sha",
		"POST /repos/acme/modules/git/blobs",
		"POST /repos/acme/modules/git/blobs",
		"POST /repos/acme/modules/git/blobs",
		"POST /repos/acme/modules/git/trees",
		"POST /repos/acme/modules/git/commits",
		"PATCH /repos/acme/modules/git/refs/heads/feature",
	}, fake.sequence())

	calls := fake.recorded()
	tree := calls[5].Body
	assert.Equal(t, "base-tree", tree["base_tree"])
	entries, ok := tree["tree"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 3)
	for i, e := range entries {
		entry := e.(map[string]any)
		assert.Equal(t, testFiles()[i].Path, entry["path"])
		assert.Equal(t, "100644", entry["mode"])
		assert.Equal(t, "blob", entry["type"])
		assert.Equal(t, "blob-"+string(rune('1'+i)), entry["sha"])
	}

	commitBody := calls[6].Body
	assert.Equal(t, "new-tree", commitBody["tree"])
	assert.Equal(t, []any{"head-sha"}, commitBody["parents"])
	assert.Equal(t, "new-commit", calls[7].Body["sha"])
}

func TestCreateFilesInCommitSendsBase64Blobs(t *testing.T) {
	fake, srv := newFakeGitHub(t)
	c := New("test-token", srv.URL)

	raw := "caf\xe9 = 1\n\x00tail"
	_, err := c.CreateFilesInCommit(context.Background(), "acme", "modules", "feature",
		[]File{{Path: "modules/latin1.py", Content: raw}}, "add module")
	require.NoError(t, err)

	blob := fake.recorded()[2]
	require.Equal(t, "POST /repos/acme/modules/git/blobs", blob.Method+" "+blob.Path)
	assert.Equal(t, "base64", blob.Body["encoding"])
	decoded, err := base64.StdEncoding.DecodeString(blob.Body["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte(raw), decoded)
}

func TestCreateFilesInCommitStopsOnTreeFailure(t *testing.T) {
	fake, srv := newFakeGitHub(t)
	fake.fail(http.MethodPost, "/repos/acme/modules/git/trees", http.StatusUnprocessableEntity)
	c := New("test-token", srv.URL)

	_, err := c.CreateFilesInCommit(context.Background(), "acme", "modules", "feature", testFiles(), "msg")
	require.Error(t, err)

	var serr *StagingError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnprocessableEntity, serr.StatusCode)
	assert.Equal(t, "simulated failure", serr.Message)

	for _, call := range fake.sequence() {
		assert.NotEqual(t, "POST /repos/acme/modules/git/commits", call)
		assert.False(t, strings.HasPrefix(call, "PATCH "), "ref must not move: %s", call)
	}
}

func TestStagingErrorWithoutMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New("t", srv.URL).GetBranch(context.Background(), "acme", "modules", "main")
	var serr *StagingError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "HTTP 502", serr.Message)
	assert.Equal(t, 502, serr.StatusCode)
}

func TestMergePullRequest(t *testing.T) {
	fake, srv := newFakeGitHub(t)
	c := New("test-token", srv.URL)

	merged, err := c.MergePullRequest(context.Background(), "acme", "modules", 7, "", "")
	require.NoError(t, err)
	assert.True(t, merged)
	assert.Equal(t, "squash", fake.recorded()[0].Body["merge_method"])

	fake.fail(http.MethodPut, "/repos/acme/modules/pulls/7/merge", http.StatusMethodNotAllowed)
	merged, err = c.MergePullRequest(context.Background(), "acme", "modules", 7, "merge", "")
	require.NoError(t, err)
	assert.False(t, merged)

	fake.fail(http.MethodPut, "/repos/acme/modules/pulls/7/merge", http.StatusConflict)
	_, err = c.MergePullRequest(context.Background(), "acme", "modules", 7, "merge", "")
	assert.Error(t, err)
}

func TestBranchAndFileOperations(t *testing.T) {
	fake, srv := newFakeGitHub(t)
	c := New("test-token", srv.URL)
	ctx := context.Background()

	b, err := c.CreateBranch(ctx, "acme", "modules", "work", "abc")
	require.NoError(t, err)
	assert.Equal(t, "head-work", b.SHA)
	assert.Equal(t, "refs/heads/work", fake.recorded()[0].Body["ref"])
	assert.Equal(t, "abc", fake.recorded()[0].Body["sha"])

	require.NoError(t, c.DeleteBranch(ctx, "acme", "modules", "work"))

	content, sha, err := c.GetFileContent(ctx, "acme", "modules", "README.md", "main")
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)
	assert.Equal(t, "file-sha", sha)

	commit, err := c.CreateOrUpdateFile(ctx, "acme", "modules", FileUpdate{
		Path: "README.md", Content: "new", Message: "update readme", Branch: "work", SHA: "file-sha",
	})
	require.NoError(t, err)
	assert.Equal(t, "put-commit", commit.SHA)
	put := fake.recorded()[len(fake.recorded())-1].Body
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("new")), put["content"])
	assert.Equal(t, "file-sha", put["sha"])

	assert.True(t, c.ValidateToken(ctx))
	repo, err := c.GetRepository(ctx, "acme", "modules")
	require.NoError(t, err)
	assert.Equal(t, "main", repo.DefaultBranch)

	pr, err := c.UpdatePullRequest(ctx, "acme", "modules", 7, PullRequestUpdate{Title: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", pr.Title)

	pr, err = c.GetPullRequest(ctx, "acme", "modules", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, pr.Number)
}

func TestValidateTokenRejected(t *testing.T) {
	fake, srv := newFakeGitHub(t)
	fake.fail(http.MethodGet, "/user", http.StatusUnauthorized)
	assert.False(t, New("test-token", srv.URL).ValidateToken(context.Background()))
}

func TestStageFullFlow(t *testing.T) {
	fake, srv := newFakeGitHub(t)
	mc := metrics.NewCollector(nil)
	c := New("test-token", srv.URL, WithMetrics(mc))

	res, err := c.Stage(context.Background(), models.StagingTarget{
		Owner:     "acme",
		Repo:      "modules",
		Reviewers: []string{"alice"},
		AutoMerge: true,
	}, ChangeSet{
		JobID:      "conv-abc",
		ModuleName: "billing",
		Files:      []File{{Path: "modules/conv-abc/generated.py", Content: "print(1)"}},
		Warnings:   []string{"Generated code seems very short"},
	})
	require.NoError(t, err)

	assert.Equal(t, "module-converter/conv-abc", res.Branch)
	assert.True(t, res.BranchCreated)
	require.NotNil(t, res.PullRequest)
	assert.Equal(t, 7, res.PullRequest.Number)
	assert.True(t, res.Merged)

	calls := fake.recorded()
	seq := fake.sequence()
	assert.Equal(t, "GET /repos/acme/modules/branches/main", seq[0])
	assert.Equal(t, "POST /repos/acme/modules/git/refs", seq[1])

	var prBody map[string]any
	var labels map[string]any
	for _, call := range calls {
		switch call.Method + " " + call.Path {
		case "POST /repos/acme/modules/pulls":
			prBody = call.Body
		case "POST /repos/acme/modules/issues/7/labels":
			labels = call.Body
		}
	}
	require.NotNil(t, prBody)
	assert.Equal(t, "[Module Converter] billing - Convert", prBody["title"])
	assert.Equal(t, "module-converter/conv-abc", prBody["head"])
	assert.Contains(t, prBody["body"], "Job ID: conv-abc")
	assert.Contains(t, prBody["body"], "Generated code seems very short")
	assert.Equal(t, []any{"module-converter", "automated"}, labels["labels"])
	assert.Contains(t, seq, "POST /repos/acme/modules/pulls/7/requested_reviewers")
	assert.Equal(t, "PUT /repos/acme/modules/pulls/7/merge", seq[len(seq)-1])

	assert.NotNil(t, mc.Snapshot().StagingCall)
}

func TestStagePullRequestFailure(t *testing.T) {
	tests := []struct {
		name          string
		deleteOnFail  bool
		expectDeleted bool
	}{
		{"branch left behind", false, false},
		{"branch cleaned up", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, srv := newFakeGitHub(t)
			fake.fail(http.MethodPost, "/repos/acme/modules/pulls", http.StatusUnprocessableEntity)
			c := New("test-token", srv.URL)

			res, err := c.Stage(context.Background(), models.StagingTarget{
				Owner: "acme", Repo: "modules", DeleteBranchOnFailure: tt.deleteOnFail,
			}, ChangeSet{JobID: "conv-1", ModuleName: "m", Files: []File{{Path: "x", Content: "y"}}})
			require.Error(t, err)

			var serr *StagingError
			assert.ErrorAs(t, err, &serr)
			assert.True(t, res.BranchCreated)
			assert.Nil(t, res.PullRequest)
			assert.Equal(t, tt.expectDeleted, res.BranchDeleted)
			assert.Equal(t, tt.expectDeleted, contains(fake.sequence(), "DELETE /repos/acme/modules/git/refs/heads/module-converter/conv-1"))
		})
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
