// Package staging commits generated modules to a GitHub repository and opens
// pull requests for review.
package staging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raphaelgruber/moduleconv/internal/metrics"
	"github.com/raphaelgruber/moduleconv/internal/models"
)

const (
	acceptHeader = "application/vnd.github+json"
	apiVersion   = "2022-11-28"
)

// Client is a thin GitHub REST client. Every method fails fast with a
// *StagingError on a non-2xx response and never retries.
type Client struct {
	apiBase    string
	token      string
	httpClient *http.Client
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics records request counts and latency.
func WithMetrics(mc *metrics.Collector) Option {
	return func(c *Client) { c.metrics = mc }
}

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client. An empty apiBase selects api.github.com; GitHub
// Enterprise installations pass their own base.
func New(token, apiBase string, opts ...Option) *Client {
	if apiBase == "" {
		apiBase = models.DefaultGitHubAPIBase
	}
	c := &Client{
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Repository describes a hosted repository.
type Repository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	URL           string `json:"url"`
	CloneURL      string `json:"clone_url"`
}

// Branch is a named branch and its head commit.
type Branch struct {
	Name      string
	SHA       string
	Protected bool
}

// PullRequest is the subset of pull request fields the pipeline uses.
type PullRequest struct {
	Number     int
	Title      string
	State      string
	URL        string
	HTMLURL    string
	HeadBranch string
	BaseBranch string
	Mergeable  *bool
	Merged     bool
}

// Commit is a created commit.
type Commit struct {
	SHA     string
	Message string
	URL     string
	Author  string
	Date    time.Time
}

// User is the account a token authenticates as.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

// File is one path and its full new content.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileUpdate is a single-file commit through the contents API. SHA is the
// current blob SHA and is required when the file already exists.
type FileUpdate struct {
	Path    string
	Content string
	Message string
	Branch  string
	SHA     string
}

// NewPullRequest holds the inputs of CreatePullRequest.
type NewPullRequest struct {
	Title string
	Head  string
	Base  string
	Body  string
	Draft bool
}

// PullRequestUpdate holds the fields UpdatePullRequest changes. Empty fields
// are left untouched.
type PullRequestUpdate struct {
	Title string
	Body  string
	State string
}

type branchPayload struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
	Protected bool `json:"protected"`
}

type commitPayload struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	URL     string `json:"url"`
	Author  struct {
		Name string    `json:"name"`
		Date time.Time `json:"date"`
	} `json:"author"`
	Tree struct {
		SHA string `json:"sha"`
	} `json:"tree"`
}

func (p commitPayload) commit() *Commit {
	return &Commit{
		SHA:     p.SHA,
		Message: p.Message,
		URL:     p.URL,
		Author:  p.Author.Name,
		Date:    p.Author.Date,
	}
}

type pullPayload struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"`
	URL       string `json:"url"`
	HTMLURL   string `json:"html_url"`
	Mergeable *bool  `json:"mergeable"`
	Merged    bool   `json:"merged"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (p pullPayload) pullRequest() *PullRequest {
	return &PullRequest{
		Number:     p.Number,
		Title:      p.Title,
		State:      p.State,
		URL:        p.URL,
		HTMLURL:    p.HTMLURL,
		HeadBranch: p.Head.Ref,
		BaseBranch: p.Base.Ref,
		Mergeable:  p.Mergeable,
		Merged:     p.Merged,
	}
}

type shaPayload struct {
	SHA string `json:"sha"`
}

// =============================================================================
// Authentication & repositories
// =============================================================================

// AuthenticatedUser returns the account behind the token.
func (c *Client) AuthenticatedUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, "get_user", http.MethodGet, "/user", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ValidateToken reports whether the token is accepted by the API.
func (c *Client) ValidateToken(ctx context.Context) bool {
	_, err := c.AuthenticatedUser(ctx)
	return err == nil
}

// GetRepository returns repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*Repository, error) {
	var r Repository
	if err := c.do(ctx, "get_repository", http.MethodGet, repoPath(owner, repo), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// Branches
// =============================================================================

// GetBranch returns a branch and its head SHA.
func (c *Client) GetBranch(ctx context.Context, owner, repo, branch string) (*Branch, error) {
	var p branchPayload
	if err := c.do(ctx, "get_branch", http.MethodGet, repoPath(owner, repo)+"/branches/"+branch, nil, &p); err != nil {
		return nil, err
	}
	return &Branch{Name: p.Name, SHA: p.Commit.SHA, Protected: p.Protected}, nil
}

// CreateBranch creates branch pointing at fromSHA.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, branch, fromSHA string) (*Branch, error) {
	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": fromSHA,
	}
	if err := c.do(ctx, "create_branch", http.MethodPost, repoPath(owner, repo)+"/git/refs", body, nil); err != nil {
		return nil, err
	}
	return c.GetBranch(ctx, owner, repo, branch)
}

// DeleteBranch removes a branch reference.
func (c *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	return c.do(ctx, "delete_branch", http.MethodDelete, repoPath(owner, repo)+"/git/refs/heads/"+branch, nil, nil)
}

// =============================================================================
// Files & commits
// =============================================================================

// GetFileContent returns the decoded content and blob SHA of path at ref.
// An empty ref reads the default branch.
func (c *Client) GetFileContent(ctx context.Context, owner, repo, path, ref string) (string, string, error) {
	endpoint := repoPath(owner, repo) + "/contents/" + strings.TrimLeft(path, "/")
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	var p struct {
		Content string `json:"content"`
		SHA     string `json:"sha"`
	}
	if err := c.do(ctx, "get_file", http.MethodGet, endpoint, nil, &p); err != nil {
		return "", "", err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(p.Content, "\n", ""))
	if err != nil {
		return "", "", &StagingError{Message: fmt.Sprintf("decode content of %s: %v", path, err), Err: err}
	}
	return string(raw), p.SHA, nil
}

// CreateOrUpdateFile commits a single file through the contents API.
func (c *Client) CreateOrUpdateFile(ctx context.Context, owner, repo string, f FileUpdate) (*Commit, error) {
	body := map[string]string{
		"message": f.Message,
		"content": base64.StdEncoding.EncodeToString([]byte(f.Content)),
		"branch":  f.Branch,
	}
	if f.SHA != "" {
		body["sha"] = f.SHA
	}
	var p struct {
		Commit commitPayload `json:"commit"`
	}
	endpoint := repoPath(owner, repo) + "/contents/" + strings.TrimLeft(f.Path, "/")
	if err := c.do(ctx, "put_file", http.MethodPut, endpoint, body, &p); err != nil {
		return nil, err
	}
	return p.Commit.commit(), nil
}

// CreateFilesInCommit writes files to branch as one commit. The calls run
// strictly in order, each consuming the SHA produced by the previous one:
// read ref, read head commit, one blob per file, tree on the base tree,
// commit with the head as parent, then move the ref. The first failure
// stops the sequence.
func (c *Client) CreateFilesInCommit(ctx context.Context, owner, repo, branch string, files []File, message string) (*Commit, error) {
	base := repoPath(owner, repo)

	var ref struct {
		Object shaPayload `json:"object"`
	}
	if err := c.do(ctx, "get_ref", http.MethodGet, base+"/git/ref/heads/"+branch, nil, &ref); err != nil {
		return nil, err
	}
	headSHA := ref.Object.SHA

	var head commitPayload
	if err := c.do(ctx, "get_commit", http.MethodGet, base+"/git/commits/"+headSHA, nil, &head); err != nil {
		return nil, err
	}

	type treeEntry struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}
	entries := make([]treeEntry, 0, len(files))
	for _, f := range files {
		var blob shaPayload
		body := map[string]string{"content": base64.StdEncoding.EncodeToString([]byte(f.Content)), "encoding": "base64"}
		if err := c.do(ctx, "create_blob", http.MethodPost, base+"/git/blobs", body, &blob); err != nil {
			return nil, err
		}
		entries = append(entries, treeEntry{Path: f.Path, Mode: "100644", Type: "blob", SHA: blob.SHA})
	}

	var tree shaPayload
	treeBody := map[string]any{"base_tree": head.Tree.SHA, "tree": entries}
	if err := c.do(ctx, "create_tree", http.MethodPost, base+"/git/trees", treeBody, &tree); err != nil {
		return nil, err
	}

	var commit commitPayload
	commitBody := map[string]any{
		"message": message,
		"tree":    tree.SHA,
		"parents": []string{headSHA},
	}
	if err := c.do(ctx, "create_commit", http.MethodPost, base+"/git/commits", commitBody, &commit); err != nil {
		return nil, err
	}

	if err := c.do(ctx, "update_ref", http.MethodPatch, base+"/git/refs/heads/"+branch, map[string]string{"sha": commit.SHA}, nil); err != nil {
		return nil, err
	}

	c.logger.Info("staging commit created", "repo", owner+"/"+repo, "branch", branch, "sha", commit.SHA, "files", len(files))
	return commit.commit(), nil
}

// =============================================================================
// Pull requests
// =============================================================================

// CreatePullRequest opens a pull request from Head into Base.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	body := map[string]any{
		"title": pr.Title,
		"head":  pr.Head,
		"base":  pr.Base,
		"body":  pr.Body,
		"draft": pr.Draft,
	}
	var p pullPayload
	if err := c.do(ctx, "create_pull", http.MethodPost, repoPath(owner, repo)+"/pulls", body, &p); err != nil {
		return nil, err
	}
	return p.pullRequest(), nil
}

// UpdatePullRequest changes the non-empty fields of update.
func (c *Client) UpdatePullRequest(ctx context.Context, owner, repo string, number int, update PullRequestUpdate) (*PullRequest, error) {
	body := map[string]string{}
	if update.Title != "" {
		body["title"] = update.Title
	}
	if update.Body != "" {
		body["body"] = update.Body
	}
	if update.State != "" {
		body["state"] = update.State
	}
	var p pullPayload
	if err := c.do(ctx, "update_pull", http.MethodPatch, fmt.Sprintf("%s/pulls/%d", repoPath(owner, repo), number), body, &p); err != nil {
		return nil, err
	}
	return p.pullRequest(), nil
}

// GetPullRequest fetches a pull request by number.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	var p pullPayload
	if err := c.do(ctx, "get_pull", http.MethodGet, fmt.Sprintf("%s/pulls/%d", repoPath(owner, repo), number), nil, &p); err != nil {
		return nil, err
	}
	return p.pullRequest(), nil
}

// AddLabels attaches labels to an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	return c.do(ctx, "add_labels", http.MethodPost,
		fmt.Sprintf("%s/issues/%d/labels", repoPath(owner, repo), number),
		map[string][]string{"labels": labels}, nil)
}

// RequestReviewers asks users to review a pull request.
func (c *Client) RequestReviewers(ctx context.Context, owner, repo string, number int, reviewers []string) error {
	return c.do(ctx, "request_reviewers", http.MethodPost,
		fmt.Sprintf("%s/pulls/%d/requested_reviewers", repoPath(owner, repo), number),
		map[string][]string{"reviewers": reviewers}, nil)
}

// AddComment posts a comment on an issue or pull request.
func (c *Client) AddComment(ctx context.Context, owner, repo string, number int, body string) error {
	return c.do(ctx, "add_comment", http.MethodPost,
		fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, repo), number),
		map[string]string{"body": body}, nil)
}

// MergePullRequest merges with method ("merge", "squash" or "rebase"; empty
// means squash). It returns false without an error when the API reports the
// pull request as not mergeable.
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int, method, commitMessage string) (bool, error) {
	if method == "" {
		method = "squash"
	}
	body := map[string]string{"merge_method": method}
	if commitMessage != "" {
		body["commit_message"] = commitMessage
	}
	err := c.do(ctx, "merge_pull", http.MethodPut, fmt.Sprintf("%s/pulls/%d/merge", repoPath(owner, repo), number), body, nil)
	if err != nil {
		if hasStatus(err, http.StatusMethodNotAllowed) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// =============================================================================
// Transport
// =============================================================================

func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

// do sends one request. A 204 or an empty body leaves out untouched.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordStagingCall(op, 0, time.Since(start))
		return &StagingError{Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()
	c.metrics.RecordStagingCall(op, resp.StatusCode, time.Since(start))
	c.logger.Debug("staging request", "op", op, "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &StagingError{Message: fmt.Sprintf("read response: %v", err), StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 400 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var apiErr struct {
			Message string `json:"message"`
		}
		if len(data) > 0 && json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return &StagingError{Message: msg, StatusCode: resp.StatusCode}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &StagingError{Message: fmt.Sprintf("decode %s response: %v", op, err), StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}
