package staging

import (
	"context"
	"fmt"
	"strings"

	"github.com/raphaelgruber/moduleconv/internal/models"
)

// ChangeSet is the generated output of one job, ready to be staged.
type ChangeSet struct {
	JobID      string
	ModuleName string
	Action     string
	Files      []File
	Warnings   []string
}

// Result describes what Stage created on the remote. On failure it still
// reports the partial state so callers can surface it.
type Result struct {
	Branch        string
	BranchCreated bool
	BranchDeleted bool
	Commit        *Commit
	PullRequest   *PullRequest
	Merged        bool
}

// Stage creates a branch from the target's base branch, commits the change
// set, opens a pull request and applies labels and reviewers. Any failure
// aborts the remaining calls. When the target opts in, a branch created by
// this call is deleted best-effort after a failure.
func (c *Client) Stage(ctx context.Context, target models.StagingTarget, cs ChangeSet) (*Result, error) {
	target = target.WithDefaults()
	res := &Result{Branch: target.BranchPrefix + cs.JobID}

	err := c.stage(ctx, target, cs, res)
	if err != nil && res.BranchCreated && target.DeleteBranchOnFailure {
		// The caller's context may be what failed.
		cleanupCtx := context.WithoutCancel(ctx)
		if derr := c.DeleteBranch(cleanupCtx, target.Owner, target.Repo, res.Branch); derr != nil {
			c.logger.Warn("staging branch cleanup failed", "branch", res.Branch, "error", derr)
		} else {
			res.BranchDeleted = true
		}
	}
	return res, err
}

func (c *Client) stage(ctx context.Context, target models.StagingTarget, cs ChangeSet, res *Result) error {
	owner, repo := target.Owner, target.Repo

	base, err := c.GetBranch(ctx, owner, repo, target.BaseBranch)
	if err != nil {
		return fmt.Errorf("get base branch %s: %w", target.BaseBranch, err)
	}

	if _, err := c.CreateBranch(ctx, owner, repo, res.Branch, base.SHA); err != nil {
		return fmt.Errorf("create branch %s: %w", res.Branch, err)
	}
	res.BranchCreated = true

	action := cs.Action
	if action == "" {
		action = "Convert"
	}
	vars := map[string]string{
		"module_name": cs.ModuleName,
		"action":      action,
		"job_id":      cs.JobID,
	}

	commit, err := c.CreateFilesInCommit(ctx, owner, repo, res.Branch, cs.Files,
		fmt.Sprintf("%s module %s\n\nJob ID: %s", action, cs.ModuleName, cs.JobID))
	if err != nil {
		return fmt.Errorf("commit files: %w", err)
	}
	res.Commit = commit

	body := models.RenderTemplate(target.PRBodyTemplate, vars)
	if len(cs.Warnings) > 0 {
		body += "\n\nValidation warnings:\n- " + strings.Join(cs.Warnings, "\n- ")
	}
	pr, err := c.CreatePullRequest(ctx, owner, repo, NewPullRequest{
		Title: models.RenderTemplate(target.PRTitleTemplate, vars),
		Head:  res.Branch,
		Base:  target.BaseBranch,
		Body:  body,
	})
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}
	res.PullRequest = pr

	if len(target.Labels) > 0 {
		if err := c.AddLabels(ctx, owner, repo, pr.Number, target.Labels); err != nil {
			return fmt.Errorf("add labels: %w", err)
		}
	}
	if len(target.Reviewers) > 0 {
		if err := c.RequestReviewers(ctx, owner, repo, pr.Number, target.Reviewers); err != nil {
			return fmt.Errorf("request reviewers: %w", err)
		}
	}

	if target.AutoMerge {
		merged, err := c.MergePullRequest(ctx, owner, repo, pr.Number, "squash", "")
		if err != nil {
			return fmt.Errorf("merge pull request: %w", err)
		}
		res.Merged = merged
		if !merged {
			c.logger.Info("pull request not mergeable, left open", "pr", pr.Number)
		}
	}
	return nil
}
